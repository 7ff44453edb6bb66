package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/stamon/stamon/store"
)

// PingDriver sends one ICMP echo request and waits for the reply,
// honoring the service's configured timeout.
type PingDriver struct{}

const (
	pingTTL     = 128
	pingPayload = "STAM" // 4-byte echo payload
	icmpProtoID = 1      // ICMP for IPv4
)

func (PingDriver) Probe(ctx context.Context, svc *store.Service) Outcome {
	start := time.Now()

	ip := net.ParseIP(svc.URL)
	if ip == nil || ip.To4() == nil {
		return applyInvert(svc, Outcome{
			Status:   store.StatusFailed,
			Message:  fmt.Sprintf("malformed IPv4 address %q", svc.URL),
			Duration: time.Since(start),
			Time:     time.Now().UTC(),
		})
	}

	timeout := time.Duration(svc.Timeout) * time.Second
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	rtt, err := pingOnce(ctx, ip, deadline)
	now := time.Now().UTC()
	if err == nil {
		return applyInvert(svc, Outcome{
			Status:   store.StatusUp,
			Duration: rtt,
			Time:     now,
		})
	}

	if isOSError(err) {
		return applyInvert(svc, Outcome{
			Status:      store.StatusFailed,
			Message:     err.Error(),
			Duration:    time.Since(start),
			Time:        now,
			Notify:      true,
			NotifyTitle: "Network Error",
			NotifyLevel: "error",
		})
	}

	return applyInvert(svc, Outcome{
		Status:   store.StatusDown,
		Message:  fmt.Sprintf("%+v", err),
		Duration: time.Since(start),
		Time:     now,
	})
}

// pingOnce sends a single ICMP echo and returns the round-trip time.
func pingOnce(ctx context.Context, dst net.IP, deadline time.Time) (time.Duration, error) {
	conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	pc := conn.IPv4PacketConn()
	if pc != nil {
		_ = pc.SetTTL(pingTTL)
		_ = pc.SetControlMessage(ipv4.FlagTTL, true)
		// x/net/ipv4 exposes no portable don't-fragment socket option, and
		// pingPayload is 4 bytes — far under any path MTU, so the packet
		// never fragments regardless. Nothing to set.
	}
	_ = conn.SetDeadline(deadline)

	id := os.Getpid() & 0xffff
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   id,
			Seq:  1,
			Data: []byte(pingPayload),
		},
	}
	raw, err := msg.Marshal(nil)
	if err != nil {
		return 0, err
	}

	sendTime := time.Now()
	if _, err := conn.WriteTo(raw, &net.IPAddr{IP: dst}); err != nil {
		return 0, err
	}

	reply := make([]byte, 1500)
	for {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		n, _, err := conn.ReadFrom(reply)
		if err != nil {
			return 0, err
		}
		parsed, err := icmp.ParseMessage(icmpProtoID, reply[:n])
		if err != nil {
			continue
		}
		if parsed.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		echo, ok := parsed.Body.(*icmp.Echo)
		if !ok || echo.ID != id {
			continue
		}
		return time.Since(sendTime), nil
	}
}

// isOSError reports whether err represents a systemic/privilege
// failure (permission denied, network unreachable at the OS level)
// rather than an ordinary timeout or unreachable-host result.
func isOSError(err error) bool {
	if os.IsPermission(err) {
		return true
	}
	if errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return os.IsPermission(opErr.Err)
	}
	return false
}
