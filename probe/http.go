package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"reflect"
	"time"

	"github.com/stamon/stamon/store"
)

// HTTPDriver issues a GET request to the service's URL.
//
// expected_code is consulted for success iff the response status code
// equals it, defaulting to the 2xx range when unset.
type HTTPDriver struct {
	Client *http.Client
}

func (d HTTPDriver) Probe(ctx context.Context, svc *store.Service) Outcome {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	timeout := time.Duration(svc.Timeout) * time.Second
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, svc.URL, nil)
	if err != nil {
		return applyInvert(svc, Outcome{
			Status:   store.StatusFailed,
			Message:  err.Error(),
			Duration: 0,
			Time:     time.Now().UTC(),
		})
	}

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	now := time.Now().UTC()

	if err != nil {
		if isConnectError(err) {
			return applyInvert(svc, Outcome{
				Status:      store.StatusDown,
				Message:     err.Error(),
				Duration:    elapsed,
				Time:        now,
				Notify:      true,
				NotifyTitle: "Network Error",
				NotifyLevel: "error",
			})
		}
		return applyInvert(svc, Outcome{
			Status:   store.StatusDown,
			Message:  fmt.Sprintf("%+v", err),
			Duration: elapsed,
			Time:     now,
		})
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if !statusMatches(resp.StatusCode, svc.ExpectedCode) {
		return applyInvert(svc, Outcome{
			Status:   store.StatusDown,
			Message:  fmt.Sprintf("unexpected status code %d", resp.StatusCode),
			Duration: elapsed,
			Time:     now,
		})
	}

	if svc.ExpectedPayload != "" {
		ok, err := payloadMatches(svc.ExpectedPayload, body)
		if err != nil {
			return applyInvert(svc, Outcome{
				Status:   store.StatusDown,
				Message:  fmt.Sprintf("Expected: %s Got: %s (compare error: %v)", svc.ExpectedPayload, string(body), err),
				Duration: elapsed,
				Time:     now,
			})
		}
		if !ok {
			return applyInvert(svc, Outcome{
				Status:   store.StatusDown,
				Message:  fmt.Sprintf("Expected: %s Got: %s", svc.ExpectedPayload, string(body)),
				Duration: elapsed,
				Time:     now,
			})
		}
	}

	return applyInvert(svc, Outcome{
		Status:   store.StatusUp,
		Duration: elapsed,
		Time:     now,
	})
}

// statusMatches implements the expected_code success rule: success iff
// the code equals expected (default: any 2xx when expected is unset).
func statusMatches(code int, expected *int) bool {
	if expected != nil {
		return code == *expected
	}
	return code >= 200 && code < 300
}

// payloadMatches parses both sides as JSON and compares them
// structurally, so key order and whitespace never matter.
func payloadMatches(tmpl string, body []byte) (bool, error) {
	var want, got any
	if err := json.Unmarshal([]byte(tmpl), &want); err != nil {
		return false, fmt.Errorf("parse expected_payload: %w", err)
	}
	if err := json.Unmarshal(body, &got); err != nil {
		return false, fmt.Errorf("parse response body: %w", err)
	}
	return reflect.DeepEqual(want, got), nil
}

// isConnectError reports whether err represents a failure to
// establish the TCP connection at all, as opposed to a transport
// error after connecting.
func isConnectError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
