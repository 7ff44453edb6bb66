package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stamon/stamon/auth"
	"github.com/stamon/stamon/bus"
	"github.com/stamon/stamon/store"
	"github.com/stamon/stamon/ws"
)

type fakeGateway struct {
	services []*store.Service
	hasUser  bool
}

func (g *fakeGateway) ListActiveServices(ctx context.Context) ([]*store.Service, error) {
	return g.services, nil
}
func (g *fakeGateway) GetService(ctx context.Context, id uint32) (*store.Service, error) {
	for _, s := range g.services {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, nil
}
func (g *fakeGateway) CreateService(ctx context.Context, svc *store.Service) (*store.Service, error) {
	svc.ID = uint32(len(g.services) + 1)
	g.services = append(g.services, svc)
	return svc, nil
}
func (g *fakeGateway) UpdateService(ctx context.Context, svc *store.Service) error { return nil }
func (g *fakeGateway) DeleteService(ctx context.Context, id uint32) error          { return nil }
func (g *fakeGateway) RecordOutcome(ctx context.Context, entry store.LogEntry) error {
	return nil
}
func (g *fakeGateway) ListLogs(ctx context.Context, serviceID *uint32, limit int) ([]store.LogEntry, error) {
	return nil, nil
}
func (g *fakeGateway) Incidents(ctx context.Context, limit int) ([]store.Incident, error) {
	return nil, nil
}
func (g *fakeGateway) HasAnyUser(ctx context.Context) (bool, error) { return g.hasUser, nil }
func (g *fakeGateway) Close() error                                { return nil }

func newTestRouter(gw *fakeGateway) (http.Handler, []byte) {
	secret := []byte("secret")
	verifier := auth.NewVerifier(secret)
	hub := ws.New(bus.New(4))
	return New(gw, verifier, hub), secret
}

func signedToken(t *testing.T, secret []byte) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	raw, err := tok.SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return raw
}

func TestRegisterReportsOpenWhenNoUsers(t *testing.T) {
	h, _ := newTestRouter(&fakeGateway{hasUser: false})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/register", nil))

	var body map[string]bool
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body["open"] {
		t.Error("expected registration open on a fresh install")
	}
}

func TestRegisterReportsClosedOnceUserExists(t *testing.T) {
	h, _ := newTestRouter(&fakeGateway{hasUser: true})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/register", nil))

	var body map[string]bool
	json.NewDecoder(rec.Body).Decode(&body)
	if body["open"] {
		t.Error("expected registration closed once a user exists")
	}
}

func TestServicesRequireAuth(t *testing.T) {
	h, _ := newTestRouter(&fakeGateway{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/services", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without a token, got %d", rec.Code)
	}
}

func TestCreateAndListService(t *testing.T) {
	gw := &fakeGateway{}
	h, secret := newTestRouter(gw)
	tok := signedToken(t, secret)

	body := `{"name":"example","interval":30,"timeout":5,"url":"1.1.1.1","service_type":"ping"}`
	req := httptest.NewRequest(http.MethodPost, "/api/services", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	listReq := httptest.NewRequest(http.MethodGet, "/api/services", nil)
	listReq.Header.Set("Authorization", "Bearer "+tok)
	listRec := httptest.NewRecorder()
	h.ServeHTTP(listRec, listReq)

	var services []store.Service
	if err := json.NewDecoder(listRec.Body).Decode(&services); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(services) != 1 || services[0].Name != "example" {
		t.Fatalf("unexpected services: %+v", services)
	}
}

func TestCreateServiceRejectsInvalidInterval(t *testing.T) {
	gw := &fakeGateway{}
	h, secret := newTestRouter(gw)
	tok := signedToken(t, secret)

	body := `{"name":"example","interval":0,"timeout":5,"url":"1.1.1.1","service_type":"ping"}`
	req := httptest.NewRequest(http.MethodPost, "/api/services", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for interval=0, got %d", rec.Code)
	}
}
