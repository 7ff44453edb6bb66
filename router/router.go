// Package router wires the minimal admin HTTP API: CRUD on services,
// log listing, incident listing, the bootstrap /register gate, and
// mounting the WebSocket hub. Full admin API, login and JWT issuance
// live in an external collaborator; the routes here exist only so the
// monitoring pipeline's
// persistence gateway, transition engine and event bus have a real
// caller to exercise.
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/stamon/stamon/auth"
	"github.com/stamon/stamon/store"
	"github.com/stamon/stamon/ws"
)

var (
	errNotFound = errors.New("service not found")
	errBadLimit = errors.New("limit must be a positive integer")
)

func errMissingField(field string) error {
	return fmt.Errorf("missing or invalid field: %s", field)
}

// New builds the admin ServeMux. protected routes require a valid
// bearer token except /api/register, which is intentionally open so
// a fresh install can bootstrap its first user.
func New(gateway store.Gateway, verifier *auth.Verifier, hub *ws.Hub) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/register", registerHandler(gateway))

	mux.Handle("GET /api/services", verifier.Middleware(http.HandlerFunc(listServices(gateway))))
	mux.Handle("POST /api/services", verifier.Middleware(http.HandlerFunc(createService(gateway))))
	mux.Handle("GET /api/services/{id}", verifier.Middleware(http.HandlerFunc(getService(gateway))))
	mux.Handle("PUT /api/services/{id}", verifier.Middleware(http.HandlerFunc(updateService(gateway))))
	mux.Handle("DELETE /api/services/{id}", verifier.Middleware(http.HandlerFunc(deleteService(gateway))))

	mux.Handle("GET /api/logs", verifier.Middleware(http.HandlerFunc(listLogs(gateway))))
	mux.Handle("GET /api/incidents", verifier.Middleware(http.HandlerFunc(listIncidents(gateway))))

	mux.Handle("GET /ws", verifier.Middleware(hub))

	return mux
}

// registerHandler reports whether bootstrap registration is still
// open: registration is open exactly when no user exists yet. The
// actual user creation and JWT issuance live in the external login
// collaborator; stamon's core only needs to answer this gate.
func registerHandler(gateway store.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		has, err := gateway.HasAnyUser(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"open": !has})
	}
}

func listServices(gateway store.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		services, err := gateway.ListActiveServices(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, services)
	}
}

func getService(gateway store.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseID(r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		svc, err := gateway.GetService(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if svc == nil {
			writeError(w, http.StatusNotFound, errNotFound)
			return
		}
		writeJSON(w, http.StatusOK, svc)
	}
}

func createService(gateway store.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var svc store.Service
		if err := json.NewDecoder(r.Body).Decode(&svc); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := validateService(&svc); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		created, err := gateway.CreateService(r.Context(), &svc)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

func updateService(gateway store.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseID(r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		var svc store.Service
		if err := json.NewDecoder(r.Body).Decode(&svc); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		svc.ID = id
		if err := validateService(&svc); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := gateway.UpdateService(r.Context(), &svc); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, svc)
	}
}

func deleteService(gateway store.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseID(r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := gateway.DeleteService(r.Context(), id); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func listLogs(gateway store.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, errBadLimit)
				return
			}
			limit = n
		}

		var serviceID *uint32
		if v := r.URL.Query().Get("service_id"); v != "" {
			id, err := parseID(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			serviceID = &id
		}

		logs, err := gateway.ListLogs(r.Context(), serviceID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, logs)
	}
}

func listIncidents(gateway store.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, errBadLimit)
				return
			}
			limit = n
		}
		incidents, err := gateway.Incidents(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, incidents)
	}
}

// validateService enforces the data model invariants at the admin API
// boundary (interval/timeout >= 1): a malformed service must never
// reach the scheduler.
func validateService(svc *store.Service) error {
	if svc.Name == "" {
		return errMissingField("name")
	}
	if svc.Interval < 1 {
		return errMissingField("interval (must be >= 1)")
	}
	if svc.Timeout < 1 {
		return errMissingField("timeout (must be >= 1)")
	}
	switch svc.ServiceType {
	case store.ServiceTypePing, store.ServiceTypeHTTP:
	default:
		return errMissingField("service_type (must be ping or http)")
	}
	if svc.URL == "" {
		return errMissingField("url")
	}
	return nil
}

func parseID(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
