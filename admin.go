// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxAdminBody bounds admin request bodies.
const maxAdminBody = 1 << 20

type adminAPI struct {
	server *Server
}

// AdminHandler returns the HTTP admin API for s. A nil gatherer leaves out
// /metrics.
func AdminHandler(s *Server, gatherer prometheus.Gatherer) http.Handler {
	api := &adminAPI{server: s}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", api.health)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/clients", func(r chi.Router) {
		r.Get("/", api.listClients)
		r.Delete("/", api.killClients)
		r.Get("/{id}", api.getClient)
		r.Delete("/{id}", api.killClient)
	})

	r.Route("/blacklist", func(r chi.Router) {
		r.Get("/", api.listBlacklist)
		r.Delete("/{host}", api.unblock)
	})

	r.Route("/reconnect", func(r chi.Router) {
		r.Get("/", api.reconnectStatus)
		r.Post("/", api.startReconnect)
		r.Delete("/", api.stopReconnect)
	})

	r.Put("/auth-hosts", api.setAuthHosts)
	r.Post("/clipboard", api.clipboard)
	r.Post("/bell", api.bell)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, validationError("admin", "invalid request body", err))
		return false
	}
	return true
}

func (a *adminAPI) health(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if a.server.shutdown.Load() {
		status = "shutting_down"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                  status,
		"authenticated_clients":   a.server.AuthClientCount(),
		"unauthenticated_clients": a.server.UnauthClientCount(),
	})
}

func (a *adminAPI) listClients(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.server.ListAuthClients())
}

func (a *adminAPI) killClients(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"killed": a.server.KillAuthClients()})
}

func (a *adminAPI) client(w http.ResponseWriter, r *http.Request) (*ClientConn, bool) {
	id, err := ParseClientID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return nil, false
	}
	c, ok := a.server.Client(id)
	if !ok {
		writeError(w, http.StatusNotFound, ErrClientNotFound)
		return nil, false
	}
	return c, true
}

func (a *adminAPI) getClient(w http.ResponseWriter, r *http.Request) {
	if c, ok := a.client(w, r); ok {
		writeJSON(w, http.StatusOK, c.Info())
	}
}

func (a *adminAPI) killClient(w http.ResponseWriter, r *http.Request) {
	if c, ok := a.client(w, r); ok {
		c.Kill()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *adminAPI) listBlacklist(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.server.blacklist.Entries())
}

func (a *adminAPI) unblock(w http.ResponseWriter, r *http.Request) {
	if !a.server.blacklist.Remove(chi.URLParam(r, "host")) {
		writeError(w, http.StatusNotFound, validationError("admin", "host is not blacklisted", nil))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *adminAPI) reconnectStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.server.reconnector.Status())
}

func (a *adminAPI) startReconnect(w http.ResponseWriter, r *http.Request) {
	var target ReconnectTarget
	if !decodeBody(w, r, &target) {
		return
	}
	if err := a.server.Connect(target); err != nil {
		status := http.StatusBadRequest
		if IsVNCError(err, ErrRejected) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *adminAPI) stopReconnect(w http.ResponseWriter, _ *http.Request) {
	a.server.reconnector.Stop()
	w.WriteHeader(http.StatusNoContent)
}

func (a *adminAPI) setAuthHosts(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AuthHosts string `json:"auth_hosts"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := a.server.SetAuthHosts(body.AuthHosts); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *adminAPI) clipboard(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	a.server.UpdateClipboard(body.Text)
	w.WriteHeader(http.StatusNoContent)
}

func (a *adminAPI) bell(w http.ResponseWriter, _ *http.Request) {
	a.server.Bell()
	w.WriteHeader(http.StatusNoContent)
}
