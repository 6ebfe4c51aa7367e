// Package hostapi exposes the engine to a host over HTTP: intercepted
// traffic on every path, and control endpoints under /_navcache.
package hostapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/always-cache/navcache/pkg/messagebus"
	"github.com/always-cache/navcache/pkg/speculation"
	syncqueue "github.com/always-cache/navcache/pkg/sync-queue"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	Prefix = "/_navcache"
	// sender name on the message bus
	busSender = "host-api"
)

// Engine is the part of the engine the API uses.
type Engine interface {
	http.Handler
	Bus() *messagebus.Bus
	Pending(ctx context.Context) ([]syncqueue.Task, error)
	SpeculationRules() ([]byte, error)
	SpeculationStats() speculation.Stats
}

type Config struct {
	Engine Engine
	// Metrics served on /metrics. Disabled if nil.
	Gatherer prometheus.Gatherer
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

type api struct {
	engine Engine
	log    zerolog.Logger
}

type navigateRequest struct {
	From    string                   `json:"from"`
	To      string                   `json:"to"`
	Network *speculation.NetworkInfo `json:"network,omitempty"`
}

type navigateResponse struct {
	Directives []speculation.Directive `json:"directives"`
}

type enqueueRequest struct {
	Action      string            `json:"action"`
	Payload     string            `json:"payload"`
	Headers     map[string]string `json:"headers"`
	Independent bool              `json:"independent"`
}

type enqueueResponse struct {
	ID string `json:"id"`
}

type flushResponse struct {
	Replayed int `json:"replayed"`
	Retrying int `json:"retrying"`
	Deferred int `json:"deferred"`
	Failed   int `json:"failed"`
}

// NewRouter creates the API handler.
func NewRouter(config Config) http.Handler {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	a := &api{
		engine: config.Engine,
		log:    logger.With().Str("component", "hostapi").Logger(),
	}

	r := chi.NewRouter()
	r.Route(Prefix, func(r chi.Router) {
		r.Post("/navigate", a.navigate)
		r.Post("/network", a.network)
		r.Post("/online", a.online)
		r.Get("/speculationrules", a.speculationRules)
		r.Get("/stats", a.stats)
		r.Delete("/cache", a.invalidate)
		r.Route("/sync", func(r chi.Router) {
			r.Get("/", a.pending)
			r.Post("/", a.enqueue)
			r.Post("/flush", a.flush)
			r.Delete("/{id}", a.cancel)
		})
	})
	if config.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(config.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Handle("/*", config.Engine)
	return r
}

func (a *api) send(r *http.Request, msg messagebus.Message) (messagebus.Reply, error) {
	return a.engine.Bus().Send(r.Context(), busSender, msg)
}

func (a *api) navigate(w http.ResponseWriter, r *http.Request) {
	var req navigateRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.To == "" {
		a.writeError(w, http.StatusBadRequest, errors.New("missing navigation target"))
		return
	}
	if req.Network != nil {
		if _, err := a.send(r, messagebus.NetworkChanged{Network: *req.Network}); err != nil {
			a.fail(w, err)
			return
		}
	}
	reply, err := a.send(r, messagebus.Navigated{From: req.From, To: req.To})
	if err != nil {
		a.fail(w, err)
		return
	}
	directives := reply.(messagebus.DirectivesIssued).Directives
	if directives == nil {
		directives = []speculation.Directive{}
	}
	a.writeJSON(w, http.StatusOK, navigateResponse{Directives: directives})
}

func (a *api) network(w http.ResponseWriter, r *http.Request) {
	var info speculation.NetworkInfo
	if !a.decode(w, r, &info) {
		return
	}
	if _, err := a.send(r, messagebus.NetworkChanged{Network: info}); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) online(w http.ResponseWriter, r *http.Request) {
	reply, err := a.send(r, messagebus.ConnectivityRestored{})
	if err != nil {
		a.fail(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, toFlushResponse(reply.(messagebus.SyncFlushed)))
}

func (a *api) flush(w http.ResponseWriter, r *http.Request) {
	reply, err := a.send(r, messagebus.FlushSync{})
	if err != nil {
		a.fail(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, toFlushResponse(reply.(messagebus.SyncFlushed)))
}

func (a *api) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !a.decode(w, r, &req) {
		return
	}
	reply, err := a.send(r, messagebus.EnqueueSync{
		Action:      req.Action,
		Payload:     []byte(req.Payload),
		Headers:     req.Headers,
		Independent: req.Independent,
	})
	if err != nil {
		a.fail(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, enqueueResponse{ID: reply.(messagebus.SyncEnqueued).TaskID})
}

func (a *api) cancel(w http.ResponseWriter, r *http.Request) {
	if _, err := a.send(r, messagebus.CancelSync{TaskID: chi.URLParam(r, "id")}); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) pending(w http.ResponseWriter, r *http.Request) {
	tasks, err := a.engine.Pending(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, tasks)
}

func (a *api) invalidate(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		a.writeError(w, http.StatusBadRequest, errors.New("missing url parameter"))
		return
	}
	if _, err := a.send(r, messagebus.Invalidate{URL: target}); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) speculationRules(w http.ResponseWriter, r *http.Request) {
	rules, err := a.engine.SpeculationRules()
	if err != nil {
		a.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/speculationrules+json")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(rules)
}

func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.engine.SpeculationStats())
}

func toFlushResponse(f messagebus.SyncFlushed) flushResponse {
	return flushResponse{
		Replayed: f.Replayed,
		Retrying: f.Retrying,
		Deferred: f.Deferred,
		Failed:   f.Failed,
	}
}

func (a *api) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

// fail maps engine errors to status codes.
func (a *api) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, syncqueue.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, syncqueue.ErrInvalidAction):
		status = http.StatusBadRequest
	case errors.Is(err, syncqueue.ErrFlushInProgress):
		status = http.StatusConflict
	case errors.Is(err, messagebus.ErrClosed), errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		a.log.Error().Err(err).Msg("Request failed")
	}
	a.writeError(w, status, err)
}

func (a *api) writeError(w http.ResponseWriter, status int, err error) {
	a.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (a *api) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Error().Err(err).Msg("Could not write response")
	}
}
