// Package server is the relay's inbound HTTP surface: the Stride app
// descriptor, the install/uninstall lifecycle callbacks and the Travis CI
// webhook, all behind one router that waits for registry hydration.
package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"travistride/internal/metrics"
	"travistride/internal/registry"
	kit "travistride/internal/transport"
	logx "travistride/pkg/logx"
)

const (
	PathDescriptor  = "/stride/descriptor"
	PathInstalled   = "/stride/installed"
	PathUninstalled = "/stride/uninstalled"
	PathTravisEvent = "/travis/event"
)

// Registry is the subset of the channel registry the handlers use.
type Registry interface {
	Ready(ctx context.Context) error
	Install(ctx context.Context, cloudID, resourceType, conversationID string) (map[string]registry.Record, error)
	Uninstall(ctx context.Context, cloudID, resourceType, conversationID string) (map[string]registry.Record, error)
}

type Broadcaster interface {
	Broadcast(ctx context.Context, b kit.Build) (string, []json.RawMessage, error)
}

type Deps struct {
	Registry    Registry
	Broadcaster Broadcaster
	Descriptor  Descriptor
	Log         logx.Logger
	Metrics     *metrics.Metrics

	// RatePerSec caps inbound requests per second across all routes. 0 disables.
	RatePerSec   int
	MaxBodyBytes int64
}

// NewRouter dispatches on exact paths. Any method is accepted, unknown paths
// get a 404 with an empty body.
func NewRouter(d Deps) http.Handler {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	if d.MaxBodyBytes <= 0 {
		d.MaxBodyBytes = 1 << 20
	}
	h := &handlers{
		reg:        d.Registry,
		bc:         d.Broadcaster,
		descriptor: d.Descriptor,
		log:        d.Log,
		maxBody:    d.MaxBodyBytes,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(instrument(d.Metrics, d.Log))
	r.Use(rateLimit(d.RatePerSec))
	r.Use(awaitHydration(d.Registry, d.Log))

	r.HandleFunc(PathDescriptor, h.describe)
	r.HandleFunc(PathInstalled, h.installed)
	r.HandleFunc(PathUninstalled, h.uninstalled)
	r.HandleFunc(PathTravisEvent, h.travisEvent)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	return r
}

type handlers struct {
	reg        Registry
	bc         Broadcaster
	descriptor Descriptor
	log        logx.Logger
	maxBody    int64
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}
