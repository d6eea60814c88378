package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"travistride/internal/registry"
	logx "travistride/pkg/logx"
)

// LifecycleEvent is the body Stride posts on install and uninstall.
type LifecycleEvent struct {
	CloudID      string `json:"cloudId"`
	ResourceType string `json:"resourceType"`
	ResourceID   string `json:"resourceId"`
	UserID       string `json:"userId,omitempty"`
}

type lifecycleResponse struct {
	CloudIDs map[string]registry.Record `json:"cloudIds"`
}

type lifecycleFunc func(ctx context.Context, cloudID, resourceType, conversationID string) (map[string]registry.Record, error)

func (h *handlers) installed(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "installed", h.reg.Install)
}

func (h *handlers) uninstalled(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "uninstalled", h.reg.Uninstall)
}

func (h *handlers) lifecycle(w http.ResponseWriter, r *http.Request, action string, apply lifecycleFunc) {
	var ev LifecycleEvent
	if err := decodeJSON(w, r, h.maxBody, &ev); err != nil {
		h.log.Debug("lifecycle body rejected", logx.String("action", action), logx.Err(err))
		writeError(w, statusFor(err), err)
		return
	}
	m, err := apply(r.Context(), ev.CloudID, ev.ResourceType, ev.ResourceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("%s: %w", action, err))
		return
	}
	writeJSON(w, http.StatusOK, lifecycleResponse{CloudIDs: m})
}

// statusFor maps a body decode error to 413 or 400.
func statusFor(err error) int {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}
