package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	kit "travistride/internal/transport"
	logx "travistride/pkg/logx"
)

// travisEnvelope accepts the build either as an object or as a JSON string,
// which is what Travis puts in its form-encoded "payload" field.
type travisEnvelope struct {
	Payload json.RawMessage `json:"payload"`
}

type broadcastResponse struct {
	Sent []json.RawMessage `json:"sent"`
}

func (h *handlers) travisEvent(w http.ResponseWriter, r *http.Request) {
	b, err := h.readBuild(w, r)
	if err != nil {
		h.log.Debug("travis body rejected", logx.Err(err))
		writeError(w, statusFor(err), err)
		return
	}
	if h.bc == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("broadcast unavailable"))
		return
	}

	job, sent, err := h.bc.Broadcast(r.Context(), b)
	if err != nil {
		h.log.Warn("broadcast failed", logx.String("job", job), logx.Err(err))
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if sent == nil {
		sent = []json.RawMessage{}
	}
	if job != "" {
		w.Header().Set("X-Broadcast-Job", job)
	}
	writeJSON(w, http.StatusOK, broadcastResponse{Sent: sent})
}

func (h *handlers) readBuild(w http.ResponseWriter, r *http.Request) (kit.Build, error) {
	var raw []byte
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/x-www-form-urlencoded" {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
		if err := r.ParseForm(); err != nil {
			return kit.Build{}, fmt.Errorf("invalid form body: %w", err)
		}
		p := strings.TrimSpace(r.PostForm.Get("payload"))
		if p == "" {
			return kit.Build{}, errors.New("invalid form body: missing payload")
		}
		raw = []byte(p)
	} else {
		var env travisEnvelope
		if err := decodeJSON(w, r, h.maxBody, &env); err != nil {
			return kit.Build{}, err
		}
		raw = env.Payload
	}
	return parseBuild(raw)
}

func parseBuild(raw []byte) (kit.Build, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return kit.Build{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return kit.Build{}, fmt.Errorf("invalid payload: %w", err)
		}
		raw = []byte(s)
	}
	var b kit.Build
	if err := json.Unmarshal(raw, &b); err != nil {
		return kit.Build{}, fmt.Errorf("invalid payload: %w", err)
	}
	return b, nil
}

// decodeJSON reads exactly one JSON value from a size-limited body.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("invalid JSON body: empty")
		}
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return err
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
