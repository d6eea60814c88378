package stride

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"travistride/internal/metrics"
	kit "travistride/internal/transport"
	logx "travistride/pkg/logx"
)

// Client posts build cards into Stride conversations. Each send performs a
// fresh token exchange first; a token failure aborts the send before the
// messaging endpoint is contacted.
type Client struct {
	apiURL  string
	tokens  TokenSource
	http    *http.Client
	log     logx.Logger
	metrics *metrics.Metrics
}

var _ kit.Sender = (*Client)(nil)

func NewClient(cfg Config, tokens TokenSource, hc *http.Client, log logx.Logger, m *metrics.Metrics) *Client {
	cfg = cfg.withDefaults()
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if m == nil {
		m = metrics.New()
	}
	if tokens == nil {
		tokens = NewTokenProvider(cfg, hc, log, m)
	}
	return &Client{apiURL: cfg.APIURL, tokens: tokens, http: hc, log: log, metrics: m}
}

// MessageURL is the conversation message endpoint for a target.
func (c *Client) MessageURL(to kit.ChatTarget) string {
	return c.apiURL + "/site/" + url.PathEscape(to.CloudID) +
		"/conversation/" + url.PathEscape(to.ConversationID) + "/message"
}

func (c *Client) SendMessage(ctx context.Context, to kit.ChatTarget, b kit.Build) (json.RawMessage, error) {
	start := time.Now()
	out, err := c.send(ctx, to, b)
	c.metrics.Sends.WithLabelValues(metrics.Result(err)).Inc()
	c.metrics.SendDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		c.log.Warn("message send failed", logx.String("target", to.String()), logx.Err(err))
		return nil, err
	}
	c.log.Debug("message sent", logx.String("target", to.String()), logx.Duration("took", time.Since(start)))
	return out, nil
}

func (c *Client) send(ctx context.Context, to kit.ChatTarget, b kit.Build) (json.RawMessage, error) {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(BuildCard(b))
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.MessageURL(to), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stride: post message: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("stride: read message response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, &StatusError{Op: "message", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw)), kind: ErrSendRejected}
	}
	return asJSON(raw), nil
}

// asJSON keeps a JSON response body as-is and quotes anything else.
func asJSON(raw []byte) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(raw) {
		return json.RawMessage(raw)
	}
	q, _ := json.Marshal(string(raw))
	return q
}
