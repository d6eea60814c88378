package stride

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"travistride/internal/metrics"
	logx "travistride/pkg/logx"
)

var (
	// ErrTokenExchange wraps every failed client-credentials exchange.
	ErrTokenExchange = errors.New("stride: could not generate access token")
	// ErrSendRejected wraps non-2xx responses from the messaging endpoint.
	ErrSendRejected = errors.New("stride: message rejected")
)

// StatusError carries an unexpected HTTP status from a Stride endpoint.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
	kind       error
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	if body == "" {
		return fmt.Sprintf("stride %s: http %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("stride %s: http %d: %s", e.Op, e.StatusCode, body)
}

func (e *StatusError) Unwrap() error { return e.kind }

// TokenSource yields a bearer token for one outbound call.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// TokenProvider exchanges client credentials for an access token on every
// call. Tokens are never cached.
type TokenProvider struct {
	url          string
	clientID     string
	clientSecret string
	audience     string

	http    *http.Client
	log     logx.Logger
	metrics *metrics.Metrics
}

func NewTokenProvider(cfg Config, hc *http.Client, log logx.Logger, m *metrics.Metrics) *TokenProvider {
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
	return &TokenProvider{
		url:          cfg.AuthURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		audience:     cfg.Audience,
		http:         hc,
		log:          log,
		metrics:      m,
	}
}

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Audience     string `json:"audience"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

func (p *TokenProvider) AccessToken(ctx context.Context) (string, error) {
	tok, err := p.exchange(ctx)
	p.metrics.TokenExchanges.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		p.log.Warn("token exchange failed", logx.Err(err))
	}
	return tok, err
}

func (p *TokenProvider) exchange(ctx context.Context) (string, error) {
	b, err := json.Marshal(tokenRequest{
		GrantType:    "client_credentials",
		ClientID:     p.clientID,
		ClientSecret: p.clientSecret,
		Audience:     p.audience,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenExchange, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTokenExchange, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %w", ErrTokenExchange, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Op: "token", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw)), kind: ErrTokenExchange}
	}
	var out tokenResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("%w: decode response: %w", ErrTokenExchange, err)
	}
	if strings.TrimSpace(out.AccessToken) == "" {
		return "", fmt.Errorf("%w: response has no access_token", ErrTokenExchange)
	}
	return out.AccessToken, nil
}
