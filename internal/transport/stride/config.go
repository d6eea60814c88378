// Package stride talks to the Atlassian Stride API: client-credentials token
// exchange and application-card messages posted into a conversation.
package stride

import (
	"strings"
	"time"
)

const (
	defaultAuthURL  = "https://auth.atlassian.com/oauth/token"
	defaultAPIURL   = "https://api.atlassian.com"
	defaultAudience = "api.atlassian.com"
	defaultTimeout  = 30 * time.Second

	maxResponseBytes = 1 << 20
)

type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	APIURL       string
	Audience     string
	// Timeout bounds each HTTP call when no client is supplied.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.AuthURL) == "" {
		c.AuthURL = defaultAuthURL
	}
	if strings.TrimSpace(c.APIURL) == "" {
		c.APIURL = defaultAPIURL
	}
	c.APIURL = strings.TrimRight(c.APIURL, "/")
	if strings.TrimSpace(c.Audience) == "" {
		c.Audience = defaultAudience
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return c
}
