package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Placeholder replaces build text fields the CI provider left out.
const Placeholder = "unknown"

// ChatTarget addresses one conversation on a chat platform tenant.
type ChatTarget struct {
	CloudID        string `json:"cloudId"`
	ConversationID string `json:"conversationId"`
}

func (t ChatTarget) String() string { return t.CloudID + "/" + t.ConversationID }

// BuildNumber is the CI build sequence identifier. Travis sends it as a
// string but a JSON number is accepted too.
type BuildNumber string

func (n *BuildNumber) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*n = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*n = BuildNumber(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return fmt.Errorf("build number: %w", err)
	}
	*n = BuildNumber(num.String())
	return nil
}

// Build is the subset of a CI build notification that is forwarded.
type Build struct {
	Number        BuildNumber `json:"number"`
	ResultMessage string      `json:"result_message"`
	BuildURL      string      `json:"build_url"`
	Message       string      `json:"message"`
}

// WithDefaults returns b with blank text fields set to Placeholder.
// BuildURL stays empty since a placeholder is not a usable link.
func (b Build) WithDefaults() Build {
	if strings.TrimSpace(string(b.Number)) == "" {
		b.Number = Placeholder
	}
	if strings.TrimSpace(b.ResultMessage) == "" {
		b.ResultMessage = Placeholder
	}
	if strings.TrimSpace(b.Message) == "" {
		b.Message = Placeholder
	}
	return b
}

// Title is the one-line summary used for card text and title.
func (b Build) Title() string {
	b = b.WithDefaults()
	return fmt.Sprintf("Travis CI build #%s %s", b.Number, b.ResultMessage)
}

// Sender delivers a build notification to one conversation and returns the
// platform's response body.
type Sender interface {
	SendMessage(ctx context.Context, to ChatTarget, b Build) (json.RawMessage, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, to ChatTarget, b Build) (json.RawMessage, error)

func (f SenderFunc) SendMessage(ctx context.Context, to ChatTarget, b Build) (json.RawMessage, error) {
	return f(ctx, to, b)
}
