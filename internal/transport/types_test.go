package transport

import (
	"encoding/json"
	"testing"
)

func TestBuildNumberAcceptsStringOrNumber(t *testing.T) {
	tests := []struct {
		raw  string
		want BuildNumber
	}{
		{raw: `{"number":"17"}`, want: "17"},
		{raw: `{"number":17}`, want: "17"},
		{raw: `{"number":null}`, want: ""},
		{raw: `{}`, want: ""},
	}
	for _, tt := range tests {
		var b Build
		if err := json.Unmarshal([]byte(tt.raw), &b); err != nil {
			t.Fatalf("%s: %v", tt.raw, err)
		}
		if b.Number != tt.want {
			t.Fatalf("%s: number = %q, want %q", tt.raw, b.Number, tt.want)
		}
	}

	var b Build
	if err := json.Unmarshal([]byte(`{"number":true}`), &b); err == nil {
		t.Fatal("expected error for boolean number")
	}
}

func TestBuildTitleDefaults(t *testing.T) {
	if got := (Build{Number: "3"}).Title(); got != "Travis CI build #3 unknown" {
		t.Fatalf("title = %q", got)
	}
	b := Build{}.WithDefaults()
	if b.Message != Placeholder || b.BuildURL != "" {
		t.Fatalf("defaults = %+v", b)
	}
}
