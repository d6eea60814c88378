package server

import "net/http"

// Descriptor is the Stride app descriptor served to the platform on install.
type Descriptor struct {
	BaseURL   string         `json:"baseUrl"`
	Key       string         `json:"key"`
	Lifecycle LifecyclePaths `json:"lifecycle"`
	Modules   map[string]any `json:"modules"`
}

type LifecyclePaths struct {
	Installed   string `json:"installed"`
	Uninstalled string `json:"uninstalled"`
}

// NewDescriptor builds the fixed descriptor for an app mounted at baseURL.
// Lifecycle paths are relative to baseURL.
func NewDescriptor(baseURL, key string) Descriptor {
	return Descriptor{
		BaseURL: baseURL,
		Key:     key,
		Lifecycle: LifecyclePaths{
			Installed:   "/installed",
			Uninstalled: "/uninstalled",
		},
		Modules: map[string]any{},
	}
}

func (h *handlers) describe(w http.ResponseWriter, _ *http.Request) {
	d := h.descriptor
	if d.Modules == nil {
		d.Modules = map[string]any{}
	}
	writeJSON(w, http.StatusOK, d)
}
