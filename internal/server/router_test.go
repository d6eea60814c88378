package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"travistride/internal/notifier/broadcast"
	"travistride/internal/registry"
	"travistride/internal/storage"
	kit "travistride/internal/transport"
	logx "travistride/pkg/logx"
)

type brokenStore struct{ *storage.Memory }

func (brokenStore) Put(context.Context, string, []byte) error { return errors.New("bucket unavailable") }

type recordingSender struct {
	fail  map[string]error
	calls chan kit.ChatTarget
	build chan kit.Build
}

func newRecordingSender() *recordingSender {
	return &recordingSender{fail: map[string]error{}, calls: make(chan kit.ChatTarget, 16), build: make(chan kit.Build, 16)}
}

func (s *recordingSender) SendMessage(_ context.Context, to kit.ChatTarget, b kit.Build) (json.RawMessage, error) {
	s.calls <- to
	s.build <- b
	if err := s.fail[to.ConversationID]; err != nil {
		return nil, err
	}
	return json.RawMessage(`{"conversation":"` + to.ConversationID + `"}`), nil
}

type fixture struct {
	reg    *registry.Registry
	sender *recordingSender
	h      http.Handler
}

func newFixture(t *testing.T, st storage.Store, hydrate bool) *fixture {
	t.Helper()
	reg := registry.New(st, "channels.json", registry.Options{})
	if hydrate {
		reg.Hydrate(context.Background())
	}
	sender := newRecordingSender()
	bc := broadcast.New(broadcast.Config{}, sender, reg, logx.Nop(), nil, nil)
	h := NewRouter(Deps{
		Registry:    reg,
		Broadcaster: bc,
		Descriptor:  NewDescriptor("https://relay.example.com/stride", "Travis-CI-Stride"),
		Log:         logx.Nop(),
	})
	return &fixture{reg: reg, sender: sender, h: h}
}

func (f *fixture) do(t *testing.T, method, path, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func lifecycleBody(cloud, typ, resource string) string {
	b, _ := json.Marshal(LifecycleEvent{CloudID: cloud, ResourceType: typ, ResourceID: resource})
	return string(b)
}

func TestDescriptorIsFixed(t *testing.T) {
	f := newFixture(t, storage.NewMemory(), true)
	want := `{"baseUrl":"https://relay.example.com/stride","key":"Travis-CI-Stride",
		"lifecycle":{"installed":"/installed","uninstalled":"/uninstalled"},"modules":{}}`

	rec := f.do(t, http.MethodGet, PathDescriptor, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, want, rec.Body.String())

	f.do(t, http.MethodPost, PathInstalled, "application/json", lifecycleBody("c", "conversation", "r"))
	rec = f.do(t, http.MethodPost, PathDescriptor, "", "")
	assert.JSONEq(t, want, rec.Body.String())
}

func TestUnknownPathIsEmpty404(t *testing.T) {
	f := newFixture(t, storage.NewMemory(), true)
	for _, p := range []string{"/", "/stride", "/stride/descriptor/", "/travis/event/x", "/healthz"} {
		rec := f.do(t, http.MethodGet, p, "", "")
		assert.Equal(t, http.StatusNotFound, rec.Code, p)
		assert.Empty(t, rec.Body.String(), p)
	}
}

func TestInstallAndUninstallEchoMapping(t *testing.T) {
	f := newFixture(t, storage.NewMemory(), true)

	rec := f.do(t, http.MethodPost, PathInstalled, "application/json", lifecycleBody("c1", "conversation", "r1"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"cloudIds":{"c1r1":{"cloudId":"c1","conversationId":"r1"}}}`, rec.Body.String())

	rec = f.do(t, http.MethodPost, PathInstalled, "application/json", lifecycleBody("c1", "user", "r2"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"cloudIds":{"c1r1":{"cloudId":"c1","conversationId":"r1"}}}`, rec.Body.String())

	rec = f.do(t, http.MethodPost, PathUninstalled, "application/json", lifecycleBody("c1", "conversation", "r1"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"cloudIds":{}}`, rec.Body.String())
}

func TestMalformedBodiesAre400(t *testing.T) {
	f := newFixture(t, storage.NewMemory(), true)
	cases := []struct {
		path, ct, body string
	}{
		{PathInstalled, "application/json", "{"},
		{PathUninstalled, "application/json", ""},
		{PathTravisEvent, "application/json", "not json"},
		{PathTravisEvent, "application/json", `{"payload":{"number":true}}`},
		{PathTravisEvent, "application/x-www-form-urlencoded", "other=1"},
	}
	for _, c := range cases {
		rec := f.do(t, http.MethodPost, c.path, c.ct, c.body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "%s %q", c.path, c.body)
		assert.Contains(t, rec.Body.String(), `"error"`)
	}
}

func TestOversizedBodyIs413(t *testing.T) {
	reg := registry.New(storage.NewMemory(), "channels.json", registry.Options{})
	reg.Hydrate(context.Background())
	h := NewRouter(Deps{Registry: reg, MaxBodyBytes: 16})
	req := httptest.NewRequest(http.MethodPost, PathInstalled, strings.NewReader(lifecycleBody("cloud-id", "conversation", "resource-id")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestPersistFailureIs500(t *testing.T) {
	f := newFixture(t, brokenStore{storage.NewMemory()}, true)
	rec := f.do(t, http.MethodPost, PathInstalled, "application/json", lifecycleBody("c", "conversation", "r"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "bucket unavailable")
	// Memory keeps the mutation.
	assert.Equal(t, 1, f.reg.Len())
}

func TestTravisEventBroadcasts(t *testing.T) {
	f := newFixture(t, storage.NewMemory(), true)
	for _, r := range []string{"r1", "r2", "r3"} {
		require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, PathInstalled, "application/json", lifecycleBody("c", "conversation", r)).Code)
	}

	rec := f.do(t, http.MethodPost, PathTravisEvent, "application/json",
		`{"payload":{"number":"12","result_message":"Passed","build_url":"https://travis/12","message":"msg"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Broadcast-Job"))

	var out struct {
		Sent []map[string]string `json:"sent"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	got := map[string]bool{}
	for _, s := range out.Sent {
		got[s["conversation"]] = true
	}
	assert.Equal(t, map[string]bool{"r1": true, "r2": true, "r3": true}, got)
	assert.Len(t, f.sender.calls, 3)
	assert.Equal(t, kit.BuildNumber("12"), (<-f.sender.build).Number)
}

func TestTravisFormPayload(t *testing.T) {
	f := newFixture(t, storage.NewMemory(), true)
	f.do(t, http.MethodPost, PathInstalled, "application/json", lifecycleBody("c", "conversation", "r"))

	form := url.Values{"payload": {`{"number":7,"result_message":"Fixed","build_url":"u","message":"m"}`}}
	rec := f.do(t, http.MethodPost, PathTravisEvent, "application/x-www-form-urlencoded", form.Encode())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	b := <-f.sender.build
	assert.Equal(t, kit.BuildNumber("7"), b.Number)
	assert.Equal(t, "Fixed", b.ResultMessage)
}

func TestTravisEventWithoutChannels(t *testing.T) {
	f := newFixture(t, storage.NewMemory(), true)
	rec := f.do(t, http.MethodPost, PathTravisEvent, "application/json", `{"payload":{}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sent":[]}`, rec.Body.String())
	assert.Empty(t, f.sender.calls)
}

func TestBroadcastFailureIs502(t *testing.T) {
	f := newFixture(t, storage.NewMemory(), true)
	f.do(t, http.MethodPost, PathInstalled, "application/json", lifecycleBody("c", "conversation", "bad"))
	f.sender.fail["bad"] = errors.New("stride: could not generate access token")

	rec := f.do(t, http.MethodPost, PathTravisEvent, "application/json", `{"payload":{"number":"1"}}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.JSONEq(t, `{"error":"stride: could not generate access token"}`, rec.Body.String())
}

func TestRequestsWaitForHydration(t *testing.T) {
	st := storage.NewMemory()
	require.NoError(t, st.Put(context.Background(), "channels.json", []byte(`{"cr":{"cloudId":"c","conversationId":"r"}}`)))
	f := newFixture(t, st, false)

	// A client that gives up before hydration gets a 503.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, PathUninstalled, strings.NewReader(lifecycleBody("x", "conversation", "y"))).WithContext(ctx)
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	done := make(chan *httptest.ResponseRecorder)
	go func() {
		done <- f.do(t, http.MethodPost, PathInstalled, "application/json", lifecycleBody("c", "conversation", "r2"))
	}()
	select {
	case <-done:
		t.Fatal("request served before hydration")
	case <-time.After(50 * time.Millisecond):
	}

	f.reg.Hydrate(context.Background())
	select {
	case rec := <-done:
		require.Equal(t, http.StatusOK, rec.Code)
		// The hydrated record survives next to the new one.
		assert.JSONEq(t, `{"cloudIds":{"cr":{"cloudId":"c","conversationId":"r"},"cr2":{"cloudId":"c","conversationId":"r2"}}}`, rec.Body.String())
	case <-time.After(2 * time.Second):
		t.Fatal("request still blocked after hydration")
	}
}

func TestRateLimit(t *testing.T) {
	reg := registry.New(storage.NewMemory(), "channels.json", registry.Options{})
	reg.Hydrate(context.Background())
	h := NewRouter(Deps{Registry: reg, RatePerSec: 1})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, PathDescriptor, nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, http.StatusOK, codes[0])
	assert.Contains(t, codes[1:], http.StatusTooManyRequests)
}

func TestListenerServesAndStops(t *testing.T) {
	l := NewListener(ListenerConfig{Name: "test", Addr: "127.0.0.1:0"}, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}), logx.Nop())
	require.NoError(t, l.Start(context.Background()))

	resp, err := http.Get("http://" + l.Addr() + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, l.Stop(ctx))
	assert.NoError(t, l.Err())
}
