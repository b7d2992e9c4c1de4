package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"h906bridge/internal/events"
	"h906bridge/sdk"
)

type call struct {
	method string
	args   string
}

type fakeBackend struct {
	mu      sync.Mutex
	calls   []call
	results map[string]sdk.Result
	handler events.Handler
	unsubs  int
}

func (f *fakeBackend) Invoke(_ context.Context, method string, args json.RawMessage) sdk.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{method: method, args: string(args)})
	if res, ok := f.results[method]; ok {
		return res
	}
	return sdk.Result{Success: true, Message: method}
}

func (f *fakeBackend) Subscribe(fn events.Handler) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = fn
	return "sub-1"
}

func (f *fakeBackend) Unsubscribe(string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = nil
	f.unsubs++
	return true
}

func (f *fakeBackend) emit(e events.Event) bool {
	f.mu.Lock()
	fn := f.handler
	f.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(e)
	return true
}

func (f *fakeBackend) lastCall() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return call{}
	}
	return f.calls[len(f.calls)-1]
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, sdk.Result) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var res sdk.Result
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	}
	return rec, res
}

func TestRoutesDispatchToMethods(t *testing.T) {
	backend := &fakeBackend{}
	h := New(":0", backend, zerolog.Nop()).Handler()

	cases := []struct {
		httpMethod string
		path       string
		body       string
		want       call
	}{
		{http.MethodPost, "/connect", "", call{sdk.MethodConnect, ""}},
		{http.MethodPost, "/disconnect", "", call{sdk.MethodDisconnect, ""}},
		{http.MethodPost, "/power", `{"power":20}`, call{sdk.MethodSetPower, `{"power":20}`}},
		{http.MethodPost, "/read", `{"epc":"E200"}`, call{sdk.MethodReadSingleTag, `{"epc":"E200"}`}},
		{http.MethodPost, "/inventory/start", `{"includeTid":true}`, call{sdk.MethodStartInventory, `{"includeTid":true}`}},
		{http.MethodPost, "/inventory/stop", "", call{sdk.MethodStopInventory, ""}},
		{http.MethodGet, "/connected", "", call{sdk.MethodIsConnected, ""}},
		{http.MethodGet, "/stats", "", call{sdk.MethodStats, ""}},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			rec, res := do(t, h, tc.httpMethod, tc.path, tc.body)
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.True(t, res.Success)
			assert.Equal(t, tc.want, backend.lastCall())
		})
	}
}

func TestWrongMethodIsRejected(t *testing.T) {
	h := New(":0", &fakeBackend{}, zerolog.Nop()).Handler()
	rec, _ := do(t, h, http.MethodGet, "/connect", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestInvalidJSONBody(t *testing.T) {
	backend := &fakeBackend{}
	h := New(":0", backend, zerolog.Nop()).Handler()

	rec, res := do(t, h, http.MethodPost, "/power", `{"power":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid json", res.Message)
	assert.Equal(t, call{}, backend.lastCall(), "backend not called")
}

func TestFailureStatusCodes(t *testing.T) {
	backend := &fakeBackend{results: map[string]sdk.Result{
		sdk.MethodStopInventory: {Message: "not running"},
		sdk.MethodConnect:       {Code: sdk.CodeCommError, Message: "connect failed"},
		sdk.MethodSetPower:      {Code: sdk.CodeUnknownError, Message: "power is required"},
	}}
	h := New(":0", backend, zerolog.Nop()).Handler()

	rec, res := do(t, h, http.MethodPost, "/inventory/stop", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "not running", res.Message)

	rec, res = do(t, h, http.MethodPost, "/connect", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, sdk.CodeCommError, res.Code)

	rec, _ = do(t, h, http.MethodPost, "/power", "{}")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	h := New(":0", &fakeBackend{}, zerolog.Nop()).Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"service":"h906-bridge"}`, rec.Body.String())
}

func TestEventStream(t *testing.T) {
	backend := &fakeBackend{}
	srv := httptest.NewServer(New(":0", backend, zerolog.Nop()).Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readLine := func() string {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		return strings.TrimRight(line, "\n")
	}
	assert.Equal(t, ": subscribed sub-1", readLine())
	assert.Equal(t, "", readLine())

	require.True(t, backend.emit(events.Tag(events.TagObservation{EPC: "E200", RSSI: 80})))
	assert.Equal(t, "event: tag", readLine())
	assert.Equal(t, `data: {"epc":"E200","rssi":80}`, readLine())
	assert.Equal(t, "", readLine())

	require.True(t, backend.emit(events.Stopped()))
	assert.Equal(t, "event: stopped", readLine())
	assert.Equal(t, `data: {"stopped":true}`, readLine())

	cancel()
	assert.Eventually(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return backend.unsubs == 1
	}, 2*time.Second, 10*time.Millisecond)
}
