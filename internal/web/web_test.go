package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epdframe/internal/battery"
	"epdframe/internal/config"
	"epdframe/internal/frame"
)

type fakeBattery struct {
	reads int
	err   error
}

func (b *fakeBattery) Read(context.Context) (battery.Status, error) {
	b.reads++
	return battery.Status{Percent: 64, VoltageMv: 3900}, b.err
}

type fakeService struct {
	mu     sync.Mutex
	status frame.Status
	err    error
	calls  int
	subs   []chan frame.Status
}

func (f *fakeService) Refresh(ctx context.Context) (frame.Status, error) {
	f.mu.Lock()
	f.calls++
	f.status.Refreshes++
	st, err := f.status, f.err
	subs := append([]chan frame.Status(nil), f.subs...)
	f.mu.Unlock()
	for _, ch := range subs {
		ch <- st
	}
	return st, err
}

func (f *fakeService) Status() frame.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeService) Preview(w io.Writer) error {
	_, err := w.Write([]byte("\x89PNG fake"))
	return err
}

func (f *fakeService) Subscribe() (<-chan frame.Status, func()) {
	ch := make(chan frame.Status, 4)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch, func() {}
}

func newTestServer(t *testing.T, cfg *config.Config) (*httptest.Server, *fakeService) {
	t.Helper()
	svc := &fakeService{status: frame.Status{Panel: "test", State: "ready"}}
	ts := httptest.NewServer(NewServer(cfg, svc).Handler())
	t.Cleanup(ts.Close)
	return ts, svc
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, config.DefaultConfig())
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestStatus(t *testing.T) {
	ts, _ := newTestServer(t, config.DefaultConfig())
	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var st frame.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "test", st.Panel)
	assert.Equal(t, "ready", st.State)
}

func TestRefresh(t *testing.T) {
	ts, svc := newTestServer(t, config.DefaultConfig())

	resp, err := http.Get(ts.URL + "/api/refresh")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/api/refresh", "", nil)
	require.NoError(t, err)
	var rr refreshResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rr))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, rr.Status.Refreshes)
	assert.Empty(t, rr.Error)

	svc.mu.Lock()
	svc.err = errors.New("epd: busy timeout")
	svc.mu.Unlock()
	resp, err = http.Post(ts.URL+"/api/refresh", "", nil)
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rr))
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "epd: busy timeout", rr.Error)
}

func TestRefreshConflict(t *testing.T) {
	ts, svc := newTestServer(t, config.DefaultConfig())
	svc.status.Refreshing = true

	resp, err := http.Post(ts.URL+"/api/refresh", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Zero(t, svc.calls)
}

func TestPreview(t *testing.T) {
	ts, _ := newTestServer(t, config.DefaultConfig())
	resp, err := http.Get(ts.URL + "/preview.png")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
}

func TestIndexAndNotFound(t *testing.T) {
	ts, _ := newTestServer(t, config.DefaultConfig())
	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "/preview.png")

	resp, err = http.Get(ts.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBasicAuth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "secret"}
	ts, _ := newTestServer(t, cfg)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health is never protected")

	resp, err = http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Basic")

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/status", nil)
	req.SetBasicAuth("admin", "wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.SetBasicAuth("admin", "secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBasicAuthDisabledWhenIncomplete(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin"}
	ts, _ := newTestServer(t, cfg)

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocketPushesStatus(t *testing.T) {
	ts, svc := newTestServer(t, config.DefaultConfig())

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var st frame.Status
	require.NoError(t, conn.ReadJSON(&st))
	assert.Equal(t, 0, st.Refreshes, "current status first")

	// Wait for the subscription before refreshing.
	require.Eventually(t, func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		return len(svc.subs) == 1
	}, time.Second, 5*time.Millisecond)

	_, err = svc.Refresh(context.Background())
	require.NoError(t, err)
	require.NoError(t, conn.ReadJSON(&st))
	assert.Equal(t, 1, st.Refreshes)
}

func TestStartServerStopsOnCancel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- StartServer(ctx, cfg, &fakeService{}) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestBattery(t *testing.T) {
	ts, _ := newTestServer(t, config.DefaultConfig())
	resp, err := http.Get(ts.URL + "/api/battery")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "no monitor configured")

	b := &fakeBattery{}
	ts2 := httptest.NewServer(NewServer(config.DefaultConfig(), &fakeService{}, WithBattery(b)).Handler())
	defer ts2.Close()

	for i := 0; i < 2; i++ {
		resp, err = http.Get(ts2.URL + "/api/battery")
		require.NoError(t, err)
		var st battery.Status
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
		resp.Body.Close()
		assert.Equal(t, battery.Status{Percent: 64, VoltageMv: 3900}, st)
	}
	assert.Equal(t, 1, b.reads, "second request served from cache")
}

func TestBatteryError(t *testing.T) {
	b := &fakeBattery{err: errors.New("i2c: nack")}
	ts := httptest.NewServer(NewServer(config.DefaultConfig(), &fakeService{}, WithBattery(b)).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/battery")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
