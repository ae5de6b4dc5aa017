package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"smarthome/internal/api"
	"smarthome/internal/app"
	"smarthome/internal/clock"
	"smarthome/internal/device"
	"smarthome/internal/metrics"
	"smarthome/internal/schedule"
	"smarthome/internal/store"
)

const statePath = "/home/user/.smarthome/last_state.json"

// day returns hh:mm on the fixed test day
func day(hh, mm int) time.Time {
	return time.Date(2024, 6, 1, hh, mm, 0, 0, time.UTC)
}

// harness runs a controller behind a real HTTP server on a mock clock
type harness struct {
	t       *testing.T
	fs      afero.Fs
	clock   *clock.MockClock
	ctrl    *app.Controller
	server  *httptest.Server
	cancel  context.CancelFunc
	runErr  chan error
	stopped bool
}

// setupTest starts a harness at now over fs, restoring whatever fs holds
func setupTest(t *testing.T, fs afero.Fs, now time.Time) *harness {
	t.Helper()

	logger, _ := zap.NewDevelopment()
	m := metrics.New()
	h := &harness{
		t:      t,
		fs:     fs,
		clock:  clock.NewMockClock(now),
		runErr: make(chan error, 1),
	}
	h.ctrl = app.New(app.Options{
		Clock:                h.clock,
		Store:                store.NewFileStoreFs(fs, statePath),
		Metrics:              m,
		Logger:               logger,
		CancelOnManualToggle: true,
	})
	require.NoError(t, h.ctrl.Restore(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.runErr <- h.ctrl.Run(ctx) }()

	h.server = httptest.NewServer(api.NewServer(h.ctrl, m, logger, "127.0.0.1:0").Handler())
	t.Cleanup(func() { h.shutdown() })
	return h
}

// shutdown stops the HTTP server and the controller, returning the
// controller's shutdown error
func (h *harness) shutdown() error {
	if h.stopped {
		return nil
	}
	h.stopped = true
	h.server.Close()
	h.cancel()

	select {
	case err := <-h.runErr:
		return err
	case <-time.After(2 * time.Second):
		h.t.Fatal("controller did not stop")
		return nil
	}
}

func (h *harness) request(method, path string, body any) (int, []byte) {
	h.t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, h.server.URL+path, reader)
	require.NoError(h.t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(h.t, err)
	return resp.StatusCode, buf.Bytes()
}

func (h *harness) setArrival(text string) int {
	code, _ := h.request(http.MethodPut, "/api/arrival", map[string]string{"time": text})
	return code
}

func (h *harness) setScheduling(enabled bool) {
	code, _ := h.request(http.MethodPut, "/api/scheduling", map[string]bool{"enabled": enabled})
	require.Equal(h.t, http.StatusOK, code)
}

func (h *harness) toggle(id device.ID) api.ToggleResponse {
	code, body := h.request(http.MethodPost, "/api/devices/"+string(id)+"/toggle", nil)
	require.Equal(h.t, http.StatusOK, code)

	var resp api.ToggleResponse
	require.NoError(h.t, json.Unmarshal(body, &resp))
	return resp
}

func (h *harness) state() api.StateResponse {
	code, body := h.request(http.MethodGet, "/api/state", nil)
	require.Equal(h.t, http.StatusOK, code)

	var resp api.StateResponse
	require.NoError(h.t, json.Unmarshal(body, &resp))
	return resp
}

func (h *harness) plan() schedule.Plan {
	code, body := h.request(http.MethodGet, "/api/plan", nil)
	require.Equal(h.t, http.StatusOK, code)

	var plan schedule.Plan
	require.NoError(h.t, json.Unmarshal(body, &plan))
	return plan
}

// settle runs two commands on the control loop. Due timers are polled
// after every command, so the second one observes everything that was due.
func (h *harness) settle() {
	h.t.Helper()
	for i := 0; i < 2; i++ {
		_, err := h.ctrl.Status()
		require.NoError(h.t, err)
	}
}

func (h *harness) waitForDevice(id device.ID, want bool) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		status, err := h.ctrl.Status()
		return err == nil && bool(status.Devices[id]) == want
	}, 2*time.Second, 5*time.Millisecond, "%s should be on=%v", id, want)
}

// dialNotifications opens the websocket stream and waits until it is subscribed
func (h *harness) dialNotifications() *websocket.Conn {
	h.t.Helper()

	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/api/notifications"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { conn.Close() })

	require.Eventually(h.t, func() bool {
		return h.ctrl.Subscribers() > 0
	}, 2*time.Second, 5*time.Millisecond)
	return conn
}
