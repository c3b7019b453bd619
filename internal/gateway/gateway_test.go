package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagecast/stagecast/internal/broadcast"
	"github.com/stagecast/stagecast/internal/config"
	"github.com/stagecast/stagecast/internal/logger"
	"github.com/stagecast/stagecast/internal/metrics"
	"github.com/stagecast/stagecast/pkg/stagelog"
)

type testGateway struct {
	server  *httptest.Server
	manager *broadcast.Manager
	client  *stagelog.Client
	mr      *miniredis.Miniredis
}

func setupGateway(t *testing.T, cfg config.GatewayConfig) *testGateway {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	stages, err := stagelog.NewStageSet([]string{"queued", "phase1", "phase2", "phase3", "phase4", "done"})
	require.NoError(t, err)

	client, err := stagelog.NewClient(&redis.Options{Addr: mr.Addr()}, "test", stages, stagelog.DefaultSettings())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	collector := metrics.NewCollector()
	manager := broadcast.NewManager(client, logger.NewNop(), collector, cfg.QueueCapacity)
	t.Cleanup(manager.Shutdown)

	s := New(client, manager, logger.NewNop(), collector, cfg)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	return &testGateway{server: ts, manager: manager, client: client, mr: mr}
}

func streamConfig() config.GatewayConfig {
	return config.GatewayConfig{
		Addr:              ":0",
		KeepaliveInterval: config.Duration(50 * time.Millisecond),
		MaxStreamWait:     config.Duration(3 * time.Second),
		QueueCapacity:     16,
		MinJobIDLength:    8,
	}
}

// startBus runs the manager's bus consumer and waits for its pattern
// subscription to be live.
func (g *testGateway) startBus(t *testing.T, ctx context.Context) {
	t.Helper()

	go g.manager.Start(ctx)

	warmup := stagelog.JobEventsChannel("test", "warmup")
	require.Eventually(t, func() bool {
		return g.mr.Publish(warmup, "ping") > 0
	}, 5*time.Second, 10*time.Millisecond, "bus consumer never subscribed")
}

func (g *testGateway) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()

	resp, err := http.Get(g.server.URL + path)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, body
}

func applyState(t *testing.T, g *testGateway, event *stagelog.StageEvent) {
	t.Helper()
	_, err := g.client.ApplyEvent(context.Background(), event)
	require.NoError(t, err)
}

func TestStatusEndpoint(t *testing.T) {
	t.Run("unknown job", func(t *testing.T) {
		g := setupGateway(t, streamConfig())

		resp, body := g.get(t, "/status/job-never-seen")
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var status StatusResponse
		require.NoError(t, json.Unmarshal(body, &status))
		assert.Equal(t, stagelog.CoarseUnknown, status.Status)
		assert.Empty(t, status.Stage)
	})

	t.Run("running job", func(t *testing.T) {
		g := setupGateway(t, streamConfig())
		applyState(t, g, &stagelog.StageEvent{
			JobID: "job-1", Stage: "phase2", Status: stagelog.StatusStarted, Seq: 20, Progress: 40,
		})

		resp, body := g.get(t, "/status/job-1")
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var status StatusResponse
		require.NoError(t, json.Unmarshal(body, &status))
		assert.Equal(t, stagelog.CoarseRunning, status.Status)
		assert.Equal(t, "phase2", status.Stage)
		assert.Equal(t, 40, status.Progress)
	})

	t.Run("completed job carries its result", func(t *testing.T) {
		g := setupGateway(t, streamConfig())
		applyState(t, g, &stagelog.StageEvent{
			JobID: "job-1", Stage: "done", Status: stagelog.StatusCompleted, Seq: 51,
			Result: json.RawMessage(`{"url":"https://example.com/out/42"}`),
		})

		_, body := g.get(t, "/status/job-1")

		var status StatusResponse
		require.NoError(t, json.Unmarshal(body, &status))
		assert.Equal(t, stagelog.CoarseCompleted, status.Status)
		assert.JSONEq(t, `{"url":"https://example.com/out/42"}`, string(status.Result))
	})

	t.Run("failed job carries its error", func(t *testing.T) {
		g := setupGateway(t, streamConfig())
		applyState(t, g, &stagelog.StageEvent{
			JobID: "job-1", Stage: "phase3", Status: stagelog.StatusFailed, Seq: 31,
			Error: "render crashed",
		})

		_, body := g.get(t, "/status/job-1")

		var status StatusResponse
		require.NoError(t, json.Unmarshal(body, &status))
		assert.Equal(t, stagelog.CoarseFailed, status.Status)
		assert.Equal(t, "render crashed", status.Error)
	})

	t.Run("malformed state maps to error status", func(t *testing.T) {
		g := setupGateway(t, streamConfig())
		g.mr.HSet(stagelog.StateKey("test", "job-1"), "seq", "10", "event", "{broken")

		resp, body := g.get(t, "/status/job-1")
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var status StatusResponse
		require.NoError(t, json.Unmarshal(body, &status))
		assert.Equal(t, stagelog.CoarseError, status.Status)
		assert.NotEmpty(t, status.Error)
	})
}

func TestHealthEndpoint(t *testing.T) {
	g := setupGateway(t, streamConfig())

	resp, _ := g.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	g.mr.SetError("connection refused")
	resp, _ = g.get(t, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	g.mr.SetError("")
}

func TestMetricsEndpoint(t *testing.T) {
	g := setupGateway(t, streamConfig())

	// Open one short session so the counters have something to show.
	g.get(t, "/stream/short")
	resp, body := g.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "stagecast_")
}

func TestStreamValidation(t *testing.T) {
	g := setupGateway(t, streamConfig())

	resp, body := g.get(t, "/stream/tiny")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "at least 8 characters")
}

func TestStreamTerminalSnapshot(t *testing.T) {
	g := setupGateway(t, streamConfig())
	applyState(t, g, &stagelog.StageEvent{
		JobID: "job-done-1", Stage: "done", Status: stagelog.StatusCompleted, Seq: 51,
		Result: json.RawMessage(`{"url":"https://example.com/out/42"}`),
	})

	// A terminal snapshot means exactly one frame and then a clean close.
	resp, body := g.get(t, "/stream/job-done-1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := parseFrames(string(body))
	require.Len(t, frames, 1)
	assert.Equal(t, "done", frames[0].name)
	assert.Contains(t, frames[0].data, "example.com/out/42")
}

func TestStreamMalformedState(t *testing.T) {
	g := setupGateway(t, streamConfig())
	g.mr.HSet(stagelog.StateKey("test", "job-bad-1"), "seq", "10", "event", "{broken")

	resp, body := g.get(t, "/stream/job-bad-1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := parseFrames(string(body))
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0].name)
	assert.Contains(t, frames[0].data, "malformed-state")
}

func TestStreamKeepaliveAndTimeout(t *testing.T) {
	cfg := streamConfig()
	cfg.KeepaliveInterval = config.Duration(50 * time.Millisecond)
	cfg.MaxStreamWait = config.Duration(300 * time.Millisecond)
	g := setupGateway(t, cfg)

	// No state and no events: keepalives until the session cap, then an
	// error frame and close.
	resp, body := g.get(t, "/stream/job-idle-1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	frames := parseFrames(string(body))
	require.NotEmpty(t, frames)
	for _, frame := range frames[:len(frames)-1] {
		assert.Equal(t, "keepalive", frame.name)
	}
	last := frames[len(frames)-1]
	assert.Equal(t, "error", last.name)
	assert.Contains(t, last.data, "timeout")
}

func TestStreamLiveEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g := setupGateway(t, streamConfig())
	g.startBus(t, ctx)

	resp, err := http.Get(g.server.URL + "/stream/job-live-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The session may still be registering, so republish the first event
	// until its frame comes back; the subscription deduplicates by seq.
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				g.client.PublishNotification(ctx, &stagelog.StageEvent{
					JobID: "job-live-1", Stage: "phase1", Status: stagelog.StatusStarted, Seq: 10,
					TimestampMs: time.Now().UnixMilli(),
				})
			}
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	nextFrame := func() string {
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "event: ") {
				continue
			}
			if name := strings.TrimPrefix(line, "event: "); name != "keepalive" {
				return name
			}
		}
		return ""
	}

	assert.Equal(t, "phase1", nextFrame())
	close(stop)

	// The session is demonstrably live now; one terminal publish suffices
	// and must close the stream after its frame.
	require.NoError(t, g.client.PublishNotification(ctx, &stagelog.StageEvent{
		JobID: "job-live-1", Stage: "done", Status: stagelog.StatusCompleted, Seq: 51,
		TimestampMs: time.Now().UnixMilli(),
	}))

	assert.Equal(t, "done", nextFrame())
	assert.Equal(t, "", nextFrame())
}

type sseFrame struct {
	name string
	data string
}

func parseFrames(body string) []sseFrame {
	var frames []sseFrame
	var current sseFrame
	for _, line := range strings.Split(body, "\n") {
		switch {
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.data = strings.TrimPrefix(line, "data: ")
		case line == "" && current.name != "":
			frames = append(frames, current)
			current = sseFrame{}
		}
	}
	return frames
}
