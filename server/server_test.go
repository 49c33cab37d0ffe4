package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/relay/am"
	relaytest "github.com/teranos/relay/internal/testing"
	"github.com/teranos/relay/pipeline"
	"github.com/teranos/relay/pulse/engine"
	"github.com/teranos/relay/pulse/events"
	"github.com/teranos/relay/pulse/executor"
	"github.com/teranos/relay/pulse/run"
	"github.com/teranos/relay/pulse/store"
)

type fixture struct {
	orch *engine.Orchestrator
	srv  *httptest.Server
	gate chan struct{}
}

// newFixture runs a server over a real orchestrator whose jobs block until
// gate is closed.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	gate := make(chan struct{})
	exec := executor.Func(func(ctx context.Context, req *executor.Request, rep executor.Reporter) (json.RawMessage, error) {
		select {
		case <-gate:
			return json.RawMessage(`"ok"`), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	opts := engine.DefaultOptions()
	opts.GracePeriod = 200 * time.Millisecond
	opts.MemoryPerJob = 0

	adapter := store.NewSQLStore(relaytest.CreateTestDB(t))
	orch := engine.New(adapter, exec, events.NewBus(), nil, opts)
	srv := httptest.NewServer(New(orch, adapter, am.ServerConfig{AllowedOrigins: []string{"http://localhost"}}, nil).Handler())

	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return &fixture{orch: orch, srv: srv, gate: gate}
}

func (f *fixture) start(t *testing.T) string {
	t.Helper()
	def := &pipeline.Definition{Name: "deploy", Jobs: []pipeline.JobDefinition{
		{ID: "build", Agent: "test", Task: "build"},
		{ID: "ship", Agent: "test", Task: "ship", DependsOn: []string{"build"}},
	}}
	id, err := f.orch.Start(context.Background(), def, nil)
	require.NoError(t, err)
	return id
}

func (f *fixture) wait(t *testing.T, id string) *run.Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r, err := f.orch.Wait(ctx, id)
	require.NoError(t, err)
	return r
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	decode(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestGetRun(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)

	resp, err := http.Get(f.srv.URL + "/runs/" + id)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var report run.StatusReport
	decode(t, resp, &report)
	assert.Equal(t, id, report.RunID)
	assert.Equal(t, "deploy", report.Pipeline)
	require.Len(t, report.Jobs, 2)
	assert.Equal(t, "build", report.Jobs[0].ID)

	close(f.gate)
	f.wait(t, id)
}

func TestGetUnknownRunIs404(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/runs/nope")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body map[string]string
	decode(t, resp, &body)
	assert.NotEmpty(t, body["error"])
}

func TestListRuns(t *testing.T) {
	f := newFixture(t)
	close(f.gate)
	first := f.start(t)
	f.wait(t, first)
	second := f.start(t)
	f.wait(t, second)

	resp, err := http.Get(f.srv.URL + "/runs?limit=1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Runs []store.Summary `json:"runs"`
	}
	decode(t, resp, &body)
	require.Len(t, body.Runs, 1)
	assert.Equal(t, run.StatusCompleted, body.Runs[0].Status)

	resp, err = http.Get(f.srv.URL + "/runs?limit=abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelRun(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)

	resp, err := http.Post(f.srv.URL+"/runs/"+id+"/cancel", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var report run.StatusReport
	decode(t, resp, &report)
	assert.Equal(t, run.StatusCancelled, report.Status)
	assert.Equal(t, run.StatusCancelled, f.wait(t, id).Status)
}

func TestResumeCompletedRunIsNoop(t *testing.T) {
	f := newFixture(t)
	close(f.gate)
	id := f.start(t)
	f.wait(t, id)

	resp, err := http.Post(f.srv.URL+"/runs/"+id+"/resume", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var report run.StatusReport
	decode(t, resp, &report)
	assert.Equal(t, run.StatusCompleted, report.Status)
}

func TestResumeActiveRunConflicts(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)

	resp, err := http.Post(f.srv.URL+"/runs/"+id+"/resume", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	close(f.gate)
	f.wait(t, id)
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/runs/x/cancel")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func dial(t *testing.T, f *fixture, id string, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/runs/" + id + "/events"
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return websocket.DefaultDialer.Dial(url, header)
}

func TestEventStreamFollowsRun(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)

	conn, _, err := dial(t, f, id, "http://localhost:5173")
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	var first StreamMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "snapshot", first.Type)
	require.NotNil(t, first.Report)
	assert.Equal(t, id, first.Report.RunID)

	close(f.gate)

	var seen []events.Type
	for {
		var msg StreamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		require.Equal(t, "event", msg.Type)
		require.NotNil(t, msg.Event)
		assert.Equal(t, id, msg.Event.RunID)
		seen = append(seen, msg.Event.Type)
	}
	require.NotEmpty(t, seen)
	assert.Equal(t, events.RunCompleted, seen[len(seen)-1])
	assert.Contains(t, seen, events.JobCompleted)
}

func TestEventStreamOfFinishedRunClosesAfterSnapshot(t *testing.T) {
	f := newFixture(t)
	close(f.gate)
	id := f.start(t)
	f.wait(t, id)

	conn, _, err := dial(t, f, id, "")
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "snapshot", msg.Type)
	assert.Equal(t, run.StatusCompleted, msg.Report.Status)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestEventStreamUnknownRun(t *testing.T) {
	f := newFixture(t)
	_, resp, err := dial(t, f, "ghost", "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventStreamRejectsForeignOrigin(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)

	_, resp, err := dial(t, f, id, "http://evil.example")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	close(f.gate)
	f.wait(t, id)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}
