package hooks

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/buildd/internal/agent"
	"github.com/fyrsmithlabs/buildd/internal/taskgraph"
)

func resultWithCost(cents int64) *agent.Result {
	return &agent.Result{CostCents: cents}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(MetricsConfig{}, reg)
	require.NoError(t, err)

	ctx := context.Background()
	task := &taskgraph.Task{ID: "t1", Capability: taskgraph.CapabilityBackend}

	require.NoError(t, m.Invoke(ctx, PhaseBeforeTask, &Context{Task: task}))
	require.NoError(t, m.Invoke(ctx, PhaseBeforeTask, &Context{Task: task}))
	require.NoError(t, m.Invoke(ctx, PhaseAfterTask, &Context{Task: task}))
	require.NoError(t, m.Invoke(ctx, PhaseOnTaskError, &Context{Task: task}))
	require.NoError(t, m.Invoke(ctx, PhaseBuildComplete, &Context{}))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.dispatched.WithLabelValues("backend")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.validated.WithLabelValues("backend")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failed.WithLabelValues("backend")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.completed))
}

func startNATS(t *testing.T) *server.Server {
	t.Helper()
	opts := &server.Options{Host: "127.0.0.1", Port: -1}
	srv, err := server.NewServer(opts)
	require.NoError(t, err)
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server did not start")
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func TestStream(t *testing.T) {
	srv := startNATS(t)

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("buildd.builds.>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	pubConn, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	s := NewStreamWithConn(StreamConfig{}, pubConn)
	defer s.Close()

	b := &taskgraph.Build{ID: "b1"}
	require.NoError(t, s.Invoke(context.Background(), PhaseAfterTask, &Context{
		Build: b,
		Task:  &taskgraph.Task{ID: "t1"},
	}))

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "buildd.builds.b1.after-task", msg.Subject)
	assert.Contains(t, string(msg.Data), `"task_id":"t1"`)
}

func TestWatcher(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(WatcherConfig{Dir: dir})
	require.NoError(t, err)

	ctx := context.Background()
	task := &taskgraph.Task{ID: "t1"}
	res := &agent.Result{TaskID: "t1"}

	require.NoError(t, w.Invoke(ctx, PhaseBeforeTask, &Context{Task: task}))

	path := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	// Give fsnotify a moment to deliver.
	require.Eventually(t, func() bool {
		w.mu.Lock()
		tw, ok := w.watches["t1"]
		w.mu.Unlock()
		if !ok {
			return false
		}
		tw.mu.Lock()
		defer tw.mu.Unlock()
		return len(tw.touched) > 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, w.Invoke(ctx, PhaseAfterTask, &Context{Task: task, Result: res}))
	require.NotEmpty(t, res.Artifacts)
	assert.Equal(t, "workspace_file", res.Artifacts[0].Type)
	assert.Equal(t, path, res.Artifacts[0].Path)
}

func TestWatcher_RequiresDir(t *testing.T) {
	_, err := NewWatcher(WatcherConfig{})
	assert.Error(t, err)
}
