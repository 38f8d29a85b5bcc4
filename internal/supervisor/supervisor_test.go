package supervisor

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeHTTPServer struct {
	listenErr error
	stop      chan struct{}
	shutdowns atomic.Int32
}

func newFakeHTTPServer() *fakeHTTPServer {
	return &fakeHTTPServer{stop: make(chan struct{})}
}

func (f *fakeHTTPServer) ListenAndServe() error {
	if f.listenErr != nil {
		return f.listenErr
	}
	<-f.stop
	return http.ErrServerClosed
}

func (f *fakeHTTPServer) Shutdown(context.Context) error {
	if f.shutdowns.Add(1) == 1 {
		close(f.stop)
	}
	return nil
}

func TestTreeDefaults(t *testing.T) {
	t.Parallel()
	tree := NewTree(nil, TreeConfig{FailureBackoff: time.Second})
	cfg := tree.Config()
	require.Equal(t, 5.0, cfg.FailureThreshold)
	require.Equal(t, 30.0, cfg.FailureDecay)
	require.Equal(t, time.Second, cfg.FailureBackoff)
	require.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
}

func TestTreeRunsAndStopsServices(t *testing.T) {
	t.Parallel()

	tree := NewTree(zap.NewNop(), TreeConfig{ShutdownTimeout: time.Second})
	server := newFakeHTTPServer()
	tree.AddAPIService(NewHTTPServerService(server, time.Second))

	var started atomic.Int32
	tree.AddIndexService(NewRunnerService("index-workers", func(ctx context.Context) error {
		started.Add(1)
		<-ctx.Done()
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := tree.ServeBackground(ctx)
	require.Eventually(t, func() bool { return started.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("tree did not stop")
	}
	require.Equal(t, int32(1), server.shutdowns.Load())
	report, err := tree.UnstoppedServiceReport()
	require.NoError(t, err)
	require.Empty(t, report)
}

func TestRunnerServiceRestartsOnFailure(t *testing.T) {
	t.Parallel()

	tree := NewTree(zap.NewNop(), TreeConfig{FailureThreshold: 10, FailureBackoff: 10 * time.Millisecond})
	var runs atomic.Int32
	tree.AddIndexService(NewRunnerService("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("backend unavailable")
		}
		<-ctx.Done()
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := tree.ServeBackground(ctx)
	require.Eventually(t, func() bool { return runs.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestRunnerServiceFinishedIsNotRestarted(t *testing.T) {
	t.Parallel()

	svc := NewRunnerService("drain", func(context.Context) error { return nil })
	require.ErrorIs(t, svc.Serve(context.Background()), suture.ErrDoNotRestart)
	require.Equal(t, "drain", svc.String())

	failing := NewRunnerService("broken", func(context.Context) error { return errors.New("boom") })
	err := failing.Serve(context.Background())
	require.EqualError(t, err, "broken: boom")
}

func TestHTTPServerServiceReportsListenFailure(t *testing.T) {
	t.Parallel()

	server := newFakeHTTPServer()
	server.listenErr = errors.New("address already in use")
	err := NewHTTPServerService(server, 0).Serve(context.Background())
	require.ErrorContains(t, err, "address already in use")
	require.Zero(t, server.shutdowns.Load())
}

func TestEventHookLogs(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	hook := EventHook(zap.New(core))
	hook(suture.EventServiceTerminate{SupervisorName: "index-layer", ServiceName: "index-workers", Err: "boom", Restarting: true})
	hook(suture.EventServicePanic{SupervisorName: "api-layer", ServiceName: "http-server", PanicMsg: "nil map"})
	hook(suture.EventBackoff{SupervisorName: "index-layer"})

	entries := logs.All()
	require.Len(t, entries, 3)
	require.Equal(t, "service terminated", entries[0].Message)
	require.Equal(t, "index-workers", entries[0].ContextMap()["service"])
	require.Equal(t, "service panicked", entries[1].Message)
	require.Equal(t, "supervisor backing off", entries[2].Message)
}
