// Package supervisor runs the long-lived parts of `serve` under a suture
// tree. Index workers and the HTTP API sit in separate child supervisors so a
// crash looping index backend never takes the API down with it.
//
//	catalog
//	├── index-layer
//	│   └── index-workers
//	└── api-layer
//	    └── http-server
package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
)

// TreeConfig holds supervisor tree configuration.
type TreeConfig struct {
	// FailureThreshold is the number of failures before entering backoff.
	FailureThreshold float64
	// FailureDecay is the rate at which failures decay, in seconds.
	FailureDecay float64
	// FailureBackoff is how long a supervisor waits once over the threshold.
	FailureBackoff time.Duration
	// ShutdownTimeout bounds how long each service gets to stop.
	ShutdownTimeout time.Duration
}

// DefaultTreeConfig mirrors suture's defaults.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

func (c TreeConfig) withDefaults() TreeConfig {
	def := DefaultTreeConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.FailureDecay <= 0 {
		c.FailureDecay = def.FailureDecay
	}
	if c.FailureBackoff <= 0 {
		c.FailureBackoff = def.FailureBackoff
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	return c
}

// Tree is the process supervisor of `serve`.
type Tree struct {
	root   *suture.Supervisor
	index  *suture.Supervisor
	api    *suture.Supervisor
	config TreeConfig
}

// NewTree builds the root supervisor and its two layers.
func NewTree(logger *zap.Logger, config TreeConfig) *Tree {
	if logger == nil {
		logger = zap.NewNop()
	}
	config = config.withDefaults()

	rootSpec := suture.Spec{
		EventHook:        EventHook(logger.Named("supervisor")),
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	// Children inherit the root's event hook once added.
	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}

	root := suture.New("catalog", rootSpec)
	index := suture.New("index-layer", childSpec)
	api := suture.New("api-layer", childSpec)
	root.Add(index)
	root.Add(api)

	return &Tree{root: root, index: index, api: api, config: config}
}

// Config returns the effective configuration.
func (t *Tree) Config() TreeConfig { return t.config }

// AddIndexService adds a service to the index layer.
func (t *Tree) AddIndexService(svc suture.Service) suture.ServiceToken {
	return t.index.Add(svc)
}

// AddAPIService adds a service to the API layer.
func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// Serve runs the tree until ctx is canceled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground runs the tree in a goroutine; the channel yields its result.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport lists services that missed the shutdown timeout.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}

// EventHook logs suture events through zap.
func EventHook(logger *zap.Logger) suture.EventHook {
	return func(ev suture.Event) {
		switch e := ev.(type) {
		case suture.EventServicePanic:
			logger.Error("service panicked",
				zap.String("supervisor", e.SupervisorName),
				zap.String("service", e.ServiceName),
				zap.String("panic", e.PanicMsg),
				zap.String("stack", e.Stacktrace),
				zap.Float64("failures", e.CurrentFailures),
				zap.Bool("restarting", e.Restarting),
			)
		case suture.EventServiceTerminate:
			logger.Warn("service terminated",
				zap.String("supervisor", e.SupervisorName),
				zap.String("service", e.ServiceName),
				zap.Any("error", e.Err),
				zap.Float64("failures", e.CurrentFailures),
				zap.Bool("restarting", e.Restarting),
			)
		case suture.EventBackoff:
			logger.Warn("supervisor backing off", zap.String("supervisor", e.SupervisorName))
		case suture.EventResume:
			logger.Info("supervisor resumed", zap.String("supervisor", e.SupervisorName))
		case suture.EventStopTimeout:
			logger.Error("service did not stop in time",
				zap.String("supervisor", e.SupervisorName),
				zap.String("service", e.ServiceName),
			)
		default:
			logger.Info("supervisor event", zap.String("event", ev.String()))
		}
	}
}
