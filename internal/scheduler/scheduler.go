// Package scheduler keeps directory connections in sync while a process is
// running. Every connection is a suture service ticking at a fixed interval
// and guarded by its own circuit breaker.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/Checkmk/checkmk-sub025/internal/config"
	"github.com/Checkmk/checkmk-sub025/internal/connector"
	"github.com/Checkmk/checkmk-sub025/internal/metrics"
)

// ErrUnknownConnection is returned by Trigger for ids without a service.
var ErrUnknownConnection = errors.New("unknown connection")

// Syncer is one connection as seen by the scheduler.
type Syncer interface {
	ID() string
	SyncIsNeeded(now time.Time) bool
	LastSync() time.Time
	NextSync() time.Time
	DoSync(ctx context.Context, onlyUserID string) (*connector.Summary, error)
}

// Config holds scheduler settings.
type Config struct {
	// Interval between checks whether a connection is due.
	Interval time.Duration

	// BreakerFailures is the number of consecutive failed cycles that pause
	// a connection for BreakerTimeout.
	BreakerFailures int
	BreakerTimeout  time.Duration

	// Supervisor restart policy.
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration

	Now func() time.Time
}

// ConfigFrom converts the scheduler section of the configuration file.
func ConfigFrom(c config.SchedulerConfig) Config {
	return Config{
		Interval:        c.Interval,
		BreakerFailures: c.BreakerFailures,
		BreakerTimeout:  c.BreakerTimeout,
	}
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.BreakerFailures <= 0 {
		c.BreakerFailures = 3
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 5 * time.Minute
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5.0
	}
	if c.FailureDecay == 0 {
		c.FailureDecay = 30.0
	}
	if c.FailureBackoff == 0 {
		c.FailureBackoff = 15 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Scheduler supervises one sync service per connection.
type Scheduler struct {
	root     *suture.Supervisor
	order    []string
	services map[string]*service
}

// New builds the supervisor tree. Nothing runs until Serve is called. m may
// be nil.
func New(ctx context.Context, syncers []Syncer, m *metrics.Metrics, cfg Config) *Scheduler {
	cfg.applyDefaults()

	root := suture.New("ldapsync", suture.Spec{
		EventHook:        eventHook(ctx),
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	})

	s := &Scheduler{root: root, services: make(map[string]*service, len(syncers))}
	for _, syncer := range syncers {
		svc := newService(syncer, m, cfg)
		s.order = append(s.order, syncer.ID())
		s.services[syncer.ID()] = svc
		root.Add(svc)
	}
	return s
}

// Add supervises an additional service, such as the HTTP server.
func (s *Scheduler) Add(svc suture.Service) suture.ServiceToken {
	return s.root.Add(svc)
}

// Serve runs the supervisor until ctx is done.
func (s *Scheduler) Serve(ctx context.Context) error {
	return s.root.Serve(ctx)
}

// ServeBackground runs the supervisor in a goroutine. The channel receives
// the result of Serve.
func (s *Scheduler) ServeBackground(ctx context.Context) <-chan error {
	return s.root.ServeBackground(ctx)
}

// Trigger asks the service of connection id to sync now, whether or not the
// connection is due. It does not wait for the cycle.
func (s *Scheduler) Trigger(id string) error {
	svc, ok := s.services[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	select {
	case svc.trigger <- struct{}{}:
	default:
		// a trigger is pending already
	}
	return nil
}

// Status reports every connection in configuration order.
func (s *Scheduler) Status() []Status {
	out := make([]Status, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.services[id].status())
	}
	return out
}
