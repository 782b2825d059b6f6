package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/sony/gobreaker/v2"

	"github.com/Checkmk/checkmk-sub025/internal/connector"
	"github.com/Checkmk/checkmk-sub025/internal/metrics"
)

// Status is the view of one connection served on /status.
type Status struct {
	Connection   string     `json:"connection"`
	Breaker      string     `json:"breaker"`
	LastSync     *time.Time `json:"last_sync,omitempty"`
	NextSync     *time.Time `json:"next_sync,omitempty"`
	LastAttempt  *time.Time `json:"last_attempt,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	Created      int        `json:"created"`
	Modified     int        `json:"modified"`
	Unchanged    int        `json:"unchanged"`
	Skipped      int        `json:"skipped"`
	Removed      int        `json:"removed"`
	Failures     int        `json:"failures"`
	Queries      int        `json:"queries"`
	Runs         int        `json:"runs"`
	BreakerTrips int        `json:"breaker_trips"`
}

// service runs the sync cycles of one connection.
type service struct {
	syncer  Syncer
	metrics *metrics.Metrics
	cfg     Config
	breaker *gobreaker.CircuitBreaker[*connector.Summary]
	trigger chan struct{}

	mu          sync.Mutex
	lastAttempt time.Time
	lastSummary *connector.Summary
	lastErr     error
	runs        int
	trips       int
}

func newService(syncer Syncer, m *metrics.Metrics, cfg Config) *service {
	s := &service{
		syncer:  syncer,
		metrics: m,
		cfg:     cfg,
		trigger: make(chan struct{}, 1),
	}
	s.breaker = gobreaker.NewCircuitBreaker[*connector.Summary](gobreaker.Settings{
		Name:        syncer.ID(),
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.BreakerFailures)
		},
		IsExcluded: func(err error) bool {
			return errors.Is(err, connector.ErrSyncInProgress) ||
				errors.Is(err, connector.ErrConnectionDisabled) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: s.onStateChange,
	})
	if m != nil {
		m.BreakerState.WithLabelValues(syncer.ID()).Set(float64(gobreaker.StateClosed))
	}
	return s
}

func (s *service) String() string {
	return "sync-" + s.syncer.ID()
}

// Serve checks the connection at start and on every tick. Triggers force a
// cycle even when the connection is not due.
func (s *service) Serve(ctx context.Context) error {
	ctx = tflog.SubsystemSetField(ctx, SubsystemScheduler, "connection", s.syncer.ID())

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.tick(ctx, false)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx, false)
		case <-s.trigger:
			s.tick(ctx, true)
		}
	}
}

func (s *service) tick(ctx context.Context, forced bool) {
	if !forced && !s.syncer.SyncIsNeeded(s.cfg.Now()) {
		return
	}

	summary, err := s.breaker.Execute(func() (*connector.Summary, error) {
		return s.syncer.DoSync(ctx, "")
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		tflog.SubsystemDebug(ctx, SubsystemScheduler, "Sync paused by circuit breaker", map[string]interface{}{
			"state": s.breaker.State().String(),
		})
		return
	}
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return
	}

	s.mu.Lock()
	s.lastAttempt = s.cfg.Now()
	s.runs++
	if summary != nil {
		s.lastSummary = summary
	}
	s.lastErr = err
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ObserveSync(s.syncer.ID(), summary, err)
	}

	switch {
	case errors.Is(err, connector.ErrSyncInProgress), errors.Is(err, connector.ErrConnectionDisabled):
		tflog.SubsystemDebug(ctx, SubsystemScheduler, "Sync skipped", map[string]interface{}{"reason": err.Error()})
	case err != nil:
		tflog.SubsystemError(ctx, SubsystemScheduler, "Sync failed", map[string]interface{}{"error": err.Error()})
	default:
		tflog.SubsystemInfo(ctx, SubsystemScheduler, "Sync finished", map[string]interface{}{
			"created":   summary.Created(),
			"modified":  summary.Modified(),
			"unchanged": summary.Unchanged(),
			"removed":   len(summary.Removed),
			"duration":  summary.Duration.String(),
		})
	}
}

func (s *service) onStateChange(name string, from, to gobreaker.State) {
	s.mu.Lock()
	if to == gobreaker.StateOpen {
		s.trips++
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		s.metrics.BreakerTransition.WithLabelValues(name, from.String(), to.String()).Inc()
	}
}

func (s *service) status() Status {
	// the breaker calls onStateChange under its own lock
	breaker := s.breaker.State().String()

	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Connection:   s.syncer.ID(),
		Breaker:      breaker,
		LastSync:     optionalTime(s.syncer.LastSync()),
		NextSync:     optionalTime(s.syncer.NextSync()),
		LastAttempt:  optionalTime(s.lastAttempt),
		Runs:         s.runs,
		BreakerTrips: s.trips,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	if sum := s.lastSummary; sum != nil {
		st.Created = sum.Created()
		st.Modified = sum.Modified()
		st.Unchanged = sum.Unchanged()
		st.Skipped = sum.Skipped()
		st.Removed = len(sum.Removed)
		st.Failures = len(sum.Failures)
		st.Queries = sum.Queries
	}
	return st
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
