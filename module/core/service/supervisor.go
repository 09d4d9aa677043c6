package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nandanugg/marker-tracker/module/core/domain"
)

// ErrProximityStopped is returned by Resubscribe before Start or after the
// supervisor's context has ended.
var ErrProximityStopped = errors.New("proximity supervisor stopped")

type SupervisorState string

const (
	SupervisorIdle    SupervisorState = "idle"
	SupervisorRunning SupervisorState = "running"
	SupervisorDenied  SupervisorState = "denied"
)

type SupervisorStatus struct {
	State     SupervisorState
	LastError string
}

// ProximitySupervisor keeps the engine subscribed to the location source.
// Transient failures are retried with exponential backoff. A denied
// permission parks the loop until Resubscribe is called.
type ProximitySupervisor struct {
	engine     *ProximityEngine
	run        func(ctx context.Context) error
	minBackoff time.Duration
	maxBackoff time.Duration
	now        func() time.Time
	after      func(d time.Duration) <-chan time.Time

	mu      sync.Mutex
	ctx     context.Context
	state   SupervisorState
	lastErr error
	done    chan struct{}
}

func NewProximitySupervisor(engine *ProximityEngine, source locationSource, cfg domain.SubscribeConfig) *ProximitySupervisor {
	s := newProximitySupervisor(func(ctx context.Context) error {
		return engine.Run(ctx, source, cfg)
	})
	s.engine = engine
	return s
}

func newProximitySupervisor(run func(ctx context.Context) error) *ProximitySupervisor {
	return &ProximitySupervisor{
		run:        run,
		minBackoff: time.Second,
		maxBackoff: time.Minute,
		now:        time.Now,
		after:      time.After,
		state:      SupervisorIdle,
	}
}

// Start binds the supervisor to ctx and launches the run loop. Cancelling ctx
// stops the loop for good.
func (s *ProximitySupervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return
	}
	s.ctx = ctx
	s.launch()
}

// Resubscribe restarts an idle or denied loop. It reports false when the loop
// is already running.
func (s *ProximitySupervisor) Resubscribe() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil || s.ctx.Err() != nil {
		return false, ErrProximityStopped
	}
	if s.state == SupervisorRunning {
		return false, nil
	}
	slog.Info("location resubscription requested", "previous_state", s.state)
	s.launch()
	return true, nil
}

func (s *ProximitySupervisor) Status() SupervisorStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := SupervisorStatus{State: s.state}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// States returns the engine's per-marker states.
func (s *ProximitySupervisor) States() []domain.ProximityState {
	if s.engine == nil {
		return nil
	}
	return s.engine.States()
}

// Wait blocks until the current loop has exited or ctx is done.
func (s *ProximitySupervisor) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// launch must be called with mu held.
func (s *ProximitySupervisor) launch() {
	s.state = SupervisorRunning
	s.lastErr = nil
	s.done = make(chan struct{})
	go s.loop(s.ctx, s.done)
}

func (s *ProximitySupervisor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	backoff := s.minBackoff
	for {
		started := s.now()
		err := s.run(ctx)
		if ctx.Err() != nil {
			s.finish(SupervisorIdle, nil)
			return
		}
		if errors.Is(err, domain.ErrPermissionDenied) {
			slog.Warn("location access denied, proximity alerts idle until resubscribed")
			s.finish(SupervisorDenied, err)
			return
		}

		if s.now().Sub(started) > backoff {
			backoff = s.minBackoff
		}
		if err != nil {
			slog.Error("proximity engine stopped", "error", err, "retry_in", backoff)
		} else {
			slog.Warn("location subscription ended", "retry_in", backoff)
		}
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			s.finish(SupervisorIdle, nil)
			return
		case <-s.after(backoff):
		}
		backoff = min(backoff*2, s.maxBackoff)
	}
}

func (s *ProximitySupervisor) finish(state SupervisorState, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = state
	if err != nil {
		s.lastErr = err
	}
}
