package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/zoff-tech/go-stock-outbox/pkg/config"
	"go.uber.org/zap"
)

// ErrOpen is returned (wrapped) when the breaker rejects a call.
var ErrOpen = errors.New("circuit breaker open")

// errSlowCall reports a successful call that exceeded the slow-call
// duration. The breaker counts it; callers never see it.
var errSlowCall = errors.New("slow call")

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
	SlowCalls            uint32
}

// SettingsFunc resolves the configuration of a named breaker.
type SettingsFunc func(name string) config.BreakerSettings

// Registry owns one breaker per dependency. It is built once per process and
// shared by every job and handler.
type Registry struct {
	mu         sync.RWMutex
	breakers   map[string]*Breaker
	settings   SettingsFunc
	successful func(err error) bool
	logger     *zap.Logger
}

type Option func(*Registry)

// WithSuccessful marks errors the dependency answered correctly, such as
// business rule rejections. They are still returned to the caller but do not
// count as failures.
func WithSuccessful(fn func(err error) bool) Option {
	return func(r *Registry) { r.successful = fn }
}

func NewRegistry(settings SettingsFunc, logger *zap.Logger, opts ...Option) *Registry {
	if settings == nil {
		settings = func(string) config.BreakerSettings { return config.DefaultBreaker() }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		breakers: make(map[string]*Breaker),
		settings: settings,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the named breaker, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if b, ok = r.breakers[name]; ok {
		return b
	}
	b = newBreaker(name, r.settings(name), r.successful, r.logger)
	r.breakers[name] = b
	r.logger.Info("Created circuit breaker", zap.String("breaker", name))
	return b
}

func (r *Registry) State(name string) State {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if !ok {
		return StateUnknown
	}
	return b.State()
}

// Reset replaces the named breaker with a fresh closed one.
func (r *Registry) Reset(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.breakers[name]; ok {
		r.breakers[name] = newBreaker(name, r.settings(name), r.successful, r.logger)
		r.logger.Info("Circuit breaker reset", zap.String("breaker", name))
	}
}

// Breaker wraps gobreaker with slow-call accounting.
type Breaker struct {
	name     string
	cb       *gobreaker.CircuitBreaker
	slowCall time.Duration
	window   time.Duration
	logger   *zap.Logger

	mu          sync.Mutex
	slowCalls   uint32
	windowStart time.Time
}

func newBreaker(name string, cfg config.BreakerSettings, successful func(error) bool, logger *zap.Logger) *Breaker {
	b := &Breaker{
		name:        name,
		slowCall:    cfg.SlowCallDuration,
		window:      cfg.Window,
		logger:      logger,
		windowStart: time.Now(),
	}
	isSuccessful := func(err error) bool {
		if err == nil {
			return true
		}
		if errors.Is(err, errSlowCall) {
			return false
		}
		return successful != nil && successful(err)
	}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:         name,
		MaxRequests:  cfg.HalfOpenRequests,
		Interval:     cfg.Window,
		Timeout:      cfg.OpenTimeout,
		IsSuccessful: isSuccessful,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			slow := b.slow()
			if slow > counts.TotalFailures {
				slow = counts.TotalFailures
			}
			failureRatio := float64(counts.TotalFailures-slow) / float64(counts.Requests)
			slowRatio := float64(slow) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRate || slowRatio >= cfg.SlowCallRate
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.resetSlow()
			b.logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return b
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() State {
	switch b.cb.State() {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}

func (b *Breaker) Counts() Counts {
	c := b.cb.Counts()
	return Counts{
		Requests:             c.Requests,
		TotalSuccesses:       c.TotalSuccesses,
		TotalFailures:        c.TotalFailures,
		ConsecutiveSuccesses: c.ConsecutiveSuccesses,
		ConsecutiveFailures:  c.ConsecutiveFailures,
		SlowCalls:            b.slow(),
	}
}

// execute runs op through the breaker. Rejections are wrapped in ErrOpen.
func (b *Breaker) execute(ctx context.Context, op func(ctx context.Context) (any, error)) (any, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		start := time.Now()
		res, err := op(ctx)
		if err == nil && b.slowCall > 0 && time.Since(start) > b.slowCall {
			b.markSlow()
			return res, errSlowCall
		}
		return res, err
	})
	switch {
	case errors.Is(err, errSlowCall):
		return result, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, fmt.Errorf("%w: %s: %v", ErrOpen, b.name, err)
	}
	return result, err
}

func (b *Breaker) markSlow() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollWindow()
	b.slowCalls++
}

func (b *Breaker) slow() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollWindow()
	return b.slowCalls
}

func (b *Breaker) resetSlow() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slowCalls = 0
	b.windowStart = time.Now()
}

// rollWindow follows gobreaker's cyclic clearing of closed-state counts.
// Callers hold b.mu.
func (b *Breaker) rollWindow() {
	if b.window > 0 && time.Since(b.windowStart) >= b.window {
		b.slowCalls = 0
		b.windowStart = time.Now()
	}
}
