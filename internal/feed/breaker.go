package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrCircuitOpen is returned by a BreakerPublisher while the broker is
// considered down.
var ErrCircuitOpen = errors.New("publisher circuit is open")

type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // half-open successes before closing
	Cooldown         time.Duration // open time before a trial publish
	Timeout          time.Duration // per-publish deadline
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
		Timeout:          5 * time.Second,
	}
}

// BreakerPublisher wraps a Publisher so that submissions fail fast instead
// of each waiting out a dead broker. Orders are stored before publishing,
// so a rejected publish only delays matching until a counter-order arrives.
type BreakerPublisher struct {
	next   Publisher
	cfg    BreakerConfig
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	state     CircuitState
	failures  int
	successes int
	changedAt time.Time
}

func NewBreakerPublisher(next Publisher, cfg BreakerConfig, logger *zap.Logger) *BreakerPublisher {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakerPublisher{
		next:      next,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		changedAt: time.Now(),
	}
}

func (b *BreakerPublisher) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *BreakerPublisher) Publish(ctx context.Context, ev ChangeEvent) error {
	if !b.allow() {
		return ErrCircuitOpen
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()
	err := b.next.Publish(ctx, ev)
	b.record(err)
	return err
}

func (b *BreakerPublisher) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		if b.now().Sub(b.changedAt) >= b.cfg.Cooldown {
			b.setState(CircuitHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

func (b *BreakerPublisher) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		if b.state == CircuitHalfOpen {
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.setState(CircuitClosed)
			}
		}
		return
	}

	b.failures++
	if b.state == CircuitHalfOpen || b.failures >= b.cfg.FailureThreshold {
		b.setState(CircuitOpen)
	}
}

// setState must be called with mu held.
func (b *BreakerPublisher) setState(s CircuitState) {
	if b.state == s {
		return
	}
	b.logger.Warn("publisher circuit changed",
		zap.String("from", b.state.String()),
		zap.String("to", s.String()),
	)
	b.state = s
	b.changedAt = b.now()
	b.failures = 0
	b.successes = 0
}
