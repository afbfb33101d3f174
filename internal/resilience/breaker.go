package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrBreakerOpen is returned while a breaker is rejecting calls.
var ErrBreakerOpen = eris.New("circuit breaker is open")

// Breaker stops calling a failing sink after Threshold consecutive failures
// and lets one trial call through once Cooldown has elapsed. The alert webhook sits
// behind one.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	failures int
	openedAt time.Time
	now      func() time.Time
}

// NewBreaker creates a breaker. Non-positive values default to 5 failures and 1m.
func NewBreaker(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &Breaker{name: name, threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Open reports whether calls are currently rejected.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isOpen()
}

func (b *Breaker) isOpen() bool {
	return b.failures >= b.threshold && b.now().Sub(b.openedAt) < b.cooldown
}

// Execute runs fn unless the breaker is open.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	if b.isOpen() {
		b.mu.Unlock()
		return eris.Wrap(ErrBreakerOpen, b.name)
	}
	b.mu.Unlock()

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		if b.failures >= b.threshold {
			zap.L().Info("circuit breaker closed", zap.String("breaker", b.name))
		}
		b.failures = 0
		return nil
	}
	b.failures++
	if b.failures >= b.threshold {
		if b.failures == b.threshold {
			zap.L().Warn("circuit breaker opened", zap.String("breaker", b.name), zap.Error(err))
		}
		b.openedAt = b.now()
	}
	return err
}
