package feed

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// RetryConfig holds configuration for retry behavior.
type RetryConfig struct {
	MaxRetries    int           // Maximum number of retries; negative retries forever
	InitialDelay  time.Duration // Initial delay before first retry
	MaxDelay      time.Duration // Maximum delay between retries
	Multiplier    float64       // Delay multiplier for exponential backoff
	Randomization float64       // Randomization factor (0-1)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    5,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		Multiplier:    2.0,
		Randomization: 0.2,
	}
}

// RetryPolicy calculates the delay for a given retry attempt.
type RetryPolicy struct {
	config RetryConfig
	mu     sync.Mutex
	rnd    *rand.Rand
}

func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	if config.Randomization < 0 || config.Randomization > 1 {
		config.Randomization = 0
	}
	return &RetryPolicy{
		config: config,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NextDelay returns the backoff before retry number attempt+1.
func (r *RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	f := r.config.Randomization
	if f == 0 {
		return time.Duration(delay)
	}
	r.mu.Lock()
	jitter := r.rnd.Float64()
	r.mu.Unlock()
	return time.Duration(delay * (1 - f + 2*f*jitter))
}

// Exhausted reports whether no retry follows attempt.
func (r *RetryPolicy) Exhausted(attempt int) bool {
	return r.config.MaxRetries >= 0 && attempt >= r.config.MaxRetries
}
