package classify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatchd/internal/logging"
)

// RetryPolicy configures exponential backoff for retryable failures.
type RetryPolicy struct {
	// MaxRetries is the number of retry attempts after the first try.
	// Default: 2
	MaxRetries int

	// InitialBackoff is the first backoff duration.
	// Default: 1 second
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff growth.
	// Default: 30 seconds
	MaxBackoff time.Duration

	// BackoffMultiplier grows the backoff between attempts.
	// Default: 2
	BackoffMultiplier float64
}

// DefaultRetryPolicy returns the default policy.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:        2,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// ApplyDefaults sets default values for unset fields.
func (p *RetryPolicy) ApplyDefaults() {
	defaults := DefaultRetryPolicy()

	if p.MaxRetries == 0 {
		p.MaxRetries = defaults.MaxRetries
	}
	if p.InitialBackoff == 0 {
		p.InitialBackoff = defaults.InitialBackoff
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = defaults.MaxBackoff
	}
	if p.BackoffMultiplier == 0 {
		p.BackoffMultiplier = defaults.BackoffMultiplier
	}
}

// Retrier runs operations under a RetryPolicy, retrying only failures the
// classifier marks retryable.
type Retrier struct {
	policy     RetryPolicy
	classifier *Classifier
	logger     *logging.Logger
}

// NewRetrier builds a Retrier. A nil logger is replaced with a nop.
func NewRetrier(policy RetryPolicy, classifier *Classifier, logger *logging.Logger) *Retrier {
	policy.ApplyDefaults()
	if classifier == nil {
		classifier = NewClassifier()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Retrier{policy: policy, classifier: classifier, logger: logger}
}

// Do runs operation, retrying with exponential backoff while the failure
// classifies as retryable. The returned error on exhaustion is the last
// Classification so callers can persist it on the feature.
func (r *Retrier) Do(ctx context.Context, name string, operation func() error) error {
	var last *Classification
	backoff := r.policy.InitialBackoff
	start := time.Now()

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		err := operation()
		if err == nil {
			if attempt > 0 {
				r.logger.Info(ctx, "operation recovered after retries",
					zap.String("operation", name),
					zap.Int("attempts", attempt+1),
					zap.Duration("total_time", time.Since(start)),
				)
			}
			return nil
		}

		last = r.classifier.ClassifyError(err)
		if !last.Retryable {
			r.logger.Debug(ctx, "failure is not retryable",
				zap.String("operation", name),
				zap.String("category", string(last.Category)),
				zap.Error(err),
			)
			return last
		}
		if attempt == r.policy.MaxRetries {
			break
		}

		r.logger.Info(ctx, "retrying after transient failure",
			zap.String("operation", name),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", r.policy.MaxRetries+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("operation canceled: %w", ctx.Err())
		case <-time.After(backoff):
			next := time.Duration(float64(backoff) * r.policy.BackoffMultiplier)
			if next > r.policy.MaxBackoff {
				next = r.policy.MaxBackoff
			}
			backoff = next
		}
	}

	r.logger.Warn(ctx, "operation failed after all retries exhausted",
		zap.String("operation", name),
		zap.Int("total_attempts", r.policy.MaxRetries+1),
		zap.Duration("total_time", time.Since(start)),
		zap.String("category", string(last.Category)),
	)
	return last
}
