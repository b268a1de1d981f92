package engage

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Sender emits events on the channel. *Channel implements it.
type Sender interface {
	Send(ctx context.Context, event string, payload any) error
}

// ReconcilerOption configures the notification and message reconcilers.
type ReconcilerOption func(*reconcilerConfig)

type reconcilerConfig struct {
	logger         *zap.Logger
	metrics        *Metrics
	seenWindowSize int
}

func newReconcilerConfig(name string, opts []ReconcilerOption) reconcilerConfig {
	cfg := reconcilerConfig{logger: zap.NewNop(), seenWindowSize: 1024}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.logger = cfg.logger.Named(name)
	return cfg
}

// WithReconcilerLogger sets the reconciler logger.
func WithReconcilerLogger(logger *zap.Logger) ReconcilerOption {
	return func(c *reconcilerConfig) { c.logger = logger }
}

// WithReconcilerMetrics counts patches on m.
func WithReconcilerMetrics(m *Metrics) ReconcilerOption {
	return func(c *reconcilerConfig) { c.metrics = m }
}

// WithSeenWindow bounds how many recent message ids are remembered for
// duplicate detection.
func WithSeenWindow(n int) ReconcilerOption {
	return func(c *reconcilerConfig) { c.seenWindowSize = n }
}

// echo sends a secondary echo event. Failing to echo never fails the
// operation: the authoritative write already succeeded.
func echo(ctx context.Context, sender Sender, logger *zap.Logger, event string, payload any) {
	if sender == nil {
		return
	}
	if err := sender.Send(ctx, event, payload); err != nil {
		if errors.Is(err, ErrNotConnected) {
			logger.Debug("echo skipped, channel offline", zap.String("event", event))
			return
		}
		logger.Warn("echo failed", zap.String("event", event), zap.Error(err))
	}
}

type multiSubscription []Subscription

func (m multiSubscription) Unsubscribe() {
	for _, s := range m {
		s.Unsubscribe()
	}
}
