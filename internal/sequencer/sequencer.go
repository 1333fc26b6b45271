// Package sequencer issues strictly increasing per-conversation sequence numbers.
package sequencer

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-engine/internal/model"
	"github.com/capitalize-ai/conversation-engine/pkg/logger"
	"github.com/capitalize-ai/conversation-engine/pkg/metrics"
	"github.com/capitalize-ai/conversation-engine/pkg/tracing"
)

// Counter is a shared atomic counter. Incr returns the value after
// incrementing key by one; concurrent callers in any process never observe
// the same value.
type Counter interface {
	Incr(ctx context.Context, key string) (int64, error)
	// Raise sets key to floor if its current value is lower.
	Raise(ctx context.Context, key string, floor int64) error
	Name() string
}

// Key returns the counter key of a conversation.
func Key(conversationID string) string {
	return "seq:" + conversationID
}

// Mode selects how the sequencer treats the shared counter.
type Mode string

const (
	// ModeShared requires the shared counter. Failures surface as
	// model.ErrUnavailable and are never papered over.
	ModeShared Mode = "shared"
	// ModeDegraded uses the shared counter and falls back to the local one
	// when it fails.
	ModeDegraded Mode = "degraded"
	// ModeLocal uses only the local counter. Single-process deployments only.
	ModeLocal Mode = "local"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeShared || m == ModeDegraded || m == ModeLocal
}

// Sequencer hands out sequence numbers.
type Sequencer struct {
	mode   Mode
	shared Counter
	local  *LocalCounter
	logger *logger.Logger
}

// New creates a sequencer. shared may be nil only in ModeLocal; local may be
// nil only in ModeShared.
func New(mode Mode, shared Counter, local *LocalCounter, log *logger.Logger) (*Sequencer, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("unknown sequencer mode %q", mode)
	}
	if mode != ModeLocal && shared == nil {
		return nil, fmt.Errorf("sequencer mode %s requires a shared counter", mode)
	}
	if mode != ModeShared && local == nil {
		return nil, fmt.Errorf("sequencer mode %s requires a local counter", mode)
	}
	return &Sequencer{
		mode:   mode,
		shared: shared,
		local:  local,
		logger: log.Named("sequencer"),
	}, nil
}

// Mode returns the configured mode.
func (s *Sequencer) Mode() Mode {
	return s.mode
}

// Next returns the next sequence number of conversationID.
func (s *Sequencer) Next(ctx context.Context, conversationID string) (seq int64, err error) {
	ctx, span := tracing.Start(ctx, "sequencer.Next",
		attribute.String("conversation_id", conversationID),
		attribute.String("mode", string(s.mode)),
	)
	defer func() { tracing.End(span, err) }()

	if s.mode == ModeLocal {
		return s.local.Next(ctx, conversationID)
	}

	seq, err = s.shared.Incr(ctx, Key(conversationID))
	if err == nil && s.mode == ModeDegraded {
		seq, err = s.reconcile(ctx, conversationID, seq)
	}
	if err == nil {
		return seq, nil
	}
	if errors.Is(err, context.Canceled) {
		return 0, err
	}
	metrics.SequenceErrorsTotal.WithLabelValues(s.shared.Name()).Inc()

	if s.mode == ModeShared {
		return 0, fmt.Errorf("%w: %s counter: %v", model.ErrUnavailable, s.shared.Name(), err)
	}

	s.logger.Warn("shared counter failed, issuing local sequence",
		zap.String("conversation_id", conversationID),
		zap.String("backend", s.shared.Name()),
		zap.Error(err),
	)
	metrics.SequenceFallbackTotal.Inc()
	return s.local.Next(ctx, conversationID)
}

// reconcile keeps a recovered shared counter above every value this process
// issued locally while it was failing. seq is the value the shared counter
// just returned.
func (s *Sequencer) reconcile(ctx context.Context, conversationID string, seq int64) (int64, error) {
	high := s.local.High(conversationID)
	if seq > high {
		return seq, nil
	}

	key := Key(conversationID)
	if err := s.shared.Raise(ctx, key, high); err != nil {
		return 0, fmt.Errorf("failed to raise counter above %d: %w", high, err)
	}
	next, err := s.shared.Incr(ctx, key)
	if err != nil {
		return 0, err
	}
	if next <= high {
		return 0, fmt.Errorf("counter returned %d after raising to %d", next, high)
	}
	s.logger.Info("shared counter raised above local sequences",
		zap.String("conversation_id", conversationID),
		zap.Int64("local_high", high),
		zap.Int64("seq", next),
	)
	return next, nil
}
