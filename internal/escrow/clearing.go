package escrow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/taskilo/settlement/internal/lease"
	"github.com/taskilo/settlement/internal/metrics"
	"github.com/taskilo/settlement/internal/traces"
)

const (
	clearingBatchSize   = 500
	clearingItemTimeout = 10 * time.Second
	clearingLeaseKey    = "settlement:clearing-run"
	clearingLeaseTTL    = 5 * time.Minute
)

// RunResult summarizes one clearing pass.
type RunResult struct {
	Processed int  `json:"processed"`
	Released  int  `json:"released"`
	Errors    int  `json:"errors"`
	Skipped   bool `json:"skipped,omitempty"`
}

// Scheduler releases escrows whose clearing period has elapsed.
type Scheduler struct {
	service     *Service
	locker      lease.Locker
	batchSize   int
	itemTimeout time.Duration
	logger      *slog.Logger
}

// NewScheduler creates a clearing scheduler over the service's store and clock.
func NewScheduler(service *Service, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		service:     service,
		batchSize:   clearingBatchSize,
		itemTimeout: clearingItemTimeout,
		logger:      logger,
	}
}

// WithLocker makes overlapping runs across instances skip instead of
// racing. Correctness does not depend on it.
func (s *Scheduler) WithLocker(l lease.Locker) *Scheduler {
	s.locker = l
	return s
}

// RunOnce pages through escrows whose clearing period ended by now, oldest
// due first, and releases each one. A failure on one escrow is counted and
// does not stop the run; the keyset cursor moves past it either way.
func (s *Scheduler) RunOnce(ctx context.Context) (result RunResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.clearing.RunOnce")
	defer func() { traces.End(span, err) }()

	if s.locker != nil {
		held, lerr := s.locker.Acquire(ctx, clearingLeaseKey, clearingLeaseTTL)
		switch {
		case errors.Is(lerr, lease.ErrNotObtained):
			metrics.ClearingRunsTotal.WithLabelValues("skipped").Inc()
			s.logger.Info("clearing run skipped, lease held elsewhere")
			return RunResult{Skipped: true}, nil
		case lerr != nil:
			s.logger.Warn("clearing lease unavailable, running without it", "error", lerr)
		default:
			defer func() {
				if rerr := held.Release(context.WithoutCancel(ctx)); rerr != nil {
					s.logger.Warn("failed to release clearing lease", "error", rerr)
				}
			}()
		}
	}

	now := s.service.now()
	var cursor ClearingCursor
	for ctx.Err() == nil {
		page, lerr := s.service.store.ListDueForClearing(ctx, now, cursor, s.batchSize)
		if lerr != nil {
			metrics.ClearingRunsTotal.WithLabelValues("failed").Inc()
			return result, storeErr(lerr)
		}
		for _, e := range page {
			if ctx.Err() != nil {
				break
			}
			cursor = CursorAfter(e)
			result.Processed++
			if !ClearingEligible(e, now) {
				continue
			}
			if s.release(ctx, e.ID) {
				result.Released++
			} else {
				result.Errors++
			}
		}
		if s.batchSize <= 0 || len(page) < s.batchSize {
			break
		}
	}

	metrics.ClearingRunsTotal.WithLabelValues("completed").Inc()
	s.logger.Info("clearing run finished",
		"processed", result.Processed, "released", result.Released, "errors", result.Errors)
	return result, nil
}

func (s *Scheduler) release(ctx context.Context, id string) bool {
	itemCtx, cancel := context.WithTimeout(ctx, s.itemTimeout)
	defer cancel()
	_, err := s.service.ApplyTransition(itemCtx, id, Command{
		Event: EventClearingElapsed,
		Actor: SystemActor("clearing"),
	})
	if err != nil {
		s.logger.Warn("failed to release escrow after clearing period", "escrowId", id, "error", err)
		return false
	}
	metrics.ClearingReleasedTotal.Inc()
	return true
}
