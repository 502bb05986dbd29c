package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"adpilot/internal/constraint"
	"adpilot/internal/gateway"
	"adpilot/internal/model"
	"adpilot/internal/queue"
	"adpilot/internal/store"
	"adpilot/internal/transport"
	logx "adpilot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, jobs <-chan *model.Delivery, idx int) {
	log := s.log.With(logx.Int("worker", idx))
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case d := <-jobs:
			s.processOne(ctx, d, log)
		}
	}
}

func (s *Service) processOne(ctx context.Context, d *model.Delivery, log logx.Logger) {
	atomic.AddUint64(&s.processed, 1)
	log = log.With(logx.String("delivery", d.ID), logx.String("dest", d.DestinationRef))

	if err := s.q.BeginProcessing(ctx, d); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Someone raced us past queued (e.g. a campaign cancel). Not ours.
			log.Debug("delivery no longer queued, skipping")
			return
		}
		log.Warn("begin processing failed", logx.Err(err))
		return
	}

	c, err := s.st.GetConstraint(ctx, d.DestinationRef)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.failPermanent(ctx, d, fmt.Errorf("no constraint registered for destination %s", d.DestinationRef), log)
			return
		}
		s.requeue(ctx, d, err, log)
		return
	}

	now := time.Now().UTC()
	switch dec := constraint.Evaluate(c, d.Category, now); dec.Verdict {
	case constraint.Deferred:
		atomic.AddUint64(&s.deferred, 1)
		if err := s.q.Defer(ctx, d, dec.RetryAt); err != nil {
			log.Warn("defer failed", logx.Err(err))
			return
		}
		log.Info("delivery deferred",
			logx.String("reason", dec.Reason), logx.Time("retry_at", dec.RetryAt))
		s.audit(d, "delivery.defer", true, dec.Reason, 0)
		return
	case constraint.Blocked:
		s.failPermanent(ctx, d, errors.New(dec.Reason), log)
		return
	}

	// Count the slot before the send so concurrent workers against the same
	// destination cannot both pass the cap check. Undone on failure below.
	if err := s.st.IncPostsToday(ctx, d.DestinationRef, now); err != nil {
		s.requeue(ctx, d, err, log)
		return
	}

	started := time.Now()
	ref, err := s.gw.Send(ctx, transport.ChatTarget{ChatID: c.ChatID, ThreadID: c.ThreadID}, d.Content, nil)
	took := time.Since(started)

	if err != nil {
		if ref.MessageID != 0 {
			// Part of a chunked creative went out before the failure. Retract
			// it so a retry does not post the first chunk twice.
			if derr := s.gw.Delete(ctx, ref); derr != nil {
				log.Warn("partial send cleanup failed",
					logx.Int64("chat_id", ref.ChatID), logx.Int("message_id", ref.MessageID),
					logx.Err(derr))
			}
		}
		if derr := s.st.DecPostsToday(ctx, d.DestinationRef); derr != nil {
			log.Warn("counter rollback failed", logx.Err(derr))
		}
		if gateway.IsPermanent(err) {
			s.failPermanent(ctx, d, err, log)
			return
		}
		var rl *transport.RateLimitedError
		if errors.As(err, &rl) && rl.RetryAfter > 0 {
			// The platform told us when to come back; honor it instead of the
			// exponential schedule and keep the attempt budget intact.
			if derr := s.q.Defer(ctx, d, now.Add(rl.RetryAfter)); derr != nil {
				log.Warn("rate-limit defer failed", logx.Err(derr))
			}
			log.Warn("rate limited", logx.Duration("retry_after", rl.RetryAfter))
			return
		}
		s.requeue(ctx, d, err, log)
		return
	}

	if err := s.q.Complete(ctx, d, now, fmt.Sprintf("%d:%d", ref.ChatID, ref.MessageID)); err != nil {
		// The message is out; the record catches up on the next reconcile.
		log.Error("complete after send failed", logx.Err(err))
		return
	}
	atomic.AddUint64(&s.sent, 1)
	s.recorder.RecordSent(ctx, d, took)
	log.Info("delivery sent",
		logx.Int64("chat_id", ref.ChatID), logx.Int("message_id", ref.MessageID),
		logx.Duration("took", took))
	s.audit(d, "delivery.send", true, "", took.Milliseconds())
}

func (s *Service) requeue(ctx context.Context, d *model.Delivery, cause error, log logx.Logger) {
	err := s.q.Requeue(ctx, d, cause)
	switch {
	case errors.Is(err, queue.ErrExhausted):
		atomic.AddUint64(&s.failed, 1)
		log.Warn("retry budget exhausted", logx.Err(cause), logx.Int("attempts", d.Attempts))
		s.audit(d, "delivery.fail", false, cause.Error(), 0)
	case err != nil:
		log.Error("requeue failed", logx.Err(err))
	default:
		log.Warn("delivery requeued", logx.Err(cause), logx.Int("attempts", d.Attempts))
	}
}

func (s *Service) failPermanent(ctx context.Context, d *model.Delivery, cause error, log logx.Logger) {
	atomic.AddUint64(&s.failed, 1)
	if err := s.q.Fail(ctx, d, cause); err != nil {
		log.Error("fail transition failed", logx.Err(err))
		return
	}
	log.Warn("delivery failed permanently", logx.Err(cause))
	s.audit(d, "delivery.fail", false, cause.Error(), 0)
}

func (s *Service) audit(d *model.Delivery, action string, ok bool, errMsg string, tookMS int64) {
	if s.sink == nil {
		return
	}
	s.sink.LogAsync(store.AuditEntry{
		At:       time.Now().UTC(),
		Actor:    "dispatcher",
		Action:   action,
		Entity:   "delivery",
		EntityID: d.ID,
		OK:       ok,
		Error:    errMsg,
		TookMS:   tookMS,
	})
}
