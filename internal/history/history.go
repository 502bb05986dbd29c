package history

import (
	"context"
	"time"

	"github.com/google/uuid"

	"adpilot/internal/model"
	"adpilot/internal/store"
	logx "adpilot/pkg/logx"
)

// Recorder writes the append-only record of what was actually sent. Engagement
// metrics stay zero here; a separate collector fills them in later.
type Recorder struct {
	st  store.Records
	log logx.Logger
}

func New(st store.Records, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{st: st, log: log}
}

// RecordSent persists the history row for a completed send. A failed history
// write does not undo the send; it is logged and the delivery outcome stands.
func (r *Recorder) RecordSent(ctx context.Context, d *model.Delivery, took time.Duration) {
	rec := &model.DeliveryRecord{
		ID:                   uuid.NewString(),
		DeliveryID:           d.ID,
		DestinationRef:       d.DestinationRef,
		ExternalMessageID:    d.ExternalMessageID,
		SentAt:               d.SentAt,
		ProcessingDurationMS: took.Milliseconds(),
	}
	if err := r.st.AppendRecord(ctx, rec); err != nil {
		r.log.Warn("history write failed",
			logx.String("delivery", d.ID), logx.Err(err))
	}
}

// ForDelivery exposes the history rows for the dashboard's read-only view.
func (r *Recorder) ForDelivery(ctx context.Context, deliveryID string) ([]*model.DeliveryRecord, error) {
	return r.st.RecordsForDelivery(ctx, deliveryID)
}
