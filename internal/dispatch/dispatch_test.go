package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"adpilot/internal/audit"
	"adpilot/internal/gateway"
	"adpilot/internal/history"
	"adpilot/internal/model"
	"adpilot/internal/queue"
	"adpilot/internal/store"
	"adpilot/internal/transport"
	logx "adpilot/pkg/logx"
)

// scriptedAdapter fails the first len(script) sends with the scripted errors,
// then succeeds.
type scriptedAdapter struct {
	mu         sync.Mutex
	script     []error
	partialRef transport.MessageRef // returned with a scripted error, as a half-sent chunked creative
	sends      int
	deletes    []transport.MessageRef
}

func (f *scriptedAdapter) SendText(_ context.Context, to transport.ChatTarget, _ string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	if f.sends <= len(f.script) {
		return f.partialRef, f.script[f.sends-1]
	}
	return transport.MessageRef{ChatID: to.ChatID, MessageID: f.sends}, nil
}

func (f *scriptedAdapter) Delete(_ context.Context, ref transport.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, ref)
	return nil
}

type fixture struct {
	st  *store.Memory
	q   *queue.Queue
	ad  *scriptedAdapter
	svc *Service
}

func newFixture(t *testing.T, script ...error) *fixture {
	t.Helper()
	st := store.NewMemory()
	q := queue.New(queue.Config{MaxAttempts: 3}, st, logx.Nop())
	ad := &scriptedAdapter{script: script}
	gw := gateway.New(gateway.Config{
		SendSpacing:   time.Millisecond,
		DeleteSpacing: time.Millisecond,
	}, ad, logx.Nop())
	sink := audit.New(audit.Config{}, st, logx.Nop())
	rec := history.New(st, logx.Nop())
	svc := New(Config{Workers: 1}, q, st, gw, rec, sink, logx.Nop())
	return &fixture{st: st, q: q, ad: ad, svc: svc}
}

func (f *fixture) putConstraint(t *testing.T, c *model.DestinationConstraint) {
	t.Helper()
	if err := f.st.PutConstraint(context.Background(), c); err != nil {
		t.Fatalf("put constraint: %v", err)
	}
}

// runAttempt claims the delivery and processes it once.
func (f *fixture) runAttempt(t *testing.T, at time.Time) {
	t.Helper()
	ctx := context.Background()
	claimed, err := f.q.ClaimDue(ctx, 1, at)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d deliveries, want 1", len(claimed))
	}
	f.svc.processOne(ctx, claimed[0], logx.Nop())
}

func enqueue(t *testing.T, f *fixture, d *model.Delivery) {
	t.Helper()
	if err := f.q.Enqueue(context.Background(), d); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func TestCapReachedDefersWithoutSpendingAttempts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.putConstraint(t, &model.DestinationConstraint{
		DestinationRef: "dest-1",
		ChatID:         -100,
		MaxPerDay:      1,
		IsActive:       true,
		PostsToday:     1,
	})

	now := time.Now().UTC()
	d := model.NewDelivery("camp-1", "cr-1", "dest-1", now.Add(-time.Minute))
	d.Content = "ad"
	enqueue(t, f, d)

	f.runAttempt(t, now)

	got, err := f.st.GetDelivery(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != model.DeliveryPending {
		t.Fatalf("state = %s, want pending", got.State)
	}
	if got.Attempts != 0 {
		t.Fatalf("attempts = %d, want 0 (deferral spends no attempt)", got.Attempts)
	}
	if !got.ScheduledFor.After(now) {
		t.Fatalf("scheduledFor = %v, want pushed past %v", got.ScheduledFor, now)
	}
	if f.ad.sends != 0 {
		t.Fatalf("adapter called %d times for a deferred delivery", f.ad.sends)
	}
}

func TestTransientFailuresThenSuccess(t *testing.T) {
	t.Parallel()

	f := newFixture(t,
		&transport.RateLimitedError{},
		context.DeadlineExceeded,
	)
	f.putConstraint(t, &model.DestinationConstraint{
		DestinationRef: "dest-1",
		ChatID:         -100,
		MaxPerDay:      10,
		IsActive:       true,
	})

	now := time.Now().UTC()
	d := model.NewDelivery("camp-1", "cr-1", "dest-1", now.Add(-time.Minute))
	d.Content = "ad"
	enqueue(t, f, d)

	// Three attempts: two transient failures, then success. Claims use a
	// far-future `now` so backoff rescheduling never blocks the test.
	for i := 0; i < 3; i++ {
		f.runAttempt(t, now.Add(time.Duration(i+1)*time.Hour))
	}

	got, err := f.st.GetDelivery(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != model.DeliverySent {
		t.Fatalf("state = %s, want sent (lastError %q)", got.State, got.LastError)
	}
	if got.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", got.Attempts)
	}
	if got.SentAt.IsZero() || got.ExternalMessageID == "" {
		t.Fatalf("send result not recorded: %v %q", got.SentAt, got.ExternalMessageID)
	}

	recs, err := f.st.RecordsForDelivery(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("history records = %d, want 1", len(recs))
	}

	c, err := f.st.GetConstraint(context.Background(), "dest-1")
	if err != nil {
		t.Fatalf("constraint: %v", err)
	}
	if c.PostsToday != 1 {
		t.Fatalf("postsToday = %d, want 1 (only the successful send counts)", c.PostsToday)
	}
}

func TestPartialChunkRetractedBeforeRetry(t *testing.T) {
	t.Parallel()

	f := newFixture(t, context.DeadlineExceeded)
	f.ad.partialRef = transport.MessageRef{ChatID: -100, MessageID: 9}
	f.putConstraint(t, &model.DestinationConstraint{
		DestinationRef: "dest-1",
		ChatID:         -100,
		MaxPerDay:      10,
		IsActive:       true,
	})

	now := time.Now().UTC()
	d := model.NewDelivery("camp-1", "cr-1", "dest-1", now.Add(-time.Minute))
	d.Content = "ad"
	enqueue(t, f, d)

	f.runAttempt(t, now)

	// The chunk that made it out must be retracted before any retry, or the
	// destination sees it twice.
	if len(f.ad.deletes) != 1 || f.ad.deletes[0].MessageID != 9 {
		t.Fatalf("partial chunk not retracted: deletes = %v", f.ad.deletes)
	}
	got, err := f.st.GetDelivery(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != model.DeliveryPending {
		t.Fatalf("state = %s, want pending for retry", got.State)
	}
	c, err := f.st.GetConstraint(context.Background(), "dest-1")
	if err != nil {
		t.Fatalf("constraint: %v", err)
	}
	if c.PostsToday != 0 {
		t.Fatalf("postsToday = %d, want 0 after rollback", c.PostsToday)
	}

	// The retry posts once; nothing further is deleted.
	f.runAttempt(t, now.Add(time.Hour))
	got, _ = f.st.GetDelivery(context.Background(), d.ID)
	if got.State != model.DeliverySent {
		t.Fatalf("state = %s, want sent after retry", got.State)
	}
	if f.ad.sends != 2 || len(f.ad.deletes) != 1 {
		t.Fatalf("sends = %d deletes = %d, want 2 and 1", f.ad.sends, len(f.ad.deletes))
	}
}

func TestPermanentFailureTerminatesImmediately(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &transport.PermanentError{Reason: "chat not found"})
	f.putConstraint(t, &model.DestinationConstraint{
		DestinationRef: "dest-1",
		ChatID:         -100,
		MaxPerDay:      10,
		IsActive:       true,
	})

	now := time.Now().UTC()
	d := model.NewDelivery("camp-1", "cr-1", "dest-1", now.Add(-time.Minute))
	d.Content = "ad"
	enqueue(t, f, d)

	f.runAttempt(t, now)

	got, err := f.st.GetDelivery(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != model.DeliveryFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", got.Attempts)
	}
	if got.LastError == "" {
		t.Fatal("lastError not surfaced for the campaign owner")
	}

	c, err := f.st.GetConstraint(context.Background(), "dest-1")
	if err != nil {
		t.Fatalf("constraint: %v", err)
	}
	if c.PostsToday != 0 {
		t.Fatalf("postsToday = %d, want 0 (failed send must roll back the slot)", c.PostsToday)
	}
}

func TestMissingConstraintFailsPermanently(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	now := time.Now().UTC()
	d := model.NewDelivery("camp-1", "cr-1", "dest-unknown", now.Add(-time.Minute))
	d.Content = "ad"
	enqueue(t, f, d)

	f.runAttempt(t, now)

	got, err := f.st.GetDelivery(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != model.DeliveryFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
	if f.ad.sends != 0 {
		t.Fatalf("adapter called %d times without a registered destination", f.ad.sends)
	}
}

func TestBlockedCategoryFailsWithoutSend(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.putConstraint(t, &model.DestinationConstraint{
		DestinationRef:    "dest-1",
		ChatID:            -100,
		MaxPerDay:         10,
		AllowedCategories: []string{"retail"},
		IsActive:          true,
	})

	now := time.Now().UTC()
	d := model.NewDelivery("camp-1", "cr-1", "dest-1", now.Add(-time.Minute))
	d.Category = "crypto"
	d.Content = "ad"
	enqueue(t, f, d)

	f.runAttempt(t, now)

	got, err := f.st.GetDelivery(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != model.DeliveryFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
	if f.ad.sends != 0 {
		t.Fatalf("adapter called %d times for a blocked category", f.ad.sends)
	}
}

func TestPausedSkipsClaiming(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.putConstraint(t, &model.DestinationConstraint{
		DestinationRef: "dest-1",
		ChatID:         -100,
		MaxPerDay:      10,
		IsActive:       true,
	})

	now := time.Now().UTC()
	d := model.NewDelivery("camp-1", "cr-1", "dest-1", now.Add(-time.Minute))
	d.Content = "ad"
	enqueue(t, f, d)

	var paused atomic.Bool
	paused.Store(true)
	f.svc.cfg.PollInterval = 10 * time.Millisecond
	f.svc.Paused = paused.Load

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.svc.Start(ctx)
	defer f.svc.Stop(context.Background())

	time.Sleep(60 * time.Millisecond)
	got, err := f.st.GetDelivery(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != model.DeliveryPending {
		t.Fatalf("paused engine touched the delivery: %s", got.State)
	}

	paused.Store(false)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ = f.st.GetDelivery(context.Background(), d.ID)
		if got.State == model.DeliverySent {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("delivery never sent after resume, state = %s", got.State)
}
