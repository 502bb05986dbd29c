package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"adpilot/internal/model"
	logx "adpilot/pkg/logx"
)

// runDrivers runs fn against every driver so both share one contract suite.
func runDrivers(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		t.Parallel()
		fn(t, NewMemory())
	})
	t.Run("sqlite", func(t *testing.T) {
		t.Parallel()
		st, err := Open(Config{Driver: "sqlite", Path: t.TempDir() + "/test.db"}, logx.Nop())
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { _ = st.Close() })
		fn(t, st)
	})
}

func pendingDelivery(dest string, at time.Time) *model.Delivery {
	d := model.NewDelivery("camp-1", "cr-1", dest, at)
	d.Content = "hello"
	return d
}

func TestClaimDueExclusivity(t *testing.T) {
	t.Parallel()
	runDrivers(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		const total = 20
		for i := 0; i < total; i++ {
			if err := st.PutDelivery(ctx, pendingDelivery("dest-1", now.Add(-time.Minute))); err != nil {
				t.Fatalf("put: %v", err)
			}
		}

		const claimers = 8
		var (
			mu   sync.Mutex
			seen = map[string]int{}
			wg   sync.WaitGroup
		)
		for i := 0; i < claimers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				got, err := st.ClaimDue(ctx, 5, now)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				mu.Lock()
				for _, d := range got {
					seen[d.ID]++
				}
				mu.Unlock()
			}()
		}
		wg.Wait()

		for id, n := range seen {
			if n > 1 {
				t.Fatalf("delivery %s claimed %d times", id, n)
			}
		}
	})
}

func TestClaimDueOrderAndWindow(t *testing.T) {
	t.Parallel()
	runDrivers(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		early := pendingDelivery("dest-1", now.Add(-2*time.Hour))
		late := pendingDelivery("dest-1", now.Add(-time.Hour))
		urgent := pendingDelivery("dest-1", now.Add(-time.Minute))
		urgent.Priority = 10
		future := pendingDelivery("dest-1", now.Add(time.Hour))

		for _, d := range []*model.Delivery{late, early, urgent, future} {
			if err := st.PutDelivery(ctx, d); err != nil {
				t.Fatalf("put: %v", err)
			}
		}

		got, err := st.ClaimDue(ctx, 10, now)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("claimed %d deliveries, want 3 (future one excluded)", len(got))
		}
		if got[0].ID != urgent.ID {
			t.Fatalf("first claim = %s, want highest priority %s", got[0].ID, urgent.ID)
		}
		if got[1].ID != early.ID || got[2].ID != late.ID {
			t.Fatalf("ties not ordered by scheduledFor: got %s, %s", got[1].ID, got[2].ID)
		}
		for _, d := range got {
			if d.State != model.DeliveryQueued {
				t.Fatalf("claimed delivery state = %s, want queued", d.State)
			}
		}
	})
}

func TestUpdateDeliveryConditional(t *testing.T) {
	t.Parallel()
	runDrivers(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		d := pendingDelivery("dest-1", time.Now().UTC())
		if err := st.PutDelivery(ctx, d); err != nil {
			t.Fatalf("put: %v", err)
		}

		d.State = model.DeliveryQueued
		if err := st.UpdateDelivery(ctx, d, model.DeliveryPending); err != nil {
			t.Fatalf("update pending->queued: %v", err)
		}

		// A second writer still assuming pending must lose.
		stale := *d
		stale.State = model.DeliveryCancelled
		if err := st.UpdateDelivery(ctx, &stale, model.DeliveryPending); !errors.Is(err, ErrConflict) {
			t.Fatalf("stale update err = %v, want ErrConflict", err)
		}

		got, err := st.GetDelivery(ctx, d.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.State != model.DeliveryQueued {
			t.Fatalf("state = %s, want queued", got.State)
		}
	})
}

func TestCancelCampaignSkipsProcessing(t *testing.T) {
	t.Parallel()
	runDrivers(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		pend := pendingDelivery("dest-1", now)
		qd := pendingDelivery("dest-1", now)
		qd.State = model.DeliveryQueued
		proc := pendingDelivery("dest-1", now)
		proc.State = model.DeliveryProcessing

		for _, d := range []*model.Delivery{pend, qd, proc} {
			if err := st.PutDelivery(ctx, d); err != nil {
				t.Fatalf("put: %v", err)
			}
		}

		n, err := st.CancelCampaign(ctx, "camp-1")
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if n != 2 {
			t.Fatalf("cancelled %d, want 2", n)
		}
		got, err := st.GetDelivery(ctx, proc.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.State != model.DeliveryProcessing {
			t.Fatalf("in-flight delivery state = %s, want processing untouched", got.State)
		}
	})
}

func TestRequeueStaleRecoversAbandonedClaims(t *testing.T) {
	t.Parallel()
	runDrivers(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		claimedOnly := pendingDelivery("dest-1", now.Add(-time.Minute))
		inFlight := pendingDelivery("dest-1", now.Add(-time.Minute))
		done := pendingDelivery("dest-1", now.Add(-time.Minute))
		for _, d := range []*model.Delivery{claimedOnly, inFlight, done} {
			if err := st.PutDelivery(ctx, d); err != nil {
				t.Fatalf("put: %v", err)
			}
		}

		got, err := st.ClaimDue(ctx, 10, now)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("claimed %d deliveries, want 3", len(got))
		}
		// One claim advances to processing and stalls there, one finishes.
		inFlight.State = model.DeliveryProcessing
		if err := st.UpdateDelivery(ctx, inFlight, model.DeliveryQueued); err != nil {
			t.Fatalf("update to processing: %v", err)
		}
		done.State = model.DeliverySent
		done.SentAt = now
		if err := st.UpdateDelivery(ctx, done, model.DeliveryQueued); err != nil {
			t.Fatalf("update to sent: %v", err)
		}

		// Claims fresher than the threshold are in-flight, not abandoned.
		n, err := st.RequeueStale(ctx, now.Add(-time.Hour))
		if err != nil {
			t.Fatalf("requeue stale: %v", err)
		}
		if n != 0 {
			t.Fatalf("requeued %d fresh claims, want 0", n)
		}

		n, err = st.RequeueStale(ctx, time.Now().UTC().Add(time.Second))
		if err != nil {
			t.Fatalf("requeue stale: %v", err)
		}
		if n != 2 {
			t.Fatalf("requeued %d, want 2 (queued and processing, never sent)", n)
		}
		for _, id := range []string{claimedOnly.ID, inFlight.ID} {
			d, err := st.GetDelivery(ctx, id)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if d.State != model.DeliveryPending {
				t.Fatalf("recovered delivery state = %s, want pending", d.State)
			}
		}
		d, err := st.GetDelivery(ctx, done.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if d.State != model.DeliverySent {
			t.Fatalf("sent delivery state = %s, want sent untouched", d.State)
		}

		// Recovered deliveries are claimable again.
		again, err := st.ClaimDue(ctx, 10, time.Now().UTC())
		if err != nil {
			t.Fatalf("reclaim: %v", err)
		}
		if len(again) != 2 {
			t.Fatalf("reclaimed %d deliveries, want 2", len(again))
		}
	})
}

func TestGrantWarningFlagsMonotonic(t *testing.T) {
	t.Parallel()
	runDrivers(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		g := model.NewAccessGrant("buyer-1", "prod-1", 100)
		g.Status = model.GrantCompleted
		g.AccessExpiresAt = time.Now().UTC().Add(3 * 24 * time.Hour)
		if err := st.PutGrant(ctx, g); err != nil {
			t.Fatalf("put: %v", err)
		}

		if err := st.MarkGrantNotified(ctx, g.ID, Warning7d); err != nil {
			t.Fatalf("mark: %v", err)
		}

		// A dashboard upsert with stale flags must not clear them.
		stale := *g
		stale.Notified7d = false
		if err := st.PutGrant(ctx, &stale); err != nil {
			t.Fatalf("put stale: %v", err)
		}
		got, err := st.GetGrant(ctx, g.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !got.Notified7d {
			t.Fatal("notified7d flag was cleared by upsert")
		}
		if got.Notified1d {
			t.Fatal("notified1d set without MarkGrantNotified")
		}
	})
}

func TestExpireGrantConditional(t *testing.T) {
	t.Parallel()
	runDrivers(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		g := model.NewAccessGrant("buyer-1", "prod-1", 100)
		g.Status = model.GrantCompleted
		g.AccessExpiresAt = time.Now().UTC().Add(-time.Hour)
		g.DeliveredRefs = []model.MessageRefs{{ChatID: -100, MessageIDs: []int{1, 2}}}
		if err := st.PutGrant(ctx, g); err != nil {
			t.Fatalf("put: %v", err)
		}

		if err := st.ExpireGrant(ctx, g.ID); err != nil {
			t.Fatalf("expire: %v", err)
		}
		got, err := st.GetGrant(ctx, g.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != model.GrantExpired {
			t.Fatalf("status = %s, want expired", got.Status)
		}
		if len(got.DeliveredRefs) != 0 {
			t.Fatalf("delivered refs not cleared: %v", got.DeliveredRefs)
		}

		// Second run races off the status filter.
		if err := st.ExpireGrant(ctx, g.ID); !errors.Is(err, ErrConflict) {
			t.Fatalf("second expire err = %v, want ErrConflict", err)
		}
	})
}

func TestGrantsExpiringBetweenWindow(t *testing.T) {
	t.Parallel()
	runDrivers(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		in := model.NewAccessGrant("buyer-1", "prod-1", 100)
		in.Status = model.GrantCompleted
		in.AccessExpiresAt = now.Add(3 * 24 * time.Hour)

		// 6d12h out: inside the 7d window, outside the 1d window.
		edge := model.NewAccessGrant("buyer-2", "prod-1", 101)
		edge.Status = model.GrantCompleted
		edge.AccessExpiresAt = now.Add(6*24*time.Hour + 12*time.Hour)

		out := model.NewAccessGrant("buyer-3", "prod-1", 102)
		out.Status = model.GrantCompleted
		out.AccessExpiresAt = now.Add(9 * 24 * time.Hour)

		notPaid := model.NewAccessGrant("buyer-4", "prod-1", 103)
		notPaid.AccessExpiresAt = now.Add(2 * 24 * time.Hour)

		for _, g := range []*model.AccessGrant{in, edge, out, notPaid} {
			if err := st.PutGrant(ctx, g); err != nil {
				t.Fatalf("put: %v", err)
			}
		}

		week, err := st.GrantsExpiringBetween(ctx, now, now.Add(7*24*time.Hour))
		if err != nil {
			t.Fatalf("select 7d: %v", err)
		}
		if len(week) != 2 {
			t.Fatalf("7d window returned %d grants, want 2", len(week))
		}

		day, err := st.GrantsExpiringBetween(ctx, now, now.Add(24*time.Hour))
		if err != nil {
			t.Fatalf("select 1d: %v", err)
		}
		if len(day) != 0 {
			t.Fatalf("1d window returned %d grants, want 0", len(day))
		}
	})
}

func TestPostsTodayCounter(t *testing.T) {
	t.Parallel()
	runDrivers(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		c := &model.DestinationConstraint{
			DestinationRef: "dest-1",
			ChatID:         -100200,
			MaxPerDay:      5,
			IsActive:       true,
		}
		if err := st.PutConstraint(ctx, c); err != nil {
			t.Fatalf("put: %v", err)
		}

		now := time.Now().UTC()
		for i := 0; i < 3; i++ {
			if err := st.IncPostsToday(ctx, "dest-1", now); err != nil {
				t.Fatalf("inc: %v", err)
			}
		}
		if err := st.DecPostsToday(ctx, "dest-1"); err != nil {
			t.Fatalf("dec: %v", err)
		}

		got, err := st.GetConstraint(ctx, "dest-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.PostsToday != 2 {
			t.Fatalf("postsToday = %d, want 2", got.PostsToday)
		}
		if got.LastSentAt.IsZero() {
			t.Fatal("lastSentAt not stamped")
		}

		// Dashboard upsert must not reset engine-owned counters.
		edit := *got
		edit.PostsToday = 0
		edit.MaxPerDay = 9
		if err := st.PutConstraint(ctx, &edit); err != nil {
			t.Fatalf("put edit: %v", err)
		}
		got, err = st.GetConstraint(ctx, "dest-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.PostsToday != 2 || got.MaxPerDay != 9 {
			t.Fatalf("after edit postsToday=%d maxPerDay=%d, want 2 and 9", got.PostsToday, got.MaxPerDay)
		}

		n, err := st.ResetDailyCounters(ctx)
		if err != nil {
			t.Fatalf("reset: %v", err)
		}
		if n != 1 {
			t.Fatalf("reset touched %d rows, want 1", n)
		}
		got, err = st.GetConstraint(ctx, "dest-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.PostsToday != 0 {
			t.Fatalf("postsToday after reset = %d, want 0", got.PostsToday)
		}
	})
}

func TestAuditAppendAndTail(t *testing.T) {
	t.Parallel()
	runDrivers(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			e := AuditEntry{
				At:       time.Now().UTC(),
				Actor:    "dispatcher",
				Action:   "delivery.send",
				Entity:   "delivery",
				EntityID: "d-" + string(rune('a'+i)),
				OK:       true,
			}
			if err := st.AppendAudit(ctx, e); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
		tail, err := st.AuditTail(ctx, 3)
		if err != nil {
			t.Fatalf("tail: %v", err)
		}
		if len(tail) != 3 {
			t.Fatalf("tail returned %d entries, want 3", len(tail))
		}
		if tail[0].EntityID != "d-e" {
			t.Fatalf("tail[0] = %s, want newest entry d-e", tail[0].EntityID)
		}
	})
}
