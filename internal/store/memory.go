package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"adpilot/internal/model"
)

// Memory is a process-local Store. It honors the same conditional-update
// semantics as the sqlite driver, so the atomic-claim contract holds for tests
// and dry runs too.
type Memory struct {
	mu sync.Mutex

	deliveries  map[string]*model.Delivery
	constraints map[string]*model.DestinationConstraint
	grants      map[string]*model.AccessGrant
	records     []*model.DeliveryRecord
	audit       []AuditEntry
}

func NewMemory() *Memory {
	return &Memory{
		deliveries:  map[string]*model.Delivery{},
		constraints: map[string]*model.DestinationConstraint{},
		grants:      map[string]*model.AccessGrant{},
	}
}

func (m *Memory) Close() error { return nil }

// ---- deliveries ----

func (m *Memory) PutDelivery(_ context.Context, d *model.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.UpdatedAt = time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = d.UpdatedAt
	}
	cp := *d
	m.deliveries[d.ID] = &cp
	return nil
}

func (m *Memory) GetDelivery(_ context.Context, id string) (*model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *Memory) ClaimDue(_ context.Context, limit int, now time.Time) ([]*model.Delivery, error) {
	if limit <= 0 {
		limit = 10
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*model.Delivery
	for _, d := range m.deliveries {
		if d.State == model.DeliveryPending && !d.ScheduledFor.After(now) {
			due = append(due, d)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].ScheduledFor.Before(due[j].ScheduledFor)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]*model.Delivery, 0, len(due))
	ts := time.Now().UTC()
	for _, d := range due {
		d.State = model.DeliveryQueued
		d.UpdatedAt = ts
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) UpdateDelivery(_ context.Context, d *model.Delivery, from model.DeliveryState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.deliveries[d.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.State != from {
		return ErrConflict
	}
	d.UpdatedAt = time.Now().UTC()
	cp := *d
	cp.CreatedAt = cur.CreatedAt
	m.deliveries[d.ID] = &cp
	return nil
}

func (m *Memory) CancelCampaign(_ context.Context, campaignRef string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	ts := time.Now().UTC()
	for _, d := range m.deliveries {
		if d.CampaignRef != campaignRef {
			continue
		}
		if d.State == model.DeliveryPending || d.State == model.DeliveryQueued {
			d.State = model.DeliveryCancelled
			d.UpdatedAt = ts
			n++
		}
	}
	return n, nil
}

func (m *Memory) RequeueStale(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	ts := time.Now().UTC()
	for _, d := range m.deliveries {
		if d.State != model.DeliveryQueued && d.State != model.DeliveryProcessing {
			continue
		}
		if d.UpdatedAt.After(olderThan) {
			continue
		}
		d.State = model.DeliveryPending
		d.UpdatedAt = ts
		n++
	}
	return n, nil
}

func (m *Memory) DeliveriesByCampaign(_ context.Context, campaignRef string) ([]*model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Delivery
	for _, d := range m.deliveries {
		if d.CampaignRef == campaignRef {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	return out, nil
}

// ---- destination constraints ----

func (m *Memory) PutConstraint(_ context.Context, c *model.DestinationConstraint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.constraints[c.DestinationRef]; ok {
		// counters are owned by the engine, not the dashboard
		c.PostsToday = cur.PostsToday
		c.LastSentAt = cur.LastSentAt
	}
	cp := *c
	m.constraints[c.DestinationRef] = &cp
	return nil
}

func (m *Memory) GetConstraint(_ context.Context, destinationRef string) (*model.DestinationConstraint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.constraints[destinationRef]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) IncPostsToday(_ context.Context, destinationRef string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.constraints[destinationRef]
	if !ok {
		return ErrNotFound
	}
	c.PostsToday++
	c.LastSentAt = now
	return nil
}

func (m *Memory) DecPostsToday(_ context.Context, destinationRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.constraints[destinationRef]
	if !ok {
		return nil
	}
	if c.PostsToday > 0 {
		c.PostsToday--
	}
	return nil
}

func (m *Memory) ResetDailyCounters(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.constraints {
		if c.PostsToday > 0 {
			c.PostsToday = 0
			n++
		}
	}
	return n, nil
}

// ---- access grants ----

func (m *Memory) PutGrant(_ context.Context, g *model.AccessGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g.UpdatedAt = time.Now().UTC()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = g.UpdatedAt
	}
	if cur, ok := m.grants[g.ID]; ok {
		// warning flags are monotonic
		g.Notified7d = g.Notified7d || cur.Notified7d
		g.Notified1d = g.Notified1d || cur.Notified1d
	}
	cp := *g
	cp.DeliveredRefs = append([]model.MessageRefs(nil), g.DeliveredRefs...)
	m.grants[g.ID] = &cp
	return nil
}

func (m *Memory) GetGrant(_ context.Context, id string) (*model.AccessGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyGrant(g), nil
}

func (m *Memory) GrantsExpiringBetween(_ context.Context, from, to time.Time) ([]*model.AccessGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.AccessGrant
	for _, g := range m.grants {
		if g.Status != model.GrantCompleted || g.AccessExpiresAt.IsZero() {
			continue
		}
		if g.AccessExpiresAt.After(from) && !g.AccessExpiresAt.After(to) {
			out = append(out, copyGrant(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccessExpiresAt.Before(out[j].AccessExpiresAt) })
	return out, nil
}

func (m *Memory) ExpiredGrants(_ context.Context, now time.Time, limit int) ([]*model.AccessGrant, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.AccessGrant
	for _, g := range m.grants {
		if g.Status != model.GrantCompleted || g.AccessExpiresAt.IsZero() {
			continue
		}
		if !g.AccessExpiresAt.After(now) {
			out = append(out, copyGrant(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccessExpiresAt.Before(out[j].AccessExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkGrantNotified(_ context.Context, id string, warning WarningKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[id]
	if !ok {
		return ErrNotFound
	}
	if warning == Warning1d {
		g.Notified1d = true
	} else {
		g.Notified7d = true
	}
	g.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) ExpireGrant(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[id]
	if !ok {
		return ErrNotFound
	}
	if g.Status != model.GrantCompleted {
		return ErrConflict
	}
	g.Status = model.GrantExpired
	g.DeliveredRefs = nil
	g.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) GrantsByHolder(_ context.Context, holderRef string) ([]*model.AccessGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.AccessGrant
	for _, g := range m.grants {
		if g.HolderRef == holderRef {
			out = append(out, copyGrant(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func copyGrant(g *model.AccessGrant) *model.AccessGrant {
	cp := *g
	cp.DeliveredRefs = append([]model.MessageRefs(nil), g.DeliveredRefs...)
	return &cp
}

// ---- delivery records ----

func (m *Memory) AppendRecord(_ context.Context, r *model.DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.records = append(m.records, &cp)
	return nil
}

func (m *Memory) RecordsForDelivery(_ context.Context, deliveryID string) ([]*model.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.DeliveryRecord
	for _, r := range m.records {
		if r.DeliveryID == deliveryID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ---- audit ----

func (m *Memory) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	return nil
}

func (m *Memory) AuditTail(_ context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.audit)
	if n > limit {
		n = limit
	}
	out := make([]AuditEntry, 0, n)
	for i := len(m.audit) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.audit[i])
	}
	return out, nil
}
