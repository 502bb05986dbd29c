package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"adpilot/internal/model"
	logx "adpilot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if dir := filepath.Dir(path); dir != "." && !strings.HasPrefix(path, ":") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers; serializing through
	// one connection is also what makes ClaimDue a true single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- deliveries ----

const deliveryCols = `id, campaign_ref, creative_ref, destination_ref, category, content,
 scheduled_for, mode, state, priority, attempts, last_error, sent_at, external_message_id,
 thread_id, created_at, updated_at`

func (s *sqliteStore) PutDelivery(ctx context.Context, d *model.Delivery) error {
	d.UpdatedAt = time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = d.UpdatedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(`+deliveryCols+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   scheduled_for=excluded.scheduled_for, mode=excluded.mode, state=excluded.state,
		   priority=excluded.priority, attempts=excluded.attempts, last_error=excluded.last_error,
		   sent_at=excluded.sent_at, external_message_id=excluded.external_message_id,
		   updated_at=excluded.updated_at`,
		d.ID, d.CampaignRef, d.CreativeRef, d.DestinationRef, d.Category, d.Content,
		d.ScheduledFor.UnixMilli(), string(d.Mode), string(d.State), d.Priority, d.Attempts,
		nullStr(d.LastError), nullTime(d.SentAt), nullStr(d.ExternalMessageID),
		d.ThreadID, d.CreatedAt.UnixMilli(), d.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetDelivery(ctx context.Context, id string) (*model.Delivery, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deliveryCols+` FROM deliveries WHERE id = ?`, id)
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (s *sqliteStore) ClaimDue(ctx context.Context, limit int, now time.Time) ([]*model.Delivery, error) {
	if limit <= 0 {
		limit = 10
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+deliveryCols+` FROM deliveries
		 WHERE state = ? AND scheduled_for <= ?
		 ORDER BY priority DESC, scheduled_for ASC
		 LIMIT ?`,
		string(model.DeliveryPending), now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, err
	}
	var claimed []*model.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ts := time.Now().UTC().UnixMilli()
	for _, d := range claimed {
		res, err := tx.ExecContext(ctx,
			`UPDATE deliveries SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
			string(model.DeliveryQueued), ts, d.ID, string(model.DeliveryPending),
		)
		if err != nil {
			return nil, err
		}
		// Claimed rows are selected inside the same transaction, so this can
		// only miss if the row vanished; treat that as a lost claim.
		if n, _ := res.RowsAffected(); n == 1 {
			d.State = model.DeliveryQueued
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	out := claimed[:0]
	for _, d := range claimed {
		if d.State == model.DeliveryQueued {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *sqliteStore) UpdateDelivery(ctx context.Context, d *model.Delivery, from model.DeliveryState) error {
	d.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET
		   scheduled_for=?, mode=?, state=?, priority=?, attempts=?, last_error=?,
		   sent_at=?, external_message_id=?, updated_at=?
		 WHERE id = ? AND state = ?`,
		d.ScheduledFor.UnixMilli(), string(d.Mode), string(d.State), d.Priority, d.Attempts,
		nullStr(d.LastError), nullTime(d.SentAt), nullStr(d.ExternalMessageID),
		d.UpdatedAt.UnixMilli(), d.ID, string(from),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *sqliteStore) CancelCampaign(ctx context.Context, campaignRef string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET state = ?, updated_at = ?
		 WHERE campaign_ref = ? AND state IN (?, ?)`,
		string(model.DeliveryCancelled), time.Now().UTC().UnixMilli(),
		campaignRef, string(model.DeliveryPending), string(model.DeliveryQueued),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) RequeueStale(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET state = ?, updated_at = ?
		 WHERE state IN (?, ?) AND updated_at <= ?`,
		string(model.DeliveryPending), time.Now().UTC().UnixMilli(),
		string(model.DeliveryQueued), string(model.DeliveryProcessing),
		olderThan.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) DeliveriesByCampaign(ctx context.Context, campaignRef string) ([]*model.Delivery, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliveryCols+` FROM deliveries WHERE campaign_ref = ? ORDER BY scheduled_for ASC`,
		campaignRef,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDelivery(r rowScanner) (*model.Delivery, error) {
	var d model.Delivery
	var mode, state string
	var scheduled, created, updated int64
	var lastErr, extID sql.NullString
	var sentAt sql.NullInt64
	err := r.Scan(&d.ID, &d.CampaignRef, &d.CreativeRef, &d.DestinationRef, &d.Category,
		&d.Content, &scheduled, &mode, &state, &d.Priority, &d.Attempts, &lastErr,
		&sentAt, &extID, &d.ThreadID, &created, &updated)
	if err != nil {
		return nil, err
	}
	d.Mode = model.ScheduleMode(mode)
	d.State = model.DeliveryState(state)
	d.ScheduledFor = time.UnixMilli(scheduled).UTC()
	d.CreatedAt = time.UnixMilli(created).UTC()
	d.UpdatedAt = time.UnixMilli(updated).UTC()
	d.LastError = lastErr.String
	d.ExternalMessageID = extID.String
	if sentAt.Valid {
		d.SentAt = time.UnixMilli(sentAt.Int64).UTC()
	}
	return &d, nil
}

// ---- destination constraints ----

func (s *sqliteStore) PutConstraint(ctx context.Context, c *model.DestinationConstraint) error {
	cats, err := json.Marshal(c.AllowedCategories)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO destination_constraints(destination_ref, chat_id, thread_id, max_per_day,
		   cooldown_minutes, allowed_categories, is_active, posts_today, last_sent_at)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(destination_ref) DO UPDATE SET
		   chat_id=excluded.chat_id, thread_id=excluded.thread_id,
		   max_per_day=excluded.max_per_day, cooldown_minutes=excluded.cooldown_minutes,
		   allowed_categories=excluded.allowed_categories, is_active=excluded.is_active`,
		c.DestinationRef, c.ChatID, c.ThreadID, c.MaxPerDay, c.CooldownMinutes,
		string(cats), boolInt(c.IsActive), c.PostsToday, nullTime(c.LastSentAt),
	)
	return err
}

func (s *sqliteStore) GetConstraint(ctx context.Context, destinationRef string) (*model.DestinationConstraint, error) {
	var c model.DestinationConstraint
	var cats string
	var active int
	var lastSent sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT destination_ref, chat_id, thread_id, max_per_day, cooldown_minutes,
		   allowed_categories, is_active, posts_today, last_sent_at
		 FROM destination_constraints WHERE destination_ref = ?`, destinationRef,
	).Scan(&c.DestinationRef, &c.ChatID, &c.ThreadID, &c.MaxPerDay, &c.CooldownMinutes,
		&cats, &active, &c.PostsToday, &lastSent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.IsActive = active != 0
	if lastSent.Valid {
		c.LastSentAt = time.UnixMilli(lastSent.Int64).UTC()
	}
	if err := json.Unmarshal([]byte(cats), &c.AllowedCategories); err != nil {
		return nil, fmt.Errorf("decode allowed_categories for %s: %w", destinationRef, err)
	}
	return &c, nil
}

func (s *sqliteStore) IncPostsToday(ctx context.Context, destinationRef string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE destination_constraints SET posts_today = posts_today + 1, last_sent_at = ?
		 WHERE destination_ref = ?`,
		now.UnixMilli(), destinationRef,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) DecPostsToday(ctx context.Context, destinationRef string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE destination_constraints SET posts_today = MAX(posts_today - 1, 0)
		 WHERE destination_ref = ?`,
		destinationRef,
	)
	return err
}

func (s *sqliteStore) ResetDailyCounters(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE destination_constraints SET posts_today = 0 WHERE posts_today > 0`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ---- access grants ----

const grantCols = `id, holder_ref, product_ref, holder_chat_id, status, access_expires_at,
 delivered_refs, notified_7d, notified_1d, created_at, updated_at`

func (s *sqliteStore) PutGrant(ctx context.Context, g *model.AccessGrant) error {
	refs, err := json.Marshal(g.DeliveredRefs)
	if err != nil {
		return err
	}
	g.UpdatedAt = time.Now().UTC()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = g.UpdatedAt
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO access_grants(`+grantCols+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, access_expires_at=excluded.access_expires_at,
		   delivered_refs=excluded.delivered_refs,
		   notified_7d=MAX(notified_7d, excluded.notified_7d),
		   notified_1d=MAX(notified_1d, excluded.notified_1d),
		   updated_at=excluded.updated_at`,
		g.ID, g.HolderRef, g.ProductRef, g.HolderChatID, string(g.Status),
		nullTime(g.AccessExpiresAt), string(refs), boolInt(g.Notified7d), boolInt(g.Notified1d),
		g.CreatedAt.UnixMilli(), g.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetGrant(ctx context.Context, id string) (*model.AccessGrant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+grantCols+` FROM access_grants WHERE id = ?`, id)
	g, err := scanGrant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return g, err
}

func (s *sqliteStore) GrantsExpiringBetween(ctx context.Context, from, to time.Time) ([]*model.AccessGrant, error) {
	return s.queryGrants(ctx,
		`SELECT `+grantCols+` FROM access_grants
		 WHERE status = ? AND access_expires_at > ? AND access_expires_at <= ?
		 ORDER BY access_expires_at ASC`,
		string(model.GrantCompleted), from.UnixMilli(), to.UnixMilli(),
	)
}

func (s *sqliteStore) ExpiredGrants(ctx context.Context, now time.Time, limit int) ([]*model.AccessGrant, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryGrants(ctx,
		`SELECT `+grantCols+` FROM access_grants
		 WHERE status = ? AND access_expires_at IS NOT NULL AND access_expires_at <= ?
		 ORDER BY access_expires_at ASC LIMIT ?`,
		string(model.GrantCompleted), now.UnixMilli(), limit,
	)
}

func (s *sqliteStore) MarkGrantNotified(ctx context.Context, id string, warning WarningKind) error {
	col := "notified_7d"
	if warning == Warning1d {
		col = "notified_1d"
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE access_grants SET `+col+` = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC().UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ExpireGrant(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE access_grants SET status = ?, delivered_refs = '[]', updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.GrantExpired), time.Now().UTC().UnixMilli(),
		id, string(model.GrantCompleted),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *sqliteStore) GrantsByHolder(ctx context.Context, holderRef string) ([]*model.AccessGrant, error) {
	return s.queryGrants(ctx,
		`SELECT `+grantCols+` FROM access_grants WHERE holder_ref = ? ORDER BY created_at DESC`,
		holderRef,
	)
}

func (s *sqliteStore) queryGrants(ctx context.Context, q string, args ...any) ([]*model.AccessGrant, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.AccessGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func scanGrant(r rowScanner) (*model.AccessGrant, error) {
	var g model.AccessGrant
	var status, refs string
	var expires sql.NullInt64
	var n7, n1 int
	var created, updated int64
	err := r.Scan(&g.ID, &g.HolderRef, &g.ProductRef, &g.HolderChatID, &status, &expires,
		&refs, &n7, &n1, &created, &updated)
	if err != nil {
		return nil, err
	}
	g.Status = model.GrantStatus(status)
	if expires.Valid {
		g.AccessExpiresAt = time.UnixMilli(expires.Int64).UTC()
	}
	g.Notified7d = n7 != 0
	g.Notified1d = n1 != 0
	g.CreatedAt = time.UnixMilli(created).UTC()
	g.UpdatedAt = time.UnixMilli(updated).UTC()
	if err := json.Unmarshal([]byte(refs), &g.DeliveredRefs); err != nil {
		return nil, fmt.Errorf("decode delivered_refs for %s: %w", g.ID, err)
	}
	return &g, nil
}

// ---- delivery records ----

func (s *sqliteStore) AppendRecord(ctx context.Context, r *model.DeliveryRecord) error {
	metrics, err := json.Marshal(r.Metrics)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO delivery_records(id, delivery_id, destination_ref, external_message_id,
		   sent_at, processing_ms, metrics)
		 VALUES(?,?,?,?,?,?,?)`,
		r.ID, r.DeliveryID, r.DestinationRef, r.ExternalMessageID,
		r.SentAt.UnixMilli(), r.ProcessingDurationMS, string(metrics),
	)
	return err
}

func (s *sqliteStore) RecordsForDelivery(ctx context.Context, deliveryID string) ([]*model.DeliveryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, delivery_id, destination_ref, external_message_id, sent_at, processing_ms, metrics
		 FROM delivery_records WHERE delivery_id = ? ORDER BY sent_at ASC`,
		deliveryID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.DeliveryRecord
	for rows.Next() {
		var r model.DeliveryRecord
		var sentAt int64
		var metrics string
		if err := rows.Scan(&r.ID, &r.DeliveryID, &r.DestinationRef, &r.ExternalMessageID,
			&sentAt, &r.ProcessingDurationMS, &metrics); err != nil {
			return nil, err
		}
		r.SentAt = time.UnixMilli(sentAt).UTC()
		if err := json.Unmarshal([]byte(metrics), &r.Metrics); err != nil {
			return nil, fmt.Errorf("decode metrics for %s: %w", r.ID, err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ---- audit ----

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, action, entity, entity_id, ok, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.Actor, e.Action, e.Entity, e.EntityID,
		boolInt(e.OK), nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

func (s *sqliteStore) AuditTail(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, actor, action, entity, entity_id, ok, err, took_ms, meta
		 FROM audit ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var at string
		var ok int
		var errStr, meta sql.NullString
		if err := rows.Scan(&at, &e.Actor, &e.Action, &e.Entity, &e.EntityID, &ok, &errStr, &e.TookMS, &meta); err != nil {
			return nil, err
		}
		if t, perr := time.Parse(time.RFC3339Nano, at); perr == nil {
			e.At = t
		}
		e.OK = ok != 0
		e.Error = errStr.String
		e.MetaJSON = meta.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- helpers ----

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
