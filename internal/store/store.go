package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"adpilot/internal/model"
	logx "adpilot/pkg/logx"
)

var (
	// ErrNotFound is returned when the requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by conditional updates when the expected current
	// state no longer matches (someone else won the race).
	ErrConflict = errors.New("state conflict")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (durable, the production driver)
//   - "memory": process-local store (tests, dry runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one mutating engine action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time
	Actor    string
	Action   string
	Entity   string
	EntityID string
	OK       bool
	Error    string
	TookMS   int64
	MetaJSON string
}

// Deliveries is the durable queue surface. ClaimDue and UpdateDelivery are the
// serialization points: both are single atomic conditional writes.
type Deliveries interface {
	PutDelivery(ctx context.Context, d *model.Delivery) error
	GetDelivery(ctx context.Context, id string) (*model.Delivery, error)

	// ClaimDue atomically moves up to limit due pending deliveries to queued and
	// returns them ordered by (priority desc, scheduledFor asc). No two callers
	// ever receive the same delivery.
	ClaimDue(ctx context.Context, limit int, now time.Time) ([]*model.Delivery, error)

	// UpdateDelivery writes d conditionally on the stored state still being
	// `from`. Returns ErrConflict if the condition fails.
	UpdateDelivery(ctx context.Context, d *model.Delivery, from model.DeliveryState) error

	// CancelCampaign marks every pending/queued delivery of the campaign
	// cancelled and reports how many rows changed. Processing deliveries are
	// left alone so an in-flight send is never raced.
	CancelCampaign(ctx context.Context, campaignRef string) (int, error)

	// RequeueStale returns abandoned claims to pending: queued/processing
	// rows last touched at or before olderThan. Without it, a crash or
	// shutdown between claim and completion strands the delivery outside
	// ClaimDue's reach forever. Reports how many rows flipped.
	RequeueStale(ctx context.Context, olderThan time.Time) (int, error)

	DeliveriesByCampaign(ctx context.Context, campaignRef string) ([]*model.Delivery, error)
}

// Constraints is the per-destination rule surface. The counters are store-level
// atomic updates, never read-modify-write in worker memory.
type Constraints interface {
	PutConstraint(ctx context.Context, c *model.DestinationConstraint) error
	GetConstraint(ctx context.Context, destinationRef string) (*model.DestinationConstraint, error)

	// IncPostsToday bumps the daily counter and stamps lastSentAt.
	IncPostsToday(ctx context.Context, destinationRef string, now time.Time) error
	// DecPostsToday undoes an optimistic increment after a permanent failure.
	DecPostsToday(ctx context.Context, destinationRef string) error
	// ResetDailyCounters zeroes posts_today everywhere (UTC day boundary sweep).
	ResetDailyCounters(ctx context.Context) (int, error)
}

type Grants interface {
	PutGrant(ctx context.Context, g *model.AccessGrant) error
	GetGrant(ctx context.Context, id string) (*model.AccessGrant, error)

	// GrantsExpiringBetween returns completed grants with accessExpiresAt in
	// (from, to].
	GrantsExpiringBetween(ctx context.Context, from, to time.Time) ([]*model.AccessGrant, error)
	// ExpiredGrants returns completed grants whose access has lapsed at now.
	ExpiredGrants(ctx context.Context, now time.Time, limit int) ([]*model.AccessGrant, error)

	// MarkGrantNotified flips a warning flag. Flags are monotonic; flipping an
	// already-set flag is a no-op.
	MarkGrantNotified(ctx context.Context, id string, warning WarningKind) error
	// ExpireGrant sets status=expired and clears delivered refs, conditional on
	// the grant still being completed. Returns ErrConflict otherwise.
	ExpireGrant(ctx context.Context, id string) error

	GrantsByHolder(ctx context.Context, holderRef string) ([]*model.AccessGrant, error)
}

type WarningKind int

const (
	Warning7d WarningKind = iota
	Warning1d
)

type Records interface {
	AppendRecord(ctx context.Context, r *model.DeliveryRecord) error
	RecordsForDelivery(ctx context.Context, deliveryID string) ([]*model.DeliveryRecord, error)
}

type Audit interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	AuditTail(ctx context.Context, limit int) ([]AuditEntry, error)
}

// Store is the full persistence API used by the engine.
type Store interface {
	Deliveries
	Constraints
	Grants
	Records
	Audit
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
