/*
Package sqlite provides a SQLite-backed implementation of the capacity storage interfaces.

PURPOSE:
  Implements capacity.TxStore (consolidations, bookings, outbox) and the
  subscription tier lookup used by the request quota. In production the
  same patterns apply to PostgreSQL with minor dialect differences.

INTERFACES IMPLEMENTED:
  capacity.Store:       Consolidation and booking persistence
  capacity.OutboxStore: Change-event outbox
  capacity.TxStore:     Transactions
  capacity.TierLookup:  Subscription tiers

ATOMIC LOAD UPDATES:
  The load is never written with a blind UPDATE. Every write is
    UPDATE consolidations SET ... WHERE id = ? AND version = ?
  and a lost race surfaces as capacity.ErrConcurrentModification.
  A CHECK constraint on the table refuses any row whose load is outside
  [0, total_capacity]; hitting it maps to *capacity.InvariantViolationError.

KEY TABLES:
  consolidations: Shared capacity pools, versioned
  bookings:       Reservations, cascade-deleted with their consolidation
  outbox:         Change events awaiting delivery, ordered by seq
  subscriptions:  Seeker subscription tiers

CONCURRENCY:
  No process-level mutex. Transactions open with BEGIN IMMEDIATE
  (_txlock=immediate) so writers queue on the database lock, honouring
  _busy_timeout. Every read inside WithTx goes through the transaction.

WAL MODE:
  File databases are opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/capacity.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := capacity.NewEngine(store, capacity.Options{})

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - capacity/store.go: Interface definitions
  - capacity/ledger.go: The only caller of UpdateConsolidation
  - capacity/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/capacity-engine/capacity"
)

// timeLayout is fixed width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const dsnParams = "_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	queries
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?"+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, queries: queries{q: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS consolidations (
		id TEXT PRIMARY KEY,
		initiator_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		mode TEXT NOT NULL,
		origin TEXT NOT NULL,
		destination TEXT NOT NULL,
		total_capacity TEXT NOT NULL,
		current_load TEXT NOT NULL,
		rate_per_unit TEXT,
		currency TEXT NOT NULL,
		departure_deadline TEXT NOT NULL,
		arrival_estimate TEXT,
		status TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CONSTRAINT load_within_capacity CHECK (
			CAST(current_load AS REAL) >= 0 AND
			CAST(current_load AS REAL) <= CAST(total_capacity AS REAL)
		)
	);

	CREATE INDEX IF NOT EXISTS idx_consolidations_route
		ON consolidations(origin, destination, mode);
	CREATE INDEX IF NOT EXISTS idx_consolidations_created
		ON consolidations(created_at, id);

	-- Quota counting (hot path on request creation)
	CREATE INDEX IF NOT EXISTS idx_consolidations_initiator_kind
		ON consolidations(initiator_id, kind, status);

	CREATE TABLE IF NOT EXISTS bookings (
		id TEXT PRIMARY KEY,
		consolidation_id TEXT NOT NULL REFERENCES consolidations(id) ON DELETE CASCADE,
		seeker_id TEXT NOT NULL,
		weight TEXT,
		volume TEXT,
		quantity TEXT NOT NULL,
		unit TEXT NOT NULL,
		cost_amount TEXT,
		cost_currency TEXT,
		cost_pending INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		released_at TEXT,
		settled_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_bookings_consolidation
		ON bookings(consolidation_id, created_at);

	CREATE TABLE IF NOT EXISTS outbox (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		consolidation_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL,
		delivered_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_pending
		ON outbox(seq) WHERE delivered_at IS NULL;

	CREATE TABLE IF NOT EXISTS subscriptions (
		seeker_id TEXT PRIMARY KEY,
		tier TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (capacity.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store capacity.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// queries holds every statement; it runs against the pool or a transaction.
type queries struct {
	q querier
}

// =============================================================================
// CONSOLIDATIONS
// =============================================================================

const consolidationColumns = `id, initiator_id, kind, mode, origin, destination,
	total_capacity, current_load, rate_per_unit, currency,
	departure_deadline, arrival_estimate, status, version, created_at, updated_at`

func (qs *queries) GetConsolidation(ctx context.Context, id capacity.ConsolidationID) (*capacity.Consolidation, error) {
	row := qs.q.QueryRowContext(ctx,
		`SELECT `+consolidationColumns+` FROM consolidations WHERE id = ?`, id)
	c, err := scanConsolidation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("consolidation %s: %w", id, capacity.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (qs *queries) InsertConsolidation(ctx context.Context, c capacity.Consolidation) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO consolidations (`+consolidationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.InitiatorID, c.Kind, c.Mode, c.Origin, c.Destination,
		c.TotalCapacity.String(), c.CurrentLoad.String(), nullDecimal(c.RatePerUnit), c.Currency,
		formatTime(c.DepartureDeadline), nullTime(c.ArrivalEstimate), c.Status.String(), c.Version,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		return mapWriteError(err, c)
	}
	return nil
}

// UpdateConsolidation writes c only if the stored version still equals
// expectedVersion.
func (qs *queries) UpdateConsolidation(ctx context.Context, c capacity.Consolidation, expectedVersion int64) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE consolidations
		SET total_capacity = ?, current_load = ?, rate_per_unit = ?, currency = ?,
		    departure_deadline = ?, arrival_estimate = ?, status = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		c.TotalCapacity.String(), c.CurrentLoad.String(), nullDecimal(c.RatePerUnit), c.Currency,
		formatTime(c.DepartureDeadline), nullTime(c.ArrivalEstimate), c.Status.String(), c.Version,
		formatTime(c.UpdatedAt),
		c.ID, expectedVersion,
	)
	if err != nil {
		return mapWriteError(err, c)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = qs.q.QueryRowContext(ctx, `SELECT 1 FROM consolidations WHERE id = ?`, c.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("consolidation %s: %w", c.ID, capacity.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return capacity.ErrConcurrentModification
}

func (qs *queries) DeleteConsolidation(ctx context.Context, id capacity.ConsolidationID) error {
	// Explicit delete keeps this correct even with foreign keys disabled.
	if _, err := qs.q.ExecContext(ctx, `DELETE FROM bookings WHERE consolidation_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete bookings: %w", err)
	}
	res, err := qs.q.ExecContext(ctx, `DELETE FROM consolidations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete consolidation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("consolidation %s: %w", id, capacity.ErrNotFound)
	}
	return nil
}

func (qs *queries) ListConsolidations(ctx context.Context, f capacity.Filter) ([]capacity.Consolidation, error) {
	var (
		where []string
		args  []any
	)
	if f.Origin != "" {
		where = append(where, "origin = ?")
		args = append(args, f.Origin)
	}
	if f.Destination != "" {
		where = append(where, "destination = ?")
		args = append(args, f.Destination)
	}
	if f.Mode != "" {
		where = append(where, "mode = ?")
		args = append(args, f.Mode)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}

	query := `SELECT ` + consolidationColumns + ` FROM consolidations`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query consolidations: %w", err)
	}
	defer rows.Close()

	var result []capacity.Consolidation
	for rows.Next() {
		c, err := scanConsolidation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (qs *queries) CountActiveRequests(ctx context.Context, initiator capacity.ParticipantID) (int, error) {
	var n int
	err := qs.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM consolidations
		WHERE initiator_id = ? AND kind = ? AND status NOT IN (?, ?)`,
		initiator, capacity.KindRequest,
		capacity.StatusCompleted.String(), capacity.StatusCancelled.String(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active requests: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConsolidation(sc scanner) (capacity.Consolidation, error) {
	var (
		c                    capacity.Consolidation
		total, load          string
		rate, arrival        sql.NullString
		deadline, status     string
		createdAt, updatedAt string
	)
	err := sc.Scan(
		&c.ID, &c.InitiatorID, &c.Kind, &c.Mode, &c.Origin, &c.Destination,
		&total, &load, &rate, &c.Currency,
		&deadline, &arrival, &status, &c.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, err
		}
		return c, fmt.Errorf("failed to scan consolidation: %w", err)
	}

	if c.TotalCapacity, err = decimal.NewFromString(total); err != nil {
		return c, fmt.Errorf("bad total_capacity for %s: %w", c.ID, err)
	}
	if c.CurrentLoad, err = decimal.NewFromString(load); err != nil {
		return c, fmt.Errorf("bad current_load for %s: %w", c.ID, err)
	}
	if c.RatePerUnit, err = parseNullDecimal(rate); err != nil {
		return c, fmt.Errorf("bad rate_per_unit for %s: %w", c.ID, err)
	}
	if c.Status, err = capacity.ParseStatus(status); err != nil {
		return c, err
	}
	c.DepartureDeadline = parseTime(deadline)
	c.ArrivalEstimate = parseNullTime(arrival)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return c, nil
}

// =============================================================================
// BOOKINGS
// =============================================================================

const bookingColumns = `id, consolidation_id, seeker_id, weight, volume, quantity, unit,
	cost_amount, cost_currency, cost_pending, state, created_at, updated_at, released_at, settled_at`

func (qs *queries) GetBooking(ctx context.Context, id capacity.BookingID) (*capacity.Booking, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("booking %s: %w", id, capacity.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (qs *queries) InsertBooking(ctx context.Context, b capacity.Booking) error {
	amount, currency := bookingCost(b.Cost)
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.ConsolidationID, b.SeekerID,
		nullDecimal(b.Cargo.Weight), nullDecimal(b.Cargo.Volume), b.Quantity.String(), b.Unit,
		amount, currency, b.Cost.Pending, b.State,
		formatTime(b.CreatedAt), formatTime(b.UpdatedAt), nullTime(b.ReleasedAt), nullTime(b.SettledAt),
	)
	if err != nil {
		if isConstraint(err, sqlite3.ErrConstraintForeignKey) {
			return fmt.Errorf("consolidation %s: %w", b.ConsolidationID, capacity.ErrNotFound)
		}
		return fmt.Errorf("failed to insert booking: %w", err)
	}
	return nil
}

func (qs *queries) UpdateBooking(ctx context.Context, b capacity.Booking) error {
	amount, currency := bookingCost(b.Cost)
	res, err := qs.q.ExecContext(ctx, `
		UPDATE bookings
		SET cost_amount = ?, cost_currency = ?, cost_pending = ?, state = ?,
		    updated_at = ?, released_at = ?, settled_at = ?
		WHERE id = ?`,
		amount, currency, b.Cost.Pending, b.State,
		formatTime(b.UpdatedAt), nullTime(b.ReleasedAt), nullTime(b.SettledAt),
		b.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update booking: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("booking %s: %w", b.ID, capacity.ErrNotFound)
	}
	return nil
}

func (qs *queries) ListBookings(ctx context.Context, id capacity.ConsolidationID) ([]capacity.Booking, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE consolidation_id = ?
		ORDER BY created_at ASC, rowid ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query bookings: %w", err)
	}
	defer rows.Close()

	var result []capacity.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func scanBooking(sc scanner) (capacity.Booking, error) {
	var (
		b                     capacity.Booking
		weight, volume        sql.NullString
		quantity              string
		amount, currency      sql.NullString
		createdAt, updatedAt  string
		releasedAt, settledAt sql.NullString
	)
	err := sc.Scan(
		&b.ID, &b.ConsolidationID, &b.SeekerID, &weight, &volume, &quantity, &b.Unit,
		&amount, &currency, &b.Cost.Pending, &b.State,
		&createdAt, &updatedAt, &releasedAt, &settledAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return b, err
		}
		return b, fmt.Errorf("failed to scan booking: %w", err)
	}

	if b.Cargo.Weight, err = parseNullDecimal(weight); err != nil {
		return b, fmt.Errorf("bad weight for booking %s: %w", b.ID, err)
	}
	if b.Cargo.Volume, err = parseNullDecimal(volume); err != nil {
		return b, fmt.Errorf("bad volume for booking %s: %w", b.ID, err)
	}
	if b.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return b, fmt.Errorf("bad quantity for booking %s: %w", b.ID, err)
	}
	if amount.Valid {
		if b.Cost.Amount, err = decimal.NewFromString(amount.String); err != nil {
			return b, fmt.Errorf("bad cost for booking %s: %w", b.ID, err)
		}
	}
	b.Cost.Currency = currency.String
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	b.ReleasedAt = parseNullTime(releasedAt)
	b.SettledAt = parseNullTime(settledAt)
	return b, nil
}

func bookingCost(c capacity.Cost) (sql.NullString, sql.NullString) {
	if c.Pending {
		return sql.NullString{}, sql.NullString{}
	}
	return sql.NullString{String: c.Amount.String(), Valid: true}, nullString(c.Currency)
}

// =============================================================================
// OUTBOX (capacity.OutboxStore interface)
// =============================================================================

func (qs *queries) AppendOutbox(ctx context.Context, e capacity.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	_, err = qs.q.ExecContext(ctx,
		`INSERT INTO outbox (consolidation_id, payload, created_at) VALUES (?, ?, ?)`,
		e.ConsolidationID, string(payload), formatTime(e.At))
	if err != nil {
		return fmt.Errorf("failed to append outbox: %w", err)
	}
	return nil
}

// PendingEvents returns undelivered events in commit order.
func (qs *queries) PendingEvents(ctx context.Context, limit int) ([]capacity.OutboxEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := qs.q.QueryContext(ctx, `
		SELECT seq, payload FROM outbox
		WHERE delivered_at IS NULL
		ORDER BY seq ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var result []capacity.OutboxEvent
	for rows.Next() {
		var (
			oe      capacity.OutboxEvent
			payload string
		)
		if err := rows.Scan(&oe.Seq, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &oe.Event); err != nil {
			return nil, fmt.Errorf("failed to decode outbox event %d: %w", oe.Seq, err)
		}
		result = append(result, oe)
	}
	return result, rows.Err()
}

func (qs *queries) MarkDelivered(ctx context.Context, seqs []int64, at time.Time) error {
	if len(seqs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(seqs)), ",")
	args := make([]any, 0, len(seqs)+1)
	args = append(args, formatTime(at))
	for _, s := range seqs {
		args = append(args, s)
	}
	_, err := qs.q.ExecContext(ctx,
		`UPDATE outbox SET delivered_at = ? WHERE delivered_at IS NULL AND seq IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return fmt.Errorf("failed to mark outbox delivered: %w", err)
	}
	return nil
}

// OutboxBacklog returns how many events are still undelivered.
func (s *Store) OutboxBacklog(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE delivered_at IS NULL`).Scan(&n)
	return n, err
}

// =============================================================================
// SUBSCRIPTIONS (capacity.TierLookup interface)
// =============================================================================

// Subscription is a seeker's recorded tier.
type Subscription struct {
	SeekerID  capacity.ParticipantID
	Tier      string
	UpdatedAt time.Time
}

// SetTier records a seeker's subscription tier as of at.
func (s *Store) SetTier(ctx context.Context, seeker capacity.ParticipantID, tier string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (seeker_id, tier, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(seeker_id) DO UPDATE SET tier = excluded.tier, updated_at = excluded.updated_at`,
		seeker, tier, formatTime(at))
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

// Subscription returns the seeker's subscription. A seeker with none on
// record gets a zero Subscription with an empty Tier.
func (s *Store) Subscription(ctx context.Context, seeker capacity.ParticipantID) (Subscription, error) {
	sub := Subscription{SeekerID: seeker}
	var updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT tier, updated_at FROM subscriptions WHERE seeker_id = ?`, seeker).Scan(&sub.Tier, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return sub, nil
	}
	if err != nil {
		return Subscription{}, fmt.Errorf("failed to load subscription: %w", err)
	}
	sub.UpdatedAt = parseTime(updatedAt)
	return sub, nil
}

// TierOf returns the seeker's tier, or "" when none is on record.
func (s *Store) TierOf(ctx context.Context, seeker capacity.ParticipantID) (string, error) {
	sub, err := s.Subscription(ctx, seeker)
	return sub.Tier, err
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	tables := []string{"bookings", "outbox", "consolidations", "subscriptions"}
	for _, table := range tables {
		if _, err := sqlTx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return sqlTx.Commit()
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDecimal(s sql.NullString) (*decimal.Decimal, error) {
	if !s.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isConstraint(err error, code sqlite3.ErrNoExtended) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == code
}

// mapWriteError translates constraint failures on consolidations.
func mapWriteError(err error, c capacity.Consolidation) error {
	switch {
	case isConstraint(err, sqlite3.ErrConstraintCheck):
		return &capacity.InvariantViolationError{
			ConsolidationID: c.ID,
			Load:            c.CurrentLoad,
			Capacity:        c.TotalCapacity,
		}
	case isConstraint(err, sqlite3.ErrConstraintPrimaryKey), isConstraint(err, sqlite3.ErrConstraintUnique):
		return fmt.Errorf("consolidation %s already exists", c.ID)
	}
	return fmt.Errorf("failed to write consolidation: %w", err)
}
