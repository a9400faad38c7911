package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"vessel_ingest/models"
)

// timeLayout is how the sqlite dialect stores timestamps. The fixed width
// keeps lexical and chronological order identical.
const timeLayout = "2006-01-02T15:04:05.000000Z"

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type dialect struct {
	name      string
	numbered  bool
	textTime  bool
	claimLock string
}

var (
	postgresDialect = &dialect{name: "postgres", numbered: true, claimLock: "FOR UPDATE SKIP LOCKED"}
	sqliteDialect   = &dialect{name: "sqlite", textTime: true}
)

// bind rewrites ? placeholders to $n for dialects that number them.
func (d *dialect) bind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (d *dialect) t(t time.Time) any {
	t = t.UTC()
	if d.textTime {
		return t.Format(timeLayout)
	}
	return t
}

func (d *dialect) nt(t *time.Time) any {
	if t == nil {
		return nil
	}
	return d.t(*t)
}

type timeScan struct{ dst *time.Time }

func (s timeScan) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*s.dst = time.Time{}
	case time.Time:
		*s.dst = v.UTC()
	case string:
		return parseTimeInto(s.dst, v)
	case []byte:
		return parseTimeInto(s.dst, string(v))
	default:
		return fmt.Errorf("cannot scan %T into time", src)
	}
	return nil
}

type nullTimeScan struct{ dst **time.Time }

func (s nullTimeScan) Scan(src any) error {
	if src == nil {
		*s.dst = nil
		return nil
	}
	var t time.Time
	if err := (timeScan{&t}).Scan(src); err != nil {
		return err
	}
	*s.dst = &t
	return nil
}

func parseTimeInto(dst *time.Time, v string) error {
	for _, layout := range []string{timeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			*dst = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognized time %q", v)
}

func jsonArg(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func marshalArg(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

type conds struct {
	parts []string
	args  []any
}

func (c *conds) add(expr string, args ...any) {
	c.parts = append(c.parts, expr)
	c.args = append(c.args, args...)
}

func (c *conds) where() string {
	if len(c.parts) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(c.parts, " AND ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func uuidArgs(ids []uuid.UUID) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// sqlStore implements Store over database/sql for both dialects.
type sqlStore struct {
	db      *sql.DB
	q       querier
	d       *dialect
	inTx    bool
	closeFn func() error
}

func newSQLStore(db *sql.DB, d *dialect, closeFn func() error) *sqlStore {
	return &sqlStore{db: db, q: db, d: d, closeFn: closeFn}
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.q.ExecContext(ctx, s.d.bind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.q.QueryContext(ctx, s.d.bind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.d.bind(query), args...)
}

func (s *sqlStore) Close() error {
	if s.closeFn != nil {
		return s.closeFn()
	}
	return s.db.Close()
}

func (s *sqlStore) InTx(ctx context.Context, fn func(Store) error) (err error) {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	txStore := &sqlStore{db: s.db, q: tx, d: s.d, inTx: true}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(txStore); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// =============================================================================
// Runs
// =============================================================================

const runCols = `id, source, run_type, mode, status, started_at, finished_at, counters, error_message, metadata`

func scanRun(sc scanner) (*models.Run, error) {
	var r models.Run
	var counters, metadata []byte
	if err := sc.Scan(&r.ID, &r.Source, &r.RunType, &r.Mode, &r.Status,
		timeScan{&r.StartedAt}, nullTimeScan{&r.FinishedAt}, &counters, &r.ErrorMessage, &metadata); err != nil {
		return nil, err
	}
	if len(counters) > 0 {
		if err := json.Unmarshal(counters, &r.Counters); err != nil {
			return nil, fmt.Errorf("decode counters: %w", err)
		}
	}
	if len(metadata) > 0 {
		r.Metadata = json.RawMessage(metadata)
	}
	return &r, nil
}

func (s *sqlStore) CreateRun(ctx context.Context, r *models.Run) error {
	_, err := s.exec(ctx, `INSERT INTO runs (`+runCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Source, string(r.RunType), string(r.Mode), string(r.Status),
		s.d.t(r.StartedAt), s.d.nt(r.FinishedAt), string(r.Counters.ToJSON()), r.ErrorMessage, jsonArg(r.Metadata),
	)
	return err
}

func (s *sqlStore) FinishRun(ctx context.Context, r *models.Run) error {
	res, err := s.exec(ctx, `
		UPDATE runs SET status = ?, finished_at = ?, counters = ?, error_message = ?, metadata = ?
		WHERE id = ? AND status = 'running'`,
		string(r.Status), s.d.nt(r.FinishedAt), string(r.Counters.ToJSON()), r.ErrorMessage, jsonArg(r.Metadata), r.ID,
	)
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRunFinalized
	}
	return nil
}

func (s *sqlStore) GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	r, err := scanRun(s.queryRow(ctx, `SELECT `+runCols+` FROM runs WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return r, nil
}

func (s *sqlStore) RecentRuns(ctx context.Context, f RunFilter) ([]models.Run, error) {
	var c conds
	if f.Source != "" {
		c.add("source = ?", f.Source)
	}
	if f.RunType != "" {
		c.add("run_type = ?", string(f.RunType))
	}
	if f.FinishedOnly {
		c.add("status <> 'running'")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.query(ctx, `SELECT `+runCols+` FROM runs`+c.where()+` ORDER BY started_at DESC LIMIT ?`,
		append(c.args, limit)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// =============================================================================
// Staging
// =============================================================================

const listingCols = `source, source_id, name, type, dimensions, tonnage, build_year, price, currency, url, image_url, is_sold, fingerprint`

func listingArgs(r models.ListingRow) []any {
	return []any{r.Source, r.SourceID, r.Name, r.Type, r.Dimensions, r.Tonnage, r.BuildYear,
		r.Price, r.Currency, r.URL, r.ImageURL, r.IsSold, r.Fingerprint}
}

func listingDest(r *models.ListingRow) []any {
	return []any{&r.Source, &r.SourceID, &r.Name, &r.Type, &r.Dimensions, &r.Tonnage, &r.BuildYear,
		&r.Price, &r.Currency, &r.URL, &r.ImageURL, &r.IsSold, &r.Fingerprint}
}

const listingUpdateSet = `name = excluded.name, type = excluded.type, dimensions = excluded.dimensions,
	tonnage = excluded.tonnage, build_year = excluded.build_year, price = excluded.price,
	currency = excluded.currency, url = excluded.url, image_url = excluded.image_url,
	is_sold = excluded.is_sold, fingerprint = excluded.fingerprint, staged_at = excluded.staged_at`

func (s *sqlStore) InsertListingRows(ctx context.Context, runID uuid.UUID, rows []models.ListingRow, at time.Time) error {
	return s.InTx(ctx, func(st Store) error {
		tx := st.(*sqlStore)
		for _, r := range rows {
			args := append([]any{runID}, listingArgs(r)...)
			args = append(args, tx.d.t(at))
			if _, err := tx.exec(ctx, `
				INSERT INTO staged_listings (run_id, `+listingCols+`, staged_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (run_id, source, source_id) DO UPDATE SET `+listingUpdateSet,
				args...); err != nil {
				return fmt.Errorf("stage %s/%s: %w", r.Source, r.SourceID, err)
			}
		}
		return nil
	})
}

func (s *sqlStore) InsertVesselPayloads(ctx context.Context, runID uuid.UUID, payloads []models.VesselPayload, at time.Time) error {
	return s.InTx(ctx, func(st Store) error {
		tx := st.(*sqlStore)
		for _, p := range payloads {
			images, err := marshalArg(nonNilImages(p.Images))
			if err != nil {
				return err
			}
			args := append([]any{runID}, listingArgs(p.ListingRow)...)
			args = append(args, jsonArg(p.Detail), images, p.CanonicalFingerprint, tx.d.t(at))
			if _, err := tx.exec(ctx, `
				INSERT INTO staged_vessels (run_id, `+listingCols+`, detail, images, canonical_fingerprint, staged_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (run_id, source, source_id) DO UPDATE SET `+listingUpdateSet+`,
					detail = excluded.detail, images = excluded.images,
					canonical_fingerprint = excluded.canonical_fingerprint`,
				args...); err != nil {
				return fmt.Errorf("stage vessel %s/%s: %w", p.Source, p.SourceID, err)
			}
		}
		return nil
	})
}

func (s *sqlStore) StagedListings(ctx context.Context, runID uuid.UUID, source string) ([]models.StagedListing, error) {
	rows, err := s.query(ctx, `
		SELECT run_id, `+listingCols+`, staged_at FROM staged_listings
		WHERE run_id = ? AND source = ? ORDER BY source_id`, runID, source)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.StagedListing
	for rows.Next() {
		var sl models.StagedListing
		dest := append([]any{&sl.RunID}, listingDest(&sl.ListingRow)...)
		dest = append(dest, timeScan{&sl.StagedAt})
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		out = append(out, sl)
	}
	return out, rows.Err()
}

func (s *sqlStore) StagedVessels(ctx context.Context, runID uuid.UUID, source string) ([]models.StagedVessel, error) {
	rows, err := s.query(ctx, `
		SELECT run_id, `+listingCols+`, detail, images, canonical_fingerprint, staged_at FROM staged_vessels
		WHERE run_id = ? AND source = ? ORDER BY source_id`, runID, source)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.StagedVessel
	for rows.Next() {
		var sv models.StagedVessel
		var detail, images []byte
		dest := append([]any{&sv.RunID}, listingDest(&sv.ListingRow)...)
		dest = append(dest, &detail, &images, &sv.CanonicalFingerprint, timeScan{&sv.StagedAt})
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		if len(detail) > 0 {
			sv.Detail = json.RawMessage(detail)
		}
		if err := decodeImages(images, &sv.Images); err != nil {
			return nil, err
		}
		out = append(out, sv)
	}
	return out, rows.Err()
}

func nonNilImages(images []string) []string {
	if images == nil {
		return []string{}
	}
	return images
}

func decodeImages(raw []byte, dst *[]string) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode images: %w", err)
	}
	if len(*dst) == 0 {
		*dst = nil
	}
	return nil
}

// =============================================================================
// Vessels
// =============================================================================

const vesselCols = `source, source_id, name, type, dimensions, tonnage, build_year, price, currency,
	url, image_url, status, consecutive_misses, last_miss_run_id, listing_fingerprint,
	canonical_fingerprint, detail, images, last_run_id, first_seen_at, last_seen_at, updated_at,
	sold_at, removed_at`

func scanVessel(sc scanner) (*models.Vessel, error) {
	var v models.Vessel
	var detail, images []byte
	if err := sc.Scan(&v.Source, &v.SourceID, &v.Name, &v.Type, &v.Dimensions, &v.Tonnage, &v.BuildYear,
		&v.Price, &v.Currency, &v.URL, &v.ImageURL, &v.Status, &v.ConsecutiveMisses, &v.LastMissRunID,
		&v.ListingFingerprint, &v.CanonicalFingerprint, &detail, &images, &v.LastRunID,
		timeScan{&v.FirstSeenAt}, timeScan{&v.LastSeenAt}, timeScan{&v.UpdatedAt},
		nullTimeScan{&v.SoldAt}, nullTimeScan{&v.RemovedAt}); err != nil {
		return nil, err
	}
	if len(detail) > 0 {
		v.Detail = json.RawMessage(detail)
	}
	if err := decodeImages(images, &v.Images); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *sqlStore) GetVessel(ctx context.Context, source, sourceID string) (*models.Vessel, error) {
	v, err := scanVessel(s.queryRow(ctx,
		`SELECT `+vesselCols+` FROM vessels WHERE source = ? AND source_id = ?`, source, sourceID))
	if err != nil {
		return nil, notFound(err)
	}
	return v, nil
}

func (s *sqlStore) ListVessels(ctx context.Context, f VesselFilter) ([]models.Vessel, error) {
	var c conds
	if f.Source != "" {
		c.add("source = ?", f.Source)
	}
	if len(f.Statuses) > 0 {
		args := make([]any, len(f.Statuses))
		for i, st := range f.Statuses {
			args[i] = string(st)
		}
		c.add("status IN ("+placeholders(len(args))+")", args...)
	}
	q := `SELECT ` + vesselCols + ` FROM vessels` + c.where() + ` ORDER BY source, source_id`
	args := c.args
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Vessel
	for rows.Next() {
		v, err := scanVessel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpsertVessel(ctx context.Context, v *models.Vessel) error {
	images, err := marshalArg(nonNilImages(v.Images))
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO vessels (`+vesselCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source, source_id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			dimensions = excluded.dimensions,
			tonnage = excluded.tonnage,
			build_year = excluded.build_year,
			price = excluded.price,
			currency = excluded.currency,
			url = excluded.url,
			image_url = excluded.image_url,
			status = excluded.status,
			consecutive_misses = excluded.consecutive_misses,
			last_miss_run_id = excluded.last_miss_run_id,
			listing_fingerprint = excluded.listing_fingerprint,
			canonical_fingerprint = excluded.canonical_fingerprint,
			detail = excluded.detail,
			images = excluded.images,
			last_run_id = excluded.last_run_id,
			last_seen_at = excluded.last_seen_at,
			updated_at = excluded.updated_at,
			sold_at = excluded.sold_at,
			removed_at = excluded.removed_at`,
		v.Source, v.SourceID, v.Name, v.Type, v.Dimensions, v.Tonnage, v.BuildYear, v.Price, v.Currency,
		v.URL, v.ImageURL, string(v.Status), v.ConsecutiveMisses, v.LastMissRunID, v.ListingFingerprint,
		v.CanonicalFingerprint, jsonArg(v.Detail), images, v.LastRunID, s.d.t(v.FirstSeenAt),
		s.d.t(v.LastSeenAt), s.d.t(v.UpdatedAt), s.d.nt(v.SoldAt), s.d.nt(v.RemovedAt),
	)
	return err
}

func (s *sqlStore) RecordMiss(ctx context.Context, source, sourceID string, misses int, runID uuid.UUID, at time.Time) (bool, error) {
	res, err := s.exec(ctx, `
		UPDATE vessels SET consecutive_misses = ?, last_miss_run_id = ?, updated_at = ?
		WHERE source = ? AND source_id = ? AND (last_miss_run_id IS NULL OR last_miss_run_id <> ?)`,
		misses, runID, s.d.t(at), source, sourceID, runID)
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n > 0, err
}

func (s *sqlStore) CountVessels(ctx context.Context, source string) (map[models.VesselStatus]int, error) {
	var c conds
	if source != "" {
		c.add("source = ?", source)
	}
	rows, err := s.query(ctx, `SELECT status, COUNT(*) FROM vessels`+c.where()+` GROUP BY status`, c.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.VesselStatus]int)
	for rows.Next() {
		var status models.VesselStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// =============================================================================
// History
// =============================================================================

func (s *sqlStore) AppendPriceHistory(ctx context.Context, p *models.PriceHistory) (bool, error) {
	res, err := s.exec(ctx, `
		INSERT INTO price_history (run_id, source, source_id, old_price, new_price, currency, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, source, source_id) DO NOTHING`,
		p.RunID, p.Source, p.SourceID, p.OldPrice, p.NewPrice, p.Currency, s.d.t(p.RecordedAt))
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n > 0, err
}

func (s *sqlStore) PriceHistory(ctx context.Context, source, sourceID string) ([]models.PriceHistory, error) {
	rows, err := s.query(ctx, `
		SELECT id, run_id, source, source_id, old_price, new_price, currency, recorded_at
		FROM price_history WHERE source = ? AND source_id = ? ORDER BY recorded_at, id`, source, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PriceHistory
	for rows.Next() {
		var p models.PriceHistory
		if err := rows.Scan(&p.ID, &p.RunID, &p.Source, &p.SourceID, &p.OldPrice, &p.NewPrice,
			&p.Currency, timeScan{&p.RecordedAt}); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqlStore) AppendActivity(ctx context.Context, a *models.Activity) (bool, error) {
	res, err := s.exec(ctx, `
		INSERT INTO activity_log (run_id, source, source_id, action, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, source, source_id, action) DO NOTHING`,
		a.RunID, a.Source, a.SourceID, string(a.Action), jsonArg(a.Details), s.d.t(a.CreatedAt))
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n > 0, err
}

func (s *sqlStore) Activities(ctx context.Context, source, sourceID string) ([]models.Activity, error) {
	rows, err := s.query(ctx, `
		SELECT id, run_id, source, source_id, action, details, created_at
		FROM activity_log WHERE source = ? AND source_id = ? ORDER BY created_at, id`, source, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Activity
	for rows.Next() {
		var a models.Activity
		var details []byte
		if err := rows.Scan(&a.ID, &a.RunID, &a.Source, &a.SourceID, &a.Action, &details,
			timeScan{&a.CreatedAt}); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			a.Details = json.RawMessage(details)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// Diff events
// =============================================================================

const eventCols = `id, run_id, source, source_id, event_type, payload, created_at, applied_at`

func scanEvent(sc scanner) (*models.DiffEvent, error) {
	var e models.DiffEvent
	var payload []byte
	if err := sc.Scan(&e.ID, &e.RunID, &e.Source, &e.SourceID, &e.EventType, &payload,
		timeScan{&e.CreatedAt}, nullTimeScan{&e.AppliedAt}); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("decode event payload: %w", err)
		}
	}
	return &e, nil
}

func (s *sqlStore) UpsertDiffEvent(ctx context.Context, e *models.DiffEvent) error {
	_, err := s.exec(ctx, `
		INSERT INTO diff_events (`+eventCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, source, source_id) DO UPDATE SET
			event_type = excluded.event_type,
			payload = excluded.payload
		WHERE diff_events.applied_at IS NULL`,
		e.ID, e.RunID, e.Source, e.SourceID, string(e.EventType), string(e.Payload.ToJSON()),
		s.d.t(e.CreatedAt), s.d.nt(e.AppliedAt))
	return err
}

func (s *sqlStore) DiffEvents(ctx context.Context, runID uuid.UUID, source string) ([]models.DiffEvent, error) {
	rows, err := s.query(ctx, `SELECT `+eventCols+` FROM diff_events
		WHERE run_id = ? AND source = ? ORDER BY source_id`, runID, source)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DiffEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *sqlStore) MarkEventApplied(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res, err := s.exec(ctx, `UPDATE diff_events SET applied_at = ? WHERE id = ? AND applied_at IS NULL`,
		s.d.t(at), id)
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n > 0, err
}

func (s *sqlStore) CountEvents(ctx context.Context, f EventFilter) (map[models.EventType]int, error) {
	var c conds
	if f.RunID != uuid.Nil {
		c.add("run_id = ?", f.RunID)
	}
	if f.Source != "" {
		c.add("source = ?", f.Source)
	}
	rows, err := s.query(ctx, `SELECT event_type, COUNT(*) FROM diff_events`+c.where()+` GROUP BY event_type`, c.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.EventType]int)
	for rows.Next() {
		var kind models.EventType
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

// =============================================================================
// Detail queue
// =============================================================================

const jobCols = `id, source, source_id, listing_payload, fingerprint, status, attempt_count, max_attempts,
	next_attempt_at, locked_at, locked_by, last_error, created_at, updated_at`

func scanJob(sc scanner) (*models.DetailQueueJob, error) {
	var j models.DetailQueueJob
	var payload []byte
	if err := sc.Scan(&j.ID, &j.Source, &j.SourceID, &payload, &j.Fingerprint, &j.Status, &j.AttemptCount,
		&j.MaxAttempts, timeScan{&j.NextAttemptAt}, nullTimeScan{&j.LockedAt}, &j.LockedBy, &j.LastError,
		timeScan{&j.CreatedAt}, timeScan{&j.UpdatedAt}); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &j.Listing); err != nil {
			return nil, fmt.Errorf("decode listing payload: %w", err)
		}
	}
	return &j, nil
}

func (s *sqlStore) collectJobs(rows *sql.Rows) ([]models.DetailQueueJob, error) {
	defer rows.Close()
	var out []models.DetailQueueJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (s *sqlStore) InsertJob(ctx context.Context, j *models.DetailQueueJob) error {
	payload, err := marshalArg(j.Listing)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO detail_queue (`+jobCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Source, j.SourceID, payload, j.Fingerprint, string(j.Status), j.AttemptCount, j.MaxAttempts,
		s.d.t(j.NextAttemptAt), s.d.nt(j.LockedAt), j.LockedBy, j.LastError, s.d.t(j.CreatedAt), s.d.t(j.UpdatedAt))
	return err
}

func (s *sqlStore) ActiveJob(ctx context.Context, source, sourceID string) (*models.DetailQueueJob, error) {
	j, err := scanJob(s.queryRow(ctx, `SELECT `+jobCols+` FROM detail_queue
		WHERE source = ? AND source_id = ? AND status IN ('pending', 'processing')
		ORDER BY created_at DESC LIMIT 1`, source, sourceID))
	if err != nil {
		return nil, notFound(err)
	}
	return j, nil
}

func (s *sqlStore) LastDoneJob(ctx context.Context, source, sourceID string) (*models.DetailQueueJob, error) {
	j, err := scanJob(s.queryRow(ctx, `SELECT `+jobCols+` FROM detail_queue
		WHERE source = ? AND source_id = ? AND status = 'done'
		ORDER BY updated_at DESC LIMIT 1`, source, sourceID))
	if err != nil {
		return nil, notFound(err)
	}
	return j, nil
}

func (s *sqlStore) RefreshPendingJob(ctx context.Context, id uuid.UUID, listing models.ListingRow, fingerprint string, at time.Time) error {
	payload, err := marshalArg(listing)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `UPDATE detail_queue SET listing_payload = ?, fingerprint = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`, payload, fingerprint, s.d.t(at), id)
	return err
}

func (s *sqlStore) ClaimJobs(ctx context.Context, source string, limit int, owner string, now time.Time) ([]models.DetailQueueJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.query(ctx, `
		UPDATE detail_queue SET status = 'processing', locked_at = ?, locked_by = ?, updated_at = ?
		WHERE status = 'pending' AND id IN (
			SELECT id FROM detail_queue
			WHERE source = ? AND status = 'pending' AND next_attempt_at <= ?
			ORDER BY next_attempt_at, created_at
			LIMIT ? `+s.d.claimLock+`
		)
		RETURNING `+jobCols,
		s.d.t(now), owner, s.d.t(now), source, s.d.t(now), limit)
	if err != nil {
		return nil, err
	}
	jobs, err := s.collectJobs(rows)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(jobs, func(i, k int) bool {
		if !jobs[i].NextAttemptAt.Equal(jobs[k].NextAttemptAt) {
			return jobs[i].NextAttemptAt.Before(jobs[k].NextAttemptAt)
		}
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})
	return jobs, nil
}

func (s *sqlStore) ReleaseJob(ctx context.Context, j *models.DetailQueueJob, owner string) error {
	res, err := s.exec(ctx, `
		UPDATE detail_queue SET status = ?, attempt_count = ?, next_attempt_at = ?, locked_at = ?,
			locked_by = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'processing' AND locked_by = ?`,
		string(j.Status), j.AttemptCount, s.d.t(j.NextAttemptAt), s.d.nt(j.LockedAt), j.LockedBy,
		j.LastError, s.d.t(j.UpdatedAt), j.ID, owner)
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *sqlStore) ExpiredJobs(ctx context.Context, source string, lockedBefore time.Time) ([]models.DetailQueueJob, error) {
	var c conds
	c.add("status = 'processing'")
	c.add("locked_at < ?", s.d.t(lockedBefore))
	if source != "" {
		c.add("source = ?", source)
	}
	rows, err := s.query(ctx, `SELECT `+jobCols+` FROM detail_queue`+c.where()+` ORDER BY locked_at`, c.args...)
	if err != nil {
		return nil, err
	}
	return s.collectJobs(rows)
}

func (s *sqlStore) GetJob(ctx context.Context, id uuid.UUID) (*models.DetailQueueJob, error) {
	j, err := scanJob(s.queryRow(ctx, `SELECT `+jobCols+` FROM detail_queue WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return j, nil
}

func (s *sqlStore) ListJobs(ctx context.Context, f JobFilter) ([]models.DetailQueueJob, error) {
	var c conds
	if f.Source != "" {
		c.add("source = ?", f.Source)
	}
	if f.Status != "" {
		c.add("status = ?", string(f.Status))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.query(ctx, `SELECT `+jobCols+` FROM detail_queue`+c.where()+` ORDER BY updated_at DESC LIMIT ?`,
		append(c.args, limit)...)
	if err != nil {
		return nil, err
	}
	return s.collectJobs(rows)
}

func (s *sqlStore) RequeueJob(ctx context.Context, id uuid.UUID, now time.Time) error {
	res, err := s.exec(ctx, `
		UPDATE detail_queue SET status = 'pending', attempt_count = 0, next_attempt_at = ?,
			locked_at = NULL, locked_by = '', last_error = '', updated_at = ?
		WHERE id = ? AND status = 'dead'`, s.d.t(now), s.d.t(now), id)
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) QueueStats(ctx context.Context, source string) (models.QueueStats, error) {
	stats := models.QueueStats{Source: source}
	var c conds
	if source != "" {
		c.add("source = ?", source)
	}

	rows, err := s.query(ctx, `SELECT status, COUNT(*) FROM detail_queue`+c.where()+` GROUP BY status`, c.args...)
	if err != nil {
		return stats, err
	}
	for rows.Next() {
		var status models.JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return stats, err
		}
		switch status {
		case models.JobPending:
			stats.Pending = n
		case models.JobProcessing:
			stats.Processing = n
		case models.JobDone:
			stats.Done = n
		case models.JobDead:
			stats.Dead = n
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}

	c.add("status = 'pending'")
	err = s.queryRow(ctx, `SELECT MIN(created_at) FROM detail_queue`+c.where(), c.args...).
		Scan(nullTimeScan{&stats.OldestPendingAt})
	return stats, err
}

// =============================================================================
// Source health
// =============================================================================

const healthCols = `source, staged_median, staged_p95, removed_median, removed_p95, last_run_status,
	last_run_at, last_health_score, last_healthy, consecutive_healthy, consecutive_unhealthy,
	consecutive_miss_candidate_runs, updated_at`

func scanHealth(sc scanner) (*models.SourceHealth, error) {
	var h models.SourceHealth
	if err := sc.Scan(&h.Source, &h.StagedMedian, &h.StagedP95, &h.RemovedMedian, &h.RemovedP95,
		&h.LastRunStatus, nullTimeScan{&h.LastRunAt}, &h.LastHealthScore, &h.LastHealthy,
		&h.ConsecutiveHealthy, &h.ConsecutiveUnhealthy, &h.ConsecutiveMissCandidateRuns,
		timeScan{&h.UpdatedAt}); err != nil {
		return nil, err
	}
	return &h, nil
}

func (s *sqlStore) GetSourceHealth(ctx context.Context, source string) (*models.SourceHealth, error) {
	h, err := scanHealth(s.queryRow(ctx, `SELECT `+healthCols+` FROM source_health WHERE source = ?`, source))
	if err != nil {
		return nil, notFound(err)
	}
	return h, nil
}

func (s *sqlStore) SaveSourceHealth(ctx context.Context, h *models.SourceHealth) error {
	_, err := s.exec(ctx, `
		INSERT INTO source_health (`+healthCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source) DO UPDATE SET
			staged_median = excluded.staged_median,
			staged_p95 = excluded.staged_p95,
			removed_median = excluded.removed_median,
			removed_p95 = excluded.removed_p95,
			last_run_status = excluded.last_run_status,
			last_run_at = excluded.last_run_at,
			last_health_score = excluded.last_health_score,
			last_healthy = excluded.last_healthy,
			consecutive_healthy = excluded.consecutive_healthy,
			consecutive_unhealthy = excluded.consecutive_unhealthy,
			consecutive_miss_candidate_runs = excluded.consecutive_miss_candidate_runs,
			updated_at = excluded.updated_at`,
		h.Source, h.StagedMedian, h.StagedP95, h.RemovedMedian, h.RemovedP95, string(h.LastRunStatus),
		s.d.nt(h.LastRunAt), h.LastHealthScore, h.LastHealthy, h.ConsecutiveHealthy, h.ConsecutiveUnhealthy,
		h.ConsecutiveMissCandidateRuns, s.d.t(h.UpdatedAt))
	return err
}

func (s *sqlStore) ListSourceHealth(ctx context.Context) ([]models.SourceHealth, error) {
	rows, err := s.query(ctx, `SELECT `+healthCols+` FROM source_health ORDER BY source`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SourceHealth
	for rows.Next() {
		h, err := scanHealth(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

// =============================================================================
// Notification outbox
// =============================================================================

const outboxCols = `id, run_id, source, source_id, event_id, event_type, payload, status, attempt_count,
	last_error, created_at, sent_at`

func scanOutbox(sc scanner) (*models.NotificationOutboxEntry, error) {
	var e models.NotificationOutboxEntry
	var payload []byte
	if err := sc.Scan(&e.ID, &e.RunID, &e.Source, &e.SourceID, &e.EventID, &e.EventType, &payload,
		&e.Status, &e.AttemptCount, &e.LastError, timeScan{&e.CreatedAt}, nullTimeScan{&e.SentAt}); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		e.Payload = json.RawMessage(payload)
	}
	return &e, nil
}

func (s *sqlStore) collectOutbox(rows *sql.Rows) ([]models.NotificationOutboxEntry, error) {
	defer rows.Close()
	var out []models.NotificationOutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *sqlStore) InsertOutbox(ctx context.Context, e *models.NotificationOutboxEntry) (bool, error) {
	res, err := s.exec(ctx, `
		INSERT INTO notification_outbox (`+outboxCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, source, source_id) DO NOTHING`,
		e.ID, e.RunID, e.Source, e.SourceID, e.EventID, string(e.EventType), jsonArg(e.Payload),
		string(e.Status), e.AttemptCount, e.LastError, s.d.t(e.CreatedAt), s.d.nt(e.SentAt))
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n > 0, err
}

func (s *sqlStore) PendingOutbox(ctx context.Context, limit int) ([]models.NotificationOutboxEntry, error) {
	return s.ListOutbox(ctx, OutboxFilter{Status: models.OutboxPending, Limit: limit})
}

func (s *sqlStore) ListOutbox(ctx context.Context, f OutboxFilter) ([]models.NotificationOutboxEntry, error) {
	var c conds
	if f.RunID != uuid.Nil {
		c.add("run_id = ?", f.RunID)
	}
	if f.Source != "" {
		c.add("source = ?", f.Source)
	}
	if f.Status != "" {
		c.add("status = ?", string(f.Status))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.query(ctx, `SELECT `+outboxCols+` FROM notification_outbox`+c.where()+
		` ORDER BY created_at, source_id LIMIT ?`, append(c.args, limit)...)
	if err != nil {
		return nil, err
	}
	return s.collectOutbox(rows)
}

func (s *sqlStore) MarkOutboxSent(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := append([]any{s.d.t(at)}, uuidArgs(ids)...)
	_, err := s.exec(ctx, `UPDATE notification_outbox SET status = 'sent', sent_at = ?
		WHERE status = 'pending' AND id IN (`+placeholders(len(ids))+`)`, args...)
	return err
}

func (s *sqlStore) MarkOutboxFailed(ctx context.Context, ids []uuid.UUID, lastErr string) error {
	if len(ids) == 0 {
		return nil
	}
	args := append([]any{lastErr}, uuidArgs(ids)...)
	_, err := s.exec(ctx, `UPDATE notification_outbox SET attempt_count = attempt_count + 1, last_error = ?
		WHERE status = 'pending' AND id IN (`+placeholders(len(ids))+`)`, args...)
	return err
}

func (s *sqlStore) OutboxStats(ctx context.Context, source string) (models.OutboxStats, error) {
	var stats models.OutboxStats
	var c conds
	if source != "" {
		c.add("source = ?", source)
	}

	rows, err := s.query(ctx, `SELECT status, COUNT(*) FROM notification_outbox`+c.where()+` GROUP BY status`, c.args...)
	if err != nil {
		return stats, err
	}
	for rows.Next() {
		var status models.OutboxStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return stats, err
		}
		switch status {
		case models.OutboxPending:
			stats.Pending = n
		case models.OutboxSent:
			stats.Sent = n
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}

	c.add("status = 'pending'")
	err = s.queryRow(ctx, `SELECT MIN(created_at) FROM notification_outbox`+c.where(), c.args...).
		Scan(nullTimeScan{&stats.OldestPendingAt})
	return stats, err
}

// =============================================================================
// Alerts
// =============================================================================

const alertCols = `id, source, kind, status, message, value, threshold, occurrences, first_seen_at,
	last_seen_at, resolved_at`

func scanAlert(sc scanner) (*models.Alert, error) {
	var a models.Alert
	if err := sc.Scan(&a.ID, &a.Source, &a.Kind, &a.Status, &a.Message, &a.Value, &a.Threshold,
		&a.Occurrences, timeScan{&a.FirstSeenAt}, timeScan{&a.LastSeenAt}, nullTimeScan{&a.ResolvedAt}); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *sqlStore) GetOpenAlert(ctx context.Context, source string, kind models.AlertKind) (*models.Alert, error) {
	a, err := scanAlert(s.queryRow(ctx, `SELECT `+alertCols+` FROM alerts
		WHERE source = ? AND kind = ? AND status = 'open'`, source, string(kind)))
	if err != nil {
		return nil, notFound(err)
	}
	return a, nil
}

func (s *sqlStore) SaveAlert(ctx context.Context, a *models.Alert) error {
	_, err := s.exec(ctx, `
		INSERT INTO alerts (`+alertCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			message = excluded.message,
			value = excluded.value,
			threshold = excluded.threshold,
			occurrences = excluded.occurrences,
			last_seen_at = excluded.last_seen_at,
			resolved_at = excluded.resolved_at`,
		a.ID, a.Source, string(a.Kind), string(a.Status), a.Message, a.Value, a.Threshold, a.Occurrences,
		s.d.t(a.FirstSeenAt), s.d.t(a.LastSeenAt), s.d.nt(a.ResolvedAt))
	return err
}

func (s *sqlStore) ListAlerts(ctx context.Context, f AlertFilter) ([]models.Alert, error) {
	var c conds
	if f.Source != "" {
		c.add("source = ?", f.Source)
	}
	if f.Status != "" {
		c.add("status = ?", string(f.Status))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.query(ctx, `SELECT `+alertCols+` FROM alerts`+c.where()+` ORDER BY last_seen_at DESC LIMIT ?`,
		append(c.args, limit)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// =============================================================================
// Commands
// =============================================================================

func (s *sqlStore) CreateCommand(ctx context.Context, c *models.Command) error {
	return s.queryRow(ctx, `INSERT INTO commands (command, params, created_at) VALUES (?, ?, ?) RETURNING id`,
		string(c.Command), jsonArg(c.Params), s.d.t(c.CreatedAt)).Scan(&c.ID)
}

func (s *sqlStore) PendingCommands(ctx context.Context) ([]models.Command, error) {
	rows, err := s.query(ctx, `SELECT id, command, params, created_at FROM commands
		WHERE processed_at IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Command
	for rows.Next() {
		var c models.Command
		var params []byte
		if err := rows.Scan(&c.ID, &c.Command, &params, timeScan{&c.CreatedAt}); err != nil {
			return nil, err
		}
		if len(params) > 0 {
			c.Params = json.RawMessage(params)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) MarkCommandProcessed(ctx context.Context, id int64, at time.Time) error {
	_, err := s.exec(ctx, `UPDATE commands SET processed_at = ? WHERE id = ?`, s.d.t(at), id)
	return err
}
