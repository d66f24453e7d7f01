// Package source tracks pending rows in the point-of-sale database. A
// one-character marker column, kept current by a trigger, flags each row
// that still has to be delivered; batches are claimed by marker and cleared
// by physical row locator once the receiver has accepted them.
package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pdvdash/storesync/internal/catalog"
	"github.com/pkg/errors"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/nakagami/firebirdsql"
)

// ErrStructural reports that a table could not be prepared for tracking
// (missing permissions, unknown table, failed DDL). Such tables are skipped
// until the next maintenance sweep.
var ErrStructural = errors.New("table cannot be tracked")

// cutoffLayout is how the cutoff date is bound. Every supported engine
// coerces this literal when comparing against DATE or TIMESTAMP columns.
const cutoffLayout = "2006-01-02"

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

var sqlOpen sqlOpenFunc = sql.Open

// Options configures a Store.
type Options struct {
	Dialect      Dialect
	MarkerColumn string
	// Charset decodes text columns that are not valid UTF-8.
	Charset string
}

// Store reads and clears pending rows.
type Store struct {
	db      *sql.DB
	dialect Dialect
	marker  string
	norm    *Normalizer
}

// Open connects to the source database and verifies it is reachable.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	if opts.Dialect == nil {
		return nil, errors.New("source dialect is required")
	}
	db, err := sqlOpen(opts.Dialect.Driver(), dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening source database")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "connecting to source database")
	}
	return New(db, opts)
}

// New wraps an already open database handle.
func New(db *sql.DB, opts Options) (*Store, error) {
	if opts.Dialect == nil {
		return nil, errors.New("source dialect is required")
	}
	marker := strings.TrimSpace(opts.MarkerColumn)
	if marker == "" {
		marker = DefaultMarkerColumn
	}
	if !catalog.IsIdentifier(marker) {
		return nil, errors.Errorf("invalid marker column %q", marker)
	}
	return &Store{db: db, dialect: opts.Dialect, marker: marker, norm: NewNormalizer(opts.Charset)}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Dialect() Dialect     { return s.dialect }
func (s *Store) MarkerColumn() string { return s.marker }

// trackable rejects tables whose rows would have no stable identity: without
// a key column the locator is the identity, and some engines move it on
// every update.
func (s *Store) trackable(t catalog.Table) error {
	if t.KeyColumn == "" && !s.dialect.StableLocator() {
		return errors.Wrapf(ErrStructural, "%s: no key column, and %s row locators change on update", t.Name, s.dialect.Name())
	}
	return nil
}

// EnsureColumn adds the marker column when the table lacks it.
func (s *Store) EnsureColumn(ctx context.Context, t catalog.Table) (added bool, err error) {
	if err := s.trackable(t); err != nil {
		return false, err
	}
	probe := fmt.Sprintf("SELECT %s FROM %s WHERE 1=0", s.marker, t.Name)
	rows, err := s.db.QueryContext(ctx, probe)
	if err == nil {
		return false, rows.Close()
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.AddMarkerColumn(t.Name, s.marker)); err != nil {
		return false, errors.Wrapf(ErrStructural, "%s: adding %s: %v", t.Name, s.marker, err)
	}
	return true, nil
}

// EnsureTrigger creates or replaces the trigger keeping the marker current.
func (s *Store) EnsureTrigger(ctx context.Context, t catalog.Table) error {
	for _, stmt := range s.dialect.TriggerStatements(t.Name, s.marker) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(ErrStructural, "%s: installing trigger: %v", t.Name, err)
		}
	}
	return nil
}

// NormalizeMarkers turns NULL markers, left behind by engines that do not
// backfill column defaults, into Pending.
func (s *Store) NormalizeMarkers(ctx context.Context, t catalog.Table) (int64, error) {
	query := fmt.Sprintf("UPDATE %s SET %s = '%s' WHERE %s IS NULL", t.Name, s.marker, Pending, s.marker)
	return s.exec(ctx, query)
}

// SweepCutoff clears pending fact rows older than cutoff, and pending child
// rows whose parent is older than cutoff, so they never linger as Pending.
func (s *Store) SweepCutoff(ctx context.Context, fact catalog.Table, children []catalog.Table, cutoff time.Time) (int64, error) {
	if fact.Fact == nil || fact.Fact.DateColumn == "" || cutoff.IsZero() {
		return 0, nil
	}
	day := cutoff.Format(cutoffLayout)
	date := fact.Fact.DateColumn
	var total int64
	n, err := s.exec(ctx, fmt.Sprintf("UPDATE %s SET %s = '%s' WHERE %s = '%s' AND (%s < %s OR %s IS NULL)",
		fact.Name, s.marker, Cleared, s.marker, Pending, date, s.dialect.Placeholder(1), date), day)
	if err != nil {
		return total, errors.Wrapf(err, "%s: cutoff sweep", fact.Name)
	}
	total += n
	for _, child := range children {
		p := child.Parent
		query := fmt.Sprintf(`UPDATE %[1]s SET %[2]s = '%[3]s' WHERE %[2]s = '%[4]s' AND NOT EXISTS (
			SELECT 1 FROM %[5]s sync_parent WHERE sync_parent.%[6]s = %[1]s.%[7]s AND sync_parent.%[8]s >= %[9]s)`,
			child.Name, s.marker, Cleared, Pending, fact.Name, p.Key, p.ForeignKey, date, s.dialect.Placeholder(1))
		n, err := s.exec(ctx, query, day)
		if err != nil {
			return total, errors.Wrapf(err, "%s: cutoff sweep", child.Name)
		}
		total += n
	}
	return total, nil
}

// RetireDeleted clears pending soft-deleted fact rows and their children.
// It runs once, on first bootstrap, so history that never reached the
// receiver does not trigger delete calls.
func (s *Store) RetireDeleted(ctx context.Context, fact catalog.Table, children []catalog.Table) (int64, error) {
	if fact.Fact == nil || fact.Fact.DeletedColumn == "" {
		return 0, nil
	}
	del := fact.Fact.DeletedColumn
	value := deletedValue(fact)
	var total int64
	n, err := s.exec(ctx, fmt.Sprintf("UPDATE %s SET %s = '%s' WHERE %s = '%s' AND %s = %s",
		fact.Name, s.marker, Cleared, s.marker, Pending, del, s.dialect.Placeholder(1)), value)
	if err != nil {
		return total, errors.Wrapf(err, "%s: retiring deleted rows", fact.Name)
	}
	total += n
	for _, child := range children {
		p := child.Parent
		query := fmt.Sprintf(`UPDATE %[1]s SET %[2]s = '%[3]s' WHERE %[2]s = '%[4]s' AND EXISTS (
			SELECT 1 FROM %[5]s sync_parent WHERE sync_parent.%[6]s = %[1]s.%[7]s AND sync_parent.%[8]s = %[9]s)`,
			child.Name, s.marker, Cleared, Pending, fact.Name, p.Key, p.ForeignKey, del, s.dialect.Placeholder(1))
		n, err := s.exec(ctx, query, value)
		if err != nil {
			return total, errors.Wrapf(err, "%s: retiring deleted rows", child.Name)
		}
		total += n
	}
	return total, nil
}

// BatchQuery bounds one extraction.
type BatchQuery struct {
	Size   int
	Cutoff time.Time
	// Parent is the fact table a child table derives its eligibility from.
	Parent *catalog.Table
}

// Batch is a set of pending rows and the locators needed to clear them.
// Records[i] was read from the row at Locators[i].
type Batch struct {
	Table    string
	Records  []Record
	Locators []string
}

func (b Batch) Len() int { return len(b.Records) }

// Slice returns the sub-batch [i, j).
func (b Batch) Slice(i, j int) Batch {
	return Batch{Table: b.Table, Records: b.Records[i:j], Locators: b.Locators[i:j]}
}

type args struct {
	d    Dialect
	vals []any
}

func (a *args) add(v any) string {
	a.vals = append(a.vals, v)
	return a.d.Placeholder(len(a.vals))
}

// SelectBatch claims up to q.Size pending, eligible rows of t and reads
// them. Claimed rows are InFlight until Clear, Quarantine or Release; rows
// left InFlight by an interrupted delivery are released first.
func (s *Store) SelectBatch(ctx context.Context, t catalog.Table, q BatchQuery) (Batch, error) {
	if q.Size <= 0 {
		return Batch{}, errors.New("batch size must be positive")
	}
	if err := s.trackable(t); err != nil {
		return Batch{}, err
	}
	if err := s.releaseAll(ctx, t); err != nil {
		return Batch{}, err
	}
	a := &args{d: s.dialect}
	where := []string{fmt.Sprintf("%s = '%s'", s.marker, Pending)}
	if f := strings.TrimSpace(t.Filter); f != "" {
		where = append(where, "("+f+")")
	}
	switch t.Role {
	case catalog.Fact:
		where = append(where, s.factEligible(t, "", q.Cutoff, a)...)
	case catalog.Child:
		if q.Parent == nil {
			return Batch{}, errors.Errorf("%s: child table selected without its parent", t.Name)
		}
		cond := []string{
			fmt.Sprintf("sync_parent.%s = %s.%s", t.Parent.Key, t.Name, t.Parent.ForeignKey),
			fmt.Sprintf("sync_parent.%s = '%s'", s.marker, Cleared),
		}
		cond = append(cond, s.factEligible(*q.Parent, "sync_parent.", q.Cutoff, a)...)
		where = append(where, fmt.Sprintf("EXISTS (SELECT 1 FROM %s sync_parent WHERE %s)", q.Parent.Name, strings.Join(cond, " AND ")))
	}

	locators, err := s.locators(ctx, t, where, a.vals, q.Size)
	if err != nil {
		return Batch{}, errors.Wrapf(err, "%s: selecting batch", t.Name)
	}
	if len(locators) == 0 {
		return Batch{Table: t.Name}, nil
	}
	if _, err := s.transition(ctx, t, locators, Pending, InFlight); err != nil {
		return Batch{}, errors.Wrapf(err, "%s: claiming batch", t.Name)
	}
	return s.readInFlight(ctx, t, q.Size)
}

func (s *Store) order(t catalog.Table) string {
	if t.KeyColumn != "" {
		return t.KeyColumn
	}
	return s.dialect.LocatorOrder()
}

// locators returns the locators of up to n rows of t matching where.
func (s *Store) locators(ctx context.Context, t catalog.Table, where []string, vals []any, n int) ([]string, error) {
	prefix, suffix := s.dialect.Limit(n)
	query := fmt.Sprintf("SELECT %s%s AS %s FROM %s WHERE %s",
		prefix, s.dialect.LocatorExpr(), locatorAlias, t.Name, strings.Join(where, " AND "))
	if order := s.order(t); order != "" {
		query += " ORDER BY " + order
	}
	query += suffix

	rows, err := s.db.QueryContext(ctx, query, vals...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var raw any
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		locator, err := s.dialect.LocatorValue(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, locator)
	}
	return out, rows.Err()
}

// readInFlight reads the claimed rows of t. A row written to after its claim
// is Pending again and is left for a later batch.
func (s *Store) readInFlight(ctx context.Context, t catalog.Table, n int) (Batch, error) {
	prefix, suffix := s.dialect.Limit(n)
	query := fmt.Sprintf("SELECT %s%s AS %s, %s FROM %s WHERE %s = '%s'",
		prefix, s.dialect.LocatorExpr(), locatorAlias, t.Columns, t.Name, s.marker, InFlight)
	if order := s.order(t); order != "" {
		query += " ORDER BY " + order
	}
	query += suffix

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return Batch{}, errors.Wrapf(err, "%s: reading batch", t.Name)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return Batch{}, errors.Wrapf(err, "%s: reading columns", t.Name)
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return Batch{}, errors.Wrapf(err, "%s: reading column types", t.Name)
	}
	kinds := make([]columnKind, len(types))
	scales := make([]int, len(types))
	for i, ct := range types {
		kinds[i] = kindOf(ct.DatabaseTypeName())
		if kinds[i] == kindDecimal {
			scales[i] = declaredScale(ct)
		}
	}

	batch := Batch{Table: t.Name}
	for rows.Next() {
		values := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return Batch{}, errors.Wrapf(err, "%s: scanning row", t.Name)
		}
		locator, err := s.dialect.LocatorValue(values[0])
		if err != nil {
			return Batch{}, errors.Wrapf(err, "%s: reading locator", t.Name)
		}
		batch.Records = append(batch.Records, s.norm.buildRecord(names[1:], kinds[1:], scales[1:], values[1:], t.KeyColumn, s.marker, locator))
		batch.Locators = append(batch.Locators, locator)
	}
	if err := rows.Err(); err != nil {
		return Batch{}, errors.Wrapf(err, "%s: iterating batch", t.Name)
	}
	return batch, nil
}

// factEligible returns the predicates a fact row must satisfy to be
// upserted: on or after the cutoff, and not soft-deleted.
func (s *Store) factEligible(t catalog.Table, alias string, cutoff time.Time, a *args) []string {
	if t.Fact == nil {
		return nil
	}
	var out []string
	if t.Fact.DateColumn != "" && !cutoff.IsZero() {
		out = append(out, fmt.Sprintf("%s%s >= %s", alias, t.Fact.DateColumn, a.add(cutoff.Format(cutoffLayout))))
	}
	if del := t.Fact.DeletedColumn; del != "" {
		out = append(out, fmt.Sprintf("(%[1]s%[2]s IS NULL OR %[1]s%[2]s <> %[3]s)", alias, del, a.add(deletedValue(t))))
	}
	return out
}

// Clear marks the rows at locators as delivered. Only rows still InFlight
// are touched: a row written to or removed since it was read is not, and the
// returned count is lower than len(locators).
func (s *Store) Clear(ctx context.Context, t catalog.Table, locators []string) (int64, error) {
	return s.transition(ctx, t, locators, InFlight, Cleared)
}

// Quarantine parks rows the receiver permanently rejects.
func (s *Store) Quarantine(ctx context.Context, t catalog.Table, locators []string) (int64, error) {
	return s.transition(ctx, t, locators, InFlight, Quarantined)
}

// Release returns claimed rows that were not delivered to Pending.
func (s *Store) Release(ctx context.Context, t catalog.Table, locators []string) (int64, error) {
	return s.transition(ctx, t, locators, InFlight, Pending)
}

func (s *Store) releaseAll(ctx context.Context, t catalog.Table) error {
	_, err := s.exec(ctx, fmt.Sprintf("UPDATE %s SET %s = '%s' WHERE %s = '%s'", t.Name, s.marker, Pending, s.marker, InFlight))
	return errors.Wrapf(err, "%s: releasing interrupted batch", t.Name)
}

func (s *Store) transition(ctx context.Context, t catalog.Table, locators []string, from, to Marker) (int64, error) {
	if len(locators) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "%s: begin", t.Name)
	}
	defer tx.Rollback()

	query := fmt.Sprintf("UPDATE %s SET %s = '%s' WHERE %s AND %s = '%s'",
		t.Name, s.marker, to, s.dialect.LocatorMatch(s.dialect.Placeholder(1)), s.marker, from)
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, errors.Wrapf(err, "%s: preparing marker update", t.Name)
	}
	defer stmt.Close()

	var total int64
	for _, locator := range locators {
		arg, err := s.dialect.LocatorArg(locator)
		if err != nil {
			return 0, err
		}
		res, err := stmt.ExecContext(ctx, arg)
		if err != nil {
			return 0, errors.Wrapf(err, "%s: updating marker", t.Name)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, errors.Wrapf(err, "%s: updating marker", t.Name)
		}
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrapf(err, "%s: commit", t.Name)
	}
	return total, nil
}

// Deletion is a pending soft-deleted fact row.
type Deletion struct {
	Locator string
	ID      string
	// Key is the raw key value, used to match children.
	Key any
}

// SelectDeleted claims up to q.Size pending soft-deleted rows of fact within
// the cutoff window, like SelectBatch does for upserts.
func (s *Store) SelectDeleted(ctx context.Context, fact catalog.Table, q BatchQuery) ([]Deletion, error) {
	if fact.Fact == nil || fact.Fact.DeletedColumn == "" {
		return nil, nil
	}
	if q.Size <= 0 {
		return nil, errors.New("batch size must be positive")
	}
	if err := s.releaseAll(ctx, fact); err != nil {
		return nil, err
	}
	a := &args{d: s.dialect}
	where := []string{
		fmt.Sprintf("%s = '%s'", s.marker, Pending),
		fmt.Sprintf("%s = %s", fact.Fact.DeletedColumn, a.add(deletedValue(fact))),
	}
	if fact.Fact.DateColumn != "" && !q.Cutoff.IsZero() {
		where = append(where, fmt.Sprintf("%s >= %s", fact.Fact.DateColumn, a.add(q.Cutoff.Format(cutoffLayout))))
	}
	locators, err := s.locators(ctx, fact, where, a.vals, q.Size)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: selecting deletions", fact.Name)
	}
	if len(locators) == 0 {
		return nil, nil
	}
	if _, err := s.transition(ctx, fact, locators, Pending, InFlight); err != nil {
		return nil, errors.Wrapf(err, "%s: claiming deletions", fact.Name)
	}

	// A row restored since its claim is Pending again and drops out here.
	prefix, suffix := s.dialect.Limit(q.Size)
	query := fmt.Sprintf("SELECT %s%s AS %s, %s FROM %s WHERE %s = '%s' AND %s = %s ORDER BY %s%s",
		prefix, s.dialect.LocatorExpr(), locatorAlias, fact.KeyColumn, fact.Name, s.marker, InFlight,
		fact.Fact.DeletedColumn, s.dialect.Placeholder(1), fact.KeyColumn, suffix)
	rows, err := s.db.QueryContext(ctx, query, deletedValue(fact))
	if err != nil {
		return nil, errors.Wrapf(err, "%s: reading deletions", fact.Name)
	}
	defer rows.Close()

	var out []Deletion
	for rows.Next() {
		var rawLocator, key any
		if err := rows.Scan(&rawLocator, &key); err != nil {
			return nil, errors.Wrapf(err, "%s: scanning deletion", fact.Name)
		}
		locator, err := s.dialect.LocatorValue(rawLocator)
		if err != nil {
			return nil, err
		}
		if b, ok := key.([]byte); ok {
			key = string(b)
		}
		out = append(out, Deletion{
			Locator: locator,
			ID:      identityString(s.norm.Value(kindOther, key)),
			Key:     key,
		})
	}
	return out, errors.Wrapf(rows.Err(), "%s: iterating deletions", fact.Name)
}

// ClearDeleted clears a propagated deletion and every pending child row of
// it, in one transaction. Nothing is cleared if the fact row was written to
// since it was claimed.
func (s *Store) ClearDeleted(ctx context.Context, fact catalog.Table, children []catalog.Table, d Deletion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "%s: begin", fact.Name)
	}
	defer tx.Rollback()

	arg, err := s.dialect.LocatorArg(d.Locator)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("UPDATE %s SET %s = '%s' WHERE %s AND %s = '%s'",
		fact.Name, s.marker, Cleared, s.dialect.LocatorMatch(s.dialect.Placeholder(1)), s.marker, InFlight)
	res, err := tx.ExecContext(ctx, query, arg)
	if err != nil {
		return errors.Wrapf(err, "%s: clearing deletion", fact.Name)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "%s: clearing deletion", fact.Name)
	}
	if n == 0 {
		// Restored while the deletion was in flight; children follow the
		// fact's next upsert instead.
		return errors.Wrapf(tx.Commit(), "%s: commit", fact.Name)
	}
	for _, child := range children {
		query := fmt.Sprintf("UPDATE %s SET %s = '%s' WHERE %s = %s AND %s = '%s'",
			child.Name, s.marker, Cleared, child.Parent.ForeignKey, s.dialect.Placeholder(1), s.marker, Pending)
		if _, err := tx.ExecContext(ctx, query, d.Key); err != nil {
			return errors.Wrapf(err, "%s: clearing children of deletion", child.Name)
		}
	}
	return errors.Wrapf(tx.Commit(), "%s: commit", fact.Name)
}

// Counts is the number of rows per marker state.
type Counts struct {
	Pending     int64
	InFlight    int64
	Cleared     int64
	Quarantined int64
	Other       int64
}

// Count reports how many rows of t are in each marker state.
func (s *Store) Count(ctx context.Context, t catalog.Table) (Counts, error) {
	query := fmt.Sprintf("SELECT %s, COUNT(*) FROM %s GROUP BY %s", s.marker, t.Name, s.marker)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return Counts{}, errors.Wrapf(err, "%s: counting markers", t.Name)
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var m sql.NullString
		var n int64
		if err := rows.Scan(&m, &n); err != nil {
			return Counts{}, errors.Wrapf(err, "%s: scanning counts", t.Name)
		}
		switch Marker(strings.TrimSpace(m.String)) {
		case Pending:
			c.Pending += n
		case InFlight:
			c.InFlight += n
		case Cleared:
			c.Cleared += n
		case Quarantined:
			c.Quarantined += n
		default:
			c.Other += n
		}
	}
	return c, errors.Wrapf(rows.Err(), "%s: iterating counts", t.Name)
}

// Rearm sets every row of t currently at one of from back to Pending.
func (s *Store) Rearm(ctx context.Context, t catalog.Table, from ...Marker) (int64, error) {
	var total int64
	for _, m := range from {
		if m == Pending {
			continue
		}
		n, err := s.exec(ctx, fmt.Sprintf("UPDATE %s SET %s = '%s' WHERE %s = '%s'", t.Name, s.marker, Pending, s.marker, m))
		if err != nil {
			return total, errors.Wrapf(err, "%s: re-arming", t.Name)
		}
		total += n
	}
	return total, nil
}

func (s *Store) exec(ctx context.Context, query string, vals ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, vals...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "reading affected rows")
	}
	return n, nil
}

func deletedValue(t catalog.Table) string {
	if t.Fact != nil && t.Fact.DeletedValue != "" {
		return t.Fact.DeletedValue
	}
	return string(Pending)
}
