package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	tenantsTableName = "tenants"
	operationTimeout = 30 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Postgres is the warehouse backed by a Postgres database. Tenants are
// listed in public.tenants; each tenant's rows live in its own schema.
type Postgres struct {
	dsn          string
	tenantsTable string
	openDB       sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("warehouse dsn is required")
	}
	return &Postgres{
		dsn:          dsn,
		tenantsTable: tenantsTableName,
		openDB:       sql.Open,
	}, nil
}

func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// Ping connects and creates the tenants table if needed.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	return p.db.PingContext(ctx)
}

func (p *Postgres) ensureReady() error {
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = errors.Wrap(err, "opening warehouse")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id SERIAL PRIMARY KEY,
				name TEXT,
				store_id TEXT UNIQUE,
				api_token TEXT NOT NULL,
				schema_name TEXT NOT NULL,
				active BOOLEAN NOT NULL DEFAULT TRUE,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, qualified("public", p.tenantsTable))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			p.initErr = errors.Wrap(err, "creating tenants table")
			return
		}
		p.db = db
	})
	return p.initErr
}

// Tenant returns the schema of the active tenant owning token.
func (p *Postgres) Tenant(ctx context.Context, token string) (string, error) {
	if err := p.ensureReady(); err != nil {
		return "", err
	}
	query := fmt.Sprintf("SELECT schema_name FROM %s WHERE api_token = $1 AND active",
		qualified("public", p.tenantsTable))
	var schema string
	err := p.db.QueryRowContext(ctx, query, token).Scan(&schema)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUnknownTenant
	}
	if err != nil {
		return "", errors.Wrap(err, "looking up tenant")
	}
	return schema, nil
}

// Upsert stores rows in schema.table in one transaction, adding any missing
// columns first. Rows are written in identity order.
func (p *Postgres) Upsert(ctx context.Context, schema, table string, rows []Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := p.ensureReady(); err != nil {
		return 0, err
	}
	for _, row := range rows {
		if row.ID() == "" {
			return 0, errors.Wrapf(ErrInvalidRecord, "row without %s", IdentityField)
		}
	}
	names, types, err := columns(rows)
	if err != nil {
		return 0, err
	}
	SortRows(rows)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin upsert")
	}
	defer func() { _ = tx.Rollback() }()

	if err := ensureTable(ctx, tx, schema, table); err != nil {
		return 0, err
	}
	if err := reconcileColumns(ctx, tx, schema, table, names, types); err != nil {
		return 0, err
	}
	for _, row := range rows {
		query, args, err := upsertStatement(schema, table, row)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			if isDataError(err) {
				return 0, errors.Wrapf(ErrInvalidRecord, "%s.%s id %s: %v", schema, table, row.ID(), err)
			}
			return 0, errors.Wrapf(err, "upsert %s.%s id %s", schema, table, row.ID())
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit upsert")
	}
	return len(rows), nil
}

// Delete removes the row with identity id from schema.table along with its
// rows in each cascade table. It reports whether the row existed.
func (p *Postgres) Delete(ctx context.Context, schema, table, id string, cascade []Cascade) (bool, error) {
	if err := p.ensureReady(); err != nil {
		return false, err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "begin delete")
	}
	defer func() { _ = tx.Rollback() }()

	exists, err := tableExists(ctx, tx, schema, table)
	if err != nil || !exists {
		return false, err
	}
	res, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s = $1", qualified(schema, table), quoteIdentifier(IdentityField)), id)
	if err != nil {
		return false, errors.Wrapf(err, "delete %s.%s id %s", schema, table, id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	for _, c := range cascade {
		ok, err := tableExists(ctx, tx, schema, c.Table)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		hasKey, err := columnExists(ctx, tx, schema, c.Table, c.ForeignKey)
		if err != nil {
			return false, err
		}
		if !hasKey {
			continue
		}
		query := fmt.Sprintf("DELETE FROM %s WHERE %s::text = $1", qualified(schema, c.Table), quoteIdentifier(c.ForeignKey))
		res, err := tx.ExecContext(ctx, query, id)
		if err != nil {
			return false, errors.Wrapf(err, "cascade delete %s.%s", schema, c.Table)
		}
		removed, _ := res.RowsAffected()
		log.WithFields(log.Fields{"schema": schema, "table": c.Table, "parent": id, "rows": removed}).Debug("cascade delete")
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "commit delete")
	}
	return true, nil
}

func ensureTable(ctx context.Context, tx *sql.Tx, schema, table string) error {
	stmts := []string{
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdentifier(schema)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			%s TEXT,
			received_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, qualified(schema, table), quoteIdentifier(IdentityField)),
		fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s TEXT", qualified(schema, table), quoteIdentifier(IdentityField)),
		fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
			quoteIdentifier(table+"_"+IdentityField+"_key"), qualified(schema, table), quoteIdentifier(IdentityField)),
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "preparing %s.%s", schema, table)
		}
	}
	return nil
}

// isDataError reports whether Postgres refused a value itself (class 22,
// data exception) or a constraint on it (class 23). Sending the same row
// again cannot succeed.
func isDataError(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code.Class() {
	case "22", "23":
		return true
	}
	return false
}

func reconcileColumns(ctx context.Context, tx *sql.Tx, schema, table string, names []string, types map[string]string) error {
	existing, err := tableColumns(ctx, tx, schema, table)
	if err != nil {
		return err
	}
	changes := alterations(existing, names, types)
	if len(changes) == 0 {
		return nil
	}
	query := fmt.Sprintf("ALTER TABLE %s %s", qualified(schema, table), strings.Join(changes, ", "))
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return errors.Wrapf(err, "altering columns of %s.%s", schema, table)
	}
	log.WithFields(log.Fields{"schema": schema, "table": table, "changes": len(changes)}).Info("altered warehouse columns")
	return nil
}

// tableColumns maps each column of schema.table to its data type.
func tableColumns(ctx context.Context, tx *sql.Tx, schema, table string) (map[string]string, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT column_name, data_type FROM information_schema.columns WHERE table_schema = $1 AND table_name = $2", schema, table)
	if err != nil {
		return nil, errors.Wrapf(err, "listing columns of %s.%s", schema, table)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, err
		}
		out[name] = dataType
	}
	return out, rows.Err()
}

func tableExists(ctx context.Context, tx *sql.Tx, schema, table string) (bool, error) {
	var name sql.NullString
	if err := tx.QueryRowContext(ctx, "SELECT to_regclass($1)::text", qualified(schema, table)).Scan(&name); err != nil {
		return false, errors.Wrapf(err, "checking %s.%s", schema, table)
	}
	return name.Valid, nil
}

func columnExists(ctx context.Context, tx *sql.Tx, schema, table, column string) (bool, error) {
	cols, err := tableColumns(ctx, tx, schema, table)
	if err != nil {
		return false, err
	}
	_, ok := cols[column]
	return ok, nil
}

// upsertStatement builds the INSERT ... ON CONFLICT statement for one row.
func upsertStatement(schema, table string, row Row) (string, []any, error) {
	names := make([]string, 0, len(row))
	for name := range row {
		names = append(names, name)
	}
	sort.Strings(names)

	cols := make([]string, len(names))
	holders := make([]string, len(names))
	args := make([]any, len(names))
	var updates []string
	for i, name := range names {
		v, err := sqlValue(row[name])
		if err != nil {
			return "", nil, err
		}
		if name == IdentityField {
			// The identity column is TEXT; numeric ids are stored as their text.
			v = row.ID()
		}
		cols[i] = quoteIdentifier(name)
		holders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = v
		if name != IdentityField {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", cols[i], cols[i]))
		}
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) ",
		qualified(schema, table), strings.Join(cols, ", "), strings.Join(holders, ", "), quoteIdentifier(IdentityField))
	if len(updates) == 0 {
		query += "DO NOTHING"
	} else {
		query += "DO UPDATE SET " + strings.Join(updates, ", ")
	}
	return query, args, nil
}
