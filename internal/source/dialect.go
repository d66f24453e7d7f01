package source

import (
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// locatorAlias names the physical row locator in every batch query.
const locatorAlias = "SYNC_LOCATOR"

// Dialect captures the SQL differences between supported source databases.
type Dialect interface {
	Name() string
	Driver() string
	Placeholder(n int) string
	// Limit returns the text placed right after SELECT and at the end of the
	// statement to cap a result set at n rows.
	Limit(n int) (prefix, suffix string)
	// LocatorExpr selects the physical row locator.
	LocatorExpr() string
	// LocatorOrder is the ORDER BY expression for tables without a key
	// column. Empty means the dialect cannot order by locator.
	LocatorOrder() string
	// LocatorMatch is a WHERE fragment matching one row by locator.
	LocatorMatch(placeholder string) string
	// StableLocator reports whether a row keeps its locator across updates,
	// so it can stand in as the identity of tables without a key column.
	StableLocator() bool
	LocatorValue(v any) (string, error)
	LocatorArg(locator string) (any, error)
	AddMarkerColumn(table, column string) string
	TriggerStatements(table, column string) []string
}

// DialectFor returns the dialect registered under name.
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgres", "postgresql":
		return postgresDialect{}, nil
	case "sqlite", "sqlite3":
		return sqliteDialect{}, nil
	case "firebird", "firebirdsql":
		return firebirdDialect{}, nil
	default:
		return nil, errors.Errorf("unsupported database driver %q", name)
	}
}

type postgresDialect struct{}

func (postgresDialect) Name() string              { return "postgres" }
func (postgresDialect) Driver() string            { return "postgres" }
func (postgresDialect) Placeholder(n int) string  { return "$" + strconv.Itoa(n) }
func (postgresDialect) LocatorExpr() string       { return "ctid::text" }
func (postgresDialect) LocatorOrder() string      { return "ctid" }
func (postgresDialect) StableLocator() bool       { return false }
func (postgresDialect) LocatorMatch(p string) string {
	return "ctid = " + p + "::tid"
}

func (postgresDialect) Limit(n int) (string, string) {
	return "", fmt.Sprintf(" LIMIT %d", n)
}

func (postgresDialect) LocatorValue(v any) (string, error) {
	switch typed := v.(type) {
	case string:
		return typed, nil
	case []byte:
		return string(typed), nil
	}
	return "", errors.Errorf("unexpected ctid type %T", v)
}

func (postgresDialect) LocatorArg(locator string) (any, error) {
	return locator, nil
}

func (postgresDialect) AddMarkerColumn(table, column string) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s CHAR(1) DEFAULT '%s'", table, column, Pending)
}

func (postgresDialect) TriggerStatements(table, column string) []string {
	fn := "storesync_pending_" + strings.ToLower(table)
	trigger := triggerName(table)
	return []string{
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION %[1]s() RETURNS trigger AS $$
BEGIN
	IF TG_OP = 'INSERT' OR NEW.%[2]s IS NULL OR NEW.%[2]s = OLD.%[2]s THEN
		NEW.%[2]s := '%[3]s';
	END IF;
	RETURN NEW;
END;
$$ LANGUAGE plpgsql`, fn, column, Pending),
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", trigger, table),
		fmt.Sprintf("CREATE TRIGGER %s BEFORE INSERT OR UPDATE ON %s FOR EACH ROW EXECUTE FUNCTION %s()", trigger, table, fn),
	}
}

// sqliteDialect cannot assign NEW in a BEFORE trigger, so re-arming is done
// by AFTER triggers that rewrite the marker by rowid.
type sqliteDialect struct{}

func (sqliteDialect) Name() string                 { return "sqlite" }
func (sqliteDialect) Driver() string               { return "sqlite3" }
func (sqliteDialect) Placeholder(int) string       { return "?" }
func (sqliteDialect) LocatorExpr() string          { return "rowid" }
func (sqliteDialect) LocatorOrder() string         { return "rowid" }
func (sqliteDialect) LocatorMatch(p string) string { return "rowid = " + p }
func (sqliteDialect) StableLocator() bool          { return true }

func (sqliteDialect) Limit(n int) (string, string) {
	return "", fmt.Sprintf(" LIMIT %d", n)
}

func (sqliteDialect) LocatorValue(v any) (string, error) {
	switch typed := v.(type) {
	case int64:
		return strconv.FormatInt(typed, 10), nil
	case []byte:
		return string(typed), nil
	case string:
		return typed, nil
	}
	return "", errors.Errorf("unexpected rowid type %T", v)
}

func (sqliteDialect) LocatorArg(locator string) (any, error) {
	id, err := strconv.ParseInt(locator, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid rowid %q", locator)
	}
	return id, nil
}

func (sqliteDialect) AddMarkerColumn(table, column string) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s CHAR(1) DEFAULT '%s'", table, column, Pending)
}

func (sqliteDialect) TriggerStatements(table, column string) []string {
	name := triggerName(table)
	return []string{
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s_INS", name),
		fmt.Sprintf(`CREATE TRIGGER %[1]s_INS AFTER INSERT ON %[2]s
BEGIN
	UPDATE %[2]s SET %[3]s = '%[4]s' WHERE rowid = NEW.rowid;
END`, name, table, column, Pending),
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s_UPD", name),
		fmt.Sprintf(`CREATE TRIGGER %[1]s_UPD AFTER UPDATE ON %[2]s
WHEN NEW.%[3]s IS NULL OR NEW.%[3]s = OLD.%[3]s
BEGIN
	UPDATE %[2]s SET %[3]s = '%[4]s' WHERE rowid = NEW.rowid;
END`, name, table, column, Pending),
	}
}

type firebirdDialect struct{}

func (firebirdDialect) Name() string                 { return "firebird" }
func (firebirdDialect) Driver() string               { return "firebirdsql" }
func (firebirdDialect) Placeholder(int) string       { return "?" }
func (firebirdDialect) LocatorExpr() string          { return "RDB$DB_KEY" }
func (firebirdDialect) LocatorOrder() string         { return "" }
func (firebirdDialect) LocatorMatch(p string) string { return "RDB$DB_KEY = " + p }
func (firebirdDialect) StableLocator() bool          { return true }

func (firebirdDialect) Limit(n int) (string, string) {
	return fmt.Sprintf("FIRST %d ", n), ""
}

func (firebirdDialect) LocatorValue(v any) (string, error) {
	switch typed := v.(type) {
	case []byte:
		return hex.EncodeToString(typed), nil
	case string:
		return hex.EncodeToString([]byte(typed)), nil
	}
	return "", errors.Errorf("unexpected db_key type %T", v)
}

func (firebirdDialect) LocatorArg(locator string) (any, error) {
	key, err := hex.DecodeString(locator)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid db_key %q", locator)
	}
	return key, nil
}

func (firebirdDialect) AddMarkerColumn(table, column string) string {
	return fmt.Sprintf("ALTER TABLE %s ADD %s CHAR(1) DEFAULT '%s'", table, column, Pending)
}

func (firebirdDialect) TriggerStatements(table, column string) []string {
	return []string{fmt.Sprintf(`CREATE OR ALTER TRIGGER %[1]s FOR %[2]s
ACTIVE BEFORE INSERT OR UPDATE POSITION 99
AS BEGIN
	IF (INSERTING OR NEW.%[3]s IS NULL OR NEW.%[3]s = OLD.%[3]s) THEN
		NEW.%[3]s = '%[4]s';
END`, triggerName(table), table, column, Pending)}
}

// triggerName stays within Firebird's 31 character identifier limit. Long
// names are cut and suffixed with a hash of the full name so tables sharing
// a prefix get distinct triggers.
func triggerName(table string) string {
	name := strings.ToUpper(table)
	if len(name) > 23 {
		h := fnv.New32a()
		_, _ = h.Write([]byte(name))
		name = fmt.Sprintf("%s_%08X", name[:14], h.Sum32())
	}
	return "TG_SYNC_" + name
}
