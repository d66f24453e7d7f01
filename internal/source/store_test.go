package source

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"path/filepath"
	"testing"
	"time"

	"github.com/pdvdash/storesync/internal/catalog"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

var (
	productTable = catalog.Table{Name: "PRODUCT", Endpoint: "/api/sync/cadastros/produto", Columns: "ID, NAME, PRICE", KeyColumn: "ID", Role: catalog.Registry}
	saleTable    = catalog.Table{
		Name: "SALE", Endpoint: "/api/sync/sale", Columns: "ID, DT, TOTAL, VOID", KeyColumn: "ID", Role: catalog.Fact,
		Fact: &catalog.FactSpec{DateColumn: "DT", DeletedColumn: "VOID", DeletedValue: "S", DeleteEndpoint: "/api/sync/sale/delete"},
	}
	itemTable = catalog.Table{
		Name: "SALE_ITEM", Endpoint: "/api/sync/sale_item", Columns: "ID_SALE, PRODUCT, QTY", Role: catalog.Child,
		Parent: &catalog.ParentSpec{Table: "SALE", Key: "ID", ForeignKey: "ID_SALE"},
	}
)

var cutoff = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "pdv.db")+"?_busy_timeout=5000")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	for _, stmt := range []string{
		`CREATE TABLE PRODUCT (ID INTEGER PRIMARY KEY, NAME TEXT, PRICE NUMERIC(10,2))`,
		`CREATE TABLE SALE (ID INTEGER PRIMARY KEY, DT DATE, TOTAL NUMERIC(10,2), VOID CHAR(1))`,
		`CREATE TABLE SALE_ITEM (ID_SALE INTEGER, PRODUCT TEXT, QTY NUMERIC(10,3))`,
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}

	d, err := DialectFor("sqlite")
	require.NoError(t, err)
	s, err := New(db, Options{Dialect: d})
	require.NoError(t, err)

	ctx := context.Background()
	for _, tbl := range []catalog.Table{productTable, saleTable, itemTable} {
		added, err := s.EnsureColumn(ctx, tbl)
		require.NoError(t, err)
		require.True(t, added)
		require.NoError(t, s.EnsureTrigger(ctx, tbl))
	}
	return s, db
}

func markerOf(t *testing.T, db *sql.DB, query string, args ...any) Marker {
	t.Helper()
	var m sql.NullString
	require.NoError(t, db.QueryRow(query, args...).Scan(&m))
	return Marker(m.String)
}

func mustExec(t *testing.T, db *sql.DB, query string, args ...any) {
	t.Helper()
	_, err := db.Exec(query, args...)
	require.NoError(t, err)
}

func TestEnsureColumnIsIdempotent(t *testing.T) {
	s, _ := openTestStore(t)
	added, err := s.EnsureColumn(context.Background(), productTable)
	require.NoError(t, err)
	require.False(t, added)
	// Re-installing the trigger replaces it.
	require.NoError(t, s.EnsureTrigger(context.Background(), productTable))
}

func TestEnsureColumnReportsStructuralFailure(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.EnsureColumn(context.Background(), catalog.Table{Name: "MISSING", Columns: "ID"})
	require.ErrorIs(t, err, ErrStructural)
}

func TestTriggerFollowsMarkerRules(t *testing.T) {
	s, db := openTestStore(t)
	ctx := context.Background()
	const q = "SELECT SYNK_DASH_PEND FROM PRODUCT WHERE ID = ?"

	// Insert forces Pending even when a value is supplied.
	mustExec(t, db, "INSERT INTO PRODUCT (ID, NAME, SYNK_DASH_PEND) VALUES (1, 'Coffee', 'N')")
	require.Equal(t, Pending, markerOf(t, db, q, 1))

	batch, err := s.SelectBatch(ctx, productTable, BatchQuery{Size: 10})
	require.NoError(t, err)
	n, err := s.Clear(ctx, productTable, batch.Locators)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.Equal(t, Cleared, markerOf(t, db, q, 1))

	// A business update that leaves the marker untouched re-arms it.
	mustExec(t, db, "UPDATE PRODUCT SET NAME = 'Espresso' WHERE ID = 1")
	require.Equal(t, Pending, markerOf(t, db, q, 1))

	// Explicit transitions are accepted.
	mustExec(t, db, "UPDATE PRODUCT SET SYNK_DASH_PEND = 'Q' WHERE ID = 1")
	require.Equal(t, Quarantined, markerOf(t, db, q, 1))
	mustExec(t, db, "UPDATE PRODUCT SET NAME = 'Ristretto' WHERE ID = 1")
	require.Equal(t, Pending, markerOf(t, db, q, 1))

	// Writing NULL re-arms too.
	mustExec(t, db, "UPDATE PRODUCT SET SYNK_DASH_PEND = NULL WHERE ID = 1")
	require.Equal(t, Pending, markerOf(t, db, q, 1))
}

func TestSelectBatchPagesThroughPendingRows(t *testing.T) {
	s, db := openTestStore(t)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		mustExec(t, db, "INSERT INTO PRODUCT (ID, NAME, PRICE) VALUES (?, ?, ?)", i, "  item  ", 2.5)
	}

	var seen []string
	for round := 0; round < 3; round++ {
		batch, err := s.SelectBatch(ctx, productTable, BatchQuery{Size: 2})
		require.NoError(t, err)
		require.LessOrEqual(t, batch.Len(), 2)
		for _, rec := range batch.Records {
			seen = append(seen, rec[IdentityField].(string))
			require.Equal(t, "item", rec["name"])
			require.NotContains(t, rec, "id")
			require.NotContains(t, rec, "synk_dash_pend")
			require.NotContains(t, rec, "sync_locator")
		}
		_, err = s.Clear(ctx, productTable, batch.Locators)
		require.NoError(t, err)
	}
	require.Equal(t, []string{"1", "2", "3", "4", "5"}, seen)

	batch, err := s.SelectBatch(ctx, productTable, BatchQuery{Size: 2})
	require.NoError(t, err)
	require.Zero(t, batch.Len())
}

func TestClearSkipsRowsNoLongerInFlight(t *testing.T) {
	s, db := openTestStore(t)
	ctx := context.Background()
	mustExec(t, db, "INSERT INTO PRODUCT (ID, NAME) VALUES (1, 'a'), (2, 'b')")
	batch, err := s.SelectBatch(ctx, productTable, BatchQuery{Size: 10})
	require.NoError(t, err)
	mustExec(t, db, "UPDATE PRODUCT SET SYNK_DASH_PEND = 'Q' WHERE ID = 2")

	n, err := s.Clear(ctx, productTable, batch.Locators)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.Equal(t, Quarantined, markerOf(t, db, "SELECT SYNK_DASH_PEND FROM PRODUCT WHERE ID = 2"))
}

func TestUpdateDuringDeliveryStaysPending(t *testing.T) {
	s, db := openTestStore(t)
	ctx := context.Background()
	const q = "SELECT SYNK_DASH_PEND FROM PRODUCT WHERE ID = 1"
	mustExec(t, db, "INSERT INTO PRODUCT (ID, NAME) VALUES (1, 'Coffee')")

	batch, err := s.SelectBatch(ctx, productTable, BatchQuery{Size: 10})
	require.NoError(t, err)
	require.Equal(t, 1, batch.Len())
	require.Equal(t, InFlight, markerOf(t, db, q))

	// The POS rewrites the row while the batch is on the wire.
	mustExec(t, db, "UPDATE PRODUCT SET NAME = 'Espresso' WHERE ID = 1")
	require.Equal(t, Pending, markerOf(t, db, q))

	n, err := s.Clear(ctx, productTable, batch.Locators)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, Pending, markerOf(t, db, q))

	batch, err = s.SelectBatch(ctx, productTable, BatchQuery{Size: 10})
	require.NoError(t, err)
	require.Equal(t, 1, batch.Len())
	require.Equal(t, "Espresso", batch.Records[0]["name"])
}

func TestReleaseAndInterruptedBatches(t *testing.T) {
	s, db := openTestStore(t)
	ctx := context.Background()
	mustExec(t, db, "INSERT INTO PRODUCT (ID, NAME) VALUES (1, 'a'), (2, 'b')")

	batch, err := s.SelectBatch(ctx, productTable, BatchQuery{Size: 1})
	require.NoError(t, err)
	n, err := s.Release(ctx, productTable, batch.Locators)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	c, err := s.Count(ctx, productTable)
	require.NoError(t, err)
	require.Equal(t, Counts{Pending: 2}, c)

	// A batch abandoned without Clear or Release is picked up again.
	_, err = s.SelectBatch(ctx, productTable, BatchQuery{Size: 1})
	require.NoError(t, err)
	c, err = s.Count(ctx, productTable)
	require.NoError(t, err)
	require.Equal(t, Counts{Pending: 1, InFlight: 1}, c)

	batch, err = s.SelectBatch(ctx, productTable, BatchQuery{Size: 10})
	require.NoError(t, err)
	require.Equal(t, 2, batch.Len())
	require.Equal(t, "1", batch.Records[0][IdentityField])
}

func TestKeylessTablesNeedStableLocators(t *testing.T) {
	_, db := openTestStore(t)
	s, err := New(db, Options{Dialect: postgresDialect{}})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.EnsureColumn(ctx, itemTable)
	require.ErrorIs(t, err, ErrStructural)
	_, err = s.SelectBatch(ctx, itemTable, BatchQuery{Size: 10})
	require.ErrorIs(t, err, ErrStructural)
}

func seedSales(t *testing.T, db *sql.DB) {
	t.Helper()
	mustExec(t, db, `INSERT INTO SALE (ID, DT, TOTAL, VOID) VALUES
		(1, '2024-03-10', 10.5, 'N'),
		(2, '2023-12-01', 7, 'N'),
		(3, '2024-03-11', 3, 'S')`)
	mustExec(t, db, `INSERT INTO SALE_ITEM (ID_SALE, PRODUCT, QTY) VALUES
		(1, 'coffee', 1), (1, 'bread', 2),
		(2, 'milk', 1),
		(3, 'tea', 1), (3, 'cake', 1)`)
}

func TestChildRowsWaitForTheirParent(t *testing.T) {
	s, db := openTestStore(t)
	ctx := context.Background()
	seedSales(t, db)
	q := BatchQuery{Size: 50, Cutoff: cutoff, Parent: &saleTable}

	items, err := s.SelectBatch(ctx, itemTable, q)
	require.NoError(t, err)
	require.Zero(t, items.Len(), "children must wait until their sale is delivered")

	sales, err := s.SelectBatch(ctx, saleTable, BatchQuery{Size: 50, Cutoff: cutoff})
	require.NoError(t, err)
	require.Equal(t, 1, sales.Len(), "old and voided sales are not upserted")
	require.Equal(t, "1", sales.Records[0][IdentityField])
	require.Equal(t, "2024-03-10", sales.Records[0]["dt"])
	_, err = s.Clear(ctx, saleTable, sales.Locators)
	require.NoError(t, err)

	items, err = s.SelectBatch(ctx, itemTable, q)
	require.NoError(t, err)
	require.Equal(t, 2, items.Len())
	for i, rec := range items.Records {
		require.EqualValues(t, 1, rec["id_sale"])
		require.Equal(t, items.Locators[i], rec[IdentityField], "keyless tables use the row locator as identity")
	}
}

func TestSweepCutoffClearsOldRows(t *testing.T) {
	s, db := openTestStore(t)
	ctx := context.Background()
	seedSales(t, db)

	n, err := s.SweepCutoff(ctx, saleTable, []catalog.Table{itemTable}, cutoff)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	require.Equal(t, Cleared, markerOf(t, db, "SELECT SYNK_DASH_PEND FROM SALE WHERE ID = 2"))
	require.Equal(t, Cleared, markerOf(t, db, "SELECT SYNK_DASH_PEND FROM SALE_ITEM WHERE PRODUCT = 'milk'"))
	require.Equal(t, Pending, markerOf(t, db, "SELECT SYNK_DASH_PEND FROM SALE WHERE ID = 1"))
	require.Equal(t, Pending, markerOf(t, db, "SELECT SYNK_DASH_PEND FROM SALE_ITEM WHERE PRODUCT = 'coffee'"))
}

func TestDeletionPropagationClearsFactAndChildren(t *testing.T) {
	s, db := openTestStore(t)
	ctx := context.Background()
	seedSales(t, db)

	dels, err := s.SelectDeleted(ctx, saleTable, BatchQuery{Size: 50, Cutoff: cutoff})
	require.NoError(t, err)
	require.Len(t, dels, 1)
	require.Equal(t, "3", dels[0].ID)

	require.NoError(t, s.ClearDeleted(ctx, saleTable, []catalog.Table{itemTable}, dels[0]))
	require.Equal(t, Cleared, markerOf(t, db, "SELECT SYNK_DASH_PEND FROM SALE WHERE ID = 3"))
	var pending int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM SALE_ITEM WHERE ID_SALE = 3 AND SYNK_DASH_PEND = 'S'").Scan(&pending))
	require.Zero(t, pending)
	require.Equal(t, Pending, markerOf(t, db, "SELECT SYNK_DASH_PEND FROM SALE_ITEM WHERE PRODUCT = 'coffee'"))

	dels, err = s.SelectDeleted(ctx, saleTable, BatchQuery{Size: 50, Cutoff: cutoff})
	require.NoError(t, err)
	require.Empty(t, dels)
}

func TestRestoredDeletionIsNotCleared(t *testing.T) {
	s, db := openTestStore(t)
	ctx := context.Background()
	seedSales(t, db)

	dels, err := s.SelectDeleted(ctx, saleTable, BatchQuery{Size: 50, Cutoff: cutoff})
	require.NoError(t, err)
	require.Len(t, dels, 1)
	require.Equal(t, InFlight, markerOf(t, db, "SELECT SYNK_DASH_PEND FROM SALE WHERE ID = 3"))

	mustExec(t, db, "UPDATE SALE SET VOID = 'N' WHERE ID = 3")
	require.NoError(t, s.ClearDeleted(ctx, saleTable, []catalog.Table{itemTable}, dels[0]))
	require.Equal(t, Pending, markerOf(t, db, "SELECT SYNK_DASH_PEND FROM SALE WHERE ID = 3"))
	require.Equal(t, Pending, markerOf(t, db, "SELECT SYNK_DASH_PEND FROM SALE_ITEM WHERE PRODUCT = 'tea'"))
}

func TestRetireDeletedClearsHistory(t *testing.T) {
	s, db := openTestStore(t)
	ctx := context.Background()
	seedSales(t, db)

	n, err := s.RetireDeleted(ctx, saleTable, []catalog.Table{itemTable})
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	c, err := s.Count(ctx, itemTable)
	require.NoError(t, err)
	require.Equal(t, Counts{Pending: 3, Cleared: 2}, c)
}

func TestNormalizeMarkersAndRearm(t *testing.T) {
	s, db := openTestStore(t)
	ctx := context.Background()
	mustExec(t, db, "INSERT INTO PRODUCT (ID, NAME) VALUES (1, 'a'), (2, 'b'), (3, 'c')")
	mustExec(t, db, "DROP TRIGGER TG_SYNC_PRODUCT_UPD")
	mustExec(t, db, "UPDATE PRODUCT SET SYNK_DASH_PEND = NULL WHERE ID = 1")
	mustExec(t, db, "UPDATE PRODUCT SET SYNK_DASH_PEND = 'N' WHERE ID = 2")
	mustExec(t, db, "UPDATE PRODUCT SET SYNK_DASH_PEND = 'Q' WHERE ID = 3")
	require.NoError(t, s.EnsureTrigger(ctx, productTable))

	n, err := s.NormalizeMarkers(ctx, productTable)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	c, err := s.Count(ctx, productTable)
	require.NoError(t, err)
	require.Equal(t, Counts{Pending: 1, Cleared: 1, Quarantined: 1}, c)

	n, err = s.Rearm(ctx, productTable, Quarantined)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	n, err = s.Rearm(ctx, productTable, Cleared, Quarantined)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	c, err = s.Count(ctx, productTable)
	require.NoError(t, err)
	require.Equal(t, Counts{Pending: 3}, c)
}

func TestQuarantineParksRows(t *testing.T) {
	s, db := openTestStore(t)
	ctx := context.Background()
	mustExec(t, db, "INSERT INTO PRODUCT (ID, NAME) VALUES (1, 'a'), (2, 'b')")
	batch, err := s.SelectBatch(ctx, productTable, BatchQuery{Size: 1})
	require.NoError(t, err)

	n, err := s.Quarantine(ctx, productTable, batch.Locators)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	batch, err = s.SelectBatch(ctx, productTable, BatchQuery{Size: 10})
	require.NoError(t, err)
	require.Equal(t, 1, batch.Len())
	require.Equal(t, "2", batch.Records[0][IdentityField])
}

// noRowsConnector hands out connections whose statements cannot report how
// many rows they touched.
type noRowsConnector struct{}

func (c noRowsConnector) Connect(context.Context) (driver.Conn, error) { return noRowsConn{}, nil }
func (c noRowsConnector) Driver() driver.Driver                      { return nil }

type noRowsConn struct{}

func (noRowsConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("prepare not supported") }
func (noRowsConn) Close() error                        { return nil }
func (noRowsConn) Begin() (driver.Tx, error)           { return nil, errors.New("transactions not supported") }
func (noRowsConn) ExecContext(context.Context, string, []driver.NamedValue) (driver.Result, error) {
	return driver.ResultNoRows, nil
}

func TestAffectedRowsErrorsAreReported(t *testing.T) {
	db := sql.OpenDB(noRowsConnector{})
	t.Cleanup(func() { _ = db.Close() })
	s, err := New(db, Options{Dialect: sqliteDialect{}})
	require.NoError(t, err)

	_, err = s.NormalizeMarkers(context.Background(), productTable)
	require.ErrorContains(t, err, "reading affected rows")
	_, err = s.Rearm(context.Background(), productTable, Cleared)
	require.ErrorContains(t, err, "reading affected rows")
}
