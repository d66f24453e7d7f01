package agentsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pdvdash/storesync/internal/catalog"
	"github.com/pdvdash/storesync/internal/control"
	"github.com/pdvdash/storesync/internal/source"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var testCatalog = catalog.Catalog{Tables: []catalog.Table{
	{Name: "PRODUCT", Endpoint: "/api/sync/cadastros/produto", Columns: "ID, NAME", KeyColumn: "ID", Role: catalog.Registry},
	{
		Name: "SALE", Endpoint: "/api/sync/sale", Columns: "ID, DT, TOTAL, VOID", KeyColumn: "ID", Role: catalog.Fact,
		Fact: &catalog.FactSpec{DateColumn: "DT", DeletedColumn: "VOID", DeletedValue: "S", DeleteEndpoint: "/api/sync/sale/delete"},
	},
	{
		Name: "SALE_ITEM", Endpoint: "/api/sync/sale_item", Columns: "ID, ID_SALE, PRODUCT", KeyColumn: "ID", Role: catalog.Child,
		Parent: &catalog.ParentSpec{Table: "SALE", Key: "ID", ForeignKey: "ID_SALE"},
	},
}}

var testCutoff = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type sentBatch struct {
	Endpoint string
	Records  []source.Record
}

type fakeRemote struct {
	mu        sync.Mutex
	sends     []sentBatch
	deletes   []string
	sendErr   func(endpoint string, records []source.Record) error
	deleteErr error
}

func (f *fakeRemote) Send(_ context.Context, endpoint string, records []source.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sentBatch{Endpoint: endpoint, Records: records})
	if f.sendErr != nil {
		return f.sendErr(endpoint, records)
	}
	return nil
}

func (f *fakeRemote) Delete(_ context.Context, endpoint, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, endpoint+"#"+id)
	return f.deleteErr
}

func (f *fakeRemote) sent() []sentBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentBatch(nil), f.sends...)
}

func (f *fakeRemote) sentTo(endpoint string) []sentBatch {
	var out []sentBatch
	for _, b := range f.sent() {
		if b.Endpoint == endpoint {
			out = append(out, b)
		}
	}
	return out
}

type testEnv struct {
	db        *sql.DB
	dsn       string
	stateFile string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	dsn := filepath.Join(dir, "pdv.db") + "?_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	for _, stmt := range []string{
		`CREATE TABLE PRODUCT (ID INTEGER PRIMARY KEY, NAME TEXT)`,
		`CREATE TABLE SALE (ID INTEGER PRIMARY KEY, DT DATE, TOTAL NUMERIC(10,2), VOID CHAR(1))`,
		`CREATE TABLE SALE_ITEM (ID INTEGER PRIMARY KEY, ID_SALE INTEGER, PRODUCT TEXT)`,
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	return &testEnv{db: db, dsn: dsn, stateFile: filepath.Join(dir, "state", "agent.json")}
}

func (e *testEnv) opener() Opener {
	return func(ctx context.Context) (Source, error) {
		d, err := source.DialectFor("sqlite")
		if err != nil {
			return nil, err
		}
		st, err := source.Open(ctx, e.dsn, source.Options{Dialect: d})
		if err != nil {
			return nil, err
		}
		return st, nil
	}
}

func (e *testEnv) exec(t *testing.T, query string, args ...any) {
	t.Helper()
	_, err := e.db.Exec(query, args...)
	require.NoError(t, err)
}

func (e *testEnv) marker(t *testing.T, table string, id int) source.Marker {
	t.Helper()
	var m sql.NullString
	require.NoError(t, e.db.QueryRow("SELECT SYNK_DASH_PEND FROM "+table+" WHERE ID = ?", id).Scan(&m))
	return source.Marker(m.String)
}

func (e *testEnv) pending(t *testing.T, table string) int {
	t.Helper()
	var n int
	require.NoError(t, e.db.QueryRow("SELECT COUNT(*) FROM "+table+" WHERE SYNK_DASH_PEND = 'S'").Scan(&n))
	return n
}

func (e *testEnv) syncer(t *testing.T, client RemoteClient, open Opener, mutate func(*SyncerOptions)) *Syncer {
	t.Helper()
	logger := log.New()
	logger.SetOutput(io.Discard)
	opts := SyncerOptions{
		Catalog:       testCatalog,
		StoreID:       "12345678000199",
		BatchSize:     2,
		Cutoff:        testCutoff,
		StateFile:     e.stateFile,
		MaxRejections: 2,
		Logger:        logger,
	}
	if mutate != nil {
		mutate(&opts)
	}
	if open == nil {
		open = e.opener()
	}
	s, err := NewSyncer(client, open, opts)
	require.NoError(t, err)
	return s
}

func TestSyncOnceDeliversPendingRowsInBatches(t *testing.T) {
	env := newTestEnv(t)
	for i := 1; i <= 5; i++ {
		env.exec(t, "INSERT INTO PRODUCT (ID, NAME) VALUES (?, ?)", i, "product")
	}
	remote := &fakeRemote{}
	s := env.syncer(t, remote, nil, nil)
	ctx := context.Background()

	var sizes []int
	for cycle := 0; cycle < 3; cycle++ {
		res, err := s.SyncOnce(ctx)
		require.NoError(t, err)
		sizes = append(sizes, res.Rows)
	}
	require.Equal(t, []int{2, 2, 1}, sizes)
	require.Zero(t, env.pending(t, "PRODUCT"))

	batches := remote.sentTo("/api/sync/cadastros/produto")
	require.Len(t, batches, 3)
	rec := batches[0].Records[0]
	require.Equal(t, "1", rec[source.IdentityField])
	require.Equal(t, "12345678000199", rec[StoreField])
	require.NotContains(t, rec, "id")

	res, err := s.SyncOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Batches)
	require.Len(t, remote.sent(), 3)
}

func TestFailedSendIsRetriedWithSameContent(t *testing.T) {
	env := newTestEnv(t)
	env.exec(t, "INSERT INTO PRODUCT (ID, NAME) VALUES (1, 'coffee'), (2, 'bread')")
	calls := 0
	remote := &fakeRemote{sendErr: func(string, []source.Record) error {
		calls++
		if calls == 1 {
			return &HTTPError{StatusCode: http.StatusInternalServerError, Message: "boom"}
		}
		return nil
	}}
	s := env.syncer(t, remote, nil, nil)
	ctx := context.Background()

	res, err := s.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failures)
	require.Equal(t, source.Pending, env.marker(t, "PRODUCT", 1))
	require.Equal(t, source.Pending, env.marker(t, "PRODUCT", 2))

	res, err = s.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Rows)
	require.Equal(t, source.Cleared, env.marker(t, "PRODUCT", 1))
	require.Equal(t, source.Cleared, env.marker(t, "PRODUCT", 2))

	sent := remote.sent()
	require.Len(t, sent, 2)
	require.Equal(t, sent[0].Records, sent[1].Records)
}

type failingClear struct {
	Source
}

func (failingClear) Clear(context.Context, catalog.Table, []string) (int64, error) {
	return 0, errors.New("disk I/O error")
}

func TestMarkersStayPendingWhenClearFails(t *testing.T) {
	env := newTestEnv(t)
	env.exec(t, "INSERT INTO PRODUCT (ID, NAME) VALUES (1, 'coffee')")
	remote := &fakeRemote{}
	open := env.opener()
	s := env.syncer(t, remote, func(ctx context.Context) (Source, error) {
		src, err := open(ctx)
		if err != nil {
			return nil, err
		}
		return failingClear{src}, nil
	}, nil)

	res, err := s.SyncOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, res.Rows)
	require.Equal(t, 1, res.Failures)
	require.Equal(t, source.Pending, env.marker(t, "PRODUCT", 1))

	// The next cycle resends the same row; the receiver upserts it.
	s.open = open
	res, err = s.SyncOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Rows)
	require.Equal(t, source.Cleared, env.marker(t, "PRODUCT", 1))
	require.Len(t, remote.sent(), 2)
}

func TestNothingIsClearedWithoutAcknowledgement(t *testing.T) {
	env := newTestEnv(t)
	env.exec(t, "INSERT INTO PRODUCT (ID, NAME) VALUES (1, 'a'), (2, 'b'), (3, 'c')")
	env.exec(t, "INSERT INTO SALE (ID, DT, TOTAL, VOID) VALUES (1, '2024-02-01', 10, 'N')")
	remote := &fakeRemote{sendErr: func(string, []source.Record) error {
		return errors.New("connection refused")
	}}
	s := env.syncer(t, remote, nil, nil)

	for i := 0; i < 3; i++ {
		_, err := s.SyncOnce(context.Background())
		require.NoError(t, err)
	}
	require.Equal(t, 3, env.pending(t, "PRODUCT"))
	require.Equal(t, 1, env.pending(t, "SALE"))
}

func TestRowRewrittenDuringDeliveryIsResent(t *testing.T) {
	env := newTestEnv(t)
	env.exec(t, "INSERT INTO PRODUCT (ID, NAME) VALUES (1, 'coffee')")
	rewritten := false
	remote := &fakeRemote{sendErr: func(endpoint string, _ []source.Record) error {
		if endpoint == "/api/sync/cadastros/produto" && !rewritten {
			rewritten = true
			env.exec(t, "UPDATE PRODUCT SET NAME = 'espresso' WHERE ID = 1")
		}
		return nil
	}}
	s := env.syncer(t, remote, nil, nil)
	ctx := context.Background()

	_, err := s.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, source.Pending, env.marker(t, "PRODUCT", 1))

	_, err = s.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, source.Cleared, env.marker(t, "PRODUCT", 1))
	batches := remote.sentTo("/api/sync/cadastros/produto")
	require.Len(t, batches, 2)
	require.Equal(t, "coffee", batches[0].Records[0]["name"])
	require.Equal(t, "espresso", batches[1].Records[0]["name"])
}

func TestParentIsDeliveredBeforeChildren(t *testing.T) {
	env := newTestEnv(t)
	env.exec(t, "INSERT INTO SALE (ID, DT, TOTAL, VOID) VALUES (1, '2024-02-01', 10, 'N')")
	env.exec(t, "INSERT INTO SALE_ITEM (ID, ID_SALE, PRODUCT) VALUES (1, 1, 'coffee'), (2, 1, 'bread')")
	remote := &fakeRemote{sendErr: func(endpoint string, _ []source.Record) error {
		if endpoint == "/api/sync/sale" {
			return &HTTPError{StatusCode: http.StatusServiceUnavailable}
		}
		return nil
	}}
	s := env.syncer(t, remote, nil, nil)

	_, err := s.SyncOnce(context.Background())
	require.NoError(t, err)
	require.Empty(t, remote.sentTo("/api/sync/sale_item"), "children must not be sent before their sale")

	remote.mu.Lock()
	remote.sendErr = nil
	remote.mu.Unlock()
	_, err = s.SyncOnce(context.Background())
	require.NoError(t, err)

	sent := remote.sent()
	require.Len(t, sent, 3)
	require.Equal(t, "/api/sync/sale", sent[1].Endpoint)
	require.Equal(t, "/api/sync/sale_item", sent[2].Endpoint)
	require.Zero(t, env.pending(t, "SALE_ITEM"))
}

func TestSoftDeletedSaleIsPropagatedAsDelete(t *testing.T) {
	env := newTestEnv(t)
	remote := &fakeRemote{}
	s := env.syncer(t, remote, nil, nil)
	require.NoError(t, s.Bootstrap(context.Background()))

	env.exec(t, "INSERT INTO SALE (ID, DT, TOTAL, VOID) VALUES (7, '2024-02-01', 10, 'S')")
	env.exec(t, "INSERT INTO SALE_ITEM (ID, ID_SALE, PRODUCT) VALUES (1, 7, 'coffee'), (2, 7, 'bread')")

	res, err := s.SyncOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Deletes)
	require.Equal(t, []string{"/api/sync/sale/delete#7"}, remote.deletes)
	require.Empty(t, remote.sent(), "no upsert for a deleted sale or its items")
	require.Equal(t, source.Cleared, env.marker(t, "SALE", 7))
	require.Equal(t, source.Cleared, env.marker(t, "SALE_ITEM", 1))
	require.Equal(t, source.Cleared, env.marker(t, "SALE_ITEM", 2))
}

func TestFailedDeleteKeepsRowsPending(t *testing.T) {
	env := newTestEnv(t)
	remote := &fakeRemote{deleteErr: &HTTPError{StatusCode: http.StatusBadGateway}}
	s := env.syncer(t, remote, nil, nil)
	require.NoError(t, s.Bootstrap(context.Background()))
	env.exec(t, "INSERT INTO SALE (ID, DT, TOTAL, VOID) VALUES (7, '2024-02-01', 10, 'S')")
	env.exec(t, "INSERT INTO SALE_ITEM (ID, ID_SALE, PRODUCT) VALUES (1, 7, 'coffee')")

	res, err := s.SyncOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, res.Deletes)
	require.Equal(t, source.Pending, env.marker(t, "SALE", 7))
	require.Equal(t, source.Pending, env.marker(t, "SALE_ITEM", 1))
}

func TestFirstBootstrapRetiresHistory(t *testing.T) {
	env := newTestEnv(t)
	env.exec(t, `INSERT INTO SALE (ID, DT, TOTAL, VOID) VALUES
		(1, '2023-06-01', 10, 'N'),
		(2, '2024-02-01', 10, 'S'),
		(3, '2024-02-02', 10, 'N')`)
	env.exec(t, "INSERT INTO SALE_ITEM (ID, ID_SALE, PRODUCT) VALUES (1, 1, 'old'), (2, 2, 'voided'), (3, 3, 'live')")
	remote := &fakeRemote{}
	s := env.syncer(t, remote, nil, nil)

	first, err := s.FirstRun()
	require.NoError(t, err)
	require.True(t, first)
	require.NoError(t, s.Bootstrap(context.Background()))

	require.Equal(t, source.Cleared, env.marker(t, "SALE", 1), "before cutoff")
	require.Equal(t, source.Cleared, env.marker(t, "SALE", 2), "deleted before the first run")
	require.Equal(t, source.Cleared, env.marker(t, "SALE_ITEM", 1))
	require.Equal(t, source.Cleared, env.marker(t, "SALE_ITEM", 2))
	require.Equal(t, source.Pending, env.marker(t, "SALE", 3))
	require.Equal(t, source.Pending, env.marker(t, "SALE_ITEM", 3))

	state, err := readStateFile(env.stateFile)
	require.NoError(t, err)
	require.False(t, state.BootstrappedAt.IsZero())
	require.Equal(t, "2024-01-01", state.Cutoff)

	// A later run keeps the stored cutoff and announces new deletions.
	s2 := env.syncer(t, remote, nil, func(o *SyncerOptions) { o.Cutoff = time.Time{} })
	first, err = s2.FirstRun()
	require.NoError(t, err)
	require.False(t, first)
	env.exec(t, "UPDATE SALE SET VOID = 'S' WHERE ID = 3")
	res, err := s2.SyncOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, testCutoff, s2.Cutoff())
	require.Equal(t, 1, res.Deletes)
}

func TestPermanentRejectionIsBisectedThenQuarantined(t *testing.T) {
	env := newTestEnv(t)
	for i := 1; i <= 4; i++ {
		env.exec(t, "INSERT INTO PRODUCT (ID, NAME) VALUES (?, 'p')", i)
	}
	remote := &fakeRemote{sendErr: func(_ string, records []source.Record) error {
		for _, r := range records {
			if r[source.IdentityField] == "3" {
				return &HTTPError{StatusCode: http.StatusUnprocessableEntity, Code: "invalid_row"}
			}
		}
		return nil
	}}
	s := env.syncer(t, remote, nil, func(o *SyncerOptions) { o.BatchSize = 4 })
	ctx := context.Background()

	res, err := s.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, res.Rows)
	require.Len(t, remote.sent(), 5)
	require.Equal(t, source.Pending, env.marker(t, "PRODUCT", 3))
	require.Equal(t, source.Cleared, env.marker(t, "PRODUCT", 4))

	state, err := readStateFile(env.stateFile)
	require.NoError(t, err)
	require.Equal(t, 1, state.Rejections["PRODUCT"]["3"])

	res, err = s.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Quarantined)
	require.Equal(t, source.Quarantined, env.marker(t, "PRODUCT", 3))
	state, err = readStateFile(env.stateFile)
	require.NoError(t, err)
	require.Empty(t, state.Rejections)

	before := len(remote.sent())
	_, err = s.SyncOnce(ctx)
	require.NoError(t, err)
	require.Len(t, remote.sent(), before)

	// Fixing the row through the application re-arms it.
	env.exec(t, "UPDATE PRODUCT SET NAME = 'fixed' WHERE ID = 3")
	require.Equal(t, source.Pending, env.marker(t, "PRODUCT", 3))
}

func TestZeroMaxRejectionsRetriesForever(t *testing.T) {
	env := newTestEnv(t)
	env.exec(t, "INSERT INTO PRODUCT (ID, NAME) VALUES (1, 'a'), (2, 'b')")
	remote := &fakeRemote{sendErr: func(string, []source.Record) error {
		return &HTTPError{StatusCode: http.StatusBadRequest}
	}}
	s := env.syncer(t, remote, nil, func(o *SyncerOptions) { o.MaxRejections = 0 })

	for i := 0; i < 4; i++ {
		_, err := s.SyncOnce(context.Background())
		require.NoError(t, err)
	}
	require.Len(t, remote.sent(), 4)
	require.Equal(t, 2, env.pending(t, "PRODUCT"))
}

func TestStructurallyBrokenTableIsSkipped(t *testing.T) {
	env := newTestEnv(t)
	env.exec(t, "INSERT INTO PRODUCT (ID, NAME) VALUES (1, 'a')")
	cat := catalog.Catalog{Tables: append([]catalog.Table{
		{Name: "MISSING", Endpoint: "/api/sync/missing", Columns: "ID", KeyColumn: "ID"},
	}, testCatalog.Tables...)}
	remote := &fakeRemote{}
	s := env.syncer(t, remote, nil, func(o *SyncerOptions) { o.Catalog = cat })

	res, err := s.SyncOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Rows)
	require.Contains(t, s.Broken(), "MISSING")
	require.ErrorIs(t, s.Broken()["MISSING"], source.ErrStructural)

	// Once the table exists, the next maintenance sweep picks it up.
	env.exec(t, "CREATE TABLE MISSING (ID INTEGER PRIMARY KEY)")
	env.exec(t, "INSERT INTO MISSING (ID) VALUES (1)")
	s.state.LastMaintenance = time.Time{}
	res, err = s.SyncOnce(context.Background())
	require.NoError(t, err)
	require.Empty(t, s.Broken())
	require.Len(t, remote.sentTo("/api/sync/missing"), 1)
}

func TestBootstrapFailsWhenSourceIsUnreachable(t *testing.T) {
	remote := &fakeRemote{}
	env := newTestEnv(t)
	s := env.syncer(t, remote, func(context.Context) (Source, error) {
		return nil, errors.New("connection refused")
	}, nil)
	_, err := s.SyncOnce(context.Background())
	require.ErrorContains(t, err, "connection refused")
}

func TestRunHonorsPauseAndStop(t *testing.T) {
	env := newTestEnv(t)
	env.exec(t, "INSERT INTO PRODUCT (ID, NAME) VALUES (1, 'a'), (2, 'b'), (3, 'c')")
	remote := &fakeRemote{}
	signals := control.New()
	signals.Pause()
	s := env.syncer(t, remote, nil, func(o *SyncerOptions) {
		o.Signals = signals
		o.Timing = Timing{ActivePause: 5 * time.Millisecond, IdleInterval: 5 * time.Millisecond, ErrorBackoff: 5 * time.Millisecond}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, remote.sent(), "a paused loop must not deliver")
	require.Equal(t, control.Paused, signals.Status().State)

	signals.Resume()
	require.Eventually(t, func() bool { return env.pending(t, "PRODUCT") == 0 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return signals.Status().State == control.Idle }, 5*time.Second, 10*time.Millisecond)
	require.EqualValues(t, 3, signals.Status().Rows)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("expected Run to return after cancel")
	}
}

func TestRunSurvivesPanics(t *testing.T) {
	env := newTestEnv(t)
	signals := control.New()
	var mu sync.Mutex
	opens := 0
	s := env.syncer(t, &fakeRemote{}, func(context.Context) (Source, error) {
		mu.Lock()
		defer mu.Unlock()
		opens++
		panic("driver exploded")
	}, func(o *SyncerOptions) {
		o.Signals = signals
		o.Timing = Timing{ErrorBackoff: time.Millisecond}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return opens >= 3
	}, 5*time.Second, 5*time.Millisecond)
	require.Contains(t, signals.Status().LastError, "driver exploded")
}

func TestSyncOnceAgainstHTTPReceiver(t *testing.T) {
	var mu sync.Mutex
	var bodies [][]map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body []map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		bodies = append(bodies, body)
		first := len(bodies) == 1
		mu.Unlock()
		if first {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	env := newTestEnv(t)
	env.exec(t, "INSERT INTO PRODUCT (ID, NAME) VALUES (1, ' coffee ')")
	client := NewHTTPClient(server.URL, "token", nil, ClientOptions{StoreID: "store-1"})
	s := env.syncer(t, client, nil, nil)

	_, err := s.SyncOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, source.Pending, env.marker(t, "PRODUCT", 1))
	_, err = s.SyncOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, source.Cleared, env.marker(t, "PRODUCT", 1))

	require.Len(t, bodies, 2)
	require.Equal(t, bodies[0], bodies[1])
	require.Equal(t, []map[string]any{{"id_original": "1", "name": "coffee", "cnpj_loja": "12345678000199"}}, bodies[1])
}
