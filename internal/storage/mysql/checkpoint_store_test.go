package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"OPAgent-Chain/internal/checkpoint"
	xerrors "OPAgent-Chain/internal/errors"
	"OPAgent-Chain/internal/events"
)

const storedDocument = `{"version":1,"utilsLibAddr":"0x5FbDB2315678afecb367f032d93F642f64180aa3","contractName":"Prompt","opAgentContract":"","aiOracleAddress":"","modelName":"llama3","systemPrompt":"","isVerified":false,"hasRegistered":false,"registerHash":""}`

func TestCheckpointStoreLoad(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		queryOp(selectCheckpointSQL, mockRowsData{
			columns: []string{"document"},
			values:  [][]driver.Value{{[]byte(storedDocument)}},
		}),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	store := newCheckpointStore(db, Config{Name: "base"})
	rec, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if rec.ContractName != "Prompt" || !rec.UtilsLibAddr.IsSet() || rec.OPAgentContract.IsSet() {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestCheckpointStoreLoadMissing(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		queryOp(selectCheckpointSQL, mockRowsData{columns: []string{"document"}}),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	_, err := newCheckpointStore(db, Config{}).Load(context.Background())
	if !errors.Is(err, checkpoint.ErrConfigMissing) {
		t.Fatalf("expected missing checkpoint, got %v", err)
	}
}

func TestCheckpointStoreLoadCorrupt(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		queryOp(selectCheckpointSQL, mockRowsData{
			columns: []string{"document"},
			values:  [][]driver.Value{{[]byte(`{"utilsLibAddr": 7}`)}},
		}),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	_, err := newCheckpointStore(db, Config{}).Load(context.Background())
	if !xerrors.HasCode(err, checkpoint.CodeCheckpointCorrupt) {
		t.Fatalf("expected corrupt checkpoint, got %v", err)
	}
}

func TestCheckpointStoreSave(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		beginOp(),
		execOp(upsertCheckpointSQL, mockResult{rowsAffected: 1}),
		commitOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	store := newCheckpointStore(db, Config{Name: "base"})
	store.now = func() time.Time { return time.Unix(1700000000, 0) }
	rec := checkpoint.Record{
		ContractName: "Prompt",
		UtilsLibAddr: checkpoint.NewAddress(common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")),
	}
	if err := store.Save(context.Background(), rec); err != nil {
		t.Fatalf("save failed: %v", err)
	}
}

func TestCheckpointStoreSaveRollsBack(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		beginOp(),
		{typ: opExec, query: upsertCheckpointSQL, err: fmt.Errorf("deadlock")},
		rollbackOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	err := newCheckpointStore(db, Config{}).Save(context.Background(), checkpoint.Record{ContractName: "Prompt"})
	if !xerrors.HasCode(err, xerrors.CodeStorageFailure) {
		t.Fatalf("expected storage failure, got %v", err)
	}
}

func TestCheckpointStoreSaveRejectsInvalid(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, nil)
	defer drv.assertConsumed(t)
	defer db.Close()

	invalid := checkpoint.Record{HasRegistered: true}
	err := newCheckpointStore(db, Config{}).Save(context.Background(), invalid)
	if !xerrors.HasCode(err, checkpoint.CodeCheckpointInvalid) {
		t.Fatalf("expected invalid checkpoint, got %v", err)
	}
}

func TestCheckpointStoreAcquireAndRelease(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		queryOp(acquireLockSQL, mockRowsData{columns: []string{"lock"}, values: [][]driver.Value{{int64(1)}}}),
		queryOp(releaseLockSQL, mockRowsData{columns: []string{"lock"}, values: [][]driver.Value{{int64(1)}}}),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	store := newCheckpointStore(db, Config{Name: "base"})
	lease, err := store.Acquire(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if err := lease.Release(context.Background()); err != nil {
		t.Fatalf("release failed: %v", err)
	}
}

func TestCheckpointStoreAcquireHeld(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		queryOp(acquireLockSQL, mockRowsData{columns: []string{"lock"}, values: [][]driver.Value{{int64(0)}}}),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	_, err := newCheckpointStore(db, Config{}).Acquire(context.Background(), "run-2")
	if !errors.Is(err, checkpoint.ErrLocked) {
		t.Fatalf("expected locked error, got %v", err)
	}
}

func TestLockNameIsBounded(t *testing.T) {
	store := &CheckpointStore{name: strings.Repeat("n", 100)}
	if got := len(store.lockName()); got != 64 {
		t.Fatalf("lock name length %d", got)
	}
}

func TestEventStorePublish(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{execOp(insertEventSQL, mockResult{lastInsertID: 1, rowsAffected: 1})}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	err := NewEventStore(db).Publish(context.Background(), events.Event{
		RunID:      "run-1",
		Step:       events.StepLibrary,
		Status:     events.StatusCompleted,
		Address:    "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		OccurredAt: time.Unix(1700000000, 0),
	})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
}

func TestRunMigrationsAppliesPending(t *testing.T) {
	t.Parallel()

	files, err := loadMigrationFiles(embeddedMigrations)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(files) < 2 || files[0].version != "0001" {
		t.Fatalf("unexpected migrations: %+v", files)
	}

	ops := []mockOperation{
		execOp(createSchemaMigrationsSQL(), mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{"0001"}},
		}),
	}
	for _, file := range files[1:] {
		ops = append(ops, beginOp())
		for _, stmt := range file.statements {
			ops = append(ops, execOp(stmt, mockResult{}))
		}
		ops = append(ops,
			execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
			commitOp())
	}

	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	if err := runMigrations(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestParseMigrationVersion(t *testing.T) {
	cases := map[string]string{
		"0001_create_checkpoints.sql": "0001",
		"0007.sql":                    "0007",
		"plain":                       "plain",
	}
	for name, want := range cases {
		if got := parseMigrationVersion(name); got != want {
			t.Fatalf("parseMigrationVersion(%q) = %q, want %q", name, got, want)
		}
	}
}

func createSchemaMigrationsSQL() string {
	return `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-mysql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func rollbackOp() mockOperation { return mockOperation{typ: opRollback} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(context.Context) error { return nil }

func (d *queueDriver) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&d.idx))
	if idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &d.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", op.typ, expected)
	}
	atomic.AddInt32(&d.idx, 1)
	if op.query != "" && query != "" {
		if want, got := normalizeSQL(op.query), normalizeSQL(query); want != got {
			return nil, fmt.Errorf("unexpected query. want %q got %q", want, got)
		}
	}
	return op, nil
}

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	op, err := t.driver.next(opCommit, "")
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.driver.next(opRollback, "")
	if err != nil {
		return err
	}
	return op.err
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func normalizeSQL(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
