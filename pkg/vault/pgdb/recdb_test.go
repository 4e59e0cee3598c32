package pgdb

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"code.sealbox.org/golang/pkg/vault"
)

const testDSN = "host=localhost port=25432 database=sbdb user=postgres password=notasecret sslmode=disable search_path=sealbox_test,public"

const testTTL = 15 * time.Minute

func TestPing(t *testing.T) {
	ctx := context.Background() // t.Context() gets in the way when controlling transaction
	pgconn := newConn(ctx, t)
	err := pgconn.Ping(ctx)
	if nil != err {
		t.Fatalf("failed connection test, got error %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newRecordStore(ctx, t)

	err := store.Save(ctx, "identity-0", []byte("hello"), []byte("tag-0"))
	if nil != err {
		t.Fatalf("failed Save, got error %v", err)
	}

	rec := vault.Record{}
	found, err := store.LoadPrimary(ctx, "identity-0", &rec)
	if nil != err {
		t.Fatalf("failed LoadPrimary, got error %v", err)
	}
	if !found {
		t.Fatal("saved record was not found")
	}
	if !bytes.Equal([]byte("hello"), rec.Payload) {
		t.Errorf("Invalid payload %q != %q", rec.Payload, "hello")
	}
	if !bytes.Equal([]byte("tag-0"), rec.Tag) {
		t.Errorf("Invalid tag %q != %q", rec.Tag, "tag-0")
	}

	backup, found, err := store.LoadBackup(ctx, "identity-0")
	if nil != err {
		t.Fatalf("failed LoadBackup, got error %v", err)
	}
	if !found {
		t.Fatal("backup was not found")
	}
	if !bytes.Equal([]byte("hello"), backup) {
		t.Errorf("Invalid backup payload %q != %q", backup, "hello")
	}
}

func TestLoadMissing(t *testing.T) {
	ctx := context.Background()
	store := newRecordStore(ctx, t)

	rec := vault.Record{}
	found, err := store.LoadPrimary(ctx, "identity-0", &rec)
	if nil != err {
		t.Fatalf("failed LoadPrimary, got error %v", err)
	}
	if found {
		t.Error("found a record that was never saved")
	}

	_, found, err = store.LoadBackup(ctx, "identity-0")
	if nil != err {
		t.Fatalf("failed LoadBackup, got error %v", err)
	}
	if found {
		t.Error("found a backup that was never saved")
	}
}

func TestSaveOverwrites(t *testing.T) {
	ctx := context.Background()
	store := newRecordStore(ctx, t)

	err := store.Save(ctx, "identity-0", []byte("hello"), []byte("tag-0"))
	if nil != err {
		t.Fatalf("failed Save #0, got error %v", err)
	}
	err = store.Save(ctx, "identity-0", []byte("world"), []byte("tag-1"))
	if nil != err {
		t.Fatalf("failed Save #1, got error %v", err)
	}

	rec := vault.Record{}
	found, err := store.LoadPrimary(ctx, "identity-0", &rec)
	if nil != err || !found {
		t.Fatalf("failed LoadPrimary, found=%v error %v", found, err)
	}
	if !bytes.Equal([]byte("world"), rec.Payload) {
		t.Errorf("Invalid payload %q != %q", rec.Payload, "world")
	}

	// the backup follows the primary
	backup, found, err := store.LoadBackup(ctx, "identity-0")
	if nil != err || !found {
		t.Fatalf("failed LoadBackup, found=%v error %v", found, err)
	}
	if !bytes.Equal([]byte("world"), backup) {
		t.Errorf("Invalid backup payload %q != %q", backup, "world")
	}
}

func TestPromoteBackup(t *testing.T) {
	ctx := context.Background()
	store := newRecordStore(ctx, t)

	err := store.Save(ctx, "identity-0", []byte("hello"), []byte("tag-0"))
	if nil != err {
		t.Fatalf("failed Save, got error %v", err)
	}

	// mutate the stored primary payload without updating its tag
	_, err = store.DB.Exec(
		ctx,
		`UPDATE record SET payload = $2 WHERE identity = $1`,
		"identity-0",
		[]byte("evil substitute"),
	)
	if nil != err {
		t.Fatalf("failed tampering update, got error %v", err)
	}

	retags := 0
	retag := func(payload []byte) ([]byte, error) {
		retags += 1
		return []byte("tag-1"), nil
	}
	payload, found, err := store.PromoteBackup(ctx, "identity-0", retag)
	if nil != err {
		t.Fatalf("failed PromoteBackup, got error %v", err)
	}
	if !found {
		t.Fatal("backup was not found for promotion")
	}
	if !bytes.Equal([]byte("hello"), payload) {
		t.Errorf("Invalid promoted payload %q != %q", payload, "hello")
	}
	if 1 != retags {
		t.Errorf("Invalid retag count %d != 1", retags)
	}

	// the promoted primary carries the backup payload & the fresh tag
	rec := vault.Record{}
	found, err = store.LoadPrimary(ctx, "identity-0", &rec)
	if nil != err || !found {
		t.Fatalf("failed LoadPrimary, found=%v error %v", found, err)
	}
	if !bytes.Equal([]byte("hello"), rec.Payload) {
		t.Errorf("Invalid healed payload %q != %q", rec.Payload, "hello")
	}
	if !bytes.Equal([]byte("tag-1"), rec.Tag) {
		t.Errorf("Invalid healed tag %q != %q", rec.Tag, "tag-1")
	}

	// promotion is idempotent
	payload, found, err = store.PromoteBackup(ctx, "identity-0", retag)
	if nil != err || !found {
		t.Fatalf("failed PromoteBackup #2, found=%v error %v", found, err)
	}
	if !bytes.Equal([]byte("hello"), payload) {
		t.Errorf("Invalid re-promoted payload %q != %q", payload, "hello")
	}
}

func TestPromoteBackupMissing(t *testing.T) {
	ctx := context.Background()
	store := newRecordStore(ctx, t)

	retag := func(payload []byte) ([]byte, error) {
		t.Error("retag invoked with no backup")
		return nil, nil
	}
	_, found, err := store.PromoteBackup(ctx, "identity-0", retag)
	if nil != err {
		t.Fatalf("failed PromoteBackup, got error %v", err)
	}
	if found {
		t.Error("promotion reported a backup that was never saved")
	}
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	store := newRecordStore(ctx, t)

	err := store.Save(ctx, "identity-0", []byte("hello"), []byte("tag-0"))
	if nil != err {
		t.Fatalf("failed Save, got error %v", err)
	}

	// backdate the record deadline
	_, err = store.DB.Exec(
		ctx,
		`UPDATE record SET expires_at = now() - interval '1 second' WHERE identity = $1`,
		"identity-0",
	)
	if nil != err {
		t.Fatalf("failed deadline update, got error %v", err)
	}

	rec := vault.Record{}
	found, err := store.LoadPrimary(ctx, "identity-0", &rec)
	if nil != err {
		t.Fatalf("failed LoadPrimary, got error %v", err)
	}
	if found {
		t.Error("expired primary record was loaded")
	}
	_, found, err = store.LoadBackup(ctx, "identity-0")
	if nil != err {
		t.Fatalf("failed LoadBackup, got error %v", err)
	}
	if found {
		t.Error("expired backup record was loaded")
	}
	_, found, err = store.PromoteBackup(ctx, "identity-0", func(payload []byte) ([]byte, error) {
		return []byte("tag-1"), nil
	})
	if nil != err {
		t.Fatalf("failed PromoteBackup, got error %v", err)
	}
	if found {
		t.Error("expired backup record was promoted")
	}
}

func newConn(ctx context.Context, t *testing.T) *pgx.Conn {
	if nil != dbInitError {
		// dbInitError is set by init block below
		t.Skipf("skipping, sealbox_test schema unavailable: %v", dbInitError)
	}
	pgconn, err := pgx.Connect(ctx, testDSN)
	if nil != err {
		t.Fatalf("failed pgx.Connect, got error %v", err)
	}

	return pgconn
}

var dbInitError error

func init() {
	pgconn, err := pgx.Connect(context.Background(), testDSN)
	if nil == err {
		err = RecordStoreMigrate(pgconn, "sealbox_test")
	}
	dbInitError = err
}

// newRecordStore wraps a RecordStore in a transaction that the test rolls back.
func newRecordStore(ctx context.Context, t *testing.T) *RecordStore {
	pgconn := newConn(ctx, t)
	tx, err := pgconn.Begin(ctx)
	if nil != err {
		t.Fatalf("failed starting transaction, got error %v", err)
	}

	_, err = tx.Exec(ctx, "DELETE FROM record")
	if nil != err {
		t.Fatalf("failed tx initialization, got error %v", err)
	}
	t.Cleanup(func() {
		err := tx.Rollback(ctx)
		if nil != err {
			t.Logf("failed rolling back test transaction, got error %v", err)
		} else {
			t.Log("rolled back test transaction")
		}
	})

	return &RecordStore{DB: tx, ttl: testTTL}
}
