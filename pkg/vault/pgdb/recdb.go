// Package pgdb provides a vault.RecordStore backed by a postgres database.
package pgdb

import (
	"context"
	_ "embed"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"code.sealbox.org/golang/pkg/vault"
)

// PGDB is implemented by pgx.Tx, pgx.Conn & pgxpool.Pool
// accessing a postgres database through this common interface simplifies testing
type PGDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// RecordStore implements vault.RecordStore over a postgres database.
//
// Primary & backup live in one row per identity, which makes Save atomic
// without an explicit transaction.
type RecordStore struct {
	DB  PGDB
	ttl time.Duration
}

//go:embed rec_store_schema.sql
var schemaScriptTpl string

// RecordStoreMigrate creates the record table in dbschema.
func RecordStoreMigrate(pgconn *pgx.Conn, dbschema string) error {

	// render schema creation script
	schemaName := pgx.Identifier{dbschema}.Sanitize()
	schemaScript := strings.ReplaceAll(schemaScriptTpl, "${schema_name}", schemaName)

	_, err := pgconn.Exec(context.Background(), schemaScript)

	return wrapError(err, "Failed db schema initialization") // nil if err is nil...
}

// NewRecordStore connects to the database at dsn.
// Records expire ttl after their last Save. It errors if ttl <= 0.
func NewRecordStore(ctx context.Context, dsn string, ttl time.Duration) (*RecordStore, error) {
	if ttl <= 0 {
		return nil, newError("Invalid ttl %d <= 0", ttl)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if nil != err {
		return nil, wrapError(err, "failed connection pool creation")
	}

	return &RecordStore{DB: pool, ttl: ttl}, nil
}

// Save writes the primary record and the backup payload, resetting the record deadline.
func (self *RecordStore) Save(ctx context.Context, identity string, payload, tag []byte) error {
	if 0 == len(payload) {
		return newError("empty payload")
	}
	if 0 == len(tag) {
		return newError("empty tag")
	}

	_, err := self.DB.Exec(
		ctx,
		`INSERT INTO record(identity, payload, tag, backup_payload, expires_at)
		 VALUES ($1, $2, $3, $2, now() + make_interval(secs => $4))
		 ON CONFLICT (identity) DO UPDATE SET
		   payload = EXCLUDED.payload,
		   tag = EXCLUDED.tag,
		   backup_payload = EXCLUDED.backup_payload,
		   expires_at = EXCLUDED.expires_at`,
		identity,
		payload,
		tag,
		self.ttl.Seconds(),
	)

	return unavailError(err, "failed saving record") // nil if err is nil...
}

// LoadPrimary loads the primary record into dst.
// It returns false if the record is absent or expired.
func (self *RecordStore) LoadPrimary(ctx context.Context, identity string, dst *vault.Record) (bool, error) {
	row := self.DB.QueryRow(
		ctx,
		`SELECT payload, tag FROM record
		 WHERE identity = $1 AND expires_at > now()`,
		identity,
	)
	err := row.Scan(&dst.Payload, &dst.Tag)
	if nil != err {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, unavailError(err, "failed loading primary record")
	}

	return true, nil
}

// LoadBackup returns the backup payload.
// It returns false if the backup is absent or expired.
func (self *RecordStore) LoadBackup(ctx context.Context, identity string) ([]byte, bool, error) {
	var payload []byte
	row := self.DB.QueryRow(
		ctx,
		`SELECT backup_payload FROM record
		 WHERE identity = $1 AND expires_at > now()`,
		identity,
	)
	err := row.Scan(&payload)
	if nil != err {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, unavailError(err, "failed loading backup record")
	}

	return payload, true, nil
}

// PromoteBackup restores the backup payload as primary, tagging it with retag.
// The record deadline is carried over, promotion does not extend a record lifetime.
func (self *RecordStore) PromoteBackup(ctx context.Context, identity string, retag func(payload []byte) ([]byte, error)) ([]byte, bool, error) {
	payload, found, err := self.LoadBackup(ctx, identity)
	if nil != err || !found {
		return nil, false, err
	}

	tag, err := retag(payload)
	if nil != err {
		return nil, false, wrapError(err, "failed backup re-tagging")
	}

	var promoted int
	row := self.DB.QueryRow(
		ctx,
		`WITH promoted AS (UPDATE record
		   SET payload = backup_payload, tag = $2
		   WHERE identity = $1 AND expires_at > now()
		   RETURNING 1)
		 SELECT count(*) FROM promoted`,
		identity,
		tag,
	)
	err = row.Scan(&promoted)
	if nil != err {
		return nil, false, unavailError(err, "failed backup promotion")
	}
	if 0 == promoted {
		// the record expired between load & promotion
		return nil, false, nil
	}

	return payload, true, nil
}

var _ vault.RecordStore = &RecordStore{}
