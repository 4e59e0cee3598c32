// Package boltdb provides a persistent vault.RecordStore that keeps data in a file.
package boltdb

import (
	"context"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"code.sealbox.org/golang/pkg/vault"
)

const connectTimeout = 5 * time.Second

// recRow is the bucket value layout. The backup row carries no Tag.
type recRow struct {
	Payload  []byte `cbor:"1,keyasint"`
	Tag      []byte `cbor:"2,keyasint,omitempty"`
	Deadline int64  `cbor:"3,keyasint"`
}

func (self recRow) expired(now time.Time) bool {
	return now.Unix() >= self.Deadline
}

type recStore struct {
	dbpath string
	ttl    time.Duration
}

// New returns a RecordStore implementation that persists records in a single
// file boltdb database. Records expire ttl after their last Save.
// It errors if ttl <= 0 or if the database schema can not be created.
func New(dbpath string, ttl time.Duration) (vault.RecordStore, error) {
	if ttl <= 0 {
		return nil, newError("Invalid ttl %d <= 0", ttl)
	}
	recStore := recStore{dbpath: dbpath, ttl: ttl}

	db, err := bolt.Open(dbpath, 0600, &bolt.Options{Timeout: connectTimeout})
	if nil != err {
		return nil, unavailError(err, "failed connecting to database")
	}
	defer db.Close()

	err = db.Update(func(tx *bolt.Tx) error {
		var err error
		for _, bucketname := range []string{"primaryTbl", "backupTbl"} {
			_, err = tx.CreateBucketIfNotExists([]byte(bucketname))
			if nil != err {
				return wrapError(err, "failed %s bucket creation", bucketname)
			}
		}

		return nil
	})
	if nil != err {
		return nil, wrapError(err, "failed db initialization")
	}

	return recStore, nil
}

// Save writes the primary record and the backup payload under one transaction.
func (self recStore) Save(ctx context.Context, identity string, payload, tag []byte) error {
	if 0 == len(payload) {
		return newError("empty payload")
	}
	if 0 == len(tag) {
		return newError("empty tag")
	}

	deadline := time.Now().Add(self.ttl).Unix()
	srzprimary, err := cbor.Marshal(recRow{Payload: payload, Tag: tag, Deadline: deadline})
	if nil != err {
		return wrapError(err, "failed cbor.Marshal(primary)")
	}
	srzbackup, err := cbor.Marshal(recRow{Payload: payload, Deadline: deadline})
	if nil != err {
		return wrapError(err, "failed cbor.Marshal(backup)")
	}

	db, err := bolt.Open(self.dbpath, 0600, &bolt.Options{Timeout: connectTimeout})
	if nil != err {
		return unavailError(err, "failed connecting to database")
	}
	defer db.Close()

	err = db.Update(func(tx *bolt.Tx) error {
		sch, err := loadSchema(tx)
		if nil != err {
			return wrapError(err, "failed loadSchema")
		}

		err = sch.primaryTbl.Put([]byte(identity), srzprimary)
		if nil != err {
			return wrapError(err, "failed storing primary record")
		}
		err = sch.backupTbl.Put([]byte(identity), srzbackup)
		if nil != err {
			return wrapError(err, "failed storing backup record")
		}

		return nil
	})

	return wrapError(err, "failed db.Update") // nil if err is nil
}

// LoadPrimary loads the primary record into dst.
// It returns false if the record is absent or expired.
func (self recStore) LoadPrimary(ctx context.Context, identity string, dst *vault.Record) (bool, error) {
	db, err := bolt.Open(self.dbpath, 0600, &bolt.Options{Timeout: connectTimeout})
	if nil != err {
		return false, unavailError(err, "failed connecting to database")
	}
	defer db.Close()

	var loaded bool
	err = db.View(func(tx *bolt.Tx) error {
		sch, err := loadSchema(tx)
		if nil != err {
			return wrapError(err, "failed loadSchema")
		}

		row := recRow{}
		found, err := sch.loadRow(sch.primaryTbl, identity, &row)
		if nil != err {
			return wrapError(err, "failed loading primary record")
		}
		if !found {
			return nil
		}

		dst.Payload = row.Payload
		dst.Tag = row.Tag
		loaded = true

		return nil
	})

	return loaded, err
}

// LoadBackup returns the backup payload.
// It returns false if the backup is absent or expired.
func (self recStore) LoadBackup(ctx context.Context, identity string) ([]byte, bool, error) {
	db, err := bolt.Open(self.dbpath, 0600, &bolt.Options{Timeout: connectTimeout})
	if nil != err {
		return nil, false, unavailError(err, "failed connecting to database")
	}
	defer db.Close()

	var payload []byte
	err = db.View(func(tx *bolt.Tx) error {
		sch, err := loadSchema(tx)
		if nil != err {
			return wrapError(err, "failed loadSchema")
		}

		row := recRow{}
		found, err := sch.loadRow(sch.backupTbl, identity, &row)
		if nil != err {
			return wrapError(err, "failed loading backup record")
		}
		if found {
			payload = row.Payload
		}

		return nil
	})

	return payload, nil != payload, err
}

// PromoteBackup restores the backup payload as primary, tagging it with retag.
// The backup deadline is carried over, promotion does not extend a record lifetime.
func (self recStore) PromoteBackup(ctx context.Context, identity string, retag func(payload []byte) ([]byte, error)) ([]byte, bool, error) {
	db, err := bolt.Open(self.dbpath, 0600, &bolt.Options{Timeout: connectTimeout})
	if nil != err {
		return nil, false, unavailError(err, "failed connecting to database")
	}
	defer db.Close()

	var payload []byte
	err = db.Update(func(tx *bolt.Tx) error {
		sch, err := loadSchema(tx)
		if nil != err {
			return wrapError(err, "failed loadSchema")
		}

		row := recRow{}
		found, err := sch.loadRow(sch.backupTbl, identity, &row)
		if nil != err {
			return wrapError(err, "failed loading backup record")
		}
		if !found {
			return nil
		}

		tag, err := retag(row.Payload)
		if nil != err {
			return wrapError(err, "failed backup re-tagging")
		}

		srzprimary, err := cbor.Marshal(recRow{Payload: row.Payload, Tag: tag, Deadline: row.Deadline})
		if nil != err {
			return wrapError(err, "failed cbor.Marshal(primary)")
		}
		err = sch.primaryTbl.Put([]byte(identity), srzprimary)
		if nil != err {
			return wrapError(err, "failed storing promoted record")
		}

		payload = row.Payload

		return nil
	})
	if nil != err {
		return nil, false, wrapError(err, "failed db.Update")
	}

	return payload, nil != payload, nil
}

// schema holds recStore buckets reference
type schema struct {
	primaryTbl *bolt.Bucket
	backupTbl  *bolt.Bucket
}

func loadSchema(tx *bolt.Tx) (schema, error) {
	rv := schema{
		primaryTbl: tx.Bucket([]byte("primaryTbl")),
		backupTbl:  tx.Bucket([]byte("backupTbl")),
	}
	var err error
	if nil == rv.primaryTbl || nil == rv.backupTbl {
		err = newError("1 or more bucket is missing")
	}

	return rv, err
}

// loadRow loads the bucket row of identity into dst.
// Expired rows are reported absent, the next Save overwrites them.
func (self schema) loadRow(bucket *bolt.Bucket, identity string, dst *recRow) (bool, error) {
	srzrow := bucket.Get([]byte(identity))
	if nil == srzrow {
		return false, nil
	}

	err := cbor.Unmarshal(srzrow, dst)
	if nil != err {
		return false, wrapError(err, "failed unmarshaling record row")
	}
	if dst.expired(time.Now()) {
		return false, nil
	}

	return true, nil
}

var _ vault.RecordStore = recStore{}
