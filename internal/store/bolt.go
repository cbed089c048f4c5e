// bolt.go — BoltDB-backed Store.
//
// Schema (BoltDB bucket layout):
//
//	/delegations
//	    key:   delegationId
//	    value: JSON-encoded DelegationRecord
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model:
//   - Single-process, single-writer (BoltDB does not support concurrent
//     writers).
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Meta-page checksum verified on database open (bbolt built-in).
//
// This is an audit sink, not a cache: the gateway never reads a
// DelegationRecord back out. Corruption or a full disk degrades the
// gateway's bookkeeping, never its brokering — every call here is wrapped
// by the Delegation Manager in a storeTimeoutMs deadline and its error is
// swallowed.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	bucketDelegations = "delegations"
	bucketMeta        = "meta"
)

// Bolt is a durable Store backed by a BoltDB file.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the BoltDB database at path, initialising
// its buckets and verifying the schema version.
func OpenBolt(path string) (*Bolt, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	b := &Bolt{db: bdb}

	if err := b.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketDelegations, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	if err := b.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return b, nil
}

func (b *Bolt) checkSchemaVersion() error {
	return b.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"schema version mismatch: database has %q, gateway requires %q",
				string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (b *Bolt) Close() error {
	return b.db.Close()
}

// Create writes a new delegation record. Uses a single ACID write
// transaction; ctx cancellation is observed before the transaction
// starts, since bbolt transactions themselves are not cancellable mid
// flight.
func (b *Bolt) Create(ctx context.Context, rec DelegationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store.Create marshal: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketDelegations)).Put([]byte(rec.DelegationID), data)
	})
}

// Update merges status and updatedAt into the existing record. If the
// record is missing (e.g. a store failure dropped the Create), a bare
// record carrying only the id and status is written so the ledger still
// shows the transition occurred.
func (b *Bolt) Update(ctx context.Context, delegationID string, status Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketDelegations))
		var rec DelegationRecord
		if data := bucket.Get([]byte(delegationID)); data != nil {
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("store.Update unmarshal: %w", err)
			}
		} else {
			rec = DelegationRecord{DelegationID: delegationID}
		}
		rec.Status = status
		rec.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("store.Update marshal: %w", err)
		}
		return bucket.Put([]byte(delegationID), data)
	})
}
