package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func TestNopCreateAndUpdateAlwaysSucceed(t *testing.T) {
	var s Nop
	rec := DelegationRecord{DelegationID: "d1", Status: StatusPending}
	if err := s.Create(context.Background(), rec); err != nil {
		t.Fatalf("Nop.Create must never fail, got %v", err)
	}
	if err := s.Update(context.Background(), "d1", StatusCompleted); err != nil {
		t.Fatalf("Nop.Update must never fail, got %v", err)
	}
}

func TestNopIgnoresCancelledContext(t *testing.T) {
	var s Nop
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Create(ctx, DelegationRecord{DelegationID: "d1"}); err != nil {
		t.Fatalf("Nop must ignore context cancellation, got %v", err)
	}
}

func TestOpenBoltCreatesSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.db")
	b, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("OpenBolt failed: %v", err)
	}
	defer b.Close()

	if err := b.checkSchemaVersion(); err != nil {
		t.Fatalf("expected a freshly created database to pass its own schema check: %v", err)
	}
}

func TestBoltCreateThenUpdateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.db")
	b, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("OpenBolt failed: %v", err)
	}
	defer b.Close()

	rec := DelegationRecord{
		DelegationID: "d1",
		FromNodeID:   "n1",
		ToNodeID:     "n2",
		Intent:       "search",
		Status:       StatusPending,
		CreatedAt:    time.Now().UTC(),
	}
	if err := b.Create(context.Background(), rec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := b.Update(context.Background(), "d1", StatusCompleted); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
}

func TestBoltUpdateWithoutPriorCreateWritesBareRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.db")
	b, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("OpenBolt failed: %v", err)
	}
	defer b.Close()

	if err := b.Update(context.Background(), "never-created", StatusFailed); err != nil {
		t.Fatalf("expected Update to tolerate a missing prior record, got %v", err)
	}
}

func TestBoltCreateRejectsCancelledContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.db")
	b, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("OpenBolt failed: %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Create(ctx, DelegationRecord{DelegationID: "d1"}); err == nil {
		t.Fatalf("expected Create to observe a cancelled context before touching the database")
	}
}

func TestOpenBoltRejectsMismatchedSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.db")
	b, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("OpenBolt failed: %v", err)
	}
	if err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketMeta)).Put([]byte("schema_version"), []byte("999"))
	}); err != nil {
		t.Fatalf("failed to corrupt schema_version for the test: %v", err)
	}
	b.Close()

	if _, err := OpenBolt(path); err == nil {
		t.Fatalf("expected OpenBolt to reject a database with a mismatched schema version")
	}
}
