package storage

import (
	"errors"
	"path/filepath"
	"testing"
)

func exerciseDatabase(t *testing.T, db Database) {
	t.Helper()
	if _, err := db.Get([]byte("missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := db.Put([]byte("loan/b"), []byte("2")); err != nil {
		t.Fatalf("put: %v", err)
	}
	batch := NewBatch()
	batch.Put([]byte("loan/a"), []byte("1"))
	batch.Put([]byte("pool/a"), []byte("p"))
	batch.Delete([]byte("loan/b"))
	batch.Put([]byte("loan/c"), []byte("3"))
	if batch.Len() != 4 {
		t.Fatalf("unexpected batch length %d", batch.Len())
	}
	if err := db.Write(batch); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ok, err := db.Has([]byte("loan/b")); err != nil || ok {
		t.Fatalf("expected loan/b deleted, ok=%v err=%v", ok, err)
	}

	var keys []string
	if err := db.Iterate([]byte("loan/"), func(key, value []byte) bool {
		keys = append(keys, string(key)+"="+string(value))
		return true
	}); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(keys) != 2 || keys[0] != "loan/a=1" || keys[1] != "loan/c=3" {
		t.Fatalf("unexpected iteration %v", keys)
	}

	count := 0
	_ = db.Iterate(nil, func(key, value []byte) bool {
		count++
		return false
	})
	if count != 1 {
		t.Fatalf("iteration should stop early, visited %d", count)
	}

	if err := db.Delete([]byte("pool/a")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.Get([]byte("pool/a")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemDB(t *testing.T) {
	db := NewMemDB()
	defer db.Close()
	exerciseDatabase(t, db)
}

func TestLevelDB(t *testing.T) {
	db, err := NewLevelDB(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	exerciseDatabase(t, db)
}
