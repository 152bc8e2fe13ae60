package ondemand

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"anonet/core/ecrs"
	"anonet/core/sqstore"
	"anonet/pkg/result"
)

func writeTempFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

// fakeStore is a minimal Putter double recording every inserted entry, so
// tests can assert Index actually persists an ONDEMAND row rather than
// only updating the encoder's in-memory maps.
type fakeStore struct {
	puts []*sqstore.Entry
}

func (f *fakeStore) Put(e *sqstore.Entry) (result.Code, error) {
	f.puts = append(f.puts, e)
	return result.OK, nil
}

func TestInitIndexRejectsHashMismatch(t *testing.T) {
	content := []byte("the entire plaintext file contents")
	path := writeTempFile(t, content)
	enc := New(t.TempDir(), nil)
	var wrongID ecrs.Query
	if err := enc.InitIndex(wrongID, path); err != ErrHashMismatch {
		t.Fatalf("expected ErrHashMismatch, got %v", err)
	}
}

func TestInitIndexAndGetIndexedRoundTrip(t *testing.T) {
	content := bytes.Repeat([]byte("block-data-"), 100)
	path := writeTempFile(t, content)
	fileID := ecrs.Hash512(content)

	enc := New(t.TempDir(), nil)
	if err := enc.InitIndex(fileID, path); err != nil {
		t.Fatalf("init index: %v", err)
	}

	block := content[10:40]
	query, err := enc.Index(100, uint64(time.Now().Add(time.Hour).Unix()), 10, 0, fileID, block)
	if err != nil {
		t.Fatalf("index: %v", err)
	}

	encoded, err := enc.GetIndexed(query)
	if err != nil {
		t.Fatalf("get indexed: %v", err)
	}
	want, err := ecrs.Encode(block)
	if err != nil {
		t.Fatalf("encode reference: %v", err)
	}
	if !bytes.Equal(encoded.Ciphertext, want.Ciphertext) {
		t.Fatalf("on-demand ciphertext did not match direct encode of the same block")
	}
}

func TestIndexPersistsOnDemandRowThroughStore(t *testing.T) {
	content := bytes.Repeat([]byte("block-data-"), 100)
	path := writeTempFile(t, content)
	fileID := ecrs.Hash512(content)

	store := &fakeStore{}
	enc := New(t.TempDir(), store)
	if err := enc.InitIndex(fileID, path); err != nil {
		t.Fatalf("init index: %v", err)
	}

	block := content[0:30]
	expiration := uint64(time.Now().Add(time.Hour).Unix())
	query, err := enc.Index(42, expiration, 0, 1, fileID, block)
	if err != nil {
		t.Fatalf("index: %v", err)
	}

	if len(store.puts) != 1 {
		t.Fatalf("expected exactly one row persisted, got %d", len(store.puts))
	}
	row := store.puts[0]
	if row.Type != ecrs.TypeOnDemand {
		t.Fatalf("expected ONDEMAND row type, got %v", row.Type)
	}
	if row.Query != query {
		t.Fatalf("persisted row query does not match returned query")
	}
	if row.Priority != 42 || row.AnonymityLevel != 1 || row.ExpirationTime != expiration {
		t.Fatalf("persisted row header does not match index() arguments: %+v", row)
	}
	rec, err := decodeRecordPayload(row.Payload)
	if err != nil {
		t.Fatalf("decode persisted payload: %v", err)
	}
	if rec.FileID != fileID || rec.Offset != 0 || rec.Length != uint32(len(block)) {
		t.Fatalf("persisted record does not match indexed block: %+v", rec)
	}
}

func TestGetIndexedMissingSymlinkIsUnavailable(t *testing.T) {
	enc := New(t.TempDir(), nil)
	var fileID ecrs.Query
	fileID[0] = 1
	q, err := enc.Index(1, uint64(time.Now().Add(time.Hour).Unix()), 0, 0, fileID, []byte("x"))
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	if _, err := enc.GetIndexed(q); err == nil {
		t.Fatalf("expected error for missing symlink target")
	}
}

func TestUnindexRemovesSymlink(t *testing.T) {
	content := []byte("file contents for unindex test")
	path := writeTempFile(t, content)
	fileID := ecrs.Hash512(content)

	enc := New(t.TempDir(), nil)
	if err := enc.InitIndex(fileID, path); err != nil {
		t.Fatalf("init index: %v", err)
	}
	if _, err := os.Lstat(enc.symlinkPath(fileID)); err != nil {
		t.Fatalf("expected symlink to exist: %v", err)
	}
	if err := enc.Unindex(fileID, len(content)); err != nil {
		t.Fatalf("unindex: %v", err)
	}
	if _, err := os.Lstat(enc.symlinkPath(fileID)); !os.IsNotExist(err) {
		t.Fatalf("expected symlink to be removed after unindex")
	}
}
