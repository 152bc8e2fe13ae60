package bloom

import (
	"io"
	"path/filepath"
	"testing"
)

func TestInsertTestRemove(t *testing.T) {
	f := New(4096, 4)
	key := []byte("content-query-key-1")
	if f.Test(key) {
		t.Fatalf("test before insert should be no")
	}
	f.Insert(key)
	if !f.Test(key) {
		t.Fatalf("test after insert should be maybe (true)")
	}
	f.Remove(key)
	if f.Test(key) {
		t.Fatalf("test after remove of sole insert should be no")
	}
}

func TestRemoveIsExactWithSharedSlots(t *testing.T) {
	f := New(64, 3)
	keys := make([][]byte, 20)
	for i := range keys {
		keys[i] = []byte{byte(i), byte(i * 7), byte(i * 13)}
		f.Insert(keys[i])
	}
	for _, k := range keys {
		if !f.Test(k) {
			t.Fatalf("expected key present after insert")
		}
	}
	for _, k := range keys {
		f.Remove(k)
	}
	for _, k := range keys {
		if f.Test(k) {
			t.Fatalf("expected key absent after remove of every inserted key")
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	f := New(1024, 5)
	key := []byte("persisted-key")
	f.Insert(key)
	path := filepath.Join(t.TempDir(), "filter.bf")
	if err := f.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !loaded.Test(key) {
		t.Fatalf("loaded filter lost key")
	}
}

func TestRebuildReinsertsAllKeys(t *testing.T) {
	f := New(2048, 4)
	f.Insert([]byte("stale-key"))
	keys := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	i := 0
	next := func() ([]byte, error) {
		if i >= len(keys) {
			return nil, io.EOF
		}
		k := keys[i]
		i++
		return k, nil
	}
	var lastPct int
	err := Rebuild(f, len(keys), next, func(pct int) { lastPct = pct })
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if lastPct != 100 {
		t.Fatalf("expected final progress 100, got %d", lastPct)
	}
	if f.Test([]byte("stale-key")) {
		t.Fatalf("rebuild should have dropped the stale key")
	}
	for _, k := range keys {
		if !f.Test(k) {
			t.Fatalf("rebuild did not reinsert %q", k)
		}
	}
}

func TestOptimalParams(t *testing.T) {
	bits, k := OptimalParams(10000, 0.01)
	if bits == 0 || k < 1 {
		t.Fatalf("unexpected params: bits=%d k=%d", bits, k)
	}
}
