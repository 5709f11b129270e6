package cache

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

func TestLevelDBRestoresEntries(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()

	db, err := OpenLevelDB(dir, nil)
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	store, err := New(Options{Persister: db, StaleWindow: time.Hour, Now: clock.Now})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	fresh := NewKey(http.MethodGet, "/products/1", "color=red")
	old := NewKey(http.MethodGet, "/old.css", "")
	store.Put(fresh, okResponse("kept"), 24*time.Hour)
	store.Put(old, okResponse("dropped"), time.Minute)
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	clock.Advance(2 * time.Hour)
	db, err = OpenLevelDB(dir, nil)
	if err != nil {
		t.Fatalf("reopen leveldb: %v", err)
	}
	restored := newTestStore(t, Options{Persister: db, StaleWindow: time.Hour, Now: clock.Now})

	entry, ok := restored.Lookup(fresh)
	if !ok {
		t.Fatalf("fresh entry should be restored from disk")
	}
	if string(entry.Response.Body) != "kept" || entry.Response.Header.Get("Content-Type") != "text/plain" {
		t.Fatalf("restored entry mismatch: %+v", entry.Response)
	}
	if restored.Stats().Entries != 1 {
		t.Fatalf("entry beyond stale window should not be restored, got %d entries", restored.Stats().Entries)
	}
}

func TestLevelDBDeleteOnEviction(t *testing.T) {
	dir := t.TempDir()
	db, err := OpenLevelDB(dir, nil)
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	store, err := New(Options{Persister: db})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	key := NewKey(http.MethodGet, "/a.js", "")
	store.Put(key, okResponse("a"), time.Hour)
	store.Remove(key)
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	db, err = OpenLevelDB(dir, nil)
	if err != nil {
		t.Fatalf("reopen leveldb: %v", err)
	}
	defer db.Close()
	count := 0
	if err := db.Load(func(Entry) { count++ }); err != nil {
		t.Fatalf("load: %v", err)
	}
	if count != 0 {
		t.Fatalf("removed entry should be deleted from disk, found %d", count)
	}
}

func TestWritesAfterCloseAreDropped(t *testing.T) {
	db, err := OpenLevelDB(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	store, err := New(Options{Persister: db})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	key := NewKey(http.MethodGet, "/late.css", "")
	if !store.Put(key, okResponse("late"), time.Hour) {
		t.Fatalf("put after close should still update memory")
	}
	store.Remove(key)
	db.Save(Entry{Key: key})
	db.Delete(key.String())

	if err := store.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
}

func TestRefreshAfterCloseIsSkipped(t *testing.T) {
	store, err := New(Options{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	var calls atomic.Int32
	store.scheduleRefresh(NewKey(http.MethodGet, "/products/1", ""), time.Hour, func(ctx context.Context) (*Response, error) {
		calls.Add(1)
		return okResponse("fresh"), nil
	})
	store.refreshWG.Wait()

	if calls.Load() != 0 {
		t.Fatalf("refresh must not start after close")
	}
	if len(store.refreshSem) != 0 {
		t.Fatalf("refresh slot should be returned, %d still held", len(store.refreshSem))
	}
}

// gatedPersister 在 gate 关闭前阻塞所有 Save，用于模拟磁盘队列已满。
type gatedPersister struct {
	entered chan struct{}
	gate    chan struct{}
	saves   atomic.Int32
}

func (p *gatedPersister) Save(Entry) {
	if p.saves.Add(1) == 1 {
		close(p.entered)
	}
	<-p.gate
}
func (p *gatedPersister) Delete(string) {}
func (p *gatedPersister) Load(func(Entry)) error { return nil }
func (p *gatedPersister) Close() error { return nil }

func TestSlowPersisterDoesNotBlockLookups(t *testing.T) {
	persister := &gatedPersister{entered: make(chan struct{}), gate: make(chan struct{})}
	store := newTestStore(t, Options{Persister: persister})
	cached := NewKey(http.MethodGet, "/products/1", "")
	store.insert(Entry{Key: cached, Response: *okResponse("one"), StoredAt: time.Now(), TTL: time.Hour, Class: ClassSuccess}, false)

	putDone := make(chan struct{})
	go func() {
		defer close(putDone)
		store.Put(NewKey(http.MethodGet, "/products/2", ""), okResponse("two"), time.Hour)
	}()
	<-persister.entered

	lookupDone := make(chan bool, 1)
	go func() {
		_, ok := store.Lookup(cached)
		lookupDone <- ok
	}()
	select {
	case ok := <-lookupDone:
		if !ok {
			t.Fatalf("expected hit for cached entry")
		}
	case <-time.After(2 * time.Second):
		close(persister.gate)
		t.Fatalf("lookup blocked behind a stalled persister")
	}

	close(persister.gate)
	<-putDone
	if persister.saves.Load() != 1 {
		t.Fatalf("expected one save once the persister drains, got %d", persister.saves.Load())
	}
}
