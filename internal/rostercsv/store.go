package rostercsv

import (
	"bytes"
	"encoding/gob"
	"runtime"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// entryStore keeps cache entries across restarts. Writes are queued to a
// single writer goroutine; the in-memory index tracks sizes for the disk cap.
//
// Layout: "e:<region>/<name>" holds the gob entry, "m:<key>" its storeMeta.
type entryStore struct {
	maxBytes int64
	db       *leveldb.DB

	mu        sync.Mutex
	index     map[string]storeMeta
	totalSize int64

	ops  chan storeOp
	done chan struct{}
}

type storeMeta struct {
	Size       int64
	CapturedAt int64 // unix nanos
}

type storeOp struct {
	putKey string
	putEnt *CacheEntry
	delKey string
	synced chan struct{}
}

func openEntryStore(path string, maxBytes int64) (*entryStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return newEntryStore(db, maxBytes)
}

func newEntryStore(db *leveldb.DB, maxBytes int64) (*entryStore, error) {
	st := &entryStore{
		maxBytes: maxBytes,
		db:       db,
		index:    map[string]storeMeta{},
		ops:      make(chan storeOp, 256),
		done:     make(chan struct{}),
	}
	if err := st.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go st.writerLoop()
	return st, nil
}

func (st *entryStore) close() error {
	close(st.ops)
	<-st.done
	return st.db.Close()
}

func (st *entryStore) loadIndex() error {
	it := st.db.NewIterator(util.BytesPrefix([]byte("m:")), nil)
	defer it.Release()

	var total int64
	idx := map[string]storeMeta{}
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), []byte("m:")))
		var meta storeMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[key] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return err
	}
	st.mu.Lock()
	st.index = idx
	st.totalSize = total
	st.mu.Unlock()
	return nil
}

func (st *entryStore) TotalSize() int64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.totalSize
}

func (st *entryStore) KeyCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.index)
}

// Entries decodes every stored entry, skipping ones that fail to decode.
func (st *entryStore) Entries() []CacheEntry {
	it := st.db.NewIterator(util.BytesPrefix([]byte("e:")), nil)
	defer it.Release()

	var out []CacheEntry
	for it.Next() {
		var ent CacheEntry
		if err := decodeGob(it.Value(), &ent); err != nil {
			continue
		}
		out = append(out, ent)
	}
	return out
}

func (st *entryStore) PutAsync(key string, ent CacheEntry) {
	clone := ent
	clone.Updating = false
	clone.Data = append(RosterResult(nil), ent.Data...)
	st.ops <- storeOp{putKey: key, putEnt: &clone}
}

func (st *entryStore) Delete(key string) {
	st.ops <- storeOp{delKey: key}
}

// Sync blocks until every operation queued before it has been applied.
func (st *entryStore) Sync() {
	ch := make(chan struct{})
	st.ops <- storeOp{synced: ch}
	<-ch
}

func (st *entryStore) writerLoop() {
	defer close(st.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for op := range st.ops {
		switch {
		case op.synced != nil:
			close(op.synced)
		case op.delKey != "":
			st.applyDelete(op.delKey)
		case op.putKey != "" && op.putEnt != nil:
			st.applyPut(op.putKey, op.putEnt)
		}
	}
}

func (st *entryStore) applyPut(key string, ent *CacheEntry) {
	b, err := encodeGob(*ent)
	if err != nil {
		return
	}
	meta := storeMeta{Size: int64(len(b)), CapturedAt: ent.CapturedAt.UnixNano()}
	mb, err := encodeGob(meta)
	if err != nil {
		return
	}

	batch := new(leveldb.Batch)
	batch.Put([]byte("e:"+key), b)
	batch.Put([]byte("m:"+key), mb)
	if err := st.db.Write(batch, nil); err != nil {
		return
	}

	st.mu.Lock()
	st.totalSize += meta.Size - st.index[key].Size
	st.index[key] = meta
	over := st.maxBytes > 0 && st.totalSize > st.maxBytes
	st.mu.Unlock()

	if over {
		st.evictOldest(key)
	}
}

func (st *entryStore) applyDelete(key string) {
	batch := new(leveldb.Batch)
	batch.Delete([]byte("e:" + key))
	batch.Delete([]byte("m:" + key))
	_ = st.db.Write(batch, nil)

	st.mu.Lock()
	if meta, ok := st.index[key]; ok {
		st.totalSize -= meta.Size
		delete(st.index, key)
	}
	st.mu.Unlock()
}

// evictOldest drops entries by capture time until the store fits, never
// touching keep.
func (st *entryStore) evictOldest(keep string) {
	type item struct {
		key string
		at  int64
	}
	st.mu.Lock()
	items := make([]item, 0, len(st.index))
	for k, m := range st.index {
		if k != keep {
			items = append(items, item{k, m.CapturedAt})
		}
	}
	st.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].at < items[j].at })
	for _, it := range items {
		st.mu.Lock()
		fits := st.totalSize <= st.maxBytes
		st.mu.Unlock()
		if fits {
			return
		}
		st.applyDelete(it.key)
	}
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
