package rostercsv

import (
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

func openMemStore(t *testing.T, maxBytes int64) *entryStore {
	t.Helper()
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	require.NoError(t, err)
	st, err := newEntryStore(db, maxBytes)
	require.NoError(t, err)
	return st
}

func storedEntry(region, name string, at time.Time) CacheEntry {
	return CacheEntry{
		Region:     region,
		Name:       name,
		Data:       RosterResult{{Name: name, Class: "Bard", ItemLevel: "1620.00", CombatPower: "1892.38"}},
		CapturedAt: at,
	}
}

func TestEntryStorePutDelete(t *testing.T) {
	st := openMemStore(t, 0)
	defer st.close()

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	a := storedEntry("NAE", "Foo", at)
	a.Updating = true
	st.PutAsync("NAE/foo", a)
	st.PutAsync("NAE/bar", storedEntry("NAE", "Bar", at))
	st.Sync()

	assert.Equal(t, 2, st.KeyCount())
	assert.Positive(t, st.TotalSize())

	got := st.Entries()
	require.Len(t, got, 2)
	sort.Slice(got, func(i, j int) bool { return got[i].Name < got[j].Name })
	assert.Equal(t, "Bar", got[0].Name)
	assert.False(t, got[1].Updating, "updating is never persisted")
	if diff := cmp.Diff(a.Data, got[1].Data); diff != "" {
		t.Fatalf("data (-want +got):\n%s", diff)
	}
	assert.True(t, got[1].CapturedAt.Equal(at))

	st.Delete("NAE/foo")
	st.Sync()
	assert.Equal(t, 1, st.KeyCount())
	require.Len(t, st.Entries(), 1)
}

func TestEntryStoreEvictsOldestOverCap(t *testing.T) {
	st := openMemStore(t, 0)
	defer st.close()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	st.PutAsync("NAE/aaa", storedEntry("NAE", "Aaa", base))
	st.Sync()
	one := st.TotalSize()
	require.Positive(t, one)

	st.maxBytes = 2*one + one/2
	st.PutAsync("NAE/bbb", storedEntry("NAE", "Bbb", base.Add(time.Hour)))
	st.PutAsync("NAE/ccc", storedEntry("NAE", "Ccc", base.Add(2*time.Hour)))
	st.Sync()

	assert.Equal(t, 2, st.KeyCount())
	var names []string
	for _, e := range st.Entries() {
		names = append(names, e.Name)
	}
	assert.ElementsMatch(t, []string{"Bbb", "Ccc"}, names)
}

func TestEntryStoreReopenRestoresIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leveldb")
	st, err := openEntryStore(path, 0)
	require.NoError(t, err)
	st.PutAsync("NAE/foo", storedEntry("NAE", "Foo", time.Now()))
	size := func() int64 { st.Sync(); return st.TotalSize() }()
	require.NoError(t, st.close())

	st, err = openEntryStore(path, 0)
	require.NoError(t, err)
	defer st.close()
	assert.Equal(t, 1, st.KeyCount())
	assert.Equal(t, size, st.TotalSize())
	require.Len(t, st.Entries(), 1)
}
