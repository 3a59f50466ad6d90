package entries

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"vimarconnector/internal/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*Store, string) {
	logger, _ := zap.NewDevelopment()
	path := filepath.Join(t.TempDir(), "entries.yaml")

	store := NewStore(path, logger)
	store.SetClock(clock.NewMockClock(time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)))
	return store, path
}

func TestStore_AddAndFind(t *testing.T) {
	store, _ := newTestStore(t)

	added, err := store.Add(Entry{
		Domain:   "vimar_ip_connector",
		Title:    "title",
		UniqueID: "X1",
		Source:   "user",
		Data:     map[string]any{"host": "10.0.0.9", "mac": "AA:BB:CC:DD:EE:FF"},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, added.EntryID)
	assert.Equal(t, 1, added.Version)
	assert.Equal(t, time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC), added.CreatedAt)

	found, ok := store.FindByUniqueID("vimar_ip_connector", "X1")
	require.True(t, ok)
	assert.Equal(t, added.EntryID, found.EntryID)
	assert.True(t, store.HasUniqueID("vimar_ip_connector", "X1"))
	assert.False(t, store.HasUniqueID("other", "X1"))

	got, ok := store.Get(added.EntryID)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.9", got.Data["host"])
}

func TestStore_RejectsDuplicateUniqueID(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Add(Entry{Domain: "vimar_ip_connector", UniqueID: "X1"})
	require.NoError(t, err)

	_, err = store.Add(Entry{Domain: "vimar_ip_connector", UniqueID: "X1"})
	assert.ErrorIs(t, err, ErrDuplicateUniqueID)
	assert.Len(t, store.List(""), 1)

	// Same unique id in another domain is fine
	_, err = store.Add(Entry{Domain: "other", UniqueID: "X1"})
	assert.NoError(t, err)
}

func TestStore_ReturnedDataIsACopy(t *testing.T) {
	store, _ := newTestStore(t)

	data := map[string]any{"host": "10.0.0.9"}
	added, err := store.Add(Entry{Domain: "vimar_ip_connector", Data: data})
	require.NoError(t, err)

	data["host"] = "mutated"
	added.Data["host"] = "mutated too"

	got, _ := store.Get(added.EntryID)
	assert.Equal(t, "10.0.0.9", got.Data["host"])
}

func TestStore_UpdateData(t *testing.T) {
	store, _ := newTestStore(t)

	added, err := store.Add(Entry{Domain: "vimar_ip_connector", UniqueID: "X1", Data: map[string]any{"host": "10.0.0.9"}})
	require.NoError(t, err)

	changed, err := store.UpdateData(added.EntryID, map[string]any{"device_id": "X1"})
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = store.UpdateData(added.EntryID, map[string]any{"device_id": "X1"})
	require.NoError(t, err)
	assert.False(t, changed, "same value is not a change")

	got, _ := store.Get(added.EntryID)
	assert.Equal(t, map[string]any{"host": "10.0.0.9", "device_id": "X1"}, got.Data)

	_, err = store.UpdateData("missing", map[string]any{"a": 1})
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestStore_Remove(t *testing.T) {
	store, _ := newTestStore(t)

	first, _ := store.Add(Entry{Domain: "vimar_ip_connector", UniqueID: "X1"})
	second, _ := store.Add(Entry{Domain: "vimar_ip_connector", UniqueID: "X2"})

	require.NoError(t, store.Remove(first.EntryID))

	list := store.List("vimar_ip_connector")
	require.Len(t, list, 1)
	assert.Equal(t, second.EntryID, list[0].EntryID)
	assert.False(t, store.HasUniqueID("vimar_ip_connector", "X1"))

	assert.ErrorIs(t, store.Remove(first.EntryID), ErrEntryNotFound)
}

func TestStore_ListByDomain(t *testing.T) {
	store, _ := newTestStore(t)

	store.Add(Entry{Domain: "vimar_ip_connector", UniqueID: "X1"})
	store.Add(Entry{Domain: "other", UniqueID: "Y1"})
	store.Add(Entry{Domain: "vimar_ip_connector", UniqueID: "X2"})

	vimar := store.List("vimar_ip_connector")
	require.Len(t, vimar, 2)
	assert.Equal(t, "X1", vimar[0].UniqueID)
	assert.Equal(t, "X2", vimar[1].UniqueID)
	assert.Len(t, store.List(""), 3)
}

func TestStore_PersistsAcrossLoads(t *testing.T) {
	store, path := newTestStore(t)

	added, err := store.Add(Entry{
		Domain:   "vimar_ip_connector",
		Title:    "title",
		UniqueID: "X1",
		Source:   "zeroconf",
		Data:     map[string]any{"host": "device123.local", "mac": ""},
	})
	require.NoError(t, err)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should be renamed away")

	logger, _ := zap.NewDevelopment()
	reloaded := NewStore(path, logger)
	require.NoError(t, reloaded.Load())

	got, ok := reloaded.Get(added.EntryID)
	require.True(t, ok)
	assert.Equal(t, "title", got.Title)
	assert.Equal(t, "zeroconf", got.Source)
	assert.Equal(t, "device123.local", got.Data["host"])
	assert.Equal(t, added.CreatedAt, got.CreatedAt)
}

func TestStore_LoadMissingFile(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Load())
	assert.Empty(t, store.List(""))
}

func TestStore_LoadRejectsNewerVersion(t *testing.T) {
	store, path := newTestStore(t)
	require.NoError(t, os.WriteFile(path, []byte("version: 9\nentries: []\n"), 0o600))

	err := store.Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "newer than supported")
}

func TestStore_Subscribe(t *testing.T) {
	store, _ := newTestStore(t)

	var changes []ChangeType
	store.Subscribe(func(change ChangeType, entry Entry) {
		changes = append(changes, change)
	})

	added, _ := store.Add(Entry{Domain: "vimar_ip_connector", UniqueID: "X1"})
	store.UpdateData(added.EntryID, map[string]any{"device_id": "X1"})
	store.Remove(added.EntryID)

	assert.Equal(t, []ChangeType{ChangeAdded, ChangeUpdated, ChangeRemoved}, changes)
}

func TestStore_InMemory(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	store := NewStore("", logger)

	require.NoError(t, store.Load())
	_, err := store.Add(Entry{Domain: "vimar_ip_connector", UniqueID: "X1"})
	require.NoError(t, err)
	assert.Len(t, store.List(""), 1)
}
