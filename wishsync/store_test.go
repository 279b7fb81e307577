package wishsync

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testStore(t *testing.T) *SelectionStore {
	return NewSelectionStore(filepath.Join(t.TempDir(), "selections.json"))
}

func TestSelectionStoreSelectLookup(t *testing.T) {
	store := testStore(t)

	_, ok := store.Lookup("wl-1")
	assert.Equal(t, false, ok)

	err := store.Select("wl-1", "token-1", "Family Christmas")
	assert.Equal(t, nil, err)

	selection, ok := store.Lookup("wl-1")
	assert.Equal(t, true, ok)
	assert.Equal(t, "token-1", selection.UserToken)
	assert.Equal(t, "Family Christmas", selection.WishlistName)
}

func TestSelectionStoreForget(t *testing.T) {
	store := testStore(t)
	store.Select("wl-1", "token-1", "")
	store.Select("wl-2", "token-2", "")

	err := store.Forget("wl-1")
	assert.Equal(t, nil, err)
	_, ok := store.Lookup("wl-1")
	assert.Equal(t, false, ok)
	_, ok = store.Lookup("wl-2")
	assert.Equal(t, true, ok)

	err = store.ForgetAll()
	assert.Equal(t, nil, err)
	_, ok = store.Lookup("wl-2")
	assert.Equal(t, false, ok)
}

func TestSelectionStoreRecentOrderAndCap(t *testing.T) {
	store := testStore(t)
	for i := 0; i < 8; i += 1 {
		store.Select(fmt.Sprintf("wl-%d", i), "token", fmt.Sprintf("list %d", i))
		// selection times must be distinct for a stable order
		time.Sleep(2 * time.Millisecond)
	}

	visited := store.Recent()
	assert.Equal(t, 5, len(visited))
	// newest first
	assert.Equal(t, "wl-7", visited[0].WishlistId)
	assert.Equal(t, "wl-3", visited[4].WishlistId)
}

func TestSelectionStoreUpdateWishlistName(t *testing.T) {
	store := testStore(t)
	store.Select("wl-1", "token-1", "old name")

	err := store.UpdateWishlistName("wl-1", "new name")
	assert.Equal(t, nil, err)

	selection, _ := store.Lookup("wl-1")
	assert.Equal(t, "new name", selection.WishlistName)

	// updating an unknown wishlist is a no-op
	err = store.UpdateWishlistName("wl-404", "whatever")
	assert.Equal(t, nil, err)
}
