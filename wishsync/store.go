package wishsync

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

// SelectionStore remembers which participant identity was selected per
// wishlist on this machine, so a returning participant can skip re-selecting
// themselves. It is purely a credential source: projection data is never
// read from or written to it.

const recentSelectionLimit = 5

type Selection struct {
	UserToken    string    `json:"userToken"`
	SelectedAt   time.Time `json:"selectedAt"`
	WishlistName string    `json:"wishlistName,omitempty"`
}

type VisitedWishlist struct {
	WishlistId   string
	WishlistName string
	SelectedAt   time.Time
}

type SelectionStore struct {
	mutex sync.Mutex
	path  string
}

func DefaultSelectionStorePath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = "."
	}
	return filepath.Join(configDir, "wishlink", "selections.json")
}

func NewSelectionStore(path string) *SelectionStore {
	return &SelectionStore{
		path: path,
	}
}

func NewDefaultSelectionStore() *SelectionStore {
	return NewSelectionStore(DefaultSelectionStorePath())
}

// Select stores the token chosen for a wishlist, stamping the time
func (self *SelectionStore) Select(wishlistId string, userToken string, wishlistName string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	selections := self.load()
	selections[wishlistId] = &Selection{
		UserToken:    userToken,
		SelectedAt:   time.Now().UTC(),
		WishlistName: wishlistName,
	}
	return self.save(selections)
}

func (self *SelectionStore) Lookup(wishlistId string) (*Selection, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	selection, ok := self.load()[wishlistId]
	return selection, ok
}

func (self *SelectionStore) UpdateWishlistName(wishlistId string, wishlistName string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	selections := self.load()
	selection, ok := selections[wishlistId]
	if !ok {
		return nil
	}
	selection.WishlistName = wishlistName
	return self.save(selections)
}

func (self *SelectionStore) Forget(wishlistId string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	selections := self.load()
	delete(selections, wishlistId)
	return self.save(selections)
}

func (self *SelectionStore) ForgetAll() error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.save(map[string]*Selection{})
}

// Recent lists the most recently visited wishlists, newest first,
// capped at five
func (self *SelectionStore) Recent() []VisitedWishlist {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	visited := []VisitedWishlist{}
	for wishlistId, selection := range self.load() {
		visited = append(visited, VisitedWishlist{
			WishlistId:   wishlistId,
			WishlistName: selection.WishlistName,
			SelectedAt:   selection.SelectedAt,
		})
	}
	slices.SortFunc(visited, func(a VisitedWishlist, b VisitedWishlist) int {
		if a.SelectedAt.After(b.SelectedAt) {
			return -1
		} else if b.SelectedAt.After(a.SelectedAt) {
			return 1
		} else {
			return 0
		}
	})
	if recentSelectionLimit < len(visited) {
		visited = visited[:recentSelectionLimit]
	}
	return visited
}

func (self *SelectionStore) load() map[string]*Selection {
	selections := map[string]*Selection{}
	b, err := os.ReadFile(self.path)
	if err != nil {
		return selections
	}
	if err := json.Unmarshal(b, &selections); err != nil {
		// a corrupt store is discarded, not fatal
		glog.Infof("[store]corrupt selection store %s = %s\n", self.path, err)
		return map[string]*Selection{}
	}
	return selections
}

func (self *SelectionStore) save(selections map[string]*Selection) error {
	if err := os.MkdirAll(filepath.Dir(self.path), 0700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(selections, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(self.path, b, 0600)
}
