package wishsync

import (
	"encoding/json"

	"golang.org/x/exp/slices"
)

// a wish as it appears on the wire and in the projection.
// `AssignedUser` is the claimant's display name, not an id. This matches the
// live wire contract; renaming a participant while claims exist would break
// attribution, so participant rename is rejected upstream.
type Wish struct {
	Id           string `json:"id"`
	Name         string `json:"name"`
	Price        string `json:"price,omitempty"`
	Url          string `json:"url,omitempty"`
	Description  string `json:"description,omitempty"`
	AssignedUser string `json:"assignedUser,omitempty"`
	Deleted      bool   `json:"deleted,omitempty"`
	SuggestedBy  string `json:"suggestedBy,omitempty"`
}

// a single participant's ordered wishes. The wire name for the owner is `user`.
type Bucket struct {
	User   string `json:"user"`
	Wishes []Wish `json:"wishes"`
}

// the full-fetch response. This is the seed the projection starts from,
// re-fetched after every reconnect since there is no resume protocol.
type Snapshot struct {
	WishlistId          string   `json:"wishlistId"`
	Name                string   `json:"name"`
	SurpriseModeEnabled bool     `json:"surpriseModeEnabled"`
	AllowSeeAssigned    bool     `json:"allowSeeAssigned"`
	CurrentUser         string   `json:"currentUser"`
	UserWishes          []Bucket `json:"userWishes"`
}

// WishUpdate is a wish payload that remembers which json fields were present.
// The server may send partial wishes. Only present fields override on merge,
// so an upsert never clobbers untouched fields. An explicit null counts as
// present and clears the field, which is how a claim is released.
type WishUpdate struct {
	Wish
	present map[string]bool
}

func NewWishUpdate(wish Wish) WishUpdate {
	present := map[string]bool{
		"id":           true,
		"name":         true,
		"price":        true,
		"url":          true,
		"description":  true,
		"assignedUser": true,
		"deleted":      true,
		"suggestedBy":  true,
	}
	return WishUpdate{
		Wish:    wish,
		present: present,
	}
}

func (self *WishUpdate) UnmarshalJSON(b []byte) error {
	if err := json.Unmarshal(b, &self.Wish); err != nil {
		return err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	self.present = map[string]bool{}
	for field := range fields {
		self.present[field] = true
	}
	return nil
}

// the wire carries exactly the present fields. A present-but-zero field is
// emitted (null for a released claim) so clearing survives the round trip;
// marshaling the inner Wish would let omitempty drop it.
func (self *WishUpdate) MarshalJSON() ([]byte, error) {
	fields := map[string]any{}
	for field := range self.present {
		switch field {
		case "id":
			fields[field] = self.Id
		case "name":
			fields[field] = self.Name
		case "price":
			fields[field] = self.Price
		case "url":
			fields[field] = self.Url
		case "description":
			fields[field] = self.Description
		case "assignedUser":
			if self.AssignedUser == "" {
				fields[field] = nil
			} else {
				fields[field] = self.AssignedUser
			}
		case "deleted":
			fields[field] = self.Deleted
		case "suggestedBy":
			fields[field] = self.SuggestedBy
		}
	}
	return json.Marshal(fields)
}

func (self *WishUpdate) Has(field string) bool {
	return self.present[field]
}

// merge the update over a previous wish, field-level last write wins
func (self *WishUpdate) ApplyTo(wish Wish) Wish {
	if self.Has("id") {
		wish.Id = self.Id
	}
	if self.Has("name") {
		wish.Name = self.Name
	}
	if self.Has("price") {
		wish.Price = self.Price
	}
	if self.Has("url") {
		wish.Url = self.Url
	}
	if self.Has("description") {
		wish.Description = self.Description
	}
	if self.Has("assignedUser") {
		wish.AssignedUser = self.AssignedUser
	}
	if self.Has("deleted") {
		wish.Deleted = self.Deleted
	}
	if self.Has("suggestedBy") {
		wish.SuggestedBy = self.SuggestedBy
	}
	return wish
}

// Projection is the authoritative client-side cache of owner -> wishes.
// Values are immutable. Every reconciliation step returns a new projection
// and shares unchanged buckets, so a render holding a previous value never
// observes a partial update.
type Projection struct {
	buckets []Bucket
}

func NewProjection(buckets []Bucket) Projection {
	return Projection{
		buckets: slices.Clone(buckets),
	}
}

func ProjectionFromSnapshot(snapshot *Snapshot) Projection {
	return NewProjection(snapshot.UserWishes)
}

// read-only view of the buckets in server-provided participant order
func (self Projection) Buckets() []Bucket {
	return self.buckets
}

func (self Projection) Users() []string {
	users := make([]string, 0, len(self.buckets))
	for _, bucket := range self.buckets {
		users = append(users, bucket.User)
	}
	return users
}

func (self Projection) Get(owner string, wishId string) (Wish, bool) {
	for _, bucket := range self.buckets {
		if bucket.User != owner {
			continue
		}
		for _, wish := range bucket.Wishes {
			if wish.Id == wishId {
				return wish, true
			}
		}
	}
	return Wish{}, false
}

// find a wish by id in any bucket
func (self Projection) Find(wishId string) (owner string, wish Wish, ok bool) {
	for _, bucket := range self.buckets {
		for _, w := range bucket.Wishes {
			if w.Id == wishId {
				return bucket.User, w, true
			}
		}
	}
	return "", Wish{}, false
}
