package wishsync

import (
	"golang.org/x/exp/slices"
)

// Reconciliation: previous projection + one event -> next projection.
// Pure and synchronous. The transport delivers one message at a time and the
// engine applies them on a single goroutine, so no two steps ever overlap.

// Upsert locates the owner's bucket and either merges the update into the
// existing wish with the same id or appends it. Merging is field-level:
// only fields present in the payload override, so partial updates never
// drop untouched fields. Applying the same upsert twice is a no-op the
// second time.
func (self Projection) Upsert(owner string, update WishUpdate) Projection {
	nextBuckets := slices.Clone(self.buckets)
	for i, bucket := range nextBuckets {
		if bucket.User != owner {
			continue
		}
		nextWishes := slices.Clone(bucket.Wishes)
		j := slices.IndexFunc(nextWishes, func(wish Wish) bool {
			return wish.Id == update.Id
		})
		if 0 <= j {
			nextWishes[j] = update.ApplyTo(nextWishes[j])
		} else {
			nextWishes = append(nextWishes, update.ApplyTo(Wish{}))
		}
		nextBuckets[i] = Bucket{
			User:   bucket.User,
			Wishes: nextWishes,
		}
		break
	}
	return Projection{
		buckets: nextBuckets,
	}
}

// Delete applies a delete event as seen by `viewer`. The result is
// legitimately different per viewer:
//   - the wish is physically removed unless the viewer is the wish's
//     current assignee and is not the owner performing the deletion
//   - for that assignee the wish is kept with Deleted set, so they retain
//     the ability to release the claim. Once they unassign, the follow-up
//     assignment event makes it invisible everywhere.
func (self Projection) Delete(viewer string, owner string, wishId string, assignedUser string) Projection {
	keepFlagged := assignedUser == viewer && viewer != owner

	nextBuckets := slices.Clone(self.buckets)
	for i, bucket := range nextBuckets {
		j := slices.IndexFunc(bucket.Wishes, func(wish Wish) bool {
			return wish.Id == wishId
		})
		if j < 0 {
			continue
		}
		nextWishes := slices.Clone(bucket.Wishes)
		if keepFlagged {
			flagged := nextWishes[j]
			flagged.Deleted = true
			nextWishes[j] = flagged
		} else {
			nextWishes = slices.Delete(nextWishes, j, j+1)
		}
		nextBuckets[i] = Bucket{
			User:   bucket.User,
			Wishes: nextWishes,
		}
	}
	return Projection{
		buckets: nextBuckets,
	}
}

// Apply dispatches one decoded event. Presence and error events do not touch
// the projection.
func (self Projection) Apply(viewer string, event Event) Projection {
	switch v := event.(type) {
	case *WishUpserted:
		return self.Upsert(v.Owner, v.Wish)
	case *WishDeleted:
		return self.Delete(viewer, v.Owner, v.WishId, v.AssignedUser)
	default:
		return self
	}
}
