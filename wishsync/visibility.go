package wishsync

// The visibility filter derives what one participant may see from the full
// projection. It is a pure function of the projection, the viewer, the
// surprise-mode flag, and the active filters. The projection itself never
// carries per-viewer state.

// optional view filters, independent and AND-composed
type Filters struct {
	// keep only wishes the viewer has claimed; buckets left empty by this
	// filter are dropped entirely
	OnlyClaimed bool
	// keep only this participant's bucket
	SelectedUser string
}

type WishView struct {
	Wish
	// the viewer holds the claim on this wish
	ClaimedByViewer bool
	// the viewer may claim or release this wish
	CanClaim bool
}

type BucketView struct {
	User   string
	IsSelf bool
	Wishes []WishView
	// no visible wishes; render a placeholder instead of an empty list
	Empty bool
	// the empty placeholder is the viewer's own bucket, render it as a
	// call to add the first wish
	EmptyCallToAdd bool
}

type ViewModel struct {
	Viewer  string
	Buckets []BucketView
}

// Project derives the viewer's view model.
//
// Visibility rules:
//   - soft-deleted wishes are visible only to their current assignee
//   - surprise mode hides the assignee of every wish in the viewer's own
//     bucket. On other buckets the assignee is visible when surprise mode
//     is off, or always to the claimant themselves
//
// Bucket order is the server-provided participant order from the snapshot.
func Project(projection Projection, viewer string, surpriseMode bool, filters Filters) *ViewModel {
	bucketViews := []BucketView{}
	for _, bucket := range projection.Buckets() {
		if filters.SelectedUser != "" && bucket.User != filters.SelectedUser {
			continue
		}
		isSelf := bucket.User == viewer

		wishViews := []WishView{}
		for _, wish := range bucket.Wishes {
			if wish.Deleted && wish.AssignedUser != viewer {
				continue
			}
			if filters.OnlyClaimed && wish.AssignedUser != viewer {
				continue
			}

			view := WishView{
				Wish:            wish,
				ClaimedByViewer: wish.AssignedUser != "" && wish.AssignedUser == viewer,
			}
			view.CanClaim = !isSelf && !wish.Deleted &&
				(wish.AssignedUser == "" || wish.AssignedUser == viewer)
			if !assignedUserVisible(wish, isSelf, viewer, surpriseMode) {
				view.AssignedUser = ""
			}
			wishViews = append(wishViews, view)
		}

		if filters.OnlyClaimed && len(wishViews) == 0 {
			continue
		}

		bucketViews = append(bucketViews, BucketView{
			User:           bucket.User,
			IsSelf:         isSelf,
			Wishes:         wishViews,
			Empty:          len(wishViews) == 0,
			EmptyCallToAdd: len(wishViews) == 0 && isSelf,
		})
	}

	return &ViewModel{
		Viewer:  viewer,
		Buckets: bucketViews,
	}
}

func assignedUserVisible(wish Wish, isSelf bool, viewer string, surpriseMode bool) bool {
	if wish.AssignedUser == "" {
		return false
	}
	if isSelf {
		// surprise mode hides claims from the wish's own owner only
		return !surpriseMode
	}
	return !surpriseMode || wish.AssignedUser == viewer
}
