package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/wishlink/sync/wishsync"
)

func testSettings() *Settings {
	settings := DefaultSettings()
	// tests reconnect aggressively
	settings.ConnectPerSecond = 1000
	settings.ConnectBurst = 1000
	return settings
}

type testWishlist struct {
	hub        *Hub
	server     *httptest.Server
	wishlistId string
	tokens     map[string]string
}

func newTestWishlist(t *testing.T, settings *Settings, surpriseModeEnabled bool, participantNames ...string) *testWishlist {
	if settings == nil {
		settings = testSettings()
	}
	h := NewHub(settings)
	wishlistId, tokens, err := h.CreateWishlist("Family Christmas", surpriseModeEnabled, !surpriseModeEnabled, participantNames)
	require.NoError(t, err)

	server := httptest.NewServer(h.Handler())
	t.Cleanup(server.Close)

	return &testWishlist{
		hub:        h,
		server:     server,
		wishlistId: wishlistId,
		tokens:     tokens,
	}
}

func (self *testWishlist) wsUrl() string {
	return "ws" + strings.TrimPrefix(self.server.URL, "http") + "/ws"
}

type testClient struct {
	engine        *wishsync.Engine
	notifications chan *wishsync.Notification
}

// connect one participant and wait for the live channel to open
func (self *testWishlist) connect(t *testing.T, name string) *testClient {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	engineSettings := wishsync.DefaultEngineSettings()
	engineSettings.ConnectionSettings.ReconnectTimeout = 50 * time.Millisecond

	engine := wishsync.NewEngine(ctx, self.server.URL, self.wsUrl(), self.tokens[name], engineSettings)
	t.Cleanup(engine.Close)

	notifications := make(chan *wishsync.Notification, 64)
	engine.AddNotificationCallback(func(notification *wishsync.Notification) {
		notifications <- notification
	})

	require.NoError(t, engine.Start())
	require.Eventually(t, func() bool {
		return engine.ConnectionState() == wishsync.ConnectionStateOpen
	}, 5*time.Second, 10*time.Millisecond)

	return &testClient{
		engine:        engine,
		notifications: notifications,
	}
}

func (self *testClient) waitNotification(t *testing.T) *wishsync.Notification {
	select {
	case notification := <-self.notifications:
		return notification
	case <-time.After(5 * time.Second):
		t.Fatal("no notification received")
		return nil
	}
}

// wait until the participant's projection contains exactly one wish and
// return it with its owner
func (self *testClient) waitWish(t *testing.T, match func(owner string, wish wishsync.Wish) bool) (string, wishsync.Wish) {
	var owner string
	var found wishsync.Wish
	require.Eventually(t, func() bool {
		for _, bucket := range self.engine.Projection().Buckets() {
			for _, wish := range bucket.Wishes {
				if match(bucket.User, wish) {
					owner = bucket.User
					found = wish
					return true
				}
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	return owner, found
}

func TestCreateWishlistAndSnapshot(t *testing.T) {
	tw := newTestWishlist(t, nil, true, "Alice", "Bob", "Carol")
	require.Len(t, tw.tokens, 3)

	api := wishsync.NewApi(tw.server.URL, tw.tokens["Bob"])
	snapshot, err := api.GetWishlistSync()
	require.NoError(t, err)

	require.Equal(t, tw.wishlistId, snapshot.WishlistId)
	require.Equal(t, "Family Christmas", snapshot.Name)
	require.Equal(t, "Bob", snapshot.CurrentUser)
	require.True(t, snapshot.SurpriseModeEnabled)
	require.False(t, snapshot.AllowSeeAssigned)

	// buckets in join order, one per participant
	users := []string{}
	for _, bucket := range snapshot.UserWishes {
		users = append(users, bucket.User)
	}
	require.Equal(t, []string{"Alice", "Bob", "Carol"}, users)
}

func TestSnapshotRejectsBadToken(t *testing.T) {
	tw := newTestWishlist(t, nil, true, "Alice")

	resp, err := http.Get(tw.server.URL + "/wishlist/not-a-token")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateWishPropagatesToAllClients(t *testing.T) {
	tw := newTestWishlist(t, nil, true, "Alice", "Bob")
	alice := tw.connect(t, "Alice")
	bob := tw.connect(t, "Bob")

	require.NoError(t, alice.engine.CreateWish(wishsync.NewWishValues("Bike", "200", "https://example.com/bike", "red one")))

	// the actor gets a success echo, the other client only the update
	notification := alice.waitNotification(t)
	require.Equal(t, wishsync.NotificationVariantSuccess, notification.Variant)
	require.Equal(t, wishsync.ActionCreateWish, notification.Action)

	owner, wish := bob.waitWish(t, func(owner string, wish wishsync.Wish) bool {
		return wish.Name == "Bike"
	})
	require.Equal(t, "Alice", owner)
	require.Equal(t, "200", wish.Price)
	require.Empty(t, wish.AssignedUser)
	require.Empty(t, bob.notifications)
}

func TestClaimAndReleaseFlow(t *testing.T) {
	tw := newTestWishlist(t, nil, true, "Alice", "Bob")
	alice := tw.connect(t, "Alice")
	bob := tw.connect(t, "Bob")

	require.NoError(t, alice.engine.CreateWish(wishsync.NewWishValues("Bike", "", "", "")))
	_, wish := bob.waitWish(t, func(owner string, wish wishsync.Wish) bool {
		return wish.Name == "Bike"
	})

	require.NoError(t, bob.engine.Claim(wish.Id))
	notification := bob.waitNotification(t)
	require.Equal(t, wishsync.ActionChangeAssignedUser, notification.Action)

	alice.waitWish(t, func(owner string, wish wishsync.Wish) bool {
		return wish.Name == "Bike" && wish.AssignedUser == "Bob"
	})

	require.NoError(t, bob.engine.Unclaim(wish.Id))
	alice.waitWish(t, func(owner string, wish wishsync.Wish) bool {
		return wish.Name == "Bike" && wish.AssignedUser == ""
	})
}

func TestClaimRules(t *testing.T) {
	tw := newTestWishlist(t, nil, true, "Alice", "Bob", "Carol")
	alice := tw.connect(t, "Alice")
	bob := tw.connect(t, "Bob")
	carol := tw.connect(t, "Carol")

	require.NoError(t, alice.engine.CreateWish(wishsync.NewWishValues("Bike", "", "", "")))
	_, wish := bob.waitWish(t, func(owner string, wish wishsync.Wish) bool {
		return wish.Name == "Bike"
	})

	// owners never claim their own wishes
	require.NoError(t, alice.engine.Claim(wish.Id))
	notification := alice.waitNotification(t) // create echo
	require.Equal(t, wishsync.ActionCreateWish, notification.Action)
	notification = alice.waitNotification(t)
	require.Equal(t, wishsync.NotificationVariantDanger, notification.Variant)
	require.Equal(t, "you cannot claim your own wish", notification.Message)

	// first claim wins, the second actor gets a private error
	require.NoError(t, bob.engine.Claim(wish.Id))
	notification = bob.waitNotification(t)
	require.Equal(t, wishsync.NotificationVariantSuccess, notification.Variant)

	carol.waitWish(t, func(owner string, wish wishsync.Wish) bool {
		return wish.AssignedUser == "Bob"
	})
	require.NoError(t, carol.engine.Claim(wish.Id))
	notification = carol.waitNotification(t)
	require.Equal(t, wishsync.NotificationVariantDanger, notification.Variant)
	require.Equal(t, "this wish is already taken", notification.Message)

	// the rejection stayed private to the acting client
	require.Empty(t, bob.notifications)
}

func TestDeleteAssignedWishIsSoftUntilReleased(t *testing.T) {
	tw := newTestWishlist(t, nil, true, "Alice", "Bob")
	alice := tw.connect(t, "Alice")
	bob := tw.connect(t, "Bob")

	require.NoError(t, alice.engine.CreateWish(wishsync.NewWishValues("Bike", "", "", "")))
	_, wish := bob.waitWish(t, func(owner string, wish wishsync.Wish) bool {
		return wish.Name == "Bike"
	})
	require.NoError(t, bob.engine.Claim(wish.Id))
	alice.waitWish(t, func(owner string, wish wishsync.Wish) bool {
		return wish.AssignedUser == "Bob"
	})

	require.NoError(t, alice.engine.DeleteWish(wish.Id))

	// the owner's projection drops the wish, the claimant keeps a flagged copy
	require.Eventually(t, func() bool {
		_, _, ok := alice.engine.Projection().Find(wish.Id)
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
	bob.waitWish(t, func(owner string, wish wishsync.Wish) bool {
		return wish.Name == "Bike" && wish.Deleted
	})

	// a fresh snapshot agrees with both projections
	aliceSnapshot, err := wishsync.NewApi(tw.server.URL, tw.tokens["Alice"]).GetWishlistSync()
	require.NoError(t, err)
	require.Empty(t, aliceSnapshot.UserWishes[0].Wishes)
	bobSnapshot, err := wishsync.NewApi(tw.server.URL, tw.tokens["Bob"]).GetWishlistSync()
	require.NoError(t, err)
	require.Len(t, bobSnapshot.UserWishes[0].Wishes, 1)
	require.True(t, bobSnapshot.UserWishes[0].Wishes[0].Deleted)

	// releasing the claim removes the wish for good
	require.NoError(t, bob.engine.Unclaim(wish.Id))
	require.Eventually(t, func() bool {
		snapshot, err := wishsync.NewApi(tw.server.URL, tw.tokens["Bob"]).GetWishlistSync()
		return err == nil && len(snapshot.UserWishes[0].Wishes) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSuggestedWishLandsInOwnersBucket(t *testing.T) {
	tw := newTestWishlist(t, nil, true, "Alice", "Bob")
	alice := tw.connect(t, "Alice")
	bob := tw.connect(t, "Bob")

	values := wishsync.NewWishValues("Socks", "10", "", "")
	values["owner"] = "Bob"
	require.NoError(t, alice.engine.CreateWish(values))

	owner, wish := bob.waitWish(t, func(owner string, wish wishsync.Wish) bool {
		return wish.Name == "Socks"
	})
	require.Equal(t, "Bob", owner)
	require.Equal(t, "Alice", wish.SuggestedBy)

	// the suggester can delete it again
	require.NoError(t, alice.engine.DeleteWish(wish.Id))
	require.Eventually(t, func() bool {
		_, _, ok := bob.engine.Projection().Find(wish.Id)
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOnlyOwnerEditsContent(t *testing.T) {
	tw := newTestWishlist(t, nil, true, "Alice", "Bob")
	alice := tw.connect(t, "Alice")
	bob := tw.connect(t, "Bob")

	require.NoError(t, alice.engine.CreateWish(wishsync.NewWishValues("Bike", "", "", "")))
	_, wish := bob.waitWish(t, func(owner string, wish wishsync.Wish) bool {
		return wish.Name == "Bike"
	})

	require.NoError(t, bob.engine.UpdateWish(wish.Id, wishsync.WishValues{"name": "Tricycle"}))
	notification := bob.waitNotification(t)
	require.Equal(t, wishsync.NotificationVariantDanger, notification.Variant)

	require.NoError(t, alice.engine.UpdateWish(wish.Id, wishsync.WishValues{"name": "Tricycle"}))
	bob.waitWish(t, func(owner string, wish wishsync.Wish) bool {
		return wish.Name == "Tricycle"
	})
}

func TestPresence(t *testing.T) {
	tw := newTestWishlist(t, nil, true, "Alice", "Bob")
	alice := tw.connect(t, "Alice")

	require.Eventually(t, func() bool {
		return len(alice.engine.ConnectedUsers()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	bob := tw.connect(t, "Bob")
	require.Eventually(t, func() bool {
		users := alice.engine.ConnectedUsers()
		return len(users) == 1 && users[0] == "Bob"
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		users := bob.engine.ConnectedUsers()
		return len(users) == 1 && users[0] == "Alice"
	}, 5*time.Second, 10*time.Millisecond)

	bob.engine.Close()
	require.Eventually(t, func() bool {
		return len(alice.engine.ConnectedUsers()) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestChangesWhileOfflineAreRecoveredOnStart(t *testing.T) {
	tw := newTestWishlist(t, nil, true, "Alice", "Bob")
	alice := tw.connect(t, "Alice")

	require.NoError(t, alice.engine.CreateWish(wishsync.NewWishValues("Bike", "", "", "")))
	alice.waitNotification(t)

	// Bob was never online for the event; the snapshot seed covers it
	bob := tw.connect(t, "Bob")
	owner, wish := bob.waitWish(t, func(owner string, wish wishsync.Wish) bool {
		return wish.Name == "Bike"
	})
	require.Equal(t, "Alice", owner)
	require.NotEmpty(t, wish.Id)
}

func TestDeactivatedParticipantRejected(t *testing.T) {
	tw := newTestWishlist(t, nil, true, "Alice", "Bob")
	require.NoError(t, tw.hub.SetParticipantActive(tw.wishlistId, "Bob", false))

	dialer := websocket.Dialer{
		Subprotocols: []string{"authorization", tw.tokens["Bob"]},
	}
	_, resp, err := dialer.Dial(tw.wsUrl()+"/"+tw.tokens["Bob"]+"/", nil)
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	// the bucket disappears from everyone's snapshot
	snapshot, err := wishsync.NewApi(tw.server.URL, tw.tokens["Alice"]).GetWishlistSync()
	require.NoError(t, err)
	require.Len(t, snapshot.UserWishes, 1)
	require.Equal(t, "Alice", snapshot.UserWishes[0].User)
}

func TestAddParticipant(t *testing.T) {
	tw := newTestWishlist(t, nil, true, "Alice")

	token, err := tw.hub.AddParticipant(tw.wishlistId, "Bob")
	require.NoError(t, err)
	tw.tokens["Bob"] = token

	_, err = tw.hub.AddParticipant(tw.wishlistId, "Bob")
	require.Error(t, err)

	bob := tw.connect(t, "Bob")
	require.Equal(t, "Bob", bob.engine.CurrentUser())
	require.Equal(t, []string{"Alice", "Bob"}, bob.engine.Projection().Users())
}

func TestConnectRateLimit(t *testing.T) {
	settings := testSettings()
	settings.ConnectPerSecond = 0.001
	settings.ConnectBurst = 1
	tw := newTestWishlist(t, settings, true, "Alice")

	dialer := websocket.Dialer{
		Subprotocols: []string{"authorization", tw.tokens["Alice"]},
	}
	url := tw.wsUrl() + "/" + tw.tokens["Alice"] + "/"

	ws, _, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	_, resp, err := dialer.Dial(url, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestCredentialMismatchRejected(t *testing.T) {
	tw := newTestWishlist(t, nil, true, "Alice", "Bob")

	// path says Alice, subprotocol says Bob
	dialer := websocket.Dialer{
		Subprotocols: []string{"authorization", tw.tokens["Bob"]},
	}
	_, resp, err := dialer.Dial(tw.wsUrl()+"/"+tw.tokens["Alice"]+"/", nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
