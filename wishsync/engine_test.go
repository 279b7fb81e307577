package wishsync

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
)

// an engine seeded directly, no transport
func testEngine(currentUser string) *Engine {
	engine := NewEngineWithDefaults(context.Background(), "", "", "")
	engine.currentUser = currentUser
	engine.hasSnapshot = true
	engine.projection = NewProjection([]Bucket{
		{User: "Alice", Wishes: []Wish{}},
		{User: "Bob", Wishes: []Wish{}},
	})
	return engine
}

func TestOwnEchoClearsEditingState(t *testing.T) {
	engine := testEngine("Alice")
	defer engine.Close()

	engine.SetEditing("w1")
	assert.Equal(t, "w1", engine.Editing())

	// another participant's event leaves the mark alone
	engine.applyEvent(&WishUpserted{
		Actor:  "Bob",
		Action: ActionCreateWish,
		Owner:  "Bob",
		Wish:   NewWishUpdate(Wish{Id: "w9", Name: "Socks"}),
	})
	assert.Equal(t, "w1", engine.Editing())

	// so does a server error
	engine.applyEvent(&ErrorMessage{Message: "nope"})
	assert.Equal(t, "w1", engine.Editing())

	// the user's own echo clears it
	engine.applyEvent(&WishUpserted{
		Actor:  "Alice",
		Action: ActionUpdateWish,
		Owner:  "Alice",
		Wish:   NewWishUpdate(Wish{Id: "w1", Name: "Bike"}),
	})
	assert.Equal(t, "", engine.Editing())
}

func TestOwnDeleteEchoClearsEditingState(t *testing.T) {
	engine := testEngine("Alice")
	defer engine.Close()

	engine.applyEvent(&WishUpserted{
		Actor:  "Alice",
		Action: ActionCreateWish,
		Owner:  "Alice",
		Wish:   NewWishUpdate(Wish{Id: "w1", Name: "Bike"}),
	})
	engine.SetEditing("w1")

	engine.applyEvent(&WishDeleted{
		Actor:  "Alice",
		Owner:  "Alice",
		WishId: "w1",
	})
	assert.Equal(t, "", engine.Editing())
}

func TestEchoNotificationOnlyForActor(t *testing.T) {
	engine := testEngine("Alice")
	defer engine.Close()

	notifications := []*Notification{}
	engine.AddNotificationCallback(func(notification *Notification) {
		notifications = append(notifications, notification)
	})

	engine.applyEvent(&WishUpserted{
		Actor:  "Bob",
		Action: ActionCreateWish,
		Owner:  "Bob",
		Wish:   NewWishUpdate(Wish{Id: "w9", Name: "Socks"}),
	})
	assert.Equal(t, 0, len(notifications))

	engine.applyEvent(&WishUpserted{
		Actor:  "Alice",
		Action: ActionCreateWish,
		Owner:  "Alice",
		Wish:   NewWishUpdate(Wish{Id: "w1", Name: "Bike"}),
	})
	assert.Equal(t, 1, len(notifications))
	assert.Equal(t, NotificationVariantSuccess, notifications[0].Variant)
	assert.Equal(t, ActionCreateWish, notifications[0].Action)
}
