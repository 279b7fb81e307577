// Package hub is an in-memory wishlist hub: the server-side collaborator of
// the live-sync engine. It owns the canonical wishlist state, authorizes
// intents, and broadcasts the resulting events to every connected client of
// the same wishlist. State lives in memory only; persistence is out of scope.
package hub

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/wishlink/sync/wishsync"
)

type Settings struct {
	// secret for minting and verifying wishlist-scoped participant tokens
	TokenSecret []byte
	// per-token websocket connect rate
	ConnectPerSecond float64
	ConnectBurst     int
	WriteTimeout     time.Duration
	SendBufferSize   int
}

func DefaultSettings() *Settings {
	return &Settings{
		TokenSecret:      []byte("wishlink-dev-secret"),
		ConnectPerSecond: 2,
		ConnectBurst:     5,
		WriteTimeout:     5 * time.Second,
		SendBufferSize:   16,
	}
}

type Participant struct {
	Id       string
	Name     string
	IsActive bool
	IsAdmin  bool
}

type wishlist struct {
	id                  string
	name                string
	surpriseModeEnabled bool
	allowSeeAssigned    bool
	// server-provided participant order, the bucket order clients pin on
	participants []*Participant
	wishes       map[string][]wishsync.Wish
	clients      map[*client]bool
}

func (self *wishlist) participantByName(name string) *Participant {
	for _, participant := range self.participants {
		if participant.Name == name {
			return participant
		}
	}
	return nil
}

func (self *wishlist) findWish(wishId string) (owner string, index int, ok bool) {
	for _, participant := range self.participants {
		for i, wish := range self.wishes[participant.Name] {
			if wish.Id == wishId {
				return participant.Name, i, true
			}
		}
	}
	return "", 0, false
}

func (self *wishlist) connectedNames() []string {
	names := []string{}
	seen := map[string]bool{}
	for _, participant := range self.participants {
		for c := range self.clients {
			if c.userName == participant.Name && !seen[participant.Name] {
				seen[participant.Name] = true
				names = append(names, participant.Name)
			}
		}
	}
	return names
}

type Hub struct {
	settings *Settings

	mutex     sync.Mutex
	wishlists map[string]*wishlist

	limiter *KeyedLimiter
	metrics *Metrics
}

func NewHubWithDefaults() *Hub {
	return NewHub(DefaultSettings())
}

func NewHub(settings *Settings) *Hub {
	return &Hub{
		settings:  settings,
		wishlists: map[string]*wishlist{},
		limiter:   NewKeyedLimiter(settings.ConnectPerSecond, settings.ConnectBurst),
		metrics:   NewMetrics(),
	}
}

func (self *Hub) Metrics() *Metrics {
	return self.metrics
}

// CreateWishlist sets up a wishlist with the given participants. The first
// participant is the admin. Returns the wishlist id and one token per
// participant name.
func (self *Hub) CreateWishlist(name string, surpriseModeEnabled bool, allowSeeAssigned bool, participantNames []string) (string, map[string]string, error) {
	if len(participantNames) == 0 {
		return "", nil, fmt.Errorf("a wishlist needs at least one participant")
	}
	seen := map[string]bool{}
	for _, participantName := range participantNames {
		if participantName == "" {
			return "", nil, fmt.Errorf("participant names must not be empty")
		}
		if seen[participantName] {
			return "", nil, fmt.Errorf("duplicate participant name %q", participantName)
		}
		seen[participantName] = true
	}

	wishlistId := uuid.NewString()
	w := &wishlist{
		id:                  wishlistId,
		name:                name,
		surpriseModeEnabled: surpriseModeEnabled,
		allowSeeAssigned:    allowSeeAssigned,
		wishes:              map[string][]wishsync.Wish{},
		clients:             map[*client]bool{},
	}

	tokens := map[string]string{}
	for i, participantName := range participantNames {
		participant := &Participant{
			Id:       uuid.NewString(),
			Name:     participantName,
			IsActive: true,
			IsAdmin:  i == 0,
		}
		w.participants = append(w.participants, participant)

		token, err := self.mintToken(wishlistId, participant)
		if err != nil {
			return "", nil, err
		}
		tokens[participantName] = token
	}

	self.mutex.Lock()
	self.wishlists[wishlistId] = w
	self.mutex.Unlock()

	glog.V(1).Infof("[hub]created wishlist %s (%s) with %d participants\n", name, wishlistId, len(participantNames))
	return wishlistId, tokens, nil
}

// AddParticipant is the admin action that joins a new participant.
// Returns the new participant's token.
func (self *Hub) AddParticipant(wishlistId string, name string) (string, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	w, ok := self.wishlists[wishlistId]
	if !ok {
		return "", fmt.Errorf("unknown wishlist %s", wishlistId)
	}
	if w.participantByName(name) != nil {
		return "", fmt.Errorf("participant name %q is already taken", name)
	}

	participant := &Participant{
		Id:       uuid.NewString(),
		Name:     name,
		IsActive: true,
	}
	w.participants = append(w.participants, participant)
	return self.mintToken(wishlistId, participant)
}

// SetParticipantActive deactivates or reactivates a participant.
// Deactivated participants are never hard-deleted: their historical claims
// stay visible to the claimant. They are excluded from live interaction.
func (self *Hub) SetParticipantActive(wishlistId string, name string, active bool) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	w, ok := self.wishlists[wishlistId]
	if !ok {
		return fmt.Errorf("unknown wishlist %s", wishlistId)
	}
	participant := w.participantByName(name)
	if participant == nil {
		return fmt.Errorf("unknown participant %q", name)
	}
	participant.IsActive = active
	return nil
}

func (self *Hub) mintToken(wishlistId string, participant *Participant) (string, error) {
	claims := jwt.MapClaims{
		"wishlist_id": wishlistId,
		"user_id":     participant.Id,
		"user_name":   participant.Name,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(self.settings.TokenSecret)
}

// authorize verifies the token signature and resolves the wishlist and
// participant it names.
func (self *Hub) authorize(token string) (*wishlist, *Participant, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return self.settings.TokenSecret, nil
	})
	if err != nil {
		return nil, nil, err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected claims type %T", parsed.Claims)
	}
	wishlistId, _ := claims["wishlist_id"].(string)
	userName, _ := claims["user_name"].(string)

	self.mutex.Lock()
	defer self.mutex.Unlock()

	w, ok := self.wishlists[wishlistId]
	if !ok {
		return nil, nil, fmt.Errorf("unknown wishlist %s", wishlistId)
	}
	participant := w.participantByName(userName)
	if participant == nil {
		return nil, nil, fmt.Errorf("unknown participant %q", userName)
	}
	return w, participant, nil
}

// Snapshot builds the per-viewer full fetch response. Soft-deleted wishes
// are included only for their current assignee; buckets are listed for
// active participants in join order.
func (self *Hub) Snapshot(token string) (*wishsync.Snapshot, error) {
	w, participant, err := self.authorize(token)
	if err != nil {
		return nil, err
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	userWishes := []wishsync.Bucket{}
	for _, p := range w.participants {
		if !p.IsActive {
			continue
		}
		wishes := []wishsync.Wish{}
		for _, wish := range w.wishes[p.Name] {
			if wish.Deleted && wish.AssignedUser != participant.Name {
				continue
			}
			wishes = append(wishes, wish)
		}
		userWishes = append(userWishes, wishsync.Bucket{
			User:   p.Name,
			Wishes: wishes,
		})
	}

	return &wishsync.Snapshot{
		WishlistId:          w.id,
		Name:                w.name,
		SurpriseModeEnabled: w.surpriseModeEnabled,
		AllowSeeAssigned:    w.allowSeeAssigned,
		CurrentUser:         participant.Name,
		UserWishes:          userWishes,
	}, nil
}

// handleIntent applies one client intent to the wishlist state and
// broadcasts the resulting event. Authorization failures are reported only
// to the acting client as an error_message event.
func (self *Hub) handleIntent(w *wishlist, c *client, message []byte) {
	var intent wishsync.Intent
	if err := json.Unmarshal(message, &intent); err != nil {
		glog.V(1).Infof("[hub]malformed intent from %s = %s\n", c.userName, err)
		self.sendError(c, "malformed message")
		return
	}

	self.metrics.IntentsTotal.WithLabelValues(intent.Type).Inc()

	self.mutex.Lock()
	actor := w.participantByName(c.userName)
	if actor == nil || !actor.IsActive {
		self.mutex.Unlock()
		self.sendError(c, "participant is not active")
		return
	}

	var event wishsync.Event
	var errorMessage string
	switch intent.Type {
	case wishsync.IntentCreateWish:
		event, errorMessage = self.createWish(w, actor, &intent)
	case wishsync.IntentUpdateWish:
		event, errorMessage = self.updateWish(w, actor, &intent)
	case wishsync.IntentDeleteWish:
		event, errorMessage = self.deleteWish(w, actor, &intent)
	default:
		glog.V(1).Infof("[hub]ignore unknown intent type %s\n", intent.Type)
		self.mutex.Unlock()
		return
	}
	self.mutex.Unlock()

	if errorMessage != "" {
		self.sendError(c, errorMessage)
		return
	}
	if event != nil {
		self.broadcast(w, event)
	}
}

// postValues decoded with field presence, so a null assignedUser is a
// deliberate release
func decodeValues(values wishsync.WishValues) (*wishsync.WishUpdate, error) {
	b, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	var update wishsync.WishUpdate
	if err := json.Unmarshal(b, &update); err != nil {
		return nil, err
	}
	return &update, nil
}

func (self *Hub) createWish(w *wishlist, actor *Participant, intent *wishsync.Intent) (wishsync.Event, string) {
	update, err := decodeValues(intent.PostValues)
	if err != nil {
		return nil, "malformed wish values"
	}
	if update.Name == "" {
		return nil, "a wish needs a name"
	}

	// a wish can be suggested into another participant's bucket
	owner := actor.Name
	if suggestedOwner, ok := intent.PostValues["owner"].(string); ok && suggestedOwner != "" && suggestedOwner != actor.Name {
		ownerParticipant := w.participantByName(suggestedOwner)
		if ownerParticipant == nil || !ownerParticipant.IsActive {
			return nil, fmt.Sprintf("unknown participant %q", suggestedOwner)
		}
		owner = suggestedOwner
	}

	wish := wishsync.Wish{
		Id:          ulid.Make().String(),
		Name:        update.Name,
		Price:       update.Price,
		Url:         update.Url,
		Description: update.Description,
	}
	if owner != actor.Name {
		wish.SuggestedBy = actor.Name
	}
	w.wishes[owner] = append(w.wishes[owner], wish)

	return &wishsync.WishUpserted{
		Actor:  actor.Name,
		Action: wishsync.ActionCreateWish,
		Owner:  owner,
		Wish:   wishsync.NewWishUpdate(wish),
	}, ""
}

func (self *Hub) updateWish(w *wishlist, actor *Participant, intent *wishsync.Intent) (wishsync.Event, string) {
	if intent.ObjectId == nil {
		return nil, "update requires a wish id"
	}
	owner, index, ok := w.findWish(*intent.ObjectId)
	if !ok {
		return nil, "unknown wish"
	}
	update, err := decodeValues(intent.PostValues)
	if err != nil {
		return nil, "malformed wish values"
	}

	wish := w.wishes[owner][index]
	action := wishsync.ActionUpdateWish

	if update.Has("assignedUser") {
		// claims move only between unassigned and the current assignee,
		// and never by the wish's own owner
		if actor.Name == owner {
			return nil, "you cannot claim your own wish"
		}
		if wish.AssignedUser != "" && wish.AssignedUser != actor.Name {
			return nil, "this wish is already taken"
		}
		if update.AssignedUser != "" && update.AssignedUser != actor.Name {
			return nil, "you can only claim a wish for yourself"
		}
		action = wishsync.ActionChangeAssignedUser
	} else {
		// content edits belong to the owner or the suggester
		if actor.Name != owner && actor.Name != wish.SuggestedBy {
			return nil, "only the owner can edit this wish"
		}
	}

	next := update.ApplyTo(wish)
	next.Id = wish.Id

	if wish.Deleted && update.Has("assignedUser") && next.AssignedUser == "" {
		// releasing the claim on a soft-deleted wish removes it for good
		w.wishes[owner] = append(w.wishes[owner][:index:index], w.wishes[owner][index+1:]...)
	} else {
		w.wishes[owner][index] = next
	}

	return &wishsync.WishUpserted{
		Actor:  actor.Name,
		Action: action,
		Owner:  owner,
		Wish:   wishsync.NewWishUpdate(next),
	}, ""
}

func (self *Hub) deleteWish(w *wishlist, actor *Participant, intent *wishsync.Intent) (wishsync.Event, string) {
	if intent.ObjectId == nil {
		return nil, "delete requires a wish id"
	}
	owner, index, ok := w.findWish(*intent.ObjectId)
	if !ok {
		return nil, "unknown wish"
	}
	wish := w.wishes[owner][index]
	if actor.Name != owner && actor.Name != wish.SuggestedBy {
		return nil, "only the owner can delete this wish"
	}

	if wish.AssignedUser != "" {
		// keep it soft-deleted until the assignee releases the claim
		wish.Deleted = true
		w.wishes[owner][index] = wish
	} else {
		w.wishes[owner] = append(w.wishes[owner][:index:index], w.wishes[owner][index+1:]...)
	}

	return &wishsync.WishDeleted{
		Actor:        actor.Name,
		Owner:        owner,
		WishId:       wish.Id,
		AssignedUser: wish.AssignedUser,
	}, ""
}

func (self *Hub) broadcast(w *wishlist, event wishsync.Event) {
	message, err := wishsync.EncodeEvent(event)
	if err != nil {
		glog.Errorf("[hub]encode event = %s\n", err)
		return
	}

	self.metrics.EventsTotal.Inc()

	self.mutex.Lock()
	clients := make([]*client, 0, len(w.clients))
	for c := range w.clients {
		clients = append(clients, c)
	}
	self.mutex.Unlock()

	for _, c := range clients {
		c.deliver(message)
	}
}

func (self *Hub) sendError(c *client, message string) {
	self.metrics.ErrorsTotal.Inc()
	b, err := wishsync.EncodeEvent(&wishsync.ErrorMessage{
		Message: message,
	})
	if err != nil {
		return
	}
	c.deliver(b)
}

func (self *Hub) broadcastPresence(w *wishlist, departure bool) {
	self.mutex.Lock()
	names := w.connectedNames()
	self.mutex.Unlock()

	self.broadcast(w, &wishsync.PresenceChanged{
		ConnectedUsers: names,
		Departure:      departure,
	})
}
