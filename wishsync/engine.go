package wishsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// notification variants, cosmetic hints for the render layer
const (
	NotificationVariantSuccess = "success"
	NotificationVariantDanger  = "danger"
)

// a transient notification for the render layer. Emitted for the viewer's
// own successful actions (kind is the echoed action) and for error events.
// Auto-dismiss timing is a render concern, not part of the engine.
type Notification struct {
	Variant string
	// the action that triggered this notification, empty for errors
	Action  string
	Message string
}

type NotificationFunction func(notification *Notification)

// UpdateFunction receives the next immutable projection after each applied
// event, plus the current presence set.
type UpdateFunction func(projection Projection, connectedUsers []string)

type EngineSettings struct {
	ConnectionSettings *ConnectionSettings
}

func DefaultEngineSettings() *EngineSettings {
	return &EngineSettings{
		ConnectionSettings: DefaultConnectionSettings(),
	}
}

// Engine is the stateful shell around the pure reconciliation core. It owns
// the projection exclusively: the initial snapshot seeds it, every inbound
// event patches it, and consumers only ever read immutable values.
//
// There is no optimistic commit. The server's echo is the single source of
// truth for "my edit succeeded": only when the echo attributed to this user
// arrives does the engine clear the edit-in-progress state and notify.
type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc

	api      *Api
	settings *EngineSettings

	wsUrl string
	token string

	connection *Connection

	stateMutex sync.Mutex
	// wishlist metadata from the snapshot
	wishlistId   string
	wishlistName string
	surpriseMode bool
	currentUser  string
	hasSnapshot  bool

	projection     Projection
	connectedUsers []string
	// id of the wish the local user is editing, empty if none
	editingWishId string

	notificationCallbacks *CallbackList[NotificationFunction]
	updateCallbacks       *CallbackList[UpdateFunction]
}

func NewEngineWithDefaults(ctx context.Context, apiUrl string, wsUrl string, token string) *Engine {
	return NewEngine(ctx, apiUrl, wsUrl, token, DefaultEngineSettings())
}

func NewEngine(ctx context.Context, apiUrl string, wsUrl string, token string, settings *EngineSettings) *Engine {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Engine{
		ctx:                   cancelCtx,
		cancel:                cancel,
		api:                   NewApiWithContext(cancelCtx, apiUrl, token),
		settings:              settings,
		wsUrl:                 wsUrl,
		token:                 token,
		notificationCallbacks: NewCallbackList[NotificationFunction](),
		updateCallbacks:       NewCallbackList[UpdateFunction](),
	}
}

func (self *Engine) AddNotificationCallback(callback NotificationFunction) func() {
	return self.notificationCallbacks.Add(callback)
}

func (self *Engine) AddUpdateCallback(callback UpdateFunction) func() {
	return self.updateCallbacks.Add(callback)
}

// Start fetches the initial snapshot and opens the duplex connection.
// After every reconnect the snapshot is fetched again, because patches may
// have been lost while disconnected and there is no resume protocol.
func (self *Engine) Start() error {
	if err := self.refetch(); err != nil {
		return err
	}

	self.connection = NewConnection(self.ctx, self.wsUrl, self.token, self.settings.ConnectionSettings)
	self.connection.AddMessageCallback(self.handleMessage)
	self.connection.AddStateCallback(self.handleConnectionState)
	self.connection.Start()
	return nil
}

func (self *Engine) refetch() error {
	snapshot, err := self.api.GetWishlistSync()
	if err != nil {
		return fmt.Errorf("snapshot fetch: %w", err)
	}

	self.stateMutex.Lock()
	self.wishlistId = snapshot.WishlistId
	self.wishlistName = snapshot.Name
	self.currentUser = snapshot.CurrentUser
	// the wishlist's default claim visibility seeds the local toggle
	if !self.hasSnapshot {
		self.surpriseMode = !snapshot.AllowSeeAssigned
	}
	self.hasSnapshot = true
	self.projection = ProjectionFromSnapshot(snapshot)
	projection := self.projection
	connectedUsers := self.connectedUsers
	self.stateMutex.Unlock()

	self.notifyUpdate(projection, connectedUsers)
	return nil
}

func (self *Engine) handleConnectionState(state ConnectionState) {
	switch state {
	case ConnectionStateOpen:
		self.stateMutex.Lock()
		resync := self.hasSnapshot
		self.stateMutex.Unlock()
		if resync {
			if err := self.refetch(); err != nil {
				glog.Infof("[engine]resync error = %s\n", err)
			}
		}
	case ConnectionStateUnreachable:
		self.emitNotification(&Notification{
			Variant: NotificationVariantDanger,
			Message: "connection lost",
		})
	}
}

// handleMessage applies exactly one event at a time, in arrival order.
// The transport delivers messages sequentially from a single read loop, so
// no two reconciliation steps run concurrently.
func (self *Engine) handleMessage(message []byte) {
	event, err := DecodeEvent(message)
	if err != nil {
		// malformed payloads never crash the reconciliation step
		glog.Infof("[engine]decode error = %s\n", err)
		return
	}
	if event == nil {
		// forward-compatible noise
		return
	}
	self.applyEvent(event)
}

func (self *Engine) applyEvent(event Event) {
	self.stateMutex.Lock()

	switch v := event.(type) {
	case *WishUpserted, *WishDeleted:
		self.projection = self.projection.Apply(self.currentUser, event)
	case *PresenceChanged:
		self.connectedUsers = ApplyPresenceEvent(v.ConnectedUsers, self.currentUser)
	case *ErrorMessage:
		// the projection is left untouched
	}

	currentUser := self.currentUser
	projection := self.projection
	connectedUsers := self.connectedUsers

	var notification *Notification
	switch v := event.(type) {
	case *WishUpserted:
		if v.Actor == currentUser {
			// the echo confirms this user's own intent
			self.editingWishId = ""
			notification = &Notification{
				Variant: NotificationVariantSuccess,
				Action:  v.Action,
			}
		}
	case *WishDeleted:
		if v.Actor == currentUser {
			self.editingWishId = ""
			notification = &Notification{
				Variant: NotificationVariantSuccess,
				Action:  ActionDeleteWish,
			}
		}
	case *ErrorMessage:
		glog.Infof("[engine]error event = %s\n", v.Message)
		notification = &Notification{
			Variant: NotificationVariantDanger,
			Message: v.Message,
		}
	}

	self.stateMutex.Unlock()

	self.notifyUpdate(projection, connectedUsers)
	if notification != nil {
		self.emitNotification(notification)
	}
}

func (self *Engine) notifyUpdate(projection Projection, connectedUsers []string) {
	for _, callback := range self.updateCallbacks.Get() {
		callback(projection, connectedUsers)
	}
}

func (self *Engine) emitNotification(notification *Notification) {
	for _, callback := range self.notificationCallbacks.Get() {
		callback(notification)
	}
}

// Projection returns the current immutable projection value.
func (self *Engine) Projection() Projection {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.projection
}

func (self *Engine) ConnectedUsers() []string {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.connectedUsers
}

func (self *Engine) CurrentUser() string {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.currentUser
}

func (self *Engine) WishlistName() string {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.wishlistName
}

func (self *Engine) SurpriseMode() bool {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.surpriseMode
}

// SetSurpriseMode toggles the local claim-visibility. Only meaningful when
// the wishlist has surprise mode enabled; the render layer owns the toggle.
func (self *Engine) SetSurpriseMode(surpriseMode bool) {
	self.stateMutex.Lock()
	self.surpriseMode = surpriseMode
	projection := self.projection
	connectedUsers := self.connectedUsers
	self.stateMutex.Unlock()
	self.notifyUpdate(projection, connectedUsers)
}

// View projects the current state for the local viewer.
func (self *Engine) View(filters Filters) *ViewModel {
	self.stateMutex.Lock()
	projection := self.projection
	viewer := self.currentUser
	surpriseMode := self.surpriseMode
	self.stateMutex.Unlock()
	return Project(projection, viewer, surpriseMode, filters)
}

// SetEditing marks a wish as being edited by the local user. The mark is
// cleared when the server echoes any of this user's own mutations.
func (self *Engine) SetEditing(wishId string) {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	self.editingWishId = wishId
}

func (self *Engine) Editing() string {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.editingWishId
}

func (self *Engine) ConnectionState() ConnectionState {
	if self.connection == nil {
		return ConnectionStateConnecting
	}
	return self.connection.State()
}

func (self *Engine) CreateWish(values WishValues) error {
	return self.sendIntent(NewCreateWishIntent(self.CurrentUser(), values))
}

func (self *Engine) UpdateWish(wishId string, values WishValues) error {
	return self.sendIntent(NewUpdateWishIntent(self.CurrentUser(), wishId, values))
}

func (self *Engine) DeleteWish(wishId string) error {
	return self.sendIntent(NewDeleteWishIntent(self.CurrentUser(), wishId))
}

// Claim assigns a wish to the local user. Allowed only when the wish is
// unassigned; the server enforces the same rule.
func (self *Engine) Claim(wishId string) error {
	return self.UpdateWish(wishId, AssignValues(self.CurrentUser()))
}

// Unclaim releases the local user's claim. For a soft-deleted wish this is
// the step that makes it disappear from the claimant's view too.
func (self *Engine) Unclaim(wishId string) error {
	return self.UpdateWish(wishId, UnassignValues())
}

func (self *Engine) sendIntent(intent *Intent) error {
	if self.connection == nil {
		return fmt.Errorf("engine is not started")
	}
	return self.connection.SendIntent(intent)
}

// Close tears down the connection and abandons any unechoed intents.
func (self *Engine) Close() {
	self.cancel()
	if self.connection != nil {
		self.connection.Close()
	}
}
