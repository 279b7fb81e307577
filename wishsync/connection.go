package wishsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// ConnectionState is surfaced to state-change callbacks. The terminal
// Unreachable state is reached only after the reconnect attempt budget is
// exhausted; the UI layer renders the failure from there.
type ConnectionState int

const (
	ConnectionStateConnecting ConnectionState = iota
	ConnectionStateOpen
	ConnectionStateReconnecting
	ConnectionStateUnreachable
	ConnectionStateClosed
)

func (self ConnectionState) String() string {
	switch self {
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateOpen:
		return "open"
	case ConnectionStateReconnecting:
		return "reconnecting"
	case ConnectionStateUnreachable:
		return "unreachable"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type MessageFunction func(message []byte)
type StateFunction func(state ConnectionState)

type ConnectionSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	ReconnectTimeout   time.Duration
	// consecutive failed attempts before the connection is abandoned
	MaxReconnectAttempts int
}

func DefaultConnectionSettings() *ConnectionSettings {
	return &ConnectionSettings{
		WsHandshakeTimeout:   2 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReconnectTimeout:     3 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

// Connection owns one persistent duplex channel per mounted wishlist view.
// The bearer credential rides in the handshake: as the trailing url path
// segment and again as the second subprotocol value. Both must match on the
// server for the session to be accepted.
//
// Send is fire and forget. There is no per-message ack; the eventual inbound
// event echoing the change is the only delivery confirmation. The connection
// holds no domain state.
type Connection struct {
	ctx    context.Context
	cancel context.CancelFunc

	wsUrl string
	token string

	settings *ConnectionSettings

	sendMutex sync.Mutex
	ws        *websocket.Conn

	messageCallbacks *CallbackList[MessageFunction]
	stateCallbacks   *CallbackList[StateFunction]

	stateMutex sync.Mutex
	state      ConnectionState
}

func NewConnectionWithDefaults(ctx context.Context, wsUrl string, token string) *Connection {
	return NewConnection(ctx, wsUrl, token, DefaultConnectionSettings())
}

func NewConnection(ctx context.Context, wsUrl string, token string, settings *ConnectionSettings) *Connection {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Connection{
		ctx:              cancelCtx,
		cancel:           cancel,
		wsUrl:            wsUrl,
		token:            token,
		settings:         settings,
		messageCallbacks: NewCallbackList[MessageFunction](),
		stateCallbacks:   NewCallbackList[StateFunction](),
		state:            ConnectionStateConnecting,
	}
}

// Start begins dialing. Register callbacks before Start, or the first
// messages and the initial state transition can be missed.
func (self *Connection) Start() {
	go self.run()
}

func (self *Connection) AddMessageCallback(callback MessageFunction) func() {
	return self.messageCallbacks.Add(callback)
}

func (self *Connection) AddStateCallback(callback StateFunction) func() {
	return self.stateCallbacks.Add(callback)
}

func (self *Connection) State() ConnectionState {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.state
}

func (self *Connection) setState(state ConnectionState) {
	self.stateMutex.Lock()
	if self.state == state || self.state == ConnectionStateClosed {
		self.stateMutex.Unlock()
		return
	}
	self.state = state
	self.stateMutex.Unlock()

	for _, callback := range self.stateCallbacks.Get() {
		callback(state)
	}
}

// Send writes one intent to the channel. An error means the message was
// certainly not sent; nil means it was handed to the transport, nothing more.
func (self *Connection) Send(message []byte) error {
	self.sendMutex.Lock()
	defer self.sendMutex.Unlock()

	if self.ws == nil {
		return fmt.Errorf("connection is not open")
	}
	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return self.ws.WriteMessage(websocket.TextMessage, message)
}

func (self *Connection) SendIntent(intent *Intent) error {
	message, err := EncodeIntent(intent)
	if err != nil {
		return err
	}
	return self.Send(message)
}

func (self *Connection) run() {
	defer func() {
		self.cancel()
		// unreachable is terminal and must stay visible
		if self.State() != ConnectionStateUnreachable {
			self.setState(ConnectionStateClosed)
		}
	}()

	attempts := 0
	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)

		ws, err := self.connect()
		if err != nil {
			attempts += 1
			glog.Infof("[conn]dial error (attempt %d/%d) = %s\n", attempts, self.settings.MaxReconnectAttempts, err)
			if self.settings.MaxReconnectAttempts <= attempts {
				self.setState(ConnectionStateUnreachable)
				return
			}
			self.setState(ConnectionStateReconnecting)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		// a successful open resets the attempt budget
		attempts = 0

		self.sendMutex.Lock()
		self.ws = ws
		self.sendMutex.Unlock()

		self.setState(ConnectionStateOpen)

		self.readLoop(ws)

		self.sendMutex.Lock()
		self.ws = nil
		self.sendMutex.Unlock()
		ws.Close()

		select {
		case <-self.ctx.Done():
			return
		default:
		}

		attempts += 1
		self.setState(ConnectionStateReconnecting)
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *Connection) connect() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
		Subprotocols:     []string{"authorization", self.token},
	}
	url := fmt.Sprintf("%s/%s/", self.wsUrl, self.token)
	ws, _, err := dialer.DialContext(self.ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

func (self *Connection) readLoop(ws *websocket.Conn) {
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.Infof("[conn]<- error = %s\n", err)
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if len(message) == 0 {
				continue
			}
			glog.V(2).Infof("[conn]<- %d bytes\n", len(message))
			for _, callback := range self.messageCallbacks.Get() {
				callback(message)
			}
		}
	}
}

// Close tears down the connection. In-flight intents that were sent but not
// yet echoed are abandoned.
func (self *Connection) Close() {
	self.cancel()
	self.sendMutex.Lock()
	if self.ws != nil {
		self.ws.Close()
	}
	self.sendMutex.Unlock()
}
