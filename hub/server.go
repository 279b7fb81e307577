package hub

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// one connected websocket session
type client struct {
	userName string
	ws       *websocket.Conn
	send     chan []byte
	done     chan struct{}
}

// deliver queues a message for the client's writer. A client that cannot
// keep up is dropped rather than blocking the broadcast.
func (self *client) deliver(message []byte) {
	select {
	case self.send <- message:
	case <-self.done:
	default:
		glog.Infof("[hub]drop message for slow client %s\n", self.userName)
	}
}

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 2 * time.Second,
	Subprotocols:     []string{"authorization"},
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler returns the hub's http surface:
//
//	GET /wishlist/{token}   full snapshot fetch
//	GET /ws/{token}/        the duplex channel
//
// The websocket credential must appear both as the trailing path segment and
// as the second subprotocol value; a mismatch rejects the session.
func (self *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /wishlist/{token}", self.handleSnapshot)
	mux.HandleFunc("GET /ws/{token}/", self.handleWebsocket)
	return mux
}

func (self *Hub) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	snapshot, err := self.Snapshot(token)
	if err != nil {
		glog.V(1).Infof("[hub]snapshot rejected = %s\n", err)
		http.Error(w, "not authorized for this wishlist", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}

func subprotocolToken(r *http.Request) string {
	protocols := websocket.Subprotocols(r)
	for i, protocol := range protocols {
		if protocol == "authorization" && i+1 < len(protocols) {
			return protocols[i+1]
		}
	}
	return ""
}

func (self *Hub) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")

	if !self.limiter.Allow(token) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	// both credentials must match for the session to be accepted
	if subprotocolToken(r) != token {
		http.Error(w, "credential mismatch", http.StatusUnauthorized)
		return
	}

	wl, participant, err := self.authorize(token)
	if err != nil {
		glog.V(1).Infof("[hub]connection rejected = %s\n", err)
		http.Error(w, "not authorized for this wishlist", http.StatusUnauthorized)
		return
	}
	if !participant.IsActive {
		http.Error(w, "participant is deactivated", http.StatusForbidden)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[hub]upgrade error = %s\n", err)
		return
	}

	c := &client{
		userName: participant.Name,
		ws:       ws,
		send:     make(chan []byte, self.settings.SendBufferSize),
		done:     make(chan struct{}),
	}

	self.mutex.Lock()
	wl.clients[c] = true
	self.mutex.Unlock()

	self.metrics.ConnectionsTotal.Inc()
	self.metrics.ConnectedClients.Inc()
	glog.V(1).Infof("[hub]%s connected to %s\n", participant.Name, wl.name)

	self.broadcastPresence(wl, false)

	go self.writeLoop(c)
	self.readLoop(wl, c)

	// read loop ended, tear down
	self.mutex.Lock()
	delete(wl.clients, c)
	self.mutex.Unlock()

	close(c.done)
	ws.Close()

	self.metrics.ConnectedClients.Dec()
	glog.V(1).Infof("[hub]%s disconnected from %s\n", participant.Name, wl.name)

	self.broadcastPresence(wl, true)
}

func (self *Hub) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				glog.V(1).Infof("[hub]-> %s error = %s\n", c.userName, err)
				return
			}
		}
	}
}

func (self *Hub) readLoop(w *wishlist, c *client) {
	for {
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if len(message) == 0 {
				continue
			}
			self.handleIntent(w, c, message)
		}
	}
}
