package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"fleetforge/internal/bus"
	"fleetforge/internal/logging"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// wsWriter is the transport side of one real-time connection. Satisfied
// by *websocket.Conn.
type wsWriter interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// wsClient serializes writes to one connection. Several topic relays may
// push to the same socket concurrently.
type wsClient struct {
	mu   sync.Mutex
	conn wsWriter
}

func (c *wsClient) send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// topicRelay pumps one bus subscription to its set of connections
type topicRelay struct {
	topic string
	sub   *bus.Subscription

	mu    sync.Mutex
	conns map[*wsClient]struct{}
}

// Bridge fans bus messages out to real-time clients. The underlying bus
// subscription per topic is reference-counted: the first connection on
// a topic opens it, removing the last one closes it.
type Bridge struct {
	bus *bus.Bus

	mu     sync.Mutex
	relays map[string]*topicRelay
}

// NewBridge creates a bridge over the given bus
func NewBridge(b *bus.Bus) *Bridge {
	return &Bridge{
		bus:    b,
		relays: make(map[string]*topicRelay),
	}
}

// Attach subscribes one connection to a topic. The connection joins the
// relay before b.mu is released so a concurrent Detach of the topic's
// last other connection cannot tear the relay down underneath it.
func (b *Bridge) Attach(topic string, c *wsClient) {
	b.mu.Lock()
	defer b.mu.Unlock()

	relay, ok := b.relays[topic]
	if !ok {
		relay = &topicRelay{
			topic: topic,
			sub:   b.bus.Subscribe(topic),
			conns: make(map[*wsClient]struct{}),
		}
		b.relays[topic] = relay
		go b.pump(relay)
	}

	relay.mu.Lock()
	relay.conns[c] = struct{}{}
	relay.mu.Unlock()
}

// Detach unsubscribes one connection from a topic. The bus subscription
// closes when the last connection leaves.
func (b *Bridge) Detach(topic string, c *wsClient) {
	b.mu.Lock()
	relay, ok := b.relays[topic]
	if !ok {
		b.mu.Unlock()
		return
	}

	relay.mu.Lock()
	delete(relay.conns, c)
	empty := len(relay.conns) == 0
	relay.mu.Unlock()

	if empty {
		delete(b.relays, topic)
	}
	b.mu.Unlock()

	if empty {
		relay.sub.Close()
	}
}

// DetachAll removes a connection from every topic it is on
func (b *Bridge) DetachAll(c *wsClient) {
	b.mu.Lock()
	var topics []string
	for topic, relay := range b.relays {
		relay.mu.Lock()
		if _, ok := relay.conns[c]; ok {
			topics = append(topics, topic)
		}
		relay.mu.Unlock()
	}
	b.mu.Unlock()

	for _, topic := range topics {
		b.Detach(topic, c)
	}
}

// pump forwards bus messages verbatim to every connection on the relay.
// A connection whose write fails is pruned here, on the send attempt,
// never on the publish path.
func (b *Bridge) pump(relay *topicRelay) {
	for msg := range relay.sub.C() {
		relay.mu.Lock()
		conns := make([]*wsClient, 0, len(relay.conns))
		for c := range relay.conns {
			conns = append(conns, c)
		}
		relay.mu.Unlock()

		for _, c := range conns {
			if err := c.send(msg.Payload); err != nil {
				logging.Logger().Debug("pruning broken real-time connection",
					zap.String("topic", relay.topic),
					zap.Error(err))
				b.Detach(relay.topic, c)
			}
		}
	}
}

// wsControl is a client's in-band subscribe/unsubscribe request
type wsControl struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

// handleWS upgrades the connection and serves its subscription control
// loop. Initial topics come from the comma-separated "topics" query
// parameter; afterwards the client manages its set with control
// messages.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Logger().Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := &wsClient{conn: conn}
	defer func() {
		s.bridge.DetachAll(client)
		conn.Close()
	}()

	for _, topic := range strings.Split(c.Query("topics"), ",") {
		if topic = strings.TrimSpace(topic); topic != "" {
			s.bridge.Attach(topic, client)
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var ctrl wsControl
		if err := json.Unmarshal(data, &ctrl); err != nil || ctrl.Topic == "" {
			continue
		}
		switch ctrl.Action {
		case "subscribe":
			s.bridge.Attach(ctrl.Topic, client)
		case "unsubscribe":
			s.bridge.Detach(ctrl.Topic, client)
		}
	}
}
