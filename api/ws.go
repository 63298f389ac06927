package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aionpay/relayer/eventbus"
	"github.com/aionpay/relayer/log"
)

const (
	// wsWriteWait is the deadline for a single outbound write.
	wsWriteWait = 10 * time.Second
	// wsPingPeriod is the transport heartbeat interval.
	wsPingPeriod = 30 * time.Second
	// wsPongWait is how long a client may stay silent before eviction. It
	// must exceed wsPingPeriod so a healthy client always has a ping to
	// answer.
	wsPongWait = wsPingPeriod * 2
	// wsMaxMessageSize bounds inbound control messages.
	wsMaxMessageSize = 1024
	// wsSendBuffer is the per-client outbound queue; messages beyond it are
	// dropped, delivery is best-effort.
	wsSendBuffer = 64
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsInbound is a client control message.
type wsInbound struct {
	Type  string `json:"type"`
	Topic string `json:"topic,omitempty"`
}

// wsOutbound is every message the server sends: acks, pongs, errors and
// broadcast lifecycle events share the same envelope.
type wsOutbound struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func outbound(msgType string, data any) wsOutbound {
	return wsOutbound{Type: msgType, Data: data, Timestamp: time.Now().UTC()}
}

// wsClient is one websocket connection with its event-bus subscriptions.
type wsClient struct {
	id   uuid.UUID
	conn *websocket.Conn
	bus  *eventbus.Bus
	send chan wsOutbound
	done chan struct{}

	mu   sync.Mutex
	subs map[string]*eventbus.Subscriber
	once sync.Once
}

// handleWebsocket upgrades the connection and starts the client pumps.
func (a *API) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		log.Warnw("websocket upgrade failed", "error", err)
		return
	}
	client := &wsClient{
		id:   uuid.New(),
		conn: conn,
		bus:  a.bus,
		send: make(chan wsOutbound, wsSendBuffer),
		done: make(chan struct{}),
		subs: make(map[string]*eventbus.Subscriber),
	}
	log.Infow("websocket client connected", "client", client.id.String(), "remote", r.RemoteAddr)

	client.enqueue(outbound("connected", map[string]any{"clientId": client.id.String()}))
	go client.writePump()
	go client.readPump()
}

// close tears the client down exactly once: all bus subscriptions are
// removed and the connection is closed.
func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		for _, sub := range c.subs {
			c.bus.Unsubscribe(sub)
		}
		c.subs = make(map[string]*eventbus.Subscriber)
		c.mu.Unlock()
		if err := c.conn.Close(); err != nil {
			log.Debugw("websocket close", "client", c.id.String(), "error", err.Error())
		}
		log.Infow("websocket client disconnected", "client", c.id.String())
	})
}

// enqueue queues an outbound message, dropping it if the client is not
// draining fast enough.
func (c *wsClient) enqueue(msg wsOutbound) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		log.Warnw("dropping websocket message, client buffer full", "client", c.id.String(), "type", msg.Type)
	}
}

// subscribe registers the client on a bus topic and starts forwarding its
// messages.
func (c *wsClient) subscribe(topic string) {
	if topic == "" {
		c.enqueue(outbound("error", map[string]any{"message": "missing topic"}))
		return
	}
	c.mu.Lock()
	if _, ok := c.subs[topic]; ok {
		c.mu.Unlock()
		c.enqueue(outbound("subscribed", map[string]any{"topic": topic}))
		return
	}
	sub := c.bus.Subscribe(topic)
	c.subs[topic] = sub
	c.mu.Unlock()

	go c.forward(sub)
	c.enqueue(outbound("subscribed", map[string]any{"topic": topic}))
}

// unsubscribe removes the client from a bus topic.
func (c *wsClient) unsubscribe(topic string) {
	c.mu.Lock()
	sub, ok := c.subs[topic]
	if ok {
		delete(c.subs, topic)
	}
	c.mu.Unlock()
	if ok {
		c.bus.Unsubscribe(sub)
	}
	c.enqueue(outbound("unsubscribed", map[string]any{"topic": topic}))
}

// forward relays one subscription's bus messages into the send queue until
// the subscription channel closes.
func (c *wsClient) forward(sub *eventbus.Subscriber) {
	for msg := range sub.C() {
		c.enqueue(wsOutbound{
			Type:      msg.Topic,
			Data:      msg.Transfer,
			Timestamp: msg.Timestamp,
		})
	}
}

// readPump consumes client control messages until the connection drops or
// the pong deadline expires.
func (c *wsClient) readPump() {
	defer c.close()
	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		in := wsInbound{}
		if err := c.conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugw("websocket read", "client", c.id.String(), "error", err.Error())
			}
			return
		}
		switch in.Type {
		case "subscribe":
			c.subscribe(in.Topic)
		case "unsubscribe":
			c.unsubscribe(in.Topic)
		case "ping":
			c.enqueue(outbound("pong", nil))
		default:
			c.enqueue(outbound("error", map[string]any{"message": "unknown message type: " + in.Type}))
		}
	}
}

// writePump drains the send queue and keeps the transport heartbeat going.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
