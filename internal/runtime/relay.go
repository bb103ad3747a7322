package runtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/visionvoice/internal/bus"
	"github.com/loqalabs/visionvoice/internal/protocol"
	"github.com/nats-io/nats.go"
)

const (
	relayWriteTimeout = 5 * time.Second
	relayPingInterval = 30 * time.Second
	relayClientBuffer = 64
)

// Relay forwards UI events from the bus to connected browsers. Each client
// gets its own bounded queue; a client that falls behind is disconnected.
type Relay struct {
	client   *bus.Client
	log      *slog.Logger
	upgrader websocket.Upgrader
	snapshot func() any

	mu      sync.Mutex
	sub     *nats.Subscription
	clients map[*relayClient]struct{}
}

type relayClient struct {
	conn *websocket.Conn
	out  chan []byte
	once sync.Once
	done chan struct{}
}

func NewRelay(client *bus.Client, snapshot func() any, log *slog.Logger) *Relay {
	return &Relay{
		client:   client,
		log:      log.With(slog.String("component", "ws-relay")),
		snapshot: snapshot,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 65536,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*relayClient]struct{}),
	}
}

// Start subscribes to every UI subject.
func (r *Relay) Start() error {
	sub, err := r.client.Conn().Subscribe(r.client.Subject(protocol.SubjectUIAll), r.handleMessage)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()
	return nil
}

func (r *Relay) Stop() {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	clients := make([]*relayClient, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	for _, c := range clients {
		c.close()
	}
}

func (r *Relay) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *Relay) handleMessage(msg *nats.Msg) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.clients {
		select {
		case c.out <- msg.Data:
		default:
			r.log.Warn("dropping slow websocket client")
			delete(r.clients, c)
			go c.close()
		}
	}
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &relayClient{conn: conn, out: make(chan []byte, relayClientBuffer), done: make(chan struct{})}

	if r.snapshot != nil {
		env := protocol.Envelope{Type: protocol.KindState, Data: r.snapshot(), Timestamp: time.Now().UTC()}
		if data, err := json.Marshal(env); err == nil {
			c.out <- data
		}
	}

	r.mu.Lock()
	r.clients[c] = struct{}{}
	r.mu.Unlock()
	r.log.Info("websocket client connected", slog.String("remote", req.RemoteAddr))

	go r.readLoop(c)
	r.writeLoop(c)

	r.mu.Lock()
	delete(r.clients, c)
	r.mu.Unlock()
	c.close()
	r.log.Info("websocket client disconnected", slog.String("remote", req.RemoteAddr))
}

// readLoop discards client frames; it only exists to notice disconnects.
func (r *Relay) readLoop(c *relayClient) {
	defer c.close()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (r *Relay) writeLoop(c *relayClient) {
	ping := time.NewTicker(relayPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(relayWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(relayWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (c *relayClient) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
