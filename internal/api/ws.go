package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nyct-live/tracker/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 16
)

var (
	errClientGone = errors.New("client disconnected")
	errClientSlow = errors.New("client send buffer full")
)

// clientMessage is what a browser may send; only get_latest is acted on
type clientMessage struct {
	Type string `json:"type"`
}

type streamer struct {
	source   CycleSource
	metrics  ClientMetrics
	upgrader websocket.Upgrader
}

func newStreamer(source CycleSource, m ClientMetrics, origins []string) *streamer {
	return &streamer{
		source:  source,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1 << 15,
			CheckOrigin:     originChecker(origins),
		},
	}
}

// originChecker accepts requests without an Origin header, and any origin when "*" is listed
func originChecker(origins []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || slices.Contains(origins, "*") {
			return true
		}
		return slices.Contains(origins, origin)
	}
}

// ServeHTTP upgrades the connection, registers the client with the hub and replays the
// latest cycle to it
func (s *streamer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("API: websocket upgrade failed: %v", err)
		return
	}

	c := &wsClient{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	c.id, _ = s.source.Subscribe("", c)
	if s.metrics != nil {
		s.metrics.ClientConnected()
	}
	log.Printf("API: websocket client %s connected", c.id)

	go c.writePump()
	s.replay(r.Context(), c.id)
	s.readPump(c)

	s.source.Unsubscribe(c.id)
	if s.metrics != nil {
		s.metrics.ClientDisconnected()
	}
	log.Printf("API: websocket client %s disconnected", c.id)
}

func (s *streamer) replay(ctx context.Context, id string) {
	if _, _, err := s.source.Replay(ctx, id); err != nil {
		log.Printf("API: replay to %s failed: %v", id, err)
	}
}

// readPump runs until the client goes away, answering get_latest requests
func (s *streamer) readPump(c *wsClient) {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("API: websocket read error: %v", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "get_latest" {
			s.replay(context.Background(), c.id)
		}
	}
}

// wsClient is one connected browser, registered as a hub subscriber
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// HandleCycle queues the cycle payloads without blocking the hub
func (c *wsClient) HandleCycle(_ context.Context, r model.CycleResult) error {
	if r.IsEmpty() {
		return nil
	}
	for _, payload := range model.Payloads(r) {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		select {
		case <-c.done:
			return errClientGone
		default:
		}
		select {
		case c.send <- b:
		case <-c.done:
			return errClientGone
		default:
			return errClientSlow
		}
	}
	return nil
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.done) })
}
