package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"PerpSettle/internal/event"
	"PerpSettle/internal/ingestion"
	"PerpSettle/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteWait    = 10 * time.Second
)

// wsClient is one connection and its optional market filter.
type wsClient struct {
	conn   *websocket.Conn
	market *common.Address
}

func (c *wsClient) wants(r ingestion.PublishableRecord) bool {
	return c.market == nil || r.Record.Market == *c.market
}

// WSHub streams settlement records to websocket clients. Clients may pass
// ?market=0x... to receive only one market's records; rejections and
// global records carry no market and only reach unfiltered clients.
type WSHub struct {
	clients    map[*websocket.Conn]*wsClient
	broadcast  chan []ingestion.PublishableRecord
	register   chan *wsClient
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
	logger     zerolog.Logger
	metrics    *observability.Metrics
}

func NewWSHub(logger zerolog.Logger, metrics *observability.Metrics) *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]*wsClient),
		broadcast:  make(chan []ingestion.PublishableRecord, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		logger:     logger.With().Str("component", "ws").Logger(),
		metrics:    metrics,
	}
}

// Run is the hub's event loop. It closes every client when ctx ends.
func (h *WSHub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			h.gauge()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c
			total := len(h.clients)
			h.mu.Unlock()
			h.gauge()
			h.logger.Info().Int("total", total).Msg("ws client connected")

		case conn := <-h.unregister:
			h.drop(conn)

		case records := <-h.broadcast:
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn, c := range h.clients {
				for _, r := range records {
					if !c.wants(r) {
						continue
					}
					data, err := json.Marshal(r)
					if err != nil {
						h.logger.Warn().Err(err).Str("record", r.Record.Name).Msg("ws marshal failed")
						continue
					}
					conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
					if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
						failed = append(failed, conn)
						break
					}
				}
			}
			h.mu.RUnlock()
			for _, conn := range failed {
				h.drop(conn)
			}
		}
	}
}

func (h *WSHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	h.mu.Unlock()
	h.gauge()
}

func (h *WSHub) gauge() {
	if h.metrics == nil {
		return
	}
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	h.metrics.WebsocketClients.Set(float64(n))
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues an envelope's records for every client. It never
// blocks: when the buffer is full the envelope is dropped.
func (h *WSHub) Broadcast(env *event.Envelope) {
	select {
	case h.broadcast <- ingestion.Outbound(env):
	default:
		if h.metrics != nil {
			h.metrics.WebsocketDrops.Inc()
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS upgrades GET /v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	c := &wsClient{}
	if m := r.URL.Query().Get("market"); m != "" {
		if !common.IsHexAddress(m) {
			http.Error(w, "invalid market address", http.StatusBadRequest)
			return
		}
		addr := common.HexToAddress(m)
		c.market = &addr
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	c.conn = conn
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keeps the pong deadline moving and detects disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(wsPongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}()
}
