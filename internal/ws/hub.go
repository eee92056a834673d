package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"material-market/internal/models"
)

// BookReader lists one side of a material's book in priority order.
type BookReader interface {
	List(ctx context.Context, material string, side models.Side, limit int) ([]*models.Order, error)
}

// FillHistory returns a material's recent fills, newest first.
type FillHistory interface {
	RecentFills(ctx context.Context, material string, limit int64) ([]*models.Fill, error)
}

// ConnObserver is told when clients connect and disconnect.
type ConnObserver interface {
	WSConnected()
	WSDisconnected()
}

type message struct {
	material string
	data     []byte
}

// Hub tracks connected clients per material and fans fills out to them.
type Hub struct {
	// Registered clients by material
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan message

	book     BookReader
	fills    FillHistory
	observer ConnObserver
	cfg      HubConfig
	logger   *zap.Logger

	heartbeatSeq int64
	stop         chan struct{}
	stopOnce     sync.Once

	mu sync.RWMutex
}

// HubConfig holds configuration for the hub.
type HubConfig struct {
	HeartbeatInterval time.Duration // default 30s
	SnapshotLevels    int           // price levels per side in a snapshot, default 20
	SnapshotFills     int64         // recent fills in a snapshot, default 50

	Book     BookReader
	Fills    FillHistory
	Observer ConnObserver
	Logger   *zap.Logger
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.SnapshotLevels <= 0 {
		cfg.SnapshotLevels = 20
	}
	if cfg.SnapshotFills <= 0 {
		cfg.SnapshotFills = 50
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan message, 256),
		book:       cfg.Book,
		fills:      cfg.Fills,
		observer:   cfg.Observer,
		cfg:        cfg,
		logger:     cfg.Logger,
		stop:       make(chan struct{}),
	}
}

// Run is the hub's event loop. It returns after Stop.
func (h *Hub) Run() {
	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-h.stop:
			h.closeAll()
			h.logger.Info("websocket hub stopped")
			return

		case <-heartbeat.C:
			h.mu.Lock()
			h.heartbeatSeq++
			seq := h.heartbeatSeq
			h.mu.Unlock()
			if data, err := json.Marshal(NewHeartbeatEvent(seq)); err == nil {
				h.sendAll(data)
			}

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.material] == nil {
				h.clients[client.material] = make(map[*Client]bool)
			}
			h.clients[client.material][client] = true
			n := len(h.clients[client.material])
			h.mu.Unlock()
			if h.observer != nil {
				h.observer.WSConnected()
			}
			h.logger.Debug("ws client registered", zap.String("material", client.material), zap.Int("clients", n))

			go h.SendSnapshot(client)

		case client := <-h.unregister:
			h.remove(client)

		case msg := <-h.broadcast:
			h.sendMaterial(msg.material, msg.data)
		}
	}
}

// Stop shuts the hub down and disconnects every client.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	clients, ok := h.clients[client.material]
	if ok && clients[client] {
		delete(clients, client)
		close(client.send)
		if len(clients) == 0 {
			delete(h.clients, client.material)
		}
	} else {
		ok = false
	}
	h.mu.Unlock()

	if ok && h.observer != nil {
		h.observer.WSDisconnected()
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for material, clients := range h.clients {
		for client := range clients {
			close(client.send)
			if h.observer != nil {
				h.observer.WSDisconnected()
			}
		}
		delete(h.clients, material)
	}
}

func (h *Hub) sendAll(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, clients := range h.clients {
		for client := range clients {
			h.offer(client, data)
		}
	}
}

func (h *Hub) sendMaterial(material string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[material] {
		h.offer(client, data)
	}
}

// offer never blocks the hub on a slow client; the message is dropped instead.
func (h *Hub) offer(client *Client, data []byte) {
	select {
	case client.send <- data:
	default:
		h.logger.Warn("ws client send buffer full, dropping message",
			zap.String("client_id", client.id),
			zap.String("material", client.material),
		)
	}
}

// RecordFill broadcasts f to the clients watching its material.
func (h *Hub) RecordFill(ctx context.Context, f *models.Fill) error {
	data, err := json.Marshal(NewFillEvent(f))
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- message{material: f.Material, data: data}:
		return nil
	case <-h.stop:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot builds the current book and recent fills for material.
func (h *Hub) Snapshot(ctx context.Context, material string) (*SnapshotEvent, error) {
	ev := &SnapshotEvent{
		Type:      EventTypeSnapshot,
		Timestamp: time.Now(),
		Material:  material,
		Bids:      []PriceLevel{},
		Asks:      []PriceLevel{},
		Fills:     []*models.Fill{},
	}
	h.mu.RLock()
	ev.Sequence = h.heartbeatSeq
	h.mu.RUnlock()

	if h.book != nil {
		bids, err := h.book.List(ctx, material, models.Buy, 0)
		if err != nil {
			return nil, err
		}
		asks, err := h.book.List(ctx, material, models.Sell, 0)
		if err != nil {
			return nil, err
		}
		ev.Bids = Levels(bids, h.cfg.SnapshotLevels)
		ev.Asks = Levels(asks, h.cfg.SnapshotLevels)
	}
	if h.fills != nil {
		fills, err := h.fills.RecentFills(ctx, material, h.cfg.SnapshotFills)
		if err != nil {
			h.logger.Warn("recent fills unavailable for snapshot", zap.String("material", material), zap.Error(err))
		} else {
			ev.Fills = fills
		}
	}
	return ev, nil
}

// SendSnapshot sends the material snapshot to one client.
func (h *Hub) SendSnapshot(client *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var v any
	snap, err := h.Snapshot(ctx, client.material)
	if err != nil {
		h.logger.Warn("failed to build snapshot", zap.String("material", client.material), zap.Error(err))
		v = NewErrorEvent("SNAPSHOT_UNAVAILABLE", "order book snapshot unavailable")
	} else {
		v = snap
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.clients[client.material][client] {
		h.offer(client, data)
	}
}

// Register registers a client for its material.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.stop:
		close(client.send)
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stop:
	}
}

// ClientCount returns the number of connected clients for a material.
func (h *Hub) ClientCount(material string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[material])
}

// TotalClientCount returns the total number of connected clients.
func (h *Hub) TotalClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, clients := range h.clients {
		total += len(clients)
	}
	return total
}

// Materials returns the materials with connected clients.
func (h *Hub) Materials() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.clients))
	for m := range h.clients {
		out = append(out, m)
	}
	return out
}
