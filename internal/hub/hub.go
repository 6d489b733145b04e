// Package hub fans device status changes out to connected clients, keyed by
// account public id.
package hub

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"viewer-relay/internal/crypt"
	"viewer-relay/internal/registry"
)

type Writer interface {
	Write(message []byte) error
	Close() error
}

type Connection struct {
	AccountID string
	Writer    Writer
}

type Hub struct {
	mu          sync.RWMutex
	connections map[string]map[*Connection]struct{}
}

func New() *Hub {
	return &Hub{connections: make(map[string]map[*Connection]struct{})}
}

func (h *Hub) Register(conn *Connection) {
	conn.AccountID = strings.ToLower(conn.AccountID)
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.connections[conn.AccountID] == nil {
		h.connections[conn.AccountID] = make(map[*Connection]struct{})
	}
	h.connections[conn.AccountID][conn] = struct{}{}
}

func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.connections[conn.AccountID]
	if set == nil {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(h.connections, conn.AccountID)
	}
}

// Connected reports whether accountID has at least one open connection.
func (h *Hub) Connected(accountID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[strings.ToLower(accountID)]) > 0
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.connections {
		n += len(set)
	}
	return n
}

func (h *Hub) Broadcast(accountID string, message []byte) {
	h.mu.RLock()
	set := h.connections[strings.ToLower(accountID)]
	conns := make([]*Connection, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	var failed []*Connection
	for _, c := range conns {
		if err := c.Writer.Write(message); err != nil {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		_ = c.Writer.Close()
		h.Unregister(c)
	}
}

// Event is pushed to a client whenever a device it can see polls.
type Event struct {
	Type     string    `json:"type"`
	DeviceID int64     `json:"id"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
}

// EventDeviceStatus is the Type of a status Event.
const EventDeviceStatus = "device-status"

// Publisher turns completed device polls into Events for the device's owner
// and sharees. Status is the hex status blob encrypted with the device list
// key of the recipient.
type Publisher struct {
	hub      *Hub
	registry *registry.Registry
	logger   *slog.Logger
}

func NewPublisher(h *Hub, reg *registry.Registry, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{hub: h, registry: reg, logger: logger}
}

func (p *Publisher) DeviceSeen(ctx context.Context, d *registry.DeviceRecord) {
	recipients := p.registry.Audience(d)
	if len(recipients) == 0 {
		return
	}
	blob := d.StatusBlob()
	seen := d.Snapshot().LastActive.UTC()
	for _, accountID := range recipients {
		if !p.hub.Connected(accountID) {
			continue
		}
		key, err := crypt.KeyFromHex(accountID)
		if err != nil {
			p.logger.WarnContext(ctx, "skip event recipient", "uid", accountID, "error", err)
			continue
		}
		buf := blob
		crypt.VariantDeviceList.Transform(buf[:], key)
		msg, err := json.Marshal(Event{
			Type:     EventDeviceStatus,
			DeviceID: d.ID(),
			Status:   hex.EncodeToString(buf[:]),
			LastSeen: seen,
		})
		if err != nil {
			p.logger.ErrorContext(ctx, "encode event", "error", err)
			return
		}
		p.hub.Broadcast(accountID, msg)
	}
}
