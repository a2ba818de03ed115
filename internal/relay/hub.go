package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hivemind-run/hivemind/internal/constants"
	"github.com/hivemind-run/hivemind/internal/logging"
)

const (
	peerQueueSize = 256
	pongWait      = 60 * time.Second
	pingPeriod    = pongWait * 9 / 10
)

// HubOptions configures a Hub.
type HubOptions struct {
	// Device is assigned to peers that register without one.
	Device string

	// KnownRoles are valid targets even while no peer serves them; a health
	// check reports them stale instead of invalid.
	KnownRoles []string

	// RedeliverAfter is how long a delivered but unacknowledged message is
	// left alone before a retried send delivers it again.
	RedeliverAfter time.Duration

	// StaleAfter marks a peer stale when nothing was heard from it for this
	// long.
	StaleAfter time.Duration

	LedgerSize int
	Logger     *slog.Logger
}

// Hub routes frames between registered peers. It is an http.Handler that
// upgrades every request to a WebSocket.
type Hub struct {
	opts     HubOptions
	log      *slog.Logger
	upgrader websocket.Upgrader
	ledger   *AckLedger

	mu      sync.RWMutex
	peers   map[*peer]struct{}
	waiting map[string]*peer
}

type peer struct {
	conn        *websocket.Conn
	role        string
	device      string
	connectedAt time.Time
	lastSeen    atomic.Int64
	send        chan []byte
	closeOnce   sync.Once
	done        chan struct{}
}

func (p *peer) close() {
	p.closeOnce.Do(func() { close(p.done) })
}

func (p *peer) enqueue(data []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- data:
		return true
	default:
		return false
	}
}

// NewHub creates a Hub.
func NewHub(opts HubOptions) *Hub {
	if opts.Device == "" {
		opts.Device = "local"
	}
	if opts.RedeliverAfter <= 0 {
		opts.RedeliverAfter = 30 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 2 * pongWait
	}
	return &Hub{
		opts:     opts,
		log:      logging.OrDefault(opts.Logger).With("component", "relay-hub"),
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		ledger:   NewAckLedger(opts.LedgerSize),
		peers:    make(map[*peer]struct{}),
		waiting:  make(map[string]*peer),
	}
}

// Ledger exposes the hub's ack ledger.
func (h *Hub) Ledger() *AckLedger {
	return h.ledger
}

// ServeHTTP upgrades the request and serves the peer until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	p := &peer{
		conn:        conn,
		connectedAt: time.Now(),
		send:        make(chan []byte, peerQueueSize),
		done:        make(chan struct{}),
	}
	p.lastSeen.Store(time.Now().UnixMilli())

	go h.writePump(p)
	h.readPump(p)
}

func (h *Hub) readPump(p *peer) {
	defer func() {
		h.unregister(p)
		p.close()
		_ = p.conn.Close()
	}()

	p.conn.SetReadLimit(4 * 1024 * 1024)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.lastSeen.Store(time.Now().UnixMilli())
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		p.lastSeen.Store(time.Now().UnixMilli())
		_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))

		f, err := decodeFrame(data)
		if err != nil {
			h.reply(p, Frame{Type: TypeError, Code: CodeBadRequest, Error: err.Error()})
			continue
		}
		h.handle(p, f)
	}
}

func (h *Hub) writePump(p *peer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()
	for {
		select {
		case data := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.close()
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.close()
				return
			}
		case <-p.done:
			return
		}
	}
}

func (h *Hub) reply(p *peer, f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		h.log.Error("encode frame", "type", f.Type, "error", err)
		return
	}
	if !p.enqueue(data) {
		h.log.Warn("peer queue full or closed", "role", p.role, "device", p.device, "type", f.Type)
	}
}

func (h *Hub) handle(p *peer, f Frame) {
	if f.Type == TypeRegister {
		h.register(p, f)
		return
	}
	if p.role == "" {
		h.reply(p, Frame{Type: TypeError, RequestID: f.RequestID, Code: CodeNotRegistered, Error: "register first"})
		return
	}

	switch f.Type {
	case TypeSend:
		h.handleSend(p, f)
	case TypeDeliverAck:
		h.handleDeliverAck(p, f)
	case TypeHealthCheck:
		h.handleHealthCheck(p, f)
	case TypeDeliveryCheck:
		h.handleDeliveryCheck(p, f)
	case TypeXDiscovery:
		h.reply(p, Frame{Type: TypeXDiscoveryResult, RequestID: f.RequestID, Devices: h.devices()})
	case TypeBridgeDiscovery:
		h.reply(p, Frame{Type: TypeBridgeDiscoveryResult, RequestID: f.RequestID, Devices: h.devices()})
	default:
		h.reply(p, Frame{
			Type:      TypeError,
			RequestID: f.RequestID,
			Code:      CodeUnsupported,
			Error:     "unsupported frame type " + f.Type,
		})
	}
}

func (h *Hub) register(p *peer, f Frame) {
	role := strings.ToLower(strings.TrimSpace(f.Role))
	if role == "" {
		h.reply(p, Frame{Type: TypeError, Code: CodeBadRequest, Error: "register requires a role"})
		return
	}
	device := strings.TrimSpace(f.Device)
	if device == "" {
		device = h.opts.Device
	}

	h.mu.Lock()
	p.role, p.device = role, device
	h.peers[p] = struct{}{}
	h.mu.Unlock()

	h.log.Info("peer registered", "role", role, "device", device)
	h.reply(p, Frame{Type: TypeRegistered, Role: role, Device: device})
}

func (h *Hub) unregister(p *peer) {
	h.mu.Lock()
	_, ok := h.peers[p]
	delete(h.peers, p)
	for id, w := range h.waiting {
		if w == p {
			delete(h.waiting, id)
		}
	}
	h.mu.Unlock()
	if ok {
		h.log.Info("peer disconnected", "role", p.role, "device", p.device)
	}
}

// resolve finds the peer serving target. A plain role prefers the sender's
// own device. unknownDevice is set when an @device-role names a device with
// no peers at all.
func (h *Hub) resolve(target, fromDevice string) (found *peer, unknownDevice bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if device, role, ok := constants.SplitCrossDevice(target); ok {
		role = strings.ToLower(role)
		seen := false
		for p := range h.peers {
			if !strings.EqualFold(p.device, device) {
				continue
			}
			seen = true
			if p.role == role {
				return p, false
			}
		}
		return nil, !seen
	}

	role := strings.ToLower(strings.TrimSpace(target))
	var fallback *peer
	for p := range h.peers {
		if p.role != role {
			continue
		}
		if p.device == fromDevice {
			return p, false
		}
		if fallback == nil {
			fallback = p
		}
	}
	return fallback, false
}

func (h *Hub) devices() []Device {
	h.mu.RLock()
	byDevice := make(map[string]*Device)
	for p := range h.peers {
		d, ok := byDevice[p.device]
		if !ok {
			d = &Device{Device: p.device, ConnectedAt: p.connectedAt.UnixMilli()}
			byDevice[p.device] = d
		}
		d.Roles = append(d.Roles, p.role)
		if ts := p.connectedAt.UnixMilli(); ts < d.ConnectedAt {
			d.ConnectedAt = ts
		}
	}
	h.mu.RUnlock()

	out := make([]Device, 0, len(byDevice))
	for _, d := range byDevice {
		sort.Strings(d.Roles)
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device < out[j].Device })
	return out
}

func (h *Hub) deviceNames() []string {
	devs := h.devices()
	names := make([]string, 0, len(devs))
	for _, d := range devs {
		names = append(names, d.Device)
	}
	return names
}

// handleSend routes a send to its target. A messageId that already has a
// successful ack is answered from the ledger without a second delivery, and
// one still awaiting its target's answer is not delivered again until
// RedeliverAfter has passed.
func (h *Hub) handleSend(p *peer, f Frame) {
	now := time.Now()
	if f.MessageID == "" {
		h.reply(p, Frame{Type: TypeError, Code: CodeBadRequest, Error: "send requires messageId"})
		return
	}

	prev, seen := h.ledger.Get(f.MessageID)
	if seen && prev.Ack != nil && prev.Ack.OK {
		h.log.Debug("duplicate send answered from ledger", "message_id", f.MessageID)
		h.reply(p, prev.Ack.Frame())
		return
	}
	entry := h.ledger.MarkAttempt(f.MessageID, p.role, f.Target, now)

	target, unknownDevice := h.resolve(f.Target, p.device)
	if target == nil {
		ack := Ack{
			MessageID:        f.MessageID,
			OK:               false,
			Status:           StatusTargetOffline,
			Timestamp:        now.UnixMilli(),
			UnknownDevice:    unknownDevice,
			ConnectedDevices: h.deviceNames(),
		}
		h.log.Info("send target offline", "message_id", f.MessageID, "target", f.Target, "unknown_device", unknownDevice)
		h.reply(p, ack.Frame())
		return
	}

	h.mu.Lock()
	h.waiting[f.MessageID] = p
	h.mu.Unlock()

	if entry.Pending() && now.Sub(entry.LastDeliveredAt) < h.opts.RedeliverAfter {
		h.log.Debug("send already delivered, awaiting ack", "message_id", f.MessageID, "attempt", entry.Attempts)
		return
	}

	h.reply(target, Frame{
		Type:      TypeDeliver,
		MessageID: f.MessageID,
		Target:    f.Target,
		Content:   f.Content,
		Metadata:  f.Metadata,
		Sender:    p.role,
		Attempt:   entry.Attempts,
	})
	h.ledger.MarkDelivered(f.MessageID, now)
	h.log.Info("message routed", "message_id", f.MessageID, "from", p.role, "to", target.role, "device", target.device)
}

func (h *Hub) handleDeliverAck(p *peer, f Frame) {
	ack := AckFromFrame(f)
	if ack.Timestamp == 0 {
		ack.Timestamp = time.Now().UnixMilli()
	}
	h.ledger.RecordAck(ack)

	h.mu.Lock()
	sender, ok := h.waiting[ack.MessageID]
	delete(h.waiting, ack.MessageID)
	h.mu.Unlock()

	h.log.Info("delivery acknowledged", "message_id", ack.MessageID, "by", p.role, "status", ack.Status)
	if ok {
		h.reply(sender, ack.Frame())
	}
}

func (h *Hub) handleHealthCheck(p *peer, f Frame) {
	res := Frame{Type: TypeHealthCheckResult, RequestID: f.RequestID, Target: f.Target}
	target, unknownDevice := h.resolve(f.Target, p.device)

	switch {
	case target != nil:
		last := time.UnixMilli(target.lastSeen.Load())
		if time.Since(last) > h.opts.StaleAfter {
			res.Status = HealthStale
		} else {
			res.Status = HealthHealthy
		}
	case constants.IsCrossDevice(f.Target) && !unknownDevice:
		res.Status = HealthStale
	case h.isKnownRole(f.Target):
		res.Status = HealthStale
	default:
		res.Status = HealthInvalidTarget
	}
	res.Healthy = Bool(res.Status == HealthHealthy)
	h.reply(p, res)
}

func (h *Hub) isKnownRole(target string) bool {
	role := strings.ToLower(strings.TrimSpace(target))
	if constants.IsReservedTarget(role) {
		return true
	}
	for _, r := range h.opts.KnownRoles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

func (h *Hub) handleDeliveryCheck(p *peer, f Frame) {
	res := Frame{Type: TypeDeliveryCheckResult, RequestID: f.RequestID, MessageID: f.MessageID}
	if entry, ok := h.ledger.Get(f.MessageID); ok {
		res.Known = true
		res.Pending = entry.Pending()
		res.Ack = entry.Ack
		switch {
		case entry.Ack != nil:
			res.Status = entry.Ack.Status
		case res.Pending:
			res.Status = "pending"
		default:
			res.Status = "attempted"
		}
	} else {
		res.Status = "unknown"
	}
	h.reply(p, res)
}
