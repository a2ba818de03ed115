package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hivemind-run/hivemind/internal/logging"
)

// Errors returned by Client.
var (
	ErrClosed      = errors.New("relay connection closed")
	ErrUnsupported = errors.New("relay does not support this request")
	ErrTimeout     = errors.New("relay did not answer in time")
)

const writeWait = 5 * time.Second

// ClientOptions configures a relay connection.
type ClientOptions struct {
	URL         string
	Role        string
	Device      string
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// HealthResult is a decoded health-check-result.
type HealthResult struct {
	Target  string
	Healthy bool
	Status  string
}

// DeliveryCheckResult is a decoded delivery-check-result.
type DeliveryCheckResult struct {
	Known   bool
	Pending bool
	Status  string
	Ack     *Ack
}

// Client is one registered relay peer. Replies to requests are matched by
// requestId and acks by messageId.
type Client struct {
	opts ClientOptions
	log  *slog.Logger
	conn *websocket.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan Frame
	ackSubs  map[string]map[uint64]chan Ack
	nextSub  uint64
	incoming chan Frame
	closed   bool
	done     chan struct{}
}

// Dial connects to the relay and registers opts.Role. It returns once the
// relay has confirmed the registration.
func Dial(ctx context.Context, opts ClientOptions) (*Client, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 3 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: opts.DialTimeout, Proxy: http.ProxyFromEnvironment}
	conn, _, err := dialer.DialContext(dctx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing relay %s: %w", opts.URL, err)
	}

	c := &Client{
		opts:     opts,
		log:      logging.OrDefault(opts.Logger).With("component", "relay-client", "role", opts.Role),
		conn:     conn,
		pending:  make(map[string]chan Frame),
		ackSubs:  make(map[string]map[uint64]chan Ack),
		incoming: make(chan Frame, 64),
		done:     make(chan struct{}),
	}

	registered := make(chan Frame, 1)
	c.mu.Lock()
	c.pending[TypeRegistered] = registered
	c.mu.Unlock()

	go c.readLoop()

	if err := c.write(Frame{Type: TypeRegister, Role: opts.Role, Device: opts.Device}); err != nil {
		c.Close()
		return nil, err
	}
	select {
	case f, ok := <-registered:
		if !ok {
			return nil, fmt.Errorf("registering with relay: %w", ErrClosed)
		}
		if f.Type == TypeError {
			c.Close()
			return nil, fmt.Errorf("relay rejected registration: %s", f.Error)
		}
	case <-dctx.Done():
		c.Close()
		return nil, fmt.Errorf("registering with relay: %w", ErrTimeout)
	case <-c.done:
		return nil, fmt.Errorf("registering with relay: %w", ErrClosed)
	}
	c.log.Debug("registered with relay", "url", opts.URL)
	return c, nil
}

// Close shuts the connection. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	_ = c.conn.Close()
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Incoming delivers frames routed to this peer (deliver frames).
func (c *Client) Incoming() <-chan Frame {
	return c.incoming
}

func (c *Client) write(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing %s frame: %w", f.Type, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.closed = true
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		close(c.done)
		close(c.incoming)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("relay read ended", "error", err)
			}
			return
		}
		f, err := decodeFrame(data)
		if err != nil {
			c.log.Warn("malformed relay frame", "error", err)
			continue
		}
		c.route(f)
	}
}

func (c *Client) route(f Frame) {
	switch f.Type {
	case TypeSendAck:
		ack := AckFromFrame(f)
		c.mu.Lock()
		for _, ch := range c.ackSubs[ack.MessageID] {
			select {
			case ch <- ack:
			default:
			}
		}
		c.mu.Unlock()
		return
	case TypeDeliver:
		select {
		case c.incoming <- f:
		default:
			c.log.Warn("incoming queue full, dropping delivery", "message_id", f.MessageID)
		}
		return
	case TypeRegistered:
		c.resolve(TypeRegistered, f)
		return
	}

	key := f.RequestID
	if key == "" && f.Type == TypeError {
		// Errors for unregistered peers carry no request id.
		key = TypeRegistered
	}
	c.resolve(key, f)
}

func (c *Client) resolve(key string, f Frame) {
	c.mu.Lock()
	ch, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if ok {
		ch <- f
	}
}

// SubscribeAcks returns a channel receiving every send-ack for messageID.
// Subscribing once before the first attempt lets a late ack for an earlier
// attempt still be seen while a retry is in flight.
func (c *Client) SubscribeAcks(messageID string) (<-chan Ack, func()) {
	ch := make(chan Ack, 8)
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	if c.ackSubs[messageID] == nil {
		c.ackSubs[messageID] = make(map[uint64]chan Ack)
	}
	c.ackSubs[messageID][id] = ch
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		delete(c.ackSubs[messageID], id)
		if len(c.ackSubs[messageID]) == 0 {
			delete(c.ackSubs, messageID)
		}
		c.mu.Unlock()
	}
}

// Send transmits one send frame. The ack arrives on SubscribeAcks.
func (c *Client) Send(_ context.Context, f Frame) error {
	f.Type = TypeSend
	return c.write(f)
}

// request sends f with a fresh request id and waits for the matching reply.
func (c *Client) request(ctx context.Context, f Frame) (Frame, error) {
	f.RequestID = uuid.NewString()
	ch := make(chan Frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Frame{}, ErrClosed
	}
	c.pending[f.RequestID] = ch
	c.mu.Unlock()

	if err := c.write(f); err != nil {
		c.mu.Lock()
		delete(c.pending, f.RequestID)
		c.mu.Unlock()
		return Frame{}, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return Frame{}, ErrClosed
		}
		if reply.Type == TypeError {
			if reply.Code == CodeUnsupported {
				return reply, fmt.Errorf("%s: %w", f.Type, ErrUnsupported)
			}
			return reply, fmt.Errorf("%s: relay error: %s", f.Type, reply.Error)
		}
		return reply, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, f.RequestID)
		c.mu.Unlock()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Frame{}, fmt.Errorf("%s: %w", f.Type, ErrTimeout)
		}
		return Frame{}, ctx.Err()
	}
}

// HealthCheck asks whether target has a live peer.
func (c *Client) HealthCheck(ctx context.Context, target string) (HealthResult, error) {
	reply, err := c.request(ctx, Frame{Type: TypeHealthCheck, Target: target})
	if err != nil {
		return HealthResult{Target: target}, err
	}
	res := HealthResult{Target: reply.Target, Status: reply.Status}
	if reply.Healthy != nil {
		res.Healthy = *reply.Healthy
	}
	if res.Target == "" {
		res.Target = target
	}
	return res, nil
}

// DeliveryCheck asks what the relay knows about messageID.
func (c *Client) DeliveryCheck(ctx context.Context, messageID string) (DeliveryCheckResult, error) {
	reply, err := c.request(ctx, Frame{Type: TypeDeliveryCheck, MessageID: messageID})
	if err != nil {
		return DeliveryCheckResult{}, err
	}
	return DeliveryCheckResult{
		Known:   reply.Known,
		Pending: reply.Pending,
		Status:  reply.Status,
		Ack:     reply.Ack,
	}, nil
}

// Discover lists the devices connected to the relay. bridge selects the
// bridge-discovery request a local bridge answers.
func (c *Client) Discover(ctx context.Context, bridge bool) ([]Device, error) {
	typ := TypeXDiscovery
	if bridge {
		typ = TypeBridgeDiscovery
	}
	reply, err := c.request(ctx, Frame{Type: typ})
	if err != nil {
		return nil, err
	}
	return reply.Devices, nil
}

// DeliverAck reports the outcome of a delivery routed to this peer.
func (c *Client) DeliverAck(messageID, status string, verified bool) error {
	ok := status == StatusAgentDelivered
	return c.write(Frame{
		Type:      TypeDeliverAck,
		MessageID: messageID,
		OK:        &ok,
		Accepted:  ok,
		Verified:  Bool(verified),
		Status:    status,
		Timestamp: time.Now().UnixMilli(),
	})
}
