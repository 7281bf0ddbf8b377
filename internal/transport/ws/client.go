// Package ws talks to heaters through a WebSocket gateway. One connection
// carries request/response status reads, control writes and any number of
// status subscriptions, correlated by message id.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"heatersync/internal/device"
)

const (
	// DefaultPort is used when the address carries no port.
	DefaultPort = 8099
	// DefaultPath is the gateway endpoint.
	DefaultPath = "/api/websocket"

	// writeTimeout bounds a frame write when the caller's context has no
	// sooner deadline. A gateway that stops reading cannot stall a writer
	// past it.
	writeTimeout      = 10 * time.Second
	closeWriteTimeout = time.Second
)

// Options configure the dialer
type Options struct {
	Token string
	Port  int
	Path  string
}

// Dialer opens gateway connections. It implements device.Dialer.
type Dialer struct {
	opts   Options
	dialer *websocket.Dialer
	logger *zap.Logger
}

// NewDialer creates a dialer
func NewDialer(opts Options, logger *zap.Logger) *Dialer {
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	return &Dialer{
		opts:   opts,
		dialer: &websocket.Dialer{Proxy: http.ProxyFromEnvironment},
		logger: logger,
	}
}

// URL turns a device address into the gateway URL. Full ws:// or wss:// URLs
// are used as they are.
func (d *Dialer) URL(address string) string {
	if strings.HasPrefix(address, "ws://") || strings.HasPrefix(address, "wss://") {
		return address
	}
	host := address
	if _, _, err := net.SplitHostPort(address); err != nil {
		host = net.JoinHostPort(address, fmt.Sprint(d.opts.Port))
	}
	return "ws://" + host + d.opts.Path
}

// Dial connects and authenticates
func (d *Dialer) Dial(ctx context.Context, address string) (device.Transport, error) {
	url := d.URL(address)

	conn, _, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, dialError(ctx, url, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)  //nolint:errcheck // reset below
		conn.SetWriteDeadline(deadline) //nolint:errcheck // reset below
	}
	if err := d.authenticate(conn); err != nil {
		conn.Close()
		return nil, dialError(ctx, url, err)
	}
	conn.SetReadDeadline(time.Time{})  //nolint:errcheck // clearing a deadline cannot fail
	conn.SetWriteDeadline(time.Time{}) //nolint:errcheck // clearing a deadline cannot fail

	t := newTransport(conn, d.logger.With(zap.String("url", url)))
	go t.receiveMessages()
	return t, nil
}

func (d *Dialer) authenticate(conn *websocket.Conn) error {
	var authRequired Message
	if err := conn.ReadJSON(&authRequired); err != nil {
		return fmt.Errorf("failed to read auth_required: %w", err)
	}
	if authRequired.Type != TypeAuthRequired {
		return fmt.Errorf("expected auth_required, got %s", authRequired.Type)
	}

	if err := conn.WriteJSON(Message{Type: TypeAuth, AccessToken: d.opts.Token}); err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}

	var authResponse Message
	if err := conn.ReadJSON(&authResponse); err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}
	switch authResponse.Type {
	case TypeAuthOK:
		return nil
	case TypeAuthInvalid:
		return errors.New("authentication failed: invalid token")
	default:
		return fmt.Errorf("expected auth_ok, got %s", authResponse.Type)
	}
}

func dialError(ctx context.Context, url string, err error) error {
	var netErr net.Error
	if ctx.Err() != nil || (errors.As(err, &netErr) && netErr.Timeout()) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return fmt.Errorf("%w: dialing %s: %w", device.ErrTimeout, url, err)
	}
	return fmt.Errorf("%w: dialing %s: %w", device.ErrConnectionFailed, url, err)
}

// Transport is one authenticated gateway connection
type Transport struct {
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex // Protects websocket writes

	msgIDMu sync.Mutex
	msgID   int

	pendingMu sync.Mutex
	pending   map[int]chan Message

	subsMu sync.Mutex
	subs   map[int]*stream

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newTransport(conn *websocket.Conn, logger *zap.Logger) *Transport {
	return &Transport{
		conn:    conn,
		logger:  logger,
		pending: make(map[int]chan Message),
		subs:    make(map[int]*stream),
		done:    make(chan struct{}),
	}
}

func (t *Transport) nextMsgID() int {
	t.msgIDMu.Lock()
	defer t.msgIDMu.Unlock()
	t.msgID++
	return t.msgID
}

// write sends one frame. The write gives up at the sooner of ctx's deadline
// and writeTimeout, or as soon as ctx is cancelled. A failed write leaves
// the connection unusable, so it tears the transport down.
func (t *Transport) write(ctx context.Context, msg Message) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	t.conn.SetWriteDeadline(deadline) //nolint:errcheck // surfaces on the write itself

	// net.Conn deadlines are safe to move from another goroutine.
	stop := context.AfterFunc(ctx, func() {
		t.conn.NetConn().SetWriteDeadline(time.Now()) //nolint:errcheck // best effort interrupt
	})
	err := t.conn.WriteJSON(msg)
	stop()
	if err == nil {
		return nil
	}

	t.shutdown(err)
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return fmt.Errorf("%w: sending %s: %w", device.ErrTimeout, msg.Type, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: sending %s: %w", device.ErrTimeout, msg.Type, err)
	}
	return fmt.Errorf("failed to send %s: %w", msg.Type, err)
}

// request sends msg and waits for the result with the same id
func (t *Transport) request(ctx context.Context, msg Message) (*Message, error) {
	respChan := make(chan Message, 1)
	t.pendingMu.Lock()
	t.pending[msg.ID] = respChan
	t.pendingMu.Unlock()

	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, msg.ID)
		t.pendingMu.Unlock()
	}()

	select {
	case <-t.done:
		return nil, device.ErrNotConnected
	default:
	}

	if err := t.write(ctx, msg); err != nil {
		return nil, err
	}

	select {
	case resp := <-respChan:
		if resp.Success != nil && !*resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("device error: %s - %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, errors.New("request failed")
		}
		return &resp, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: waiting for %s", device.ErrTimeout, msg.Type)
		}
		return nil, ctx.Err()
	case <-t.done:
		return nil, fmt.Errorf("%w: %w", device.ErrStreamClosed, t.closeErr)
	}
}

// receiveMessages routes incoming frames until the connection ends
func (t *Transport) receiveMessages() {
	for {
		var msg Message
		if err := t.conn.ReadJSON(&msg); err != nil {
			t.shutdown(err)
			return
		}

		switch msg.Type {
		case TypeStatus:
			t.handleStatus(&msg)
		case TypeResult:
			t.pendingMu.Lock()
			if ch, ok := t.pending[msg.ID]; ok {
				select {
				case ch <- msg:
				default:
					t.logger.Warn("Response channel full", zap.Int("msg_id", msg.ID))
				}
			}
			t.pendingMu.Unlock()
		default:
			t.logger.Debug("Ignoring message", zap.String("type", msg.Type))
		}
	}
}

func (t *Transport) handleStatus(msg *Message) {
	t.subsMu.Lock()
	s, ok := t.subs[msg.Subscription]
	t.subsMu.Unlock()
	if !ok {
		return
	}

	status, err := device.DecodeStatus(msg.Status)
	if err != nil {
		t.logger.Warn("Dropping malformed status", zap.Error(err))
		return
	}
	s.deliver(status)
}

// shutdown ends every stream and pending request with cause
func (t *Transport) shutdown(cause error) {
	t.closeOnce.Do(func() {
		t.closeErr = cause
		close(t.done)
		t.conn.Close()

		t.subsMu.Lock()
		subs := t.subs
		t.subs = make(map[int]*stream)
		t.subsMu.Unlock()
		for _, s := range subs {
			s.end()
		}
	})
}

// FetchStatus reads the full status once
func (t *Transport) FetchStatus(ctx context.Context) (device.Status, time.Duration, error) {
	resp, err := t.request(ctx, Message{ID: t.nextMsgID(), Type: TypeGetStatus})
	if err != nil {
		return nil, 0, err
	}
	status, err := device.DecodeStatus(resp.Result)
	if err != nil {
		return nil, 0, err
	}
	return status, time.Duration(resp.MaxAge) * time.Second, nil
}

// ObserveStatus subscribes to status pushes
func (t *Transport) ObserveStatus(ctx context.Context) (device.Stream, error) {
	id := t.nextMsgID()
	s := &stream{
		id:     id,
		owner:  t,
		events: make(chan device.Status, 16),
		closed: make(chan struct{}),
	}

	// Register first: the gateway may push before the result arrives.
	t.subsMu.Lock()
	t.subs[id] = s
	t.subsMu.Unlock()

	if _, err := t.request(ctx, Message{ID: id, Type: TypeSubscribe}); err != nil {
		t.subsMu.Lock()
		delete(t.subs, id)
		t.subsMu.Unlock()
		return nil, err
	}
	return s, nil
}

// WriteControls sends control values as-is
func (t *Transport) WriteControls(ctx context.Context, controls map[string]any) error {
	_, err := t.request(ctx, Message{ID: t.nextMsgID(), Type: TypeSetControls, Controls: controls})
	return err
}

// Close sends a close frame and tears the connection down
func (t *Transport) Close() error {
	select {
	case <-t.done:
		return nil
	default:
	}

	t.writeMu.Lock()
	err := t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeWriteTimeout))
	t.writeMu.Unlock()

	t.shutdown(device.ErrNotConnected)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("sending close frame: %w", err)
	}
	return nil
}

// stream is one status subscription
type stream struct {
	id        int
	owner     *Transport
	events    chan device.Status
	closed    chan struct{}
	closeOnce sync.Once
}

// deliver blocks while the consumer is behind, so no snapshot is skipped.
// It runs on receiveMessages, so a full buffer also holds back request
// results and the other subscriptions on the connection until the consumer
// catches up or the stream is closed.
func (s *stream) deliver(status device.Status) {
	select {
	case s.events <- status:
	case <-s.closed:
	}
}

func (s *stream) end() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Next returns the next pushed status
func (s *stream) Next(ctx context.Context) (device.Status, error) {
	select {
	case status := <-s.events:
		return status, nil
	default:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case status := <-s.events:
		return status, nil
	case <-s.closed:
		return nil, device.ErrStreamClosed
	}
}

// Close unsubscribes. The unsubscribe frame is bounded by writeTimeout.
func (s *stream) Close() error {
	t := s.owner
	t.subsMu.Lock()
	_, live := t.subs[s.id]
	delete(t.subs, s.id)
	t.subsMu.Unlock()
	s.end()

	if !live {
		return nil
	}
	select {
	case <-t.done:
		return nil
	default:
	}
	return t.write(context.Background(), Message{ID: t.nextMsgID(), Type: TypeUnsubscribe, Subscription: s.id})
}
