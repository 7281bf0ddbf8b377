// Package mqtt reaches heaters through an MQTT broker. Each device publishes
// its full status as JSON on its own status topic; reads are requested on the
// get topic and control writes go to the set topic.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"heatersync/internal/device"
)

// ErrInvalidQoS is returned when an invalid QoS level is configured.
// Valid QoS levels are 0, 1, or 2.
var ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")

// Dialer opens one broker connection per device. It implements device.Dialer.
type Dialer struct {
	opts      Options
	topics    Topics
	logger    *zap.Logger
	newClient ClientFactory
}

// NewDialer creates a dialer using the real paho client
func NewDialer(opts Options, logger *zap.Logger) *Dialer {
	return &Dialer{
		opts:      opts,
		topics:    Topics{Prefix: opts.TopicPrefix},
		logger:    logger,
		newClient: pahomqtt.NewClient,
	}
}

// WithClientFactory replaces the paho client constructor
func (d *Dialer) WithClientFactory(f ClientFactory) *Dialer {
	d.newClient = f
	return d
}

// Dial connects to the broker and subscribes to the device's status topic.
func (d *Dialer) Dial(ctx context.Context, address string) (device.Transport, error) {
	if d.opts.QoS > maxQoS {
		return nil, fmt.Errorf("%w: %w", device.ErrConnectionFailed, ErrInvalidQoS)
	}

	t := &Transport{
		address: address,
		topics:  d.topics,
		qos:     d.opts.QoS,
		logger:  d.logger.With(zap.String("address", address)),
		streams: make(map[*stream]struct{}),
		done:    make(chan struct{}),
	}

	po := buildClientOptions(ctx, d.opts, address)
	po.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		t.logger.Warn("MQTT connection lost", zap.Error(err))
		t.shutdown(err)
	})

	t.client = d.newClient(po)
	if err := waitToken(ctx, t.client.Connect()); err != nil {
		return nil, dialError(ctx, d.opts.Broker, err)
	}

	if err := waitToken(ctx, t.client.Subscribe(t.topics.Status(address), t.qos, t.handleMessage)); err != nil {
		t.client.Disconnect(0)
		return nil, dialError(ctx, d.opts.Broker, err)
	}

	return t, nil
}

func dialError(ctx context.Context, broker string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, device.ErrTimeout) {
		return fmt.Errorf("connecting to %s: %w", broker, err)
	}
	return fmt.Errorf("%w: connecting to %s: %w", device.ErrConnectionFailed, broker, err)
}

// waitToken waits for a paho token without outliving ctx
func waitToken(ctx context.Context, token pahomqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return device.ErrTimeout
		}
		return ctx.Err()
	}
}

// Transport is one device link over a broker connection
type Transport struct {
	client  pahomqtt.Client
	address string
	topics  Topics
	qos     byte
	logger  *zap.Logger

	mu      sync.Mutex
	waiters []chan device.Status
	streams map[*stream]struct{}

	done           chan struct{}
	closeOnce      sync.Once
	disconnectOnce sync.Once
}

// handleMessage receives every status publish
func (t *Transport) handleMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	status, err := device.DecodeStatus(msg.Payload())
	if err != nil {
		t.logger.Warn("Dropping malformed status",
			zap.String("topic", msg.Topic()),
			zap.Error(err))
		return
	}

	t.mu.Lock()
	waiters := t.waiters
	t.waiters = nil
	streams := make([]*stream, 0, len(t.streams))
	for s := range t.streams {
		streams = append(streams, s)
	}
	t.mu.Unlock()

	for _, w := range waiters {
		w <- status.Clone()
	}
	for _, s := range streams {
		s.deliver(status.Clone())
	}
}

func (t *Transport) shutdown(cause error) {
	t.closeOnce.Do(func() {
		t.logger.Debug("Closing MQTT transport", zap.NamedError("cause", cause))
		close(t.done)

		t.mu.Lock()
		streams := t.streams
		t.streams = make(map[*stream]struct{})
		t.mu.Unlock()
		for s := range streams {
			s.end()
		}
	})
}

func (t *Transport) closed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *Transport) publish(ctx context.Context, topic string, payload []byte) error {
	if t.closed() {
		return device.ErrNotConnected
	}
	if err := waitToken(ctx, t.client.Publish(topic, t.qos, false, payload)); err != nil {
		if errors.Is(err, device.ErrTimeout) || errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// FetchStatus asks the device to publish and waits for the next status.
// MQTT devices send no freshness hint, so maxAge is always zero.
func (t *Transport) FetchStatus(ctx context.Context) (device.Status, time.Duration, error) {
	waiter := make(chan device.Status, 1)
	t.mu.Lock()
	t.waiters = append(t.waiters, waiter)
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		for i, w := range t.waiters {
			if w == waiter {
				t.waiters = append(t.waiters[:i], t.waiters[i+1:]...)
				break
			}
		}
		t.mu.Unlock()
	}()

	if err := t.publish(ctx, t.topics.Get(t.address), []byte("{}")); err != nil {
		return nil, 0, err
	}

	select {
	case status := <-waiter:
		return status, 0, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, 0, fmt.Errorf("%w: waiting for status on %s", device.ErrTimeout, t.topics.Status(t.address))
		}
		return nil, 0, ctx.Err()
	case <-t.done:
		return nil, 0, device.ErrStreamClosed
	}
}

// ObserveStatus attaches a stream to the status subscription
func (t *Transport) ObserveStatus(_ context.Context) (device.Stream, error) {
	s := &stream{
		owner:  t,
		events: make(chan device.Status, 16),
		closed: make(chan struct{}),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed() {
		return nil, device.ErrNotConnected
	}
	t.streams[s] = struct{}{}
	return s, nil
}

// WriteControls publishes control values as a JSON object
func (t *Transport) WriteControls(ctx context.Context, controls map[string]any) error {
	payload, err := json.Marshal(controls)
	if err != nil {
		return fmt.Errorf("encoding controls: %w", err)
	}
	return t.publish(ctx, t.topics.Set(t.address), payload)
}

// Close disconnects from the broker. It is idempotent.
func (t *Transport) Close() error {
	t.disconnectOnce.Do(func() {
		if t.client.IsConnected() {
			t.client.Unsubscribe(t.topics.Status(t.address)).WaitTimeout(time.Second)
		}
		t.client.Disconnect(defaultDisconnectQuiesce)
	})
	t.shutdown(device.ErrNotConnected)
	return nil
}

// stream is one consumer of the status subscription
type stream struct {
	owner     *Transport
	events    chan device.Status
	closed    chan struct{}
	closeOnce sync.Once
}

// deliver blocks until the consumer takes status or the stream ends. While
// it blocks, the paho callback goroutine is held, so one slow consumer delays
// every later publish on this client. Coordinators drain their stream in a
// dedicated loop, which keeps the stall to one snapshot's processing time.
func (s *stream) deliver(status device.Status) {
	select {
	case s.events <- status:
	case <-s.closed:
	}
}

func (s *stream) end() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Next returns the next published status
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

// Close detaches the stream
func (s *stream) Close() error {
	s.owner.mu.Lock()
	delete(s.owner.streams, s)
	s.owner.mu.Unlock()
	s.end()
	return nil
}
