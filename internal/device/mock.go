package device

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fetchResult is one scripted answer to FetchStatus
type fetchResult struct {
	status Status
	maxAge time.Duration
	err    error
	block  bool
}

// MockTransport implements Transport for testing. Fetch answers are scripted
// with QueueFetch/QueueFetchError/QueueFetchBlock; once the queue is empty
// FetchStatus returns the status set with SetStatus.
type MockTransport struct {
	mu          sync.Mutex
	status      Status
	fetchQueue  []fetchResult
	fetchCalls  int
	observeErr  error
	streams     chan *MockStream
	writes      []map[string]any
	writeErr    error
	closed      bool
	closeCalls  int
	closeErr    error
	observeOpen int
}

// NewMockTransport creates a mock transport whose fetches return an empty status
func NewMockTransport() *MockTransport {
	return &MockTransport{
		status:  Status{},
		streams: make(chan *MockStream, 16),
	}
}

// SetStatus sets the status returned once the fetch queue is drained
func (m *MockTransport) SetStatus(s Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = s
}

// QueueFetch scripts a successful fetch
func (m *MockTransport) QueueFetch(s Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchQueue = append(m.fetchQueue, fetchResult{status: s})
}

// QueueFetchError scripts a failed fetch
func (m *MockTransport) QueueFetchError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchQueue = append(m.fetchQueue, fetchResult{err: err})
}

// QueueFetchBlock scripts a fetch that only returns when its context ends
func (m *MockTransport) QueueFetchBlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchQueue = append(m.fetchQueue, fetchResult{block: true})
}

// FailObserve makes subsequent ObserveStatus calls fail with err
func (m *MockTransport) FailObserve(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observeErr = err
}

// FailWrites makes subsequent WriteControls calls fail with err
func (m *MockTransport) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// FailClose makes Close return err (it still marks the transport closed)
func (m *MockTransport) FailClose(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeErr = err
}

// FetchStatus returns the next scripted answer
func (m *MockTransport) FetchStatus(ctx context.Context) (Status, time.Duration, error) {
	m.mu.Lock()
	m.fetchCalls++
	if m.closed {
		m.mu.Unlock()
		return nil, 0, ErrNotConnected
	}
	var res fetchResult
	if len(m.fetchQueue) > 0 {
		res = m.fetchQueue[0]
		m.fetchQueue = m.fetchQueue[1:]
	} else {
		res = fetchResult{status: m.status}
	}
	m.mu.Unlock()

	if res.block {
		<-ctx.Done()
		return nil, 0, ctx.Err()
	}
	if res.err != nil {
		return nil, 0, res.err
	}
	return res.status.Clone(), res.maxAge, nil
}

// ObserveStatus opens a new MockStream that tests drive through WaitForStream
func (m *MockTransport) ObserveStatus(ctx context.Context) (Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrNotConnected
	}
	if m.observeErr != nil {
		return nil, m.observeErr
	}

	m.observeOpen++
	s := newMockStream()
	select {
	case m.streams <- s:
	default:
		return nil, fmt.Errorf("mock: too many unclaimed streams")
	}
	return s, nil
}

// WaitForStream returns the next stream opened by ObserveStatus
func (m *MockTransport) WaitForStream(timeout time.Duration) (*MockStream, bool) {
	select {
	case s := <-m.streams:
		return s, true
	case <-time.After(timeout):
		return nil, false
	}
}

// WriteControls records the write
func (m *MockTransport) WriteControls(ctx context.Context, controls map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrNotConnected
	}
	if m.writeErr != nil {
		return m.writeErr
	}

	copied := make(map[string]any, len(controls))
	for k, v := range controls {
		copied[k] = v
	}
	m.writes = append(m.writes, copied)
	return nil
}

// Close marks the transport closed
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeCalls++
	m.closed = true
	return m.closeErr
}

// Writes returns all recorded control writes
func (m *MockTransport) Writes() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	writes := make([]map[string]any, len(m.writes))
	copy(writes, m.writes)
	return writes
}

// FetchCalls returns how many times FetchStatus was called
func (m *MockTransport) FetchCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetchCalls
}

// ObserveCalls returns how many streams were opened
func (m *MockTransport) ObserveCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.observeOpen
}

// Closed reports whether Close has been called
func (m *MockTransport) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// CloseCalls returns how many times Close was called
func (m *MockTransport) CloseCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCalls
}

type streamEvent struct {
	status Status
	err    error
}

// MockStream is a Stream fed by the test
type MockStream struct {
	events    chan streamEvent
	done      chan struct{}
	closeOnce sync.Once
}

func newMockStream() *MockStream {
	return &MockStream{
		events: make(chan streamEvent, 64),
		done:   make(chan struct{}),
	}
}

// Push delivers a snapshot to the consumer
func (s *MockStream) Push(status Status) {
	s.events <- streamEvent{status: status}
}

// Fail ends the stream with err
func (s *MockStream) Fail(err error) {
	s.events <- streamEvent{err: err}
}

// End ends the stream as if the device went away
func (s *MockStream) End() {
	s.Fail(ErrStreamClosed)
}

// Next returns the next pushed snapshot
func (s *MockStream) Next(ctx context.Context) (Status, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrStreamClosed
	case ev := <-s.events:
		if ev.err != nil {
			return nil, ev.err
		}
		return ev.status.Clone(), nil
	}
}

// Close releases the stream
func (s *MockStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Closed reports whether the consumer closed the stream
func (s *MockStream) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// dialResult is one scripted answer to Dial
type dialResult struct {
	transport *MockTransport
	err       error
	block     bool
}

// MockDialer implements Dialer for testing. Unscripted dials succeed with a
// fresh MockTransport.
type MockDialer struct {
	mu      sync.Mutex
	queue   []dialResult
	dials   int
	dialed  chan *MockTransport
	address string
}

// NewMockDialer creates a new mock dialer
func NewMockDialer() *MockDialer {
	return &MockDialer{dialed: make(chan *MockTransport, 64)}
}

// QueueTransport scripts a successful dial returning t
func (d *MockDialer) QueueTransport(t *MockTransport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, dialResult{transport: t})
}

// QueueError scripts a failed dial
func (d *MockDialer) QueueError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, dialResult{err: err})
}

// QueueBlock scripts a dial that only returns when its context ends
func (d *MockDialer) QueueBlock() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, dialResult{block: true})
}

// Dial returns the next scripted result
func (d *MockDialer) Dial(ctx context.Context, address string) (Transport, error) {
	d.mu.Lock()
	d.dials++
	d.address = address
	var res dialResult
	if len(d.queue) > 0 {
		res = d.queue[0]
		d.queue = d.queue[1:]
	} else {
		res = dialResult{transport: NewMockTransport()}
	}
	d.mu.Unlock()

	if res.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, res.err
	}

	select {
	case d.dialed <- res.transport:
	default:
	}
	return res.transport, nil
}

// Dials returns how many times Dial was called
func (d *MockDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// LastAddress returns the address of the most recent dial
func (d *MockDialer) LastAddress() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.address
}

// WaitForDial returns the transport handed out by the next successful dial
func (d *MockDialer) WaitForDial(timeout time.Duration) (*MockTransport, bool) {
	select {
	case t := <-d.dialed:
		return t, true
	case <-time.After(timeout):
		return nil, false
	}
}
