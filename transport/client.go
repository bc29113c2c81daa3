package transport

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/joshuadavidthomas/django-bird-playground/errors"
)

// Port is one endpoint of a bidirectional message channel. The worker
// package provides the in-process implementation; tests provide fakes.
type Port interface {
	// Send transmits a request to the other endpoint.
	Send(Request) error

	// Inbound returns the channel of replies from the other endpoint.
	// The channel is closed when the endpoint goes away.
	Inbound() <-chan Reply

	// Close tears the channel down.
	Close() error
}

// Client pairs outgoing requests with their replies over a Port.
//
// Each call allocates the next id, registers a pending entry and starts a
// timeout timer; the entry is removed on whichever comes first, reply or
// timeout. Replies for unknown ids are dropped. A client drives exactly one
// port and must not be shared across ports.
type Client struct {
	port Port
	cfg  clientConfig

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]*pendingCall
	closed  bool

	closeOnce sync.Once
	readDone  chan struct{}
}

type pendingCall struct {
	op    Op
	ch    chan outcome
	timer *time.Timer
}

type outcome struct {
	result json.RawMessage
	err    error
}

type clientConfig struct {
	timeout    time.Duration
	onProgress func(Progress)
}

func defaultClientConfig() clientConfig {
	return clientConfig{
		timeout: 30 * time.Second,
	}
}

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

// WithTimeout sets the default per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.timeout = d
	}
}

// WithProgressHandler sets the handler invoked for progress broadcasts.
// The handler runs on the read loop goroutine and must not block.
func WithProgressHandler(fn func(Progress)) ClientOption {
	return func(c *clientConfig) {
		c.onProgress = fn
	}
}

// NewClient creates a client over port and starts its read loop.
func NewClient(port Port, opts ...ClientOption) *Client {
	cfg := defaultClientConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &Client{
		port:     port,
		cfg:      cfg,
		pending:  make(map[int64]*pendingCall),
		readDone: make(chan struct{}),
	}

	go c.readLoop()
	return c
}

// CallOption configures a single call.
type CallOption func(*callConfig)

type callConfig struct {
	timeout time.Duration
}

// WithCallTimeout overrides the client's default timeout for one call.
// The bootstrap request uses this for its longer window.
func WithCallTimeout(d time.Duration) CallOption {
	return func(c *callConfig) {
		c.timeout = d
	}
}

// Call sends one request and blocks until its reply, its timeout, or ctx
// cancellation. The payload is marshaled to JSON; a marshal failure is an
// initialization-kind error since nothing crossed the boundary.
func (c *Client) Call(ctx context.Context, op Op, payload any, opts ...CallOption) (json.RawMessage, error) {
	cc := callConfig{timeout: c.cfg.timeout}
	for _, opt := range opts {
		opt(&cc)
	}

	var body json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Initialization("marshal request payload", err)
		}
		body = b
	}

	id := c.nextID.Add(1)
	pc := &pendingCall{op: op, ch: make(chan outcome, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.Initialization("transport closed", nil)
	}
	c.pending[id] = pc
	c.mu.Unlock()

	if cc.timeout > 0 {
		pc.timer = time.AfterFunc(cc.timeout, func() {
			c.settle(id, outcome{err: errors.Timeout(string(op), nil)})
		})
	}

	if err := c.port.Send(Request{ID: id, Type: op, Payload: body}); err != nil {
		c.settle(id, outcome{err: errors.Initialization("send request", err)})
	}

	select {
	case out := <-pc.ch:
		return out.result, out.err
	case <-ctx.Done():
		c.settle(id, outcome{err: errors.Timeout(string(op), ctx.Err())})
		// The settle above either delivered the context error or lost the
		// race to a real reply; return whichever landed.
		out := <-pc.ch
		return out.result, out.err
	}
}

// settle delivers the terminal outcome for id and removes the pending
// entry. Exactly one settle wins; later attempts for the same id no-op.
func (c *Client) settle(id int64, out outcome) bool {
	c.mu.Lock()
	pc, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	if pc.timer != nil {
		pc.timer.Stop()
	}
	pc.ch <- out
	return true
}

func (c *Client) readLoop() {
	defer close(c.readDone)

	for reply := range c.port.Inbound() {
		switch {
		case reply.Progress != nil:
			if c.cfg.onProgress != nil {
				c.cfg.onProgress(*reply.Progress)
			}
		case reply.ID != 0:
			out := outcome{result: reply.Result}
			if reply.Error != nil {
				out = outcome{err: reply.Error.Err()}
			}
			if !c.settle(reply.ID, out) {
				Logger().Debug("dropping late reply", zap.Int64("id", reply.ID))
			}
		default:
			Logger().Debug("ignoring message with neither id nor progress")
		}
	}

	c.failAll(errors.Initialization("worker terminated", nil))
}

// failAll settles every pending entry with err. Used when the port closes
// underneath outstanding requests.
func (c *Client) failAll(err error) {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[int64]*pendingCall)
	c.mu.Unlock()

	for _, pc := range pending {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		pc.ch <- outcome{err: err}
	}
}

// PendingCount returns the number of unsettled requests.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close tears down the port and fails all pending requests. It is safe to
// call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		err = c.port.Close()
		<-c.readDone
	})
	return err
}
