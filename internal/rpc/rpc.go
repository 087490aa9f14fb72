// Package rpc implements the encrypted call protocol spoken over a device
// WebSocket: JSON envelopes sealed with the device cipher, bidirectional
// calls with per-module ordering, and a fixed handler table for inbound
// calls.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/melosync/melosync/internal/auth"
)

const (
	// callTimeout is how long an outbound call waits for the device to
	// respond before failing. Timed-out calls are never retried.
	callTimeout = 120 * time.Second

	// queueSize bounds the number of unsent calls per module.
	queueSize = 64

	// readLimit caps inbound frame size. Full list payloads for large
	// libraries fit comfortably.
	readLimit = 32 * 1024 * 1024
)

var (
	// ErrCallTimeout is returned when the device does not answer a call.
	ErrCallTimeout = fmt.Errorf("call timed out")

	// ErrClosed is returned for calls in flight or issued after Close.
	ErrClosed = fmt.Errorf("connection closed")

	// ErrProtocol wraps decrypt and parse failures; the owner closes the
	// connection when Run returns it.
	ErrProtocol = fmt.Errorf("protocol error")
)

// Envelope message kinds.
const (
	typeCall   = "call"
	typeResult = "result"
	typeError  = "error"
)

// envelope is the wire message, serialized to JSON and sealed with the
// device cipher. Calls carry Module/Name/Args; responses carry Result or
// Message and echo the call ID. A call with an empty ID expects no
// response.
type envelope struct {
	T       string            `json:"t"`
	ID      string            `json:"id,omitempty"`
	Module  string            `json:"module,omitempty"`
	Name    string            `json:"name,omitempty"`
	Args    []json.RawMessage `json:"args,omitempty"`
	Result  json.RawMessage   `json:"result,omitempty"`
	Message string            `json:"message,omitempty"`
}

// wsConn abstracts the WebSocket connection so Conn can be tested without
// a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// Handler serves one inbound operation. owner is the opaque session value
// set at construction, prefixed to every dispatch the way the peer's
// arguments follow it.
type Handler func(owner any, args []json.RawMessage) (any, error)

// ErrorSink receives failures of outbound calls, with the module and
// operation that failed.
type ErrorSink func(module, name string, err error)

type callReply struct {
	result json.RawMessage
	err    error
}

type outboundJob struct {
	ctx  context.Context
	env  envelope
	done chan callReply
}

// Conn multiplexes encrypted calls in both directions over one WebSocket.
//
// Outbound calls on the same module are strictly serialized: a call is not
// written until the previous call on that module has completed. Different
// modules proceed independently. Inbound calls are dispatched in arrival
// order per module on a dedicated worker.
type Conn struct {
	conn   wsConn
	cipher *auth.Cipher
	logger *slog.Logger
	owner  any

	handlers map[string]map[string]Handler
	onError  ErrorSink
	onAlive  func()

	timeout time.Duration

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan callReply

	outMu     sync.Mutex
	outQueues map[string]chan *outboundJob

	inMu     sync.Mutex
	inQueues map[string]chan envelope

	closed    chan struct{}
	closeOnce sync.Once
}

// Options configures a Conn.
type Options struct {
	// Owner is prefixed to every inbound handler dispatch.
	Owner any
	// OnError receives outbound call failures.
	OnError ErrorSink
	// OnAlive fires whenever any message arrives from the device.
	OnAlive func()
}

// NewConn wraps a WebSocket in the call protocol. Register handlers with
// Handle before calling Run.
func NewConn(conn wsConn, cipher *auth.Cipher, logger *slog.Logger, opts Options) *Conn {
	conn.SetReadLimit(readLimit)
	c := &Conn{
		conn:      conn,
		cipher:    cipher,
		logger:    logger,
		owner:     opts.Owner,
		handlers:  make(map[string]map[string]Handler),
		onError:   opts.OnError,
		onAlive:   opts.OnAlive,
		timeout:   callTimeout,
		pending:   make(map[string]chan callReply),
		outQueues: make(map[string]chan *outboundJob),
		inQueues:  make(map[string]chan envelope),
		closed:    make(chan struct{}),
	}
	return c
}

// Handle registers the handler for module.name. Not safe to call after
// Run has started; the table is fixed at connection setup.
func (c *Conn) Handle(module, name string, h Handler) {
	m, ok := c.handlers[module]
	if !ok {
		m = make(map[string]Handler)
		c.handlers[module] = m
	}
	m[name] = h
}

// Call invokes module.name on the device and waits for its result. Calls
// on the same module are sent one at a time in submission order. A device
// that does not answer within the call timeout yields ErrCallTimeout,
// reported to the error sink; the call is not retried.
func (c *Conn) Call(ctx context.Context, module, name string, args ...any) (json.RawMessage, error) {
	env, err := buildCall(module, name, args, uuid.NewString())
	if err != nil {
		return nil, err
	}
	job := &outboundJob{ctx: ctx, env: env, done: make(chan callReply, 1)}

	select {
	case c.queue(module) <- job:
	case <-c.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case reply := <-job.done:
		return reply.result, reply.err
	case <-c.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Notify invokes module.name on the device without waiting for a result.
// Notifications share the module queue with calls, so ordering against
// preceding calls on the same module is preserved.
func (c *Conn) Notify(ctx context.Context, module, name string, args ...any) error {
	env, err := buildCall(module, name, args, "")
	if err != nil {
		return err
	}
	job := &outboundJob{ctx: ctx, env: env, done: make(chan callReply, 1)}

	select {
	case c.queue(module) <- job:
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case reply := <-job.done:
		return reply.err
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func buildCall(module, name string, args []any, id string) (envelope, error) {
	raw := make([]json.RawMessage, len(args))
	for i, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return envelope{}, fmt.Errorf("encoding %s.%s argument: %w", module, name, err)
		}
		raw[i] = data
	}
	return envelope{T: typeCall, ID: id, Module: module, Name: name, Args: raw}, nil
}

// queue returns the outbound queue for module, starting its worker on
// first use.
func (c *Conn) queue(module string) chan *outboundJob {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	q, ok := c.outQueues[module]
	if !ok {
		q = make(chan *outboundJob, queueSize)
		c.outQueues[module] = q
		go c.outboundWorker(q)
	}
	return q
}

func (c *Conn) outboundWorker(q chan *outboundJob) {
	for {
		select {
		case <-c.closed:
			return
		case job := <-q:
			c.runJob(job)
		}
	}
}

func (c *Conn) runJob(job *outboundJob) {
	if err := job.ctx.Err(); err != nil {
		job.done <- callReply{err: err}
		return
	}

	var reply chan callReply
	if job.env.ID != "" {
		reply = make(chan callReply, 1)
		c.pendingMu.Lock()
		c.pending[job.env.ID] = reply
		c.pendingMu.Unlock()
	}

	if err := c.writeEnvelope(job.ctx, job.env); err != nil {
		c.unregister(job.env.ID)
		job.done <- callReply{err: err}
		return
	}
	if reply == nil {
		job.done <- callReply{}
		return
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case r := <-reply:
		job.done <- r
	case <-timer.C:
		c.unregister(job.env.ID)
		err := fmt.Errorf("%w: %s.%s", ErrCallTimeout, job.env.Module, job.env.Name)
		if c.onError != nil {
			c.onError(job.env.Module, job.env.Name, err)
		}
		job.done <- callReply{err: err}
	case <-job.ctx.Done():
		c.unregister(job.env.ID)
		job.done <- callReply{err: job.ctx.Err()}
	case <-c.closed:
		job.done <- callReply{err: ErrClosed}
	}
}

func (c *Conn) unregister(id string) {
	if id == "" {
		return
	}
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Conn) writeEnvelope(ctx context.Context, env envelope) error {
	plain, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	frame, err := c.cipher.Encrypt(plain)
	if err != nil {
		return fmt.Errorf("encrypting envelope: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// WriteText sends an unencrypted text frame. Used for the application
// level heartbeat some devices require.
func (c *Conn) WriteText(ctx context.Context, s string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, []byte(s)); err != nil {
		return fmt.Errorf("writing text frame: %w", err)
	}
	return nil
}

// Run reads and dispatches frames until the connection fails or ctx is
// cancelled. A decrypt or parse failure returns an error wrapping
// ErrProtocol; the owner is expected to close the connection with a
// protocol failure code.
func (c *Conn) Run(ctx context.Context) error {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}
		if c.onAlive != nil {
			c.onAlive()
		}

		if typ == websocket.MessageText {
			// App-level heartbeat from devices whose runtime cannot send
			// protocol pongs.
			if string(data) == "ping" {
				if err := c.WriteText(ctx, "pong"); err != nil {
					return err
				}
			}
			continue
		}

		plain, err := c.cipher.Decrypt(data)
		if err != nil {
			return fmt.Errorf("%w: decrypting frame: %v", ErrProtocol, err)
		}

		switch gjson.GetBytes(plain, "t").String() {
		case typeResult, typeError:
			var env envelope
			if err := json.Unmarshal(plain, &env); err != nil {
				return fmt.Errorf("%w: decoding response: %v", ErrProtocol, err)
			}
			c.deliver(env)
		case typeCall:
			var env envelope
			if err := json.Unmarshal(plain, &env); err != nil {
				return fmt.Errorf("%w: decoding call: %v", ErrProtocol, err)
			}
			c.enqueueInbound(env)
		default:
			return fmt.Errorf("%w: unknown envelope type", ErrProtocol)
		}
	}
}

func (c *Conn) deliver(env envelope) {
	c.pendingMu.Lock()
	reply, ok := c.pending[env.ID]
	delete(c.pending, env.ID)
	c.pendingMu.Unlock()
	if !ok {
		c.logger.Debug("dropping response for unknown call", slog.String("id", env.ID))
		return
	}
	if env.T == typeError {
		reply <- callReply{err: fmt.Errorf("remote error: %s", env.Message)}
		return
	}
	reply <- callReply{result: env.Result}
}

// enqueueInbound routes a call to its module worker, starting the worker
// on first use. Handlers for one module run strictly in arrival order.
func (c *Conn) enqueueInbound(env envelope) {
	c.inMu.Lock()
	q, ok := c.inQueues[env.Module]
	if !ok {
		q = make(chan envelope, queueSize)
		c.inQueues[env.Module] = q
		go c.inboundWorker(q)
	}
	c.inMu.Unlock()

	select {
	case q <- env:
	case <-c.closed:
	}
}

func (c *Conn) inboundWorker(q chan envelope) {
	for {
		select {
		case <-c.closed:
			return
		case env := <-q:
			c.dispatch(env)
		}
	}
}

func (c *Conn) dispatch(env envelope) {
	h := c.handlers[env.Module][env.Name]
	if h == nil {
		c.logger.Warn("call for unknown operation",
			slog.String("module", env.Module),
			slog.String("name", env.Name))
		c.respondError(env, fmt.Sprintf("unknown operation %s.%s", env.Module, env.Name))
		return
	}

	result, err := h(c.owner, env.Args)
	if err != nil {
		c.logger.Error("handler failed",
			slog.String("module", env.Module),
			slog.String("name", env.Name),
			slog.String("error", err.Error()))
		c.respondError(env, err.Error())
		return
	}
	if env.ID == "" {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		c.respondError(env, fmt.Sprintf("encoding result: %v", err))
		return
	}
	c.respond(envelope{T: typeResult, ID: env.ID, Result: data})
}

func (c *Conn) respondError(env envelope, msg string) {
	if env.ID == "" {
		return
	}
	c.respond(envelope{T: typeError, ID: env.ID, Message: msg})
}

func (c *Conn) respond(env envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.writeEnvelope(ctx, env); err != nil {
		c.logger.Error("writing response failed", slog.String("error", err.Error()))
	}
}

// Close tears down the connection. In-flight calls are rejected with
// ErrClosed immediately; later calls fail fast.
func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.pendingMu.Lock()
		for id, reply := range c.pending {
			delete(c.pending, id)
			reply <- callReply{err: ErrClosed}
		}
		c.pendingMu.Unlock()
		err = c.conn.Close(code, reason)
	})
	return err
}
