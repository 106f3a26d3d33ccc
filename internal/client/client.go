// Package client speaks the daemon's framed UDS protocol from the outside:
// request/response calls plus streamed event consumption. A dial or transport
// failure maps to DAEMON_NOT_RUNNING; everything else arrives inside the
// response envelope.
package client

import (
	"context"
	"net"
	"sync"
	"time"

	"main/internal/schema"
	"main/internal/wire"
	"main/pkg/uds"
)

// DefaultDialTimeout bounds how long Dial waits for the socket.
const DefaultDialTimeout = 2 * time.Second

// Client is one connection to the daemon. Calls are serialized; a streaming
// Subscribe takes over the connection until its context ends.
type Client struct {
	conn   net.Conn
	reader *wire.Reader
	writer *wire.Writer

	mu     sync.Mutex
	nextID uint64
	actor  string
}

// Dial connects to the daemon socket. Failure to connect means the daemon is
// not running as far as the caller is concerned.
func Dial(socketPath, actor string, timeout time.Duration) (*Client, *schema.CodedError) {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	dialer, err := uds.NewClient(socketPath)
	if err != nil {
		return nil, schema.NewCodedError(schema.CodeInvalidArgs, err.Error())
	}
	conn, err := dialer.DialTimeout(timeout)
	if err != nil {
		return nil, schema.NewCodedError(schema.CodeDaemonNotRunning, "cannot reach daemon at "+socketPath).
			WithDetail("cause", err.Error())
	}
	return &Client{
		conn:   conn,
		reader: wire.NewReader(conn, 0),
		writer: wire.NewWriter(conn),
		actor:  actor,
	}, nil
}

// Close tears the connection down.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends one command and waits for its response. Event frames that arrive
// while waiting are discarded; streaming callers use Subscribe instead.
func (c *Client) Call(ctx context.Context, cmd string, args map[string]any) (wire.Response, *schema.CodedError) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	if cerr := c.send(ctx, wire.Request{ID: id, Cmd: cmd, Actor: c.actor, Args: args}); cerr != nil {
		return wire.Response{}, cerr
	}
	for {
		frame, cerr := c.read(ctx)
		if cerr != nil {
			return wire.Response{}, cerr
		}
		if frame.Kind != wire.FrameResponse {
			continue
		}
		resp, err := wire.DecodeResponse(frame.Payload)
		if err != nil {
			return wire.Response{}, schema.NewCodedError(schema.CodeInternal, "malformed response from daemon")
		}
		if resp.ID != id {
			continue
		}
		return resp, nil
	}
}

// Subscribe issues agent.subscribe and then feeds every event frame to fn
// until fn returns false, the stream ends, or ctx is cancelled.
func (c *Client) Subscribe(ctx context.Context, topics []string, buffer int, fn func(wire.Event) bool) *schema.CodedError {
	args := map[string]any{}
	if len(topics) > 0 {
		args["topics"] = topics
	}
	if buffer > 0 {
		args["buffer"] = buffer
	}
	resp, cerr := c.Call(ctx, "agent.subscribe", args)
	if cerr != nil {
		return cerr
	}
	if !resp.OK {
		return schema.NewCodedError(schema.ErrorCode(resp.Error.Code), resp.Error.Message)
	}

	// Unblock the stream read when the caller gives up.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.conn.SetDeadline(time.Now())
		case <-stop:
		}
	}()

	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		frame, cerr := c.read(ctx)
		if cerr != nil {
			if ctx.Err() != nil {
				return nil
			}
			return cerr
		}
		if frame.Kind != wire.FrameEvent {
			continue
		}
		ev, err := wire.DecodeEvent(frame.Payload)
		if err != nil {
			return schema.NewCodedError(schema.CodeInternal, "malformed event from daemon")
		}
		if !fn(ev) {
			return nil
		}
	}
}

func (c *Client) send(ctx context.Context, req wire.Request) *schema.CodedError {
	payload, err := wire.EncodeRequest(req)
	if err != nil {
		return schema.NewCodedError(schema.CodeInvalidArgs, err.Error())
	}
	c.applyDeadline(ctx)
	if err := c.writer.WriteFrame(wire.FrameRequest, 0, payload); err != nil {
		return schema.NewCodedError(schema.CodeDaemonNotRunning, "daemon connection lost").
			WithDetail("cause", err.Error())
	}
	return nil
}

func (c *Client) read(ctx context.Context) (wire.Frame, *schema.CodedError) {
	c.applyDeadline(ctx)
	frame, err := c.reader.ReadFrame()
	if err != nil {
		return wire.Frame{}, schema.NewCodedError(schema.CodeDaemonNotRunning, "daemon connection lost").
			WithDetail("cause", err.Error())
	}
	return frame, nil
}

func (c *Client) applyDeadline(ctx context.Context) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	} else {
		_ = c.conn.SetDeadline(time.Time{})
	}
}
