package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/schema"
	"main/internal/wire"
)

type outFrame struct {
	kind    wire.FrameKind
	payload []byte
}

// session serves one client connection. Requests run serially; responses and
// streamed events share a single writer goroutine so frames never interleave
// mid-write.
type session struct {
	id       uint64
	srv      *Server
	conn     net.Conn
	writeCh  chan outFrame
	quit     chan struct{}
	quitOnce sync.Once

	mu    sync.Mutex
	actor string
	sub   *bus.Subscription
}

func newSession(srv *Server, id uint64, conn net.Conn) *session {
	return &session{
		id:      id,
		srv:     srv,
		conn:    conn,
		writeCh: make(chan outFrame, srv.cfg.WriteBuffer),
		quit:    make(chan struct{}),
		actor:   fmt.Sprintf("agent-%d", id),
	}
}

func (s *session) serve(ctx context.Context) {
	defer s.shutdown()
	go s.writeLoop()

	reader := wire.NewReader(s.conn, s.srv.cfg.MaxPayload)
	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logs.Warnf("session %d: read failed: %v", s.id, err)
			}
			return
		}
		if frame.Kind != wire.FrameRequest {
			logs.Warnf("session %d: unexpected frame kind %d", s.id, frame.Kind)
			return
		}
		req, err := wire.DecodeRequest(frame.Payload)
		if err != nil {
			s.respond(wire.ErrResponse(0, schema.NewCodedError(schema.CodeInvalidArgs, "malformed request envelope")))
			continue
		}
		if req.Actor != "" {
			s.setActor(req.Actor)
		}
		s.respond(s.srv.dispatch.Handle(ctx, req, s))
	}
}

// Actor implements dispatch.Session.
func (s *session) Actor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actor
}

func (s *session) setActor(actor string) {
	s.mu.Lock()
	s.actor = actor
	s.mu.Unlock()
}

// Subscribe implements dispatch.Session. At most one stream per session.
func (s *session) Subscribe(topics []schema.Topic, buffer int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return errors.New("session already subscribed")
	}
	sub, err := s.srv.events.Subscribe(topics, buffer)
	if err != nil {
		return err
	}
	s.sub = sub
	go s.forward(sub)
	s.srv.metrics.SetSubscribers(s.srv.events.SubscriberCount())
	return nil
}

func (s *session) forward(sub *bus.Subscription) {
	for {
		select {
		case env, ok := <-sub.Events():
			if !ok {
				s.flushNotices(sub)
				return
			}
			s.sendEvent(env)
		case env, ok := <-sub.Notices():
			if !ok {
				return
			}
			s.sendEvent(env)
		case <-sub.Done():
			s.flushNotices(sub)
			return
		case <-s.quit:
			return
		}
	}
}

// flushNotices forwards any buffered fell-behind notice before teardown.
// When the broadcaster cuts a lagged subscriber off it closes Events and
// Done with the notice still queued, so the closing select may win on
// either of those cases first.
func (s *session) flushNotices(sub *bus.Subscription) {
	for {
		select {
		case env, ok := <-sub.Notices():
			if !ok {
				return
			}
			s.sendEvent(env)
		default:
			return
		}
	}
}

func (s *session) sendEvent(env schema.EventEnvelope) {
	payload, err := wire.EncodeEvent(env)
	if err != nil {
		logs.Errorf("session %d: encode event on topic %s failed: %+v", s.id, env.Topic, err)
		return
	}
	s.enqueue(outFrame{kind: wire.FrameEvent, payload: payload})
}

func (s *session) respond(resp wire.Response) {
	payload, err := wire.EncodeResponse(resp)
	if err != nil {
		logs.Errorf("session %d: encode response %d failed: %+v", s.id, resp.ID, err)
		payload, _ = wire.EncodeResponse(wire.ErrResponse(resp.ID, schema.NewCodedError(schema.CodeInternal, "response encoding failed")))
	}
	s.enqueue(outFrame{kind: wire.FrameResponse, payload: payload})
}

func (s *session) enqueue(f outFrame) {
	select {
	case s.writeCh <- f:
	case <-s.quit:
	}
}

func (s *session) writeLoop() {
	w := wire.NewWriter(s.conn)
	for {
		select {
		case f := <-s.writeCh:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.srv.cfg.WriteTimeout))
			if err := w.WriteFrame(f.kind, 0, f.payload); err != nil {
				if !errors.Is(err, net.ErrClosed) {
					logs.Warnf("session %d: write failed: %v", s.id, err)
				}
				s.shutdown()
				return
			}
		case <-s.quit:
			return
		}
	}
}

// shutdown tears the session down exactly once: the event stream is
// unsubscribed, the connection closed, and both loops released.
func (s *session) shutdown() {
	s.quitOnce.Do(func() {
		close(s.quit)
		s.mu.Lock()
		sub := s.sub
		s.sub = nil
		s.mu.Unlock()
		if sub != nil {
			sub.Close()
		}
		_ = s.conn.Close()
	})
}
