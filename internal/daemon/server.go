// Package daemon serves the command surface over a Unix domain socket. Each
// connection gets its own session goroutines; a session failure never touches
// its siblings.
package daemon

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/dispatch"
	"main/internal/obs"
	"main/pkg/uds"
)

// Config tunes the server.
type Config struct {
	SocketPath string
	// MaxPayload bounds one request frame. <= 0 selects the wire default.
	MaxPayload int
	// WriteTimeout bounds one frame write to a client. Zero means 10s.
	WriteTimeout time.Duration
	// WriteBuffer is the per-session outbound frame queue depth. Zero means 256.
	WriteBuffer int
}

func (c Config) withDefaults() Config {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.WriteBuffer <= 0 {
		c.WriteBuffer = 256
	}
	return c
}

// Server owns the listener and the live session set.
type Server struct {
	cfg      Config
	dispatch *dispatch.Dispatcher
	events   *bus.Broadcaster
	metrics  *obs.Metrics

	mu       sync.Mutex
	sessions map[uint64]*session
	nextID   atomic.Uint64
	closed   atomic.Bool
}

// New builds the server. Run starts it.
func New(cfg Config, d *dispatch.Dispatcher, events *bus.Broadcaster, metrics *obs.Metrics) *Server {
	return &Server{
		cfg:      cfg.withDefaults(),
		dispatch: d,
		events:   events,
		metrics:  metrics,
		sessions: make(map[uint64]*session),
	}
}

// Run listens on the socket and serves until ctx is cancelled. It returns
// after every session has torn down.
func (s *Server) Run(ctx context.Context) error {
	ln, err := uds.NewServer(s.cfg.SocketPath)
	if err != nil {
		return err
	}
	if err := ln.Listen(); err != nil {
		return err
	}
	ln.CloseOnDone(ctx)
	logs.Infof("daemon listening on %s", ln.Path())

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logs.Warnf("accept failed: %v", err)
			continue
		}
		sess := newSession(s, s.nextID.Add(1), conn)
		s.track(sess)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.serve(ctx)
			s.untrack(sess.id)
		}()
	}

	s.closed.Store(true)
	s.closeAll()
	wg.Wait()
	logs.Info("daemon stopped")
	return nil
}

// SessionCount reports live sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) track(sess *session) {
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
}

func (s *Server) untrack(id uint64) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	s.metrics.SetSubscribers(s.events.SubscriberCount())
}

func (s *Server) closeAll() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.shutdown()
	}
}
