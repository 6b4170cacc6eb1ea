// Package server implements the connection acceptor and the fixed worker
// pool that answers static file and CGI requests.
package server

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/valyala/tcplisten"

	"github.com/raphaelreyna/ez-httpd/pkg/queue"
	"github.com/raphaelreyna/ez-httpd/pkg/request"
	"github.com/raphaelreyna/ez-httpd/pkg/response"
)

// Server accepts connections onto a bounded queue and serves them from a
// fixed set of workers.
type Server struct {
	cfg    Config
	queue  *queue.Queue
	framer *response.Framer
	parser *request.Parser
	stats  *Stats
	log    *zerolog.Logger

	mu       sync.Mutex
	ln       net.Listener
	started  bool
	closed   atomic.Bool
	wg       sync.WaitGroup
	acceptWg sync.WaitGroup
}

// New validates cfg and builds a Server. Nothing is started until Serve.
func New(cfg Config) (*Server, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	framer := &response.Framer{Server: cfg.Name}
	h := *cfg.CGI
	if h.Framer == nil {
		h.Framer = framer
	}
	if h.Logger == nil {
		h.Logger = cfg.Logger
	}
	cfg.CGI = &h

	return &Server{
		cfg:    cfg,
		queue:  queue.New(cfg.QueueCapacity),
		framer: framer,
		parser: &request.Parser{MaxHeaderBytes: cfg.MaxHeaderBytes},
		stats:  newStats(),
		log:    cfg.Logger,
	}, nil
}

// Listen opens the IPv4 listening socket on the configured port.
func (s *Server) Listen() (net.Listener, error) {
	lc := tcplisten.Config{Backlog: MaxBacklog}
	ln, err := lc.NewListener("tcp4", ":"+strconv.Itoa(s.cfg.Port))
	if err != nil {
		return nil, errors.Wrapf(err, "listen on port %d", s.cfg.Port)
	}
	return ln, nil
}

// ListenAndServe listens on the configured port and calls Serve.
func (s *Server) ListenAndServe() error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve starts the workers and accepts connections from ln until Close is
// called. Serve takes ownership of ln.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		ln.Close()
		return errors.New("server already started")
	}
	if s.closed.Load() {
		s.mu.Unlock()
		ln.Close()
		return errors.New("server closed")
	}
	s.started = true
	s.ln = ln
	s.acceptWg.Add(1)
	s.mu.Unlock()
	defer s.acceptWg.Done()

	s.startWorkers()
	s.log.Info().
		Str("addr", ln.Addr().String()).
		Int("workers", s.cfg.Workers).
		Int("queue", s.cfg.QueueCapacity).
		Msg("server is listening")

	return s.accept(ln)
}

func (s *Server) startWorkers() {
	for i := 0; i < s.cfg.Workers; i++ {
		w := &worker{
			queue:   s.queue,
			root:    s.cfg.Root,
			timeout: s.cfg.Timeout,
			maxBody: s.cfg.MaxBodyBytes,
			cgi:     s.cfg.CGI,
			parser:  s.parser,
			framer:  s.framer,
			stats:   s.stats,
			log:     s.log.With().Int("worker", i).Logger(),
			buf:     make([]byte, BufferSize),
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			w.run()
		}()
	}
}

// accept feeds accepted connections into the queue. A connection that finds
// the queue full is closed unanswered.
func (s *Server) accept(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Error().Err(err).Msg("accept")
			continue
		}
		s.stats.accepted.Inc()

		if !s.queue.Enqueue(c) {
			s.stats.dropped.Inc()
			s.log.Warn().
				Str("remote", addrString(c.RemoteAddr())).
				Int("capacity", s.queue.Cap()).
				Msg("queue full, dropping connection")
			c.Close()
		}
	}
}

// Close stops accepting, lets the workers finish what is queued and waits
// for them. Requests in progress are not interrupted.
func (s *Server) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.acceptWg.Wait()
	s.queue.Close()
	s.wg.Wait()
	return err
}

// Stats returns a snapshot of the server counters.
func (s *Server) Stats() Snapshot {
	return s.stats.snapshot()
}
