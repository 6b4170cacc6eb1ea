package server

import (
	"io"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/raphaelreyna/ez-httpd/pkg/cgi"
	"github.com/raphaelreyna/ez-httpd/pkg/queue"
	"github.com/raphaelreyna/ez-httpd/pkg/request"
	"github.com/raphaelreyna/ez-httpd/pkg/response"
)

// worker services one connection at a time, end to end. Everything it holds
// besides buf is shared read-only with the other workers.
type worker struct {
	queue   *queue.Queue
	root    string
	timeout time.Duration
	maxBody int64
	cgi     *cgi.Handler
	parser  *request.Parser
	framer  *response.Framer
	stats   *Stats
	log     zerolog.Logger

	buf []byte
}

// run takes connections until the queue is closed. Every connection is
// closed before the next one is taken.
func (w *worker) run() {
	for {
		c, ok := w.queue.Take()
		if !ok {
			return
		}
		w.serveConn(c)
		if err := c.Close(); err != nil {
			w.log.Debug().Err(err).Msg("close connection")
		}
	}
}

func (w *worker) serveConn(c net.Conn) {
	start := time.Now()
	log := w.log.With().Str("remote", addrString(c.RemoteAddr())).Logger()

	ready, err := awaitReadable(c, w.timeout)
	if err != nil {
		w.stats.pollErrors.Inc()
		log.Error().Err(err).Msg("poll error")
		return
	}
	if !ready {
		w.timedOut(c, log)
		return
	}

	n, err := c.Read(w.buf[:len(w.buf)-1])
	if err != nil {
		if isTimeout(err) {
			w.timedOut(c, log)
			return
		}
		// A peer that half-closed still gets an answer to whatever it sent,
		// 400 when that was nothing.
		if err != io.EOF {
			log.Debug().Err(err).Msg("read request")
			return
		}
	}

	status, method, uri := w.handle(c, w.buf[:n], log)
	log.Info().
		Str("method", method).
		Str("uri", uri).
		Int("status", status).
		Dur("elapsed", time.Since(start)).
		Msg("request")
}

func (w *worker) timedOut(c net.Conn, log zerolog.Logger) {
	w.stats.timeouts.Inc()
	log.Info().Dur("timeout", w.timeout).Msg("connection timed out")
	w.respondError(c, http.StatusRequestTimeout, log)
}

// handle parses data and routes the request. It returns the status sent, 0
// when the response came from a CGI program.
func (w *worker) handle(c net.Conn, data []byte, log zerolog.Logger) (int, string, string) {
	r, err := w.parser.Parse(data)
	if err != nil {
		log.Debug().Err(err).Msg("parse request")
		return w.respondError(c, http.StatusBadRequest, log), "", ""
	}

	switch r.Method {
	case "GET", "HEAD", "POST":
	default:
		return w.respondError(c, http.StatusNotImplemented, log), r.Method, r.URI
	}
	if r.Version != "HTTP/1.1" {
		return w.respondError(c, http.StatusHTTPVersionNotSupported, log), r.Method, r.URI
	}

	if r.Method == "POST" {
		if status := w.readBody(c, r, log); status != 0 {
			return w.respondError(c, status, log), r.Method, r.URI
		}
	}

	if w.cgi.Matches(r.URI) {
		w.stats.cgiRuns.Inc()
		status, err := w.cgi.Serve(c, r, c.RemoteAddr(), c.LocalAddr())
		if err != nil {
			log.Error().Err(err).Str("uri", r.URI).Msg("cgi")
		}
		if status != 0 {
			w.stats.status(status)
		}
		return status, r.Method, r.URI
	}

	status, err := w.serveStatic(c, r)
	w.stats.status(status)
	if err != nil {
		log.Debug().Err(err).Msg("write response")
	}
	return status, r.Method, r.URI
}

// readBody reads the part of a POST body that did not arrive with the request
// head. It returns a non-zero status when the body cannot be accepted.
func (w *worker) readBody(c net.Conn, r *request.Request, log zerolog.Logger) int {
	want := r.BodyLength()
	if want > w.maxBody {
		return http.StatusRequestEntityTooLarge
	}
	have := int64(len(r.Body))
	if have >= want {
		return 0
	}
	body := make([]byte, want)
	copy(body, r.Body)
	if _, err := io.ReadFull(c, body[have:]); err != nil {
		log.Debug().Err(err).Int64("want", want).Int64("have", have).Msg("read body")
		return http.StatusBadRequest
	}
	r.Body = body
	return 0
}

func (w *worker) respondError(c net.Conn, status int, log zerolog.Logger) int {
	w.stats.status(status)
	if err := w.framer.WriteError(c, status); err != nil {
		log.Debug().Err(err).Int("status", status).Msg("write response")
	}
	return status
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
