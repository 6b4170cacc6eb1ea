package server

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gookit/goutil/testutil/assert"
	"github.com/valyala/fasthttp/fasthttputil"
	"github.com/xyproto/randomstring"

	"github.com/raphaelreyna/ez-httpd/pkg/cgi"
)

type fixture struct {
	root   string
	cgiDir string
	srv    *Server
	addr   string
	ln     *fasthttputil.InmemoryListener
}

func newFixture(t *testing.T, cfg Config, inmemory bool) *fixture {
	t.Helper()
	f := &fixture{root: t.TempDir(), cgiDir: t.TempDir() + "/"}

	writeFile(t, filepath.Join(f.cgiDir, "echo.sh"), "#!/bin/sh\necho \"$CONTENT_LENGTH\"\ncat\n", 0o755)

	cfg.Root = f.root
	cfg.CGI = &cgi.Handler{Path: f.cgiDir}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	srv, err := New(cfg)
	assert.NoErr(t, err)
	f.srv = srv

	var ln net.Listener
	if inmemory {
		f.ln = fasthttputil.NewInmemoryListener()
		ln = f.ln
	} else {
		ln, err = net.Listen("tcp4", "127.0.0.1:0")
		assert.NoErr(t, err)
		f.addr = ln.Addr().String()
	}

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()
	t.Cleanup(func() {
		srv.Close()
		assert.NoErr(t, <-done)
	})
	return f
}

func writeFile(t *testing.T, name, body string, perm os.FileMode) {
	t.Helper()
	assert.NoErr(t, os.MkdirAll(filepath.Dir(name), 0o755))
	assert.NoErr(t, os.WriteFile(name, []byte(body), perm))
}

func (f *fixture) dial(t *testing.T) net.Conn {
	t.Helper()
	var (
		c   net.Conn
		err error
	)
	if f.ln != nil {
		c, err = f.ln.Dial()
	} else {
		c, err = net.Dial("tcp4", f.addr)
	}
	assert.NoErr(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// roundTrip sends raw and returns the parsed response and its body. It also
// checks the server closed the connection after the response.
func (f *fixture) roundTrip(t *testing.T, raw string) (*http.Response, string) {
	t.Helper()
	c := f.dial(t)
	_, err := io.WriteString(c, raw)
	assert.NoErr(t, err)
	return readResponse(t, c, raw)
}

func readResponse(t *testing.T, c net.Conn, raw string) (*http.Response, string) {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	br := bufio.NewReader(c)
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	if len(raw) >= 4 && raw[:4] == "HEAD" {
		req.Method = http.MethodHead
	}
	resp, err := http.ReadResponse(br, req)
	assert.NoErr(t, err)
	body, err := io.ReadAll(resp.Body)
	assert.NoErr(t, err)

	rest, err := io.ReadAll(br)
	assert.NoErr(t, err)
	assert.Eq(t, "", string(rest))
	return resp, string(body)
}

func TestStaticRoundTrip(t *testing.T) {
	for _, inmemory := range []bool{false, true} {
		t.Run("inmemory="+strconv.FormatBool(inmemory), func(t *testing.T) {
			f := newFixture(t, Config{}, inmemory)

			content := randomstring.HumanFriendlyString(20000)
			writeFile(t, filepath.Join(f.root, "docs", "page.html"), content, 0o644)

			resp, body := f.roundTrip(t, "GET /docs/page.html HTTP/1.1\r\nHost: localhost\r\n\r\n")
			assert.Eq(t, http.StatusOK, resp.StatusCode)
			assert.Eq(t, content, body)
			assert.Eq(t, int64(len(content)), resp.ContentLength)
			assert.Eq(t, "text/html", resp.Header.Get("Content-Type"))
			assert.Eq(t, "close", resp.Header.Get("Connection"))
			assert.NotEmpty(t, resp.Header.Get("Date"))
			assert.NotEmpty(t, resp.Header.Get("Server"))
		})
	}
}

func TestStaticVariants(t *testing.T) {
	f := newFixture(t, Config{Name: "unit/1.0"}, false)
	writeFile(t, filepath.Join(f.root, "index.html"), "<p>home</p>", 0o644)
	writeFile(t, filepath.Join(f.root, "img.png"), "PNG", 0o644)
	writeFile(t, filepath.Join(filepath.Dir(f.root), "secret.txt"), "secret", 0o644)

	resp, body := f.roundTrip(t, "GET / HTTP/1.1\r\n\r\n")
	assert.Eq(t, http.StatusOK, resp.StatusCode)
	assert.Eq(t, "<p>home</p>", body)
	assert.Eq(t, "unit/1.0", resp.Header.Get("Server"))

	resp, body = f.roundTrip(t, "GET /img.png?v=2 HTTP/1.1\r\n\r\n")
	assert.Eq(t, http.StatusOK, resp.StatusCode)
	assert.Eq(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Eq(t, "PNG", body)

	resp, body = f.roundTrip(t, "HEAD /img.png HTTP/1.1\r\n\r\n")
	assert.Eq(t, http.StatusOK, resp.StatusCode)
	assert.Eq(t, int64(3), resp.ContentLength)
	assert.Eq(t, "", body)

	resp, _ = f.roundTrip(t, "GET /../secret.txt HTTP/1.1\r\n\r\n")
	assert.Eq(t, http.StatusNotFound, resp.StatusCode)
}

func TestErrorResponses(t *testing.T) {
	tt := []struct {
		Name   string
		Raw    string
		Status int
	}{
		{"Missing file", "GET /nope.html HTTP/1.1\r\n\r\n", http.StatusNotFound},
		{"PUT", "PUT /file HTTP/1.1\r\n\r\n", http.StatusNotImplemented},
		{"DELETE", "DELETE /file HTTP/1.1\r\n\r\n", http.StatusNotImplemented},
		{"HTTP/1.0", "GET / HTTP/1.0\r\n\r\n", http.StatusHTTPVersionNotSupported},
		{"Garbage", "hello there\r\n\r\n", http.StatusBadRequest},
		{"Unterminated", "GET / HTTP/1.1\r\nHost: x\r\n", http.StatusBadRequest},
		{"Body too large", "POST /cgi/echo.sh HTTP/1.1\r\nContent-Length: 2048\r\n\r\n", http.StatusRequestEntityTooLarge},
	}

	f := newFixture(t, Config{MaxBodyBytes: 1024}, false)
	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			resp, body := f.roundTrip(t, tc.Raw)
			assert.Eq(t, tc.Status, resp.StatusCode)
			assert.Eq(t, "text/html", resp.Header.Get("Content-Type"))
			assert.Eq(t, "<h1>"+resp.Status+"</h1>", body)
		})
	}

	snap := f.srv.Stats()
	assert.Eq(t, int64(1), snap.Responses[http.StatusNotFound])
	assert.Eq(t, int64(2), snap.Responses[http.StatusNotImplemented])
	assert.Eq(t, int64(2), snap.Responses[http.StatusBadRequest])
}

func TestRequestTimeout(t *testing.T) {
	for _, inmemory := range []bool{false, true} {
		t.Run("inmemory="+strconv.FormatBool(inmemory), func(t *testing.T) {
			f := newFixture(t, Config{Timeout: 100 * time.Millisecond}, inmemory)

			c := f.dial(t)
			start := time.Now()
			resp, body := readResponse(t, c, "")
			assert.Eq(t, http.StatusRequestTimeout, resp.StatusCode)
			assert.Eq(t, "<h1>408 Request Timeout</h1>", body)
			assert.True(t, time.Since(start) >= 100*time.Millisecond)
			assert.Eq(t, int64(1), f.srv.Stats().Timeouts)
		})
	}
}

func TestCGIPost(t *testing.T) {
	f := newFixture(t, Config{}, false)

	c := f.dial(t)
	_, err := io.WriteString(c, "POST /cgi/echo.sh HTTP/1.1\r\nContent-Type: application/x-www-form-urlencoded\r\nContent-Length: 3\r\n\r\na=1")
	assert.NoErr(t, err)

	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	out, err := io.ReadAll(c)
	assert.NoErr(t, err)
	assert.StrContains(t, string(out), "3")
	assert.StrContains(t, string(out), "a=1")
	assert.Eq(t, int64(1), f.srv.Stats().CGIRuns)
}

func TestCGIPostSplitBody(t *testing.T) {
	f := newFixture(t, Config{}, false)

	body := randomstring.HumanFriendlyString(30000)
	c := f.dial(t)
	_, err := io.WriteString(c, "POST /cgi/echo.sh HTTP/1.1\r\nContent-Length: 30000\r\n\r\n")
	assert.NoErr(t, err)
	time.Sleep(50 * time.Millisecond)
	_, err = io.WriteString(c, body)
	assert.NoErr(t, err)

	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	out, err := io.ReadAll(c)
	assert.NoErr(t, err)
	assert.Eq(t, "30000\n"+body, string(out))
}

func TestCGIMissingProgram(t *testing.T) {
	f := newFixture(t, Config{}, false)

	resp, _ := f.roundTrip(t, "GET /cgi/missing.sh HTTP/1.1\r\n\r\n")
	assert.Eq(t, http.StatusInternalServerError, resp.StatusCode)

	snap := f.srv.Stats()
	assert.Eq(t, int64(1), snap.CGIRuns)
	assert.Eq(t, int64(1), snap.Responses[http.StatusInternalServerError])
}

func TestCGIPathEscape(t *testing.T) {
	f := newFixture(t, Config{}, false)

	tt := []string{
		"POST /cgi/../../../../../../bin/sh HTTP/1.1\r\nContent-Length: 19\r\n\r\necho PWNED-$((6*7))",
		"GET /cgi/../../../../../../bin/echo HTTP/1.1\r\n\r\n",
		"GET /cgi/x/../../echo.sh HTTP/1.1\r\n\r\n",
	}
	for _, raw := range tt {
		resp, body := f.roundTrip(t, raw)
		assert.Eq(t, http.StatusNotFound, resp.StatusCode)
		assert.Eq(t, "<h1>404 Not Found</h1>", body)
	}
	assert.Eq(t, int64(3), f.srv.Stats().Responses[http.StatusNotFound])

	// Cleaned paths that stay inside the program directory still run.
	c := f.dial(t)
	_, err := io.WriteString(c, "POST /cgi/x/../echo.sh HTTP/1.1\r\nContent-Length: 3\r\n\r\na=1")
	assert.NoErr(t, err)
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	out, err := io.ReadAll(c)
	assert.NoErr(t, err)
	assert.Eq(t, "3\na=1", string(out))
}

func TestEmptyRequest(t *testing.T) {
	f := newFixture(t, Config{}, false)

	c := f.dial(t)
	assert.NoErr(t, c.(*net.TCPConn).CloseWrite())
	resp, body := readResponse(t, c, "")
	assert.Eq(t, http.StatusBadRequest, resp.StatusCode)
	assert.Eq(t, "<h1>400 Bad Request</h1>", body)
	assert.Eq(t, int64(1), f.srv.Stats().Responses[http.StatusBadRequest])
}

func TestConcurrentClients(t *testing.T) {
	f := newFixture(t, Config{Workers: 3}, false)
	writeFile(t, filepath.Join(f.root, "a.css"), "body{}", 0o644)

	const clients = 20
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		go func() {
			c, err := net.Dial("tcp4", f.addr)
			if err != nil {
				errs <- err
				return
			}
			defer c.Close()
			io.WriteString(c, "GET /a.css HTTP/1.1\r\n\r\n")
			resp, err := http.ReadResponse(bufio.NewReader(c), nil)
			if err != nil {
				errs <- err
				return
			}
			if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "text/css" {
				errs <- io.ErrUnexpectedEOF
				return
			}
			errs <- nil
		}()
	}
	for i := 0; i < clients; i++ {
		assert.NoErr(t, <-errs)
	}
}

func TestAcceptDropsWhenQueueFull(t *testing.T) {
	srv, err := New(Config{
		Root:          t.TempDir(),
		CGI:           &cgi.Handler{Path: "/nonexistent/"},
		QueueCapacity: 1,
	})
	assert.NoErr(t, err)

	// No workers: the acceptor alone fills the queue.
	ln := fasthttputil.NewInmemoryListener()
	done := make(chan error, 1)
	go func() { done <- srv.accept(ln) }()

	var clients []net.Conn
	for i := 0; i < 3; i++ {
		c, err := ln.Dial()
		assert.NoErr(t, err)
		clients = append(clients, c)
	}

	deadline := time.Now().Add(2 * time.Second)
	for srv.Stats().Dropped < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	snap := srv.Stats()
	assert.Eq(t, int64(3), snap.Accepted)
	assert.Eq(t, int64(2), snap.Dropped)
	assert.Eq(t, 1, srv.queue.Len())

	// Dropped connections are closed, not leaked.
	for _, c := range clients[1:] {
		c.SetReadDeadline(time.Now().Add(time.Second))
		n, err := c.Read(make([]byte, 1))
		assert.Eq(t, 0, n)
		assert.Eq(t, io.EOF, err)
	}

	srv.closed.Store(true)
	ln.Close()
	assert.NoErr(t, <-done)
	for _, c := range clients {
		c.Close()
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{CGI: &cgi.Handler{Path: "/x/"}})
	assert.Err(t, err)

	_, err = New(Config{Root: t.TempDir()})
	assert.Err(t, err)

	_, err = New(Config{Root: filepath.Join(t.TempDir(), "missing"), CGI: &cgi.Handler{Path: "/x/"}})
	assert.Err(t, err)

	srv, err := New(Config{Root: t.TempDir(), CGI: &cgi.Handler{Path: "/x/"}})
	assert.NoErr(t, err)
	assert.Eq(t, DefaultWorkers, srv.cfg.Workers)
	assert.Eq(t, DefaultQueueCapacity, srv.queue.Cap())
	assert.Eq(t, DefaultTimeout, srv.cfg.Timeout)
	assert.Eq(t, DefaultPort, srv.cfg.Port)
}

func TestContentType(t *testing.T) {
	tt := map[string]string{
		"a.html":     "text/html",
		"a.htm":      "text/html",
		"a.jpg":      "image/jpeg",
		"a.jpeg":     "image/jpeg",
		"a.css":      "text/css",
		"a.js":       "application/javascript",
		"a.png":      "image/png",
		"a.gif":      "image/gif",
		"a.txt":      "text/plain",
		"Makefile":   "text/plain",
		"dir.d/file": "text/plain",
	}
	for name, want := range tt {
		assert.Eq(t, want, ContentType(name), name)
	}
}
