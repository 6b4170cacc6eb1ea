// Package cgi runs CGI/1.1 programs for requests routed to the CGI prefix
// and relays their output to the client connection.
package cgi

import (
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/raphaelreyna/ez-httpd/pkg/request"
	"github.com/raphaelreyna/ez-httpd/pkg/response"
)

const (
	// DefaultMarker is the URI prefix routed to CGI programs.
	DefaultMarker = "/cgi/"

	// DefaultMaxOutputBytes bounds the output the framing handlers buffer.
	DefaultMaxOutputBytes = 16 << 20
)

// Handler runs an executable in a subprocess with a CGI/1.1 environment.
// A Handler is shared by every worker and must not be modified once serving.
type Handler struct {
	// Path is prepended to the part of the URI after Marker to locate the program.
	Path   string
	Marker string

	Name string // value to use for SERVER_SOFTWARE env var

	// Dir is the working directory of the program; empty means the server's.
	Dir string

	// Env holds extra KEY=VALUE pairs added on top of the inherited environment.
	Env    []string
	Logger *zerolog.Logger
	Stderr io.Writer

	// Header contains header values used by the framing output handlers.
	// If the program writes a header thats already in Header, it is replaced.
	Header http.Header

	// OutputHandler relays the program's stdout to the client. Nil means RawOutputHandler.
	OutputHandler OutputHandler

	// MaxOutputBytes caps the output EZOutputHandlerReplacer and
	// DefaultOutputHandler buffer before framing. Zero means DefaultMaxOutputBytes.
	MaxOutputBytes int64

	Framer *response.Framer
}

// Matches reports whether uri is routed to the CGI gateway.
func (h *Handler) Matches(uri string) bool {
	return strings.HasPrefix(uri, h.marker())
}

// ScriptPath splits uri into the program location and the query string.
// ok is false when the path after Marker climbs out of Path.
func (h *Handler) ScriptPath(uri string) (script, query string, ok bool) {
	rest := strings.TrimPrefix(uri, h.marker())
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		rest, query = rest[:i], rest[i+1:]
	}
	rest = strings.TrimLeft(rest, "/")
	if rest == "" {
		return h.Path, query, true
	}
	rest = path.Clean(rest)
	if rest == ".." || strings.HasPrefix(rest, "../") {
		return "", query, false
	}
	if rest == "." {
		rest = ""
	}
	return h.Path + rest, query, true
}

// Serve runs the program for r and streams its output to w. remote and local
// are the client connection's addresses.
//
// Serve answers 404 itself when the URI leaves Path, and 500 when the program
// cannot be started or its output cannot be framed; it returns that status. It returns 0 when the response came from the program. The returned
// error is for logging only.
func (h *Handler) Serve(w io.Writer, r *request.Request, remote, local net.Addr) (int, error) {
	scriptName, query, ok := h.ScriptPath(r.URI)
	if !ok {
		h.logger().Warn().Str("uri", r.URI).Msg("cgi: path escapes program directory")
		return http.StatusNotFound, h.framer().WriteError(w, http.StatusNotFound)
	}
	h.logger().Debug().Str("script", scriptName).Msg("cgi: script path")

	env := h.environment(r, scriptName, query, remote, local)

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return h.internalError(w, errors.Wrap(err, "cgi: stdin pipe"))
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return h.internalError(w, errors.Wrap(err, "cgi: stdout pipe"))
	}

	program := scriptName
	if h.Dir != "" && !filepath.IsAbs(program) {
		if abs, err := filepath.Abs(program); err == nil {
			program = abs
		}
	}

	stderr := h.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	cmd := &exec.Cmd{
		Path:   program,
		Args:   []string{filepath.Base(scriptName)},
		Dir:    h.Dir,
		Env:    env,
		Stdin:  stdinR,
		Stdout: stdoutW,
		Stderr: stderr,
	}
	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return h.internalError(w, errors.Wrapf(err, "cgi: start %s", scriptName))
	}
	// The child holds its own copies now.
	stdinR.Close()
	stdoutW.Close()

	// The body is fed from its own goroutine so a program that writes before
	// draining stdin cannot stall against a full stdout pipe.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer stdinW.Close()
		if r.Method != "POST" || len(r.Body) == 0 {
			return
		}
		if _, err := stdinW.Write(r.Body); err != nil {
			h.logger().Debug().Err(err).Str("script", scriptName).Msg("cgi: write body")
		}
	}()

	output := h.OutputHandler
	if output == nil {
		output = RawOutputHandler
	}
	relayErr := output(w, r, h, stdoutR)
	if relayErr != nil {
		// Unblock a program still writing to a client that went away or
		// producing more than can be buffered.
		cmd.Process.Kill()
	}
	// Drain whatever the output handler left so the program can exit.
	io.Copy(io.Discard, stdoutR)
	stdoutR.Close()

	wg.Wait()
	if err := cmd.Wait(); err != nil {
		h.logger().Debug().Err(err).Str("script", scriptName).Msg("cgi: program exited")
	}
	if errors.Is(relayErr, ErrOutputTooLarge) || errors.Is(relayErr, ErrBadOutput) {
		return h.internalError(w, errors.Wrap(relayErr, scriptName))
	}
	return 0, relayErr
}

func (h *Handler) internalError(w io.Writer, err error) (int, error) {
	h.logger().Error().Err(err).Msg("CGI error")
	if werr := h.framer().WriteError(w, http.StatusInternalServerError); werr != nil {
		h.logger().Debug().Err(werr).Msg("cgi: write 500")
	}
	return http.StatusInternalServerError, err
}

func (h *Handler) maxOutput() int64 {
	if h.MaxOutputBytes <= 0 {
		return DefaultMaxOutputBytes
	}
	return h.MaxOutputBytes
}

func (h *Handler) marker() string {
	if h.Marker == "" {
		return DefaultMarker
	}
	return h.Marker
}

func (h *Handler) framer() *response.Framer {
	if h.Framer == nil {
		return &response.Framer{Server: h.Name}
	}
	return h.Framer
}

var nopLogger = zerolog.Nop()

func (h *Handler) logger() *zerolog.Logger {
	if h.Logger == nil {
		return &nopLogger
	}
	return h.Logger
}
