package cgi

import (
	"bufio"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"

	"github.com/raphaelreyna/ez-httpd/pkg/request"
	"github.com/raphaelreyna/ez-httpd/pkg/response"
)

// ErrOutputTooLarge is returned by the framing output handlers when the
// program writes more than Handler.MaxOutputBytes. Nothing has been sent to
// the client when it is returned.
var ErrOutputTooLarge = errors.New("cgi: output too large")

// ErrBadOutput is returned by the framing output handlers when the program's
// output cannot be framed. Nothing has been sent to the client when it is
// returned.
var ErrBadOutput = errors.New("cgi: bad program output")

// OutputHandler should read the CGI process' output from stdoutRead and write
// the response to the client connection w.
// By the time OutputHandler is called the process has been started; it is
// awaited right after OutputHandler returns.
// A non-nil error means the client could not be written to, or wraps
// ErrOutputTooLarge or ErrBadOutput; Serve answers 500 for the latter two.
type OutputHandler func(w io.Writer, r *request.Request, h *Handler, stdoutRead io.Reader) error

// RawOutputHandler relays the output of the process verbatim. The program is
// responsible for any status line and headers the client expects.
var RawOutputHandler OutputHandler = func(w io.Writer, r *request.Request, h *Handler, stdoutRead io.Reader) error {
	body := bufio.NewReaderSize(stdoutRead, 4096)
	if _, err := io.Copy(w, body); err != nil {
		return errors.Wrap(err, "cgi: copy")
	}
	return nil
}

// EZOutputHandlerReplacer scans the output of the process for headers which
// replace the default header values in Handler.Header.
// Stops scanning for headers after encountering the first non-header line;
// the rest of the output is sent as the response body.
var EZOutputHandlerReplacer OutputHandler = func(w io.Writer, r *request.Request, h *Handler, stdoutRead io.Reader) error {
	headers := h.defaultHeader()

	// readBytes holds the bytes read during header scan that aren't part of the header.
	// This data is put at the front of the response body.
	var readBytes []byte
	linebody := bufio.NewReaderSize(stdoutRead, 1024)
	statusCode := 0

	for {
		line, tooBig, err := linebody.ReadLine()
		if tooBig {
			readBytes = append(readBytes, line...)
			break
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(ErrBadOutput, err.Error())
		}
		if len(line) == 0 {
			break
		}

		parts := strings.SplitN(string(line), ":", 2)
		if len(parts) < 2 {
			// This line is not a header, add it to the head of the body and break
			readBytes = append(append(readBytes, line...), '\n')
			break
		}

		k := strings.TrimSpace(parts[0])
		v := strings.TrimSpace(parts[1])

		if k == "Status" {
			code, ok := h.parseStatus(v)
			if !ok {
				return errors.Wrapf(ErrBadOutput, "bogus status %q", v)
			}
			statusCode = code
			continue
		}
		headers.Set(k, v)
	}
	if statusCode == 0 {
		statusCode = http.StatusOK
	}

	return h.writeDocument(w, r, statusCode, headers, readBytes, linebody)
}

// DefaultOutputHandler *mostly* mimics the behavior of the net/http/cgi package
// in the Go standard library: the process must print a header block ending in
// a blank line, and either Content-Type or Location.
var DefaultOutputHandler OutputHandler = func(w io.Writer, r *request.Request, h *Handler, stdoutRead io.Reader) error {
	linebody := bufio.NewReaderSize(stdoutRead, 1024)
	headers := make(http.Header)
	statusCode := 0
	headerLines := 0
	sawBlankLine := false
	for {
		line, isPrefix, err := linebody.ReadLine()
		if isPrefix {
			return errors.Wrap(ErrBadOutput, "long header line")
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(ErrBadOutput, err.Error())
		}
		if len(line) == 0 {
			sawBlankLine = true
			break
		}
		headerLines++
		parts := strings.SplitN(string(line), ":", 2)
		if len(parts) < 2 {
			h.logger().Warn().Str("line", string(line)).Msg("cgi: bogus header line")
			continue
		}
		header, val := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		if header == "Status" {
			code, ok := h.parseStatus(val)
			if !ok {
				return errors.Wrapf(ErrBadOutput, "bogus status %q", val)
			}
			statusCode = code
			continue
		}
		headers.Add(header, val)
	}
	if headerLines == 0 || !sawBlankLine {
		return errors.Wrap(ErrBadOutput, "no headers")
	}

	if loc := headers.Get("Location"); loc != "" {
		if statusCode == 0 {
			statusCode = http.StatusFound
		}
	}

	if statusCode == 0 && headers.Get("Content-Type") == "" {
		return errors.Wrap(ErrBadOutput, "missing required Content-Type in headers")
	}

	if statusCode == 0 {
		statusCode = http.StatusOK
	}

	return h.writeDocument(w, r, statusCode, headers, nil, linebody)
}

func (h *Handler) parseStatus(v string) (int, bool) {
	if len(v) < 3 {
		return 0, false
	}
	code, err := strconv.Atoi(v[0:3])
	if err != nil {
		return 0, false
	}
	return code, true
}

func (h *Handler) defaultHeader() http.Header {
	if h.Header == nil {
		return http.Header{"Content-Type": []string{"text/plain"}}
	}
	return h.Header.Clone()
}

// writeDocument buffers the rest of the output so the response can carry an
// exact Content-Length, then frames it. At most MaxOutputBytes are buffered.
func (h *Handler) writeDocument(w io.Writer, r *request.Request, status int, headers http.Header, head []byte, rest io.Reader) error {
	body := bytebufferpool.Get()
	defer bytebufferpool.Put(body)

	limit := h.maxOutput()
	body.B = append(body.B, head...)
	if _, err := body.ReadFrom(io.LimitReader(rest, limit+1-int64(len(head)))); err != nil {
		return errors.Wrap(ErrBadOutput, err.Error())
	}
	if int64(body.Len()) > limit {
		return errors.Wrapf(ErrOutputTooLarge, "more than %d bytes", limit)
	}

	contentType := headers.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var extra []response.Field
	for _, k := range keys {
		switch k {
		case "Content-Type", "Content-Length", "Connection", "Date", "Server":
			continue
		}
		for _, v := range headers[k] {
			extra = append(extra, response.Field{Name: k, Value: v})
		}
	}

	if r.Method == "HEAD" {
		return h.framer().WriteHeader(w, status, contentType, int64(body.Len()), extra...)
	}
	return h.framer().Write(w, status, contentType, body.B, extra...)
}
