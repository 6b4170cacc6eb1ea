// Package response frames the HTTP/1.1 responses written back to clients.
// Every response closes the connection, so each one carries an exact
// Content-Length.
package response

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/valyala/bytebufferpool"
	"github.com/valyala/fasthttp"
)

// DefaultServer is used for the Server header when Framer.Server is empty.
const DefaultServer = "ez-httpd/1.0 (Unix)"

// Field is an extra header line written after the fixed ones.
type Field struct {
	Name  string
	Value string
}

// Framer writes status line and headers. The zero value is usable.
type Framer struct {
	// Server is the value of the Server header.
	Server string

	// Now is used for the Date header; defaults to time.Now.
	Now func() time.Time
}

// WriteHeader writes the status line and header block for a response whose
// body is contentLength bytes long.
func (f *Framer) WriteHeader(w io.Writer, status int, contentType string, contentLength int64, extra ...Field) error {
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	server := f.Server
	if server == "" {
		server = DefaultServer
	}

	b := bytebufferpool.Get()
	defer bytebufferpool.Put(b)

	b.B = append(b.B, "HTTP/1.1 "...)
	b.B = strconv.AppendInt(b.B, int64(status), 10)
	b.B = append(b.B, ' ')
	b.B = append(b.B, fasthttp.StatusMessage(status)...)
	b.B = append(b.B, "\r\nDate: "...)
	b.B = fasthttp.AppendHTTPDate(b.B, now())
	b.B = append(b.B, "\r\nServer: "...)
	b.B = append(b.B, server...)
	b.B = append(b.B, "\r\nConnection: close\r\nContent-Type: "...)
	b.B = append(b.B, contentType...)
	b.B = append(b.B, "\r\nContent-Length: "...)
	b.B = strconv.AppendInt(b.B, contentLength, 10)
	b.B = append(b.B, "\r\n"...)
	for _, fl := range extra {
		b.B = append(b.B, fl.Name...)
		b.B = append(b.B, ": "...)
		b.B = append(b.B, fl.Value...)
		b.B = append(b.B, "\r\n"...)
	}
	b.B = append(b.B, "\r\n"...)

	_, err := w.Write(b.B)
	return err
}

// Write writes a complete response with body.
func (f *Framer) Write(w io.Writer, status int, contentType string, body []byte, extra ...Field) error {
	if err := f.WriteHeader(w, status, contentType, int64(len(body)), extra...); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	_, err := w.Write(body)
	return err
}

// WriteError writes a short text/html response describing status.
func (f *Framer) WriteError(w io.Writer, status int) error {
	return f.Write(w, status, "text/html", ErrorBody(status))
}

// ErrorBody returns the HTML body used for error responses.
func ErrorBody(status int) []byte {
	return []byte(fmt.Sprintf("<h1>%d %s</h1>", status, fasthttp.StatusMessage(status)))
}
