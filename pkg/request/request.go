package request

import (
	"strconv"
	"strings"
)

// Header is a single request header line. Names keep the case the client sent.
type Header struct {
	Name  string
	Value string
}

// Request is a parsed HTTP request head plus whatever body arrived with it.
// A Request is only ever produced whole; Parse never returns a partial one.
type Request struct {
	Method  string
	URI     string
	Version string

	// Headers holds every header line in the order received, duplicates included.
	Headers []Header

	QueryString   string
	ContentLength string
	ContentType   string

	// Body is only set for POST requests. It may be shorter than
	// ContentLength when the body was split across reads.
	Body []byte
}

// Header returns the value of the first header matching name, ignoring case.
func (r *Request) Header(name string) string {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// BodyLength returns the declared Content-Length, or 0 if none was sent.
func (r *Request) BodyLength() int64 {
	if r.ContentLength == "" {
		return 0
	}
	n, err := strconv.ParseInt(r.ContentLength, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Path returns the URI without its query string.
func (r *Request) Path() string {
	if i := strings.IndexByte(r.URI, '?'); i >= 0 {
		return r.URI[:i]
	}
	return r.URI
}
