package request

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"
)

// DefaultMaxHeaderBytes bounds the header block when Parser.MaxHeaderBytes is unset.
const DefaultMaxHeaderBytes = 8192

// ErrMalformed is returned for every parse failure. The wrapped cause is only
// meant for logs; callers should test with errors.Is.
var ErrMalformed = errors.New("malformed request")

type scanState uint8

const (
	stateStart scanState = iota
	stateCR
	stateCRLF
	stateCRLFCR
	stateCRLFCRLF
)

// Parser turns one read's worth of bytes into a Request.
// The zero value is ready to use.
type Parser struct {
	// MaxHeaderBytes is the capacity of the working buffer the header block
	// is copied into. A header block that does not fit is rejected.
	MaxHeaderBytes int
}

// Parse parses buf, which must hold the complete header block. Parse does not
// read more data on its own; an unterminated header block is an error.
func (p *Parser) Parse(buf []byte) (*Request, error) {
	limit := p.MaxHeaderBytes
	if limit <= 0 {
		limit = DefaultMaxHeaderBytes
	}

	work := bytebufferpool.Get()
	defer bytebufferpool.Put(work)

	consumed, err := scanHeaderBlock(buf, work, limit)
	if err != nil {
		return nil, err
	}

	req, err := parseHeaderBlock(string(work.B))
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}

	if req.Method == "POST" && req.ContentLength != "" {
		body := buf[consumed:]
		if n := req.BodyLength(); int64(len(body)) > n {
			body = body[:n]
		}
		req.Body = append([]byte(nil), body...)
	}
	return req, nil
}

// scanHeaderBlock copies buf into work up to and including the first empty
// line and returns the number of bytes consumed.
func scanHeaderBlock(buf []byte, work *bytebufferpool.ByteBuffer, limit int) (int, error) {
	state := stateStart
	i := 0
	for state != stateCRLFCRLF {
		if i == len(buf) {
			return 0, errors.Wrap(ErrMalformed, "header block not terminated")
		}
		ch := buf[i]
		i++

		if work.Len() >= limit-1 {
			return 0, errors.Wrapf(ErrMalformed, "header block exceeds %d bytes", limit)
		}
		work.B = append(work.B, ch)

		var expected byte
		switch state {
		case stateStart, stateCRLF:
			expected = '\r'
		case stateCR, stateCRLFCR:
			expected = '\n'
		}
		if ch == expected {
			state++
		} else {
			state = stateStart
		}
	}
	return i, nil
}

func parseHeaderBlock(block string) (*Request, error) {
	block = strings.TrimSuffix(block, "\r\n\r\n")
	lines := strings.Split(block, "\r\n")

	method, uri, version, err := parseRequestLine(lines[0])
	if err != nil {
		return nil, err
	}
	req := &Request{
		Method:  method,
		URI:     uri,
		Version: version,
	}
	if i := strings.IndexByte(uri, '?'); i >= 0 {
		req.QueryString = uri[i+1:]
	}

	for _, line := range lines[1:] {
		name, value, err := parseHeaderLine(line)
		if err != nil {
			return nil, err
		}
		req.Headers = append(req.Headers, Header{Name: name, Value: value})
	}

	req.ContentType = req.Header("Content-Type")
	if cl := req.Header("Content-Length"); cl != "" {
		if _, err := strconv.ParseUint(cl, 10, 63); err != nil {
			return nil, errors.Errorf("bad Content-Length %q", cl)
		}
		req.ContentLength = cl
	}
	return req, nil
}

func parseRequestLine(line string) (method, uri, version string, err error) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return "", "", "", errors.Errorf("bad request line %q", line)
	}
	method, uri, version = parts[0], parts[1], parts[2]
	if !isToken(method) {
		return "", "", "", errors.Errorf("bad method %q", method)
	}
	if uri == "" || strings.ContainsAny(uri, "\t\r\n") {
		return "", "", "", errors.Errorf("bad uri %q", uri)
	}
	if !isVersion(version) {
		return "", "", "", errors.Errorf("bad version %q", version)
	}
	return method, uri, version, nil
}

func parseHeaderLine(line string) (string, string, error) {
	colon := strings.IndexByte(line, ':')
	if colon <= 0 {
		return "", "", errors.Errorf("bad header line %q", line)
	}
	name := line[:colon]
	if !isToken(name) {
		return "", "", errors.Errorf("bad header name %q", name)
	}
	value := strings.Trim(line[colon+1:], " \t")
	if strings.ContainsAny(value, "\r\n") {
		return "", "", errors.Errorf("bad header value for %s", name)
	}
	return name, value, nil
}

// isVersion matches HTTP/<digit>.<digit>.
func isVersion(s string) bool {
	if len(s) != len("HTTP/1.1") || !strings.HasPrefix(s, "HTTP/") {
		return false
	}
	return isDigit(s[5]) && s[6] == '.' && isDigit(s[7])
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isTokenChar(s[i]) {
			return false
		}
	}
	return true
}

func isTokenChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', isDigit(c):
		return true
	}
	return strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0
}
