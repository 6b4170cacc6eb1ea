package cgi

import (
	"net"
	"os"
	"strings"

	"github.com/raphaelreyna/ez-httpd/pkg/request"
)

// forwardedHeaders lists the request headers exported as HTTP_* variables.
var forwardedHeaders = []string{
	"Accept",
	"Referer",
	"Accept-Encoding",
	"Accept-Language",
	"Accept-Charset",
	"Host",
	"Cookie",
	"User-Agent",
	"Connection",
}

func (h *Handler) environment(r *request.Request, scriptName, query string, remote, local net.Addr) []string {
	name := h.Name
	if name == "" {
		name = "ez-httpd/1.0"
	}

	env := append(os.Environ(), h.Env...)
	env = append(env,
		"GATEWAY_INTERFACE=CGI/1.1",
		"REQUEST_METHOD="+r.Method,
		"QUERY_STRING="+query,
		"CONTENT_LENGTH="+r.ContentLength,
		"CONTENT_TYPE="+r.ContentType,
		"REMOTE_ADDR="+hostOf(remote),
		"REQUEST_URI="+r.URI,
		"SERVER_PORT="+portOf(local),
		"SERVER_PROTOCOL=HTTP/1.1",
		"SERVER_SOFTWARE="+name,
		"SCRIPT_NAME="+scriptName,
		"PATH_INFO=",
	)

	for _, hdr := range r.Headers {
		for _, fwd := range forwardedHeaders {
			if strings.EqualFold(hdr.Name, fwd) {
				env = append(env, "HTTP_"+strings.Map(upperCaseAndUnderscore, fwd)+"="+hdr.Value)
				break
			}
		}
	}

	return removeLeadingDuplicates(env)
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr.String()); err == nil {
		return host
	}
	return addr.String()
}

func portOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if _, port, err := net.SplitHostPort(addr.String()); err == nil {
		return port
	}
	return ""
}

// removeLeadingDuplicates drops every assignment that a later one overrides.
func removeLeadingDuplicates(env []string) (ret []string) {
	for i, e := range env {
		found := false
		if eq := strings.IndexByte(e, '='); eq != -1 {
			keq := e[:eq+1]
			for _, e2 := range env[i+1:] {
				if strings.HasPrefix(e2, keq) {
					found = true
					break
				}
			}
		}
		if !found {
			ret = append(ret, e)
		}
	}
	return
}

func upperCaseAndUnderscore(r rune) rune {
	switch {
	case r >= 'a' && r <= 'z':
		return r - ('a' - 'A')
	case r == '-':
		return '_'
	case r == '=':
		return '_'
	}
	return r
}
