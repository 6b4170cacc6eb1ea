package cmd

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/raphaelreyna/ez-httpd/pkg/cgi"
	"github.com/raphaelreyna/ez-httpd/pkg/server"
)

// newServer builds the server from the command line flags. cleanup releases
// anything opened for it.
func newServer(logger *zerolog.Logger) (s *server.Server, cleanup func(), err error) {
	cleanup = func() {}

	handler := &cgi.Handler{
		Path:   cgiPath,
		Marker: marker,
		Name:   name,
		Env:    envVars,
		Logger: logger,
	}

	for _, e := range envVars {
		if !strings.Contains(e, "=") {
			return nil, cleanup, errors.Errorf("invalid environment variable: %s", e)
		}
	}

	if stderr != "" {
		f, err := os.OpenFile(stderr, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, errors.Wrap(err, "error opening stderr")
		}
		handler.Stderr = f
		cleanup = func() { f.Close() }
	}

	header := http.Header{}
	for _, rh := range rawHeaders {
		parts := strings.SplitN(rh, ":", 2)
		if len(parts) < 2 {
			cleanup()
			return nil, func() {}, errors.Errorf("invalid header: %s", rh)
		}
		k := strings.TrimSpace(parts[0])
		v := strings.TrimSpace(parts[1])
		header.Set(k, v)
	}
	if len(header) != 0 {
		handler.Header = header
	}

	handler.Dir = dir

	if replace {
		handler.OutputHandler = cgi.EZOutputHandlerReplacer
	}

	if conformCGI {
		handler.OutputHandler = cgi.DefaultOutputHandler
	}

	if handler.OutputHandler == nil {
		handler.OutputHandler = cgi.RawOutputHandler
	}

	s, err = server.New(server.Config{
		Port:          port,
		Root:          wwwRoot,
		Workers:       numThreads,
		QueueCapacity: queueCapacity,
		Timeout:       time.Duration(timeout) * time.Second,
		CGI:           handler,
		MaxBodyBytes:  maxBody,
		Name:          name,
		Logger:        logger,
	})
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	return s, cleanup, nil
}
