package server

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/raphaelreyna/ez-httpd/pkg/cgi"
)

const (
	DefaultPort          = 8080
	DefaultWorkers       = 4
	DefaultQueueCapacity = 100
	DefaultTimeout       = 5 * time.Second
	DefaultMaxBodyBytes  = 1 << 20

	// MaxBacklog is the listen(2) backlog of the listening socket.
	MaxBacklog = 10

	// BufferSize is the size of the buffer a request is read into. One byte
	// is held back, so a request head must fit in BufferSize-1 bytes.
	BufferSize = 8192
)

// Config holds everything a Server needs. It is read-only once the server is built.
type Config struct {
	Port int

	// Root is the static document root. Required.
	Root string

	Workers       int
	QueueCapacity int

	// Timeout bounds how long a worker waits for a new connection to send its request.
	Timeout time.Duration

	// CGI handles every request under its marker. Its Path is required.
	CGI *cgi.Handler

	MaxHeaderBytes int
	MaxBodyBytes   int64

	// Name is sent in the Server header.
	Name string

	Logger *zerolog.Logger
}

func (c *Config) setDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = BufferSize
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

func (c *Config) validate() error {
	if c.Root == "" {
		return errors.New("document root is required")
	}
	fi, err := os.Stat(c.Root)
	if err != nil {
		return errors.Wrap(err, "document root")
	}
	if !fi.IsDir() {
		return errors.Errorf("document root %s is not a directory", c.Root)
	}
	if c.CGI == nil || c.CGI.Path == "" {
		return errors.New("CGI handler script path is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return errors.Errorf("invalid port %d", c.Port)
	}
	return nil
}
