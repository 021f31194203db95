package isoconn

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/coldforge/isoconn/internal/logging"
)

// Target selects how Dial reaches the daemon: either a filesystem socket path
// or a host/port pair (§6 Configuration at connect).
type Target struct {
	SocketPath string
	Host       string
	Port       int
}

// UnixTarget addresses a daemon listening on a filesystem socket.
func UnixTarget(path string) Target { return Target{SocketPath: path} }

// TCPTarget addresses a daemon listening on host:port.
func TCPTarget(host string, port int) Target { return Target{Host: host, Port: port} }

func (t Target) network() string {
	if t.SocketPath != "" {
		return "unix"
	}
	return "tcp"
}

func (t Target) address() string {
	if t.SocketPath != "" {
		return t.SocketPath
	}
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

func (t Target) validate() error {
	if t.SocketPath == "" && t.Host == "" {
		return fmt.Errorf("isoconn: target needs either SocketPath or Host+Port")
	}
	if t.SocketPath != "" && t.Host != "" {
		return fmt.Errorf("isoconn: target must set only one of SocketPath or Host+Port")
	}
	if t.Host != "" && t.Port <= 0 {
		return fmt.Errorf("isoconn: TCP target needs a positive Port")
	}
	return nil
}

// DialOptions configures Dial, mirroring the teacher corpus's
// validate-then-default configuration structs.
type DialOptions struct {
	// ConnectTimeout bounds the initial socket connection attempt.
	ConnectTimeout time.Duration

	// DefaultRequestTimeout bounds every RPC, fetch dispatch included;
	// FetchRequest carries no per-request timeout of its own.
	DefaultRequestTimeout time.Duration

	// DefaultStreamCredit is the credit granted at stream start and at every
	// subsequent pull (§4.4, §9 "Credit granularity").
	DefaultStreamCredit uint64

	// StreamChunkSize bounds a single upload/download chunk frame.
	StreamChunkSize int

	// StreamThreshold is the body size above which request/response bodies
	// stream instead of being inlined (§4.4).
	StreamThreshold int

	// Logger receives structured connection lifecycle and protocol logging.
	// A nil Logger discards everything.
	Logger *logging.Logger
}

// DefaultDialOptions returns the options Dial uses when none are supplied.
func DefaultDialOptions() DialOptions {
	return DialOptions{
		ConnectTimeout:        10 * time.Second,
		DefaultRequestTimeout: 30 * time.Second,
		DefaultStreamCredit:   256 * 1024,
		StreamChunkSize:       64 * 1024,
		StreamThreshold:       64 * 1024,
		Logger:                logging.Discard(),
	}
}

// Validate checks DialOptions for internal consistency.
func (o DialOptions) Validate() error {
	if o.ConnectTimeout <= 0 {
		return fmt.Errorf("isoconn: ConnectTimeout must be positive")
	}
	if o.DefaultRequestTimeout <= 0 {
		return fmt.Errorf("isoconn: DefaultRequestTimeout must be positive")
	}
	if o.DefaultStreamCredit == 0 {
		return fmt.Errorf("isoconn: DefaultStreamCredit must be positive")
	}
	if o.StreamChunkSize <= 0 {
		return fmt.Errorf("isoconn: StreamChunkSize must be positive")
	}
	if o.StreamThreshold < 0 {
		return fmt.Errorf("isoconn: StreamThreshold must not be negative")
	}
	return nil
}

func (o DialOptions) withDefaults() DialOptions {
	def := DefaultDialOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = def.ConnectTimeout
	}
	if o.DefaultRequestTimeout <= 0 {
		o.DefaultRequestTimeout = def.DefaultRequestTimeout
	}
	if o.DefaultStreamCredit == 0 {
		o.DefaultStreamCredit = def.DefaultStreamCredit
	}
	if o.StreamChunkSize <= 0 {
		o.StreamChunkSize = def.StreamChunkSize
	}
	if o.StreamThreshold == 0 {
		o.StreamThreshold = def.StreamThreshold
	}
	if o.Logger == nil {
		o.Logger = def.Logger
	}
	return o
}

// Dial opens a connection to the daemon at target and wires the read pipeline
// (§4.8). The caller owns teardown via (*Conn).Close; there is no automatic
// reconnection (§1 Non-goals).
func Dial(ctx context.Context, target Target, opts DialOptions) (*Conn, error) {
	if err := target.validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: opts.ConnectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	nc, err := dialer.DialContext(dialCtx, target.network(), target.address())
	if err != nil {
		return nil, fmt.Errorf("isoconn: dial %s: %w", target.address(), err)
	}

	c := newConn(nc, opts)
	c.start()
	return c, nil
}
