package wire

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/velorift/vrift/internal/vrerr"
)

// Per-operation IPC timeouts named in the external interfaces.
const (
	HandshakeTimeout = 10 * time.Second
	StatusTimeout    = 5 * time.Second
	ReingestTimeout  = 120 * time.Second
	DefaultTimeout   = 30 * time.Second
)

// Client is a single-connection IPC client. Requests are serialized: ron's
// own client similarly multiplexes a single net.Conn per peer rather than
// pooling connections, since a project daemon expects one connection per
// client process.
type Client struct {
	mu        sync.Mutex
	conn      net.Conn
	codec     *Codec
	DaemonPID int
}

// Dial connects to the daemon's Unix-domain socket at sockPath and
// performs the handshake. A protocol mismatch closes the connection and
// returns vrerr.ProtocolMismatch.
func Dial(sockPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", sockPath, HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", err, vrerr.DaemonUnreachable)
	}

	c := &Client{conn: conn, codec: NewCodec(conn)}

	conn.SetDeadline(time.Now().Add(HandshakeTimeout))
	pid, err := ClientHandshake(c.codec)
	conn.SetDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.DaemonPID = pid
	return c, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

// Call sends req and returns the daemon's response, bounding the
// round-trip by timeout. A timeout returns vrerr.Timeout; the caller
// decides whether to retry.
func (c *Client) Call(req *Request, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetDeadline(time.Now().Add(timeout))
	defer c.conn.SetDeadline(time.Time{})

	if err := c.codec.WriteRequest(req); err != nil {
		if isTimeout(err) {
			return nil, vrerr.Timeout
		}
		return nil, fmt.Errorf("wire: sending request: %w", vrerr.DaemonUnreachable)
	}

	resp, err := c.codec.ReadResponse()
	if err != nil {
		if isTimeout(err) {
			return nil, vrerr.Timeout
		}
		return nil, fmt.Errorf("wire: reading response: %w", vrerr.DaemonUnreachable)
	}
	if resp.Err != nil {
		return resp, resp.Err.Error()
	}
	return resp, nil
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}
