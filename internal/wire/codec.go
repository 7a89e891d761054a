package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// Codec reads and writes length-framed gob messages over a single
// connection. Each direction is unbuffered beyond the bufio wrapper;
// callers serialize their own writes per connection.
type Codec struct {
	r   *bufio.Reader
	w   *bufio.Writer
	rwc io.ReadWriteCloser
}

// NewCodec wraps a connection for length-framed gob I/O.
func NewCodec(rwc io.ReadWriteCloser) *Codec {
	return &Codec{r: bufio.NewReader(rwc), w: bufio.NewWriter(rwc), rwc: rwc}
}

// Close closes the underlying connection.
func (c *Codec) Close() error { return c.rwc.Close() }

// WriteRequest frames and gob-encodes req onto the connection.
func (c *Codec) WriteRequest(req *Request) error { return c.writeFrame(req) }

// ReadRequest reads and decodes the next request frame.
func (c *Codec) ReadRequest() (*Request, error) {
	var req Request
	if err := c.readFrame(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// WriteResponse frames and gob-encodes resp onto the connection.
func (c *Codec) WriteResponse(resp *Response) error { return c.writeFrame(resp) }

// ReadResponse reads and decodes the next response frame.
func (c *Codec) ReadResponse() (*Response, error) {
	var resp Response
	if err := c.readFrame(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Codec) writeFrame(v interface{}) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("wire: encoding message: %w", err)
	}
	if buf.Len() > MaxFrameSize {
		return fmt.Errorf("wire: outgoing message of %d bytes exceeds frame cap of %d", buf.Len(), MaxFrameSize)
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(buf.Len()))
	if _, err := c.w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: writing frame length: %w", err)
	}
	if _, err := c.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("wire: writing frame payload: %w", err)
	}
	return c.w.Flush()
}

// readFrame reads one length-prefixed frame and gob-decodes it into v.
// A length above MaxFrameSize is a protocol violation: the caller must
// treat the connection as dead, since there is no way to resynchronize
// without reading (and discarding) an attacker-controlled number of
// bytes first.
func (c *Codec) readFrame(v interface{}) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return fmt.Errorf("wire: incoming message of %d bytes exceeds frame cap of %d, closing connection", n, MaxFrameSize)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return fmt.Errorf("wire: reading frame payload: %w", err)
	}
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(v); err != nil {
		return fmt.Errorf("wire: decoding message: %w", err)
	}
	return nil
}
