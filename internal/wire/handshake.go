package wire

import (
	"fmt"
	"os"

	"github.com/velorift/vrift/internal/vrerr"
)

// ClientHandshake sends the client's handshake request and validates the
// daemon's reply. A protocol version mismatch is connection-fatal: the
// caller must close the connection rather than try to continue with a
// peer that disagrees about the wire format.
func ClientHandshake(c *Codec) (daemonPID int, err error) {
	req := &Request{Kind: KindHandshake, Handshake: HandshakeRequest{
		ProtocolVersion: ProtocolVersion,
		ClientPID:       os.Getpid(),
	}}
	if err := c.WriteRequest(req); err != nil {
		return 0, fmt.Errorf("wire: sending handshake: %w", err)
	}

	resp, err := c.ReadResponse()
	if err != nil {
		return 0, fmt.Errorf("wire: reading handshake response: %w", err)
	}
	if resp.Err != nil {
		return 0, resp.Err.Error()
	}
	if resp.Handshake.ProtocolVersion != ProtocolVersion {
		return 0, fmt.Errorf("daemon speaks protocol version %d, client speaks %d: %w",
			resp.Handshake.ProtocolVersion, ProtocolVersion, vrerr.ProtocolMismatch)
	}
	return resp.Handshake.DaemonPID, nil
}

// ServerHandshake reads the client's handshake request and replies. It
// returns the decoded request's ClientPID on success; on a version
// mismatch it still replies (so the client's read doesn't hang) and
// then returns ProtocolMismatch so the caller closes the connection.
func ServerHandshake(c *Codec) (clientPID int, err error) {
	req, err := c.ReadRequest()
	if err != nil {
		return 0, fmt.Errorf("wire: reading handshake request: %w", err)
	}
	if req.Kind != KindHandshake {
		return 0, fmt.Errorf("wire: expected handshake, got request kind %d", req.Kind)
	}

	resp := &Response{Kind: KindHandshake, Handshake: HandshakeResponse{
		ProtocolVersion: ProtocolVersion,
		DaemonPID:       os.Getpid(),
	}}
	if req.Handshake.ProtocolVersion != ProtocolVersion {
		resp.Err = NewErrorDetail(fmt.Errorf("client speaks protocol version %d, daemon speaks %d: %w",
			req.Handshake.ProtocolVersion, ProtocolVersion, vrerr.ProtocolMismatch))
	}
	if werr := c.WriteResponse(resp); werr != nil {
		return 0, fmt.Errorf("wire: sending handshake response: %w", werr)
	}
	if resp.Err != nil {
		return 0, vrerr.ProtocolMismatch
	}
	return req.Handshake.ClientPID, nil
}
