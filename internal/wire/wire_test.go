package wire

import (
	"net"
	"testing"

	"github.com/velorift/vrift/internal/cas"
	"github.com/velorift/vrift/internal/vrerr"
)

func pipeCodecs() (client, server *Codec) {
	c1, c2 := net.Pipe()
	return NewCodec(c1), NewCodec(c2)
}

func TestRequestResponseRoundTrip(t *testing.T) {
	client, server := pipeCodecs()
	defer client.Close()
	defer server.Close()

	h := cas.Sum([]byte("payload"))
	done := make(chan error, 1)
	go func() {
		req, err := server.ReadRequest()
		if err != nil {
			done <- err
			return
		}
		if req.Kind != KindCasGet || req.CasGet.Hash != h {
			done <- err
			return
		}
		done <- server.WriteResponse(&Response{
			Kind:   KindCasGet,
			CasGet: CasGetResponse{Data: []byte("payload")},
		})
	}()

	if err := client.WriteRequest(&Request{Kind: KindCasGet, CasGet: CasGetRequest{Hash: h}}); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	resp, err := client.ReadResponse()
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if string(resp.CasGet.Data) != "payload" {
		t.Fatalf("got %q, want %q", resp.CasGet.Data, "payload")
	}
	if err := <-done; err != nil {
		t.Fatalf("server goroutine: %v", err)
	}
}

func TestHandshakeSuccess(t *testing.T) {
	client, server := pipeCodecs()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		_, err := ServerHandshake(server)
		done <- err
	}()

	pid, err := ClientHandshake(client)
	if err != nil {
		t.Fatalf("ClientHandshake: %v", err)
	}
	if pid == 0 {
		t.Fatal("expected nonzero daemon pid")
	}
	if err := <-done; err != nil {
		t.Fatalf("ServerHandshake: %v", err)
	}
}

func TestHandshakeVersionMismatch(t *testing.T) {
	client, server := pipeCodecs()
	defer client.Close()
	defer server.Close()

	serverDone := make(chan error, 1)
	go func() {
		_, err := ServerHandshake(server)
		serverDone <- err
	}()

	req := &Request{Kind: KindHandshake, Handshake: HandshakeRequest{ProtocolVersion: ProtocolVersion + 1}}
	if err := client.WriteRequest(req); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	resp, err := client.ReadResponse()
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if resp.Err == nil {
		t.Fatal("expected an error in the response")
	}
	if got := resp.Err.Error(); got == nil {
		t.Fatal("ErrorDetail.Error returned nil")
	}

	if err := <-serverDone; err != vrerr.ProtocolMismatch {
		t.Fatalf("ServerHandshake returned %v, want ProtocolMismatch", err)
	}
}

func TestErrorDetailRoundTrip(t *testing.T) {
	detail := NewErrorDetail(vrerr.NotFound)
	if detail == nil {
		t.Fatal("NewErrorDetail returned nil for non-nil error")
	}
	if detail.Kind != "NotFound" {
		t.Fatalf("Kind = %q, want NotFound", detail.Kind)
	}

	reconstructed := detail.Error()
	if reconstructed == nil {
		t.Fatal("Error() returned nil")
	}
}

func TestOversizedFrameRejected(t *testing.T) {
	client, server := pipeCodecs()
	defer client.Close()
	defer server.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := server.ReadRequest()
		errCh <- err
	}()

	lenBuf := []byte{0, 0, 0, 0}
	// MaxFrameSize+1 as little-endian u32.
	over := uint32(MaxFrameSize) + 1
	lenBuf[0] = byte(over)
	lenBuf[1] = byte(over >> 8)
	lenBuf[2] = byte(over >> 16)
	lenBuf[3] = byte(over >> 24)

	go func() {
		// Write just the oversized length prefix; the reader must reject
		// before trying to read a payload of that size.
		_, _ = client.w.Write(lenBuf)
		_ = client.w.Flush()
	}()

	err := <-errCh
	if err == nil {
		t.Fatal("expected an error for an oversized frame")
	}
}
