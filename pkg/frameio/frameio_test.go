package frameio

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcceptSendsHandshake(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		_, err := Accept(server, 1500, "10.0.2.2", "10.0.2.15/24")
		done <- err
	}()

	sizeBuf := make([]byte, 2)
	_, err := io.ReadFull(client, sizeBuf)
	require.NoError(t, err)
	size := binary.LittleEndian.Uint16(sizeBuf)

	body := make([]byte, size)
	_, err = io.ReadFull(client, body)
	require.NoError(t, err)

	var hs Handshake
	require.NoError(t, json.Unmarshal(body, &hs))
	require.Equal(t, 1500, hs.MTU)
	require.Equal(t, "10.0.2.2", hs.Gateway)

	require.NoError(t, <-done)
}

func TestReadWriteFrameRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	linkCh := make(chan *Link, 1)
	go func() {
		l, err := Accept(server, 1500, "10.0.2.2", "10.0.2.15/24")
		require.NoError(t, err)
		linkCh <- l
	}()

	// Drain handshake on the client side.
	sizeBuf := make([]byte, 2)
	_, _ = io.ReadFull(client, sizeBuf)
	hsBody := make([]byte, binary.LittleEndian.Uint16(sizeBuf))
	_, _ = io.ReadFull(client, hsBody)

	link := <-linkCh
	defer link.Close()

	frame := []byte("hello-ethernet-frame")
	go func() {
		_, _ = client.Write(lenPrefixed(frame))
	}()

	got, err := link.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, frame, got)

	require.NoError(t, link.WriteFrame([]byte("reply-frame")))
	time.Sleep(10 * time.Millisecond)

	sizeBuf2 := make([]byte, 2)
	_, err = io.ReadFull(client, sizeBuf2)
	require.NoError(t, err)
	n := binary.LittleEndian.Uint16(sizeBuf2)
	buf := make([]byte, n)
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	require.Equal(t, "reply-frame", string(buf))
}

func lenPrefixed(b []byte) []byte {
	out := make([]byte, 2+len(b))
	binary.LittleEndian.PutUint16(out, uint16(len(b)))
	copy(out[2:], b)
	return out
}

func TestWriteFrameBackpressure(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	linkCh := make(chan *Link, 1)
	go func() {
		l, err := Accept(server, 1500, "10.0.2.2", "10.0.2.15/24")
		require.NoError(t, err)
		linkCh <- l
	}()

	// Drain handshake.
	sizeBuf := make([]byte, 2)
	_, _ = io.ReadFull(client, sizeBuf)
	hsBody := make([]byte, binary.LittleEndian.Uint16(sizeBuf))
	_, _ = io.ReadFull(client, hsBody)

	l := <-linkCh
	defer l.Close()

	// No reader drains `client` from here on, so the writer goroutine's
	// single net.Pipe write blocks, and the queue behind it fills.
	var lastErr error
	for i := 0; i < outboundQueueDepth+10; i++ {
		lastErr = l.WriteFrame([]byte("x"))
		if lastErr == ErrWouldBlock {
			break
		}
	}
	require.ErrorIs(t, lastErr, ErrWouldBlock)
	require.False(t, l.Writable())
}
