package wire

import (
	"bytes"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte("x"),
		[]byte("<UTQLRequest/>"),
		bytes.Repeat([]byte("a"), 4096),
		bytes.Repeat([]byte{0}, 255),
		bytes.Repeat([]byte("z"), MaxFrameSize),
	}

	for _, payload := range payloads {
		var buf bytes.Buffer
		require.NoError(t, WriteFrame(&buf, payload))

		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	}
}

func TestFrameHeaderFormat(t *testing.T) {
	frame, err := EncodeFrame([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "00000005hello", string(frame))

	// uppercase, zero-padded hex
	frame, err = EncodeFrame(bytes.Repeat([]byte("a"), 0xABC))
	require.NoError(t, err)
	assert.Equal(t, "00000ABC", string(frame[:8]))
}

func TestKeepAliveSuppressed(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(KeepAlive)
	buf.Write(KeepAlive)
	require.NoError(t, WriteFrame(&buf, []byte("data")))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), got)
}

func TestOversizeFrameRejected(t *testing.T) {
	_, err := EncodeFrame(make([]byte, MaxFrameSize+1))
	assert.Error(t, err)

	// a peer announcing an oversized frame is rejected at the header
	var buf bytes.Buffer
	buf.WriteString("00200000") // 2 MiB
	_, err = ReadFrame(&buf)
	assert.Error(t, err)
}

func TestBadHeaderRejected(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("nothexy!")
	_, err := ReadFrame(&buf)
	assert.Error(t, err)
}

func TestTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("00000010short")
	_, err := ReadFrame(&buf)
	assert.Error(t, err)
}

func TestConnectionRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	cc := NewConnection(client, nil)
	sc := NewConnection(server, nil)

	received := make(chan []byte, 1)
	go sc.ReadLoop(func(p []byte) { received <- p })

	require.NoError(t, cc.Send([]byte("ping")))
	assert.Equal(t, []byte("ping"), <-received)

	require.NoError(t, cc.Close())
	require.NoError(t, sc.Close())
}

func TestConnectionMarkedBadOnOversize(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := NewConnection(client, nil)
	err := cc.Send(make([]byte, MaxFrameSize+1))
	require.Error(t, err)
	assert.True(t, cc.Bad())

	// a bad connection refuses further sends
	err = cc.Send([]byte("x"))
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "connection"))
}

func TestConnectionKeepAlive(t *testing.T) {
	client, server := net.Pipe()
	cc := NewConnection(client, nil)
	sc := NewConnection(server, nil)

	received := make(chan []byte, 1)
	go sc.ReadLoop(func(p []byte) { received <- p })

	go func() {
		_ = cc.SendKeepAlive()
		_ = cc.Send([]byte("after"))
	}()

	assert.Equal(t, []byte("after"), <-received)
	require.NoError(t, cc.Close())
	require.NoError(t, sc.Close())
}
