package uds

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/pkg/exception"
)

func TestEmptyPath(t *testing.T) {
	_, err := NewClient("")
	assert.ErrorIs(t, err, exception.ErrEmptyPathUDS)
	_, err = NewServer("")
	assert.ErrorIs(t, err, exception.ErrEmptyPathUDS)
}

func TestNilReceivers(t *testing.T) {
	var c *Client
	_, err := c.Dial(t.Context())
	assert.ErrorIs(t, err, exception.ErrNilClientUDS)
	assert.Empty(t, c.Path())

	var s *Server
	assert.ErrorIs(t, s.Listen(), exception.ErrNilServerUDS)
	assert.ErrorIs(t, s.Close(), exception.ErrNilServerUDS)
}

func TestRemoveIfExistsRejectsNonSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-socket")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o600))
	assert.ErrorIs(t, RemoveIfExists(path), exception.ErrPathNotSocketUDS)
	assert.NoError(t, RemoveIfExists(filepath.Join(t.TempDir(), "missing")))
}

func TestServeBeforeListen(t *testing.T) {
	s, err := NewServer(filepath.Join(t.TempDir(), "x.sock"))
	require.NoError(t, err)
	err = s.Serve(t.Context(), func(context.Context, net.Conn) {})
	assert.ErrorIs(t, err, exception.ErrNotListeningUDS)
}

func TestServeEcho(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uds.sock")
	server, err := NewServer(path)
	require.NoError(t, err)
	require.NoError(t, server.Listen())
	assert.ErrorIs(t, server.Listen(), exception.ErrAlreadyListeningUDS)

	ctx, cancel := context.WithCancel(t.Context())
	served := make(chan error, 1)
	go func() {
		served <- server.Serve(ctx, func(_ context.Context, conn net.Conn) {
			line, err := bufio.NewReader(conn).ReadString('\n')
			if err == nil {
				_, _ = conn.Write([]byte("echo " + line))
			}
		})
	}()

	client, err := NewClient(path)
	require.NoError(t, err)
	assert.Equal(t, path, client.Path())
	conn, err := client.Dial(t.Context())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping\n"))
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "echo ping\n", reply)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("serve did not stop")
	}
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
