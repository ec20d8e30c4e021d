//go:build linux

package hostconn

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasEstablished_DetectsLiveConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port

	accepted := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
		}
		close(accepted)
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	<-accepted

	found, err := HasEstablished(port)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestHasEstablished_NoConnectionOnUnusedPort(t *testing.T) {
	found, err := HasEstablished(1) // privileged, essentially never bound in test envs
	require.NoError(t, err)
	assert.False(t, found)
}
