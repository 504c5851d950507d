package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimburion/sharedqueue/pkg/observability/logger"
)

func TestConfigAddress(t *testing.T) {
	assert.Equal(t, "0.0.0.0:5000", Config{Host: "0.0.0.0", Port: 5000}.Address())
	assert.Equal(t, ":8080", Config{Port: 8080}.Address())
}

func TestServer_StartAndShutdownOnCancel(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := NewServer(Config{Host: "127.0.0.1", Port: 0, ShutdownTimeout: time.Second}, handler, logger.Nop())
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	resp, err := http.Get(fmt.Sprintf("http://%s/", srv.Addr()))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_ListenFailsOnBusyPort(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = busy.Close() }()

	port := busy.Addr().(*net.TCPAddr).Port
	srv := NewServer(Config{Host: "127.0.0.1", Port: port}, http.NotFoundHandler(), logger.Nop())
	err = srv.Listen()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to listen")
}
