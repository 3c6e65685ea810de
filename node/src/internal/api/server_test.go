package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/execution"
)

func TestServerServesAndShutsDown(t *testing.T) {
	n := newTestNode(t)
	srv := NewServer("127.0.0.1:0", n.router, zerolog.Nop())

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(l) }()

	resp, err := http.Get("http://" + l.Addr().String() + "/api/v1/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Shutdown(context.Background()))
	assert.NoError(t, <-done)
}

func TestStreamPushesClosedLedgers(t *testing.T) {
	n := newTestNode(t)
	srv := NewServer("", n.router, zerolog.Nop())
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(l)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	url := "ws://" + l.Addr().String() + "/api/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return n.hub.Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	cl, err := n.manager.CloseLedger(context.Background(), execution.CloseData{Transactions: []execution.Transaction{
		{Source: "alice", Operations: []execution.Operation{execution.Create(entry("a", "1"))}},
	}})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, cl.Header, msg.Header)
	assert.Equal(t, cl.Hash(), msg.Hash)
	assert.Equal(t, cl.Meta, msg.Meta)
	require.Len(t, msg.Results, 1)
	assert.Equal(t, execution.TxSuccess, msg.Results[0].Code)
	assert.Zero(t, msg.Dropped)

	conn.Close()
	require.Eventually(t, func() bool { return n.hub.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestStreamDisabledWithoutHub(t *testing.T) {
	n := newTestNode(t)
	n.handler.hub = nil

	rec := n.do(t, http.MethodGet, "/api/v1/stream", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "UNAVAILABLE"))
}
