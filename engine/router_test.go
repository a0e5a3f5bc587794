package engine

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRouter(t *testing.T) (*Router, *fakeEnginePeer) {
	t.Helper()
	client, server := net.Pipe()
	tr := NewTransport(client, zap.NewNop())
	router := NewRouter(tr, zap.NewNop(), nil)
	tr.Start(nil, router.deliver, nil, nil)
	peer := newFakeEnginePeer(t, server)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return router, peer
}

func TestRouter_SyncSendSuccess(t *testing.T) {
	router, peer := newTestRouter(t)

	go func() {
		pkt := peer.readPacket()
		peer.respondSuccess(int(pkt["seq"].(float64)), map[string]interface{}{"ok": true})
	}()

	var gotBody json.RawMessage
	ok := router.Send("suspend", nil, func(body json.RawMessage, running bool) {
		gotBody = body
	}, func(string) {}, 2*time.Second, nil)

	require.True(t, ok)
	assert.JSONEq(t, `{"ok":true}`, string(gotBody))
}

func TestRouter_SyncSendFailure(t *testing.T) {
	router, peer := newTestRouter(t)

	go func() {
		pkt := peer.readPacket()
		peer.respondFailure(int(pkt["seq"].(float64)), "boom")
	}()

	var gotMsg string
	ok := router.Send("suspend", nil, nil, func(msg string) { gotMsg = msg }, 2*time.Second, nil)

	assert.False(t, ok)
	assert.Equal(t, "boom", gotMsg)
}

func TestRouter_AsyncSendDoesNotBlock(t *testing.T) {
	router, peer := newTestRouter(t)
	go func() { peer.readPacket() }() // drains the request; the engine never answers

	done := make(chan struct{})
	go func() {
		ok := router.Send("continue", nil, nil, nil, 0, nil)
		assert.True(t, ok)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async send blocked")
	}
}

func TestRouter_TimeoutReturnsFalse(t *testing.T) {
	router, peer := newTestRouter(t)
	go func() { peer.readPacket() }() // drains the request; the engine never answers

	start := time.Now()
	ok := router.Send("suspend", nil, nil, nil, 100*time.Millisecond, nil)
	elapsed := time.Since(start)

	assert.False(t, ok)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestRouter_ShortCircuitAbortsBeforeSend(t *testing.T) {
	router, _ := newTestRouter(t)

	var failed bool
	ok := router.Send("suspend", nil, nil, func(string) { failed = true }, 0, func() bool { return true })

	assert.False(t, ok)
	assert.True(t, failed)
}

func TestRouter_AbandonAllUnblocksSyncWaits(t *testing.T) {
	router, peer := newTestRouter(t)
	go func() { peer.readPacket() }() // drains the request; the engine never answers

	done := make(chan bool, 1)
	go func() {
		ok := router.Send("suspend", nil, nil, nil, 5*time.Second, nil)
		done <- ok
	}()

	time.Sleep(50 * time.Millisecond)
	router.abandonAll()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("abandonAll did not unblock the sync wait")
	}
}
