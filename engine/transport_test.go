package engine

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTransport_ConnectHandshake(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	connected := make(chan struct{}, 1)
	tr := NewTransport(client, zap.NewNop())
	tr.Start(func() { connected <- struct{}{} }, nil, nil, nil)

	peer := newFakeEnginePeer(t, server)
	peer.sendConnect()

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("onConnect never fired")
	}
}

func TestTransport_SendFraming(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	tr := NewTransport(client, zap.NewNop())
	tr.Start(nil, nil, nil, nil)

	peer := newFakeEnginePeer(t, server)
	go func() {
		require.NoError(t, tr.Send(map[string]interface{}{"seq": 1, "type": "request", "command": "backtrace"}))
	}()

	pkt := peer.readPacket()
	assert.Equal(t, "request", pkt["type"])
	assert.Equal(t, "backtrace", pkt["command"])
	assert.EqualValues(t, 1, pkt["seq"])
}

func TestTransport_EventDispatch(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	events := make(chan wireEnvelope, 1)
	tr := NewTransport(client, zap.NewNop())
	tr.Start(nil, nil, func(env wireEnvelope) { events <- env }, nil)

	peer := newFakeEnginePeer(t, server)
	peer.sendEvent("afterCompile", map[string]interface{}{"script": map[string]interface{}{"id": 1, "name": "a.js"}})

	select {
	case env := <-events:
		assert.Equal(t, "afterCompile", env.Event)
	case <-time.After(time.Second):
		t.Fatal("event never dispatched")
	}
}

func TestTransport_TerminalOnClose(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	terminal := make(chan error, 1)
	tr := NewTransport(client, zap.NewNop())
	tr.Start(nil, nil, nil, func(err error) { terminal <- err })

	server.Close()

	select {
	case err := <-terminal:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("onTerminal never fired")
	}
}
