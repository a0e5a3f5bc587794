package engine

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"

	"go.uber.org/zap"
)

// fakeEnginePeer stands in for the V8/Node inspector endpoint: it reads
// and writes Content-Length-framed JSON packets on the far end of a
// net.Pipe, the same duplex byte stream contract Transport expects.
type fakeEnginePeer struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func newFakeEnginePeer(t *testing.T, conn net.Conn) *fakeEnginePeer {
	return &fakeEnginePeer{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (p *fakeEnginePeer) sendConnect() {
	if _, err := io.WriteString(p.conn, "\r\n"); err != nil {
		p.t.Fatalf("sendConnect: %v", err)
	}
}

func (p *fakeEnginePeer) send(v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		p.t.Fatalf("send: marshal: %v", err)
	}
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(payload))
	if _, err := io.WriteString(p.conn, header); err != nil {
		p.t.Fatalf("send: write header: %v", err)
	}
	if _, err := p.conn.Write(payload); err != nil {
		p.t.Fatalf("send: write body: %v", err)
	}
}

func (p *fakeEnginePeer) respondSuccess(seq int, body interface{}) {
	p.send(map[string]interface{}{
		"type":        "response",
		"request_seq": seq,
		"success":     true,
		"body":        body,
		"running":     false,
	})
}

func (p *fakeEnginePeer) respondFailure(seq int, message string) {
	p.send(map[string]interface{}{
		"type":        "response",
		"request_seq": seq,
		"success":     false,
		"message":     message,
	})
}

func (p *fakeEnginePeer) sendEvent(event string, body interface{}) {
	p.send(map[string]interface{}{
		"type":  "event",
		"event": event,
		"body":  body,
	})
}

// readPacket reads one framed packet and returns it as a generic map,
// failing the test on any I/O or framing error.
func (p *fakeEnginePeer) readPacket() map[string]interface{} {
	headers := map[string]string{}
	for {
		line, err := p.r.ReadString('\n')
		if err != nil {
			p.t.Fatalf("readPacket: %v", err)
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		parts := strings.SplitN(trimmed, ":", 2)
		if len(parts) != 2 {
			continue
		}
		headers[strings.ToLower(strings.TrimSpace(parts[0]))] = strings.TrimSpace(parts[1])
	}
	n, err := strconv.Atoi(headers["content-length"])
	if err != nil {
		p.t.Fatalf("readPacket: bad content-length: %v", err)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(p.r, body); err != nil {
		p.t.Fatalf("readPacket: %v", err)
	}
	var v map[string]interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		p.t.Fatalf("readPacket: unmarshal: %v", err)
	}
	return v
}

// newTestSession wires a Session directly to one end of a net.Pipe without
// driving the connect handshake, so tests can exercise individual
// components (BreakpointManager, Inspection, ExceptionFilter) without
// paying for a full ProcessConnect round trip.
func newTestSession(t *testing.T) (*Session, *fakeEnginePeer) {
	t.Helper()
	client, server := net.Pipe()

	s := NewSession(zap.NewNop(), nil)
	s.transport = NewTransport(client, zap.NewNop())
	s.router = NewRouter(s.transport, zap.NewNop(), nil)
	s.transport.Start(s.onConnect, s.router.deliver, s.onEvent, s.onTerminal)

	s.mu.Lock()
	s.thread = &Thread{ID: 1}
	s.mu.Unlock()

	peer := newFakeEnginePeer(t, server)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return s, peer
}
