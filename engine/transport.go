package engine

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// wireEnvelope is the minimal shape needed to route an inbound packet
// before fully decoding it. type is request|response|event; the rest of
// §6's shapes are decoded by the Router/Session once routed.
type wireEnvelope struct {
	Type       string          `json:"type"`
	Seq        int             `json:"seq"`
	RequestSeq int             `json:"request_seq"`
	Success    bool            `json:"success"`
	Running    bool            `json:"running"`
	Message    string          `json:"message"`
	Body       json.RawMessage `json:"body"`
	Event      string          `json:"event"`
	Command    string          `json:"command"`
}

// Transport frames Content-Length-delimited JSON packets on a duplex byte
// stream and dispatches inbound packets as responses or events. The
// initial handshake packet carries headers but no JSON body; its arrival
// alone is the signal to drive ProcessConnect.
type Transport struct {
	log  *zap.Logger
	conn io.ReadWriteCloser

	writeMu sync.Mutex

	onConnect  func()
	onResponse func(wireEnvelope)
	onEvent    func(wireEnvelope)
	onTerminal func(error)

	closeOnce sync.Once
}

// NewTransport wraps a duplex byte stream collaborator (typically a
// net.Conn, but any io.ReadWriteCloser works — this keeps TCP socket
// primitives out of the core per spec.md's scope).
func NewTransport(conn io.ReadWriteCloser, log *zap.Logger) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{conn: conn, log: log}
}

// Start installs the dispatch callbacks and begins the listener goroutine.
// onTerminal fires exactly once, when the read loop ends for any reason.
func (t *Transport) Start(onConnect func(), onResponse func(wireEnvelope), onEvent func(wireEnvelope), onTerminal func(error)) {
	t.onConnect = onConnect
	t.onResponse = onResponse
	t.onEvent = onEvent
	t.onTerminal = onTerminal
	go t.readLoop()
}

// Send serializes v as a request/response/event JSON packet with a
// Content-Length header giving its UTF-8 byte length.
func (t *Transport) Send(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.writeFramed(payload)
}

func (t *Transport) writeFramed(payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(payload))
	if _, err := io.WriteString(t.conn, header); err != nil {
		return err
	}
	_, err := t.conn.Write(payload)
	return err
}

// Close drops the underlying stream. Safe to call more than once.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.conn.Close()
	})
	return err
}

func (t *Transport) readLoop() {
	r := bufio.NewReader(t.conn)
	var terminalErr error
	for {
		headers, err := readHeaders(r)
		if err != nil {
			terminalErr = err
			break
		}

		length, hasLength := headers["content-length"]
		if !hasLength {
			// Header-only packet: the connect handshake. Body is ignored.
			t.log.Debug("transport: connect handshake received")
			if t.onConnect != nil {
				t.onConnect()
			}
			continue
		}

		n, err := strconv.Atoi(strings.TrimSpace(length))
		if err != nil {
			t.log.Warn("transport: malformed Content-Length, dropping packet", zap.Error(err))
			continue
		}

		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			terminalErr = err
			break
		}

		var env wireEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			t.log.Warn("transport: malformed JSON body, dropping packet", zap.Error(err))
			continue
		}
		// Consumers decode what they need from env.Body (the packet's "body"
		// field) and the other envelope fields; the rest of the packet is
		// not kept.
		switch env.Type {
		case "response":
			if t.onResponse != nil {
				t.onResponse(env)
			}
		case "event":
			if t.onEvent != nil {
				t.onEvent(env)
			}
		default:
			t.log.Warn("transport: unknown packet type, dropping", zap.String("type", env.Type))
		}
	}

	if terminalErr == nil {
		terminalErr = io.ErrClosedPipe
	}
	if t.onTerminal != nil {
		t.onTerminal(terminalErr)
	}
}

// readHeaders reads "Key: Value\r\n" lines until a blank line, returning a
// lower-cased header map. Works with both "\r\n\r\n" and the handshake's
// header-only body (no Content-Length key at all).
func readHeaders(r *bufio.Reader) (map[string]string, error) {
	headers := make(map[string]string)
	sawAny := false
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if sawAny && len(strings.TrimSpace(line)) == 0 {
				return headers, nil
			}
			return nil, err
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			return headers, nil
		}
		sawAny = true
		parts := strings.SplitN(trimmed, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(parts[0]))
		headers[key] = strings.TrimSpace(parts[1])
	}
}
