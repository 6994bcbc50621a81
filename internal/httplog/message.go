// Package httplog implements the HTTP Observer (C6): a transparent tee that
// parses, dechunks, decompresses and formats request/response pairs crossing
// a TCP forwarder without altering the bytes on the wire. Grounded on
// pkg/mcp/portforward.go's connection bookkeeping, generalized from
// tracking port-forward sessions to tracking per-connection HTTP exchanges.
package httplog

import (
	"bytes"
	"strconv"
	"strings"
	"time"
)

// Direction distinguishes the two halves of an HTTP exchange.
type Direction int

const (
	DirectionRequest Direction = iota
	DirectionResponse
)

func (d Direction) String() string {
	if d == DirectionRequest {
		return "request"
	}
	return "response"
}

// bodyMode is how a message's body boundary is determined (spec.md §4.6).
type bodyMode int

const (
	bodyModeNone bodyMode = iota
	bodyModeContentLength
	bodyModeChunked
	bodyModeUntilClose
)

// header is a single parsed header line, preserved in original order and
// case so the formatter can reproduce them faithfully.
type header struct {
	Name  string
	Value string
}

// message accumulates one HTTP request or response as bytes arrive.
type message struct {
	direction Direction

	headerBuf bytes.Buffer
	headersParsed bool

	startLine   string
	method      string
	path        string
	statusCode  int
	reasonPhrase string
	httpVersion string
	headers     []header

	mode          bodyMode
	contentLength int64
	bodyReceived  int64
	bodyBuf       bytes.Buffer
	chunked       *chunkedDecoder

	connectionClose    bool
	isWebSocketUpgrade bool

	startedAt time.Time
	complete  bool

	// safety valve bookkeeping (spec.md §4.6 ready-for-logging policy)
	lastSizeCheck time.Time
}

func newMessage(direction Direction, now time.Time) *message {
	return &message{direction: direction, startedAt: now}
}

func (m *message) headerValue(name string) (string, bool) {
	for _, h := range m.headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// parseStartLineAndHeaders fills in m.headers and body-boundary mode from the
// raw header block (everything before the terminator, without the terminator
// itself).
func (m *message) parseStartLineAndHeaders(block []byte, peerConnClose bool) {
	lines := strings.Split(string(block), "\n")
	if len(lines) == 0 {
		return
	}
	m.startLine = strings.TrimRight(lines[0], "\r")
	m.parseStartLine(m.startLine)

	for _, raw := range lines[1:] {
		line := strings.TrimRight(raw, "\r")
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		name := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		m.headers = append(m.headers, header{Name: name, Value: value})
	}
	m.headersParsed = true

	if v, ok := m.headerValue("Connection"); ok && strings.EqualFold(strings.TrimSpace(v), "close") {
		m.connectionClose = true
	}

	m.mode, m.contentLength = determineBodyMode(m, peerConnClose)

	if m.mode == bodyModeChunked {
		m.chunked = newChunkedDecoder()
	}

	if m.direction == DirectionResponse && m.statusCode == 101 {
		if upg, ok := m.headerValue("Upgrade"); ok && strings.EqualFold(upg, "websocket") {
			if _, ok := m.headerValue("Sec-WebSocket-Accept"); ok {
				m.isWebSocketUpgrade = true
			}
		}
	}
}

func (m *message) parseStartLine(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	if m.direction == DirectionRequest {
		if len(fields) >= 3 {
			m.method, m.path, m.httpVersion = fields[0], fields[1], fields[2]
		}
		return
	}
	if len(fields) >= 2 {
		m.httpVersion = fields[0]
		if code, err := strconv.Atoi(fields[1]); err == nil {
			m.statusCode = code
		}
	}
	if len(fields) >= 3 {
		m.reasonPhrase = strings.Join(fields[2:], " ")
	}
}

// determineBodyMode applies the precedence order from spec.md §4.6:
// Transfer-Encoding: chunked, then Content-Length, then (responses only)
// connection-close or HTTP/1.0 with neither.
func determineBodyMode(m *message, peerConnClose bool) (bodyMode, int64) {
	if te, ok := m.headerValue("Transfer-Encoding"); ok && strings.Contains(strings.ToLower(te), "chunked") {
		return bodyModeChunked, 0
	}
	if cl, ok := m.headerValue("Content-Length"); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64); err == nil {
			return bodyModeContentLength, n
		}
	}
	if m.direction == DirectionResponse && m.httpVersion == "HTTP/1.0" {
		return bodyModeUntilClose, 0
	}
	if m.direction == DirectionResponse && m.connectionClose {
		return bodyModeUntilClose, 0
	}
	if m.direction == DirectionResponse && peerConnClose {
		return bodyModeUntilClose, 0
	}
	return bodyModeNone, 0
}

// readyForLogging applies the safety-valve and completion rules from
// spec.md §4.6.
func (m *message) readyForLogging(now time.Time) bool {
	if m.mode == bodyModeContentLength && m.bodyReceived >= m.contentLength {
		return true
	}
	if m.mode == bodyModeChunked && m.chunked != nil && m.chunked.done {
		return true
	}
	if m.isWebSocketUpgrade {
		return true
	}
	if m.direction == DirectionResponse {
		switch {
		case m.statusCode >= 100 && m.statusCode < 200:
			return true
		case m.statusCode == 204 || m.statusCode == 304:
			return true
		}
	}

	elapsed := now.Sub(m.startedAt)
	size := int64(m.bodyBuf.Len())
	switch {
	case size > 1*1024*1024 && elapsed > 10*time.Second:
		return true
	case size > 100*1024 && elapsed > 30*time.Second:
		return true
	case elapsed > 60*time.Second && size > 5*1024:
		return true
	}
	return false
}
