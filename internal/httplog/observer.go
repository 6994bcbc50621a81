package httplog

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// Observer implements tcpforward.Observer: it tees both directions of a TCP
// connection through a streaming HTTP parser/formatter and appends the
// result to a Store, without altering the bytes delivered on the wire
// (spec.md §4.6).
type Observer struct {
	Store         *Store
	MaxFileSize   int64
	RetentionDays int
}

// Wrap satisfies tcpforward.Observer. The returned finalize func must be
// called once the connection closes so a message still in progress (e.g.
// bodyModeUntilClose) gets logged instead of silently dropped.
func (o *Observer) Wrap(ctx context.Context, traceNamespace string, client, upstream io.ReadWriter) (clientSide, upstreamSide io.ReadWriter, finalize func()) {
	configID, localPort := parseTraceNamespace(traceNamespace)

	cs := &connState{
		observer:  o,
		configID:  configID,
		localPort: localPort,
	}

	clientSide = &observedReadWriter{ReadWriter: client, onRead: cs.feedRequest}
	upstreamSide = &observedReadWriter{ReadWriter: upstream, onRead: cs.feedResponse}
	finalize = func() { cs.Finalize(timeNow()) }
	return clientSide, upstreamSide, finalize
}

func parseTraceNamespace(ns string) (int64, int) {
	parts := strings.SplitN(ns, ":", 2)
	var configID int64
	var localPort int
	if len(parts) > 0 {
		if v, err := strconv.ParseInt(parts[0], 10, 64); err == nil {
			configID = v
		}
	}
	if len(parts) > 1 {
		if v, err := strconv.Atoi(parts[1]); err == nil {
			localPort = v
		}
	}
	return configID, localPort
}

// observedReadWriter tees every successful Read into onRead while leaving
// Read/Write behavior toward the underlying connection unchanged.
type observedReadWriter struct {
	io.ReadWriter
	onRead func([]byte, time.Time)
}

func (o *observedReadWriter) Read(p []byte) (int, error) {
	n, err := o.ReadWriter.Read(p)
	if n > 0 {
		o.onRead(p[:n], timeNow())
	}
	return n, err
}

func timeNow() time.Time { return time.Now() }

// connState holds the in-progress request and response parse state for one
// TCP connection, plus the trace-id pairing cell shared by both copy loops
// (spec.md §4.6 "Trace ids").
type connState struct {
	observer  *Observer
	configID  int64
	localPort int

	mu           sync.Mutex
	req          *message
	resp         *message
	pendingTrace []string
}

func (c *connState) feedRequest(data []byte, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.req == nil {
		c.req = newMessage(DirectionRequest, now)
	}
	c.feedMessage(c.req, data, now, false)

	if c.req.complete {
		traceID := uuid.NewString()
		c.pendingTrace = append(c.pendingTrace, traceID)
		c.emit(c.req, traceID, now, 0)
		c.req = nil
	}
}

func (c *connState) feedResponse(data []byte, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resp == nil {
		c.resp = newMessage(DirectionResponse, now)
	}
	c.feedMessage(c.resp, data, now, true)

	if c.resp.complete {
		traceID := "unknown"
		if len(c.pendingTrace) > 0 {
			traceID = c.pendingTrace[0]
			c.pendingTrace = c.pendingTrace[1:]
		}
		took := now.Sub(c.resp.startedAt)
		c.emit(c.resp, traceID, now, took)
		c.resp = nil
	}
}

// feedMessage appends raw bytes to msg, transitioning from header accumulation
// to body accumulation once the headers terminator is seen, and marks msg
// complete per the ready-for-logging policy.
func (c *connState) feedMessage(msg *message, data []byte, now time.Time, peerConnClose bool) {
	if !msg.headersParsed {
		msg.headerBuf.Write(data)
		raw := msg.headerBuf.Bytes()
		termLen, idx := findHeadersTerminator(raw)
		if idx < 0 {
			return
		}
		headerBlock := raw[:idx]
		remainder := append([]byte(nil), raw[idx+termLen:]...)
		msg.headerBuf.Reset()
		msg.parseStartLineAndHeaders(headerBlock, peerConnClose)
		if len(remainder) > 0 {
			c.feedBody(msg, remainder)
		}
	} else {
		c.feedBody(msg, data)
	}

	if msg.headersParsed && msg.readyForLogging(now) {
		msg.complete = true
	}
}

func (c *connState) feedBody(msg *message, data []byte) {
	switch msg.mode {
	case bodyModeChunked:
		if msg.chunked != nil {
			decoded := msg.chunked.Feed(data)
			msg.bodyBuf.Write(decoded)
		}
	case bodyModeContentLength:
		remaining := msg.contentLength - msg.bodyReceived
		if remaining <= 0 {
			return
		}
		take := int64(len(data))
		if take > remaining {
			take = remaining
		}
		msg.bodyBuf.Write(data[:take])
		msg.bodyReceived += take
	default:
		msg.bodyBuf.Write(data)
	}
}

func (c *connState) emit(msg *message, traceID string, now time.Time, took time.Duration) {
	entry := format(msg, traceID, now, took)
	if c.observer.Store == nil {
		return
	}
	if err := c.observer.Store.Append(c.configID, c.localPort, entry); err != nil {
		klog.Warningf("httplog: failed to append log entry for config %d: %v", c.configID, err)
		return
	}
	if c.observer.MaxFileSize > 0 || c.observer.RetentionDays > 0 {
		c.observer.Store.EnforceRetention(c.configID, c.localPort, c.observer.MaxFileSize, c.observer.RetentionDays)
	}
}

// Finalize flushes whatever request/response is still in progress when the
// underlying connection closes. Without it, a response left in
// bodyModeUntilClose (the common case: a small plain-HTTP/1.0 or
// Connection: close reply) only ever becomes loggable via the safety valve
// in readyForLogging, which requires the body to sit for 60s past 5KiB —
// matching http_response_handler.rs's "log at connection close" path.
func (c *connState) Finalize(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.req != nil && c.req.headersParsed {
		traceID := uuid.NewString()
		c.emit(c.req, traceID, now, 0)
		c.req = nil
	}
	if c.resp != nil && c.resp.headersParsed {
		traceID := "unknown"
		if len(c.pendingTrace) > 0 {
			traceID = c.pendingTrace[0]
			c.pendingTrace = c.pendingTrace[1:]
		}
		took := now.Sub(c.resp.startedAt)
		c.emit(c.resp, traceID, now, took)
		c.resp = nil
	}
}

// findHeadersTerminator locates the first "\r\n\r\n" or "\n\n" in data,
// returning the terminator's length and starting index, or (0, -1) if not
// yet present (spec.md §4.6).
func findHeadersTerminator(data []byte) (termLen int, idx int) {
	if i := bytes.Index(data, []byte("\r\n\r\n")); i >= 0 {
		return 4, i
	}
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return 2, i
	}
	return 0, -1
}
