package httplog

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestConnStateEmitsRequestAndResponseWithMatchingTraceID(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	cs := &connState{observer: &Observer{Store: store}, configID: 1, localPort: 8080}

	now := time.Now()
	cs.feedRequest([]byte("GET /foo HTTP/1.1\r\nHost: x\r\nContent-Length: 0\r\n\r\n"), now)
	cs.feedResponse([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"), now.Add(5*time.Millisecond))

	data, err := os.ReadFile(store.path(1, 8080))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	content := string(data)

	if strings.Count(content, "Trace ID:") != 2 {
		t.Fatalf("expected two trace-id lines, got:\n%s", content)
	}

	lines := strings.Split(content, "\n")
	var reqTrace, respTrace string
	for i, line := range lines {
		if strings.HasPrefix(line, "# Trace ID:") {
			if reqTrace == "" {
				reqTrace = line
				_ = i
			} else {
				respTrace = line
			}
		}
	}
	if reqTrace != respTrace {
		t.Fatalf("request/response trace ids do not match: %q vs %q", reqTrace, respTrace)
	}
	if !strings.Contains(content, "GET /foo HTTP/1.1") {
		t.Fatalf("expected start line in output:\n%s", content)
	}
	if !strings.Contains(content, "ok") {
		t.Fatalf("expected body in output:\n%s", content)
	}
}

func TestConnStateHandlesHeadersSplitAcrossFeeds(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	cs := &connState{observer: &Observer{Store: store}, configID: 2, localPort: 9090}

	now := time.Now()
	cs.feedRequest([]byte("GET /split HTTP/1.1\r\nHost: x\r\nContent-Le"), now)
	cs.feedRequest([]byte("ngth: 0\r\n\r\n"), now)

	data, err := os.ReadFile(store.path(2, 9090))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "GET /split HTTP/1.1") {
		t.Fatalf("expected parsed request after split headers, got:\n%s", data)
	}
}

func TestParseTraceNamespace(t *testing.T) {
	id, port := parseTraceNamespace("42:9000")
	if id != 42 || port != 9000 {
		t.Fatalf("got (%d, %d), want (42, 9000)", id, port)
	}
}
