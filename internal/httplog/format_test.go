package httplog

import (
	"bytes"
	"strings"
	"testing"
)

func TestFormatJSONPrettyPrints(t *testing.T) {
	out := formatJSON([]byte(`{"a":1,"b":2}`))
	if !strings.Contains(string(out), "\"a\": 1") {
		t.Fatalf("expected pretty-printed JSON, got %s", out)
	}
}

func TestFormatJSONInvalidEmitsMarker(t *testing.T) {
	out := formatJSON([]byte(`not json`))
	if !strings.HasPrefix(string(out), "# invalid JSON") {
		t.Fatalf("expected invalid-JSON marker, got %s", out)
	}
}

func TestFormatNDJSONCapsEntries(t *testing.T) {
	var lines []string
	for i := 0; i < 150; i++ {
		lines = append(lines, `{"n":1}`)
	}
	out := formatNDJSON([]byte(strings.Join(lines, "\n")))
	if !strings.Contains(string(out), "truncated") {
		t.Fatalf("expected truncation marker past cap, got tail of %d bytes", len(out))
	}
}

func TestSniffContentTypeMagicNumbers(t *testing.T) {
	cases := map[string]string{
		string([]byte{0xFF, 0xD8}):       "image/jpeg",
		string([]byte{0x89, 0x50, 0x4E, 0x47}): "image/png",
		"{\"a\":1}":                       "application/json",
		"<html><body>":                   "text/html",
		"plain text":                     "text/plain",
	}
	for body, want := range cases {
		if got := sniffContentType([]byte(body)); got != want {
			t.Errorf("sniffContentType(%q) = %q, want %q", body, got, want)
		}
	}
}

func TestHexPreviewLimitsTo64Bytes(t *testing.T) {
	body := bytes.Repeat([]byte{0xAB}, 200)
	out := hexPreview(body)
	if !strings.Contains(string(out), "200 bytes") {
		t.Fatalf("expected byte count in preview, got %s", out)
	}
}

func TestFormatJavaScriptRevertsWhenOutputDiverges(t *testing.T) {
	body := []byte("a;")
	out := formatJavaScript(body)
	if len(out) > 2*len(body) {
		t.Fatalf("expected revert to original when heuristic output diverges, got %q", out)
	}
}
