package httplog

import "testing"

func TestChunkedDecoderSingleChunk(t *testing.T) {
	d := newChunkedDecoder()
	out := d.Feed([]byte("5\r\nhello\r\n0\r\n\r\n"))
	if string(out) != "hello" {
		t.Fatalf("decoded = %q, want %q", out, "hello")
	}
	if !d.done {
		t.Fatal("expected decoder to be done")
	}
}

func TestChunkedDecoderMultipleChunksAcrossFeeds(t *testing.T) {
	d := newChunkedDecoder()
	var out []byte
	out = append(out, d.Feed([]byte("4\r\nWiki\r\n"))...)
	out = append(out, d.Feed([]byte("5\r\npedia\r\n"))...)
	out = append(out, d.Feed([]byte("0\r\n\r\n"))...)

	if string(out) != "Wikipedia" {
		t.Fatalf("decoded = %q, want %q", out, "Wikipedia")
	}
	if !d.done {
		t.Fatal("expected decoder to be done")
	}
}

func TestChunkedDecoderIncompleteChunkRetainedAcrossReads(t *testing.T) {
	d := newChunkedDecoder()
	out := d.Feed([]byte("5\r\nhel"))
	if string(out) != "hel" {
		t.Fatalf("decoded = %q, want %q", out, "hel")
	}
	out = d.Feed([]byte("lo\r\n0\r\n\r\n"))
	if string(out) != "lo" {
		t.Fatalf("decoded = %q, want %q", out, "lo")
	}
}

func TestChunkedDecoderIgnoresExtensionParameters(t *testing.T) {
	d := newChunkedDecoder()
	out := d.Feed([]byte("5;foo=bar\r\nhello\r\n0\r\n\r\n"))
	if string(out) != "hello" {
		t.Fatalf("decoded = %q, want %q", out, "hello")
	}
}

func TestParseChunkSizeRejectsMalformed(t *testing.T) {
	if _, ok := parseChunkSize("not-hex"); ok {
		t.Fatal("expected malformed size to be rejected")
	}
	if n, ok := parseChunkSize("ff"); !ok || n != 255 {
		t.Fatalf("got (%d, %v), want (255, true)", n, ok)
	}
}
