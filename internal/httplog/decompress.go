package httplog

import (
	"bytes"
	"compress/gzip"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
)

// minDecodeSize is the floor below which a body is treated as too short to
// be meaningfully compressed and is passed through untouched (spec.md §4.6).
const minDecodeSize = 16

// decodePool bounds how many decompression tasks run concurrently so a burst
// of large bodies cannot starve the copy loops' I/O scheduling.
var decodePool = make(chan struct{}, 8)

// decompress reverses Content-Encoding in declaration order, per spec.md
// §4.6 ("processed in reverse order of declaration"). encodings is the
// comma-split, lower-cased list as declared on the wire.
func decompress(encodings []string, body []byte) ([]byte, bool) {
	if len(body) < minDecodeSize {
		return body, true
	}

	out := body
	ok := true
	for i := len(encodings) - 1; i >= 0; i-- {
		enc := strings.TrimSpace(strings.ToLower(encodings[i]))
		switch enc {
		case "", "identity":
			continue
		case "gzip":
			decoded, err := runDecodeTask(out, decodeGzip)
			if err != nil {
				return body, false
			}
			out, ok = decoded, true
		case "br":
			decoded, err := runDecodeTask(out, decodeBrotli)
			if err != nil {
				return body, false
			}
			out, ok = decoded, true
		case "deflate":
			decoded, err := runDecodeTask(out, decodeDeflate)
			if err != nil {
				return body, false
			}
			out, ok = decoded, true
		default:
			// Unknown encoding: leave bytes as-is rather than fail the whole chain.
		}
	}
	return out, ok
}

func runDecodeTask(in []byte, fn func([]byte) ([]byte, error)) ([]byte, error) {
	decodePool <- struct{}{}
	defer func() { <-decodePool }()
	return fn(in)
}

func decodeGzip(in []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(in))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func decodeBrotli(in []byte) ([]byte, error) {
	r := brotli.NewReader(bytes.NewReader(in))
	return io.ReadAll(r)
}

func decodeDeflate(in []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(in))
	defer r.Close()
	return io.ReadAll(r)
}
