package httplog

import (
	"bytes"
	"strconv"
	"strings"
)

type chunkState int

const (
	chunkStateSize chunkState = iota
	chunkStateData
	chunkStateDataCRLF
	chunkStateTrailers
	chunkStateDone
)

// chunkedDecoder incrementally decodes an HTTP/1.1 chunked body (spec.md
// §4.6). Incomplete chunks are retained across Feed calls; malformed size
// prefixes are skipped rather than aborting the whole body.
type chunkedDecoder struct {
	buf       bytes.Buffer
	state     chunkState
	remaining int64
	done      bool
}

func newChunkedDecoder() *chunkedDecoder {
	return &chunkedDecoder{}
}

// Feed appends raw bytes and returns any newly decoded payload bytes.
func (c *chunkedDecoder) Feed(data []byte) []byte {
	c.buf.Write(data)
	var out []byte

	for {
		switch c.state {
		case chunkStateSize:
			line, ok := c.takeLine()
			if !ok {
				return out
			}
			size, valid := parseChunkSize(line)
			if !valid {
				// Malformed prefix: skip and keep looking for a valid one.
				continue
			}
			if size == 0 {
				c.state = chunkStateTrailers
				continue
			}
			c.remaining = size
			c.state = chunkStateData

		case chunkStateData:
			avail := c.buf.Bytes()
			if int64(len(avail)) == 0 {
				return out
			}
			take := c.remaining
			if take > int64(len(avail)) {
				take = int64(len(avail))
			}
			out = append(out, avail[:take]...)
			c.buf.Next(int(take))
			c.remaining -= take
			if c.remaining == 0 {
				c.state = chunkStateDataCRLF
			} else {
				return out
			}

		case chunkStateDataCRLF:
			if c.buf.Len() < 2 {
				return out
			}
			c.buf.Next(2) // trailing CRLF after chunk data
			c.state = chunkStateSize

		case chunkStateTrailers:
			line, ok := c.takeLine()
			if !ok {
				return out
			}
			if line == "" {
				c.state = chunkStateDone
				c.done = true
				return out
			}
			// otherwise: trailer header line, discarded

		case chunkStateDone:
			return out
		}
	}
}

// takeLine pops one CRLF- or LF-terminated line from the buffer, leaving it
// untouched if no terminator is present yet (continuation case).
func (c *chunkedDecoder) takeLine() (string, bool) {
	b := c.buf.Bytes()
	idx := bytes.IndexByte(b, '\n')
	if idx < 0 {
		return "", false
	}
	line := string(b[:idx])
	line = strings.TrimSuffix(line, "\r")
	c.buf.Next(idx + 1)
	return line, true
}

// parseChunkSize parses a chunk-size line, ignoring `;`-delimited extension
// parameters (spec.md §4.6).
func parseChunkSize(line string) (int64, bool) {
	if idx := strings.IndexByte(line, ';'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(line, 16, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
