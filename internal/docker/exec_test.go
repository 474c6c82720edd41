package docker

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func frame(streamType byte, payload string) []byte {
	header := make([]byte, 8)
	header[0] = streamType
	binary.BigEndian.PutUint32(header[4:], uint32(len(payload)))
	return append(header, payload...)
}

func TestStripExecFramingSingleFrame(t *testing.T) {
	chunk := frame(1, "hello world")
	assert.Equal(t, []byte("hello world"), StripExecFraming(chunk))
}

func TestStripExecFramingStderrFrame(t *testing.T) {
	chunk := frame(2, "oops")
	// "oops" is only 4 payload bytes, chunk is 12 bytes total.
	assert.Equal(t, []byte("oops"), StripExecFraming(chunk))
}

func TestStripExecFramingMultipleFrames(t *testing.T) {
	chunk := append(frame(1, "out"), frame(2, "err")...)
	assert.Equal(t, []byte("outerr"), StripExecFraming(chunk))
}

func TestStripExecFramingPassthroughTTY(t *testing.T) {
	// TTY streams start with printable bytes and pass through unchanged.
	raw := []byte("$ echo hello\r\nhello\r\n")
	assert.Equal(t, raw, StripExecFraming(raw))
}

func TestStripExecFramingShortChunk(t *testing.T) {
	raw := []byte{1, 0, 0}
	assert.Equal(t, raw, StripExecFraming(raw))
}

func TestStripExecFramingTruncatedFrame(t *testing.T) {
	full := frame(1, "abcdef")
	truncated := full[:11] // header + 3 of 6 payload bytes
	assert.Equal(t, []byte("abc"), StripExecFraming(truncated))
}
