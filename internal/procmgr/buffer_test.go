package procmgr

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBuffer_WithinCapacity(t *testing.T) {
	b := NewRingBuffer(100)
	b.Write([]byte("hello "))
	b.Write([]byte("world"))

	require.Equal(t, "hello world", string(b.Bytes()))
}

func TestRingBuffer_OverflowEmitsSingleMarker(t *testing.T) {
	b := NewRingBuffer(10)
	b.Write([]byte("0123456789"))
	b.Write([]byte("abcde")) // forces 5 bytes discarded

	out := string(b.Bytes())
	assert.True(t, strings.HasPrefix(out, "[truncated 5 bytes]\n"))
	assert.True(t, strings.HasSuffix(out, "56789abcde"))

	b.Write([]byte("f")) // another overflow; marker count should accumulate, not duplicate
	out2 := string(b.Bytes())
	assert.Equal(t, 1, strings.Count(out2, "[truncated"))
}

func TestRingBuffer_EmptyWriteIsNoop(t *testing.T) {
	b := NewRingBuffer(10)
	b.Write(nil)
	require.Equal(t, "", string(b.Bytes()))
}
