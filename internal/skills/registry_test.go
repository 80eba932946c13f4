package skills

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReverseBytes(t *testing.T) {
	out, err := ReverseBytes(context.Background(), []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, "cba", string(out))
}

func TestSumUint32s(t *testing.T) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], 2)
	binary.LittleEndian.PutUint32(buf[4:8], 40)

	out, err := SumUint32s(context.Background(), buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), binary.LittleEndian.Uint32(out))
}

func TestSumUint32sRejectsMisalignedPayload(t *testing.T) {
	_, err := SumUint32s(context.Background(), []byte{1, 2, 3})
	require.Error(t, err)
}

func TestRegistryLookup(t *testing.T) {
	r := DefaultRegistry()
	h, ok := r.Lookup(2)
	require.True(t, ok)
	out, err := h(context.Background(), []byte("xyz"))
	require.NoError(t, err)
	assert.Equal(t, "zyx", string(out))

	_, ok = r.Lookup(999)
	assert.False(t, ok)
}
