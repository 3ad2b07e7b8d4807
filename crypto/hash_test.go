package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeccak256_Vectors(t *testing.T) {
	got := Keccak256()
	require.Equal(t, "c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470", hex.EncodeToString(got[:]))

	got = Keccak256([]byte("abc"))
	require.Equal(t, "4e03657aea45a94fc7d47ba826c8d667c0d1e6e33a64a036ec44f58fa12d6c45", hex.EncodeToString(got[:]))

	split := Keccak256([]byte("a"), []byte("bc"))
	require.Equal(t, got, split, "multi-part input must hash as its concatenation")
}

func TestDoubleSHA256_Vectors(t *testing.T) {
	got := DoubleSHA256(nil)
	require.Equal(t, "5df6e0e2761359d30a8275058e299fcc0381534545f55cf43e41983f5d4c9456", hex.EncodeToString(got[:]))
}

func TestReverse32(t *testing.T) {
	var in [32]byte
	for i := range in {
		in[i] = byte(i)
	}
	out := Reverse32(in)
	require.Equal(t, byte(31), out[0])
	require.Equal(t, byte(0), out[31])
	require.Equal(t, in, Reverse32(out))
}
