package consensus

import "encoding/binary"

func need(b []byte, off int, n int, what string) error {
	if off < 0 || n < 0 || off+n > len(b) || off+n < off {
		return Errorf(ERR_OUT_OF_BOUNDS, "%s: need %d bytes at offset %d, have %d", what, n, off, len(b))
	}
	return nil
}

func readU32le(b []byte, off *int) uint32 {
	v := binary.LittleEndian.Uint32(b[*off : *off+4])
	*off += 4
	return v
}

func readU32be(b []byte, off *int) uint32 {
	v := binary.BigEndian.Uint32(b[*off : *off+4])
	*off += 4
	return v
}

func readHash(b []byte, off *int) [32]byte {
	var h [32]byte
	copy(h[:], b[*off:*off+32])
	*off += 32
	return h
}
