package consensus

import "encoding/binary"

func appendU32le(dst []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(dst, v)
}

func appendU32be(dst []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(dst, v)
}
