package journal

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/velorift/vrift/internal/cas"
)

// record layout: kind[1] | id[16] | variant-specific payload.
//
// Begin:      virtual_path_len[4] virtual_path staging_path_len[4] staging_path pre_hash[32]
// HashKnown:  hash[32]
// Done:       (no payload)

func encodeBegin(id uuid.UUID, virtualPath, stagingPath string, preHash cas.Hash) []byte {
	vp := []byte(virtualPath)
	sp := []byte(stagingPath)

	buf := make([]byte, 0, 1+16+4+len(vp)+4+len(sp)+cas.HashSize)
	buf = append(buf, byte(recordBegin))
	buf = append(buf, id[:]...)
	buf = appendLenPrefixed(buf, vp)
	buf = appendLenPrefixed(buf, sp)
	buf = append(buf, preHash[:]...)
	return buf
}

func encodeHashKnown(id uuid.UUID, hash cas.Hash) []byte {
	buf := make([]byte, 0, 1+16+cas.HashSize)
	buf = append(buf, byte(recordHashKnown))
	buf = append(buf, id[:]...)
	buf = append(buf, hash[:]...)
	return buf
}

func encodeDone(id uuid.UUID) []byte {
	buf := make([]byte, 0, 1+16)
	buf = append(buf, byte(recordDone))
	buf = append(buf, id[:]...)
	return buf
}

func appendLenPrefixed(buf []byte, b []byte) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, b...)
	return buf
}
