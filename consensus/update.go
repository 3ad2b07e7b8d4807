package consensus

import (
	"math"
	"math/big"
)

// UpdateChain validates next as the child of parent and derives the child's
// StoredHeader. It returns the child's commitment alongside it.
//
// The previous-hash input of the proof-of-work check is recomputed from
// parent, never taken from the caller, so a header mined on any other parent
// fails InvalidProofOfWork.
func UpdateChain(params *Params, parent StoredHeader, next CompactHeader, nowBound uint32) ([32]byte, StoredHeader, error) {
	if parent.Height == math.MaxUint32 {
		return [32]byte{}, StoredHeader{}, errCode(ERR_HEIGHT_OVERFLOW)
	}
	height := parent.Height + 1

	target, err := TargetFromBits(next.Bits)
	if err != nil {
		return [32]byte{}, StoredHeader{}, err
	}
	prevHash := parent.NativeHash()
	hash := next.HashOn(prevHash)
	if HashToBig(hash).Cmp(target) >= 0 {
		return [32]byte{}, StoredHeader{}, Errorf(ERR_INVALID_POW, "height %d", height)
	}

	if height%RETARGET_INTERVAL != 0 {
		if next.Bits != parent.Bits {
			return [32]byte{}, StoredHeader{}, Errorf(ERR_NBITS_MISMATCH, "height %d: got %08x want %08x", height, next.Bits, parent.Bits)
		}
	} else {
		want, err := ExpectedBits(params, parent)
		if err != nil {
			return [32]byte{}, StoredHeader{}, err
		}
		if next.Bits != want {
			return [32]byte{}, StoredHeader{}, Errorf(ERR_RETARGET_MISMATCH, "height %d: got %08x want %08x", height, next.Bits, want)
		}
	}

	if mtp := MedianTimePast(parent); next.Timestamp <= mtp {
		return [32]byte{}, StoredHeader{}, Errorf(ERR_TIMESTAMP_NOT_ABOVE_MEDIAN, "height %d: %d <= %d", height, next.Timestamp, mtp)
	}
	if next.Timestamp > nowBound {
		return [32]byte{}, StoredHeader{}, Errorf(ERR_TIMESTAMP_TOO_FAR_IN_FUTURE, "height %d: %d > %d", height, next.Timestamp, nowBound)
	}

	work := new(big.Int).Add(parent.Work(), WorkForTarget(target))
	if work.BitLen() > 256 {
		work.Set(maxUint256)
	}

	child := StoredHeader{
		Version:             next.Version,
		PreviousHash:        prevHash,
		MerkleRoot:          next.MerkleRoot,
		Timestamp:           next.Timestamp,
		Bits:                next.Bits,
		Nonce:               next.Nonce,
		Height:              height,
		EpochStartTimestamp: parent.EpochStartTimestamp,
	}
	child.SetWork(work)
	if height%RETARGET_INTERVAL == 0 {
		child.EpochStartTimestamp = next.Timestamp
	}
	copy(child.RecentTimestamps[:], parent.RecentTimestamps[1:])
	child.RecentTimestamps[RECENT_TIMESTAMPS-1] = parent.Timestamp

	return child.Commitment(), child, nil
}

// CheckProofOfWork reports whether next, mined on top of parent, meets its
// own declared target. It runs only the first UpdateChain rule.
func CheckProofOfWork(parent StoredHeader, next CompactHeader) bool {
	target, err := TargetFromBits(next.Bits)
	if err != nil {
		return false
	}
	return HashToBig(next.HashOn(parent.NativeHash())).Cmp(target) < 0
}
