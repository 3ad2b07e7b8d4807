package consensus

import (
	"math/big"
	"sort"
)

const (
	RETARGET_INTERVAL = 2016
	EPOCH_TARGET_SECS = 14 * 24 * 60 * 60

	LOCKTIME_THRESHOLD = 500_000_000
)

var (
	bigOne     = big.NewInt(1)
	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(bigOne, 256), bigOne)

	epochTargetBig = big.NewInt(EPOCH_TARGET_SECS)
)

// TargetFromBits expands a compact difficulty encoding into a 256-bit target.
func TargetFromBits(bits uint32) (*big.Int, error) {
	if bits&0x00800000 != 0 {
		return nil, Errorf(ERR_NEGATIVE_TARGET, "bits %08x", bits)
	}
	exponent := uint(bits >> 24)
	mantissa := big.NewInt(int64(bits & 0x007fffff))

	var target *big.Int
	if exponent <= 3 {
		target = mantissa.Rsh(mantissa, 8*(3-exponent))
	} else {
		target = mantissa.Lsh(mantissa, 8*(exponent-3))
	}
	if target.BitLen() > 256 {
		return nil, Errorf(ERR_TARGET_OVERFLOW, "bits %08x", bits)
	}
	return target, nil
}

// BitsFromTarget returns the canonical compact encoding of target. Precision
// below the top three significant bytes is dropped.
func BitsFromTarget(target *big.Int) uint32 {
	if target.Sign() <= 0 {
		return 0
	}
	size := uint32((target.BitLen() + 7) / 8)
	var mantissa uint32
	if size <= 3 {
		mantissa = uint32(target.Uint64()) << (8 * (3 - size))
	} else {
		mantissa = uint32(new(big.Int).Rsh(target, uint(8*(size-3))).Uint64())
	}
	// 0x00800000 is the sign bit; shift it out into a zero pad byte.
	if mantissa&0x00800000 != 0 {
		mantissa >>= 8
		size++
	}
	return size<<24 | mantissa
}

// WorkForTarget is the expected number of hash attempts for a block at
// target: ((2^256 - 1 - target) / (target + 1)) + 1.
func WorkForTarget(target *big.Int) *big.Int {
	num := new(big.Int).Sub(maxUint256, target)
	if num.Sign() < 0 {
		return big.NewInt(1)
	}
	den := new(big.Int).Add(target, bigOne)
	w := num.Quo(num, den)
	return w.Add(w, bigOne)
}

// Retarget computes the next epoch's target from the previous target and the
// first and last timestamps of the epoch that just ended.
func Retarget(oldTarget *big.Int, epochStart uint32, lastTimestamp uint32) *big.Int {
	timespan := int64(lastTimestamp) - int64(epochStart)
	if timespan < EPOCH_TARGET_SECS/4 {
		timespan = EPOCH_TARGET_SECS / 4
	}
	if timespan > EPOCH_TARGET_SECS*4 {
		timespan = EPOCH_TARGET_SECS * 4
	}
	next := new(big.Int).Mul(oldTarget, big.NewInt(timespan))
	next.Quo(next, epochTargetBig)
	if next.Cmp(maxUint256) > 0 {
		next.Set(maxUint256)
	}
	return next
}

// ExpectedBits returns the difficulty bits the child of parent must carry.
func ExpectedBits(params *Params, parent StoredHeader) (uint32, error) {
	if (uint64(parent.Height)+1)%RETARGET_INTERVAL != 0 {
		return parent.Bits, nil
	}
	oldTarget, err := TargetFromBits(parent.Bits)
	if err != nil {
		return 0, err
	}
	next := Retarget(oldTarget, parent.EpochStartTimestamp, parent.Timestamp)
	if params.ClampRetarget && params.PowLimit != nil && next.Cmp(params.PowLimit) > 0 {
		next = new(big.Int).Set(params.PowLimit)
	}
	return BitsFromTarget(next), nil
}

// MedianTimePast is the median of the parent's ten recent timestamps plus
// its own timestamp.
func MedianTimePast(parent StoredHeader) uint32 {
	var ts [RECENT_TIMESTAMPS + 1]uint32
	copy(ts[:], parent.RecentTimestamps[:])
	ts[RECENT_TIMESTAMPS] = parent.Timestamp
	sort.Slice(ts[:], func(i, j int) bool { return ts[i] < ts[j] })
	return ts[len(ts)/2]
}

// HashToBig reads a native block hash the way the tracked chain compares it
// against a target: the internal-order digest is a little-endian integer.
func HashToBig(hash [32]byte) *big.Int {
	var be [32]byte
	for i := 0; i < 32; i++ {
		be[i] = hash[31-i]
	}
	return new(big.Int).SetBytes(be[:])
}
