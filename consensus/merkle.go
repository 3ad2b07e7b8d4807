package consensus

import "github.com/atomiqlabs/atomiq-contracts-evm-sub001/crypto"

func merkleParent(left, right [32]byte) [32]byte {
	var preimage [64]byte
	copy(preimage[:32], left[:])
	copy(preimage[32:], right[:])
	return crypto.DoubleSHA256(preimage[:])
}

// VerifyMerkleProof walks proof from leaf up to the root. Bit i of position
// says whether the running hash is the right (1) or left (0) child at level i.
// Bits above len(proof) must be zero.
func VerifyMerkleProof(leaf [32]byte, proof [][32]byte, position uint32, root [32]byte) error {
	if len(proof) < 32 && position>>uint(len(proof)) != 0 {
		return Errorf(ERR_MERKLE_VERIFICATION_FAILED, "position %d out of range for depth %d", position, len(proof))
	}
	cur := leaf
	for i, sibling := range proof {
		if i < 32 && (position>>uint(i))&1 == 1 {
			cur = merkleParent(sibling, cur)
		} else {
			cur = merkleParent(cur, sibling)
		}
	}
	if cur != root {
		return errCode(ERR_MERKLE_VERIFICATION_FAILED)
	}
	return nil
}

// ComputeMerkleRoot builds a block's Merkle root from its txids (internal
// byte order). An odd node at any level is paired with itself.
func ComputeMerkleRoot(txids [][32]byte) ([32]byte, error) {
	if len(txids) == 0 {
		return [32]byte{}, Errorf(ERR_OUT_OF_BOUNDS, "merkle: empty tx list")
	}
	level := append([][32]byte(nil), txids...)
	for len(level) > 1 {
		level = nextMerkleLevel(level)
	}
	return level[0], nil
}

// BuildMerkleProof returns the sibling path and position of txids[index].
func BuildMerkleProof(txids [][32]byte, index int) ([][32]byte, uint32, error) {
	if index < 0 || index >= len(txids) {
		return nil, 0, Errorf(ERR_OUT_OF_BOUNDS, "merkle: index %d of %d", index, len(txids))
	}
	var proof [][32]byte
	position := uint32(index) // #nosec G115 -- index < len(txids)
	level := append([][32]byte(nil), txids...)
	i := index
	for len(level) > 1 {
		sibling := i ^ 1
		if sibling >= len(level) {
			sibling = i
		}
		proof = append(proof, level[sibling])
		level = nextMerkleLevel(level)
		i /= 2
	}
	return proof, position, nil
}

func nextMerkleLevel(level [][32]byte) [][32]byte {
	next := make([][32]byte, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		right := level[i]
		if i+1 < len(level) {
			right = level[i+1]
		}
		next = append(next, merkleParent(level[i], right))
	}
	return next
}
