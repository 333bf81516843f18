package blob

import (
	"slices"

	sha256 "github.com/minio/sha256-simd"
	"golang.org/x/crypto/sha3"
)

// hashSize is the size of every hash handled by the codec.
const hashSize = 32

// keccak is the cryptonote "fast hash": legacy Keccak-256 over the concatenation of parts.
func keccak(parts ...[]byte) [hashSize]byte {
	h := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		h.Write(p)
	}
	var out [hashSize]byte
	h.Sum(out[:0])
	return out
}

// sha256d is bitcoin's double SHA-256.
func sha256d(b []byte) [hashSize]byte {
	first := sha256.Sum256(b)
	return sha256.Sum256(first[:])
}

// reversed returns a reversed copy, converting between internal and display byte order.
func reversed(b []byte) []byte {
	out := append([]byte(nil), b...)
	slices.Reverse(out)
	return out
}

// treeHash computes the cryptonote merkle root of hashes.
func treeHash(hashes [][hashSize]byte) [hashSize]byte {
	count := len(hashes)
	switch count {
	case 0:
		return [hashSize]byte{}
	case 1:
		return hashes[0]
	case 2:
		return keccak(hashes[0][:], hashes[1][:])
	}

	// largest power of two strictly below count
	cnt := 1
	for cnt*2 < count {
		cnt *= 2
	}

	ints := make([][hashSize]byte, cnt)
	direct := 2*cnt - count
	copy(ints, hashes[:direct])
	for i, j := direct, direct; j < cnt; i, j = i+2, j+1 {
		ints[j] = keccak(hashes[i][:], hashes[i+1][:])
	}
	for cnt > 2 {
		cnt /= 2
		for i, j := 0, 0; j < cnt; i, j = i+2, j+1 {
			ints[j] = keccak(ints[i][:], ints[i+1][:])
		}
	}
	return keccak(ints[0][:], ints[1][:])
}

// treeDepth is the length of the merkle branch of the first leaf among count leaves.
func treeDepth(count int) int {
	depth := 0
	for cnt := 1; cnt*2 <= count; cnt *= 2 {
		depth++
	}
	return depth
}

// treeBranch returns the merkle branch proving hashes[0]. branch[0] is the
// sibling nearest the root, branch[len-1] the sibling of the leaf.
func treeBranch(hashes [][hashSize]byte) [][hashSize]byte {
	count := len(hashes)
	depth := treeDepth(count)
	if depth == 0 {
		return nil
	}
	cnt := 1 << depth

	// ints[j] holds level nodes excluding the first leaf's path element
	ints := make([][hashSize]byte, cnt-1)
	direct := 2*cnt - count - 1
	copy(ints, hashes[1:1+direct])
	i := 2*cnt - count
	for j := direct; j < cnt-1; i, j = i+2, j+1 {
		ints[j] = keccak(hashes[i][:], hashes[i+1][:])
	}

	branch := make([][hashSize]byte, depth)
	for depth > 0 {
		cnt >>= 1
		depth--
		branch[depth] = ints[0]
		for i, j := 1, 0; j < cnt-1; i, j = i+2, j+1 {
			ints[j] = keccak(ints[i][:], ints[i+1][:])
		}
	}
	return branch
}

// treeHashFromBranch folds leaf up through branch and returns the root.
func treeHashFromBranch(leaf [hashSize]byte, branch [][hashSize]byte) [hashSize]byte {
	partial := leaf
	for d := len(branch) - 1; d >= 0; d-- {
		partial = keccak(partial[:], branch[d][:])
	}
	return partial
}

// bitcoinMerkleRoot computes the double SHA-256 merkle root, duplicating the
// last node of odd levels.
func bitcoinMerkleRoot(txids [][hashSize]byte) [hashSize]byte {
	if len(txids) == 0 {
		return [hashSize]byte{}
	}
	level := append([][hashSize]byte(nil), txids...)
	var pair [2 * hashSize]byte
	for len(level) > 1 {
		next := level[:0:0]
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			copy(pair[:hashSize], left[:])
			copy(pair[hashSize:], right[:])
			next = append(next, sha256d(pair[:]))
		}
		level = next
	}
	return level[0]
}
