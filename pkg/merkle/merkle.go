// Package merkle builds sorted-pair keccak256 Merkle trees over relayer address sets.
// Trees and proofs are compatible with OpenZeppelin's MerkleProof.verify, so a registry
// contract can authorize any member of a set while storing only the root.
package merkle

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

type Tree struct {
	//sorted, deduplicated
	leaves []common.Hash
	index  map[common.Hash]int
	//levels[0] = leaves, last = root
	levels [][]common.Hash
}

// Leaf hashes the 20 raw address bytes.
func Leaf(address common.Address) common.Hash {
	return crypto.Keccak256Hash(address.Bytes())
}

func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a[:], b[:])
}

// BuildTree is independent of input order and duplicates.
func BuildTree(addresses []common.Address) *Tree {
	unique := make(map[common.Hash]bool, len(addresses))
	leaves := make([]common.Hash, 0, len(addresses))
	for _, address := range addresses {
		leaf := Leaf(address)
		if unique[leaf] {
			continue
		}
		unique[leaf] = true
		leaves = append(leaves, leaf)
	}
	sort.Slice(leaves, func(i, j int) bool {
		return bytes.Compare(leaves[i][:], leaves[j][:]) < 0
	})
	tree := &Tree{
		leaves: leaves,
		index:  make(map[common.Hash]int, len(leaves)),
	}
	for i, leaf := range leaves {
		tree.index[leaf] = i
	}
	if len(leaves) == 0 {
		return tree
	}
	level := leaves
	tree.levels = append(tree.levels, level)
	for len(level) > 1 {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				//odd node is promoted unchanged
				next = append(next, level[i])
				continue
			}
			next = append(next, hashPair(level[i], level[i+1]))
		}
		tree.levels = append(tree.levels, next)
		level = next
	}
	return tree
}

// Root is the zero hash for an empty set.
func (t *Tree) Root() common.Hash {
	if len(t.levels) == 0 {
		return common.Hash{}
	}
	return t.levels[len(t.levels)-1][0]
}

func (t *Tree) Size() int {
	return len(t.leaves)
}

func (t *Tree) Contains(address common.Address) bool {
	_, ok := t.index[Leaf(address)]
	return ok
}

// ProofFor returns the bottom-up sibling path for address.
func (t *Tree) ProofFor(address common.Address) ([]common.Hash, error) {
	pos, ok := t.index[Leaf(address)]
	if !ok {
		return nil, fmt.Errorf("address %s is not in the relayer set", address.Hex())
	}
	proof := make([]common.Hash, 0, len(t.levels))
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := pos ^ 1
		if sibling < len(level) {
			proof = append(proof, level[sibling])
		}
		pos /= 2
	}
	return proof, nil
}

// Verify folds the proof from the address leaf and compares with root.
func Verify(root common.Hash, proof []common.Hash, address common.Address) bool {
	if root == (common.Hash{}) {
		return false
	}
	computed := Leaf(address)
	for _, sibling := range proof {
		computed = hashPair(computed, sibling)
	}
	return computed == root
}
