package escrow

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// The bounty id scheme is fixed by the deployed escrow contract and must be
// reproduced bit-for-bit: a mismatch silently routes funds to the wrong id.
// Both functions mirror the contract's solidity exactly:
//
//	repoIdHash = keccak256(abi.encode(uint256(repoId)))
//	bountyId   = keccak256(abi.encode(sponsor, repoIdHash, uint256(issueNumber), uint256(chainId)))
//
// abi.encode pads every argument to a 32-byte word. The chain id argument is
// the contract's domain separation — the same issue funded on two networks
// yields two distinct ids.

// HashRepoID returns the contract's hash of a numeric repository id.
func HashRepoID(repoID uint64) common.Hash {
	return crypto.Keccak256Hash(pad32(new(big.Int).SetUint64(repoID)))
}

// DeriveBountyID computes the on-chain bounty id. Pure, no network I/O.
func DeriveBountyID(sponsor common.Address, repoIDHash common.Hash, issueNumber, chainID uint64) common.Hash {
	return crypto.Keccak256Hash(
		common.LeftPadBytes(sponsor.Bytes(), 32),
		repoIDHash.Bytes(),
		pad32(new(big.Int).SetUint64(issueNumber)),
		pad32(new(big.Int).SetUint64(chainID)),
	)
}

func pad32(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}
