package idempotency

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"

	"github.com/rewardpools/stake-engine/internal/staking"
)

const (
	txKeyPrefixV1        = "stake-engine/tx/v1"
	poolClaimKeyPrefixV1 = "stake-engine/pool-claim/v1"
)

// Key is the ProcessedTransaction primary key.
type Key [32]byte

func (k Key) String() string { return "0x" + hex.EncodeToString(k[:]) }

// TxKeyV1 keys a single-pool operation by its transaction hash:
//
//	key = keccak256("stake-engine/tx/v1" || txHash)
func TxKeyV1(txHash common.Hash) Key {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(txKeyPrefixV1))
	_, _ = h.Write(txHash[:])
	return sum(h.Sum(nil))
}

// PoolClaimKeyV1 keys one pool's share of an aggregated claim transaction:
//
//	key = keccak256("stake-engine/pool-claim/v1" || txHash || chainIdBE64 || poolAddress)
//
// One aggregate tx hash covers many pools, so the pool identity is part of the key.
func PoolClaimKeyV1(txHash common.Hash, pool staking.PoolRef) Key {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(poolClaimKeyPrefixV1))
	_, _ = h.Write(txHash[:])

	var chain [8]byte
	binary.BigEndian.PutUint64(chain[:], pool.ChainID)
	_, _ = h.Write(chain[:])
	_, _ = h.Write(pool.Address[:])
	return sum(h.Sum(nil))
}

func sum(b []byte) Key {
	var out Key
	copy(out[:], b)
	return out
}
