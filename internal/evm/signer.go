package evm

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidSigner     = errors.New("evm: invalid signer")
	ErrInvalidPrivateKey = errors.New("evm: invalid private key")
)

// Signer signs transactions for a single account. Custodial deployments hold
// one signer per user address.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

type LocalSigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func NewLocalSigner(key *ecdsa.PrivateKey) *LocalSigner {
	var addr common.Address
	if key != nil {
		addr = crypto.PubkeyToAddress(key.PublicKey)
	}
	return &LocalSigner{key: key, addr: addr}
}

func (s *LocalSigner) Address() common.Address { return s.addr }

func (s *LocalSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if s.key == nil || tx == nil || chainID == nil || chainID.Sign() <= 0 {
		return nil, ErrInvalidSigner
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// ParsePrivateKeysHexList parses comma-separated secp256k1 keys (optional 0x
// prefix). Errors name the index only, never key material.
func ParsePrivateKeysHexList(s string) ([]*ecdsa.PrivateKey, error) {
	var out []*ecdsa.PrivateKey
	for i, p := range strings.Split(s, ",") {
		p = strings.TrimPrefix(strings.TrimSpace(p), "0x")
		if p == "" {
			continue
		}
		key, err := crypto.HexToECDSA(p)
		if err != nil {
			return nil, fmt.Errorf("%w: index %d", ErrInvalidPrivateKey, i)
		}
		out = append(out, key)
	}
	if len(out) == 0 {
		return nil, ErrInvalidPrivateKey
	}
	return out, nil
}

// LocalSigners wraps parsed keys.
func LocalSigners(keys []*ecdsa.PrivateKey) []Signer {
	out := make([]Signer, 0, len(keys))
	for _, k := range keys {
		out = append(out, NewLocalSigner(k))
	}
	return out
}
