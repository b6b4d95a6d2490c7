// Package poolabi packs and unpacks calldata for reward-pool contracts and
// the Multicall3 aggregator.
package poolabi

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidInput = errors.New("poolabi: invalid input")

var (
	initOnce sync.Once
	initErr  error

	poolABI      abi.ABI
	multicallABI abi.ABI
)

func initABI() error {
	initOnce.Do(func() {
		var err error
		poolABI, err = abi.JSON(strings.NewReader(poolABIJSON))
		if err != nil {
			initErr = fmt.Errorf("poolabi: parse pool ABI: %w", err)
			return
		}
		multicallABI, err = abi.JSON(strings.NewReader(multicall3ABIJSON))
		if err != nil {
			initErr = fmt.Errorf("poolabi: parse multicall3 ABI: %w", err)
			return
		}
	})
	return initErr
}

func PackStake() ([]byte, error) {
	return pack("stake")
}

func PackUnstake(amount *big.Int) ([]byte, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: unstake amount must be > 0", ErrInvalidInput)
	}
	return pack("unstake", amount)
}

func PackClaim() ([]byte, error) {
	return pack("claim")
}

// PackClaimFor builds claimFor(user). Aggregated claims go through the
// multicall contract, so the pool must pay the named user rather than msg.sender.
func PackClaimFor(user common.Address) ([]byte, error) {
	if user == (common.Address{}) {
		return nil, fmt.Errorf("%w: zero user", ErrInvalidInput)
	}
	return pack("claimFor", user)
}

func PackPendingReward(user common.Address) ([]byte, error) {
	return pack("pendingReward", user)
}

func UnpackPendingReward(data []byte) (*big.Int, error) {
	return unpackUint("pendingReward", data)
}

func PackStakeOf(user common.Address) ([]byte, error) {
	return pack("stakeOf", user)
}

func UnpackStakeOf(data []byte) (*big.Int, error) {
	return unpackUint("stakeOf", data)
}

func PackTotalStaked() ([]byte, error) {
	return pack("totalStaked")
}

func UnpackTotalStaked(data []byte) (*big.Int, error) {
	return unpackUint("totalStaked", data)
}

// RewardClaimedTopic is topic0 of RewardClaimed(address indexed user, uint256 amount).
func RewardClaimedTopic() common.Hash {
	if err := initABI(); err != nil {
		return common.Hash{}
	}
	return poolABI.Events["RewardClaimed"].ID
}

func pack(method string, args ...any) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	b, err := poolABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("poolabi: pack %s: %w", method, err)
	}
	return b, nil
}

func unpackUint(method string, data []byte) (*big.Int, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	out, err := poolABI.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("poolabi: unpack %s: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("poolabi: unpack %s: got %d outputs", method, len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok || v == nil {
		return nil, fmt.Errorf("poolabi: unpack %s: unexpected type %T", method, out[0])
	}
	return v, nil
}

const poolABIJSON = `[
  {"inputs":[],"name":"stake","outputs":[],"stateMutability":"payable","type":"function"},
  {"inputs":[{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"unstake","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[],"name":"claim","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"internalType":"address","name":"user","type":"address"}],"name":"claimFor","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"internalType":"address","name":"user","type":"address"}],"name":"pendingReward","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"internalType":"address","name":"user","type":"address"}],"name":"stakeOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"totalStaked","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"anonymous":false,"inputs":[{"indexed":true,"internalType":"address","name":"user","type":"address"},{"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"}],"name":"Staked","type":"event"},
  {"anonymous":false,"inputs":[{"indexed":true,"internalType":"address","name":"user","type":"address"},{"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"}],"name":"Unstaked","type":"event"},
  {"anonymous":false,"inputs":[{"indexed":true,"internalType":"address","name":"user","type":"address"},{"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"}],"name":"RewardClaimed","type":"event"}
]`
