package evm

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

const revertPrefix = "execution reverted"

func isRevert(err error) bool {
	if err == nil {
		return false
	}
	var de rpc.DataError
	if errors.As(err, &de) {
		return true
	}
	return strings.Contains(err.Error(), revertPrefix)
}

// revertReason extracts the Error(string) payload from an RPC revert, falling
// back to the node's message.
func revertReason(err error) string {
	if err == nil {
		return ""
	}
	var de rpc.DataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if b, derr := hexutil.Decode(s); derr == nil {
				if reason, uerr := abi.UnpackRevert(b); uerr == nil {
					return reason
				}
			}
		}
	}
	msg := err.Error()
	if i := strings.Index(msg, revertPrefix); i >= 0 {
		msg = strings.TrimPrefix(msg[i+len(revertPrefix):], ":")
		msg = strings.TrimSpace(msg)
		if msg != "" {
			return msg
		}
		return revertPrefix
	}
	return msg
}
