package poolabi

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Call3 mirrors Multicall3.Call3.
type Call3 struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

// Call3Value mirrors Multicall3.Call3Value.
type Call3Value struct {
	Target       common.Address
	AllowFailure bool
	Value        *big.Int
	CallData     []byte
}

// Result mirrors Multicall3.Result.
type Result struct {
	Success    bool
	ReturnData []byte
}

func PackAggregate3(calls []Call3) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if len(calls) == 0 {
		return nil, fmt.Errorf("%w: no calls", ErrInvalidInput)
	}
	b, err := multicallABI.Pack("aggregate3", calls)
	if err != nil {
		return nil, fmt.Errorf("poolabi: pack aggregate3: %w", err)
	}
	return b, nil
}

func PackAggregate3Value(calls []Call3Value) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if len(calls) == 0 {
		return nil, fmt.Errorf("%w: no calls", ErrInvalidInput)
	}
	norm := make([]Call3Value, len(calls))
	for i, c := range calls {
		if c.Value == nil {
			c.Value = new(big.Int)
		}
		if c.Value.Sign() < 0 {
			return nil, fmt.Errorf("%w: call[%d] negative value", ErrInvalidInput, i)
		}
		norm[i] = c
	}
	b, err := multicallABI.Pack("aggregate3Value", norm)
	if err != nil {
		return nil, fmt.Errorf("poolabi: pack aggregate3Value: %w", err)
	}
	return b, nil
}

// UnpackAggregate3 decodes the return data of aggregate3 (and aggregate3Value,
// which shares the output layout).
func UnpackAggregate3(data []byte) ([]Result, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	out, err := multicallABI.Unpack("aggregate3", data)
	if err != nil {
		return nil, fmt.Errorf("poolabi: unpack aggregate3: %w", err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("poolabi: unpack aggregate3: got %d outputs", len(out))
	}
	var res []Result
	if err := multicallABI.Methods["aggregate3"].Outputs.Copy(&res, out); err != nil {
		return nil, fmt.Errorf("poolabi: copy aggregate3 results: %w", err)
	}
	return res, nil
}

// UnpackAggregate3ValueInput decodes aggregate3Value calldata. It recovers
// call targets for transactions this process did not submit.
func UnpackAggregate3ValueInput(data []byte) ([]Call3Value, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	m := multicallABI.Methods["aggregate3Value"]
	if len(data) < 4 || string(data[:4]) != string(m.ID) {
		return nil, fmt.Errorf("%w: not aggregate3Value calldata", ErrInvalidInput)
	}
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("poolabi: unpack aggregate3Value input: %w", err)
	}
	var calls []Call3Value
	if err := m.Inputs.Copy(&calls, args); err != nil {
		return nil, fmt.Errorf("poolabi: copy aggregate3Value input: %w", err)
	}
	return calls, nil
}

const multicall3ABIJSON = `[
  {
    "inputs":[{"components":[
      {"internalType":"address","name":"target","type":"address"},
      {"internalType":"bool","name":"allowFailure","type":"bool"},
      {"internalType":"bytes","name":"callData","type":"bytes"}
    ],"internalType":"struct Multicall3.Call3[]","name":"calls","type":"tuple[]"}],
    "name":"aggregate3",
    "outputs":[{"components":[
      {"internalType":"bool","name":"success","type":"bool"},
      {"internalType":"bytes","name":"returnData","type":"bytes"}
    ],"internalType":"struct Multicall3.Result[]","name":"returnData","type":"tuple[]"}],
    "stateMutability":"payable",
    "type":"function"
  },
  {
    "inputs":[{"components":[
      {"internalType":"address","name":"target","type":"address"},
      {"internalType":"bool","name":"allowFailure","type":"bool"},
      {"internalType":"uint256","name":"value","type":"uint256"},
      {"internalType":"bytes","name":"callData","type":"bytes"}
    ],"internalType":"struct Multicall3.Call3Value[]","name":"calls","type":"tuple[]"}],
    "name":"aggregate3Value",
    "outputs":[{"components":[
      {"internalType":"bool","name":"success","type":"bool"},
      {"internalType":"bytes","name":"returnData","type":"bytes"}
    ],"internalType":"struct Multicall3.Result[]","name":"returnData","type":"tuple[]"}],
    "stateMutability":"payable",
    "type":"function"
  }
]`
