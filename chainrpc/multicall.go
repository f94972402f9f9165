package chainrpc

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Multicall3Address is the canonical deterministic deployment, identical
// on every chain we support.
var Multicall3Address = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")

const multicall3ABI = `[{
	"name": "aggregate3",
	"type": "function",
	"stateMutability": "payable",
	"inputs": [{
		"name": "calls",
		"type": "tuple[]",
		"components": [
			{"name": "target", "type": "address"},
			{"name": "allowFailure", "type": "bool"},
			{"name": "callData", "type": "bytes"}
		]
	}],
	"outputs": [{
		"name": "returnData",
		"type": "tuple[]",
		"components": [
			{"name": "success", "type": "bool"},
			{"name": "returnData", "type": "bytes"}
		]
	}]
}]`

var mc3ABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(multicall3ABI))
	if err != nil {
		panic(fmt.Sprintf("chainrpc: invalid multicall3 abi: %v", err))
	}
	return parsed
}()

type mc3Call struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

type mc3Result struct {
	Success    bool
	ReturnData []byte
}

func (p *provider) Multicall(ctx context.Context, calls []Call) ([]Result, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	calls_ := make([]mc3Call, 0, len(calls))
	for _, call := range calls {
		calls_ = append(calls_, mc3Call{
			Target:       call.Target,
			AllowFailure: call.AllowFailure,
			CallData:     call.CallData,
		})
	}

	callData, err := mc3ABI.Pack("aggregate3", calls_)
	if err != nil {
		return nil, fmt.Errorf("chainrpc: unable to encode aggregate3 call: %w", err)
	}

	returnData, err := p.client.CallContract(ctx, ethereum.CallMsg{
		To:   &Multicall3Address,
		Data: callData,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("chainrpc: multicall eth_call failed on %s: %w", p.chainID.Name(), err)
	}

	var results []mc3Result
	if err := mc3ABI.UnpackIntoInterface(&results, "aggregate3", returnData); err != nil {
		return nil, fmt.Errorf("chainrpc: unable to decode aggregate3 return data: %w", err)
	}
	if len(results) != len(calls) {
		return nil, fmt.Errorf("chainrpc: %v results for %v calls", len(results), len(calls))
	}

	out := make([]Result, len(results))
	for i, r := range results {
		out[i] = Result{Success: r.Success, ReturnData: r.ReturnData}
	}
	return out, nil
}
