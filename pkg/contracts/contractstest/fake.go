// Package contractstest provides in-memory stand-ins for the ABI lookup API and the chain.
package contractstest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ABIs of the contracts the job talks to, trimmed to the methods it calls.
const (
	ProxyABI = `[{"inputs":[],"name":"implementation","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"}]`
	PlanABI  = `[{"inputs":[{"internalType":"address","name":"_protocol","type":"address"}],"name":"totalUsedCover","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`
	StakeABI = `[{"inputs":[{"internalType":"address","name":"_protocol","type":"address"}],"name":"totalStakedAmount","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`
)

// ABIs is an ABI lookup keyed by address. Missing addresses fail.
type ABIs struct {
	mu      sync.Mutex
	ByAddr  map[common.Address]string
	Lookups []common.Address
}

// GetABI returns the registered ABI for address.
func (a *ABIs) GetABI(_ context.Context, address common.Address) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Lookups = append(a.Lookups, address)
	s, ok := a.ByAddr[address]
	if !ok {
		return "", fmt.Errorf("no abi for %s", address.Hex())
	}
	return s, nil
}

// Chain answers eth_call for implementation(), totalUsedCover(address) and totalStakedAmount(address).
// It is safe for concurrent use.
type Chain struct {
	mu sync.Mutex

	// Implementations maps a proxy to its implementation.
	Implementations map[common.Address]common.Address
	// UsedCover and Staked map a protocol address to its raw amount; missing means zero.
	UsedCover map[common.Address]*big.Int
	Staked    map[common.Address]*big.Int
	// FailOn makes calls to the named method for the given protocol fail.
	FailOn map[string]common.Address

	Calls []ethereum.CallMsg

	abi abi.ABI
}

// NewChain returns an empty chain.
func NewChain() *Chain {
	parsed, err := abi.JSON(strings.NewReader(mergeABIs(ProxyABI, PlanABI, StakeABI)))
	if err != nil {
		panic(err)
	}
	return &Chain{
		Implementations: map[common.Address]common.Address{},
		UsedCover:       map[common.Address]*big.Int{},
		Staked:          map[common.Address]*big.Int{},
		FailOn:          map[string]common.Address{},
		abi:             parsed,
	}
}

// CallContract decodes the selector and returns the packed answer.
func (c *Chain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = append(c.Calls, msg)

	if msg.To == nil || len(msg.Data) < 4 {
		return nil, errors.New("malformed call")
	}
	method, err := c.abi.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}

	switch method.Name {
	case "implementation":
		impl, ok := c.Implementations[*msg.To]
		if !ok {
			// No code at the address: empty return data.
			return nil, nil
		}
		return method.Outputs.Pack(impl)
	case "totalUsedCover", "totalStakedAmount":
		protocol := args[0].(common.Address)
		if failing, ok := c.FailOn[method.Name]; ok && failing == protocol {
			return nil, fmt.Errorf("execution reverted")
		}
		source := c.UsedCover
		if method.Name == "totalStakedAmount" {
			source = c.Staked
		}
		v, ok := source[protocol]
		if !ok {
			v = new(big.Int)
		}
		return method.Outputs.Pack(v)
	}
	return nil, fmt.Errorf("unsupported method %s", method.Name)
}

// CallCount returns how many calls named method were made.
func (c *Chain) CallCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, msg := range c.Calls {
		m, err := c.abi.MethodById(msg.Data[:4])
		if err == nil && m.Name == method {
			n++
		}
	}
	return n
}

func mergeABIs(parts ...string) string {
	trimmed := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed = append(trimmed, strings.TrimSuffix(strings.TrimPrefix(p, "["), "]"))
	}
	return "[" + strings.Join(trimmed, ",") + "]"
}

// Deployment wires a plan and a stake proxy to implementations on chain and registers their ABIs.
type Deployment struct {
	PlanProxy, PlanImpl   common.Address
	StakeProxy, StakeImpl common.Address
}

// DefaultDeployment uses fixed, distinct addresses.
func DefaultDeployment() Deployment {
	return Deployment{
		PlanProxy:  common.HexToAddress("0x1337DEF1373bB63196F3D1443cE11D8d962543bB"),
		PlanImpl:   common.HexToAddress("0x00000000000000000000000000000000000A11CE"),
		StakeProxy: common.HexToAddress("0x1337DEF1670C54B2a70E590B5654c2B7cE1141a2"),
		StakeImpl:  common.HexToAddress("0x0000000000000000000000000000000000000B0B"),
	}
}

// Install registers the deployment on chain and abis.
func (d Deployment) Install(chain *Chain, abis *ABIs) {
	chain.Implementations[d.PlanProxy] = d.PlanImpl
	chain.Implementations[d.StakeProxy] = d.StakeImpl
	if abis.ByAddr == nil {
		abis.ByAddr = map[common.Address]string{}
	}
	abis.ByAddr[d.PlanProxy] = ProxyABI
	abis.ByAddr[d.StakeProxy] = ProxyABI
	abis.ByAddr[d.PlanImpl] = PlanABI
	abis.ByAddr[d.StakeImpl] = StakeABI
}
