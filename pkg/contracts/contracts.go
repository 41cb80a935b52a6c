// Package contracts resolves upgradeable proxy contracts to callable handles and reads staking figures through them.
package contracts

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/armor-analytics/stakedsold/pkg/pipelineerr"
)

// Contract method names read by the job.
const (
	MethodImplementation    = "implementation"
	MethodTotalUsedCover    = "totalUsedCover"
	MethodTotalStakedAmount = "totalStakedAmount"
)

// ABIFetcher looks up the verified ABI JSON of a deployed contract.
type ABIFetcher interface {
	GetABI(ctx context.Context, address common.Address) (string, error)
}

// Handle is a read-only binding of a proxy to the ABI of the implementation it delegates to.
// Calls are sent to the proxy so they execute against the proxy's storage.
type Handle struct {
	Name           string
	Proxy          common.Address
	Implementation common.Address
	ABI            abi.ABI
	caller         ethereum.ContractCaller
}

// NewHandle binds address to parsed. Resolve is the usual way to obtain one.
func NewHandle(name string, proxy, implementation common.Address, parsed abi.ABI, caller ethereum.ContractCaller) *Handle {
	return &Handle{Name: name, Proxy: proxy, Implementation: implementation, ABI: parsed, caller: caller}
}

// CallUint256 invokes a view method returning a single uint256.
func (h *Handle) CallUint256(ctx context.Context, method string, args ...any) (*big.Int, error) {
	out, err := call(ctx, h.caller, h.ABI, h.Proxy, method, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s.%s: %w", pipelineerr.ErrContractCallFailed, h.Name, method, err)
	}
	v, ok := out.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s: unexpected return type %T", pipelineerr.ErrContractCallFailed, h.Name, method, out)
	}
	return v, nil
}

// TotalUsedCover reads the cover in use for a protocol, in base units.
func (h *Handle) TotalUsedCover(ctx context.Context, protocol common.Address) (*big.Int, error) {
	return h.CallUint256(ctx, MethodTotalUsedCover, protocol)
}

// TotalStakedAmount reads the amount staked on a protocol, in base units.
func (h *Handle) TotalStakedAmount(ctx context.Context, protocol common.Address) (*big.Int, error) {
	return h.CallUint256(ctx, MethodTotalStakedAmount, protocol)
}

// Resolver performs the two-hop proxy resolution.
type Resolver struct {
	Logger *zap.Logger
	ABI    ABIFetcher
	Chain  ethereum.ContractCaller
}

// Resolve fetches the proxy ABI, asks the proxy for its implementation, fetches that ABI and
// returns a handle bound to it.
func (r *Resolver) Resolve(ctx context.Context, name string, proxy common.Address) (*Handle, error) {
	proxyABI, err := r.fetchABI(ctx, proxy)
	if err != nil {
		return nil, fmt.Errorf("resolve %s proxy: %w", name, err)
	}

	out, err := call(ctx, r.Chain, proxyABI, proxy, MethodImplementation)
	if err != nil {
		return nil, fmt.Errorf("%w: %s proxy %s: %w", pipelineerr.ErrImplementationUnresolved, name, proxy.Hex(), err)
	}
	impl, ok := out.(common.Address)
	if !ok || impl == (common.Address{}) {
		return nil, fmt.Errorf("%w: %s proxy %s returned %v", pipelineerr.ErrImplementationUnresolved, name, proxy.Hex(), out)
	}

	implABI, err := r.fetchABI(ctx, impl)
	if err != nil {
		return nil, fmt.Errorf("resolve %s implementation: %w", name, err)
	}

	r.Logger.Info("Resolved proxy implementation",
		zap.String("contract", name),
		zap.String("proxy", proxy.Hex()),
		zap.String("implementation", impl.Hex()),
		zap.Int("methods", len(implABI.Methods)))

	return NewHandle(name, proxy, impl, implABI, r.Chain), nil
}

// ResolvePair resolves the plan and stake managers used for the whole run.
func (r *Resolver) ResolvePair(ctx context.Context, planProxy, stakeProxy common.Address) (plan, stake *Handle, err error) {
	plan, err = r.Resolve(ctx, "plan_manager", planProxy)
	if err != nil {
		return nil, nil, err
	}
	stake, err = r.Resolve(ctx, "stake_manager", stakeProxy)
	if err != nil {
		return nil, nil, err
	}
	return plan, stake, nil
}

func (r *Resolver) fetchABI(ctx context.Context, address common.Address) (abi.ABI, error) {
	raw, err := r.ABI.GetABI(ctx, address)
	if err != nil {
		if errors.Is(err, pipelineerr.ErrAbiLookupFailed) {
			return abi.ABI{}, err
		}
		return abi.ABI{}, fmt.Errorf("%w: %s: %w", pipelineerr.ErrAbiLookupFailed, address.Hex(), err)
	}
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("%w: parse abi of %s: %w", pipelineerr.ErrAbiLookupFailed, address.Hex(), err)
	}
	return parsed, nil
}

// call packs method, executes it at the latest block and unpacks its single return value.
func call(ctx context.Context, caller ethereum.ContractCaller, parsed abi.ABI, to common.Address, method string, args ...any) (any, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	out, err := caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s at %s: %w", method, to.Hex(), err)
	}

	values, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%s returned %d values, want 1", method, len(values))
	}
	return values[0], nil
}
