package extract

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/armor-analytics/stakedsold/pkg/configsource"
	"github.com/armor-analytics/stakedsold/pkg/descriptor"
	"github.com/armor-analytics/stakedsold/pkg/pipelineerr"
)

type fakeReaders struct {
	mu       sync.Mutex
	used     map[common.Address]*big.Int
	staked   map[common.Address]*big.Int
	failOn   common.Address
	calls    []common.Address
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (f *fakeReaders) enter() func() {
	n := f.inFlight.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return func() { f.inFlight.Add(-1) }
}

func (f *fakeReaders) TotalUsedCover(_ context.Context, p common.Address) (*big.Int, error) {
	defer f.enter()()
	f.mu.Lock()
	f.calls = append(f.calls, p)
	f.mu.Unlock()
	if p == f.failOn {
		return nil, errors.New("execution reverted")
	}
	if v, ok := f.used[p]; ok {
		return v, nil
	}
	return new(big.Int), nil
}

func (f *fakeReaders) TotalStakedAmount(_ context.Context, p common.Address) (*big.Int, error) {
	if v, ok := f.staked[p]; ok {
		return v, nil
	}
	return new(big.Int), nil
}

func descriptors(t *testing.T, body string) []*descriptor.Descriptor {
	t.Helper()
	d, err := configsource.Parse([]byte(body))
	require.NoError(t, err)
	return d
}

func TestRunScenarioStakedOnly(t *testing.T) {
	ds := descriptors(t, `[{"contract_address":"0xAAA"}]`)
	readers := &fakeReaders{
		used:   map[common.Address]*big.Int{common.HexToAddress("0xAAA"): big.NewInt(0)},
		staked: map[common.Address]*big.Int{common.HexToAddress("0xAAA"): mustBig(t, "5000000000000000000")},
	}
	e := &Extractor{Logger: zaptest.NewLogger(t), Plan: readers, Stake: readers}
	stamp := descriptor.NewRunStamp(time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC))

	require.NoError(t, e.Run(context.Background(), ds, stamp))

	d := ds[0]
	assert.True(t, d.TotalUsedETH.Equal(decimal.Zero))
	assert.True(t, d.TotalStakedETH.Equal(decimal.NewFromInt(5)))

	b := descriptor.Classify(ds)
	assert.Equal(t, []*descriptor.Descriptor{d}, b.Staked)
	assert.Empty(t, b.UsedCover)
}

func TestRunSharedStampAndOrder(t *testing.T) {
	ds := descriptors(t, `[
		{"contract_address":"0x01"},{"contract_address":"0x02"},{"contract_address":"0x03"},
		{"contract_address":"0x04"},{"contract_address":"0x05"},{"contract_address":"0x06"}
	]`)
	readers := &fakeReaders{used: map[common.Address]*big.Int{}, staked: map[common.Address]*big.Int{}}
	for i, d := range ds {
		readers.used[d.Address] = new(big.Int).Mul(big.NewInt(int64(i+1)), big.NewInt(1e18))
		readers.staked[d.Address] = big.NewInt(int64(i))
	}

	for _, concurrency := range []int{1, 3} {
		t.Run("", func(t *testing.T) {
			e := &Extractor{Logger: zaptest.NewLogger(t), Plan: readers, Stake: readers, Concurrency: concurrency}
			stamp := descriptor.NewRunStamp(time.Now())

			require.NoError(t, e.Run(context.Background(), ds, stamp))

			for i, d := range ds {
				assert.Equal(t, common.BigToAddress(big.NewInt(int64(i+1))), d.Address)
				assert.True(t, decimal.NewFromInt(int64(i+1)).Equal(d.TotalUsedETH), "row %d", i)
				assert.Equal(t, stamp, d.Stamp)
				assert.Equal(t, stamp.ISODate(), d.Stamp.ISODate())
			}
		})
	}
}

func TestRunSequentialByDefault(t *testing.T) {
	ds := descriptors(t, `[{"contract_address":"0x01"},{"contract_address":"0x02"},{"contract_address":"0x03"}]`)
	readers := &fakeReaders{delay: 5 * time.Millisecond}
	e := &Extractor{Logger: zaptest.NewLogger(t), Plan: readers, Stake: readers}

	require.NoError(t, e.Run(context.Background(), ds, descriptor.NewRunStamp(time.Now())))

	assert.Equal(t, int32(1), readers.peak.Load())
	assert.Equal(t, []common.Address{ds[0].Address, ds[1].Address, ds[2].Address}, readers.calls)
}

func TestRunAbortsOnFirstFailure(t *testing.T) {
	body := `[{"contract_address":"0x01"},{"contract_address":"0x02"},{"contract_address":"0x03"}]`
	for _, concurrency := range []int{1, 2} {
		ds := descriptors(t, body)
		readers := &fakeReaders{failOn: ds[1].Address}
		e := &Extractor{Logger: zaptest.NewLogger(t), Plan: readers, Stake: readers, Concurrency: concurrency}

		err := e.Run(context.Background(), ds, descriptor.NewRunStamp(time.Now()))
		require.Error(t, err)
		assert.ErrorIs(t, err, pipelineerr.ErrContractCallFailed)
		assert.Contains(t, err.Error(), "0x02")
		for _, d := range ds {
			assert.False(t, d.Annotated(), "no partial annotation")
		}
		if concurrency == 1 {
			assert.Len(t, readers.calls, 2, "sequential run stops at the failing descriptor")
		}
	}
}

func TestRunEmpty(t *testing.T) {
	e := &Extractor{Logger: zaptest.NewLogger(t), Plan: &fakeReaders{}, Stake: &fakeReaders{}, Concurrency: 4}
	require.NoError(t, e.Run(context.Background(), nil, descriptor.NewRunStamp(time.Now())))
}

func mustBig(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	require.True(t, ok)
	return v
}
