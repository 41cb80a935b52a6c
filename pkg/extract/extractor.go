// Package extract reads the per-protocol staking figures and annotates the run's descriptors.
package extract

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/armor-analytics/stakedsold/pkg/descriptor"
	"github.com/armor-analytics/stakedsold/pkg/pipelineerr"
)

// CoverReader is satisfied by the plan manager handle.
type CoverReader interface {
	TotalUsedCover(ctx context.Context, protocol common.Address) (*big.Int, error)
}

// StakeReader is satisfied by the stake manager handle.
type StakeReader interface {
	TotalStakedAmount(ctx context.Context, protocol common.Address) (*big.Int, error)
}

// Extractor annotates descriptors with used cover and staked amount.
type Extractor struct {
	Logger *zap.Logger
	Plan   CoverReader
	Stake  StakeReader
	// Concurrency above 1 reads descriptors in parallel; output order is unaffected.
	Concurrency int
}

type figures struct {
	used   *big.Int
	staked *big.Int
}

// Run annotates every descriptor with stamp and its two figures. The first failed read aborts
// the run and no descriptor is annotated.
func (e *Extractor) Run(ctx context.Context, descriptors []*descriptor.Descriptor, stamp descriptor.RunStamp) error {
	start := time.Now()

	var (
		results []figures
		err     error
	)
	if e.Concurrency <= 1 || len(descriptors) <= 1 {
		results, err = e.readSequential(ctx, descriptors)
	} else {
		results, err = e.readParallel(ctx, descriptors)
	}
	if err != nil {
		return err
	}

	for i, d := range descriptors {
		d.Annotate(results[i].used, results[i].staked, stamp)
	}

	e.Logger.Info("Extracted staking figures",
		zap.Int("descriptors", len(descriptors)),
		zap.Int("concurrency", max(e.Concurrency, 1)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (e *Extractor) readSequential(ctx context.Context, descriptors []*descriptor.Descriptor) ([]figures, error) {
	results := make([]figures, len(descriptors))
	for i, d := range descriptors {
		f, err := e.read(ctx, d)
		if err != nil {
			return nil, err
		}
		results[i] = f
	}
	return results, nil
}

func (e *Extractor) readParallel(ctx context.Context, descriptors []*descriptor.Descriptor) ([]figures, error) {
	pool := pond.NewPool(e.Concurrency, pond.WithQueueSize(len(descriptors)))
	defer pool.StopAndWait()

	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	results := make([]figures, len(descriptors))
	for i, d := range descriptors {
		group.SubmitErr(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			f, err := e.read(groupCtx, d)
			if err != nil {
				return err
			}
			results[i] = f
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		if errors.Is(err, pond.ErrGroupStopped) {
			return nil, fmt.Errorf("%w: extraction stopped: %w", pipelineerr.ErrContractCallFailed, err)
		}
		return nil, err
	}
	return results, nil
}

func (e *Extractor) read(ctx context.Context, d *descriptor.Descriptor) (figures, error) {
	used, err := e.Plan.TotalUsedCover(ctx, d.Address)
	if err != nil {
		return figures{}, wrapCall(d, err)
	}
	staked, err := e.Stake.TotalStakedAmount(ctx, d.Address)
	if err != nil {
		return figures{}, wrapCall(d, err)
	}

	e.Logger.Debug("Read staking figures",
		zap.String("contract_address", d.AddressString()),
		zap.String("total_used_raw", used.String()),
		zap.String("total_staked_raw", staked.String()))
	return figures{used: used, staked: staked}, nil
}

func wrapCall(d *descriptor.Descriptor, err error) error {
	if errors.Is(err, pipelineerr.ErrContractCallFailed) {
		return fmt.Errorf("contract %s: %w", d.AddressString(), err)
	}
	return fmt.Errorf("%w: contract %s: %w", pipelineerr.ErrContractCallFailed, d.AddressString(), err)
}
