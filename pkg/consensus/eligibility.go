package consensus

import (
	"context"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/network"
	"github.com/pkg/errors"

	"github.com/filecoin-project/venus-core/pkg/state"
)

// MinerEligibleToMine reports whether miner may win blocks on a parent at
// parentHeight. Power is checked at lookback, fee debt and consensus faults
// in the parent state.
func MinerEligibleToMine(ctx context.Context, miner address.Address, lookback, parent *state.View, parentHeight abi.ChainEpoch, nv network.Version) (bool, error) {
	meets, err := lookback.MinerNominalPowerMeetsConsensusMinimum(ctx, miner)
	if err != nil {
		return false, errors.Wrap(err, "check lookback minimum power")
	}
	if nv <= network.Version3 {
		return true, nil
	}
	if !meets {
		return false, nil
	}

	claim, found, err := parent.PowerClaim(ctx, miner)
	if err != nil {
		return false, errors.Wrap(err, "load parent power claim")
	}
	if !found || claim.QualityAdjPower.LessThanEqual(big.Zero()) {
		return false, nil
	}

	mas, err := parent.LoadMinerState(ctx, miner)
	if err != nil {
		return false, errors.Wrap(err, "load parent miner state")
	}
	if nv >= network.Version7 {
		if debt := mas.FeeDebt(); !debt.IsZero() {
			return false, nil
		}
	}

	info, err := mas.Info()
	if err != nil {
		return false, errors.Wrap(err, "load miner info")
	}
	if parentHeight <= info.ConsensusFaultElapsed {
		return false, nil
	}
	return true, nil
}
