package fork

import (
	"context"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/network"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/venus-core/pkg/config"
)

var log = logging.Logger("fork")

// Upgrade switches the chain to Network after Height.
type Upgrade struct {
	Height  abi.ChainEpoch
	Network network.Version
}

type UpgradeSchedule []Upgrade

func defaultUpgradeSchedule(upgradeHeight *config.ForkUpgradeConfig) UpgradeSchedule {
	var us UpgradeSchedule

	updates := []Upgrade{
		{Height: upgradeHeight.UpgradeBreezeHeight, Network: network.Version1},
		{Height: upgradeHeight.UpgradeSmokeHeight, Network: network.Version2},
		{Height: upgradeHeight.UpgradeIgnitionHeight, Network: network.Version3},
		{Height: upgradeHeight.UpgradeRefuelHeight, Network: network.Version3},
		{Height: upgradeHeight.UpgradeAssemblyHeight, Network: network.Version4},
		{Height: upgradeHeight.UpgradeTapeHeight, Network: network.Version5},
		{Height: upgradeHeight.UpgradeLiftoffHeight, Network: network.Version5},
		{Height: upgradeHeight.UpgradeKumquatHeight, Network: network.Version6},
		{Height: upgradeHeight.UpgradeCalicoHeight, Network: network.Version7},
		{Height: upgradeHeight.UpgradePersianHeight, Network: network.Version8},
		{Height: upgradeHeight.UpgradeOrangeHeight, Network: network.Version9},
		{Height: upgradeHeight.UpgradeTrustHeight, Network: network.Version10},
		{Height: upgradeHeight.UpgradeNorwegianHeight, Network: network.Version11},
		{Height: upgradeHeight.UpgradeTurboHeight, Network: network.Version12},
		{Height: upgradeHeight.UpgradeHyperdriveHeight, Network: network.Version13},
		{Height: upgradeHeight.UpgradeChocolateHeight, Network: network.Version14},
		{Height: upgradeHeight.UpgradeOhSnapHeight, Network: network.Version15},
	}

	// Negative heights mark upgrades that happened before genesis.
	us = append(us, updates...)
	return us
}

// Validate checks that versions never go down and heights never decrease.
func (us UpgradeSchedule) Validate() error {
	for _, u := range us {
		if u.Network <= 0 {
			return xerrors.Errorf("cannot upgrade to version <= 0: %d", u.Network)
		}
	}

	for i := 1; i < len(us); i++ {
		prev := &us[i-1]
		curr := &us[i]
		if !(prev.Network <= curr.Network) {
			return xerrors.Errorf("cannot downgrade from version %d to version %d", prev.Network, curr.Network)
		}
		if prev.Height < 0 {
			continue
		}
		if !(prev.Height <= curr.Height) {
			return xerrors.Errorf("upgrade heights must be strictly increasing: upgrade %d was at height %d, followed by upgrade %d at height %d", i-1, prev.Height, i, curr.Height)
		}
	}
	return nil
}

// IFork answers which network version governs an epoch.
type IFork interface {
	GetNetworkVersion(ctx context.Context, height abi.ChainEpoch) network.Version
	GetForkUpgrade() *config.ForkUpgradeConfig
}

var _ IFork = (*ChainFork)(nil)

type ChainFork struct {
	networkVersions []versionSpec
	latestVersion   network.Version

	forkUpgrade *config.ForkUpgradeConfig
}

type versionSpec struct {
	networkVersion network.Version
	atOrBelow      abi.ChainEpoch
}

func NewChainFork(forkUpgrade *config.ForkUpgradeConfig) (*ChainFork, error) {
	us := defaultUpgradeSchedule(forkUpgrade)
	if err := us.Validate(); err != nil {
		return nil, err
	}
	log.Debugf("upgrade schedule: %v", us)

	var networkVersions []versionSpec
	lastVersion := network.Version0
	for _, upgrade := range us {
		networkVersions = append(networkVersions, versionSpec{
			networkVersion: lastVersion,
			atOrBelow:      upgrade.Height,
		})
		lastVersion = upgrade.Network
	}

	return &ChainFork{
		networkVersions: networkVersions,
		latestVersion:   lastVersion,
		forkUpgrade:     forkUpgrade,
	}, nil
}

// GetNetworkVersion returns the version in force at height. An upgrade
// height is the last epoch of the previous version.
func (c *ChainFork) GetNetworkVersion(ctx context.Context, height abi.ChainEpoch) network.Version {
	for _, spec := range c.networkVersions {
		if height <= spec.atOrBelow {
			return spec.networkVersion
		}
	}
	return c.latestVersion
}

func (c *ChainFork) GetForkUpgrade() *config.ForkUpgradeConfig {
	return c.forkUpgrade
}
