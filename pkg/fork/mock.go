package fork

import (
	"context"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/network"

	"github.com/filecoin-project/venus-core/pkg/config"
)

var _ IFork = (*MockFork)(nil)

// MockFork runs every epoch at one network version.
type MockFork struct {
	Version network.Version
}

func NewMockFork(v network.Version) *MockFork {
	return &MockFork{Version: v}
}

func (m *MockFork) GetNetworkVersion(ctx context.Context, height abi.ChainEpoch) network.Version {
	return m.Version
}

func (m *MockFork) GetForkUpgrade() *config.ForkUpgradeConfig {
	return config.LatestForkUpgradeParam
}
