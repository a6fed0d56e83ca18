package fork

import (
	"context"
	"testing"

	"github.com/filecoin-project/go-state-types/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/venus-core/pkg/config"
	tf "github.com/filecoin-project/venus-core/pkg/testhelpers/testflags"
)

func TestNetworkVersionForHeight(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	f, err := NewChainFork(config.DefaultForkUpgradeParam)
	require.NoError(t, err)

	up := config.DefaultForkUpgradeParam
	assert.Equal(t, network.Version0, f.GetNetworkVersion(ctx, 0))
	assert.Equal(t, network.Version0, f.GetNetworkVersion(ctx, up.UpgradeBreezeHeight))
	assert.Equal(t, network.Version1, f.GetNetworkVersion(ctx, up.UpgradeBreezeHeight+1))
	assert.Equal(t, network.Version3, f.GetNetworkVersion(ctx, up.UpgradeIgnitionHeight+1))
	assert.Equal(t, network.Version14, f.GetNetworkVersion(ctx, up.UpgradeOhSnapHeight))
	assert.Equal(t, network.Version15, f.GetNetworkVersion(ctx, up.UpgradeOhSnapHeight+1))
}

func TestLatestSchedule(t *testing.T) {
	tf.UnitTest(t)

	f, err := NewChainFork(config.LatestForkUpgradeParam)
	require.NoError(t, err)
	assert.Equal(t, network.Version15, f.GetNetworkVersion(context.Background(), 0))
}

func TestScheduleValidate(t *testing.T) {
	tf.UnitTest(t)

	assert.NoError(t, UpgradeSchedule{{Height: 1, Network: network.Version1}, {Height: 1, Network: network.Version2}}.Validate())
	assert.Error(t, UpgradeSchedule{{Height: 2, Network: network.Version2}, {Height: 1, Network: network.Version3}}.Validate())
	assert.Error(t, UpgradeSchedule{{Height: 1, Network: network.Version3}, {Height: 2, Network: network.Version2}}.Validate())
	assert.Error(t, UpgradeSchedule{{Height: 1, Network: network.Version0}}.Validate())
}
