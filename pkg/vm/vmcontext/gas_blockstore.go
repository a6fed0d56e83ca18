package vmcontext

import (
	"context"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/venus-core/pkg/vm/gas"
)

// ErrOutOfGas is returned by store accesses once the gas limit is reached.
var ErrOutOfGas = xerrors.New("out of gas")

var _ cbor.IpldBlockstore = (*GasChargeBlockStore)(nil)

// GasChargeBlockStore in addition To the basic blockstore read and write capabilities, a certain amount of gas consumption will be deducted for each operation
type GasChargeBlockStore struct {
	gasTank   *gas.GasTracker
	pricelist gas.Pricelist
	inner     cbor.IpldBlockstore
}

// NewGasChargeBlockStore return a new gas charge blockstore
func NewGasChargeBlockStore(gasTank *gas.GasTracker, pricelist gas.Pricelist, inner cbor.IpldBlockstore) *GasChargeBlockStore {
	return &GasChargeBlockStore{
		gasTank:   gasTank,
		pricelist: pricelist,
		inner:     inner,
	}
}

// Get charge gas and than get the value from the inner store
func (bs *GasChargeBlockStore) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	if !bs.gasTank.TryCharge(bs.pricelist.OnIpldGet()) {
		return nil, ErrOutOfGas
	}
	return bs.inner.Get(ctx, c)
}

// Put first charge gas and than save block
func (bs *GasChargeBlockStore) Put(ctx context.Context, blk blocks.Block) error {
	if !bs.gasTank.TryCharge(bs.pricelist.OnIpldPut(len(blk.RawData()))) {
		return ErrOutOfGas
	}
	return bs.inner.Put(ctx, blk)
}
