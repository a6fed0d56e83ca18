package consensus

import (
	"bytes"
	"errors"

	"github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-cid"
)

var (
	// ErrDuplicateMiner is returned when two blocks of a tipset share a miner.
	ErrDuplicateMiner = errors.New("duplicate miner in tipset")
	// ErrMinerSubmitFailed is returned when the block reward could not be awarded.
	ErrMinerSubmitFailed = errors.New("miner submit failed")
	// ErrCronTickFailed is returned when the cron actor tick exits with an error.
	ErrCronTickFailed = errors.New("cron tick failed")
	// ErrTipsetMarkedBad is returned for a tipset whose interpretation failed before.
	ErrTipsetMarkedBad = errors.New("tipset marked as bad")
	// ErrNotCached is returned when no interpretation of a tipset is stored.
	ErrNotCached = errors.New("tipset not interpreted yet")
	// ErrChainInconsistency is returned when a tipset does not fit the branch it is interpreted on.
	ErrChainInconsistency = errors.New("chain inconsistency")
)

// Result is the outcome of executing a tipset: the state and receipts its
// children must carry and the weight of the tipset.
type Result struct {
	StateRoot cid.Cid
	Receipts  cid.Cid
	Weight    big.Int
}

// Equals reports whether both results describe the same execution.
func (r *Result) Equals(o *Result) bool {
	return r.StateRoot.Equals(o.StateRoot) && r.Receipts.Equals(o.Receipts) && r.Weight.Equals(o.Weight)
}

func (r *Result) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := r.MarshalCBOR(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
