package gas

// GasTracker maintains the stateView of gas usage throughout the execution of a message.
type GasTracker struct { //nolint
	GasAvailable int64
	GasUsed      int64

	Charges []GasCharge
	Tracing bool

	// OutOfGas is set once a charge could not be paid.
	OutOfGas bool
}

// NewGasTracker initializes a new empty gas tracker
func NewGasTracker(limit int64) *GasTracker {
	return &GasTracker{
		GasUsed:      0,
		GasAvailable: limit,
	}
}

// TryCharge charges `amount` or `RemainingGas()``, whichever is smaller.
//
// Returns `True` if the there was enough gas To pay for `amount`.
func (t *GasTracker) TryCharge(gasCharge GasCharge) bool {
	toUse := gasCharge.Total()
	if t.Tracing {
		t.Charges = append(t.Charges, gasCharge)
	}

	// overflow safe
	if t.GasUsed > t.GasAvailable-toUse {
		t.GasUsed = t.GasAvailable
		t.OutOfGas = true
		return false
	}
	t.GasUsed += toUse
	return true
}

// Remaining is the gas left before the limit.
func (t *GasTracker) Remaining() int64 {
	return t.GasAvailable - t.GasUsed
}
