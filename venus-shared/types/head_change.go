package types

// head change types
const (
	HCRevert  = "revert"
	HCApply   = "apply"
	HCCurrent = "current"
)

// HeadChangeTopic is the pubsub topic head change batches are published on.
const HeadChangeTopic = "headchange"

// HeadChange is a single step of a chain head transition.
type HeadChange struct {
	Type string
	Val  *TipSet
}
