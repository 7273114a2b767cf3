package market

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TimeSource supplies the single notion of "now" for a call.
type TimeSource interface {
	Now() time.Time
}

// IdentitySource supplies the caller of the current call.
type IdentitySource interface {
	CurrentCaller() common.Address
}

// CallContext is what every state-mutating vault operation receives.
// The vault never reads the wall clock; time enters only through here.
type CallContext interface {
	TimeSource
	IdentitySource
}

// Tx is the transaction-ordered call context carried by inbound commands.
type Tx struct {
	Timestamp time.Time      `json:"timestamp"`
	From      common.Address `json:"from"`
}

func (t Tx) Now() time.Time                { return t.Timestamp }
func (t Tx) CurrentCaller() common.Address { return t.From }

// NewTx builds a call context for the given caller and time.
func NewTx(from common.Address, at time.Time) Tx {
	return Tx{Timestamp: at, From: from}
}
