package model

import (
	"time"

	"github.com/supvisors/supvisors/pkg/types"
)

// AddressStatus is the liveness view of one node.
type AddressStatus struct {
	Name       string
	State      types.AddressState
	RemoteTime time.Time
	LocalTime  time.Time

	// Loading is the sum of the expected loading of every process located
	// on the node, maintained by the Context.
	Loading int
}

// NewAddressStatus creates an address status in the UNKNOWN state.
func NewAddressStatus(name string) *AddressStatus {
	return &AddressStatus{Name: name, State: types.AddressUnknown}
}

// InIsolation reports whether the node is isolating or already isolated.
func (a *AddressStatus) InIsolation() bool {
	return a.State == types.AddressIsolating || a.State == types.AddressIsolated
}

// Active reports whether ticks are expected from the node.
func (a *AddressStatus) Active() bool {
	return a.State == types.AddressChecking || a.State == types.AddressRunning
}

// Stale reports whether the last tick is older than the synchro timeout.
func (a *AddressStatus) Stale(now time.Time, synchroTimeout time.Duration) bool {
	return now.Sub(a.LocalTime) > synchroTimeout
}

// AddressPayload is the serial form published on the ADDRESS topic.
type AddressPayload struct {
	AddressName string `json:"address_name"`
	StateCode   int    `json:"statecode"`
	StateName   string `json:"statename"`
	RemoteTime  int64  `json:"remote_time"`
	LocalTime   int64  `json:"local_time"`
	Loading     int    `json:"loading"`
}

// Serial returns the publishable payload of the status.
func (a *AddressStatus) Serial() AddressPayload {
	return AddressPayload{
		AddressName: a.Name,
		StateCode:   int(a.State),
		StateName:   a.State.String(),
		RemoteTime:  a.RemoteTime.Unix(),
		LocalTime:   a.LocalTime.Unix(),
		Loading:     a.Loading,
	}
}

// SupvisorsPayload is the serial form published on the SUPVISORS topic.
type SupvisorsPayload struct {
	StateCode int    `json:"statecode"`
	StateName string `json:"statename"`
}
