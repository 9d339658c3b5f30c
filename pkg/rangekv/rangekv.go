package rangekv

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type PeerID string

type PeerAddress string

type Term int64

type TxID int64

type RangeID string

const (
	// LeaseDuration bounds how long a leader or follower state remains
	// valid without renewal.
	LeaseDuration = 6 * time.Second

	// LeaseRefresh is the remaining lease window below which a leader
	// starts asking for an extension.
	LeaseRefresh = 3 * time.Second

	// Cron ticks are jittered in [MinCronInterval, MaxCronInterval) to
	// desynchronize leadership attempts across replicas.
	MinCronInterval = 400 * time.Millisecond
	MaxCronInterval = 500 * time.Millisecond
)

type Logger interface {
	Debug(int, string, ...interface{})
	Info(string, ...interface{})
	Error(string, ...interface{})
}

// NewPeerID derives a replica identifier from its address plus a unique
// component, so that restarted processes do not impersonate each other.
func NewPeerID(address PeerAddress) PeerID {
	suffix := uuid.NewString()

	if address == "" {
		return PeerID(suffix)
	}

	return PeerID(fmt.Sprintf("%s/%s", address, suffix[:8]))
}

// Quorum returns the minimal number of distinct acknowledgements required
// among nbReplicas replicas.
func Quorum(nbReplicas int) int {
	return nbReplicas/2 + 1
}
