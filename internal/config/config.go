// Package config collects the mesh core's tunables into one place,
// generalizing the teacher's per-subsystem Config+DefaultConfig pattern
// (EncryptionConfig, RetryConfig, RoutingConfig) into a single struct.
package config

import (
	"time"

	"github.com/permissionlesstech/bitchat-mesh/internal/protocol"
)

// FloodProbability maps an active-peer-count band to a relay probability.
type FloodProbability struct {
	MaxPeers    int // inclusive upper bound of this band; 0 means unbounded
	Probability float64
}

// MeshConfig holds every tunable named in the mesh core's design: TTL
// budgets, timeouts, cache caps, connection limits and the flood
// probability table.
type MeshConfig struct {
	MaxTTL         uint8
	AnnounceTTL    uint8
	DirectOnlyTTL  uint8
	RelayAlwaysTTL uint8

	MaxFragmentSize         int
	FragmentAssemblyTimeout time.Duration

	ClockSkewTolerance time.Duration
	StalePeerTimeout   time.Duration
	PeerSweepInterval  time.Duration

	MaxCachedMessages   int
	RegularCacheTTL     time.Duration
	MaxFavoriteMessages int
	StoreForwardSpacing time.Duration

	RequestedMTU          int
	ConnectionRetryDelay  time.Duration
	MaxConnectionAttempts int
	ScanCoalesceWindow    time.Duration
	ScanBackoff           time.Duration
	CleanupDelay          time.Duration

	InterFragmentDelay time.Duration
	RelayJitterMin     time.Duration
	RelayJitterMax     time.Duration

	SecuritySetSweepInterval time.Duration

	// FloodTable must be ordered by ascending MaxPeers, with a final
	// entry carrying MaxPeers == 0 to mean "everything above the last
	// bound".
	FloodTable []FloodProbability
}

// DefaultMeshConfig mirrors the constants in internal/protocol, making
// them overridable per-deployment without touching code.
func DefaultMeshConfig() *MeshConfig {
	return &MeshConfig{
		MaxTTL:         protocol.MaxTTL,
		AnnounceTTL:    protocol.AnnounceTTL,
		DirectOnlyTTL:  protocol.DirectOnlyTTL,
		RelayAlwaysTTL: protocol.RelayAlwaysTTL,

		MaxFragmentSize:         protocol.MaxFragmentSize,
		FragmentAssemblyTimeout: protocol.FragmentAssemblyTimeout,

		ClockSkewTolerance: protocol.ClockSkewTolerance,
		StalePeerTimeout:   protocol.StalePeerTimeout,
		PeerSweepInterval:  protocol.PeerSweepInterval,

		MaxCachedMessages:   protocol.MaxCachedMessages,
		RegularCacheTTL:     protocol.RegularCacheTTL,
		MaxFavoriteMessages: protocol.MaxFavoriteMessages,
		StoreForwardSpacing: protocol.StoreForwardSpacing,

		RequestedMTU:          protocol.RequestedMTU,
		ConnectionRetryDelay:  protocol.ConnectionRetryDelay,
		MaxConnectionAttempts: protocol.MaxConnectionAttempts,
		ScanCoalesceWindow:    protocol.ScanCoalesceWindow,
		ScanBackoff:           protocol.ScanBackoff,
		CleanupDelay:          protocol.CleanupDelay,

		InterFragmentDelay: protocol.InterFragmentDelay,
		RelayJitterMin:     protocol.RelayJitterRange[0],
		RelayJitterMax:     protocol.RelayJitterRange[1],

		SecuritySetSweepInterval: protocol.SecuritySetSweepInterval,

		FloodTable: []FloodProbability{
			{MaxPeers: 3, Probability: 1.0},
			{MaxPeers: 10, Probability: 1.0},
			{MaxPeers: 30, Probability: 0.85},
			{MaxPeers: 50, Probability: 0.70},
			{MaxPeers: 100, Probability: 0.55},
			{MaxPeers: 0, Probability: 0.40},
		},
	}
}

// FloodProbabilityFor looks up the relay probability for N active peers.
func (c *MeshConfig) FloodProbabilityFor(activePeers int) float64 {
	for _, band := range c.FloodTable {
		if band.MaxPeers == 0 || activePeers <= band.MaxPeers {
			return band.Probability
		}
	}
	return 1.0
}
