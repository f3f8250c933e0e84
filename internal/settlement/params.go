package settlement

import (
	"fmt"
	"time"

	"VeilTrade/internal/risk"
)

const bpsScale = 10_000

// Params are the settlement engine's economic and timing parameters.
type Params struct {
	ProtocolFeeBps    uint64
	ResolverFeeBps    uint64
	MinBond           uint64
	BondRatioBps      uint64
	MinTimelock       time.Duration
	MaxTimelock       time.Duration
	ChainDailyCap     uint64
	EmergencyDelay    time.Duration
	FastExecution     time.Duration
	InitialReputation uint32
	MaxReputation     uint32
	ReputationReward  uint32
	ReputationPenalty uint32
}

func DefaultParams() Params {
	return Params{
		ProtocolFeeBps:    30,
		ResolverFeeBps:    20,
		MinBond:           1_000,
		BondRatioBps:      1_000,
		MinTimelock:       time.Hour,
		MaxTimelock:       7 * 24 * time.Hour,
		ChainDailyCap:     10_000_000,
		EmergencyDelay:    risk.DefaultEmergencyDelay,
		FastExecution:     time.Hour,
		InitialReputation: 500,
		MaxReputation:     1_000,
		ReputationReward:  10,
		ReputationPenalty: 100,
	}
}

// Validate checks that parameters are within valid ranges.
func (p Params) Validate() error {
	if p.ProtocolFeeBps+p.ResolverFeeBps >= bpsScale {
		return fmt.Errorf("protocol_fee_bps + resolver_fee_bps must be < %d, got %d", bpsScale, p.ProtocolFeeBps+p.ResolverFeeBps)
	}
	if p.MinBond == 0 {
		return fmt.Errorf("min_bond must be > 0")
	}
	if p.BondRatioBps > bpsScale {
		return fmt.Errorf("bond_ratio_bps must be <= %d, got %d", bpsScale, p.BondRatioBps)
	}
	if p.MinTimelock <= 0 || p.MaxTimelock < p.MinTimelock {
		return fmt.Errorf("timelock bounds [%s, %s] are invalid", p.MinTimelock, p.MaxTimelock)
	}
	if p.ChainDailyCap == 0 {
		return fmt.Errorf("chain_daily_cap must be > 0")
	}
	if p.EmergencyDelay < p.MaxTimelock {
		return fmt.Errorf("emergency_delay %s must be >= max_timelock %s", p.EmergencyDelay, p.MaxTimelock)
	}
	if p.InitialReputation > p.MaxReputation {
		return fmt.Errorf("initial_reputation %d exceeds max %d", p.InitialReputation, p.MaxReputation)
	}
	return nil
}

// RequiredBond is max(amount * BondRatioBps / 10000, MinBond).
func (p Params) RequiredBond(amount uint64) uint64 {
	ratio := amount / bpsScale * p.BondRatioBps
	ratio += amount % bpsScale * p.BondRatioBps / bpsScale
	if ratio < p.MinBond {
		return p.MinBond
	}
	return ratio
}
