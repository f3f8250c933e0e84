package settlement

import (
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Resolver is a bonded operator that completes settlements on the
// destination chain. Bond is the public amount held in the bond account;
// Reserved is the part of it pledged to locked settlements.
type Resolver struct {
	Address      common.Address
	Active       bool
	Slashed      bool
	Bond         uint64
	Reserved     uint64
	Successes    uint64
	Failures     uint64
	TotalVolume  uint64
	AvgExecution time.Duration
	Reputation   uint32
	RegisteredAt time.Time
}

// FreeBond is the bond not pledged to any settlement.
func (r *Resolver) FreeBond() uint64 { return r.Bond - r.Reserved }

// CanLock reports whether the resolver may take new settlements.
func (r *Resolver) CanLock() bool { return r.Active && !r.Slashed }

// recordSuccess folds one execution into the resolver's statistics.
func (r *Resolver) recordSuccess(volume uint64, took time.Duration, p Params) {
	r.Successes++
	r.TotalVolume += volume
	n := time.Duration(r.Successes)
	r.AvgExecution = (r.AvgExecution*(n-1) + took) / n
	if took < p.FastExecution {
		r.Reputation += p.ReputationReward
		if r.Reputation > p.MaxReputation {
			r.Reputation = p.MaxReputation
		}
	}
}

// recordSlash burns amount of the pledged bond and penalizes the resolver.
func (r *Resolver) recordSlash(amount uint64, p Params) {
	r.Bond -= amount
	r.Reserved -= amount
	r.Failures++
	r.Slashed = true
	r.Active = false
	if r.Reputation < p.ReputationPenalty {
		r.Reputation = 0
	} else {
		r.Reputation -= p.ReputationPenalty
	}
}

// registry holds resolvers keyed by address.
type registry struct {
	resolvers map[common.Address]*Resolver
}

func newRegistry() *registry {
	return &registry{resolvers: make(map[common.Address]*Resolver)}
}

func (g *registry) get(addr common.Address) (*Resolver, bool) {
	r, ok := g.resolvers[addr]
	return r, ok
}

func (g *registry) put(r *Resolver) { g.resolvers[r.Address] = r }

func (g *registry) all() []*Resolver {
	out := make([]*Resolver, 0, len(g.resolvers))
	for _, r := range g.resolvers {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.Cmp(out[j].Address) < 0 })
	return out
}
