// Package access holds the engine's capability table: which principals may
// invoke which privileged operations.
package access

import (
	"sort"
	"sync"

	"VeilTrade/internal/apperr"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Capability names one privileged operation class.
type Capability string

const (
	// CapAdmin manages the table itself and engine parameters.
	CapAdmin Capability = "admin"
	// CapMatcher executes fills against pending orders.
	CapMatcher Capability = "matcher"
	// CapEmergency cancels on behalf of users and approves delayed withdrawals.
	CapEmergency Capability = "emergency"
	// CapArbiter resolves settlement disputes.
	CapArbiter Capability = "arbiter"
	// CapLedgerTransfer moves confidential balances between accounts.
	CapLedgerTransfer Capability = "ledger_transfer"
	// CapOracle publishes price observations.
	CapOracle Capability = "oracle"
)

// ParseCapability maps a wire name to a known capability.
func ParseCapability(s string) (Capability, bool) {
	switch c := Capability(s); c {
	case CapAdmin, CapMatcher, CapEmergency, CapArbiter, CapLedgerTransfer, CapOracle:
		return c, true
	default:
		return "", false
	}
}

// Table maps principals to capabilities.
type Table struct {
	mu    sync.RWMutex
	owner common.Address
	caps  map[common.Address]map[Capability]struct{}
}

// NewTable creates a table whose owner holds every capability implicitly.
func NewTable(owner common.Address) *Table {
	return &Table{
		owner: owner,
		caps:  make(map[common.Address]map[Capability]struct{}),
	}
}

func (t *Table) Owner() common.Address { return t.owner }

func (t *Table) Grant(p common.Address, caps ...Capability) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.caps[p]
	if !ok {
		set = make(map[Capability]struct{}, len(caps))
		t.caps[p] = set
	}
	for _, c := range caps {
		set[c] = struct{}{}
	}
}

func (t *Table) Revoke(p common.Address, caps ...Capability) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range caps {
		delete(t.caps[p], c)
	}
}

// Has reports whether p holds c. The owner holds everything.
func (t *Table) Has(p common.Address, c Capability) bool {
	if p == t.owner {
		return true
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.caps[p][c]
	return ok
}

// Require returns an authorization error unless p holds c.
func (t *Table) Require(p common.Address, c Capability) error {
	if !t.Has(p, c) {
		return apperr.ErrUnauthorized.With("%s lacks %s", p.Hex(), c)
	}
	return nil
}

// Capabilities lists what p holds, sorted.
func (t *Table) Capabilities(p common.Address) []Capability {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Capability, 0, len(t.caps[p]))
	for c := range t.caps[p] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ModuleAddress derives the principal address of an engine module or
// module-owned account from its name.
func ModuleAddress(name string) common.Address {
	return common.BytesToAddress(ethcrypto.Keccak256([]byte("veil.module:" + name)))
}
