package ledger

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// BalanceTracker maintains in-memory public token balances
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// WalletBalance returns a principal's spendable public tokens
func (bt *BalanceTracker) WalletBalance(owner common.Address, assetID AssetID) int64 {
	return bt.GetBalance(NewWalletKey(owner, assetID))
}

// VaultBalance returns the public tokens backing the confidential supply
func (bt *BalanceTracker) VaultBalance(assetID AssetID) int64 {
	return bt.GetBalance(NewVaultKey(assetID))
}

// ValidateSufficientWallet checks if owner can spend required tokens
func (bt *BalanceTracker) ValidateSufficientWallet(owner common.Address, assetID AssetID, required int64) error {
	available := bt.WalletBalance(owner, assetID)
	if available < required {
		return fmt.Errorf("insufficient wallet balance: have=%d, need=%d", available, required)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]int64 {
	totals := make(map[AssetID]int64)

	for key, balance := range bt.balances {
		totals[key.AssetID] += balance
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all balances keyed by account path, sorted
// paths first so callers can hash it deterministically.
func (bt *BalanceTracker) Snapshot() ([]string, map[string]int64) {
	out := make(map[string]int64, len(bt.balances))
	paths := make([]string, 0, len(bt.balances))
	for k, v := range bt.balances {
		p := k.AccountPath()
		out[p] = v
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, out
}
