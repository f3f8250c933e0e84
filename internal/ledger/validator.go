package ledger

import (
	"fmt"
)

// InvariantValidator checks public-side ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies the public ledger is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %d", assetName, total)
		}
	}

	return nil
}

// ValidateVaultBacking verifies the vault holds exactly the public value of
// the outstanding confidential supply
func (v *InvariantValidator) ValidateVaultBacking(assetID AssetID, outstanding, scale uint64) error {
	vault := v.tracker.VaultBalance(assetID)
	want := int64(outstanding * scale)
	if vault != want {
		return fmt.Errorf("vault holds %d, outstanding supply requires %d", vault, want)
	}
	return nil
}
