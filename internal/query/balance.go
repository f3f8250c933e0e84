package query

// BalanceResponse is a principal's public token wallet. Confidential
// balances are handles held by the core and never projected.
type BalanceResponse struct {
	Owner  string `json:"owner"`
	Asset  string `json:"asset"`
	Wallet int64  `json:"wallet"`

	// Metadata
	AsOfSequence int64 `json:"as_of_sequence"` // last applied event sequence
}

// VaultResponse is the public backing of the confidential supply.
type VaultResponse struct {
	Asset        string `json:"asset"`
	Locked       int64  `json:"locked"`
	AsOfSequence int64  `json:"as_of_sequence"`
}
