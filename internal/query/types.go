package query

import "time"

// OrderResponse is one row of projections.orders. Collateral and Fees are
// ciphertext handles; their plaintexts are only visible through the relayer.
type OrderResponse struct {
	OrderID          uint64    `json:"order_id"`
	Owner            string    `json:"owner"`
	Underlying       string    `json:"underlying"`
	PositionType     string    `json:"position_type"`
	Status           string    `json:"status"`
	StrategyID       uint64    `json:"strategy_id,omitempty"`
	EstimateQuantity uint64    `json:"estimate_quantity"`
	FilledQuantity   uint64    `json:"filled_quantity"`
	Fees             string    `json:"fees,omitempty"`
	Collateral       string    `json:"collateral"`
	VenueHash        string    `json:"venue_hash,omitempty"`
	Expiration       time.Time `json:"expiration"`
	OrderDeadline    time.Time `json:"order_deadline"`
	LastSequence     int64     `json:"last_sequence"`
	AsOfSequence     int64     `json:"as_of_sequence"`
}

// StrategyResponse is one row of projections.strategies.
type StrategyResponse struct {
	StrategyID   uint64   `json:"strategy_id"`
	Owner        string   `json:"owner"`
	StrategyType string   `json:"strategy_type"`
	Underlying   string   `json:"underlying"`
	LegIDs       []uint64 `json:"leg_ids"`
	IsCredit     bool     `json:"is_credit"`
	Status       string   `json:"status"`
	AsOfSequence int64    `json:"as_of_sequence"`
}

// PositionResponse represents a position for API queries.
type PositionResponse struct {
	PositionID   uint64    `json:"position_id"`
	Owner        string    `json:"owner"`
	Underlying   string    `json:"underlying"`
	PositionType string    `json:"position_type"`
	Status       string    `json:"status"`
	Expiration   time.Time `json:"expiration"`
	ClosePrice   *uint64   `json:"close_price,omitempty"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// SettlementResponse represents a cross-chain settlement for API queries.
type SettlementResponse struct {
	SettlementID     uint64    `json:"settlement_id"`
	Owner            string    `json:"owner"`
	PositionID       uint64    `json:"position_id"`
	DestinationChain uint64    `json:"destination_chain"`
	Status           string    `json:"status"`
	Resolver         string    `json:"resolver,omitempty"`
	EscrowID         string    `json:"escrow_id,omitempty"`
	SecretHash       string    `json:"secret_hash"`
	Deadline         time.Time `json:"deadline"`
	DisputeStatus    string    `json:"dispute_status"`
	DisputeReason    string    `json:"dispute_reason,omitempty"`
	Slashed          bool      `json:"slashed"`
	AsOfSequence     int64     `json:"as_of_sequence"`
}

// ResolverResponse represents a bonded resolver for API queries.
type ResolverResponse struct {
	Resolver     string `json:"resolver"`
	Bond         uint64 `json:"bond"`
	Reputation   uint32 `json:"reputation"`
	Active       bool   `json:"active"`
	Slashes      int    `json:"slashes"`
	SlashedTotal uint64 `json:"slashed_total"`
	Executions   int    `json:"executions"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// PriceResponse is the last accepted observation for a symbol. Price is in
// base units; Display renders it with the feed's decimals.
type PriceResponse struct {
	Symbol       string    `json:"symbol"`
	Price        uint64    `json:"price"`
	Display      string    `json:"display"`
	PublishedAt  time.Time `json:"published_at"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        int64  `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// TransferEntry is one confidential handle movement.
type TransferEntry struct {
	Sequence    int64  `json:"sequence"`
	Ordinal     int    `json:"ordinal"`
	FromAccount string `json:"from"`
	ToAccount   string `json:"to"`
	Handle      string `json:"handle"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance int64  `json:"imbalance"`
}
