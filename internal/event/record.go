package event

import (
	"encoding/json"
	"fmt"
	"time"

	"VeilTrade/internal/fhe"

	"github.com/ethereum/go-ethereum/common"
)

// Record is a public fact emitted while a command is applied. Records carry
// ciphertext handles, never plaintexts of confidential values.
type Record interface {
	RecordType() string
}

// Sink receives records from the engines.
type Sink interface {
	Emit(r Record)
}

// Buffer collects records for the command currently being applied.
// Not thread-safe; owned by the deterministic core.
type Buffer struct {
	records []Record
}

func (b *Buffer) Emit(r Record) { b.records = append(b.records, r) }

// Drain returns the collected records and empties the buffer.
func (b *Buffer) Drain() []Record {
	out := b.records
	b.records = nil
	return out
}

// Reset drops records from a rejected command.
func (b *Buffer) Reset() { b.records = b.records[:0] }

func (b *Buffer) Len() int { return len(b.records) }

// MarshalRecord encodes a record with its type discriminator.
func MarshalRecord(r Record) ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		Data Record `json:"data"`
	}{Type: r.RecordType(), Data: r})
}

// DecodeRecord rebuilds a record from the {type, data} form MarshalRecord
// produces.
func DecodeRecord(raw []byte) (Record, error) {
	var wire struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, err
	}
	decode, ok := recordTypes[wire.Type]
	if !ok {
		return nil, fmt.Errorf("unknown record type %q", wire.Type)
	}
	r, err := decode(wire.Data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", wire.Type, err)
	}
	return r, nil
}

// DecodeRecords decodes a JSON array of marshalled records.
func DecodeRecords(raw []byte) ([]Record, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(items))
	for _, item := range items {
		r, err := DecodeRecord(item)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

var recordTypes = map[string]func(json.RawMessage) (Record, error){}

func register[T Record]() {
	var zero T
	recordTypes[zero.RecordType()] = func(data json.RawMessage) (Record, error) {
		var r T
		err := json.Unmarshal(data, &r)
		return r, err
	}
}

func init() {
	register[Deposited]()
	register[Withdrawn]()
	register[Minted]()
	register[Transferred]()
	register[BurnRequested]()
	register[Burned]()
	register[DecryptionRequested]()
	register[AuthorizationChanged]()
	register[OrderCreated]()
	register[OrderFilled]()
	register[OrderCancelled]()
	register[VenueOrderRegistered]()
	register[VenueOrderCancelled]()
	register[StrategyCreated]()
	register[StrategyCancelled]()
	register[EmergencyWithdrawalRequested]()
	register[EmergencyWithdrawalExecuted]()
	register[VolumeRecorded]()
	register[PositionOpened]()
	register[PositionIncreased]()
	register[PositionClosed]()
	register[ResolverRegistered]()
	register[ResolverBondWithdrawn]()
	register[ResolverSlashed]()
	register[ChainUpdated]()
	register[SettlementInitiated]()
	register[SettlementLocked]()
	register[SettlementExecuted]()
	register[SettlementCancelled]()
	register[DisputeRaised]()
	register[DisputeResolved]()
	register[EmergencyRefundRequested]()
	register[EmergencyRefundExecuted]()
	register[EscrowCreated]()
	register[EscrowRedeemed]()
	register[EscrowRefunded]()
	register[PriceUpdated]()
}

// --- Ledger ---

type Deposited struct {
	Account common.Address `json:"account"`
	Asset   string         `json:"asset"`
	Amount  uint64         `json:"amount"`
}

type Withdrawn struct {
	Account common.Address `json:"account"`
	Asset   string         `json:"asset"`
	Amount  uint64         `json:"amount"`
}

type Minted struct {
	To           common.Address `json:"to"`
	PublicAmount uint64         `json:"public_amount"`
	Balance      fhe.Handle     `json:"balance"`
}

type Transferred struct {
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Amount fhe.Handle     `json:"amount"`
}

type BurnRequested struct {
	From      common.Address `json:"from"`
	Recipient common.Address `json:"recipient"`
	Amount    fhe.Handle     `json:"amount"`
	RequestID uint64         `json:"request_id"`
}

type Burned struct {
	Recipient    common.Address `json:"recipient"`
	PublicAmount uint64         `json:"public_amount"`
	RequestID    uint64         `json:"request_id"`
}

type DecryptionRequested struct {
	RequestID uint64       `json:"request_id"`
	Handles   []fhe.Handle `json:"handles"`
	Consumer  string       `json:"consumer"`
}

type AuthorizationChanged struct {
	Principal  common.Address `json:"principal"`
	Capability string         `json:"capability"`
	Granted    bool           `json:"granted"`
}

func (Deposited) RecordType() string            { return "Deposited" }
func (Withdrawn) RecordType() string            { return "Withdrawn" }
func (Minted) RecordType() string               { return "Minted" }
func (Transferred) RecordType() string          { return "Transferred" }
func (BurnRequested) RecordType() string        { return "BurnRequested" }
func (Burned) RecordType() string               { return "Burned" }
func (DecryptionRequested) RecordType() string  { return "DecryptionRequested" }
func (AuthorizationChanged) RecordType() string { return "AuthorizationChanged" }

// --- Orders & strategies ---

type OrderCreated struct {
	OrderID          uint64         `json:"order_id"`
	Owner            common.Address `json:"owner"`
	Underlying       string         `json:"underlying"`
	PositionType     string         `json:"position_type"`
	Expiration       time.Time      `json:"expiration"`
	OrderDeadline    time.Time      `json:"order_deadline"`
	EstimateQuantity uint64         `json:"estimate_quantity"`
	Collateral       fhe.Handle     `json:"collateral"`
	StrategyID       uint64         `json:"strategy_id,omitempty"`
}

type OrderFilled struct {
	OrderID        uint64     `json:"order_id"`
	FillQuantity   uint64     `json:"fill_quantity"`
	Price          uint64     `json:"price"`
	FilledQuantity uint64     `json:"filled_quantity"`
	Status         string     `json:"status"`
	Fee            fhe.Handle `json:"fee"`
	Fees           fhe.Handle `json:"fees"`
	Released       fhe.Handle `json:"released"`
	PositionID     uint64     `json:"position_id"`
}

type OrderCancelled struct {
	OrderID  uint64         `json:"order_id"`
	By       common.Address `json:"by"`
	Status   string         `json:"status"`
	Released fhe.Handle     `json:"released"`
}

type VenueOrderRegistered struct {
	OrderID uint64      `json:"order_id"`
	Hash    common.Hash `json:"hash"`
	Salt    uint64      `json:"salt"`
}

type VenueOrderCancelled struct {
	OrderID uint64      `json:"order_id"`
	Hash    common.Hash `json:"hash"`
}

type StrategyCreated struct {
	StrategyID uint64         `json:"strategy_id"`
	Owner      common.Address `json:"owner"`
	Type       string         `json:"type"`
	Underlying string         `json:"underlying"`
	LegIDs     []uint64       `json:"leg_ids"`
	IsCredit   bool           `json:"is_credit"`
	MaxLoss    fhe.Handle     `json:"max_loss"`
	MaxProfit  fhe.Handle     `json:"max_profit"`
}

type StrategyCancelled struct {
	StrategyID uint64         `json:"strategy_id"`
	By         common.Address `json:"by"`
}

type EmergencyWithdrawalRequested struct {
	OrderID   uint64         `json:"order_id"`
	Owner     common.Address `json:"owner"`
	ExecuteAt time.Time      `json:"execute_at"`
}

type EmergencyWithdrawalExecuted struct {
	OrderID  uint64         `json:"order_id"`
	Approver common.Address `json:"approver"`
	Released fhe.Handle     `json:"released"`
}

type VolumeRecorded struct {
	Scope  string `json:"scope"`
	Day    int64  `json:"day"`
	Volume uint64 `json:"volume"`
}

func (OrderCreated) RecordType() string                 { return "OrderCreated" }
func (OrderFilled) RecordType() string                  { return "OrderFilled" }
func (OrderCancelled) RecordType() string               { return "OrderCancelled" }
func (VenueOrderRegistered) RecordType() string         { return "VenueOrderRegistered" }
func (VenueOrderCancelled) RecordType() string          { return "VenueOrderCancelled" }
func (StrategyCreated) RecordType() string              { return "StrategyCreated" }
func (StrategyCancelled) RecordType() string            { return "StrategyCancelled" }
func (EmergencyWithdrawalRequested) RecordType() string { return "EmergencyWithdrawalRequested" }
func (EmergencyWithdrawalExecuted) RecordType() string  { return "EmergencyWithdrawalExecuted" }
func (VolumeRecorded) RecordType() string               { return "VolumeRecorded" }

// --- Positions ---

type PositionOpened struct {
	PositionID   uint64         `json:"position_id"`
	Owner        common.Address `json:"owner"`
	Underlying   string         `json:"underlying"`
	PositionType string         `json:"position_type"`
	Expiration   time.Time      `json:"expiration"`
	OrderID      uint64         `json:"order_id,omitempty"`
}

type PositionIncreased struct {
	PositionID uint64 `json:"position_id"`
	OrderID    uint64 `json:"order_id"`
}

type PositionClosed struct {
	PositionID uint64     `json:"position_id"`
	Status     string     `json:"status"`
	Price      uint64     `json:"price"`
	Payout     fhe.Handle `json:"payout"`
}

func (PositionOpened) RecordType() string    { return "PositionOpened" }
func (PositionIncreased) RecordType() string { return "PositionIncreased" }
func (PositionClosed) RecordType() string    { return "PositionClosed" }

// --- Settlement ---

type ResolverRegistered struct {
	Resolver   common.Address `json:"resolver"`
	Bond       uint64         `json:"bond"`
	Reputation uint32         `json:"reputation"`
}

type ResolverBondWithdrawn struct {
	Resolver common.Address `json:"resolver"`
	Amount   uint64         `json:"amount"`
}

type ResolverSlashed struct {
	Resolver     common.Address `json:"resolver"`
	SettlementID uint64         `json:"settlement_id"`
	Amount       uint64         `json:"amount"`
	Reputation   uint32         `json:"reputation"`
	Active       bool           `json:"active"`
}

type ChainUpdated struct {
	Chain  uint64 `json:"chain"`
	Active bool   `json:"active"`
}

type SettlementInitiated struct {
	SettlementID     uint64         `json:"settlement_id"`
	Owner            common.Address `json:"owner"`
	PositionID       uint64         `json:"position_id"`
	DestinationChain uint64         `json:"destination_chain"`
	SecretHash       common.Hash    `json:"secret_hash"`
	Deadline         time.Time      `json:"deadline"`
	Amount           fhe.Handle     `json:"amount"`
}

type SettlementLocked struct {
	SettlementID uint64         `json:"settlement_id"`
	Resolver     common.Address `json:"resolver"`
	EscrowID     common.Hash    `json:"escrow_id"`
	Bond         uint64         `json:"bond"`
}

type SettlementExecuted struct {
	SettlementID uint64         `json:"settlement_id"`
	Resolver     common.Address `json:"resolver"`
	Secret       common.Hash    `json:"secret"`
	Payout       fhe.Handle     `json:"payout"`
	Reputation   uint32         `json:"reputation"`
}

type SettlementCancelled struct {
	SettlementID uint64         `json:"settlement_id"`
	By           common.Address `json:"by"`
	Status       string         `json:"status"`
	Slashed      bool           `json:"slashed"`
}

type DisputeRaised struct {
	SettlementID uint64         `json:"settlement_id"`
	By           common.Address `json:"by"`
	Reason       string         `json:"reason"`
}

type DisputeResolved struct {
	SettlementID uint64         `json:"settlement_id"`
	Arbiter      common.Address `json:"arbiter"`
	Outcome      string         `json:"outcome"`
}

type EmergencyRefundRequested struct {
	SettlementID uint64    `json:"settlement_id"`
	ExecuteAt    time.Time `json:"execute_at"`
}

type EmergencyRefundExecuted struct {
	SettlementID uint64         `json:"settlement_id"`
	Approver     common.Address `json:"approver"`
	Slashed      bool           `json:"slashed"`
}

type EscrowCreated struct {
	EscrowID    common.Hash    `json:"escrow_id"`
	Initiator   common.Address `json:"initiator"`
	Participant common.Address `json:"participant"`
	Token       string         `json:"token"`
	Chain       uint64         `json:"chain"`
	SecretHash  common.Hash    `json:"secret_hash"`
	Timelock    time.Time      `json:"timelock"`
}

type EscrowRedeemed struct {
	EscrowID common.Hash `json:"escrow_id"`
	Secret   common.Hash `json:"secret"`
}

type EscrowRefunded struct {
	EscrowID common.Hash `json:"escrow_id"`
}

func (ResolverRegistered) RecordType() string       { return "ResolverRegistered" }
func (ResolverBondWithdrawn) RecordType() string    { return "ResolverBondWithdrawn" }
func (ResolverSlashed) RecordType() string          { return "ResolverSlashed" }
func (ChainUpdated) RecordType() string             { return "ChainUpdated" }
func (SettlementInitiated) RecordType() string      { return "SettlementInitiated" }
func (SettlementLocked) RecordType() string         { return "SettlementLocked" }
func (SettlementExecuted) RecordType() string       { return "SettlementExecuted" }
func (SettlementCancelled) RecordType() string      { return "SettlementCancelled" }
func (DisputeRaised) RecordType() string            { return "DisputeRaised" }
func (DisputeResolved) RecordType() string          { return "DisputeResolved" }
func (EmergencyRefundRequested) RecordType() string { return "EmergencyRefundRequested" }
func (EmergencyRefundExecuted) RecordType() string  { return "EmergencyRefundExecuted" }
func (EscrowCreated) RecordType() string            { return "EscrowCreated" }
func (EscrowRedeemed) RecordType() string           { return "EscrowRedeemed" }
func (EscrowRefunded) RecordType() string           { return "EscrowRefunded" }

// --- Oracle ---

type PriceUpdated struct {
	Symbol      string    `json:"symbol"`
	Price       uint64    `json:"price"`
	PublishedAt time.Time `json:"published_at"`
}

func (PriceUpdated) RecordType() string { return "PriceUpdated" }
