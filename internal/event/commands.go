package event

import (
	"time"

	"VeilTrade/internal/fhe"

	"github.com/ethereum/go-ethereum/common"
)

// --- Ledger ---

// Deposit credits a public wallet from an observed on-chain deposit.
// Idempotency key: the deposit transaction id.
type Deposit struct {
	Meta
	Account common.Address `json:"account"`
	Asset   string         `json:"asset"`
	Amount  uint64         `json:"amount"`
}

// Withdraw debits the caller's public wallet to the outside world.
type Withdraw struct {
	Meta
	Asset  string `json:"asset"`
	Amount uint64 `json:"amount"`
}

// Mint wraps public tokens from the caller's wallet into a confidential
// balance for To.
type Mint struct {
	Meta
	To     common.Address `json:"to"`
	Amount uint64         `json:"amount"`
}

// Transfer moves a confidential amount between ledger accounts. Exactly one
// of Amount or Input is set.
type Transfer struct {
	Meta
	From   common.Address     `json:"from"`
	To     common.Address     `json:"to"`
	Amount fhe.Handle         `json:"amount"`
	Input  *fhe.ExternalInput `json:"input,omitempty"`
}

// Burn debits a confidential balance and, once decrypted, pays the public
// equivalent to Recipient.
type Burn struct {
	Meta
	Amount    fhe.Handle         `json:"amount"`
	Input     *fhe.ExternalInput `json:"input,omitempty"`
	Recipient common.Address     `json:"recipient"`
}

// FinalizeDecryption delivers the decryption authority's signed answer.
type FinalizeDecryption struct {
	Meta
	RequestID  uint64   `json:"request_id"`
	Plaintexts []uint64 `json:"plaintexts"`
	Signatures [][]byte `json:"signatures"`
}

// SetAuthorized grants or revokes a capability.
type SetAuthorized struct {
	Meta
	Principal  common.Address `json:"principal"`
	Capability string         `json:"capability"`
	Granted    bool           `json:"granted"`
}

func (*Deposit) CommandType() CommandType            { return CommandTypeDeposit }
func (*Withdraw) CommandType() CommandType           { return CommandTypeWithdraw }
func (*Mint) CommandType() CommandType               { return CommandTypeMint }
func (*Transfer) CommandType() CommandType           { return CommandTypeTransfer }
func (*Burn) CommandType() CommandType               { return CommandTypeBurn }
func (*FinalizeDecryption) CommandType() CommandType { return CommandTypeFinalizeDecryption }
func (*SetAuthorized) CommandType() CommandType      { return CommandTypeSetAuthorized }

// --- Orders & strategies ---

// OrderParams are the submitter's inputs for one order or strategy leg.
// Estimates are public approximations of the confidential fields.
type OrderParams struct {
	Underlying         string            `json:"underlying"`
	PositionType       string            `json:"position_type"`
	Quantity           fhe.ExternalInput `json:"quantity"`
	Strike             fhe.ExternalInput `json:"strike"`
	LimitPrice         fhe.ExternalInput `json:"limit_price"`
	StopPrice          fhe.ExternalInput `json:"stop_price"`
	Collateral         fhe.ExternalInput `json:"collateral"`
	Expiration         time.Time         `json:"expiration"`
	OrderDeadline      time.Time         `json:"order_deadline"`
	EstimateQuantity   uint64            `json:"estimate_quantity"`
	EstimateStrike     uint64            `json:"estimate_strike"`
	EstimateLimitPrice uint64            `json:"estimate_limit_price"`
	EstimateCollateral uint64            `json:"estimate_collateral"`
}

type CreateOrder struct {
	Meta
	Order OrderParams `json:"order"`
}

type ExecuteOrder struct {
	Meta
	OrderID      uint64 `json:"order_id"`
	FillQuantity uint64 `json:"fill_quantity"`
	Price        uint64 `json:"price"`
}

type CancelOrder struct {
	Meta
	OrderID uint64 `json:"order_id"`
}

type CreateStrategy struct {
	Meta
	StrategyType string        `json:"strategy_type"`
	Underlying   string        `json:"underlying"`
	Legs         []OrderParams `json:"legs"`
}

type CancelStrategy struct {
	Meta
	StrategyID uint64 `json:"strategy_id"`
}

type RequestEmergencyWithdrawal struct {
	Meta
	OrderID uint64 `json:"order_id"`
}

type ApproveEmergencyWithdrawal struct {
	Meta
	OrderID uint64 `json:"order_id"`
}

func (*CreateOrder) CommandType() CommandType                { return CommandTypeCreateOrder }
func (*ExecuteOrder) CommandType() CommandType               { return CommandTypeExecuteOrder }
func (*CancelOrder) CommandType() CommandType                { return CommandTypeCancelOrder }
func (*CreateStrategy) CommandType() CommandType             { return CommandTypeCreateStrategy }
func (*CancelStrategy) CommandType() CommandType             { return CommandTypeCancelStrategy }
func (*RequestEmergencyWithdrawal) CommandType() CommandType { return CommandTypeRequestEmergencyWithdrawal }
func (*ApproveEmergencyWithdrawal) CommandType() CommandType { return CommandTypeApproveEmergencyWithdrawal }

// --- Positions ---

type OpenPosition struct {
	Meta
	Underlying   string            `json:"underlying"`
	PositionType string            `json:"position_type"`
	Quantity     fhe.ExternalInput `json:"quantity"`
	Strike       fhe.ExternalInput `json:"strike"`
	Premium      fhe.ExternalInput `json:"premium"`
	Collateral   fhe.ExternalInput `json:"collateral"`
	Expiration   time.Time         `json:"expiration"`
}

type ClosePosition struct {
	Meta
	PositionID uint64 `json:"position_id"`
}

type ExpirePosition struct {
	Meta
	PositionID uint64 `json:"position_id"`
}

func (*OpenPosition) CommandType() CommandType   { return CommandTypeOpenPosition }
func (*ClosePosition) CommandType() CommandType  { return CommandTypeClosePosition }
func (*ExpirePosition) CommandType() CommandType { return CommandTypeExpirePosition }

// --- Settlement ---

type RegisterResolver struct {
	Meta
	Bond uint64 `json:"bond"`
}

type WithdrawResolverBond struct {
	Meta
}

type SetChain struct {
	Meta
	Chain  uint64 `json:"chain"`
	Active bool   `json:"active"`
}

type InitiateSettlement struct {
	Meta
	PositionID       uint64            `json:"position_id"`
	SourceToken      string            `json:"source_token"`
	SourceChain      uint64            `json:"source_chain"`
	DestinationToken string            `json:"destination_token"`
	DestinationChain uint64            `json:"destination_chain"`
	Amount           fhe.ExternalInput `json:"amount"`
	EstimateAmount   uint64            `json:"estimate_amount"`
	SecretHash       common.Hash       `json:"secret_hash"`
	TimelockSeconds  int64             `json:"timelock_seconds"`
}

type LockSettlement struct {
	Meta
	SettlementID uint64 `json:"settlement_id"`
	Bond         uint64 `json:"bond"`
}

type ExecuteSettlement struct {
	Meta
	SettlementID uint64      `json:"settlement_id"`
	Secret       common.Hash `json:"secret"`
}

type CancelSettlement struct {
	Meta
	SettlementID uint64 `json:"settlement_id"`
}

type RaiseDispute struct {
	Meta
	SettlementID uint64 `json:"settlement_id"`
	Reason       string `json:"reason"`
}

type ResolveDispute struct {
	Meta
	SettlementID uint64 `json:"settlement_id"`
	FavorUser    bool   `json:"favor_user"`
}

type RequestEmergencyRefund struct {
	Meta
	SettlementID uint64 `json:"settlement_id"`
}

type ApproveEmergencyRefund struct {
	Meta
	SettlementID uint64 `json:"settlement_id"`
}

func (*RegisterResolver) CommandType() CommandType       { return CommandTypeRegisterResolver }
func (*WithdrawResolverBond) CommandType() CommandType   { return CommandTypeWithdrawResolverBond }
func (*SetChain) CommandType() CommandType               { return CommandTypeSetChain }
func (*InitiateSettlement) CommandType() CommandType     { return CommandTypeInitiateSettlement }
func (*LockSettlement) CommandType() CommandType         { return CommandTypeLockSettlement }
func (*ExecuteSettlement) CommandType() CommandType      { return CommandTypeExecuteSettlement }
func (*CancelSettlement) CommandType() CommandType       { return CommandTypeCancelSettlement }
func (*RaiseDispute) CommandType() CommandType           { return CommandTypeRaiseDispute }
func (*ResolveDispute) CommandType() CommandType         { return CommandTypeResolveDispute }
func (*RequestEmergencyRefund) CommandType() CommandType { return CommandTypeRequestEmergencyRefund }
func (*ApproveEmergencyRefund) CommandType() CommandType { return CommandTypeApproveEmergencyRefund }

// --- Oracle ---

// UpdatePrice publishes an oracle observation into the engine. Price is in
// engine price units; PublishedAt is the oracle's own timestamp.
type UpdatePrice struct {
	Meta
	Symbol      string    `json:"symbol"`
	Price       uint64    `json:"price"`
	PublishedAt time.Time `json:"published_at"`
}

func (*UpdatePrice) CommandType() CommandType { return CommandTypeUpdatePrice }

// NewCommand allocates an empty command of the given type for decoding.
func NewCommand(ct CommandType) (Command, bool) {
	switch ct {
	case CommandTypeDeposit:
		return &Deposit{}, true
	case CommandTypeWithdraw:
		return &Withdraw{}, true
	case CommandTypeMint:
		return &Mint{}, true
	case CommandTypeTransfer:
		return &Transfer{}, true
	case CommandTypeBurn:
		return &Burn{}, true
	case CommandTypeFinalizeDecryption:
		return &FinalizeDecryption{}, true
	case CommandTypeSetAuthorized:
		return &SetAuthorized{}, true
	case CommandTypeCreateOrder:
		return &CreateOrder{}, true
	case CommandTypeExecuteOrder:
		return &ExecuteOrder{}, true
	case CommandTypeCancelOrder:
		return &CancelOrder{}, true
	case CommandTypeCreateStrategy:
		return &CreateStrategy{}, true
	case CommandTypeCancelStrategy:
		return &CancelStrategy{}, true
	case CommandTypeRequestEmergencyWithdrawal:
		return &RequestEmergencyWithdrawal{}, true
	case CommandTypeApproveEmergencyWithdrawal:
		return &ApproveEmergencyWithdrawal{}, true
	case CommandTypeOpenPosition:
		return &OpenPosition{}, true
	case CommandTypeClosePosition:
		return &ClosePosition{}, true
	case CommandTypeExpirePosition:
		return &ExpirePosition{}, true
	case CommandTypeRegisterResolver:
		return &RegisterResolver{}, true
	case CommandTypeWithdrawResolverBond:
		return &WithdrawResolverBond{}, true
	case CommandTypeSetChain:
		return &SetChain{}, true
	case CommandTypeInitiateSettlement:
		return &InitiateSettlement{}, true
	case CommandTypeLockSettlement:
		return &LockSettlement{}, true
	case CommandTypeExecuteSettlement:
		return &ExecuteSettlement{}, true
	case CommandTypeCancelSettlement:
		return &CancelSettlement{}, true
	case CommandTypeRaiseDispute:
		return &RaiseDispute{}, true
	case CommandTypeResolveDispute:
		return &ResolveDispute{}, true
	case CommandTypeRequestEmergencyRefund:
		return &RequestEmergencyRefund{}, true
	case CommandTypeApproveEmergencyRefund:
		return &ApproveEmergencyRefund{}, true
	case CommandTypeUpdatePrice:
		return &UpdatePrice{}, true
	default:
		return nil, false
	}
}
