package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// CommandType discriminator for command payloads
type CommandType int32

const (
	CommandTypeUnknown CommandType = iota
	CommandTypeDeposit
	CommandTypeWithdraw
	CommandTypeMint
	CommandTypeTransfer
	CommandTypeBurn
	CommandTypeFinalizeDecryption
	CommandTypeSetAuthorized
	CommandTypeCreateOrder
	CommandTypeExecuteOrder
	CommandTypeCancelOrder
	CommandTypeCreateStrategy
	CommandTypeCancelStrategy
	CommandTypeRequestEmergencyWithdrawal
	CommandTypeApproveEmergencyWithdrawal
	CommandTypeOpenPosition
	CommandTypeClosePosition
	CommandTypeExpirePosition
	CommandTypeRegisterResolver
	CommandTypeWithdrawResolverBond
	CommandTypeSetChain
	CommandTypeInitiateSettlement
	CommandTypeLockSettlement
	CommandTypeExecuteSettlement
	CommandTypeCancelSettlement
	CommandTypeRaiseDispute
	CommandTypeResolveDispute
	CommandTypeRequestEmergencyRefund
	CommandTypeApproveEmergencyRefund
	CommandTypeUpdatePrice
)

var commandTypeNames = map[CommandType]string{
	CommandTypeDeposit:                    "Deposit",
	CommandTypeWithdraw:                   "Withdraw",
	CommandTypeMint:                       "Mint",
	CommandTypeTransfer:                   "Transfer",
	CommandTypeBurn:                       "Burn",
	CommandTypeFinalizeDecryption:         "FinalizeDecryption",
	CommandTypeSetAuthorized:              "SetAuthorized",
	CommandTypeCreateOrder:                "CreateOrder",
	CommandTypeExecuteOrder:               "ExecuteOrder",
	CommandTypeCancelOrder:                "CancelOrder",
	CommandTypeCreateStrategy:             "CreateStrategy",
	CommandTypeCancelStrategy:             "CancelStrategy",
	CommandTypeRequestEmergencyWithdrawal: "RequestEmergencyWithdrawal",
	CommandTypeApproveEmergencyWithdrawal: "ApproveEmergencyWithdrawal",
	CommandTypeOpenPosition:               "OpenPosition",
	CommandTypeClosePosition:              "ClosePosition",
	CommandTypeExpirePosition:             "ExpirePosition",
	CommandTypeRegisterResolver:           "RegisterResolver",
	CommandTypeWithdrawResolverBond:       "WithdrawResolverBond",
	CommandTypeSetChain:                   "SetChain",
	CommandTypeInitiateSettlement:         "InitiateSettlement",
	CommandTypeLockSettlement:             "LockSettlement",
	CommandTypeExecuteSettlement:          "ExecuteSettlement",
	CommandTypeCancelSettlement:           "CancelSettlement",
	CommandTypeRaiseDispute:               "RaiseDispute",
	CommandTypeResolveDispute:             "ResolveDispute",
	CommandTypeRequestEmergencyRefund:     "RequestEmergencyRefund",
	CommandTypeApproveEmergencyRefund:     "ApproveEmergencyRefund",
	CommandTypeUpdatePrice:                "UpdatePrice",
}

func (ct CommandType) String() string {
	if name, ok := commandTypeNames[ct]; ok {
		return name
	}
	return "Unknown"
}

// ParseCommandType maps a wire name back to its CommandType.
func ParseCommandType(name string) (CommandType, bool) {
	for ct, n := range commandTypeNames {
		if n == name {
			return ct, true
		}
	}
	return CommandTypeUnknown, false
}

// Command is the interface all command payloads must implement
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// CommandType returns the discriminator
	CommandType() CommandType

	// Sender returns the principal issuing the command
	Sender() common.Address

	// Timestamp is the versioned input time the command executes at
	Timestamp() time.Time

	// Stamp fills the key and timestamp a producer left empty
	Stamp(key string, at time.Time)
}

// Meta carries the fields every command shares.
type Meta struct {
	Key    string         `json:"idempotency_key"`
	Caller common.Address `json:"caller"`
	At     time.Time      `json:"at"`
}

func (m Meta) IdempotencyKey() string { return m.Key }
func (m Meta) Sender() common.Address { return m.Caller }
func (m Meta) Timestamp() time.Time   { return m.At }

func (m *Meta) Stamp(key string, at time.Time) {
	if m.Key == "" {
		m.Key = key
	}
	if m.At.IsZero() {
		m.At = at
	}
}

// Envelope wraps every applied command in the log
type Envelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	CommandType CommandType

	Caller common.Address

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// JSON-encoded command
	Payload []byte

	// Public records emitted while applying the command
	Records []Record

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}
