package ingestion

import (
	"context"
	"fmt"
	"time"

	"VeilTrade/internal/apperr"
	"VeilTrade/internal/core"
	"VeilTrade/internal/event"
	"VeilTrade/internal/oracle"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Submitter queues a command and waits for the core's outcome.
// *core.Inbox satisfies it.
type Submitter interface {
	Submit(ctx context.Context, cmd event.Command) (core.Result, error)
}

// GRPCIngestService provides admin/manual command injection via gRPC. It is
// for operators and tests, not for high-throughput ingestion (use NATS).
type GRPCIngestService struct {
	inbox         Submitter
	priceDecimals int32
}

func NewGRPCIngestService(inbox Submitter, priceDecimals int32) *GRPCIngestService {
	return &GRPCIngestService{inbox: inbox, priceDecimals: priceDecimals}
}

// Submit decodes a JSON command named typeName and waits for it to apply.
func (s *GRPCIngestService) Submit(ctx context.Context, typeName string, payload []byte) (core.Result, error) {
	cmd, err := ParseCommand(typeName, payload)
	if err != nil {
		return core.Result{}, err
	}
	return s.inbox.Submit(ctx, cmd)
}

// InjectDeposit credits account's public wallet for an observed deposit.
// txID is the deposit's chain transaction and becomes the idempotency key;
// an empty txID gets a fresh key.
func (s *GRPCIngestService) InjectDeposit(
	ctx context.Context,
	operator common.Address,
	account common.Address,
	asset string,
	amount uint64,
	txID string,
) (core.Result, error) {
	if amount == 0 {
		return core.Result{}, apperr.ErrZeroAmount.With("deposit")
	}
	if txID == "" {
		txID = uuid.NewString()
	}

	cmd := &event.Deposit{
		Meta:    event.Meta{Key: "deposit:" + txID, Caller: operator},
		Account: account,
		Asset:   asset,
		Amount:  amount,
	}
	return s.inbox.Submit(ctx, cmd)
}

// InjectPrice normalizes a decimal price string and submits it as an
// oracle observation from feeder.
func (s *GRPCIngestService) InjectPrice(
	ctx context.Context,
	feeder common.Address,
	symbol string,
	price string,
	publishedAt time.Time,
) (core.Result, error) {
	units, err := oracle.Normalize(price, s.priceDecimals)
	if err != nil {
		return core.Result{}, err
	}

	key := "price:" + symbol + ":" + uuid.NewString()
	if !publishedAt.IsZero() {
		key = fmt.Sprintf("price:%s:%d", symbol, publishedAt.UnixNano())
	}
	cmd := &event.UpdatePrice{
		Meta:        event.Meta{Key: key, Caller: feeder},
		Symbol:      symbol,
		Price:       units,
		PublishedAt: publishedAt,
	}
	return s.inbox.Submit(ctx, cmd)
}
