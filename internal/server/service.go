package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"VeilTrade/internal/apperr"
	"VeilTrade/internal/core"
	"VeilTrade/internal/event"
	"VeilTrade/internal/ingestion"
	"VeilTrade/internal/observability"
	"VeilTrade/internal/query"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "veiltrade.v1.Engine"

// Querier is the projection read side. *query.QueryService satisfies it.
type Querier interface {
	Watermark(ctx context.Context) (int64, error)
	GetBalance(ctx context.Context, owner common.Address, asset string) (*query.BalanceResponse, error)
	GetVault(ctx context.Context, asset string) (*query.VaultResponse, error)
	GetOrder(ctx context.Context, id uint64) (*query.OrderResponse, error)
	ListOrders(ctx context.Context, owner common.Address, status string, page query.Page) ([]query.OrderResponse, error)
	ListStrategies(ctx context.Context, owner common.Address, page query.Page) ([]query.StrategyResponse, error)
	ListPositions(ctx context.Context, owner common.Address, status string, page query.Page) ([]query.PositionResponse, error)
	GetSettlement(ctx context.Context, id uint64) (*query.SettlementResponse, error)
	ListSettlements(ctx context.Context, owner common.Address, status string, page query.Page) ([]query.SettlementResponse, error)
	ListResolvers(ctx context.Context, activeOnly bool) ([]query.ResolverResponse, error)
	ListPrices(ctx context.Context) ([]query.PriceResponse, error)
	GetJournalHistory(ctx context.Context, owner common.Address, limit int, afterSequence *int64) ([]query.JournalHistoryEntry, error)
	GetTransferHistory(ctx context.Context, owner common.Address, limit int, afterSequence *int64) ([]query.TransferEntry, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// CoreReader runs a read against live engine state between commands.
// *core.Inbox satisfies it.
type CoreReader interface {
	Read(ctx context.Context, fn func(c *core.DeterministicCore)) error
}

// EngineServer is the veiltrade.v1.Engine service.
type EngineServer interface {
	Submit(context.Context, *SubmitRequest) (*SubmitResponse, error)
	InjectDeposit(context.Context, *DepositRequest) (*SubmitResponse, error)
	InjectPrice(context.Context, *PriceRequest) (*SubmitResponse, error)

	GetOrder(context.Context, *IDRequest) (*query.OrderResponse, error)
	ListOrders(context.Context, *ListRequest) (*OrdersResponse, error)
	ListStrategies(context.Context, *ListRequest) (*StrategiesResponse, error)
	ListPositions(context.Context, *ListRequest) (*PositionsResponse, error)
	GetSettlement(context.Context, *IDRequest) (*query.SettlementResponse, error)
	ListSettlements(context.Context, *ListRequest) (*SettlementsResponse, error)
	ListResolvers(context.Context, *ResolversRequest) (*ResolversResponse, error)
	ListPrices(context.Context, *Empty) (*PricesResponse, error)
	GetBalance(context.Context, *BalanceRequest) (*query.BalanceResponse, error)
	GetVault(context.Context, *BalanceRequest) (*query.VaultResponse, error)
	ListJournals(context.Context, *HistoryRequest) (*JournalsResponse, error)
	ListTransfers(context.Context, *HistoryRequest) (*TransfersResponse, error)

	GetSealedBalance(context.Context, *SealedBalanceRequest) (*SealedBalanceResponse, error)
	GetSystemStatus(context.Context, *Empty) (*SystemStatusResponse, error)
	VerifyIntegrity(context.Context, *Empty) (*query.IntegrityReport, error)
	RebuildProjections(context.Context, *Empty) (*RebuildResponse, error)
}

// ============================================================================
// Messages
// ============================================================================

type Empty struct{}

// SubmitRequest carries one command as its JSON payload.
type SubmitRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type SubmitResponse struct {
	Sequence  int64             `json:"sequence"`
	Duplicate bool              `json:"duplicate"`
	ID        uint64            `json:"id,omitempty"`
	Records   []json.RawMessage `json:"records,omitempty"`
}

type DepositRequest struct {
	Operator string `json:"operator"`
	Account  string `json:"account"`
	Asset    string `json:"asset"`
	Amount   uint64 `json:"amount"`
	TxID     string `json:"tx_id"`
}

// PriceRequest carries a decimal price string, e.g. "2034.15".
type PriceRequest struct {
	Feeder      string    `json:"feeder"`
	Symbol      string    `json:"symbol"`
	Price       string    `json:"price"`
	PublishedAt time.Time `json:"published_at"`
}

type IDRequest struct {
	ID uint64 `json:"id"`
}

type ListRequest struct {
	Owner  string `json:"owner"`
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	After  uint64 `json:"after,omitempty"`
}

type ResolversRequest struct {
	ActiveOnly bool `json:"active_only"`
}

type BalanceRequest struct {
	Owner string `json:"owner,omitempty"`
	Asset string `json:"asset"`
}

type HistoryRequest struct {
	Owner         string `json:"owner"`
	Limit         int    `json:"limit,omitempty"`
	AfterSequence int64  `json:"after_sequence,omitempty"`
}

// SealedBalanceRequest asks for account's confidential balance handle on
// behalf of caller, who must hold decryption rights over it.
type SealedBalanceRequest struct {
	Caller  string `json:"caller"`
	Account string `json:"account"`
}

type SealedBalanceResponse struct {
	Account      string `json:"account"`
	Handle       string `json:"handle"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

type OrdersResponse struct {
	Orders []query.OrderResponse `json:"orders"`
}

type StrategiesResponse struct {
	Strategies []query.StrategyResponse `json:"strategies"`
}

type PositionsResponse struct {
	Positions []query.PositionResponse `json:"positions"`
}

type SettlementsResponse struct {
	Settlements []query.SettlementResponse `json:"settlements"`
}

type ResolversResponse struct {
	Resolvers []query.ResolverResponse `json:"resolvers"`
}

type PricesResponse struct {
	Prices []query.PriceResponse `json:"prices"`
}

type JournalsResponse struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

type TransfersResponse struct {
	Transfers []query.TransferEntry `json:"transfers"`
}

// SystemStatusResponse combines live core state with projection freshness.
// Sequence is the last applied sequence, -1 before the first command.
type SystemStatusResponse struct {
	Sequence            int64     `json:"sequence"`
	StateHash           string    `json:"state_hash"`
	LastTimestamp       time.Time `json:"last_timestamp"`
	ProjectionWatermark int64     `json:"projection_watermark"`
	ProjectionLag       int64     `json:"projection_lag"`
	PendingDecrypts     int       `json:"pending_decrypts"`
	LiveOrders          int       `json:"live_orders"`
	OpenSettlements     int       `json:"open_settlements"`
	DailyVolume         uint64    `json:"daily_volume"`
	DailyVolumeCap      uint64    `json:"daily_volume_cap"`
	Uptime              string    `json:"uptime"`
}

type RebuildResponse struct {
	LastSequence int64 `json:"last_sequence"`
}

// ============================================================================
// Implementation
// ============================================================================

type engineService struct {
	queries   Querier
	ingest    *ingestion.GRPCIngestService
	core      CoreReader
	rebuild   func(ctx context.Context) (int64, error)
	metrics   *observability.Metrics
	startTime time.Time
	logger    zerolog.Logger
}

func (s *engineService) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	if req.Type == "" {
		return nil, status.Error(codes.InvalidArgument, "type is required")
	}
	res, err := s.ingest.Submit(ctx, req.Type, req.Payload)
	if err != nil {
		return nil, toStatus(err)
	}
	return submitResponse(res)
}

func (s *engineService) InjectDeposit(ctx context.Context, req *DepositRequest) (*SubmitResponse, error) {
	operator, err := parseAddress("operator", req.Operator)
	if err != nil {
		return nil, err
	}
	account, err := parseAddress("account", req.Account)
	if err != nil {
		return nil, err
	}
	res, err := s.ingest.InjectDeposit(ctx, operator, account, req.Asset, req.Amount, req.TxID)
	if err != nil {
		return nil, toStatus(err)
	}
	return submitResponse(res)
}

func (s *engineService) InjectPrice(ctx context.Context, req *PriceRequest) (*SubmitResponse, error) {
	feeder, err := parseAddress("feeder", req.Feeder)
	if err != nil {
		return nil, err
	}
	if req.Symbol == "" {
		return nil, status.Error(codes.InvalidArgument, "symbol is required")
	}
	res, err := s.ingest.InjectPrice(ctx, feeder, req.Symbol, req.Price, req.PublishedAt)
	if err != nil {
		return nil, toStatus(err)
	}
	return submitResponse(res)
}

func (s *engineService) GetOrder(ctx context.Context, req *IDRequest) (*query.OrderResponse, error) {
	o, err := s.queries.GetOrder(ctx, req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return o, nil
}

func (s *engineService) ListOrders(ctx context.Context, req *ListRequest) (*OrdersResponse, error) {
	owner, err := parseAddress("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	orders, err := s.queries.ListOrders(ctx, owner, req.Status, req.page())
	if err != nil {
		return nil, toStatus(err)
	}
	return &OrdersResponse{Orders: orders}, nil
}

func (s *engineService) ListStrategies(ctx context.Context, req *ListRequest) (*StrategiesResponse, error) {
	owner, err := parseAddress("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	strategies, err := s.queries.ListStrategies(ctx, owner, req.page())
	if err != nil {
		return nil, toStatus(err)
	}
	return &StrategiesResponse{Strategies: strategies}, nil
}

func (s *engineService) ListPositions(ctx context.Context, req *ListRequest) (*PositionsResponse, error) {
	owner, err := parseAddress("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	positions, err := s.queries.ListPositions(ctx, owner, req.Status, req.page())
	if err != nil {
		return nil, toStatus(err)
	}
	return &PositionsResponse{Positions: positions}, nil
}

func (s *engineService) GetSettlement(ctx context.Context, req *IDRequest) (*query.SettlementResponse, error) {
	st, err := s.queries.GetSettlement(ctx, req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return st, nil
}

func (s *engineService) ListSettlements(ctx context.Context, req *ListRequest) (*SettlementsResponse, error) {
	owner, err := parseAddress("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	settlements, err := s.queries.ListSettlements(ctx, owner, req.Status, req.page())
	if err != nil {
		return nil, toStatus(err)
	}
	return &SettlementsResponse{Settlements: settlements}, nil
}

func (s *engineService) ListResolvers(ctx context.Context, req *ResolversRequest) (*ResolversResponse, error) {
	resolvers, err := s.queries.ListResolvers(ctx, req.ActiveOnly)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ResolversResponse{Resolvers: resolvers}, nil
}

func (s *engineService) ListPrices(ctx context.Context, _ *Empty) (*PricesResponse, error) {
	prices, err := s.queries.ListPrices(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &PricesResponse{Prices: prices}, nil
}

func (s *engineService) GetBalance(ctx context.Context, req *BalanceRequest) (*query.BalanceResponse, error) {
	owner, err := parseAddress("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	bal, err := s.queries.GetBalance(ctx, owner, req.Asset)
	if err != nil {
		return nil, toStatus(err)
	}
	return bal, nil
}

func (s *engineService) GetVault(ctx context.Context, req *BalanceRequest) (*query.VaultResponse, error) {
	v, err := s.queries.GetVault(ctx, req.Asset)
	if err != nil {
		return nil, toStatus(err)
	}
	return v, nil
}

func (s *engineService) ListJournals(ctx context.Context, req *HistoryRequest) (*JournalsResponse, error) {
	owner, err := parseAddress("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	entries, err := s.queries.GetJournalHistory(ctx, owner, req.Limit, req.after())
	if err != nil {
		return nil, toStatus(err)
	}
	return &JournalsResponse{Journals: entries}, nil
}

func (s *engineService) ListTransfers(ctx context.Context, req *HistoryRequest) (*TransfersResponse, error) {
	owner, err := parseAddress("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	entries, err := s.queries.GetTransferHistory(ctx, owner, req.Limit, req.after())
	if err != nil {
		return nil, toStatus(err)
	}
	return &TransfersResponse{Transfers: entries}, nil
}

// GetSealedBalance reads the live balance handle. The ledger refuses callers
// without decryption rights over it.
func (s *engineService) GetSealedBalance(ctx context.Context, req *SealedBalanceRequest) (*SealedBalanceResponse, error) {
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		return nil, err
	}
	account, err := parseAddress("account", req.Account)
	if err != nil {
		return nil, err
	}

	resp := &SealedBalanceResponse{Account: account.Hex()}
	var readErr error
	err = s.core.Read(ctx, func(c *core.DeterministicCore) {
		h, err := c.Ledger().SealedBalance(caller, account)
		if err != nil {
			readErr = err
			return
		}
		resp.Handle = h.Hex()
		resp.AsOfSequence = c.GetSequence() - 1
	})
	if err == nil {
		err = readErr
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *engineService) GetSystemStatus(ctx context.Context, _ *Empty) (*SystemStatusResponse, error) {
	resp := &SystemStatusResponse{Uptime: time.Since(s.startTime).Truncate(time.Second).String()}
	err := s.core.Read(ctx, func(c *core.DeterministicCore) {
		now := c.Now()
		hash := c.GetStateHash()
		resp.Sequence = c.GetSequence() - 1
		resp.StateHash = hex.EncodeToString(hash[:])
		resp.LastTimestamp = now
		resp.PendingDecrypts = len(c.Gateway().Pending())
		resp.LiveOrders = c.Orders().LiveOrders(now)
		resp.OpenSettlements = c.Settlement().OpenSettlements()
		resp.DailyVolume = c.Orders().Breaker().Volume(now)
		resp.DailyVolumeCap = c.Orders().Breaker().Max()
	})
	if err != nil {
		return nil, toStatus(err)
	}

	watermark, err := s.queries.Watermark(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	resp.ProjectionWatermark = watermark
	if lag := resp.Sequence - watermark; lag > 0 {
		resp.ProjectionLag = lag
	}
	return resp, nil
}

func (s *engineService) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	report, err := s.queries.VerifyIntegrity(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return report, nil
}

func (s *engineService) RebuildProjections(ctx context.Context, _ *Empty) (*RebuildResponse, error) {
	if s.rebuild == nil {
		return nil, status.Error(codes.Unimplemented, "projection rebuild is not configured")
	}
	last, err := s.rebuild(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "rebuild failed: %v", err)
	}
	s.logger.Info().Int64("last_sequence", last).Msg("projections rebuilt")
	return &RebuildResponse{LastSequence: last}, nil
}

// observe records one request outcome under endpoint.
func (s *engineService) observe(endpoint string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	result := "ok"
	if err != nil {
		result = "error"
		s.metrics.QueryErrors.WithLabelValues(endpoint, status.Code(err).String()).Inc()
	}
	s.metrics.QueryRequests.WithLabelValues(endpoint, result).Inc()
}

// ============================================================================
// Helpers
// ============================================================================

func (r *ListRequest) page() query.Page {
	return query.Page{Limit: r.Limit, After: r.After}
}

func (r *HistoryRequest) after() *int64 {
	if r.AfterSequence <= 0 {
		return nil
	}
	return &r.AfterSequence
}

func submitResponse(res core.Result) (*SubmitResponse, error) {
	resp := &SubmitResponse{Sequence: res.Sequence, Duplicate: res.Duplicate, ID: res.ID}
	for _, r := range res.Records {
		raw, err := event.MarshalRecord(r)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "marshal %s: %v", r.RecordType(), err)
		}
		resp.Records = append(resp.Records, raw)
	}
	return resp, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, status.Errorf(codes.InvalidArgument, "%s is required", field)
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, status.Errorf(codes.InvalidArgument, "invalid %s: %q", field, s)
	}
	return common.HexToAddress(s), nil
}

// toStatus maps engine rejections onto gRPC codes.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, ingestion.ErrMalformed):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, apperr.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	}

	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindDecryptionFinalization:
		return status.Error(codes.InvalidArgument, err.Error())
	case apperr.KindAuthorization:
		return status.Error(codes.PermissionDenied, err.Error())
	case apperr.KindState, apperr.KindTiming:
		return status.Error(codes.FailedPrecondition, err.Error())
	case apperr.KindCapacity:
		return status.Error(codes.ResourceExhausted, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// ============================================================================
// Service descriptor
// ============================================================================

// unary adapts a typed EngineServer method to a grpc.MethodDesc.
func unary[Req, Resp any](name string, call func(EngineServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode %s: %v", name, err)
			}
			if interceptor == nil {
				return call(srv.(EngineServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(EngineServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var engineServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EngineServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Submit", EngineServer.Submit),
		unary("InjectDeposit", EngineServer.InjectDeposit),
		unary("InjectPrice", EngineServer.InjectPrice),
		unary("GetOrder", EngineServer.GetOrder),
		unary("ListOrders", EngineServer.ListOrders),
		unary("ListStrategies", EngineServer.ListStrategies),
		unary("ListPositions", EngineServer.ListPositions),
		unary("GetSettlement", EngineServer.GetSettlement),
		unary("ListSettlements", EngineServer.ListSettlements),
		unary("ListResolvers", EngineServer.ListResolvers),
		unary("ListPrices", EngineServer.ListPrices),
		unary("GetBalance", EngineServer.GetBalance),
		unary("GetVault", EngineServer.GetVault),
		unary("ListJournals", EngineServer.ListJournals),
		unary("ListTransfers", EngineServer.ListTransfers),
		unary("GetSealedBalance", EngineServer.GetSealedBalance),
		unary("GetSystemStatus", EngineServer.GetSystemStatus),
		unary("VerifyIntegrity", EngineServer.VerifyIntegrity),
		unary("RebuildProjections", EngineServer.RebuildProjections),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "veiltrade/v1/engine",
}

// Client is a thin typed client for the engine service.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call invokes method with the JSON codec.
func (c *Client) Call(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	opts = append(opts, grpc.CallContentSubtype(CodecName))
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...)
}

func (c *Client) Submit(ctx context.Context, typeName string, payload any) (*SubmitResponse, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	out := new(SubmitResponse)
	if err := c.Call(ctx, "Submit", &SubmitRequest{Type: typeName, Payload: raw}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetSystemStatus(ctx context.Context) (*SystemStatusResponse, error) {
	out := new(SystemStatusResponse)
	if err := c.Call(ctx, "GetSystemStatus", &Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}
