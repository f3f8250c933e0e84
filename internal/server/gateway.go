package server

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxBodyBytes = 1 << 20

type route struct {
	method  string
	pattern string
	name    string
	call    func(ctx context.Context, r *http.Request, params map[string]string) (any, error)
}

// registerRoutes binds the HTTP/JSON surface onto mux. Each route decodes
// its request from path, query and body and calls the engine service.
func registerRoutes(mux *runtime.ServeMux, svc *engineService) error {
	routes := []route{
		{"POST", "/v1/commands/{type}", "Submit", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "read body: %v", err)
			}
			return svc.Submit(ctx, &SubmitRequest{Type: p["type"], Payload: body})
		}},
		{"POST", "/v1/deposits", "InjectDeposit", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			req := new(DepositRequest)
			if err := decodeBody(mux, r, req); err != nil {
				return nil, err
			}
			return svc.InjectDeposit(ctx, req)
		}},
		{"POST", "/v1/prices", "InjectPrice", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			req := new(PriceRequest)
			if err := decodeBody(mux, r, req); err != nil {
				return nil, err
			}
			return svc.InjectPrice(ctx, req)
		}},
		{"GET", "/v1/prices", "ListPrices", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return svc.ListPrices(ctx, &Empty{})
		}},
		{"GET", "/v1/orders", "ListOrders", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			req, err := listRequest(r)
			if err != nil {
				return nil, err
			}
			return svc.ListOrders(ctx, req)
		}},
		{"GET", "/v1/orders/{id}", "GetOrder", func(ctx context.Context, _ *http.Request, p map[string]string) (any, error) {
			id, err := uintParam("id", p["id"])
			if err != nil {
				return nil, err
			}
			return svc.GetOrder(ctx, &IDRequest{ID: id})
		}},
		{"GET", "/v1/strategies", "ListStrategies", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			req, err := listRequest(r)
			if err != nil {
				return nil, err
			}
			return svc.ListStrategies(ctx, req)
		}},
		{"GET", "/v1/positions", "ListPositions", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			req, err := listRequest(r)
			if err != nil {
				return nil, err
			}
			return svc.ListPositions(ctx, req)
		}},
		{"GET", "/v1/settlements", "ListSettlements", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			req, err := listRequest(r)
			if err != nil {
				return nil, err
			}
			return svc.ListSettlements(ctx, req)
		}},
		{"GET", "/v1/settlements/{id}", "GetSettlement", func(ctx context.Context, _ *http.Request, p map[string]string) (any, error) {
			id, err := uintParam("id", p["id"])
			if err != nil {
				return nil, err
			}
			return svc.GetSettlement(ctx, &IDRequest{ID: id})
		}},
		{"GET", "/v1/resolvers", "ListResolvers", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			active := r.URL.Query().Get("active")
			return svc.ListResolvers(ctx, &ResolversRequest{ActiveOnly: active == "true" || active == "1"})
		}},
		{"GET", "/v1/balances/{owner}", "GetBalance", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			return svc.GetBalance(ctx, &BalanceRequest{Owner: p["owner"], Asset: r.URL.Query().Get("asset")})
		}},
		{"GET", "/v1/balances/{account}/sealed", "GetSealedBalance", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			return svc.GetSealedBalance(ctx, &SealedBalanceRequest{Caller: r.URL.Query().Get("caller"), Account: p["account"]})
		}},
		{"GET", "/v1/vaults/{asset}", "GetVault", func(ctx context.Context, _ *http.Request, p map[string]string) (any, error) {
			return svc.GetVault(ctx, &BalanceRequest{Asset: p["asset"]})
		}},
		{"GET", "/v1/journals/{owner}", "ListJournals", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			req, err := historyRequest(r, p["owner"])
			if err != nil {
				return nil, err
			}
			return svc.ListJournals(ctx, req)
		}},
		{"GET", "/v1/transfers/{owner}", "ListTransfers", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			req, err := historyRequest(r, p["owner"])
			if err != nil {
				return nil, err
			}
			return svc.ListTransfers(ctx, req)
		}},
		{"GET", "/v1/status", "GetSystemStatus", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return svc.GetSystemStatus(ctx, &Empty{})
		}},
		{"GET", "/v1/integrity", "VerifyIntegrity", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return svc.VerifyIntegrity(ctx, &Empty{})
		}},
		{"POST", "/v1/admin/rebuild-projections", "RebuildProjections", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return svc.RebuildProjections(ctx, &Empty{})
		}},
	}

	for _, rt := range routes {
		err := mux.HandlePath(rt.method, rt.pattern, func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			start := time.Now()
			resp, err := rt.call(r.Context(), r, params)
			svc.observe(rt.name, start, err)
			writeResponse(mux, w, r, resp, err)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func writeResponse(mux *runtime.ServeMux, w http.ResponseWriter, r *http.Request, resp any, err error) {
	_, outbound := runtime.MarshalerForRequest(mux, r)
	if err != nil {
		runtime.HTTPError(r.Context(), mux, outbound, w, r, err)
		return
	}
	body, err := outbound.Marshal(resp)
	if err != nil {
		runtime.HTTPError(r.Context(), mux, outbound, w, r, status.Errorf(codes.Internal, "marshal response: %v", err))
		return
	}
	w.Header().Set("Content-Type", outbound.ContentType(resp))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func decodeBody(mux *runtime.ServeMux, r *http.Request, v any) error {
	inbound, _ := runtime.MarshalerForRequest(mux, r)
	if err := inbound.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode body: %v", err)
	}
	return nil
}

func listRequest(r *http.Request) (*ListRequest, error) {
	q := r.URL.Query()
	req := &ListRequest{Owner: q.Get("owner"), Status: q.Get("status")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid limit: %q", v)
		}
		req.Limit = n
	}
	if v := q.Get("after"); v != "" {
		after, err := uintParam("after", v)
		if err != nil {
			return nil, err
		}
		req.After = after
	}
	return req, nil
}

func historyRequest(r *http.Request, owner string) (*HistoryRequest, error) {
	q := r.URL.Query()
	req := &HistoryRequest{Owner: owner}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid limit: %q", v)
		}
		req.Limit = n
	}
	if v := q.Get("after_sequence"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid after_sequence: %q", v)
		}
		req.AfterSequence = seq
	}
	return req, nil
}

func uintParam(name, v string) (uint64, error) {
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "invalid %s: %q", name, v)
	}
	return n, nil
}
