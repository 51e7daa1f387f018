package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"PerpSettle/internal/controller"
	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	"PerpSettle/internal/ingestion"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/manager"
	"PerpSettle/internal/market"
	"PerpSettle/internal/projection"
	"PerpSettle/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	maxCommandBytes = 1 << 20
)

// handler answers one route. Errors should carry a gRPC status; anything
// else is classified by statusFromError.
type handler func(r *http.Request, params map[string]string) (interface{}, error)

func (s *GRPCServer) registerRoutes(mux *runtime.ServeMux) error {
	routes := []struct {
		method   string
		pattern  string
		endpoint string
		ok       int
		h        handler
	}{
		// Live state, read straight from the engine.
		{"GET", "/v1/status", "status", http.StatusOK, s.getStatus},
		{"GET", "/v1/markets", "markets", http.StatusOK, s.listMarkets},
		{"GET", "/v1/markets/{market}", "market", http.StatusOK, s.getMarket},
		{"GET", "/v1/markets/{market}/versions/{timestamp}", "market_version", http.StatusOK, s.getMarketVersion},
		{"GET", "/v1/markets/{market}/accounts/{account}", "market_account", http.StatusOK, s.getMarketAccount},
		{"GET", "/v1/oracles/{oracle}", "oracle", http.StatusOK, s.getOracle},
		{"GET", "/v1/accounts/{owner}", "account", http.StatusOK, s.getAccount},
		{"GET", "/v1/accounts/{owner}/groups/{group}", "group", http.StatusOK, s.getGroup},
		{"GET", "/v1/accounts/{owner}/orders", "orders", http.StatusOK, s.listOrders},
		{"GET", "/v1/verifiers/{verifier}/accounts/{account}/nonces/{nonce}", "nonce", http.StatusOK, s.getNonce},

		// Command intake.
		{"POST", "/v1/commands/{type}", "submit", http.StatusAccepted, s.submitCommand},

		// History, read from the projections and the event log.
		{"GET", "/v1/history/markets/{market}/versions", "history_versions", http.StatusOK, s.historyVersions},
		{"GET", "/v1/history/accounts/{owner}/positions", "history_positions", http.StatusOK, s.historyPositions},
		{"GET", "/v1/history/accounts/{owner}/nonces", "history_nonces", http.StatusOK, s.historyNonces},
		{"GET", "/v1/history/accounts/{owner}/orders", "history_orders", http.StatusOK, s.historyOrders},
		{"GET", "/v1/history/accounts/{owner}/journal", "history_journal", http.StatusOK, s.historyJournal},
		{"GET", "/v1/history/accounts/{owner}/balances", "history_balances", http.StatusOK, s.historyBalances},
		{"GET", "/v1/history/events", "history_events", http.StatusOK, s.historyEvents},

		// Admin.
		{"GET", "/v1/admin/integrity", "admin_integrity", http.StatusOK, s.integrity},
		{"POST", "/v1/admin/projections/rebuild", "admin_rebuild", http.StatusOK, s.rebuildProjections},
		{"POST", "/v1/admin/snapshot", "admin_snapshot", http.StatusOK, s.takeSnapshot},
	}

	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, s.wrap(rt.endpoint, rt.ok, rt.h)); err != nil {
			return err
		}
	}
	return nil
}

func (s *GRPCServer) wrap(endpoint string, ok int, h handler) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		body, err := h(r, params)

		code := codes.OK
		if err != nil {
			st := statusFromError(err)
			code = st.Code()
			if code == codes.Internal {
				s.logger.Error().Err(err).Str("endpoint", endpoint).Msg("request failed")
			}
			writeJSON(w, runtime.HTTPStatusFromCode(code), errorBody{Code: code.String(), Message: st.Message()})
		} else {
			writeJSON(w, ok, body)
		}

		if m := s.deps.Metrics; m != nil {
			outcome := "ok"
			if err != nil {
				outcome = "error"
				m.QueryErrors.WithLabelValues(endpoint, code.String()).Inc()
			}
			m.QueryRequests.WithLabelValues(endpoint, outcome).Inc()
			m.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

// statusFromError maps domain errors to gRPC codes.
func statusFromError(err error) *status.Status {
	if st, ok := status.FromError(err); ok {
		return st
	}
	switch {
	case errors.Is(err, ingestion.ErrInvalidCommand):
		return status.New(codes.InvalidArgument, err.Error())
	case errors.Is(err, market.ErrUnknownMarket),
		errors.Is(err, core.ErrUnknownVerifier),
		errors.Is(err, core.ErrUnknownOracle):
		return status.New(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.New(codes.Canceled, err.Error())
	default:
		return status.New(codes.Internal, err.Error())
	}
}

// --- Parameter helpers ---

func addressParam(params map[string]string, name string) (common.Address, error) {
	v := params[name]
	if !common.IsHexAddress(v) {
		return common.Address{}, status.Errorf(codes.InvalidArgument, "invalid %s address %q", name, v)
	}
	return common.HexToAddress(v), nil
}

func uintParam(params map[string]string, name string) (uint64, error) {
	v, err := strconv.ParseUint(params[name], 10, 64)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "invalid %s %q", name, params[name])
	}
	return v, nil
}

func pageSize(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultPageSize, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, status.Errorf(codes.InvalidArgument, "invalid limit %q", v)
	}
	if n > maxPageSize {
		n = maxPageSize
	}
	return n, nil
}

func optionalInt(r *http.Request, name string) (*int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid %s %q", name, v)
	}
	return &n, nil
}

func optionalString(r *http.Request, name string) *string {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil
	}
	return &v
}

// --- Live state ---

// StatusResponse is the head of the hash chain.
type StatusResponse struct {
	NextSequence int64       `json:"nextSequence"`
	StateHash    common.Hash `json:"stateHash"`
	Clock        uint64      `json:"clock"`
	Ready        bool        `json:"ready"`
	Uptime       string      `json:"uptime"`
	Clients      int         `json:"wsClients"`
}

func (s *GRPCServer) getStatus(r *http.Request, _ map[string]string) (interface{}, error) {
	e := s.deps.Engine
	resp := StatusResponse{
		NextSequence: e.GetSequence(),
		StateHash:    e.GetStateHash(),
		Clock:        e.Components().Clock.Now(),
		Uptime:       time.Since(s.deps.StartTime).String(),
	}
	if s.deps.HealthChecker != nil {
		resp.Ready = s.deps.HealthChecker.IsReady()
	}
	if s.deps.Hub != nil {
		resp.Clients = s.deps.Hub.Clients()
	}
	return resp, nil
}

// MarketResponse is a market's live global state.
type MarketResponse struct {
	Address       common.Address        `json:"address"`
	Name          string                `json:"name"`
	Oracle        string                `json:"oracle,omitempty"`
	Current       uint64                `json:"current"`
	Latest        state.OracleVersion   `json:"latest"`
	Global        state.Global          `json:"global"`
	Position      state.Position        `json:"position"`
	Parameter     state.MarketParameter `json:"parameter"`
	RiskParameter state.RiskParameter   `json:"riskParameter"`
	Accounts      int                   `json:"accounts"`
}

func marketResponse(m *market.Market) MarketResponse {
	resp := MarketResponse{
		Address:       m.Address(),
		Name:          m.Name(),
		Current:       m.Oracle().Current(),
		Latest:        m.Oracle().Latest(),
		Global:        m.Global(),
		Position:      m.Position(),
		Parameter:     m.Parameter(),
		RiskParameter: m.RiskParameter(),
		Accounts:      len(m.Accounts()),
	}
	if o, ok := m.Oracle().(interface{ ID() string }); ok {
		resp.Oracle = o.ID()
	}
	return resp
}

func (s *GRPCServer) listMarkets(r *http.Request, _ map[string]string) (interface{}, error) {
	markets := s.deps.Engine.Components().Factory.Markets()
	out := make([]MarketResponse, 0, len(markets))
	for _, m := range markets {
		out = append(out, marketResponse(m))
	}
	return out, nil
}

func (s *GRPCServer) market(params map[string]string) (*market.Market, error) {
	addr, err := addressParam(params, "market")
	if err != nil {
		return nil, err
	}
	return s.deps.Engine.Components().Factory.Market(addr)
}

func (s *GRPCServer) getMarket(r *http.Request, params map[string]string) (interface{}, error) {
	m, err := s.market(params)
	if err != nil {
		return nil, err
	}
	return marketResponse(m), nil
}

func (s *GRPCServer) getMarketVersion(r *http.Request, params map[string]string) (interface{}, error) {
	m, err := s.market(params)
	if err != nil {
		return nil, err
	}
	ts, err := uintParam(params, "timestamp")
	if err != nil {
		return nil, err
	}
	return m.Version(ts), nil
}

// MarketAccountResponse is one account's live state in a market.
type MarketAccountResponse struct {
	Market  common.Address `json:"market"`
	Account common.Address `json:"account"`
	Local   state.Local    `json:"local"`
	Latest  state.Position `json:"latest"`
	Current state.Position `json:"current"`
}

func (s *GRPCServer) getMarketAccount(r *http.Request, params map[string]string) (interface{}, error) {
	m, err := s.market(params)
	if err != nil {
		return nil, err
	}
	account, err := addressParam(params, "account")
	if err != nil {
		return nil, err
	}
	return MarketAccountResponse{
		Market:  m.Address(),
		Account: account,
		Local:   m.Local(account),
		Latest:  m.Positions(account),
		Current: m.CurrentPosition(account),
	}, nil
}

// OracleResponse is a keeper oracle's commitment state.
type OracleResponse struct {
	ID      string              `json:"id"`
	Current uint64              `json:"current"`
	Latest  state.OracleVersion `json:"latest"`
	Pending []uint64            `json:"pending"`
}

func (s *GRPCServer) getOracle(r *http.Request, params map[string]string) (interface{}, error) {
	id := params["oracle"]
	o, ok := s.deps.Engine.Components().Oracles[id]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown oracle %q", id)
	}
	latest, current := o.Status()
	return OracleResponse{ID: o.ID(), Current: current, Latest: latest, Pending: o.Pending()}, nil
}

// WalletBalance is a live token balance.
type WalletBalance struct {
	Scope  string `json:"scope"`
	Asset  string `json:"asset"`
	Native string `json:"native"`
	Amount string `json:"amount"`
}

func walletBalances(entries []ledger.BalanceEntry) []WalletBalance {
	out := make([]WalletBalance, 0, len(entries))
	for _, e := range entries {
		native := decimal.NewFromBigInt(e.Amount.ToBig(), 0)
		out = append(out, WalletBalance{
			Scope:  e.Account.Scope.String(),
			Asset:  e.Account.Asset.String(),
			Native: native.String(),
			Amount: native.Shift(-int32(e.Account.Asset.Decimals())).String(),
		})
	}
	return out
}

// AccountResponse is an owner's wallet and collateral account.
type AccountResponse struct {
	Owner    common.Address     `json:"owner"`
	Deployed bool               `json:"deployed"`
	Account  controller.Balance `json:"collateralAccount"`
	Wallet   []WalletBalance    `json:"wallet"`
	Holdings []WalletBalance    `json:"accountHoldings"`
}

func (s *GRPCServer) getAccount(r *http.Request, params map[string]string) (interface{}, error) {
	owner, err := addressParam(params, "owner")
	if err != nil {
		return nil, err
	}
	c := s.deps.Engine.Components()
	bal := c.Controller.Balance(owner)
	_, deployed := c.Controller.Deployed(owner)
	return AccountResponse{
		Owner:    owner,
		Deployed: deployed,
		Account:  bal,
		Wallet:   walletBalances(c.Ledger.BalancesOf(owner)),
		Holdings: walletBalances(c.Ledger.BalancesOf(bal.Account)),
	}, nil
}

// GroupResponse is a rebalance group and whether it is out of balance.
type GroupResponse struct {
	Owner  common.Address          `json:"owner"`
	Group  uint64                  `json:"group"`
	Config controller.Group        `json:"config"`
	Status *controller.GroupStatus `json:"status,omitempty"`
	Error  string                  `json:"error,omitempty"`
}

func (s *GRPCServer) getGroup(r *http.Request, params map[string]string) (interface{}, error) {
	owner, err := addressParam(params, "owner")
	if err != nil {
		return nil, err
	}
	group, err := uintParam(params, "group")
	if err != nil {
		return nil, err
	}
	ctrl := s.deps.Engine.Components().Controller
	cfg, ok := ctrl.Group(owner, group)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no group %d for %s", group, owner.Hex())
	}
	resp := GroupResponse{Owner: owner, Group: group, Config: cfg}
	if st, err := ctrl.CheckGroup(owner, group); err != nil {
		resp.Error = err.Error()
	} else {
		resp.Status = &st
	}
	return resp, nil
}

func (s *GRPCServer) listOrders(r *http.Request, params map[string]string) (interface{}, error) {
	owner, err := addressParam(params, "owner")
	if err != nil {
		return nil, err
	}
	orders := s.deps.Engine.Components().Manager.Orders(owner)
	if orders == nil {
		orders = []manager.OrderEntry{}
	}
	return orders, nil
}

// NonceStatus reports whether a nonce can still be signed over.
type NonceStatus struct {
	Verifier string         `json:"verifier"`
	Account  common.Address `json:"account"`
	Nonce    string         `json:"nonce"`
	Used     bool           `json:"used"`
}

func (s *GRPCServer) getNonce(r *http.Request, params map[string]string) (interface{}, error) {
	v, err := s.deps.Engine.Verifier(params["verifier"])
	if err != nil {
		return nil, err
	}
	account, err := addressParam(params, "account")
	if err != nil {
		return nil, err
	}
	nonce, err := uint256.FromDecimal(params["nonce"])
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid nonce %q", params["nonce"])
	}
	return NonceStatus{
		Verifier: params["verifier"],
		Account:  account,
		Nonce:    nonce.Dec(),
		Used:     v.NonceUsed(account, *nonce),
	}, nil
}

// --- Command intake ---

// SubmitResponse acknowledges a command accepted onto the stream. The
// outcome arrives on the event stream once the engine applies it.
type SubmitResponse struct {
	CommandID      string `json:"commandId"`
	CommandType    string `json:"commandType"`
	StreamSequence uint64 `json:"streamSequence"`
}

func (s *GRPCServer) submitCommand(r *http.Request, params map[string]string) (interface{}, error) {
	if s.deps.Submitter == nil {
		return nil, status.Error(codes.Unavailable, "command intake disabled")
	}
	ct, ok := event.ParseCommandType(params["type"])
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "unknown command type %q", params["type"])
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBytes))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "read body: %v", err)
	}
	cmd, seq, err := s.deps.Submitter.Submit(r.Context(), ct, data)
	if err != nil {
		if errors.Is(err, ingestion.ErrInvalidCommand) {
			return nil, err
		}
		return nil, status.Errorf(codes.Unavailable, "submit: %v", err)
	}
	return SubmitResponse{
		CommandID:      cmd.IdempotencyKey(),
		CommandType:    ct.String(),
		StreamSequence: seq,
	}, nil
}

// --- History ---

func (s *GRPCServer) requireQuery() error {
	if s.deps.QueryService == nil {
		return status.Error(codes.Unavailable, "history disabled")
	}
	return nil
}

func (s *GRPCServer) historyVersions(r *http.Request, params map[string]string) (interface{}, error) {
	if err := s.requireQuery(); err != nil {
		return nil, err
	}
	addr, err := addressParam(params, "market")
	if err != nil {
		return nil, err
	}
	limit, err := pageSize(r)
	if err != nil {
		return nil, err
	}
	before, err := optionalInt(r, "before")
	if err != nil {
		return nil, err
	}
	return s.deps.QueryService.GetVersions(r.Context(), addr, limit, before)
}

func (s *GRPCServer) historyPositions(r *http.Request, params map[string]string) (interface{}, error) {
	if err := s.requireQuery(); err != nil {
		return nil, err
	}
	owner, err := addressParam(params, "owner")
	if err != nil {
		return nil, err
	}
	return s.deps.QueryService.GetPositions(r.Context(), owner)
}

func (s *GRPCServer) historyNonces(r *http.Request, params map[string]string) (interface{}, error) {
	if err := s.requireQuery(); err != nil {
		return nil, err
	}
	owner, err := addressParam(params, "owner")
	if err != nil {
		return nil, err
	}
	limit, err := pageSize(r)
	if err != nil {
		return nil, err
	}
	return s.deps.QueryService.GetUsedNonces(r.Context(), owner, optionalString(r, "verifier"), limit)
}

func (s *GRPCServer) historyOrders(r *http.Request, params map[string]string) (interface{}, error) {
	if err := s.requireQuery(); err != nil {
		return nil, err
	}
	owner, err := addressParam(params, "owner")
	if err != nil {
		return nil, err
	}
	st := optionalString(r, "status")
	if st != nil {
		switch *st {
		case projection.OrderPlaced, projection.OrderCancelled, projection.OrderExecuted:
		default:
			return nil, status.Errorf(codes.InvalidArgument, "invalid status %q", *st)
		}
	}
	return s.deps.QueryService.GetTriggerOrders(r.Context(), owner, st)
}

func (s *GRPCServer) historyJournal(r *http.Request, params map[string]string) (interface{}, error) {
	if err := s.requireQuery(); err != nil {
		return nil, err
	}
	owner, err := addressParam(params, "owner")
	if err != nil {
		return nil, err
	}
	limit, err := pageSize(r)
	if err != nil {
		return nil, err
	}
	after, err := optionalInt(r, "after")
	if err != nil {
		return nil, err
	}
	return s.deps.QueryService.GetJournalHistory(r.Context(), owner, limit, after)
}

func (s *GRPCServer) historyBalances(r *http.Request, params map[string]string) (interface{}, error) {
	if err := s.requireQuery(); err != nil {
		return nil, err
	}
	owner, err := addressParam(params, "owner")
	if err != nil {
		return nil, err
	}
	return s.deps.QueryService.GetWalletBalances(r.Context(), owner)
}

func (s *GRPCServer) historyEvents(r *http.Request, params map[string]string) (interface{}, error) {
	if err := s.requireQuery(); err != nil {
		return nil, err
	}
	limit, err := pageSize(r)
	if err != nil {
		return nil, err
	}
	from, err := optionalInt(r, "from")
	if err != nil {
		return nil, err
	}
	var fromSeq int64
	if from != nil {
		fromSeq = *from
	}
	var marketAddr *common.Address
	if m := r.URL.Query().Get("market"); m != "" {
		if !common.IsHexAddress(m) {
			return nil, status.Errorf(codes.InvalidArgument, "invalid market address %q", m)
		}
		addr := common.HexToAddress(m)
		marketAddr = &addr
	}
	return s.deps.QueryService.GetEvents(r.Context(), fromSeq, marketAddr, limit)
}

// --- Admin ---

func (s *GRPCServer) integrity(r *http.Request, _ map[string]string) (interface{}, error) {
	if err := s.requireQuery(); err != nil {
		return nil, err
	}
	return s.deps.QueryService.VerifyIntegrity(r.Context())
}

func (s *GRPCServer) rebuildProjections(r *http.Request, _ map[string]string) (interface{}, error) {
	if s.deps.DB == nil {
		return nil, status.Error(codes.Unavailable, "projections disabled")
	}
	start := time.Now()
	if err := projection.RebuildProjections(r.Context(), s.deps.DB, s.logger); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "rebuilt", "duration": time.Since(start).String()}, nil
}

func (s *GRPCServer) takeSnapshot(r *http.Request, _ map[string]string) (interface{}, error) {
	if s.deps.Snapshot == nil {
		return nil, status.Error(codes.Unavailable, "snapshots disabled")
	}
	if err := s.deps.Snapshot(r.Context()); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "saved", "sequence": s.deps.Engine.GetSequence() - 1}, nil
}
