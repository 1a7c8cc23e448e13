package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"index-fund-engine/internal/domain"
	"index-fund-engine/internal/fixed"
	"index-fund-engine/internal/observability"
	"index-fund-engine/internal/program"
	"index-fund-engine/internal/rebalance"
	"index-fund-engine/internal/verification"
)

// scaleDecimals renders scaled amounts at the default D9 supply scale.
const scaleDecimals = 9

// API serves the processor's operations as JSON over HTTP.
// Rates, prices and presence limits are decimal strings ("0.25"); token
// amounts are raw integer units.
type API struct {
	proc     *program.Processor
	verifier verification.Verifier
	logger   *log.Logger
	started  time.Time
}

// NewAPI creates an API over proc.
func NewAPI(proc *program.Processor, logger *log.Logger) *API {
	return &API{proc: proc, logger: logger, started: time.Now()}
}

// WithVerifier enables GET /v1/funds/{fund}/verify.
func (a *API) WithVerifier(v verification.Verifier) *API {
	a.verifier = v
	return a
}

// Handler returns the API routes plus /health, /status and /metrics.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", observability.Handler())
	mux.HandleFunc("GET /status", a.handleStatus)

	mux.HandleFunc("POST /v1/bid", a.handleBid)
	mux.HandleFunc("POST /v1/fees/distribute", a.handleDistribute)
	mux.HandleFunc("POST /v1/fees/claim", a.handleClaim)
	mux.HandleFunc("POST /v1/fees/poke", a.handlePoke)
	mux.HandleFunc("POST /v1/rebalance/start", a.handleStartRebalance)
	mux.HandleFunc("POST /v1/auctions/open", a.handleOpenAuction)
	mux.HandleFunc("POST /v1/auctions/close", a.handleCloseAuction)
	if a.verifier != nil {
		mux.HandleFunc("GET /v1/funds/{fund}/verify", a.handleVerify)
	}
	return mux
}

// StatusResponse is the JSON response for /status endpoint.
type StatusResponse struct {
	Status  string    `json:"status"`
	Uptime  string    `json:"uptime"`
	Started time.Time `json:"started"`
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:  "running",
		Uptime:  time.Since(a.started).Round(time.Second).String(),
		Started: a.started,
	})
}

// BidRequest is the body of POST /v1/bid.
type BidRequest struct {
	Fund             string   `json:"fund"`
	AuctionID        uint64   `json:"auction_id"`
	Bidder           string   `json:"bidder"`
	SellAmount       uint64   `json:"sell_amount"`
	MaxBuyAmount     uint64   `json:"max_buy_amount"`
	UseCallback      bool     `json:"use_callback"`
	CallbackData     []byte   `json:"callback_data,omitempty"`
	CallbackAccounts []string `json:"callback_accounts,omitempty"`
}

// BidResponse describes an executed bid.
type BidResponse struct {
	SellAmount     uint64 `json:"sell_amount"`
	BuyAmount      uint64 `json:"buy_amount"`
	Price          string `json:"price"`
	ClosedEarly    bool   `json:"closed_early"`
	AuctionEndTime int64  `json:"auction_end_time"`
}

func (a *API) handleBid(w http.ResponseWriter, r *http.Request) {
	var req BidRequest
	if !a.decode(w, r, &req) {
		return
	}
	res, err := a.proc.Bid(r.Context(), program.BidRequest{
		Fund:             req.Fund,
		AuctionID:        req.AuctionID,
		Bidder:           req.Bidder,
		SellAmount:       req.SellAmount,
		MaxBuyAmount:     req.MaxBuyAmount,
		UseCallback:      req.UseCallback,
		CallbackData:     req.CallbackData,
		CallbackAccounts: req.CallbackAccounts,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BidResponse{
		SellAmount:     res.Bid.SellAmount,
		BuyAmount:      res.Bid.BuyAmount,
		Price:          fixed.ToDecimal(&res.Bid.Price, 18).String(),
		ClosedEarly:    res.ClosedEarly,
		AuctionEndTime: res.Auction.EndTime,
	})
}

// DistributeRequest is the body of POST /v1/fees/distribute.
type DistributeRequest struct {
	Fund    string `json:"fund"`
	Index   uint64 `json:"index"`
	Cranker string `json:"cranker"`
}

// DistributeResponse describes a completed distribution. Scaled amounts are
// rendered in raw index token units.
type DistributeResponse struct {
	DAOMinted        uint64 `json:"dao_minted"`
	RecipientsAmount string `json:"recipients_amount"`
	Dust             string `json:"dust"`
}

func (a *API) handleDistribute(w http.ResponseWriter, r *http.Request) {
	var req DistributeRequest
	if !a.decode(w, r, &req) {
		return
	}
	res, err := a.proc.DistributeFees(r.Context(), program.DistributeRequest{
		Fund:    req.Fund,
		Index:   req.Index,
		Cranker: req.Cranker,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DistributeResponse{
		DAOMinted:        res.DAOMinted,
		RecipientsAmount: fixed.ToDecimal(&res.RecipientsAmount, scaleDecimals).String(),
		Dust:             fixed.ToDecimal(&res.Dust, scaleDecimals).String(),
	})
}

// ClaimRequest is the body of POST /v1/fees/claim.
type ClaimRequest struct {
	Fund       string   `json:"fund"`
	Index      uint64   `json:"index"`
	Recipients []string `json:"recipients,omitempty"`
}

// Payout is one recipient's claimed amount.
type Payout struct {
	Recipient string `json:"recipient"`
	Amount    uint64 `json:"amount"`
}

// ClaimResponse lists payouts of a claim.
type ClaimResponse struct {
	Payouts []Payout `json:"payouts"`
	Closed  bool     `json:"closed"`
}

func (a *API) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if !a.decode(w, r, &req) {
		return
	}
	res, err := a.proc.ClaimFees(r.Context(), program.ClaimRequest{
		Fund:       req.Fund,
		Index:      req.Index,
		Recipients: req.Recipients,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	resp := ClaimResponse{Payouts: make([]Payout, 0, len(res.Payouts)), Closed: res.Closed}
	for _, p := range res.Payouts {
		resp.Payouts = append(resp.Payouts, Payout{Recipient: p.Recipient, Amount: p.Amount})
	}
	writeJSON(w, http.StatusOK, resp)
}

// PokeRequest is the body of POST /v1/fees/poke.
type PokeRequest struct {
	Fund string `json:"fund"`
}

// PokeResponse describes the fee shares added by an accrual.
type PokeResponse struct {
	Elapsed             int64  `json:"elapsed"`
	DAOFeeShares        string `json:"dao_fee_shares"`
	RecipientsFeeShares string `json:"recipients_fee_shares"`
}

func (a *API) handlePoke(w http.ResponseWriter, r *http.Request) {
	var req PokeRequest
	if !a.decode(w, r, &req) {
		return
	}
	acc, err := a.proc.Poke(r.Context(), program.PokeRequest{Fund: req.Fund})
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PokeResponse{
		Elapsed:             acc.Elapsed,
		DAOFeeShares:        fixed.ToDecimal(&acc.DAOFeeShares, scaleDecimals).String(),
		RecipientsFeeShares: fixed.ToDecimal(&acc.RecipientsFeeShares, scaleDecimals).String(),
	})
}

// TokenLimits are presence bounds as fractions of the fund, e.g. "0.2".
type TokenLimits struct {
	Mint      string `json:"mint"`
	SellLimit string `json:"sell_limit"`
	BuyLimit  string `json:"buy_limit"`
}

// StartRebalanceRequest is the body of POST /v1/rebalance/start.
type StartRebalanceRequest struct {
	Fund   string        `json:"fund"`
	TTL    int64         `json:"ttl"`
	Limits []TokenLimits `json:"limits"`
}

// StartRebalanceResponse describes the new epoch.
type StartRebalanceResponse struct {
	Nonce          uint64 `json:"nonce"`
	AvailableUntil int64  `json:"available_until"`
}

func (a *API) handleStartRebalance(w http.ResponseWriter, r *http.Request) {
	var req StartRebalanceRequest
	if !a.decode(w, r, &req) {
		return
	}
	limits := make([]domain.TokenLimits, 0, len(req.Limits))
	for _, l := range req.Limits {
		sell, err := fixed.FromDecimal(l.SellLimit, 18)
		if err != nil {
			a.badRequest(w, "sell_limit of "+l.Mint, err)
			return
		}
		buy, err := fixed.FromDecimal(l.BuyLimit, 18)
		if err != nil {
			a.badRequest(w, "buy_limit of "+l.Mint, err)
			return
		}
		tl := domain.TokenLimits{Mint: l.Mint}
		tl.SellLimit.Set(sell)
		tl.BuyLimit.Set(buy)
		limits = append(limits, tl)
	}
	epoch, err := a.proc.StartRebalance(r.Context(), program.StartRebalanceRequest{
		Fund:   req.Fund,
		Limits: limits,
		TTL:    req.TTL,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StartRebalanceResponse{Nonce: epoch.Nonce, AvailableUntil: epoch.AvailableUntil})
}

// OpenAuctionRequest is the body of POST /v1/auctions/open. Prices are buy
// units per sell unit.
type OpenAuctionRequest struct {
	Fund       string `json:"fund"`
	AuctionID  uint64 `json:"auction_id"`
	SellMint   string `json:"sell_mint"`
	BuyMint    string `json:"buy_mint"`
	StartPrice string `json:"start_price"`
	EndPrice   string `json:"end_price"`
	Curve      string `json:"curve,omitempty"`
	Start      int64  `json:"start,omitempty"`
	Duration   int64  `json:"duration"`
}

// AuctionResponse describes an auction.
type AuctionResponse struct {
	AuctionID uint64 `json:"auction_id"`
	Nonce     uint64 `json:"nonce"`
	SellMint  string `json:"sell_mint"`
	BuyMint   string `json:"buy_mint"`
	Curve     string `json:"curve"`
	StartTime int64  `json:"start_time"`
	EndTime   int64  `json:"end_time"`
}

func auctionResponse(a *domain.Auction) AuctionResponse {
	return AuctionResponse{
		AuctionID: a.ID,
		Nonce:     a.Nonce,
		SellMint:  a.SellMint,
		BuyMint:   a.BuyMint,
		Curve:     string(a.Curve),
		StartTime: a.StartTime,
		EndTime:   a.EndTime,
	}
}

func (a *API) handleOpenAuction(w http.ResponseWriter, r *http.Request) {
	var req OpenAuctionRequest
	if !a.decode(w, r, &req) {
		return
	}
	start, err := fixed.FromDecimal(req.StartPrice, 18)
	if err != nil {
		a.badRequest(w, "start_price", err)
		return
	}
	end, err := fixed.FromDecimal(req.EndPrice, 18)
	if err != nil {
		a.badRequest(w, "end_price", err)
		return
	}
	open := program.OpenAuctionRequest{
		Fund:      req.Fund,
		AuctionID: req.AuctionID,
		SellMint:  req.SellMint,
		BuyMint:   req.BuyMint,
		Curve:     domain.CurveKind(req.Curve),
		Start:     req.Start,
		Duration:  req.Duration,
	}
	open.StartPrice.Set(start)
	open.EndPrice.Set(end)

	auction, err := a.proc.OpenAuction(r.Context(), open)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auctionResponse(auction))
}

// CloseAuctionRequest is the body of POST /v1/auctions/close.
type CloseAuctionRequest struct {
	Fund      string `json:"fund"`
	AuctionID uint64 `json:"auction_id"`
}

func (a *API) handleCloseAuction(w http.ResponseWriter, r *http.Request) {
	var req CloseAuctionRequest
	if !a.decode(w, r, &req) {
		return
	}
	auction, err := a.proc.CloseAuction(r.Context(), program.CloseAuctionRequest{
		Fund:      req.Fund,
		AuctionID: req.AuctionID,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auctionResponse(auction))
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  uint32 `json:"code,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	res, err := a.verifier.VerifyFund(r.Context(), r.PathValue("fund"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		a.badRequest(w, "body", err)
		return false
	}
	return true
}

func (a *API) badRequest(w http.ResponseWriter, field string, err error) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid " + field + ": " + err.Error()})
}

// writeError maps engine errors to 4xx and everything else to 500.
func (a *API) writeError(w http.ResponseWriter, err error) {
	var de *domain.Error
	switch {
	case errors.As(err, &de):
		status := http.StatusUnprocessableEntity
		if de.Kind == domain.KindSequencing {
			status = http.StatusConflict
		}
		writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: de.Code, Kind: string(de.Kind)})
	case errors.Is(err, rebalance.ErrNoRouter):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	default:
		a.logger.Printf("request failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
