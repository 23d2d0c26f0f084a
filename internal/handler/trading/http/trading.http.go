package http

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/guregu/null/v6"
	"github.com/krobus00/trading-core/internal/config"
	"github.com/krobus00/trading-core/internal/entity"
	"github.com/krobus00/trading-core/internal/service/botscheduler"
	"github.com/krobus00/trading-core/internal/service/oms"
	"github.com/krobus00/trading-core/internal/service/pnl"
	"github.com/shopspring/decimal"
)

var (
	errAPIKeyMissing  = errors.New("api key is required")
	errAPIKeyInvalid  = errors.New("invalid api key")
	errAPIKeyInactive = errors.New("api key is inactive")
	errAPIKeyExpired  = errors.New("api key is expired")
)

type SubmitOrderRequest struct {
	ApiKey      string `json:"api_key"`
	RequestID   string `json:"request_id"`
	AccountID   string `json:"account_id"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Kind        string `json:"kind"`
	Quantity    string `json:"quantity"`
	LimitPrice  string `json:"limit_price,omitempty"`
	StopPrice   string `json:"stop_price,omitempty"`
	TimeInForce string `json:"time_in_force,omitempty"`
	ExpiresAt   int64  `json:"expires_at,omitempty"`
	Source      string `json:"source,omitempty"`
}

type OrderResponse struct {
	ID             string  `json:"id"`
	RequestID      string  `json:"request_id"`
	AccountID      string  `json:"account_id"`
	BotID          *string `json:"bot_id,omitempty"`
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"`
	Kind           string  `json:"kind"`
	Quantity       string  `json:"quantity"`
	LimitPrice     *string `json:"limit_price,omitempty"`
	StopPrice      *string `json:"stop_price,omitempty"`
	TimeInForce    string  `json:"time_in_force"`
	Status         string  `json:"status"`
	FilledQuantity string  `json:"filled_quantity"`
	AvgFillPrice   *string `json:"avg_fill_price,omitempty"`
	VenueOrderID   *string `json:"venue_order_id,omitempty"`
	RejectReason   *string `json:"reject_reason,omitempty"`
	Source         string  `json:"source"`
	CreatedAt      int64   `json:"created_at"`
	UpdatedAt      int64   `json:"updated_at"`
}

type PositionResponse struct {
	Symbol        string `json:"symbol"`
	Quantity      string `json:"quantity"`
	AvgEntryPrice string `json:"avg_entry_price"`
	RealizedPnL   string `json:"realized_pnl"`
	OpenedAt      int64  `json:"opened_at"`
}

type Handler struct {
	orders    *oms.OrderManager
	pnl       *pnl.Calculator
	scheduler *botscheduler.Scheduler
	bots      entity.BotStore
	posStore  entity.PositionStore
}

func NewTradingHTTPHandler(
	orders *oms.OrderManager,
	pnlCalc *pnl.Calculator,
	scheduler *botscheduler.Scheduler,
	bots entity.BotStore,
	posStore entity.PositionStore,
) *Handler {
	return &Handler{
		orders:    orders,
		pnl:       pnlCalc,
		scheduler: scheduler,
		bots:      bots,
		posStore:  posStore,
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /trading/v1/orders", h.SubmitOrder)
	mux.HandleFunc("GET /trading/v1/orders/{id}", h.GetOrder)
	mux.HandleFunc("POST /trading/v1/orders/{id}/cancel", h.CancelOrder)
	mux.HandleFunc("GET /trading/v1/accounts/{id}/positions", h.ListPositions)
	mux.HandleFunc("GET /trading/v1/accounts/{id}/pnl", h.PnLReport)
	mux.HandleFunc("GET /trading/v1/bots", h.ListBots)
	mux.HandleFunc("POST /trading/v1/bots/{id}/start", h.StartBot)
	mux.HandleFunc("POST /trading/v1/bots/{id}/stop", h.StopBot)
}

func (h *Handler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json body"})
		return
	}

	if err := validateAPIKey(resolveAPIKey(r, req.ApiKey)); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	if strings.TrimSpace(req.RequestID) == "" || strings.TrimSpace(req.AccountID) == "" || strings.TrimSpace(req.Symbol) == "" || strings.TrimSpace(req.Side) == "" || strings.TrimSpace(req.Kind) == "" || strings.TrimSpace(req.Quantity) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing required fields"})
		return
	}

	intent, err := mapSubmitRequestToIntent(&req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	order, err := h.orders.Submit(r.Context(), intent)
	if err != nil {
		var rejection *entity.RejectionError
		switch {
		case errors.As(err, &rejection):
			status := http.StatusUnprocessableEntity
			if rejection.Reason == entity.RejectReasonDuplicateRequest {
				status = http.StatusConflict
			}
			writeJSON(w, status, map[string]any{"error": "order rejected", "reason": rejection.Reason})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal server error"})
		}
		return
	}

	writeJSON(w, http.StatusOK, mapOrderToHTTPResponse(order))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	if err := validateAPIKey(resolveAPIKey(r, "")); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	order, err := h.orders.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, oms.ErrOrderNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "order not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal server error"})
		return
	}

	writeJSON(w, http.StatusOK, mapOrderToHTTPResponse(order))
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	if err := validateAPIKey(resolveAPIKey(r, "")); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	err := h.orders.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		switch {
		case errors.Is(err, oms.ErrOrderNotFound):
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "order not found"})
		case errors.Is(err, oms.ErrCancelNotAllowed), errors.Is(err, oms.ErrOrderTerminal):
			writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal server error"})
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"status": "cancel_requested"})
}

func (h *Handler) ListPositions(w http.ResponseWriter, r *http.Request) {
	if err := validateAPIKey(resolveAPIKey(r, "")); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	positions, err := h.posStore.ListOpenByAccount(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal server error"})
		return
	}

	resp := make([]PositionResponse, 0, len(positions))
	for _, pos := range positions {
		resp = append(resp, PositionResponse{
			Symbol:        pos.Symbol,
			Quantity:      pos.Quantity.String(),
			AvgEntryPrice: pos.AvgEntryPrice.String(),
			RealizedPnL:   pos.RealizedPnL.String(),
			OpenedAt:      pos.OpenedAt.UnixMilli(),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) PnLReport(w http.ResponseWriter, r *http.Request) {
	if err := validateAPIKey(resolveAPIKey(r, "")); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, h.pnl.Report(r.PathValue("id")))
}

func (h *Handler) ListBots(w http.ResponseWriter, r *http.Request) {
	if err := validateAPIKey(resolveAPIKey(r, "")); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	bots, err := h.bots.ListActive(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal server error"})
		return
	}

	writeJSON(w, http.StatusOK, bots)
}

func (h *Handler) StartBot(w http.ResponseWriter, r *http.Request) {
	if err := validateAPIKey(resolveAPIKey(r, "")); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	err := h.scheduler.Start(r.Context(), r.PathValue("id"))
	if err != nil {
		switch {
		case errors.Is(err, botscheduler.ErrBotNotFound):
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "bot not found"})
		case errors.Is(err, botscheduler.ErrBotNotStartable), errors.Is(err, botscheduler.ErrUnknownStrategy):
			writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal server error"})
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"status": "starting"})
}

func (h *Handler) StopBot(w http.ResponseWriter, r *http.Request) {
	if err := validateAPIKey(resolveAPIKey(r, "")); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	err := h.scheduler.Stop(r.Context(), r.PathValue("id"))
	if err != nil {
		switch {
		case errors.Is(err, botscheduler.ErrBotNotRunning):
			writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal server error"})
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "stopped"})
}

func mapSubmitRequestToIntent(req *SubmitOrderRequest) (entity.OrderIntent, error) {
	quantity, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		return entity.OrderIntent{}, errors.New("invalid quantity")
	}

	intent := entity.OrderIntent{
		RequestID:   req.RequestID,
		AccountID:   req.AccountID,
		Symbol:      req.Symbol,
		Side:        entity.OrderSide(strings.ToUpper(req.Side)),
		Kind:        entity.OrderKind(strings.ToUpper(req.Kind)),
		Quantity:    quantity,
		TimeInForce: entity.TimeInForceGTC,
		Source:      null.NewString(req.Source, req.Source != "").ValueOrZero(),
	}
	if intent.Source == "" {
		intent.Source = "api"
	}

	if req.TimeInForce != "" {
		intent.TimeInForce = entity.TimeInForce(strings.ToUpper(req.TimeInForce))
	}

	if req.LimitPrice != "" {
		price, err := decimal.NewFromString(req.LimitPrice)
		if err != nil {
			return entity.OrderIntent{}, errors.New("invalid limit price")
		}
		intent.LimitPrice = &price
	}

	if req.StopPrice != "" {
		price, err := decimal.NewFromString(req.StopPrice)
		if err != nil {
			return entity.OrderIntent{}, errors.New("invalid stop price")
		}
		intent.StopPrice = &price
	}

	if req.ExpiresAt != 0 {
		expiresAt := time.UnixMilli(req.ExpiresAt).UTC()
		intent.ExpiresAt = &expiresAt
	}

	return intent, nil
}

func mapOrderToHTTPResponse(order *entity.Order) *OrderResponse {
	var limitPrice *string
	if order.LimitPrice != nil {
		v := order.LimitPrice.String()
		limitPrice = &v
	}

	var stopPrice *string
	if order.StopPrice != nil {
		v := order.StopPrice.String()
		stopPrice = &v
	}

	var avgFillPrice *string
	if order.AvgFillPrice != nil {
		v := order.AvgFillPrice.String()
		avgFillPrice = &v
	}

	return &OrderResponse{
		ID:             order.ID,
		RequestID:      order.RequestID,
		AccountID:      order.AccountID,
		BotID:          order.BotID,
		Symbol:         order.Symbol,
		Side:           string(order.Side),
		Kind:           string(order.Kind),
		Quantity:       order.Quantity.String(),
		LimitPrice:     limitPrice,
		StopPrice:      stopPrice,
		TimeInForce:    string(order.TimeInForce),
		Status:         string(order.Status),
		FilledQuantity: order.FilledQuantity.String(),
		AvgFillPrice:   avgFillPrice,
		VenueOrderID:   order.VenueOrderID,
		RejectReason:   order.RejectReason,
		Source:         order.Source,
		CreatedAt:      order.CreatedAt.UnixMilli(),
		UpdatedAt:      order.UpdatedAt.UnixMilli(),
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func resolveAPIKey(r *http.Request, bodyKey string) string {
	if headerKey := strings.TrimSpace(r.Header.Get("X-API-Key")); headerKey != "" {
		return headerKey
	}

	return strings.TrimSpace(bodyKey)
}

func validateAPIKey(rawAPIKey string) error {
	apiKey := strings.TrimSpace(rawAPIKey)
	if apiKey == "" {
		return errAPIKeyMissing
	}

	if config.Env == nil || len(config.Env.APIKeys) == 0 {
		return errAPIKeyInvalid
	}

	now := time.Now().UTC()
	for _, candidate := range config.Env.APIKeys {
		storedKey := strings.TrimSpace(candidate.Key)
		if storedKey == "" {
			continue
		}

		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(storedKey)) != 1 {
			continue
		}

		if !candidate.Active {
			return errAPIKeyInactive
		}

		expiredAt, hasExpiry, err := parseExpiry(candidate.ExpiredAt)
		if err != nil {
			return errAPIKeyInvalid
		}
		if !hasExpiry {
			return nil
		}

		if !now.Before(expiredAt) {
			return errAPIKeyExpired
		}

		return nil
	}

	return errAPIKeyInvalid
}

func parseExpiry(value any) (time.Time, bool, error) {
	if value == nil {
		return time.Time{}, false, nil
	}

	switch v := value.(type) {
	case time.Time:
		if v.IsZero() {
			return time.Time{}, false, nil
		}
		return v.UTC(), true, nil
	case string:
		raw := strings.TrimSpace(v)
		if raw == "" {
			return time.Time{}, false, nil
		}

		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			return parsed.UTC(), true, nil
		}

		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return time.Time{}, false, err
		}

		return parsed.UTC().Add(24 * time.Hour), true, nil
	default:
		return time.Time{}, false, errors.New("unsupported expiry type")
	}
}
