package handler

import (
	"errors"
	"net/http"

	"github.com/zeromicro/go-zero/rest/httpx"

	"marketpipe/internal/svc"
	"marketpipe/pkg/breaker"
	"marketpipe/pkg/coalesce"
	"marketpipe/pkg/fetchcache"
	"marketpipe/pkg/market/coingecko"
)

type ohlcRequest struct {
	Token    string `path:"token"`
	Days     int    `form:"days,default=7"`
	Priority int    `form:"priority,default=1"`
	Force    bool   `form:"force,optional"`
}

type priceRequest struct {
	Token    string `path:"token"`
	Currency string `form:"currency,default=usd"`
}

type invalidateRequest struct {
	Token string `path:"token"`
}

type invalidateResponse struct {
	Token string `json:"token"`
}

// OHLCHandler submits a series request through the coalescing queue.
func OHLCHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ohlcRequest
		if err := httpx.Parse(r, &req); err != nil {
			httpx.ErrorCtx(r.Context(), w, err)
			return
		}
		series, err := svcCtx.FetchSeries(r.Context(), req.Token, req.Days, req.Priority, req.Force)
		if err != nil {
			writeFetchError(w, r, err)
			return
		}
		httpx.OkJsonCtx(r.Context(), w, series)
	}
}

// PriceHandler serves the latest price through the validated cache.
func PriceHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req priceRequest
		if err := httpx.Parse(r, &req); err != nil {
			httpx.ErrorCtx(r.Context(), w, err)
			return
		}
		quote, err := svcCtx.FetchPrice(r.Context(), req.Token, req.Currency)
		if err != nil {
			writeFetchError(w, r, err)
			return
		}
		httpx.OkJsonCtx(r.Context(), w, quote)
	}
}

// InvalidateHandler drops every cached artifact derived from a token.
func InvalidateHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req invalidateRequest
		if err := httpx.Parse(r, &req); err != nil {
			httpx.ErrorCtx(r.Context(), w, err)
			return
		}
		svcCtx.InvalidateToken(req.Token)
		httpx.OkJsonCtx(r.Context(), w, invalidateResponse{Token: req.Token})
	}
}

// writeFetchError maps pipeline error kinds onto HTTP statuses so the
// caller can distinguish quota exhaustion from upstream outage.
func writeFetchError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadGateway
	var rateErr *coingecko.RateLimitError
	var openErr *breaker.OpenError
	var validationErr *fetchcache.ValidationError
	switch {
	case errors.As(err, &rateErr):
		status = http.StatusTooManyRequests
	case errors.As(err, &openErr):
		status = http.StatusServiceUnavailable
	case errors.As(err, &validationErr):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, coalesce.ErrQueueClosed):
		status = http.StatusServiceUnavailable
	}
	httpx.WriteJsonCtx(r.Context(), w, status, map[string]string{"error": err.Error()})
}
