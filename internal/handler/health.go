package handler

import (
	"net/http"

	"github.com/zeromicro/go-zero/rest/httpx"

	"marketpipe/internal/svc"
	"marketpipe/pkg/breaker"
	"marketpipe/pkg/fetchcache"
)

type limiterStatus struct {
	Used             int   `json:"used"`
	Limit            int   `json:"limit"`
	TimeUntilResetMs int64 `json:"timeUntilResetMs"`
}

type healthResponse struct {
	Healthy  bool                    `json:"healthy"`
	Series   fetchcache.HealthStatus `json:"series"`
	Prices   fetchcache.HealthStatus `json:"prices"`
	Circuits []breaker.Status        `json:"circuits"`
	Limiter  limiterStatus           `json:"limiter"`
}

// HealthHandler summarizes pipeline health: cache counters, breaker
// state per upstream service and rate-limiter utilisation.
func HealthHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		series := svcCtx.SeriesCache.Health()
		prices := svcCtx.PriceCache.Health()

		circuits := make([]breaker.Status, 0)
		healthy := series.Healthy && prices.Healthy
		for _, service := range svcCtx.Breaker.Services() {
			status := svcCtx.Breaker.Status(service)
			if status.State != "closed" {
				healthy = false
			}
			circuits = append(circuits, status)
		}

		httpx.OkJsonCtx(r.Context(), w, healthResponse{
			Healthy:  healthy,
			Series:   series,
			Prices:   prices,
			Circuits: circuits,
			Limiter: limiterStatus{
				Used:             svcCtx.Limiter.Count(),
				Limit:            svcCtx.Limiter.Limit(),
				TimeUntilResetMs: svcCtx.Limiter.TimeUntilReset().Milliseconds(),
			},
		})
	}
}
