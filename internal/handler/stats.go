package handler

import (
	"net/http"

	"github.com/zeromicro/go-zero/rest/httpx"

	"marketpipe/internal/svc"
	"marketpipe/pkg/coalesce"
)

type statsResponse struct {
	Queue coalesce.Stats `json:"queue"`
}

// StatsHandler reports queue occupancy, safe to call at any time.
func StatsHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.OkJsonCtx(r.Context(), w, statsResponse{
			Queue: svcCtx.Queue.Stats(),
		})
	}
}
