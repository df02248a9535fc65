package handler

import (
	"net/http"

	"github.com/zeromicro/go-zero/rest"

	"marketpipe/internal/svc"
)

// RegisterHandlers wires the observability and data routes.
func RegisterHandlers(server *rest.Server, svcCtx *svc.ServiceContext) {
	server.AddRoutes([]rest.Route{
		{
			Method:  http.MethodGet,
			Path:    "/stats",
			Handler: StatsHandler(svcCtx),
		},
		{
			Method:  http.MethodGet,
			Path:    "/health",
			Handler: HealthHandler(svcCtx),
		},
		{
			Method:  http.MethodGet,
			Path:    "/ohlc/:token",
			Handler: OHLCHandler(svcCtx),
		},
		{
			Method:  http.MethodGet,
			Path:    "/price/:token",
			Handler: PriceHandler(svcCtx),
		},
		{
			Method:  http.MethodPost,
			Path:    "/invalidate/:token",
			Handler: InvalidateHandler(svcCtx),
		},
	})
}
