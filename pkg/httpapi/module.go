package httpapi

import (
	"net/http"

	"stakeledger/pkg/config"
	"stakeledger/pkg/health"
	"stakeledger/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(NewEngine),
)

// Router is implemented by every service handler mounted under /v1.
type Router interface {
	RegisterRoutes(rg *gin.RouterGroup)
}

// AsRouter annotates a handler constructor so its result joins the routes group.
func AsRouter(f any) any {
	return fx.Annotate(
		f,
		fx.As(new(Router)),
		fx.ResultTags(`group:"routes"`),
	)
}

type EngineParams struct {
	fx.In
	Config  *config.Config
	Health  health.HealthService
	Routers []Router `group:"routes"`
}

func NewEngine(p EngineParams) http.Handler {
	if p.Config.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), middleware.Error())

	r.GET("/healthz", p.Health.Liveness)
	r.GET("/readyz", p.Health.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	for _, router := range p.Routers {
		router.RegisterRoutes(v1)
	}

	return r
}
