package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"stakeledger/pkg/config"
	"stakeledger/pkg/health"
	"stakeledger/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

type pingRouter struct{}

func (pingRouter) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
}

func TestNewEngineMountsRoutes(t *testing.T) {
	h := NewEngine(EngineParams{
		Config:  &config.Config{},
		Health:  health.ProvideHealth(health.HealthParams{}),
		Routers: []Router{pingRouter{}},
	})

	for path, want := range map[string]int{
		"/v1/ping": http.StatusOK,
		"/healthz": http.StatusOK,
		"/readyz":  http.StatusOK,
		"/metrics": http.StatusOK,
		"/nope":    http.StatusNotFound,
	} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, want, w.Code, path)
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/ping", nil))
	require.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))
}
