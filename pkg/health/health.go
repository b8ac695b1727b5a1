package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/gorm"
)

var Module = fx.Module("health",
	fx.Provide(ProvideHealth),
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
)

type Dependency struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type Health struct {
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Deps    []Dependency `json:"deps"`
}

type HealthService interface {
	Liveness(c *gin.Context)
	Readiness(c *gin.Context)
	Check(ctx context.Context) *Health
	RegisterGRPC(srv *grpc.Server, interval time.Duration) func()
}

type health struct {
	db    *gorm.DB
	redis *redis.Client
}

type HealthParams struct {
	fx.In
	DB    *gorm.DB      `optional:"true"`
	Redis *redis.Client `optional:"true"`
}

func ProvideHealth(p HealthParams) HealthService {
	return &health{
		db:    p.DB,
		redis: p.Redis,
	}
}

func (h *health) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, &Health{
		Status:  statusHealthy,
		Message: "OK",
	})
}

func (h *health) Readiness(c *gin.Context) {
	res := h.Check(c.Request.Context())
	code := http.StatusOK
	if res.Status != statusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, res)
}

// Check pings the database and redis. Redis is reported but does not make the
// service unready: sequence codes and maturity tasks degrade, balances do not.
func (h *health) Check(ctx context.Context) *Health {
	res := &Health{Status: statusHealthy, Message: "OK", Deps: make([]Dependency, 0, 2)}

	if h.db != nil {
		dep := Dependency{Name: h.db.Dialector.Name(), Status: statusHealthy, Message: "OK"}
		if err := pingDB(ctx, h.db); err != nil {
			dep.Status = statusUnhealthy
			dep.Message = err.Error()
			res.Status = statusUnhealthy
			res.Message = "database unavailable"
		}
		res.Deps = append(res.Deps, dep)
	}

	if h.redis != nil {
		dep := Dependency{Name: "redis", Status: statusHealthy, Message: "OK"}
		if err := h.redis.Ping(ctx).Err(); err != nil {
			dep.Status = statusUnhealthy
			dep.Message = err.Error()
		}
		res.Deps = append(res.Deps, dep)
	}

	return res
}

func pingDB(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// RegisterGRPC serves grpc.health.v1.Health on srv and refreshes the serving
// status every interval. The returned func stops the refresh loop.
func (h *health) RegisterGRPC(srv *grpc.Server, interval time.Duration) func() {
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	ctx, cancel := context.WithCancel(context.Background())
	update := func() {
		st := healthpb.HealthCheckResponse_SERVING
		if res := h.Check(ctx); res.Status != statusHealthy {
			st = healthpb.HealthCheckResponse_NOT_SERVING
			zap.L().Warn("health check failing", zap.String("message", res.Message))
		}
		hs.SetServingStatus("", st)
	}

	update()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				hs.Shutdown()
				return
			case <-ticker.C:
				update()
			}
		}
	}()

	return cancel
}
