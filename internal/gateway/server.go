package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"execgate/internal/breaker"
	"execgate/internal/broker"
	"execgate/internal/killswitch"
	"execgate/internal/obs"
	"execgate/internal/ops"
	"execgate/internal/reserve"
	"execgate/internal/store"
)

// Config wires the gateway's collaborators. Orders may be nil to disable
// order persistence; everything else is required.
type Config struct {
	Runtime  *ops.Runtime
	Kill     *killswitch.Switch
	Breaker  *breaker.Breaker
	Ledger   *reserve.Ledger
	Broker   broker.Broker
	Orders   *store.Store
	Metrics  *obs.Metrics
	Gatherer prometheus.Gatherer
}

// Server is the HTTP order/admin surface in front of the safety core.
type Server struct {
	rt      *ops.Runtime
	kill    *killswitch.Switch
	breaker *breaker.Breaker
	ledger  *reserve.Ledger
	broker  broker.Broker
	orders  *store.Store
	metrics *obs.Metrics
	engine  *gin.Engine
}

// New builds the router.
func New(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		rt:      cfg.Runtime,
		kill:    cfg.Kill,
		breaker: cfg.Breaker,
		ledger:  cfg.Ledger,
		broker:  cfg.Broker,
		orders:  cfg.Orders,
		metrics: cfg.Metrics,
		engine:  engine,
	}

	engine.GET("/healthz", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(
		promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))

	v1 := engine.Group("/v1")
	{
		v1.POST("/orders", s.handleSubmitOrder)
		v1.GET("/positions/:symbol/reserved", s.handleReservedPosition)

		admin := v1.Group("/admin")
		{
			admin.GET("/kill-switch", s.handleKillSwitchStatus)
			admin.GET("/kill-switch/history", s.handleKillSwitchHistory)
			admin.POST("/kill-switch/engage", s.handleEngage)
			admin.POST("/kill-switch/disengage", s.handleDisengage)

			admin.GET("/circuit-breaker", s.handleBreakerStatus)
			admin.GET("/circuit-breaker/history", s.handleBreakerHistory)
			admin.POST("/circuit-breaker/trip", s.handleTrip)
			admin.POST("/circuit-breaker/reset", s.handleReset)

			admin.POST("/positions/:symbol/sync", s.handleSyncPosition)
			admin.DELETE("/positions/:symbol", s.handleClearPosition)
		}
	}

	return s
}

// Handler exposes the router for an http.Server.
func (s *Server) Handler() http.Handler {
	return s.engine
}
