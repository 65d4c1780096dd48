package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yanun0323/logs"

	"tradecore/internal/obs"
	"tradecore/internal/schema"
)

// NewRouter sets up the operator HTTP routes.
func NewRouter(c Controller, l LedgerReader, metrics *obs.Metrics) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	h := NewHandler(c, l, metrics)

	r := gin.New()
	r.Use(gin.Recovery(), accessLog())

	ctl := r.Group("/control")
	ctl.POST("/pause", h.Control(schema.CommandPause))
	ctl.POST("/resume", h.Control(schema.CommandResume))
	ctl.POST("/flatten", h.Control(schema.CommandFlatten))
	ctl.POST("/kill", h.Control(schema.CommandKill))
	ctl.GET("/status", h.Status)

	r.GET("/metrics", h.Metrics)

	led := r.Group("/ledger")
	led.GET("/positions", h.Positions)
	led.GET("/orders", h.Orders)
	led.GET("/fills", h.Fills)
	led.GET("/equity", h.Equity)
	return r
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.Method == http.MethodGet && c.Writer.Status() < 400 {
			return
		}
		logs.Infof("api: %s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
