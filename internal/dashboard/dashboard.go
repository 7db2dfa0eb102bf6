// Package dashboard serves a small JSON API over the gateway's account
// state: connection status, inbound counters and risk totals.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openclaw/dingbridge/internal/gateway"
)

// Source supplies the account snapshots the dashboard renders.
type Source interface {
	Statuses() []gateway.AccountStatus
}

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Source Source
	Port   int
	Out    io.Writer
}

// Start launches the dashboard HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Source == nil {
		return fmt.Errorf("dashboard: source is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8321
	}

	gin.SetMode(gin.ReleaseMode)
	router := NewRouter(opts.Source)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Dashboard running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// NewRouter builds the gin router, exposed separately so tests can drive it
// without a listener.
func NewRouter(source Source) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/api/accounts", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"accounts": source.Statuses()})
	})

	return router
}
