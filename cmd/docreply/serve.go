package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/abcotronics/docreply/internal/api"
	"github.com/abcotronics/docreply/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server and the mailbox poller",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := log.New(os.Stdout, "", log.LstdFlags)
	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.App.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	var routerOpts []api.RouterOption
	if cfg.Metrics.Enabled {
		routerOpts = append(routerOpts, api.WithPrometheus(cfg.Metrics.Path))
	}
	srv := &http.Server{
		Addr:         cfg.Server.GetServerAddr(),
		Handler:      api.NewRouter(a.server, routerOpts...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	schedDone := make(chan error, 1)
	go func() { schedDone <- a.scheduler.Run(ctx) }()

	serveErr := make(chan error, 1)
	go func() {
		logger.Printf("docreply %s listening on %s", version.String(), srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Println("shutting down")
	case err := <-serveErr:
		if err != nil {
			stop()
			<-schedDone
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
	stop()
	if err := <-schedDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Printf("scheduler: %v", err)
	}
	return nil
}
