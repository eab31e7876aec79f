package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"ciflow/internal/config"
	"ciflow/internal/core"
	"ciflow/internal/logging"
	"ciflow/internal/server"
)

func main() {
	settingsPath := flag.String("config", "ciflow.yaml", "runner settings file")
	flag.Parse()

	s, err := config.Load(*settingsPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "settings:", err)
		os.Exit(1)
	}
	log, err := logging.New(s.Log.Level, s.Log.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := serve(s, log); err != nil {
		log.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
}

func serve(s config.Settings, log *zap.Logger) error {
	runner, err := core.NewRunner(s, log)
	if err != nil {
		return err
	}
	srv := server.New(runner, log)
	if s.Executor == config.ExecutorAgent {
		runner.NewShell = srv.AgentShells(s.Agent.URL, s.AgentID)
	}
	httpServer := &http.Server{
		Addr:              s.Server.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.Info("ciflow server listening", zap.String("addr", s.Server.Addr), zap.String("executor", s.Executor))
		errs <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errs:
		return err
	case sig := <-stop:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err = httpServer.Shutdown(ctx)
	srv.Shutdown()
	return err
}
