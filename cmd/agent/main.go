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

	"ciflow/internal/agent"
	"ciflow/internal/config"
	"ciflow/internal/logging"
)

func main() {
	settingsPath := flag.String("config", "ciflow.yaml", "runner settings file")
	serverURL := flag.String("server", "", "register with this ciflow server")
	advertise := flag.String("advertise", "", "URL the server reaches this agent at (default: agent.url)")
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

	a := agent.New(s.AgentID, log)
	httpServer := &http.Server{
		Addr:              s.Agent.Addr,
		Handler:           a.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.Info("ciflow agent listening", zap.String("addr", s.Agent.Addr), zap.String("agent", s.AgentID))
		errs <- httpServer.ListenAndServe()
	}()

	if *serverURL != "" {
		self := *advertise
		if self == "" {
			self = s.Agent.URL
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.Register(ctx, *serverURL, self); err != nil {
			log.Warn("registration failed", zap.Error(err))
		}
		cancel()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errs:
		log.Error("agent stopped", zap.Error(err))
		os.Exit(1)
	case <-stop:
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn("shutdown", zap.Error(err))
	}
}
