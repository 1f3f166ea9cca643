// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

// Package http serves the auxiliary observability endpoints: Prometheus
// metrics and a liveness probe.
package http

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/elaysia-feng/nebulachat/pkg/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const stopTimeout = 5 * time.Second

type httpServer struct {
	name   string
	server *http.Server
	logger *slog.Logger
}

var _ server.Server = (*httpServer)(nil)

// NewServer creates an HTTP server exposing /metrics and /health on the
// configured address.
func NewServer(name string, cfg server.Config, logger *slog.Logger) server.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"pass","service":%q}`, name)
	})

	return &httpServer{
		name:   name,
		server: &http.Server{Addr: net.JoinHostPort(cfg.Host, cfg.Port), Handler: mux},
		logger: logger,
	}
}

func (s *httpServer) Start() error {
	s.logger.Info(fmt.Sprintf("%s service http server listening at %s", s.name, s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *httpServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	s.logger.Info(fmt.Sprintf("%s service http server stopped", s.name))
	return nil
}
