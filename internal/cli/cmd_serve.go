/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"epaperstore/internal/config"
	"epaperstore/internal/httpapi"
	applog "epaperstore/internal/log"
	"epaperstore/internal/storage"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand(deps commandDeps) *cobra.Command {
	var (
		addr      string
		reqTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the store over HTTP for the viewer and admin pages",
		Example: "  epaper serve\n" +
			"  epaper serve --addr 127.0.0.1:9000",
		Args: noArgs("serve"),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withEngine(ctx, deps, func(ctx context.Context, cfg config.AppConfig, eng *storage.Engine) error {
				if addr == "" {
					addr = cfg.Server.Addr
				}
				return serve(ctx, deps, eng, addr, reqTimeout)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default server.addr)")
	cmd.Flags().DurationVar(&reqTimeout, "request-timeout", 60*time.Second, "Per-request timeout")
	return cmd
}

func serve(ctx context.Context, deps commandDeps, eng *storage.Engine, addr string, reqTimeout time.Duration) error {
	l := applog.WithComponent("http")
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return asExitError(ExitCodeUnavailable, fmt.Errorf("listen %s: %w", addr, err))
	}
	server := &http.Server{
		Handler:           httpapi.NewRouter(eng, httpapi.Options{Logger: l, RequestTimeout: reqTimeout}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if !deps.globals.Quiet {
		_, _ = fmt.Fprintf(deps.out, "listening on http://%s\n", ln.Addr())
	}
	l.Info("server starting", slog.String("addr", ln.Addr().String()), slog.String("data_dir", eng.Dir()))

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	l.Info("shutdown signal received, draining requests")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		l.Error("graceful shutdown failed", slog.Any("err", err))
		return err
	}
	return nil
}
