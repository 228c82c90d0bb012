package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"phasegate/internal/app"
	"phasegate/internal/domain"
	"phasegate/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			if cfg.Server.JWTSecret == "" && !cfg.Server.AllowHeaderAuth {
				return fmt.Errorf("server.jwt_secret (or PHASEGATE_JWT_SECRET) is required for bearer auth")
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			rt, err := app.Open(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer rt.Close()
			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				BasePath: cfg.Server.BasePath,
				Auth: server.AuthConfig{
					JWTSecret:       cfg.Server.JWTSecret,
					AllowHeaderAuth: cfg.Server.AllowHeaderAuth,
					DevLogin:        cfg.Server.DevLogin,
					Logger:          log,
				},
				StoreState: rt.Store.State,
				Metrics:    promhttp.HandlerFor(rt.Registry, promhttp.HandlerOpts{}),
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			log.WithField("addr", cfg.Server.Addr).Info("Event ID: SERVER_STARTED, Description: serving API")
			fmt.Printf("Serving Phasegate API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n",
				cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a := cliActor()
			if a.Email == "" {
				return fmt.Errorf("--actor-email required")
			}
			if a.Role == "" {
				a.Role = domain.RoleGuest
			}
			token, err := server.SignToken(cfg.Server.JWTSecret, a, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
