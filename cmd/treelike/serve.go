package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/treelike/internal/api"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		rps         float64
		readTimeout time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the likelihood evaluation REST API",
		Flags: append(commonFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.FloatFlag{
				Name:        "rate-limit",
				Usage:       "max evaluation requests per second (0 = unlimited)",
				Value:       0,
				Destination: &rps,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "timeout for reading request headers",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyServeConfig(cmd, LoadConfig(), &addr, &rps)
			log := buildLogger()

			evaluator := api.NewEvaluator(int(threads), log)
			server := api.NewServer(api.NewJobStore(), evaluator, rps)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "threads", threads, "rate_limit", rps)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
