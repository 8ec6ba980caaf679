package main

import (
	"context"
	"math/rand"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/hive/internal/api"
	"github.com/samcharles93/hive/internal/logger"
	"github.com/samcharles93/hive/internal/moe"
	"github.com/samcharles93/hive/internal/tensor"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		layers      int64
		readTimeout time.Duration
		synthetic   bool
	)

	flags := append([]cli.Flag{}, commonLayerFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Destination: &addr,
		},
		&cli.Int64Flag{
			Name:        "layers",
			Usage:       "number of MoE layers to host",
			Value:       1,
			Destination: &layers,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read timeout",
			Value:       30 * time.Second,
			Destination: &readTimeout,
		},
		&cli.BoolFlag{
			Name:        "synthetic-load",
			Usage:       "drive continuous synthetic forward passes so stats move",
			Destination: &synthetic,
		},
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the expert-load stats API",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, LoadConfig(), &addr)

			reg := api.NewRegistry()
			for i := int64(0); i < layers; i++ {
				l, err := buildLayer(log)
				if err != nil {
					return err
				}
				reg.Add(l)
			}

			if synthetic {
				for _, l := range reg.List() {
					go driveSyntheticLoad(ctx, log, l)
				}
			}

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			api.NewServer(log, reg).Register(e)
			log.Info("starting stats server", "address", addr, "layers", layers)
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

// driveSyntheticLoad runs forward passes with random routing until the
// context is cancelled.
func driveSyntheticLoad(ctx context.Context, log logger.Logger, l *moe.Layer) {
	cfg := l.Config()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	hidden := tensor.NewMat(64, cfg.HiddenSize)
	tensor.FillRand(hidden, rng.Int63())

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt := randomRouting(rng, hidden.R, cfg.NumExperts, cfg.TopK)
			if _, err := l.Forward(hidden, rt); err != nil {
				log.Error("synthetic pass failed", "error", err)
				return
			}
		}
	}
}
