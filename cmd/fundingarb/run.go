package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/gregtusar/fundingarb/api"
	"github.com/gregtusar/fundingarb/internal/config"
	"github.com/gregtusar/fundingarb/pkg/events"
	"github.com/gregtusar/fundingarb/pkg/store"
	"github.com/gregtusar/fundingarb/pkg/trader"
	"github.com/gregtusar/fundingarb/pkg/venue"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the engine and its status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runEngine(cfg)
		},
	}
}

// wiring holds the per-venue pieces that need the engine once it exists.
type wiring struct {
	venues    []trader.Venue
	streams   []*venue.Stream
	executors []*venue.PaperExecutor
}

func buildVenues(cfg *config.Config, tokens []string) (*wiring, error) {
	w := &wiring{}
	for _, vc := range cfg.Venues {
		auth, err := venue.NewAuthenticator(venue.Credentials{
			AuthType:      venue.AuthType(vc.AuthType),
			APIKey:        vc.APIKey,
			APISecret:     vc.APISecret,
			Passphrase:    vc.Passphrase,
			APIKeyName:    vc.APIKeyName,
			PrivateKeyPEM: vc.PrivateKeyPEM,
		})
		if err != nil {
			return nil, fmt.Errorf("venue %s: %w", vc.Name, err)
		}

		info := vc.Info()
		client := venue.NewGatewayClient(venue.ClientConfig{
			Venue:     info,
			BaseURL:   vc.BaseURL,
			Auth:      auth,
			RateLimit: vc.RateLimit,
		})

		var conn trader.Connector = client
		if vc.Paper {
			paper := venue.NewPaperConnector(client, vc.PaperBalance, cfg.Strategy.MarginBuffer, logger)
			w.executors = append(w.executors, paper.Executor)
			conn = paper
		}
		w.venues = append(w.venues, trader.Venue{Info: info, Conn: conn})

		if vc.StreamURL != "" {
			w.streams = append(w.streams, venue.NewStream(venue.StreamConfig{
				Venue:  info,
				URL:    vc.StreamURL,
				Auth:   auth,
				Tokens: tokens,
			}, logger))
		}

		logger.WithFields(logrus.Fields{
			"venue":            info.Name,
			"quote":            info.Quote,
			"funding_interval": info.FundingInterval,
			"paper":            vc.Paper,
			"stream":           vc.StreamURL != "",
		}).Info("Configured venue")
	}
	return w, nil
}

func runEngine(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traderCfg := cfg.TraderConfig()

	history, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer history.Close()
	if err := history.CreateTables(ctx); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}

	publisher, err := events.New(ctx, events.Config{
		Backend:       cfg.Events.Backend,
		RedisAddr:     cfg.Events.Redis.Addr,
		RedisPassword: cfg.Events.Redis.Password,
		RedisDB:       cfg.Events.Redis.DB,
		RedisChannel:  cfg.Events.Redis.Channel,
		KafkaBrokers:  cfg.Events.Kafka.Brokers,
		KafkaTopic:    cfg.Events.Kafka.Topic,
	}, logger)
	if err != nil {
		return fmt.Errorf("events publisher: %w", err)
	}
	defer publisher.Close()

	w, err := buildVenues(cfg, traderCfg.Tokens)
	if err != nil {
		return err
	}

	engine := trader.NewFundingTrader(traderCfg, trader.NewVenueSet(w.venues...), history, publisher, logger)
	for _, exec := range w.executors {
		exec.SetLegUpdateHandler(engine.SubmitLegUpdate)
	}
	for _, s := range w.streams {
		s.OnFunding(engine.SubmitFundingPayment)
		s.OnLegUpdate(engine.SubmitLegUpdate)
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := engine.Start(gctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer engine.Stop()

	for _, s := range w.streams {
		s := s
		g.Go(func() error { return s.Run(gctx) })
	}

	apiServer := api.NewServer(engine, history, logger, fmt.Sprintf("%d", cfg.Server.Port), cfg.Server.AllowOrigin)
	g.Go(func() error { return apiServer.Start(gctx) })

	logger.Info("Funding arbitrage engine is running. Press Ctrl+C to stop.")

	err = g.Wait()
	if ctx.Err() != nil {
		logger.Info("Received shutdown signal")
	}
	engine.Stop()

	if err != nil {
		logger.WithError(err).Error("Engine stopped with error")
		return err
	}
	logger.Info("Funding arbitrage engine stopped")
	return nil
}
