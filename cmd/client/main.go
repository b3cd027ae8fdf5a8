package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/salescall/internal/adapters/http"
	"github.com/dkeye/salescall/internal/adapters/media"
	"github.com/dkeye/salescall/internal/adapters/ws"
	"github.com/dkeye/salescall/internal/app/loop"
	"github.com/dkeye/salescall/internal/app/orch"
	"github.com/dkeye/salescall/internal/config"
	"github.com/dkeye/salescall/internal/domain"
	"github.com/dkeye/salescall/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		zerolog.SetGlobalLevel(lvl)
	}

	m := metrics.New()
	channel := func(name, url string, withLanguage bool) *ws.Channel {
		return ws.New(ws.Options{
			Name:             name,
			URL:              url,
			RegisterLanguage: withLanguage,
			PingPeriod:       cfg.PingPeriod,
			ReadLimit:        cfg.ReadLimit,
			ReconnectInitial: cfg.ReconnectInitial,
			ReconnectMax:     cfg.ReconnectMax,
			SendBuffer:       cfg.SendBuffer,
			Metrics:          m,
		})
	}
	signalCh := channel(orch.ChannelSignal, cfg.SignalURL, false)
	relayCh := channel(orch.ChannelRelay, cfg.RelayURL, true)
	transcribeCh := channel(orch.ChannelTranscribe, cfg.TranscribeURL, true)

	events := loop.New()
	hub := router.NewHub(nil, 0)
	engine := orch.New(orch.Deps{
		Exec: events,
		Channels: orch.Channels{
			Signal:     signalCh,
			Relay:      relayCh,
			Transcribe: transcribeCh,
		},
		Presenter: hub,
		Sinks:     &media.OggSinkFactory{Dir: cfg.Media.PlaybackDir},
		Capture: &media.FileCapture{
			OggPath: cfg.Media.CaptureOgg,
			WAVPath: cfg.Media.CaptureWAV,
		},
		Ring:           &media.LogIndicator{Name: "ring"},
		RingBack:       &media.LogIndicator{Name: "ringback"},
		Metrics:        m,
		IDs:            domain.NewCallIDGenerator(time.Now),
		SignalingGrace: cfg.SignalingGrace,
	})

	r := router.SetupRouter(ctx, cfg, engine, hub, m)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return events.Run(gctx) })
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("sales call client started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	for _, ch := range []*ws.Channel{signalCh, relayCh, transcribeCh} {
		ch.Open(gctx, engine)
	}

	if cfg.Identity.Username != "" {
		g.Go(func() error {
			id, err := engine.Register(gctx, cfg.Identity.Group, cfg.Identity.Username, cfg.Identity.Language)
			if err != nil {
				log.Error().Err(err).Msg("auto register failed")
				return nil
			}
			log.Info().Str("group", string(id.Group)).Str("username", id.Username).Msg("registered from config")
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})

	err = g.Wait()
	for _, ch := range []*ws.Channel{signalCh, relayCh, transcribeCh} {
		ch.Close()
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, loop.ErrStopped) {
		log.Error().Err(err).Msg("client stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Client exited gracefully")
}
