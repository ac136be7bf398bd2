package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/recount/internal/auth"
	"github.com/MarcoPoloResearchLab/recount/internal/config"
	"github.com/MarcoPoloResearchLab/recount/internal/counts"
	"github.com/MarcoPoloResearchLab/recount/internal/database"
	"github.com/MarcoPoloResearchLab/recount/internal/logging"
	"github.com/MarcoPoloResearchLab/recount/internal/realtime"
	"github.com/MarcoPoloResearchLab/recount/internal/server"
	"github.com/MarcoPoloResearchLab/recount/internal/users"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return err
	}
	defer database.Close(db) //nolint:errcheck

	countLog, err := counts.NewGormLog(db)
	if err != nil {
		return err
	}
	policy, err := realtime.ParseOverflowPolicy(appConfig.OverflowPolicy)
	if err != nil {
		return err
	}
	dispatcher := realtime.NewDispatcher(realtime.DispatcherConfig{
		BufferSize:     appConfig.RealtimeBuffer,
		OverflowPolicy: policy,
		Logger:         logger,
	})

	countsService, err := counts.NewService(counts.ServiceConfig{
		Log:            countLog,
		Clock:          time.Now,
		IDProvider:     counts.NewUUIDProvider(),
		Publisher:      dispatcher,
		Logger:         logger,
		ExportLocation: appConfig.ExportLocation,
	})
	if err != nil {
		return err
	}
	if err := countsService.Hydrate(ctx); err != nil {
		return err
	}
	inventory, err := countsService.EnsureInventory(ctx, appConfig.DefaultInventory)
	if err != nil {
		return err
	}
	logger.Info("default inventory ready",
		zap.String("inventory_id", inventory.ID.String()),
		zap.String("name", inventory.Name))

	var relay *realtime.RedisRelay
	if appConfig.RelayEnabled() {
		redisClient := redis.NewClient(&redis.Options{Addr: appConfig.RedisAddress})
		defer redisClient.Close() //nolint:errcheck
		relay, err = realtime.NewRedisRelay(realtime.RelayConfig{
			Client:   redisClient,
			Channel:  appConfig.RedisChannel,
			Ingester: countsService,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		countsService.SetPublisher(realtime.Fanout{dispatcher, relay})
	}

	profiles, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		Issuer:        appConfig.TAuthIssuer,
		CookieName:    appConfig.TAuthCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator:  validator,
		Profiles:          profiles,
		CountsService:     countsService,
		Realtime:          dispatcher,
		Logger:            logger,
		AllowedOrigins:    appConfig.AllowedOrigins,
		HeartbeatInterval: appConfig.HeartbeatInterval,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if relay != nil {
		group.Go(func() error {
			logger.Info("count relay starting",
				zap.String("redis_address", appConfig.RedisAddress),
				zap.String("origin", relay.Origin()))
			return relay.Run(groupCtx)
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("server shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
