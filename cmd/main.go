package main

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"nutripilot/internal/config"
	"nutripilot/internal/infrastructure"
	"nutripilot/internal/interfaces"
	"nutripilot/internal/interfaces/http"
	"nutripilot/internal/repository"
	"nutripilot/internal/usecases"
)

// sessionBackend is what main needs from the selected store besides the SessionStore itself.
type sessionBackend struct {
	store interfaces.SessionStore
	purge func(ctx context.Context) (int64, error)
	usage *repository.UsageRepository
	close func()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := infrastructure.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("nutripilot stopped")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backendName := cfg.StoreBackend()
	backend, err := openSessionBackend(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("session store (%s): %w", backendName, err)
	}
	defer backend.close()
	logger.Info().Str("backend", backendName).Dur("ttl", cfg.SessionTTL).Msg("session store ready")

	if backend.purge != nil {
		go purgeLoop(ctx, backend.purge, logger)
	}

	ingredients, err := repository.NewIngredientRepository(cfg.NutrientTablePath)
	if err != nil {
		return fmt.Errorf("nutrient table: %w", err)
	}
	logger.Info().Int("ingredients", ingredients.Count()).Msg("reference table loaded")

	var agrocore interfaces.FormulaAnalyzer
	if cfg.AgroCore.Enabled() {
		agrocore = infrastructure.NewAgroCoreClient(cfg.AgroCore.BaseURL, cfg.AgroCore.Timeout, cfg.AgroCore.Retries, logger)
		logger.Info().Str("base_url", cfg.AgroCore.BaseURL).Msg("agrocore enabled")
	}

	fetcher := infrastructure.NewMediaFetcher(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken, cfg.MediaTimeout)
	conversation := usecases.NewConversationService(
		backend.store,
		usecases.NewAnalyzer(ingredients),
		usecases.NewFormulaImport(fetcher, agrocore),
		agrocore,
		cfg.AgroCore.Locale,
		logger,
	)
	conversation.WithBudget(cfg.ReplyBudget)
	admin := usecases.NewAdminUsecase(backend.store, conversation, ingredients, backendName)
	if backend.usage != nil {
		conversation.WithUsage(backend.usage)
		admin.WithUsage(backend.usage)
	}
	auth := usecases.NewAuthUsecase(cfg.Admin.Username, cfg.Admin.PasswordHash, cfg.Admin.JWTSecret)
	if !auth.Enabled() {
		logger.Warn().Msg("admin API disabled: set JWT_SECRET and ADMIN_PASSWORD_HASH")
	}

	var pairing http.WhatsAppPairing
	if cfg.WhatsAppDeviceDB != "" {
		wa, err := infrastructure.NewWhatsAppClient(cfg.WhatsAppDeviceDB, logger)
		if err != nil {
			return fmt.Errorf("whatsapp: %w", err)
		}
		wa.HandleMessages(conversation.Handle)
		if err := wa.Connect(); err != nil {
			logger.Error().Err(err).Msg("whatsapp connect failed")
		}
		defer wa.Disconnect()
		pairing = wa
		admin.WithMessenger("wa:", wa)
	}

	if cfg.TelegramBotToken != "" {
		tg, err := infrastructure.NewTelegramBot(cfg.TelegramBotToken, logger)
		if err != nil {
			logger.Error().Err(err).Msg("telegram disabled")
		} else {
			tg.Start(conversation.Handle)
			defer tg.Stop()
			admin.WithMessenger("tg:", tg)
		}
	}

	if cfg.Twilio.CanSend() {
		admin.WithMessenger("whatsapp:", infrastructure.NewTwilioMessenger(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken, cfg.Twilio.WhatsAppFrom))
	}

	limiter := infrastructure.NewSenderLimiter(cfg.RateLimitPerMinute)
	defer limiter.Close()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	http.SetupRoutes(r,
		http.NewHandler(conversation.Handle, limiter, agrocore, backendName, logger),
		http.NewAdminHandler(admin, auth, pairing, logger),
		http.NewMiddleware(auth, cfg.Twilio, logger),
	)

	srv := &nethttp.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("version", usecases.Version).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openSessionBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*sessionBackend, error) {
	switch cfg.StoreBackend() {
	case "redis":
		store, err := infrastructure.NewRedisSessionStore(ctx, cfg.RedisURL, cfg.SessionTTL)
		if err != nil {
			return nil, err
		}
		return &sessionBackend{store: store, close: func() { _ = store.Close() }}, nil

	case "postgres":
		pg, err := infrastructure.NewPostgresClient(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		repo := repository.NewSessionRepository(pg.Pool, cfg.SessionTTL)
		return &sessionBackend{
			store: repo,
			purge: repo.PurgeExpired,
			usage: repository.NewUsageRepository(pg.Pool),
			close: pg.Close,
		}, nil

	case "sqlite":
		store, err := infrastructure.NewSQLiteSessionStore(cfg.SQLitePath, cfg.SessionTTL)
		if err != nil {
			return nil, err
		}
		return &sessionBackend{store: store, purge: store.PurgeExpired, close: func() { _ = store.Close() }}, nil
	}

	logger.Warn().Msg("using in-memory sessions; they are lost on restart")
	store := infrastructure.NewMemorySessionStore(cfg.SessionTTL)
	return &sessionBackend{store: store, close: store.Close}, nil
}

func purgeLoop(ctx context.Context, purge func(context.Context) (int64, error), logger zerolog.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := purge(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("session purge failed")
				continue
			}
			if n > 0 {
				logger.Debug().Int64("removed", n).Msg("expired sessions purged")
			}
		}
	}
}
