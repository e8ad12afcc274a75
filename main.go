package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crm_wa/internal/config"
	"crm_wa/internal/database"
	"crm_wa/internal/handlers"
	"crm_wa/internal/logger"
	"crm_wa/internal/services"
	"crm_wa/internal/storage"
	"crm_wa/internal/whatsapp"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "crm_wa",
		Short:        "WhatsApp session manager for the CRM",
		SilenceUsage: true,
		RunE:         runServe,
	}
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newTokenCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newLogoutCmd())
	return cmd
}

// app holds the process-wide dependencies shared by the commands.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	db      *gorm.DB
	tenants *services.TenantService
	manager *whatsapp.Manager
}

func bootstrap() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}

	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db); err != nil {
		return nil, err
	}
	if _, err := database.SeedDefaultTenant(db, cfg.DefaultTenantName); err != nil {
		return nil, err
	}

	store, err := storage.Open(cfg.Store)
	if err != nil {
		return nil, errors.Wrap(err, "open credential store")
	}

	var transport whatsapp.Transport
	switch cfg.WhatsApp.Transport {
	case config.TransportLoopback:
		loopback := whatsapp.NewLoopbackTransport()
		loopback.AutoPairPhone = cfg.WhatsApp.LoopbackPhone
		transport = loopback
	default:
		transport = whatsapp.NewWhatsmeowTransport(cfg.WhatsApp, log)
	}

	tenants := services.NewTenantService(db)
	manager := whatsapp.NewManager(whatsapp.Options{
		Transport:     transport,
		Store:         store,
		Sessions:      services.NewSessionService(db),
		Tenants:       tenants,
		Logs:          services.NewMessageLogService(db),
		Conversations: services.NewConversationService(db),
		Policy: whatsapp.ReconnectPolicy{
			MaxAttempts: cfg.WhatsApp.MaxReconnectAttempts,
			BaseDelay:   cfg.WhatsApp.ReconnectBaseDelay,
			MaxDelay:    cfg.WhatsApp.ReconnectMaxDelay,
		},
		Log: log,
	})

	log.Info("application bootstrapped",
		zap.String("env", cfg.AppEnv),
		zap.String("db", cfg.Database.Type),
		zap.String("store", cfg.Store.Backend),
		zap.String("transport", cfg.WhatsApp.Transport))
	return &app{cfg: cfg, log: log, db: db, tenants: tenants, manager: manager}, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and keep WhatsApp sessions alive",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer func() { _ = a.log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.manager.Start(ctx, a.cfg.WhatsApp.AutoConnect); err != nil {
		return errors.Wrap(err, "start session manager")
	}

	r := mux.NewRouter()
	handlers.NewWhatsAppHandler(a.manager, a.tenants, services.NewConversationService(a.db), a.log).
		Register(r, services.NewAuthService(a.cfg.JWTSecret))

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handlers.CORS(r),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.log.Info("http server listening", zap.String("addr", a.cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		a.log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			a.log.Error("http server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("http server shutdown", zap.Error(err))
	}
	a.manager.Shutdown(shutdownCtx)
	return nil
}
