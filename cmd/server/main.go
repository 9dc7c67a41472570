package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"identity-service/internal/config"
	"identity-service/internal/factory"
	"identity-service/internal/handler"
	"identity-service/internal/util"
)

func main() {
	// Initialize factory (which loads config and initializes all clients)
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	cfg := f.Config()
	router := setupRouter(f)

	// The sweeper runs on its own ticker until shutdown.
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	f.ServiceFactory().Sweeper().Start(sweepCtx)

	serverAddr := cfg.GetServerAddress()
	if cfg.Server.EnableTLS {
		serverAddr = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.TLSPort)
	}

	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if cfg.Server.EnableTLS {
		server.TLSConfig = f.TLSManager().GetTLSConfig()

		if cfg.IsProduction() && cfg.Server.AutoCert {
			startProductionServerWithAutoCert(f, server, cfg, stopSweeper)
			return
		}

		util.Info("Starting HTTPS server",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.TLSPort),
			util.Bool("auto_cert", cfg.Server.AutoCert),
		)
	} else {
		util.Warn("Starting HTTP server - TLS is disabled",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.Port),
		)
	}

	startServer(f, server, cfg, stopSweeper)
}

func setupRouter(f *factory.Factory) http.Handler {
	sf := f.ServiceFactory()
	authHandler := handler.NewAuthHandler(sf.AuthService(), sf.Issuer(), util.Named("http"))
	return handler.NewRouter(authHandler, f.HealthCheck, f.Config(), util.Get())
}

func startProductionServerWithAutoCert(f *factory.Factory, server *http.Server, cfg *config.Config, stop context.CancelFunc) {
	autoCertManager := f.TLSManager().GetAutocertManager()
	if autoCertManager == nil {
		util.Fatal("AutoCert manager is not available in production")
	}

	// ACME challenges and HTTPS redirect only
	httpServer := &http.Server{
		Addr:              ":80",
		Handler:           autoCertManager.HTTPHandler(nil),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	server.Addr = ":443"

	go func() {
		util.Info("Starting ACME HTTP server on port 80")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Error("ACME HTTP server failed", util.ErrorField(err))
		}
	}()

	go func() {
		util.Info("Starting HTTPS server with AutoCert on port 443", util.String("domain", cfg.Server.Domain))
		if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Fatal("HTTPS AutoCert server failed", util.ErrorField(err))
		}
	}()

	waitForShutdown(f, cfg, stop, server, httpServer)
}

func startServer(f *factory.Factory, server *http.Server, cfg *config.Config, stop context.CancelFunc) {
	go func() {
		var err error
		if cfg.Server.EnableTLS {
			// Certificates come from TLSConfig.GetCertificate.
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Fatal("Server failed to start", util.ErrorField(err))
		}
	}()

	util.Info("Server started successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.String("address", server.Addr),
	)

	waitForShutdown(f, cfg, stop, server)
}

func waitForShutdown(f *factory.Factory, cfg *config.Config, stop context.CancelFunc, servers ...*http.Server) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-signalChan
	util.Info("Received shutdown signal", util.String("signal", sig.String()))

	stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
		} else {
			util.Info("Server shutdown completed", util.String("address", srv.Addr))
		}
	}
	f.Close()
}
