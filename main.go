package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"ssobridge/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("SSOBRIDGE_CONFIG"), "Path to YAML config (optional; environment variables supply overrides and defaults)")
	configCmd := flag.String("config-cmd", "", "Config command: 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if *configCmd != "" {
		switch *configCmd {
		case "validate":
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			probeUpstreams(ctx, cfg, logger)
			logger.Info("configuration is valid", "path", *configPath)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'validate'", *configCmd)
		}
	}

	// Probe upstream URLs on startup; failures are warnings, never fatal.
	probeCtx, cancelProbe := context.WithTimeout(context.Background(), 10*time.Second)
	probeUpstreams(probeCtx, cfg, logger)
	cancelProbe()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := server.NewApp(cfg, logger)

	handler := app.Routes()
	if !cfg.Server.DevMode {
		handler = server.SecurityHeadersMiddleware()(handler)
	}

	var shutdownFns []func(context.Context) error

	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:         cfg.Server.DevListenAddr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "dev", "addr", cfg.Server.DevListenAddr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "error", err)
			}
		}()
	} else {
		tlsCachePath := filepath.Join(cfg.Server.SecretsPath, "tls")

		m := &autocert.Manager{
			Cache:      autocert.DirCache(tlsCachePath),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		tlsCfg := &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}

		httpRedirect := &http.Server{
			Addr:    cfg.Server.HTTPListenAddr,
			Handler: m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http redirect error", "error", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:      cfg.Server.HTTPSListenAddr,
			Handler:   handler,
			TLSConfig: tlsCfg,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "prod", "addr", cfg.Server.HTTPSListenAddr)
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("https server error", "error", err)
			}
		}()
	}

	logger.Info("sso bridge running",
		"login_url", cfg.Server.PublicURL+"/sso/login",
		"provider", cfg.Provider.BaseURL+"/realms/"+cfg.Provider.Realm,
		"downstream", cfg.Downstream.PublicURL)

	<-ctx.Done()
	logger.Info("shutting down sso bridge")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

// probeUpstreams checks that the configured provider and downstream URLs
// answer at all. The bridge serves regardless; an unreachable upstream only
// means logins will fail until it comes back.
func probeUpstreams(ctx context.Context, cfg server.Config, logger *slog.Logger) {
	wellKnown := cfg.Provider.BaseURL + "/realms/" + cfg.Provider.Realm + "/.well-known/openid-configuration"
	if err := probeURL(ctx, wellKnown); err != nil {
		logger.Warn("identity provider may not be accessible",
			"url", wellKnown,
			"error", err,
			"note", "server will continue but authentication may fail")
	} else {
		logger.Info("identity provider is accessible", "url", wellKnown)
	}

	if err := probeURL(ctx, cfg.Downstream.InternalURL); err != nil {
		logger.Warn("downstream application may not be accessible",
			"url", cfg.Downstream.InternalURL,
			"error", err,
			"note", "server will continue but account provisioning may fail")
	} else {
		logger.Info("downstream application is accessible", "url", cfg.Downstream.InternalURL)
	}
}

func probeURL(ctx context.Context, urlStr string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, urlStr, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 500 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	return nil
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}
