package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/wishlink/sync/hub"
)

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

type Config struct {
	Addr        string `env:"WISHHUB_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"WISHHUB_METRICS_ADDR" envDefault:":9090"`
	TokenSecret string `env:"WISHHUB_TOKEN_SECRET"`

	// optional dev seed: create one wishlist at startup and print the tokens
	SeedWishlist     string   `env:"WISHHUB_SEED_WISHLIST"`
	SeedUsers        []string `env:"WISHHUB_SEED_USERS" envSeparator:","`
	SeedSurpriseMode bool     `env:"WISHHUB_SEED_SURPRISE_MODE" envDefault:"true"`
}

func main() {
	// a local .env is optional
	godotenv.Load()

	var config Config
	if err := env.Parse(&config); err != nil {
		Err.Fatalf("parse env: %s", err)
	}

	settings := hub.DefaultSettings()
	if config.TokenSecret != "" {
		settings.TokenSecret = []byte(config.TokenSecret)
	}

	h := hub.NewHub(settings)

	if config.SeedWishlist != "" {
		if len(config.SeedUsers) == 0 {
			Err.Fatalf("WISHHUB_SEED_WISHLIST requires WISHHUB_SEED_USERS")
		}
		wishlistId, tokens, err := h.CreateWishlist(
			config.SeedWishlist,
			config.SeedSurpriseMode,
			!config.SeedSurpriseMode,
			config.SeedUsers,
		)
		if err != nil {
			Err.Fatalf("seed wishlist: %s", err)
		}
		Out.Printf("seeded wishlist %q (%s)", config.SeedWishlist, wishlistId)
		for _, user := range config.SeedUsers {
			Out.Printf("  %s: %s", user, tokens[user])
		}
	}

	server := &http.Server{
		Addr:    config.Addr,
		Handler: h.Handler(),
	}
	metricsServer := &http.Server{
		Addr:    config.MetricsAddr,
		Handler: metricsMux(h),
	}

	go func() {
		Out.Printf("wishhub listening on %s (metrics on %s)", config.Addr, config.MetricsAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Err.Fatalf("serve: %s", err)
		}
	}()
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Err.Fatalf("serve metrics: %s", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	metricsServer.Shutdown(shutdownCtx)
}

func metricsMux(h *hub.Hub) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h.Metrics().Handler())
	return mux
}
