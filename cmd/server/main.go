package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	zerologadapter "github.com/yourusername/floodgate/adapters/zerolog"
	"github.com/yourusername/floodgate/api"
	"github.com/yourusername/floodgate/distributed"
	"github.com/yourusername/floodgate/metrics"
	"github.com/yourusername/floodgate/middleware"
	"github.com/yourusername/floodgate/store"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	port := getEnv("PORT", "8080")
	configPath := getEnv("CONFIG_FILE", "")
	redisAddr := getEnv("REDIS_ADDR", "")

	cfg := middleware.NewConfig()
	if configPath != "" {
		loaded, err := middleware.LoadConfig(configPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", configPath).Msg("loading configuration")
		}
		cfg = loaded
	}
	if redisAddr != "" {
		cfg.Redis.Addr = redisAddr
		cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	}

	limiter := buildLimiter(logger, cfg)
	stats := metrics.NewCollector()

	mux := http.NewServeMux()
	api.NewHandler(limiter, stats, zerologadapter.New(logger)).Register(mux)
	mux.HandleFunc("GET /dashboard", dashboardHandler)

	addr := ":" + port
	logger.Info().Str("addr", addr).Msg("floodgate admission service listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}

// buildLimiter selects the backend: Redis when configured, in-process
// buckets otherwise.
func buildLimiter(logger zerolog.Logger, cfg *middleware.Config) middleware.Limiter {
	policy := cfg.Defaults.BucketConfig()

	if cfg.Redis.Addr == "" {
		logger.Warn().Msg("no redis configured, using in-memory buckets (single instance only)")
		age, _ := cfg.ParsedCleanupAge()
		limiter, err := middleware.NewLocalLimiter(policy, middleware.WithCleanupAge(age))
		if err != nil {
			logger.Fatal().Err(err).Msg("building local limiter")
		}
		if age > 0 {
			limiter.StartBackgroundCleanup(5 * time.Minute)
		}
		return limiter
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	st := store.NewRedisStore(client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("connecting to redis")
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("connected to redis")

	opts := []distributed.Option{
		distributed.WithTTL(cfg.Redis.TTL()),
		distributed.WithLogger(zerologadapter.New(logger)),
	}
	if cfg.Redis.KeyPrefix != "" {
		opts = append(opts, distributed.WithKeyPrefix(cfg.Redis.KeyPrefix))
	}
	if cfg.Defaults.Insurance {
		opts = append(opts, distributed.WithInsurance())
	}

	limiter, err := middleware.NewDistributedLimiter(st, policy, opts...)
	if err != nil {
		logger.Fatal().Err(err).Msg("building distributed limiter")
	}
	return limiter
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
