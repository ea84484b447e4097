package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/inferbridge-backend/internal/platform/envutil"
	"github.com/yungbote/inferbridge-backend/internal/platform/logger"
)

type Config struct {
	// Addrs is a comma separated list; more than one address selects a
	// cluster client.
	Addrs    []string
	Password string
	DB       int
	Channel  string
}

func ConfigFromEnv(log *logger.Logger) Config {
	var addrs []string
	for _, a := range strings.Split(envutil.String("REDIS_ADDR", "", log), ",") {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}
	return Config{
		Addrs:    addrs,
		Password: envutil.String("REDIS_PASSWORD", "", nil),
		DB:       envutil.Int("REDIS_DB", 0),
		Channel:  envutil.String("REDIS_CHANNEL", "inferbridge:notifications", log),
	}
}

func (c Config) Enabled() bool { return len(c.Addrs) > 0 }

// New connects and pings. The caller owns the returned client.
func New(ctx context.Context, log *logger.Logger, cfg Config) (goredis.UniversalClient, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	rdb := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:        cfg.Addrs,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.With("client", "Redis").Info("Redis connected", "addrs", strings.Join(cfg.Addrs, ","))
	return rdb, nil
}
