package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/yungbote/inferbridge-backend/internal/clients/redis"
	"github.com/yungbote/inferbridge-backend/internal/data/db"
	"github.com/yungbote/inferbridge-backend/internal/domain/tokens"
	"github.com/yungbote/inferbridge-backend/internal/inference/client"
	"github.com/yungbote/inferbridge-backend/internal/jobs/queue"
	"github.com/yungbote/inferbridge-backend/internal/jobs/worker"
	"github.com/yungbote/inferbridge-backend/internal/platform/envutil"
	"github.com/yungbote/inferbridge-backend/internal/platform/logger"
	"github.com/yungbote/inferbridge-backend/internal/services"
)

const (
	RoleAll    = "all"
	RoleAPI    = "api"
	RoleWorker = "worker"

	QueuePostgres = "postgres"
	QueueRedis    = "redis"
	QueueMemory   = "memory"
)

type Config struct {
	Role        string
	HTTPAddr    string
	MetricsAddr string
	ServiceName string
	Environment string
	Version     string

	DB    db.Config
	Redis redis.Config

	QueueBackend string
	Queue        queue.Options

	Auth      services.AuthConfig
	Pricing   tokens.Pricing
	Inference client.Options
	Worker    worker.Config

	SubmitRatePerMin int
	SubmitBurst      int
	AllowedOrigins   []string
}

func (c Config) RunsAPI() bool    { return c.Role == RoleAll || c.Role == RoleAPI }
func (c Config) RunsWorker() bool { return c.Role == RoleAll || c.Role == RoleWorker }

func LoadConfig(log *logger.Logger) (Config, error) {
	cfg := Config{
		Role:        strings.ToLower(envutil.String("APP_ROLE", RoleAll, log)),
		HTTPAddr:    envutil.String("HTTP_ADDR", ":8080", log),
		MetricsAddr: envutil.String("METRICS_ADDR", "", nil),
		ServiceName: envutil.String("OTEL_SERVICE_NAME", "inferbridge", log),
		Environment: envutil.String("APP_ENV", "development", log),
		Version:     envutil.String("APP_VERSION", "dev", nil),

		DB:    db.ConfigFromEnv(log),
		Redis: redis.ConfigFromEnv(log),

		QueueBackend: strings.ToLower(envutil.String("QUEUE_BACKEND", QueuePostgres, log)),
		Queue: queue.Options{
			Lease:        envutil.Duration("QUEUE_LEASE", 2*time.Minute),
			PollInterval: envutil.Duration("QUEUE_POLL_INTERVAL", 500*time.Millisecond),
		}.WithDefaults(),

		Inference: client.OptionsFromEnv(log),
		Worker:    worker.ConfigFromEnv(),

		SubmitRatePerMin: envutil.Int("SUBMIT_RATE_PER_MIN", 30),
		SubmitBurst:      envutil.Int("SUBMIT_RATE_BURST", 5),
		AllowedOrigins:   strings.Split(envutil.String("CORS_ALLOWED_ORIGINS", "", nil), ","),
	}

	auth, err := loadAuthConfig(log)
	if err != nil {
		return Config{}, err
	}
	cfg.Auth = auth

	pricing, err := loadPricing(log)
	if err != nil {
		return Config{}, err
	}
	cfg.Pricing = pricing

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Role {
	case RoleAll, RoleAPI, RoleWorker:
	default:
		return fmt.Errorf("APP_ROLE must be all, api or worker (got %q)", c.Role)
	}
	switch c.QueueBackend {
	case QueuePostgres, QueueMemory:
	case QueueRedis:
		if !c.Redis.Enabled() {
			return fmt.Errorf("QUEUE_BACKEND=redis requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("QUEUE_BACKEND must be postgres, redis or memory (got %q)", c.QueueBackend)
	}
	if c.Role != RoleAll {
		// Split deployments need a shared queue and a bus to reach the
		// process holding the client sockets.
		if c.QueueBackend == QueueMemory {
			return fmt.Errorf("QUEUE_BACKEND=memory requires APP_ROLE=all")
		}
		if !c.Redis.Enabled() {
			return fmt.Errorf("APP_ROLE=%s requires REDIS_ADDR for notifications", c.Role)
		}
	}
	return nil
}

func loadAuthConfig(log *logger.Logger) (services.AuthConfig, error) {
	cfg := services.AuthConfig{
		PublicKeyPEM: []byte(envutil.String("JWT_PUBLIC_KEY", "", nil)),
		SecretKey:    envutil.String("JWT_SECRET_KEY", "", nil),
		Leeway:       envutil.Duration("JWT_LEEWAY", 30*time.Second),
	}
	if path := envutil.String("JWT_PUBLIC_KEY_FILE", "", log); path != "" && len(cfg.PublicKeyPEM) == 0 {
		raw, err := os.ReadFile(path)
		if err != nil {
			return services.AuthConfig{}, fmt.Errorf("read JWT_PUBLIC_KEY_FILE: %w", err)
		}
		cfg.PublicKeyPEM = raw
	}
	return cfg, nil
}

var pricingEnv = []struct {
	name  string
	field func(p *tokens.Pricing) *tokens.Amount
}{
	{"IMAGE_UPLOADING_COST", func(p *tokens.Pricing) *tokens.Amount { return &p.ImageUploading }},
	{"FRAME_VIDEO_UPLOADING_COST", func(p *tokens.Pricing) *tokens.Amount { return &p.FrameVideoUploading }},
	{"IMAGE_INFERENCE_COST", func(p *tokens.Pricing) *tokens.Amount { return &p.ImageInference }},
	{"FRAME_VIDEO_INFERENCE_COST", func(p *tokens.Pricing) *tokens.Amount { return &p.FrameVideoInference }},
	{"INITIAL_TOKENS", func(p *tokens.Pricing) *tokens.Amount { return &p.InitialBalance }},
	{"MAX_TOP_UP", func(p *tokens.Pricing) *tokens.Amount { return &p.MaxTopUp }},
}

// loadPricing layers PRICING_FILE and then per-key environment variables over
// the embedded defaults.
func loadPricing(log *logger.Logger) (tokens.Pricing, error) {
	p := tokens.DefaultPricing()
	if path := envutil.String("PRICING_FILE", "", log); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return tokens.Pricing{}, fmt.Errorf("read PRICING_FILE: %w", err)
		}
		if p, err = tokens.ParsePricing(raw, p); err != nil {
			return tokens.Pricing{}, fmt.Errorf("PRICING_FILE %s: %w", path, err)
		}
	}
	for _, e := range pricingEnv {
		raw := envutil.String(e.name, "", nil)
		if raw == "" {
			continue
		}
		v, err := tokens.ParseAmount(raw)
		if err != nil {
			return tokens.Pricing{}, fmt.Errorf("%s: %w", e.name, err)
		}
		*e.field(&p) = v
	}
	return p, p.Validate()
}
