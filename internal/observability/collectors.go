package observability

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/yungbote/inferbridge-backend/internal/platform/logger"
)

// StartDBCollector samples the database/sql pool until ctx ends.
func (m *Metrics) StartDBCollector(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	interval := scrapeInterval()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sampleDB(log, db)
			}
		}
	}()
}

func (m *Metrics) sampleDB(log *logger.Logger, db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		if log != nil {
			log.Warn("metrics: db stats unavailable", "error", err)
		}
		return
	}
	stats := sqlDB.Stats()
	m.dbStats.Set(float64(stats.OpenConnections), "open_connections")
	m.dbStats.Set(float64(stats.InUse), "in_use")
	m.dbStats.Set(float64(stats.Idle), "idle")
	m.dbStats.Set(float64(stats.WaitCount), "wait_count")
	m.dbStats.Set(stats.WaitDuration.Seconds(), "wait_duration_seconds")
	m.dbStats.Set(float64(stats.MaxOpenConnections), "max_open_connections")
}

// StartRedisCollector pings rdb on every scrape interval. The client is owned
// by the caller and is not closed here.
func (m *Metrics) StartRedisCollector(ctx context.Context, log *logger.Logger, rdb redis.UniversalClient) {
	if m == nil || rdb == nil {
		return
	}
	interval := scrapeInterval()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				start := time.Now()
				if err := rdb.Ping(ctx).Err(); err != nil {
					m.redisUp.Set(0)
					if log != nil {
						log.Warn("metrics: redis ping failed", "error", err)
					}
					continue
				}
				m.redisUp.Set(1)
				m.redisPing.Set(time.Since(start).Seconds())
			}
		}
	}()
}
