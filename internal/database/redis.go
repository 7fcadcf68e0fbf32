package database

import (
	"context"
	"log"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/viper"
)

// InitRedis opens the client backing the market-data cache, payment-request
// QR store, transfer idempotency cache and token revocation list. All of
// those degrade gracefully when redis is down, so a failed ping logs and
// returns nil rather than aborting startup; callers treat a nil client as
// "no cache".
func InitRedis() *redis.Client {
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", "6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	addr := viper.GetString("redis.host") + ":" + viper.GetString("redis.port")
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: viper.GetString("redis.password"),
		DB:       viper.GetInt("redis.db"),
	})

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Printf("[REDIS] Connection to %s failed, continuing without redis: %v", addr, err)
		return nil
	}

	log.Printf("[REDIS] Connected to %s", addr)
	return rdb
}
