package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"arenaserver/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	maxRetries    = 3
	retryInterval = 5 * time.Second
)

// LoadConfig loads the configuration from config.json, then applies environment
// overrides and defaults. A missing file is not an error.
func LoadConfig(filename string) (models.Config, error) {
	var config models.Config
	configFile, err := os.Open(filename)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return config, err
	default:
		defer configFile.Close()
		if err := json.NewDecoder(configFile).Decode(&config); err != nil {
			return config, fmt.Errorf("設定ファイルの解析に失敗しました %s: %w", filename, err)
		}
	}

	if err := applyEnv(&config); err != nil {
		return config, err
	}
	config.ApplyDefaults()
	return config, nil
}

// 環境変数が設定されていれば config.json の値より優先します
func applyEnv(c *models.Config) error {
	for env, dst := range map[string]*string{
		"DB_HOST":                   &c.DBHost,
		"DB_USER":                   &c.DBUser,
		"DB_PASSWORD":               &c.DBPassword,
		"DB_NAME":                   &c.DBName,
		"DB_SSLMODE":                &c.DBSSLMode,
		"REDIS_ADDR":                &c.RedisAddr,
		"REDIS_PASSWORD":            &c.RedisPassword,
		"LISTEN_ADDR":               &c.ListenAddr,
		"JWT_SECRET":                &c.JWTSecret,
		"ARCHIVE_BUCKET":            &c.Archive.Bucket,
		"ARCHIVE_ENDPOINT":          &c.Archive.Endpoint,
		"ARCHIVE_REGION":            &c.Archive.Region,
		"ARCHIVE_ACCESS_KEY_ID":     &c.Archive.AccessKeyID,
		"ARCHIVE_SECRET_ACCESS_KEY": &c.Archive.SecretAccessKey,
	} {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid REDIS_DB %q: %w", v, err)
		}
		c.RedisDB = db
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("DEVELOPMENT"); v != "" {
		dev, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid DEVELOPMENT %q: %w", v, err)
		}
		c.Development = dev
	}
	return nil
}

func InitPostgreSQL(config models.Config, logger *zap.Logger) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s user=%s dbname=%s password=%s sslmode=%s",
		config.DBHost, config.DBUser, config.DBName, config.DBPassword, config.DBSSLMode)

	var err error
	for i := 0; i <= maxRetries; i++ {
		var gormDB *gorm.DB
		gormDB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
		if err == nil {
			logger.Info("Connected to PostgreSQL", zap.String("host", config.DBHost), zap.String("db", config.DBName))
			return gormDB, nil
		}
		logger.Error("データベース接続のリトライ", zap.Int("retry", i), zap.Error(err))
		if i < maxRetries {
			time.Sleep(retryInterval)
		}
	}
	return nil, fmt.Errorf("データベース接続に失敗しました: %w", err)
}

func InitRedis(config models.Config, logger *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		logger.Error("Failed to connect to Redis", zap.String("addr", config.RedisAddr), zap.Error(err))
		rdb.Close()
		return nil, err
	}

	logger.Info("Connected to Redis", zap.String("addr", config.RedisAddr))
	return rdb, nil
}
