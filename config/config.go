// Package config loads process configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"log"
	"os"
	"strconv"
	"sync"

	"github.com/joho/godotenv"
)

var (
	once sync.Once
	cfg  *Config
)

type MinioConfig struct {
	AccessKey  string
	SecretKey  string
	Endpoint   string
	UseSSL     bool
	Region     string
	BucketName string
}

type S3Config struct {
	BucketName string
	Region     string
	Endpoint   string
	AccessKey  string
	SecretKey  string
}

type Config struct {
	HTTPAddr          string
	RedisAddr         string
	RedisDB           int
	DatabaseURL       string
	StoreBackend      string // postgres | memory
	StorageBackend    string // minio | s3 | memory
	WorkerConcurrency int
	LogLevel          string
	Minio             MinioConfig
	S3                S3Config
}

// Get loads configuration once and returns the shared instance.
func Get() *Config {
	once.Do(func() {
		if err := godotenv.Load(); err != nil {
			log.Printf("no .env file found, using environment variables")
		}

		cfg = &Config{
			HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
			RedisAddr:         getenv("REDIS_ADDR", "localhost:6379"),
			RedisDB:           getenvInt("REDIS_DB", 0),
			DatabaseURL:       os.Getenv("DATABASE_URL"),
			StoreBackend:      getenv("STORE_BACKEND", "postgres"),
			StorageBackend:    getenv("STORAGE_BACKEND", "minio"),
			WorkerConcurrency: getenvInt("WORKER_CONCURRENCY", 10),
			LogLevel:          getenv("LOG_LEVEL", "info"),
			Minio: MinioConfig{
				AccessKey:  os.Getenv("MINIO_ACCESS_KEY"),
				SecretKey:  os.Getenv("MINIO_SECRET_KEY"),
				Endpoint:   getenv("MINIO_ENDPOINT", "localhost:9000"),
				UseSSL:     getenvBool("MINIO_USE_SSL", false),
				Region:     os.Getenv("MINIO_REGION"),
				BucketName: getenv("MINIO_BUCKET_NAME", "famfinance-documents"),
			},
			S3: S3Config{
				BucketName: os.Getenv("AWS_S3_BUCKET_NAME"),
				Region:     os.Getenv("AWS_REGION"),
				Endpoint:   os.Getenv("AWS_ENDPOINT"),
				AccessKey:  os.Getenv("AWS_ACCESS_KEY"),
				SecretKey:  os.Getenv("AWS_SECRET_KEY"),
			},
		}
	})
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("invalid %s=%q, using %t", key, v, fallback)
		return fallback
	}
	return b
}
