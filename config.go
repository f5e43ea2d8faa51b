package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends
const (
	StorePostgres   = "postgres"
	StorePocketBase = "pocketbase"
	StoreMemory     = "memory"
)

// Config represents the service configuration
type Config struct {
	Database   DatabaseConfig
	PocketBase PocketBaseConfig
	S3         S3Config
	Overpass   OverpassConfig
	Redis      RedisConfig
	Voting     VotingConfig
	Service    ServiceConfig
}

// DatabaseConfig represents database connection settings
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// PocketBaseConfig represents the PocketBase record store settings
type PocketBaseConfig struct {
	URL   string
	Token string
}

// S3Config represents S3/R2 connection settings
type S3Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Bucket          string
	BucketPath      string // e.g., "overlays"
	PublicBaseURL   string
}

// OverpassConfig represents road-data API settings
type OverpassConfig struct {
	URL       string
	Retries   int
	WayFilter string
}

// RedisConfig represents the optional road query cache
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// VotingConfig represents voting and enrichment behaviour
type VotingConfig struct {
	CoordPrecision int     // decimal places to snap to, -1 = exact match
	NearbyRadius   float64 // meters
	EnrichOnCreate bool
	EnrichTimeout  time.Duration
	EnrichWorkers  int
	StreetViewKey  string
	ProfilesPath   string
}

// ServiceConfig represents service-level settings
type ServiceConfig struct {
	Store    string
	Port     int
	PerPage  int
	MaxPages int
}

// LoadConfig loads configuration from environment variables and .env file
func LoadConfig(envPath string) (*Config, error) {
	// Prefer .env.local over .env; variables already in the environment win
	localEnvPath := strings.TrimSuffix(envPath, ".env") + ".env.local"
	if _, err := os.Stat(localEnvPath); err == nil {
		if err := godotenv.Load(localEnvPath); err != nil {
			return nil, fmt.Errorf("failed to load local env file: %w", err)
		}
	} else if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	redisAddr := getEnv("REDIS_ADDR", "")
	if redisAddr == "" && os.Getenv("REDIS_HOST") != "" {
		redisAddr = os.Getenv("REDIS_HOST") + ":" + getEnv("REDIS_PORT", "6379")
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "saferoute"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		PocketBase: PocketBaseConfig{
			URL:   getEnv("POCKETBASE_URL", "http://127.0.0.1:8090"),
			Token: getEnv("POCKETBASE_TOKEN", ""),
		},
		S3: S3Config{
			Endpoint:        getEnv("S3_ENDPOINT", "https://s3.us-west-1.wasabisys.com"),
			AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
			Region:          getEnv("S3_REGION", "us-west-1"),
			Bucket:          getEnv("S3_BUCKET", "saferoute-overlays"),
			BucketPath:      getEnv("S3_BUCKET_PATH", "overlays"),
			PublicBaseURL:   getEnv("S3_PUBLIC_BASE_URL", ""),
		},
		Overpass: OverpassConfig{
			URL:       getEnv("OVERPASS_URL", DefaultOverpassURL),
			Retries:   getEnvInt("OVERPASS_RETRIES", 3),
			WayFilter: getEnv("OVERPASS_WAY_FILTER", `["highway"]`),
		},
		Redis: RedisConfig{
			Addr:     redisAddr,
			Password: getEnv("REDIS_PASS", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			TTL:      time.Duration(getEnvInt("REDIS_TTL_SECONDS", 86400)) * time.Second,
		},
		Voting: VotingConfig{
			CoordPrecision: getEnvInt("VOTE_COORD_PRECISION", -1),
			NearbyRadius:   getEnvFloat("NEARBY_RADIUS_METERS", DefaultNearbyRadius),
			EnrichOnCreate: getEnvBool("ENRICH_ON_CREATE", true),
			EnrichTimeout:  time.Duration(getEnvInt("ENRICH_TIMEOUT_SECONDS", 60)) * time.Second,
			EnrichWorkers:  getEnvInt("ENRICH_WORKERS", 4),
			StreetViewKey:  getEnv("GOOGLE_MAPS_API_KEY", ""),
			ProfilesPath:   getEnv("SIMPLIFY_PROFILES", "profiles.yaml"),
		},
		Service: ServiceConfig{
			Store:    strings.ToLower(getEnv("STORE_BACKEND", StorePostgres)),
			Port:     getEnvInt("PORT", 8080),
			PerPage:  getEnvInt("STORE_PER_PAGE", 200),
			MaxPages: getEnvInt("STORE_MAX_PAGES", 500),
		},
	}

	// Validate required config
	switch cfg.Service.Store {
	case StorePostgres:
		if cfg.Database.Password == "" {
			return nil, fmt.Errorf("DB_PASSWORD environment variable is required for the postgres store")
		}
	case StorePocketBase:
		if cfg.PocketBase.URL == "" {
			return nil, fmt.Errorf("POCKETBASE_URL environment variable is required for the pocketbase store")
		}
	case StoreMemory:
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.Service.Store)
	}
	if cfg.Voting.NearbyRadius <= 0 {
		return nil, fmt.Errorf("NEARBY_RADIUS_METERS must be positive")
	}
	// Note: S3 credentials are optional - only needed for the export command

	return cfg, nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

// getEnvInt gets an environment variable as integer with a default value
func getEnvInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

// getEnvFloat gets an environment variable as float with a default value
func getEnvFloat(key string, defaultVal float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}
