package bootstrap

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerAddr string
	LogLevel   string

	StreamURL        string
	StreamBackoffMin time.Duration
	StreamBackoffMax time.Duration
	StreamBuffer     int

	RegisterURL     string
	RegisterTimeout time.Duration

	Location       string
	SampleInterval time.Duration

	CameraSource  string
	CameraURL     string
	CameraRTPAddr string

	ModelsDir string
	UseCNN    bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PreviewTTL    time.Duration
	PreviewRate   time.Duration
}

const (
	CameraSourceMJPEG = "mjpeg"
	CameraSourceRTP   = "rtp"
)

func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		ServerAddr: getEnv("SERVER_ADDR", ":8080"),
		LogLevel:   strings.ToLower(getEnv("LOG_LEVEL", "info")),

		StreamURL:        getEnv("STREAM_URL", "ws://localhost:3001/ws"),
		StreamBackoffMin: getEnvDuration("STREAM_BACKOFF_MIN", 500*time.Millisecond),
		StreamBackoffMax: getEnvDuration("STREAM_BACKOFF_MAX", 10*time.Second),
		StreamBuffer:     getEnvInt("STREAM_BUFFER", 8),

		RegisterURL:     getEnv("REGISTER_URL", "http://localhost:3001/register"),
		RegisterTimeout: getEnvDuration("REGISTER_TIMEOUT", 30*time.Second),

		Location:       getEnv("LOCATION", "Main Gate"),
		SampleInterval: getEnvDuration("SAMPLE_INTERVAL", 800*time.Millisecond),

		CameraSource:  strings.ToLower(getEnv("CAMERA_SOURCE", CameraSourceMJPEG)),
		CameraURL:     getEnv("CAMERA_URL", "http://localhost:8081/stream.mjpg"),
		CameraRTPAddr: getEnv("CAMERA_RTP_ADDR", ":5004"),

		ModelsDir: getEnv("MODELS_DIR", "./models"),
		UseCNN:    getEnv("DETECT_CNN", "false") == "true",

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		PreviewTTL:    getEnvDuration("PREVIEW_TTL", 60*time.Second),
		PreviewRate:   getEnvDuration("PREVIEW_RATE", 2*time.Second),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("800ms") or bare milliseconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
