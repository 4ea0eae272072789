package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// InMemory as DATA_DIR keeps the store and vault key in process memory.
const InMemory = ":memory:"

type Config struct {
	Addr        string // API bind address, e.g., "127.0.0.1:8080" (Windows) or ":8080" (Docker)
	LogDir      string // logs directory
	LogLevel    string
	DataDir     string // badger directory and vault key file; InMemory for a throwaway run
	DatabaseURL string // optional postgres mirror; empty means badger

	PublicAPIKeys  []string
	AdminAPIKeys   []string
	PublicRPM      int
	PublicBurst    int
	AdminRPM       int
	AdminBurst     int
	AllowedOrigins []string

	VaultKey string // base64 master key; empty means a key file in DataDir
	UserID   string // owner id sent to the alert API

	// Feed
	MinInterval           time.Duration
	MinDisplacementMeters float64
	DesiredAccuracy       string
	GapAfter              time.Duration

	// Rules
	NoMotionWindow      time.Duration
	CoolDown            time.Duration
	MaxHysteresisMeters float64

	// Delivery
	Workers      int
	FanOut       int
	MaxAttempts  int
	RetryBase    time.Duration
	RetryMax     time.Duration
	SendTimeout  time.Duration
	PollInterval time.Duration
	Retention    time.Duration
	ChannelRPS   float64

	SMSGatewayURL   string
	AlertAPIURL     string
	PushGatewayURL  string
	OwnerWebhookURL string
	ZonesFile       string
}

// LoadEnvFiles reads .env and .env.local (later files win) into the process
// environment. Missing files are skipped.
func LoadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env", ".env.local"}
	}
	for _, f := range files {
		if err := godotenv.Overload(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func FromEnv() Config {
	return Config{
		Addr:        str("API_ADDR", "127.0.0.1:8080"),
		LogDir:      str("LOG_DIR", "logs"),
		LogLevel:    str("LOG_LEVEL", "info"),
		DataDir:     str("DATA_DIR", "data"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		PublicAPIKeys:  list("PUBLIC_API_KEYS"),
		AdminAPIKeys:   list("ADMIN_API_KEYS"),
		PublicRPM:      positive("PUBLIC_RPM", 120),
		PublicBurst:    positive("PUBLIC_BURST", 20),
		AdminRPM:       positive("ADMIN_RPM", 60),
		AdminBurst:     positive("ADMIN_BURST", 10),
		AllowedOrigins: list("ALLOWED_ORIGINS"),

		VaultKey: os.Getenv("VAULT_KEY"),
		UserID:   str("USER_ID", "owner"),

		MinInterval:           millis("MIN_INTERVAL_MS", 5*time.Second),
		MinDisplacementMeters: float("MIN_DISPLACEMENT_M", 0),
		DesiredAccuracy:       str("DESIRED_ACCURACY", "high"),
		GapAfter:              millis("GAP_AFTER_MS", time.Minute),

		NoMotionWindow:      millis("NO_MOTION_WINDOW_MS", 30*time.Minute),
		CoolDown:            millis("COOLDOWN_MS", 10*time.Minute),
		MaxHysteresisMeters: float("MAX_HYSTERESIS_M", 0),

		Workers:      positive("WORKERS", 4),
		FanOut:       positive("FAN_OUT", 1),
		MaxAttempts:  positive("MAX_ATTEMPTS", 8),
		RetryBase:    millis("RETRY_BASE_MS", 5*time.Second),
		RetryMax:     millis("RETRY_MAX_MS", 10*time.Minute),
		SendTimeout:  millis("SEND_TIMEOUT_MS", 10*time.Second),
		PollInterval: millis("POLL_INTERVAL_MS", 2*time.Second),
		Retention:    time.Duration(positive("RETENTION_HOURS", 30*24)) * time.Hour,
		ChannelRPS:   float("CHANNEL_RPS", 5),

		SMSGatewayURL:   os.Getenv("SMS_GATEWAY_URL"),
		AlertAPIURL:     os.Getenv("ALERT_API_URL"),
		PushGatewayURL:  os.Getenv("PUSH_GATEWAY_URL"),
		OwnerWebhookURL: os.Getenv("OWNER_WEBHOOK_URL"),
		ZonesFile:       os.Getenv("ZONES_FILE"),
	}
}

func str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// list splits a comma-separated value, dropping blanks.
func list(key string) []string {
	var out []string
	for _, p := range strings.Split(os.Getenv(key), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func positive(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func millis(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}

func float(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			return f
		}
	}
	return def
}
