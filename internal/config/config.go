package config

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	MinOTPLength = 4
	MaxOTPLength = 6
	MinOTPTTL    = 10 * time.Minute
	MaxOTPTTL    = 15 * time.Minute
)

type Config struct {
	ServiceName string
	ServerPort  int
	LogLevel    string

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTAccessSecret      []byte
	JWTRefreshSecret     []byte
	AccessTTL            time.Duration
	RefreshTTL           time.Duration
	RefreshPurgeInterval time.Duration
	CookieSecure         bool

	OTPLength             int
	OTPTTL                time.Duration
	OTPMaxAttempts        int
	OTPRegenerateOnExpiry bool
	OTPRatePerMinute      int
	LoginStepUp           bool

	KafkaBrokers []string
	AuditTopic   string
	NotifyTopic  string

	ESURL      string
	ESUser     string
	ESPassword string
	AuditIndex string
}

func Load() Config {
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Notice: .env file not found: %v. Using system environment variables", err)
	}

	return Config{
		ServiceName: EnvDefault("SERVICE_NAME", "deed-portal"),
		ServerPort:  EnvIntDefault("SERVER_PORT", 8080),
		LogLevel:    EnvDefault("LOG_LEVEL", "info"),

		DatabaseURL: os.Getenv("DATABASE_URL"),

		RedisAddr:     EnvDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       EnvIntDefault("REDIS_DB", 0),

		JWTAccessSecret:      []byte(os.Getenv("JWT_SECRET")),
		JWTRefreshSecret:     []byte(os.Getenv("JWT_REFRESH_SECRET")),
		AccessTTL:            EnvDurationDefault("ACCESS_TTL", 15*time.Minute),
		RefreshTTL:           EnvDurationDefault("REFRESH_TTL", 7*24*time.Hour),
		RefreshPurgeInterval: EnvDurationDefault("REFRESH_PURGE_INTERVAL", time.Hour),
		CookieSecure:         EnvBoolDefault("COOKIE_SECURE", true),

		OTPLength:             EnvIntDefault("OTP_LENGTH", 6),
		OTPTTL:                EnvDurationDefault("OTP_TTL", 10*time.Minute),
		OTPMaxAttempts:        EnvIntDefault("OTP_MAX_ATTEMPTS", 5),
		OTPRegenerateOnExpiry: EnvBoolDefault("OTP_REGENERATE_ON_EXPIRY", true),
		OTPRatePerMinute:      EnvIntDefault("OTP_RATE_PER_MIN", 5),
		LoginStepUp:           EnvBoolDefault("LOGIN_STEP_UP", false),

		KafkaBrokers: CSV(os.Getenv("KAFKA_BROKERS")),
		AuditTopic:   EnvDefault("AUDIT_TOPIC", "auth_events"),
		NotifyTopic:  EnvDefault("NOTIFY_TOPIC", "notification_events"),

		ESURL:      os.Getenv("ES_URL"),
		ESUser:     os.Getenv("ES_USER"),
		ESPassword: os.Getenv("ES_PASSWORD"),
		AuditIndex: EnvDefault("AUDIT_INDEX", "auth-audit"),
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if len(c.JWTAccessSecret) == 0 {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if len(c.JWTRefreshSecret) == 0 {
		errs = append(errs, errors.New("JWT_REFRESH_SECRET is required"))
	}
	if len(c.JWTAccessSecret) > 0 && bytes.Equal(c.JWTAccessSecret, c.JWTRefreshSecret) {
		errs = append(errs, errors.New("JWT_SECRET and JWT_REFRESH_SECRET must differ"))
	}
	if c.AccessTTL <= 0 || c.AccessTTL >= c.RefreshTTL {
		errs = append(errs, fmt.Errorf("ACCESS_TTL (%s) must be positive and shorter than REFRESH_TTL (%s)", c.AccessTTL, c.RefreshTTL))
	}
	if c.RefreshPurgeInterval <= 0 {
		errs = append(errs, errors.New("REFRESH_PURGE_INTERVAL must be positive"))
	}
	if c.OTPLength < MinOTPLength || c.OTPLength > MaxOTPLength {
		errs = append(errs, fmt.Errorf("OTP_LENGTH must be between %d and %d", MinOTPLength, MaxOTPLength))
	}
	if c.OTPTTL < MinOTPTTL || c.OTPTTL > MaxOTPTTL {
		errs = append(errs, fmt.Errorf("OTP_TTL must be between %s and %s", MinOTPTTL, MaxOTPTTL))
	}
	if c.OTPMaxAttempts <= 0 {
		errs = append(errs, errors.New("OTP_MAX_ATTEMPTS must be positive"))
	}
	return errors.Join(errs...)
}

func CSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func EnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func EnvIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func EnvBoolDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func EnvDurationDefault(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
