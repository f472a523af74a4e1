package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wispberry-tech/travelease/remote"
	"github.com/wispberry-tech/travelease/session"
)

// config is the gateway configuration.
//
// Env surface:
// - TRAVELEASE_ADDR
// - TRAVELEASE_PUBLIC_URL (base of the OAuth redirect URLs)
// - TRAVELEASE_DATABASE_URL (postgres:// DSN or SQLite path)
// - TRAVELEASE_RENTAL_API_URL
// - TRAVELEASE_RENTAL_TIMEOUT
// - TRAVELEASE_ALLOWED_ORIGINS (comma separated)
// - TRAVELEASE_SECURE_COOKIES (true/false)
// - TRAVELEASE_LOG_LEVEL (debug, info, warn, error)
// - TRAVELEASE_STORE_IDLE_TIMEOUT
// - TRAVELEASE_SWEEP_INTERVAL
// - TRAVELEASE_PROFILE_WRITE_TIMEOUT
// - TRAVELEASE_{GOOGLE,GITHUB,DISCORD}_CLIENT_ID / _CLIENT_SECRET
type config struct {
	Addr                string
	PublicURL           string
	DatabaseURL         string
	RentalAPIURL        string
	RentalTimeout       time.Duration
	AllowedOrigins      []string
	SecureCookies       bool
	LogLevel            slog.Level
	StoreIdleTimeout    time.Duration
	SweepInterval       time.Duration
	ProfileWriteTimeout time.Duration
	OAuth               map[string]oauthCredentials
}

type oauthCredentials struct {
	ClientID     string
	ClientSecret string
}

func defaultConfig() config {
	return config{
		Addr:                ":8080",
		PublicURL:           "http://localhost:8080",
		DatabaseURL:         "travelease.db",
		RentalAPIURL:        remote.DefaultBaseURL,
		RentalTimeout:       15 * time.Second,
		AllowedOrigins:      []string{"http://localhost:5173"},
		LogLevel:            slog.LevelInfo,
		StoreIdleTimeout:    session.DefaultIdleTimeout,
		SweepInterval:       time.Minute,
		ProfileWriteTimeout: session.DefaultProfileWriteTimeout,
		OAuth:               make(map[string]oauthCredentials),
	}
}

// configFromEnv loads the configuration from the environment.
func configFromEnv() (config, error) {
	cfg := defaultConfig()

	stringVar(&cfg.Addr, "TRAVELEASE_ADDR")
	stringVar(&cfg.PublicURL, "TRAVELEASE_PUBLIC_URL")
	stringVar(&cfg.DatabaseURL, "TRAVELEASE_DATABASE_URL")
	stringVar(&cfg.RentalAPIURL, "TRAVELEASE_RENTAL_API_URL")
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")

	if v, ok := os.LookupEnv("TRAVELEASE_ALLOWED_ORIGINS"); ok {
		cfg.AllowedOrigins = splitList(v)
	}

	if v, ok := os.LookupEnv("TRAVELEASE_SECURE_COOKIES"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return config{}, fmt.Errorf("TRAVELEASE_SECURE_COOKIES: %w", err)
		}
		cfg.SecureCookies = b
	}

	if v, ok := os.LookupEnv("TRAVELEASE_LOG_LEVEL"); ok {
		if err := cfg.LogLevel.UnmarshalText([]byte(strings.TrimSpace(v))); err != nil {
			return config{}, fmt.Errorf("TRAVELEASE_LOG_LEVEL: %w", err)
		}
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"TRAVELEASE_RENTAL_TIMEOUT", &cfg.RentalTimeout},
		{"TRAVELEASE_STORE_IDLE_TIMEOUT", &cfg.StoreIdleTimeout},
		{"TRAVELEASE_SWEEP_INTERVAL", &cfg.SweepInterval},
		{"TRAVELEASE_PROFILE_WRITE_TIMEOUT", &cfg.ProfileWriteTimeout},
	}
	for _, d := range durations {
		if err := durationVar(d.dst, d.name); err != nil {
			return config{}, err
		}
	}

	for _, provider := range []string{"google", "github", "discord"} {
		prefix := "TRAVELEASE_" + strings.ToUpper(provider)
		creds := oauthCredentials{
			ClientID:     os.Getenv(prefix + "_CLIENT_ID"),
			ClientSecret: os.Getenv(prefix + "_CLIENT_SECRET"),
		}
		if creds.ClientID == "" {
			continue
		}
		if creds.ClientSecret == "" {
			return config{}, fmt.Errorf("%s_CLIENT_SECRET is required when %s_CLIENT_ID is set", prefix, prefix)
		}
		cfg.OAuth[provider] = creds
	}

	return cfg, nil
}

// usesPostgres reports whether DatabaseURL is a PostgreSQL DSN.
func (c config) usesPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

// callbackURL is the OAuth redirect URL of provider.
func (c config) callbackURL(provider string) string {
	return c.PublicURL + "/auth/" + provider + "/callback"
}

func stringVar(dst *string, name string) {
	if v, ok := os.LookupEnv(name); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func durationVar(dst *time.Duration, name string) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s: must be positive", name)
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
