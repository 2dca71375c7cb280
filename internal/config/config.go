// Package config loads the service configuration from environment
// variables, optionally seeded from a .env file.
package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full runtime configuration.
type Config struct {
	SMTPPort         int
	SMTPStartTLSPort int
	SMTPSSLPort      int
	APIPort          int
	IMAPPort         int // 0 disables IMAP

	DatabaseURL string
	DomainName  string

	RetentionHours  int // 0 disables the sweeper
	RejectNonDomain bool

	SSLEnabled  bool
	SSLCertPath string
	SSLKeyPath  string

	AuthEnabled       bool
	AuthSecret        string
	AuthAllowedDomain string
	AuthTokenTTL      time.Duration

	ToolsToken string
	StaticDir  string
}

// Load reads the environment, seeding it from envFile when the file
// exists. Validation failures are returned, not logged.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("load %s: %w", envFile, err)
			}
		}
	}

	cfg := &Config{
		SMTPPort:          envInt("SMTP_PORT", 2525),
		SMTPStartTLSPort:  envInt("SMTP_STARTTLS_PORT", 587),
		SMTPSSLPort:       envInt("SMTP_SSL_PORT", 465),
		APIPort:           envInt("API_PORT", 3000),
		IMAPPort:          envInt("IMAP_PORT", 0),
		DatabaseURL:       envStr("DATABASE_URL", "tossmail.db"),
		DomainName:        envStr("DOMAIN_NAME", "tempmail.local"),
		RetentionHours:    envInt("EMAIL_RETENTION_HOURS", 0),
		RejectNonDomain:   envBool("REJECT_NON_DOMAIN_EMAILS"),
		SSLEnabled:        envBool("SMTP_SSL_ENABLED"),
		SSLCertPath:       envStr("SMTP_SSL_CERT_PATH", ""),
		SSLKeyPath:        envStr("SMTP_SSL_KEY_PATH", ""),
		AuthEnabled:       envBool("AUTH_ENABLED"),
		AuthSecret:        envStr("AUTH_SECRET", ""),
		AuthAllowedDomain: envStr("AUTH_ALLOWED_DOMAIN", ""),
		AuthTokenTTL:      time.Duration(envInt("AUTH_TOKEN_TTL_HOURS", 24)) * time.Hour,
		ToolsToken:        envStr("TOOLS_TOKEN", ""),
		StaticDir:         envStr("STATIC_DIR", "static"),
	}

	if cfg.SSLEnabled && (cfg.SSLCertPath == "" || cfg.SSLKeyPath == "") {
		return nil, fmt.Errorf("SMTP_SSL_ENABLED requires SMTP_SSL_CERT_PATH and SMTP_SSL_KEY_PATH")
	}
	if cfg.AuthEnabled && cfg.AuthSecret == "" {
		return nil, fmt.Errorf("AUTH_ENABLED requires AUTH_SECRET")
	}
	if cfg.RetentionHours < 0 {
		return nil, fmt.Errorf("EMAIL_RETENTION_HOURS cannot be negative")
	}

	return cfg, nil
}

// TLSConfig loads the configured PEM pair, or returns nil when TLS is
// disabled.
func (c *Config) TLSConfig() (*tls.Config, error) {
	if !c.SSLEnabled {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.SSLCertPath, c.SSLKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load TLS key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

func envStr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string) bool {
	switch envStr(key, "false") {
	case "1", "true", "TRUE", "True", "yes", "on":
		return true
	}
	return false
}
