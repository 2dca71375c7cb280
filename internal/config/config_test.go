package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 2525, cfg.SMTPPort)
	assert.Equal(t, 587, cfg.SMTPStartTLSPort)
	assert.Equal(t, 465, cfg.SMTPSSLPort)
	assert.Equal(t, 3000, cfg.APIPort)
	assert.Equal(t, 0, cfg.IMAPPort)
	assert.Equal(t, "tossmail.db", cfg.DatabaseURL)
	assert.Equal(t, "tempmail.local", cfg.DomainName)
	assert.Equal(t, 0, cfg.RetentionHours)
	assert.False(t, cfg.RejectNonDomain)
	assert.False(t, cfg.SSLEnabled)
	assert.False(t, cfg.AuthEnabled)
	assert.Equal(t, 24*time.Hour, cfg.AuthTokenTTL)
	assert.Equal(t, "static", cfg.StaticDir)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SMTP_PORT", "25")
	t.Setenv("API_PORT", "8080")
	t.Setenv("IMAP_PORT", "1143")
	t.Setenv("DOMAIN_NAME", "Mail.Example.Test")
	t.Setenv("EMAIL_RETENTION_HOURS", "48")
	t.Setenv("REJECT_NON_DOMAIN_EMAILS", "true")
	t.Setenv("AUTH_TOKEN_TTL_HOURS", "2")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.SMTPPort)
	assert.Equal(t, 8080, cfg.APIPort)
	assert.Equal(t, 1143, cfg.IMAPPort)
	assert.Equal(t, "Mail.Example.Test", cfg.DomainName)
	assert.Equal(t, 48, cfg.RetentionHours)
	assert.True(t, cfg.RejectNonDomain)
	assert.Equal(t, 2*time.Hour, cfg.AuthTokenTTL)
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("SMTP_PORT=1025\nDOMAIN_NAME=file.test\n"), 0o600))

	// godotenv never overrides variables already set in the process.
	// Setenv registers the restore, Unsetenv clears for the load.
	for _, key := range []string{"SMTP_PORT", "DOMAIN_NAME"} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1025, cfg.SMTPPort)
	assert.Equal(t, "file.test", cfg.DomainName)
}

func TestLoadMissingEnvFileIgnored(t *testing.T) {
	cfg, err := Load("does-not-exist.env")
	require.NoError(t, err)
	assert.Equal(t, 2525, cfg.SMTPPort)
}

func TestLoadInvalidIntFallsBack(t *testing.T) {
	t.Setenv("SMTP_PORT", "not-a-number")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2525, cfg.SMTPPort)
}

func TestLoadSSLValidation(t *testing.T) {
	t.Setenv("SMTP_SSL_ENABLED", "true")
	_, err := Load("")
	require.Error(t, err)

	t.Setenv("SMTP_SSL_CERT_PATH", "/tmp/cert.pem")
	_, err = Load("")
	require.Error(t, err)

	t.Setenv("SMTP_SSL_KEY_PATH", "/tmp/key.pem")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.SSLEnabled)
}

func TestLoadAuthValidation(t *testing.T) {
	t.Setenv("AUTH_ENABLED", "true")
	_, err := Load("")
	require.Error(t, err)

	t.Setenv("AUTH_SECRET", "s3cret")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.AuthEnabled)
	assert.Equal(t, "s3cret", cfg.AuthSecret)
}

func TestLoadNegativeRetentionRejected(t *testing.T) {
	t.Setenv("EMAIL_RETENTION_HOURS", "-1")
	_, err := Load("")
	assert.Error(t, err)
}

func TestTLSConfigDisabled(t *testing.T) {
	cfg := &Config{}
	tc, err := cfg.TLSConfig()
	require.NoError(t, err)
	assert.Nil(t, tc)
}
