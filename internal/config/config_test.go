package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRequiresSecretKey(t *testing.T) {
	t.Setenv("SECRET_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SECRET_KEY")
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SECRET_KEY", "test-secret")
	t.Setenv("ENVIRONMENT", "development")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 5432, cfg.DBPort)
	assert.Equal(t, 5, cfg.DBPoolMinSize)
	assert.Equal(t, 20, cfg.DBPoolMaxSize)
	assert.Equal(t, 3478, cfg.TURNPort)
	assert.False(t, cfg.IsProduction())
	assert.False(t, cfg.IsTest())
}

func TestValidateRejectsBadPoolBounds(t *testing.T) {
	cfg := &Config{SecretKey: "s", DBPoolMinSize: 10, DBPoolMaxSize: 5}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool bounds")
}

func TestValidateRejectsDefaultTURNPasswordInProduction(t *testing.T) {
	cfg := &Config{
		SecretKey:     "s",
		DBPoolMinSize: 1,
		DBPoolMaxSize: 2,
		Environment:   "production",
		TURNPassword:  "turnpassword",
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TURN_PASSWORD")

	cfg.TURNPassword = "real-secret"
	assert.NoError(t, cfg.Validate())
}

func TestOrigins(t *testing.T) {
	cfg := &Config{CORSOrigins: "http://a.example, https://b.example ,"}
	assert.Equal(t, []string{"http://a.example", "https://b.example"}, cfg.Origins())
}
