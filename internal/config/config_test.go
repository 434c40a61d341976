package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/httpseal/flowtap/pkg/filter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigFileMissing(t *testing.T) {
	fc, err := LoadConfigFile(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, &FileConfig{}, fc)
}

func TestLoadConfigFileFormats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"json", "config.json", `{"proxy_port": 8443, "filter": "/api/", "enable_http": true}`},
		{"yaml", "config.yaml", "proxy_port: 8443\nfilter: /api/\nenable_http: true\n"},
		{"yml", "config.yml", "proxy_port: 8443\nfilter: /api/\nenable_http: true\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc, err := LoadConfigFile(writeFile(t, tt.file, tt.content))
			require.NoError(t, err)
			require.NotNil(t, fc.ProxyPort)
			assert.Equal(t, 8443, *fc.ProxyPort)
			require.NotNil(t, fc.Filter)
			assert.Equal(t, "/api/", *fc.Filter)
			require.NotNil(t, fc.EnableHTTP)
			assert.True(t, *fc.EnableHTTP)
			assert.Nil(t, fc.DNSPort)
		})
	}
}

func TestLoadConfigFileInvalid(t *testing.T) {
	_, err := LoadConfigFile(writeFile(t, "config.json", "{not json"))
	assert.ErrorContains(t, err, "failed to parse JSON config")

	_, err = LoadConfigFile(writeFile(t, "config.yaml", "proxy_port: [1"))
	assert.ErrorContains(t, err, "failed to parse YAML config")
}

func TestMergeWithFileConfigCLIWins(t *testing.T) {
	port := 8443
	dnsPort := 5353
	logDir := "/var/log/flowtap"
	pattern := "example"

	cfg := Default()
	cfg.ProxyPort = 9443 // set on the command line
	cfg.MergeWithFileConfig(&FileConfig{
		ProxyPort: &port,
		DNSPort:   &dnsPort,
		LogDir:    &logDir,
		Filter:    &pattern,
	})

	assert.Equal(t, 9443, cfg.ProxyPort)
	assert.Equal(t, 5353, cfg.DNSPort)
	assert.Equal(t, "/var/log/flowtap", cfg.LogDir)
	assert.Equal(t, "example", cfg.Filter)
	assert.Equal(t, DefaultDNSIP, cfg.DNSIP)
}

func TestApplyEnv(t *testing.T) {
	envFile := writeFile(t, ".env", "FLOWTAP_ENCODING=latin1\nFLOWTAP_MAX_BODY_SIZE=2048\n")
	t.Setenv("FLOWTAP_FILTER", "/api/")
	t.Setenv("FLOWTAP_ENABLE_HTTP", "true")
	t.Setenv("FLOWTAP_PROXY_PORT", "8443")
	t.Cleanup(func() {
		os.Unsetenv("FLOWTAP_ENCODING")
		os.Unsetenv("FLOWTAP_MAX_BODY_SIZE")
	})

	cfg := Default()
	cfg.ProxyPort = 9443
	require.NoError(t, cfg.ApplyEnv(envFile))

	assert.Equal(t, "latin1", cfg.Encoding)
	assert.Equal(t, 2048, cfg.MaxBodySize)
	assert.Equal(t, "/api/", cfg.Filter)
	assert.True(t, cfg.EnableHTTP)
	assert.Equal(t, 9443, cfg.ProxyPort)
}

func TestApplyEnvMissingFileIsIgnored(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.ApplyEnv(filepath.Join(t.TempDir(), ".env")))
}

func TestApplyEnvInvalidNumber(t *testing.T) {
	t.Setenv("FLOWTAP_DNS_PORT", "fifty-three")

	cfg := Default()
	err := cfg.ApplyEnv("")
	assert.ErrorContains(t, err, "FLOWTAP_DNS_PORT")
	assert.Equal(t, DefaultDNSPort, cfg.DNSPort)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"bad proxy port", func(c *Config) { c.ProxyPort = 0 }, "proxy-port must be between 1 and 65535"},
		{"bad dns port", func(c *Config) { c.DNSPort = 70000 }, "dns-port must be between 1 and 65535"},
		{"http port ignored when disabled", func(c *Config) { c.HTTPPort = 0 }, ""},
		{"bad http port", func(c *Config) { c.EnableHTTP = true; c.HTTPPort = 0 }, "http-port must be between 1 and 65535"},
		{"port conflict", func(c *Config) { c.EnableHTTP = true; c.HTTPPort = c.ProxyPort }, "cannot be the same"},
		{"negative body size", func(c *Config) { c.MaxBodySize = -1 }, "max-body-size must be >= 0"},
		{"quiet without log file", func(c *Config) { c.Quiet = true }, "requires a log file"},
		{"unknown encoding", func(c *Config) { c.Encoding = "klingon" }, "unsupported encoding"},
		{"both filters", func(c *Config) { c.Filter = "a"; c.FilterFile = "f" }, "mutually exclusive"},
		{"good filter", func(c *Config) { c.Filter = `/api/v\d+/` }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestValidateBadFilter(t *testing.T) {
	cfg := Default()
	cfg.Filter = "[invalid"

	var verr *filter.ValidationError
	require.True(t, errors.As(cfg.Validate(), &verr))
	assert.Equal(t, "[invalid", verr.Pattern)
}

func TestGetConfigDirHonoursXDG(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	assert.Equal(t, filepath.Join(dir, "flowtap"), GetConfigDir())
	assert.Equal(t, filepath.Join(dir, "flowtap", "config.json"), GetDefaultConfigPath())
}
