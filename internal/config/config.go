package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/httpseal/flowtap/pkg/filter"
	"github.com/httpseal/flowtap/pkg/sink"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default values. MergeWithFileConfig and ApplyEnv only override settings
// that still hold these.
const (
	DefaultDNSIP             = "127.0.53.1"
	DefaultDNSPort           = 53
	DefaultProxyPort         = 443
	DefaultHTTPPort          = 80
	DefaultConnectionTimeout = 30
	DefaultSOCKS5Address     = "127.0.0.1:1080"
	DefaultLogDir            = "."
	DefaultAdminAddr         = "127.0.0.1:9953"

	// EnvPrefix prefixes every environment variable read by ApplyEnv
	EnvPrefix = "FLOWTAP_"
)

// Config holds the application configuration
type Config struct {
	// Network settings
	DNSIP     string
	DNSPort   int
	ProxyPort int
	CADir     string
	KeepCA    bool // Keep CA directory after exit

	// HTTP traffic interception
	EnableHTTP bool
	HTTPPort   int

	// ConnectionTimeout is the client connection idle timeout in seconds
	ConnectionTimeout int

	// SOCKS5 upstream
	SOCKS5Enabled  bool
	SOCKS5Address  string
	SOCKS5Username string
	SOCKS5Password string

	// Traffic logs
	LogDir      string
	Encoding    string
	MaxBodySize int // bytes, 0 = unlimited

	// Filter
	Filter     string
	FilterFile string
	AdminAddr  string

	// System log
	Verbose bool
	Quiet   bool
	LogFile string
}

// FileConfig represents the configuration file structure. Nil fields were not set.
type FileConfig struct {
	// Network settings
	DNSIP     *string `json:"dns_ip,omitempty" yaml:"dns_ip,omitempty"`
	DNSPort   *int    `json:"dns_port,omitempty" yaml:"dns_port,omitempty"`
	ProxyPort *int    `json:"proxy_port,omitempty" yaml:"proxy_port,omitempty"`
	CADir     *string `json:"ca_dir,omitempty" yaml:"ca_dir,omitempty"`
	KeepCA    *bool   `json:"keep_ca,omitempty" yaml:"keep_ca,omitempty"`

	// HTTP traffic interception
	EnableHTTP *bool `json:"enable_http,omitempty" yaml:"enable_http,omitempty"`
	HTTPPort   *int  `json:"http_port,omitempty" yaml:"http_port,omitempty"`

	ConnectionTimeout *int `json:"connection_timeout,omitempty" yaml:"connection_timeout,omitempty"`

	// SOCKS5 upstream
	SOCKS5Enabled  *bool   `json:"socks5_enabled,omitempty" yaml:"socks5_enabled,omitempty"`
	SOCKS5Address  *string `json:"socks5_address,omitempty" yaml:"socks5_address,omitempty"`
	SOCKS5Username *string `json:"socks5_username,omitempty" yaml:"socks5_username,omitempty"`
	SOCKS5Password *string `json:"socks5_password,omitempty" yaml:"socks5_password,omitempty"`

	// Traffic logs
	LogDir      *string `json:"log_dir,omitempty" yaml:"log_dir,omitempty"`
	Encoding    *string `json:"encoding,omitempty" yaml:"encoding,omitempty"`
	MaxBodySize *int    `json:"max_body_size,omitempty" yaml:"max_body_size,omitempty"`

	// Filter
	Filter     *string `json:"filter,omitempty" yaml:"filter,omitempty"`
	FilterFile *string `json:"filter_file,omitempty" yaml:"filter_file,omitempty"`
	AdminAddr  *string `json:"admin_addr,omitempty" yaml:"admin_addr,omitempty"`

	// System log
	Verbose *bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Quiet   *bool   `json:"quiet,omitempty" yaml:"quiet,omitempty"`
	LogFile *string `json:"log_file,omitempty" yaml:"log_file,omitempty"`
}

// Default returns a Config holding every default value
func Default() *Config {
	return &Config{
		DNSIP:             DefaultDNSIP,
		DNSPort:           DefaultDNSPort,
		ProxyPort:         DefaultProxyPort,
		HTTPPort:          DefaultHTTPPort,
		ConnectionTimeout: DefaultConnectionTimeout,
		SOCKS5Address:     DefaultSOCKS5Address,
		LogDir:            DefaultLogDir,
		Encoding:          sink.DefaultEncoding,
		AdminAddr:         DefaultAdminAddr,
	}
}

// GetConfigDir returns the configuration directory following XDG spec
func GetConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "flowtap")
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".config", "flowtap")
	}

	return ".flowtap"
}

// GetDefaultConfigPath returns the default configuration file path
func GetDefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.json")
}

// LoadConfigFile loads configuration from a JSON or YAML file, chosen by
// extension. A missing file yields an empty FileConfig.
func LoadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &FileConfig{}, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var fc FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config %s: %w", path, err)
		}
	}

	return &fc, nil
}

// MergeWithFileConfig merges file configuration with CLI configuration.
// CLI parameters take precedence over file configuration.
func (c *Config) MergeWithFileConfig(fc *FileConfig) {
	mergeString(&c.DNSIP, fc.DNSIP, DefaultDNSIP)
	mergeInt(&c.DNSPort, fc.DNSPort, DefaultDNSPort)
	mergeInt(&c.ProxyPort, fc.ProxyPort, DefaultProxyPort)
	mergeString(&c.CADir, fc.CADir, "")
	mergeBool(&c.KeepCA, fc.KeepCA)

	mergeBool(&c.EnableHTTP, fc.EnableHTTP)
	mergeInt(&c.HTTPPort, fc.HTTPPort, DefaultHTTPPort)
	mergeInt(&c.ConnectionTimeout, fc.ConnectionTimeout, DefaultConnectionTimeout)

	mergeBool(&c.SOCKS5Enabled, fc.SOCKS5Enabled)
	mergeString(&c.SOCKS5Address, fc.SOCKS5Address, DefaultSOCKS5Address)
	mergeString(&c.SOCKS5Username, fc.SOCKS5Username, "")
	mergeString(&c.SOCKS5Password, fc.SOCKS5Password, "")

	mergeString(&c.LogDir, fc.LogDir, DefaultLogDir)
	mergeString(&c.Encoding, fc.Encoding, sink.DefaultEncoding)
	mergeInt(&c.MaxBodySize, fc.MaxBodySize, 0)

	mergeString(&c.Filter, fc.Filter, "")
	mergeString(&c.FilterFile, fc.FilterFile, "")
	mergeString(&c.AdminAddr, fc.AdminAddr, DefaultAdminAddr)

	mergeBool(&c.Verbose, fc.Verbose)
	mergeBool(&c.Quiet, fc.Quiet)
	mergeString(&c.LogFile, fc.LogFile, "")
}

// ApplyEnv loads envFile (if it exists) into the environment and fills
// settings still at their defaults from FLOWTAP_* variables.
func (c *Config) ApplyEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	fc := &FileConfig{}
	var errs []string

	str := func(name string) *string {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			return &v
		}
		return nil
	}
	num := func(name string) *int {
		v := str(name)
		if v == nil {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(*v))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, name, err))
			return nil
		}
		return &n
	}
	flag := func(name string) *bool {
		v := str(name)
		if v == nil {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(*v))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, name, err))
			return nil
		}
		return &b
	}

	fc.DNSIP = str("DNS_IP")
	fc.DNSPort = num("DNS_PORT")
	fc.ProxyPort = num("PROXY_PORT")
	fc.CADir = str("CA_DIR")
	fc.KeepCA = flag("KEEP_CA")
	fc.EnableHTTP = flag("ENABLE_HTTP")
	fc.HTTPPort = num("HTTP_PORT")
	fc.ConnectionTimeout = num("CONNECTION_TIMEOUT")
	fc.SOCKS5Enabled = flag("SOCKS5_ENABLED")
	fc.SOCKS5Address = str("SOCKS5_ADDRESS")
	fc.SOCKS5Username = str("SOCKS5_USERNAME")
	fc.SOCKS5Password = str("SOCKS5_PASSWORD")
	fc.LogDir = str("LOG_DIR")
	fc.Encoding = str("ENCODING")
	fc.MaxBodySize = num("MAX_BODY_SIZE")
	fc.Filter = str("FILTER")
	fc.FilterFile = str("FILTER_FILE")
	fc.AdminAddr = str("ADMIN_ADDR")
	fc.Verbose = flag("VERBOSE")
	fc.Quiet = flag("QUIET")
	fc.LogFile = str("LOG_FILE")

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}

	c.MergeWithFileConfig(fc)
	return nil
}

// Validate checks ports, the sink encoding and the initial filter
func (c *Config) Validate() error {
	ports := []struct {
		name  string
		value int
	}{
		{"dns-port", c.DNSPort},
		{"proxy-port", c.ProxyPort},
	}
	if c.EnableHTTP {
		ports = append(ports, struct {
			name  string
			value int
		}{"http-port", c.HTTPPort})
	}
	for _, p := range ports {
		if p.value < 1 || p.value > 65535 {
			return fmt.Errorf("%s must be between 1 and 65535", p.name)
		}
	}
	if c.EnableHTTP && c.HTTPPort == c.ProxyPort {
		return fmt.Errorf("http-port cannot be the same as proxy-port")
	}

	if c.ConnectionTimeout < 0 {
		return fmt.Errorf("connection-timeout must be >= 0")
	}
	if c.MaxBodySize < 0 {
		return fmt.Errorf("max-body-size must be >= 0")
	}
	if c.SOCKS5Enabled && c.SOCKS5Address == "" {
		return fmt.Errorf("socks5-addr is required when socks5 is enabled")
	}
	if c.Quiet && c.LogFile == "" {
		return fmt.Errorf("quiet mode (-q) requires a log file (--log-file)")
	}
	if c.Filter != "" && c.FilterFile != "" {
		return fmt.Errorf("filter and filter-file are mutually exclusive")
	}

	if _, _, err := sink.LookupEncoding(c.Encoding); err != nil {
		return err
	}
	if c.Filter != "" {
		if _, err := filter.NewEngine().SetFilter(c.Filter); err != nil {
			return err
		}
	}

	return nil
}

// ConnectionTimeoutDuration returns ConnectionTimeout as a time.Duration
func (c *Config) ConnectionTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectionTimeout) * time.Second
}

func mergeString(dst *string, src *string, def string) {
	if src != nil && *dst == def {
		*dst = *src
	}
}

func mergeInt(dst *int, src *int, def int) {
	if src != nil && *dst == def {
		*dst = *src
	}
}

func mergeBool(dst *bool, src *bool) {
	if src != nil && !*dst {
		*dst = *src
	}
}
