package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/httpseal/flowtap/internal/config"
	"github.com/httpseal/flowtap/pkg/admin"
	"github.com/httpseal/flowtap/pkg/cert"
	"github.com/httpseal/flowtap/pkg/dns"
	"github.com/httpseal/flowtap/pkg/filter"
	"github.com/httpseal/flowtap/pkg/logger"
	"github.com/httpseal/flowtap/pkg/metrics"
	"github.com/httpseal/flowtap/pkg/proxy"
	"github.com/httpseal/flowtap/pkg/recorder"
	"github.com/httpseal/flowtap/pkg/sink"
	"github.com/spf13/cobra"
)

const (
	version = "0.1.0"
)

var (
	configFile string
	envFile    string

	// Network settings
	dnsIP     string
	dnsPort   int
	proxyPort int
	caDir     string
	keepCA    bool

	enableHTTP        bool
	httpPort          int
	connectionTimeout int

	// SOCKS5 upstream
	socks5Enabled  bool
	socks5Address  string
	socks5Username string
	socks5Password string

	// Traffic logs
	logDir      string
	encoding    string
	maxBodySize int

	// Filter
	filterPattern string
	filterFile    string
	adminAddr     string

	// System log
	verbose bool
	quiet   bool
	logFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "flowtap [flags]",
		Short: "flowtap - HTTP(S) traffic tap with a live URL filter",
		Long: `flowtap intercepts HTTP(S) traffic redirected to it through its DNS server,
forwards every request to the real server and appends each request and
response to traffic_log.txt. Events whose request URL matches the current
filter regex are also appended to filtered_traffic.txt.

The filter can be changed while flowtap runs with the set_filter command.

Examples:
  # Record everything, filtered log receives everything too until a filter is set
  flowtap --log-dir ./logs

  # Start with a filter and also intercept plain HTTP
  flowtap --filter '/api/' --enable-http

  # Change the filter of a running instance
  flowtap set-filter 'example\.com/v[0-9]+/'

  # Follow a filter file, reloaded on every change
  flowtap --filter-file ./filter.txt

  # Write sinks as latin1, degraded characters are replaced
  flowtap --encoding latin1 --log-file flowtap.log`,
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runFlowtap,
	}

	flags := rootCmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "Config file, JSON or YAML (default: "+config.GetDefaultConfigPath()+")")
	flags.StringVar(&envFile, "env-file", ".env", "Environment file loaded before reading FLOWTAP_* variables")

	flags.StringVar(&dnsIP, "dns-ip", config.DefaultDNSIP, "DNS server IP address")
	flags.IntVar(&dnsPort, "dns-port", config.DefaultDNSPort, "DNS server port")
	flags.IntVar(&proxyPort, "proxy-port", config.DefaultProxyPort, "HTTPS proxy port")
	flags.StringVar(&caDir, "ca-dir", "", "Certificate authority directory (default: auto-generated temp dir)")
	flags.BoolVar(&keepCA, "keep-ca", false, "Keep the temporary CA directory after exit")

	flags.BoolVar(&enableHTTP, "enable-http", false, "Also intercept plain HTTP traffic")
	flags.IntVar(&httpPort, "http-port", config.DefaultHTTPPort, "HTTP proxy port")
	flags.IntVar(&connectionTimeout, "connection-timeout", config.DefaultConnectionTimeout, "Client connection idle timeout in seconds (0 disables)")

	flags.BoolVar(&socks5Enabled, "socks5", false, "Dial upstream servers through a SOCKS5 proxy")
	flags.StringVar(&socks5Address, "socks5-addr", config.DefaultSOCKS5Address, "SOCKS5 proxy address")
	flags.StringVar(&socks5Username, "socks5-user", "", "SOCKS5 username")
	flags.StringVar(&socks5Password, "socks5-pass", "", "SOCKS5 password")

	flags.StringVar(&logDir, "log-dir", config.DefaultLogDir, "Directory holding traffic_log.txt and filtered_traffic.txt")
	flags.StringVar(&encoding, "encoding", sink.DefaultEncoding, "Text encoding of the traffic logs (WHATWG label)")
	flags.IntVar(&maxBodySize, "max-body-size", 0, "Maximum body size to record (bytes, 0=unlimited)")

	flags.StringVar(&filterPattern, "filter", "", "Initial URL filter regex")
	flags.StringVar(&filterFile, "filter-file", "", "File holding the URL filter regex, reloaded on change")
	flags.StringVar(&adminAddr, "admin-addr", config.DefaultAdminAddr, "Admin server address (empty disables)")

	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	flags.BoolVarP(&quiet, "quiet", "q", false, "Suppress console output (requires --log-file)")
	flags.StringVar(&logFile, "log-file", "", "Write system logs to a rotated file")

	rootCmd.AddCommand(newSetFilterCommand(), newGetFilterCommand())
	return rootCmd
}

func newSetFilterCommand() *cobra.Command {
	var addr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "set-filter <pattern>",
		Short: "Replace the URL filter of a running flowtap",
		Long: `set-filter sends the set_filter command to a running flowtap and prints
the result. An invalid pattern leaves the current filter unchanged.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			msg, err := admin.NewClient(addr).SetFilter(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "admin-addr", config.DefaultAdminAddr, "Admin server address of the running flowtap")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")
	return cmd
}

func newGetFilterCommand() *cobra.Command {
	var addr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:          "get-filter",
		Short:        "Print the URL filter of a running flowtap",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			current, err := admin.NewClient(addr).Filter(ctx)
			if err != nil {
				return err
			}
			if !current.Active {
				fmt.Fprintln(cmd.OutOrStdout(), "No filter set, every URL matches")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), current.Pattern)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "admin-addr", config.DefaultAdminAddr, "Admin server address of the running flowtap")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")
	return cmd
}

// loadConfig builds the effective configuration: flags, then config file, then environment
func loadConfig() (*config.Config, error) {
	cfg := &config.Config{
		DNSIP:     dnsIP,
		DNSPort:   dnsPort,
		ProxyPort: proxyPort,
		CADir:     caDir,
		KeepCA:    keepCA,

		EnableHTTP:        enableHTTP,
		HTTPPort:          httpPort,
		ConnectionTimeout: connectionTimeout,

		SOCKS5Enabled:  socks5Enabled,
		SOCKS5Address:  socks5Address,
		SOCKS5Username: socks5Username,
		SOCKS5Password: socks5Password,

		LogDir:      logDir,
		Encoding:    encoding,
		MaxBodySize: maxBodySize,

		Filter:     filterPattern,
		FilterFile: filterFile,
		AdminAddr:  adminAddr,

		Verbose: verbose,
		Quiet:   quiet,
		LogFile: logFile,
	}

	path := configFile
	if path == "" {
		path = config.GetDefaultConfigPath()
	}
	fc, err := config.LoadConfigFile(path)
	if err != nil {
		return nil, err
	}
	cfg.MergeWithFileConfig(fc)

	if err := cfg.ApplyEnv(envFile); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runFlowtap(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := logger.NewWithOptions(logger.Options{
		Verbose: cfg.Verbose,
		Quiet:   cfg.Quiet,
		File:    cfg.LogFile,
	})
	defer log.Close()

	log.Info("Starting flowtap v%s", version)

	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	// Determine CA directory (use temp dir if not specified)
	effectiveCADir := cfg.CADir
	if effectiveCADir == "" {
		tempDir, err := os.MkdirTemp("", cert.TempDirPattern)
		if err != nil {
			return fmt.Errorf("failed to create temporary CA directory: %w", err)
		}
		effectiveCADir = tempDir
	}

	ca, err := cert.LoadOrCreate(effectiveCADir)
	if err != nil {
		return fmt.Errorf("failed to initialize CA: %w", err)
	}
	defer func() {
		if cfg.KeepCA {
			log.Info("Keeping CA directory: %s", effectiveCADir)
			return
		}
		if err := ca.Cleanup(); err != nil {
			log.Error("Failed to cleanup CA directory: %v", err)
		}
	}()
	log.Info("Clients must trust the CA certificate at %s", ca.CertPath())

	collector := metrics.NewCollector()
	engine := filter.NewEngine()

	writer, err := sink.NewWriter(cfg.Encoding, log, collector)
	if err != nil {
		return err
	}

	rec := recorder.New(recorder.Options{
		LogDir:      cfg.LogDir,
		MaxBodySize: cfg.MaxBodySize,
	}, engine, writer, log, collector)
	rec.OnLoad()

	if cfg.Filter != "" {
		rec.SetFilter(cfg.Filter)
	}

	dnsServer := dns.NewServer(cfg.DNSIP, cfg.DNSPort, log)

	opts := proxy.Options{
		HTTPSPort:         cfg.ProxyPort,
		ConnectionTimeout: cfg.ConnectionTimeoutDuration(),
		UpstreamTLS:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
	if cfg.EnableHTTP {
		opts.HTTPPort = cfg.HTTPPort
	}
	if cfg.SOCKS5Enabled {
		opts.SOCKS5Address = cfg.SOCKS5Address
		opts.SOCKS5Username = cfg.SOCKS5Username
		opts.SOCKS5Password = cfg.SOCKS5Password
		log.Info("Dialing upstream servers through SOCKS5 proxy %s", cfg.SOCKS5Address)
	}

	proxyServer, err := proxy.NewServer(opts, ca, dnsServer, rec, log)
	if err != nil {
		return err
	}

	// Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := dnsServer.Start(); err != nil {
		return fmt.Errorf("failed to start DNS server: %w", err)
	}
	defer dnsServer.Stop()

	if err := proxyServer.Start(); err != nil {
		return fmt.Errorf("failed to start proxy: %w", err)
	}
	defer proxyServer.Stop()

	if cfg.AdminAddr != "" {
		adminServer := admin.NewServer(cfg.AdminAddr, rec, collector.Handler(), log)
		if err := adminServer.Start(); err != nil {
			return fmt.Errorf("failed to start admin server: %w", err)
		}
		defer adminServer.Stop()
		log.Info("Admin server on http://%s (POST /commands/set_filter)", adminServer.Addr())
	}

	if cfg.FilterFile != "" {
		watcher, err := filter.NewWatcher(cfg.FilterFile, log)
		if err != nil {
			return err
		}
		go func() {
			if err := watcher.Watch(ctx, func(pattern string) { rec.SetFilter(pattern) }); err != nil {
				log.Error("Filter file watcher stopped: %v", err)
			}
		}()
	}

	if cfg.EnableHTTP {
		log.Info("Listening on 0.0.0.0:%d (HTTPS), 0.0.0.0:%d (HTTP), DNS on %s:%d", cfg.ProxyPort, cfg.HTTPPort, cfg.DNSIP, cfg.DNSPort)
	} else {
		log.Info("Listening on 0.0.0.0:%d (HTTPS), DNS on %s:%d", cfg.ProxyPort, cfg.DNSIP, cfg.DNSPort)
	}
	log.Info("Recording to %s and %s (%s)", sink.Complete(cfg.LogDir).Path, sink.Filtered(cfg.LogDir).Path, writer.Encoding())

	<-ctx.Done()
	log.Info("Shutting down after %d requests...", rec.Sequence())
	return nil
}
