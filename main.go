package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/crypto/acme/autocert"
	"gopkg.in/yaml.v3"

	"oidclogin/client"
	"oidclogin/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("OIDCLOGIN_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *configCmd != "" {
		configFile := *configPath
		if configFile == "" {
			configFile = "./config.yaml"
		}

		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, logger); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized successfully", "path", configFile)
			return
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	args := flag.Args()
	command := ""
	if len(args) > 0 && args[0] == "connect" {
		command = "connect"
		args = args[1:]
	}

	configFile := *configPath
	explicit := configFile != ""
	if configFile == "" && command == "" && len(args) > 0 {
		configFile = args[0]
		explicit = true
	}
	if configFile == "" {
		configFile = "./config.yaml"
	}

	cfg, err := loadConfig(configFile, explicit, logger)
	if err != nil {
		var cfgErr *client.ConfigurationError
		if errors.As(err, &cfgErr) {
			log.Fatalf("configuration error: %v. Set SENDSEVEN_CLIENT_ID and SENDSEVEN_CLIENT_SECRET or run with -config-cmd=init", err)
		}
		log.Fatalf("load config: %v", err)
	}

	if command == "connect" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := runConnect(ctx, cfg, logger, nil); err != nil {
			logger.Error("provider connectivity failed", "api_base_url", cfg.OAuth.APIBaseURL, "error", err)
			os.Exit(1)
		}
		logger.Info("provider connectivity succeeded", "api_base_url", cfg.OAuth.APIBaseURL)
		return
	}

	logger.Info("configuration loaded", cfg.Summary()...)

	probeCtx, cancelProbe := context.WithTimeout(context.Background(), 10*time.Second)
	validateStartupURLs(probeCtx, cfg, logger)
	cancelProbe()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init app: %v", err)
	}
	defer application.Close()

	handler := application.Routes()

	var shutdownFns []func(context.Context) error

	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:         cfg.Server.DevListenAddr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "dev", "addr", cfg.Server.DevListenAddr, "login_url", strings.TrimSuffix(cfg.Server.PublicURL, "/")+"/login")
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "error", err)
			}
		}()
	} else {
		tlsCachePath := filepath.Join(cfg.Server.SecretsPath, "tls")

		m := &autocert.Manager{
			Cache:      autocert.DirCache(tlsCachePath),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		tlsCfg := &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tlsMinVersion(cfg.Server.TLS.MinVersion),
		}

		httpRedirect := &http.Server{
			Addr:              cfg.Server.HTTPListenAddr,
			Handler:           m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http redirect error", "error", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:         cfg.Server.HTTPSListenAddr,
			Handler:      handler,
			TLSConfig:    tlsCfg,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "prod", "addr", cfg.Server.HTTPSListenAddr, "domains", cfg.Server.TLS.Domains)
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("https server error", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func tlsMinVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// runConnect checks that the configured provider is reachable and usable:
// discovery is fetched through go-oidc, a real authorization URL is built
// and followed until the provider either renders a page or sends the browser
// back to the redirect URI.
func runConnect(ctx context.Context, cfg server.Config, logger *slog.Logger, httpClient *http.Client) error {
	cc := cfg.ClientConfig()
	if err := cc.Validate(); err != nil {
		return err
	}

	hc := httpClient
	if hc == nil {
		hc = cc.NewHTTPClient()
	}

	cache := client.NewMetadataCache(client.MetadataCacheConfig{
		APIBaseURL: cc.APIBaseURL,
		HTTPClient: hc,
		Logger:     logger,
	})
	meta, err := cache.Metadata(ctx)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}

	oidcCtx := oidc.ClientContext(ctx, hc)
	if meta.Issuer != cc.BaseURL() {
		logger.Warn("connect.issuer_differs", "issuer", meta.Issuer, "api_base_url", cc.BaseURL())
		oidcCtx = oidc.InsecureIssuerURLContext(oidcCtx, meta.Issuer)
	}
	provider, err := oidc.NewProvider(oidcCtx, cc.BaseURL())
	if err != nil {
		return fmt.Errorf("oidc discovery: %w", err)
	}
	tokens := client.NewTokenClient(cc, hc, logger)
	endpoint := provider.Endpoint()
	if endpoint.AuthURL != cc.BaseURL()+client.AuthorizePath || endpoint.TokenURL != cc.BaseURL()+client.TokenPath {
		logger.Warn("connect.endpoints_differ",
			"advertised_authorize", endpoint.AuthURL,
			"advertised_token", endpoint.TokenURL,
			"note", "the client uses endpoints derived from api_base_url")
	}
	logger.Info("connect.discovery", "issuer", meta.Issuer, "jwks_uri", meta.JWKSURI, "userinfo", provider.UserInfoEndpoint())

	state, err := client.GenerateState()
	if err != nil {
		return err
	}
	nonce, err := client.GenerateNonce()
	if err != nil {
		return err
	}
	pkce, err := client.NewPKCE()
	if err != nil {
		return err
	}
	authURL := tokens.AuthCodeURL(state, nonce, pkce.Challenge)
	logger.Info("connect.start", "auth_url", authURL)
	logger.Info("connect.instructions", "message", "Open auth_url in a browser to perform interactive login if needed", "auth_url", authURL)

	follower := &http.Client{
		Timeout:   hc.Timeout,
		Transport: hc.Transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			logger.Info("connect.redirect", "step", len(via)+1, "url", redactQuery(req.URL))
			if sameEndpoint(req.URL, cc.RedirectURI) {
				return http.ErrUseLastResponse
			}
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects (%d)", len(via))
			}
			return nil
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return fmt.Errorf("create authorize request: %w", err)
	}
	resp, err := follower.Do(req)
	if err != nil {
		return fmt.Errorf("call authorize endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	logger.Info("connect.result", "status", resp.StatusCode, "effective_url", redactQuery(resp.Request.URL))

	switch {
	case resp.StatusCode >= 400:
		return fmt.Errorf("provider returned %s for %s", resp.Status, redactQuery(resp.Request.URL))
	case resp.StatusCode >= 300:
		loc, _ := resp.Location()
		if loc == nil || !sameEndpoint(loc, cc.RedirectURI) {
			return fmt.Errorf("unexpected additional redirect (status %d)", resp.StatusCode)
		}
		if e := loc.Query().Get("error"); e != "" {
			return fmt.Errorf("provider rejected the authorization request: %s", e)
		}
		if loc.Query().Get("state") != state {
			return errors.New("provider returned a mismatched state")
		}
		logger.Info("connect.success", "message", "Provider issued an authorization code without interaction")
		return nil
	}

	logger.Info("connect.success", "message", "Reached provider login endpoint")
	return nil
}

func sameEndpoint(u *url.URL, redirectURI string) bool {
	r, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, r.Scheme) && strings.EqualFold(u.Host, r.Host) && u.Path == r.Path
}

// redactQuery drops query strings, which may carry codes or state.
func redactQuery(u *url.URL) string {
	if u == nil {
		return ""
	}
	c := *u
	c.RawQuery = ""
	return c.String()
}

func loadConfig(path string, explicit bool, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("stat config: %w", err)
		}
		if explicit {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		logger.Debug("no config file, using defaults and environment", "path", path)
		return server.LoadConfig("")
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	_, err := runSetup(path, os.Stdin, logger)
	return err
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("effective configuration", cfg.Summary()...)
	logger.Info("validating configuration URLs...")

	discovery := cfg.ClientConfig().BaseURL() + client.DiscoveryPath
	if err := validateURL(ctx, discovery, logger); err != nil {
		logger.Error("discovery URL validation failed", "url", discovery, "error", err)
	} else {
		logger.Info("discovery URL is accessible", "url", discovery)
	}

	logger.Info("configuration validation complete")
	return nil
}

func validateStartupURLs(ctx context.Context, cfg server.Config, logger *slog.Logger) {
	discovery := cfg.ClientConfig().BaseURL() + client.DiscoveryPath
	if err := validateURL(ctx, discovery, logger); err != nil {
		logger.Warn("provider URL may not be accessible",
			"url", discovery,
			"error", err,
			"note", "server will continue but authentication may fail")
		return
	}
	logger.Info("provider URL is accessible", "url", discovery)
}

func validateURL(ctx context.Context, urlStr string, logger *slog.Logger) error {
	hc := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	logger.Debug("probed url", "url", urlStr, "status", resp.StatusCode)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	return nil
}

func runSetup(path string, in io.Reader, logger *slog.Logger) (server.Config, error) {
	reader := bufio.NewReader(in)
	fmt.Printf("No configuration file found at %s.\n", path)
	fmt.Println("Starting guided setup for the SendSeven login demo. Press Enter to accept defaults.")

	cfg := server.DefaultConfig()

	devMode := askYesNo(reader, "Run in development mode?", true)
	cfg.Server.DevMode = devMode

	if devMode {
		public := strings.TrimSuffix(ask(reader, "Public URL", cfg.Server.PublicURL), "/")
		if public != "" {
			cfg.Server.PublicURL = public
		}
		cfg.Server.DevListenAddr = ask(reader, "Dev listen address", cfg.Server.DevListenAddr)
	} else {
		domain := askRequired(reader, "Primary public domain (e.g. login.example.com)")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.PublicURL = "https://" + strings.TrimSuffix(domain, "/")
		cfg.Server.TLS.Email = ask(reader, "ACME contact email", cfg.Server.TLS.Email)
		cfg.Server.HTTPListenAddr = ":80"
		cfg.Server.HTTPSListenAddr = ":443"
	}

	cfg.OAuth.ClientID = askRequired(reader, "SendSeven OAuth client ID")
	cfg.OAuth.ClientSecret = askRequired(reader, "SendSeven OAuth client secret")
	cfg.OAuth.APIBaseURL = strings.TrimSuffix(ask(reader, "SendSeven API base URL", cfg.OAuth.APIBaseURL), "/")
	cfg.OAuth.RedirectURI = ask(reader, "Redirect URI", cfg.Server.PublicURL+"/callback")
	cfg.OAuth.Scopes = normalizeList(ask(reader, "Scopes (comma separated)", strings.Join(cfg.OAuth.Scopes, ",")), cfg.OAuth.Scopes)
	cfg.Webhook.Secret = ask(reader, "Webhook signing secret (blank to disable webhooks)", "")

	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration created", "path", path)

	return server.LoadConfig(path)
}

func ask(reader *bufio.Reader, prompt, def string) string {
	if def != "" {
		fmt.Printf("%s [%s]: ", prompt, def)
	} else {
		fmt.Printf("%s: ", prompt)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func askRequired(reader *bufio.Reader, prompt string) string {
	for {
		fmt.Printf("%s: ", prompt)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if input != "" {
			return input
		}
		if err != nil {
			return ""
		}
		fmt.Println("This value is required. Please enter a value.")
	}
}

func askYesNo(reader *bufio.Reader, prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Printf("%s [%s]: ", prompt, defLabel)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input == "" {
			return def
		}
		switch input {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		default:
			if err != nil {
				return def
			}
			fmt.Println("Please enter 'y' or 'n'.")
		}
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

func normalizeList(input string, fallback []string) []string {
	if strings.TrimSpace(input) == "" {
		return fallback
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
