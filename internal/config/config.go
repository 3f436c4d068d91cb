// Package config loads and validates croxy's TOML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Provider is a named upstream endpoint with a fixed header-rewrite policy.
type Provider struct {
	Name            string
	URL             string
	StripAuth       bool
	APIKey          string
	StubCountTokens bool
}

// RouteKind classifies a route by which optional fields it carries, decided
// once at startup instead of re-checking optionality on every request.
type RouteKind int

const (
	// RoutePattern routes match purely on a compiled regex against the model name.
	RoutePattern RouteKind = iota
	// RouteAuto routes carry only a description and participate in classification.
	RouteAuto
	// RouteBoth routes carry both a pattern and a description.
	RouteBoth
)

// Route is one routing candidate as declared in [[routes]].
type Route struct {
	Name         string
	Pattern      string
	Description  string
	Provider     string
	ModelRewrite string
	Kind         RouteKind
}

// AutoRouter configures the optional LLM-based classifier.
type AutoRouter struct {
	Enabled   bool
	URL       string
	Model     string
	TimeoutMs int
}

// ServerConfig configures the HTTP front door's bind address and body cap.
type ServerConfig struct {
	Host        string
	Port        int
	MaxBodySize int64
}

// RetentionConfig configures the metrics store's background eviction task.
type RetentionConfig struct {
	Enabled bool
	Minutes int
}

// LoggingMetricsConfig configures the rotating JSONL metrics log writer.
type LoggingMetricsConfig struct {
	Enabled   bool
	Path      string
	MaxSizeMB int
	MaxFiles  int
}

// Default holds the fallback provider used when no route matches.
type Default struct {
	Provider string
}

// Config is the typed, read-only view of parsed configuration consumed by
// every other component.
type Config struct {
	Server         ServerConfig
	Retention      RetentionConfig
	LoggingMetrics LoggingMetricsConfig
	Providers      map[string]Provider
	Routes         []Route
	AutoRouter     AutoRouter
	Default        Default
}

// DefaultConfigPath returns ~/.config/croxy/config.toml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".config", "croxy", "config.toml")
}

// expandHome replaces a leading "~" with the user's home directory.
func expandHome(p string) string {
	if !strings.HasPrefix(p, "~") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// Load reads the TOML file at path (or the default path if empty), layers
// CROXY_<SECTION>_<KEY> environment overrides on top, and validates the
// result. It fails the process (via a returned error) on any invariant
// violation listed in spec.md §4.1.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	path = expandHome(path)

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 3100)
	v.SetDefault("server.max_body_size", 10*1024*1024)
	v.SetDefault("retention.enabled", true)
	v.SetDefault("retention.minutes", 60)
	v.SetDefault("logging.metrics.enabled", false)
	v.SetDefault("logging.metrics.path", "~/.config/croxy/logs/metrics.jsonl")
	v.SetDefault("logging.metrics.max_size_mb", 50)
	v.SetDefault("logging.metrics.max_files", 5)
	v.SetDefault("auto_router.enabled", false)
	v.SetDefault("auto_router.timeout_ms", 2000)

	v.SetEnvPrefix("CROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:        v.GetString("server.host"),
			Port:        v.GetInt("server.port"),
			MaxBodySize: v.GetInt64("server.max_body_size"),
		},
		Retention: RetentionConfig{
			Enabled: v.GetBool("retention.enabled"),
			Minutes: v.GetInt("retention.minutes"),
		},
		LoggingMetrics: LoggingMetricsConfig{
			Enabled:   v.GetBool("logging.metrics.enabled"),
			Path:      expandHome(v.GetString("logging.metrics.path")),
			MaxSizeMB: v.GetInt("logging.metrics.max_size_mb"),
			MaxFiles:  v.GetInt("logging.metrics.max_files"),
		},
		AutoRouter: AutoRouter{
			Enabled:   v.GetBool("auto_router.enabled"),
			URL:       v.GetString("auto_router.url"),
			Model:     v.GetString("auto_router.model"),
			TimeoutMs: v.GetInt("auto_router.timeout_ms"),
		},
		Default: Default{
			Provider: v.GetString("default.provider"),
		},
		Providers: map[string]Provider{},
	}

	providersRaw := v.GetStringMap("provider")
	for name := range providersRaw {
		sub := v.Sub("provider." + name)
		if sub == nil {
			continue
		}
		cfg.Providers[name] = Provider{
			Name:            name,
			URL:             sub.GetString("url"),
			StripAuth:       sub.GetBool("strip_auth"),
			APIKey:          sub.GetString("api_key"),
			StubCountTokens: sub.GetBool("stub_count_tokens"),
		}
	}

	var rawRoutes []map[string]interface{}
	if err := v.UnmarshalKey("routes", &rawRoutes); err != nil {
		return nil, fmt.Errorf("config: parse routes: %w", err)
	}
	for _, rr := range rawRoutes {
		route := Route{}
		if s, ok := rr["name"].(string); ok {
			route.Name = s
		}
		if s, ok := rr["pattern"].(string); ok {
			route.Pattern = s
		}
		if s, ok := rr["description"].(string); ok {
			route.Description = s
		}
		if s, ok := rr["provider"].(string); ok {
			route.Provider = s
		}
		if s, ok := rr["model"].(string); ok {
			route.ModelRewrite = s
		}
		switch {
		case route.Pattern != "" && route.Description != "":
			route.Kind = RouteBoth
		case route.Description != "":
			route.Kind = RouteAuto
		default:
			route.Kind = RoutePattern
		}
		cfg.Routes = append(cfg.Routes, route)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate runs every startup-validation rule from spec.md §4.1. Any
// violation aborts process startup per spec.md §6 exit codes.
func Validate(cfg *Config) error {
	seenNames := map[string]bool{}
	hasDescription := false

	for i, r := range cfg.Routes {
		if r.Description != "" && r.Name == "" {
			return fmt.Errorf("config: route %d has description but no name", i)
		}
		if r.Pattern == "" && r.Description == "" {
			return fmt.Errorf("config: route %d has neither pattern nor description", i)
		}
		if r.Name != "" {
			if seenNames[r.Name] {
				return fmt.Errorf("config: duplicate route name %q", r.Name)
			}
			seenNames[r.Name] = true
		}
		if r.Provider == "" {
			return fmt.Errorf("config: route %d missing provider", i)
		}
		if _, ok := cfg.Providers[r.Provider]; !ok {
			return fmt.Errorf("config: route %d references undeclared provider %q", i, r.Provider)
		}
		if r.Description != "" {
			hasDescription = true
		}
	}

	for name, p := range cfg.Providers {
		if p.URL == "" {
			return fmt.Errorf("config: provider %q missing url", name)
		}
		if _, err := url.ParseRequestURI(p.URL); err != nil {
			return fmt.Errorf("config: provider %q has invalid url: %w", name, err)
		}
	}

	if cfg.AutoRouter.Enabled {
		if cfg.AutoRouter.URL == "" || cfg.AutoRouter.Model == "" {
			return fmt.Errorf("config: auto_router enabled but url or model empty")
		}
		if cfg.AutoRouter.TimeoutMs <= 0 {
			return fmt.Errorf("config: auto_router.timeout_ms must be positive")
		}
		if !hasDescription {
			// Non-fatal: warn and continue, per spec.md §4.1.
			fmt.Fprintf(os.Stderr, "croxy: warning: auto_router enabled but no route carries a description\n")
		}
	}

	if cfg.Default.Provider == "" {
		return fmt.Errorf("config: [default].provider is required")
	}
	if _, ok := cfg.Providers[cfg.Default.Provider]; !ok {
		return fmt.Errorf("config: [default].provider references undeclared provider %q", cfg.Default.Provider)
	}

	return nil
}
