package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
)

// Mount holds the per-mount settings the file-serving engine consults.
type Mount struct {
	// MaxListeners caps concurrent listeners: 0 refuses all joins, a
	// negative value means unlimited.
	MaxListeners int `yaml:"max_listeners"`
	// Auth selects the duplicate-login policy for the mount.
	Auth string `yaml:"auth"`
	// Fallback is the file played in a loop when the mount has no source.
	Fallback string `yaml:"fallback"`
	// FallbackBitrate is the nominal rate of the fallback in bytes/sec.
	FallbackBitrate int64 `yaml:"fallback_bitrate"`
	// AccessLog enables an access-log line when a listener leaves.
	AccessLog bool `yaml:"access_log"`
}

type Config struct {
	Port        string
	Webroot     string
	AdminRoot   string
	StationName string
	Workers     int

	// MimeTypesFile points at a plain-text TYPE EXT [EXT...] map; empty
	// uses the built-in defaults only.
	MimeTypesFile string
	// Fileserve enables serving of on-demand files from the webroot.
	Fileserve bool
	// FileserveRedirect enables redirecting requests for missing files to a
	// configured peer.
	FileserveRedirect bool
	// RedirectPeer is the base URL missing-file requests redirect to.
	RedirectPeer string

	// MaxBandwidth is the server-wide outgoing byte rate above which
	// senders back off; 0 disables the global throttle.
	MaxBandwidth int64

	AdminUser     string
	AdminPassword string

	Mounts map[string]*Mount
}

// mountsFile is the YAML shape of the optional config file. Env vars cannot
// express per-mount maps, so those live here. max_listeners is a pointer so
// an omitted key reads as unlimited rather than refuse-all.
type mountYAML struct {
	MaxListeners    *int   `yaml:"max_listeners"`
	Auth            string `yaml:"auth"`
	Fallback        string `yaml:"fallback"`
	FallbackBitrate int64  `yaml:"fallback_bitrate"`
	AccessLog       bool   `yaml:"access_log"`
}

type mountsFile struct {
	MimeTypesFile     string                `yaml:"mimetypes_fn"`
	Fileserve         *bool                 `yaml:"fileserve"`
	FileserveRedirect *bool                 `yaml:"fileserve_redirect"`
	RedirectPeer      string                `yaml:"redirect_peer"`
	MaxBandwidth      int64                 `yaml:"max_bandwidth"`
	Mounts            map[string]*mountYAML `yaml:"mounts"`
}

// Load builds the configuration from the environment, overlaying the YAML
// file named by CONFIG_FILE when present.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              getEnv("PORT", "8000"),
		Webroot:           getEnv("WEBROOT", "./webroot"),
		AdminRoot:         getEnv("ADMIN_ROOT", "./admin"),
		StationName:       getEnv("STATION_NAME", "Icecast"),
		Workers:           getEnvAsInt("WORKERS", 2),
		MimeTypesFile:     getEnv("MIMETYPES_FN", ""),
		Fileserve:         getEnvAsBool("FILESERVE", true),
		FileserveRedirect: getEnvAsBool("FILESERVE_REDIRECT", true),
		RedirectPeer:      getEnv("REDIRECT_PEER", ""),
		MaxBandwidth:      int64(getEnvAsInt("MAX_BANDWIDTH", 0)),
		AdminUser:         getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:     getEnv("ADMIN_PASSWORD", "hackme"),
		Mounts:            make(map[string]*Mount),
	}

	path := getEnv("CONFIG_FILE", "")
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := cfg.applyFile(data); err != nil {
		return nil, fmt.Errorf("parse config file %q: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyFile(data []byte) error {
	var mf mountsFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return err
	}
	if mf.MimeTypesFile != "" {
		c.MimeTypesFile = mf.MimeTypesFile
	}
	if mf.Fileserve != nil {
		c.Fileserve = *mf.Fileserve
	}
	if mf.FileserveRedirect != nil {
		c.FileserveRedirect = *mf.FileserveRedirect
	}
	if mf.RedirectPeer != "" {
		c.RedirectPeer = mf.RedirectPeer
	}
	if mf.MaxBandwidth != 0 {
		c.MaxBandwidth = mf.MaxBandwidth
	}
	for name, my := range mf.Mounts {
		if !strings.HasPrefix(name, "/") {
			name = "/" + name
		}
		m := &Mount{
			MaxListeners:    -1,
			Auth:            my.Auth,
			Fallback:        my.Fallback,
			FallbackBitrate: my.FallbackBitrate,
			AccessLog:       my.AccessLog,
		}
		if my.MaxListeners != nil {
			m.MaxListeners = *my.MaxListeners
		}
		c.Mounts[name] = m
	}
	return nil
}

// FindMount returns the settings for a mount, or nil when none are
// configured. The fallback-/file- lookup prefixes used by the engine's cache
// keys are stripped first.
func (c *Config) FindMount(name string) *Mount {
	name = strings.TrimPrefix(name, "fallback-")
	name = strings.TrimPrefix(name, "file-")
	return c.Mounts[name]
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(name string, defaultVal int) int {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.Atoi(valueStr); err == nil {
			return value
		}
	}
	return defaultVal
}

func getEnvAsBool(name string, defaultVal bool) bool {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.ParseBool(valueStr); err == nil {
			return value
		}
	}
	return defaultVal
}
