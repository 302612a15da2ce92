package shellcache

import (
	"context"
	"net/http"
	"net/url"
	"os"

	"github.com/always-cache/shellcache/cache"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	DefaultShellURL       = "/index.html"
	DefaultVersionURL     = "/version.json"
	DefaultUpdateSchedule = "@every 24h"
)

// DefaultCoreAssets is the application shell that must be cached before a generation is ready.
var DefaultCoreAssets = []string{
	"/",
	"/index.html",
	"/manifest.json",
	"/sw-register.js",
	"/assets/icon-192x192.png",
	"/assets/icon-512x512.png",
}

// GenerationKey identifies a cache generation and the application version it belongs to.
type GenerationKey struct {
	// Name of the cache generation, e.g. `site-engineer-v1.2`.
	CacheName string `yaml:"cacheName"`
	// Application version compared against the version endpoint, e.g. `1.2.0`.
	Version string `yaml:"version"`
}

type Config struct {
	// Storage for cache generations.
	Storage cache.Storage
	// Origin the worker is scoped to. Requests to other origins are not intercepted.
	Origin url.URL
	// The generation this worker installs and activates.
	Generation GenerationKey
	// Root-relative URLs cached on install. DefaultCoreAssets if nil.
	CoreAssets []string
	// Document served for HTML requests when offline. DefaultShellURL if empty.
	ShellURL string
	// Endpoint returning `{"version": "..."}`. DefaultVersionURL if empty.
	VersionURL string
	// Client used for all network requests. A client with a 30s timeout is used if nil.
	Client *http.Client
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Shows push notifications. Push messages are dropped if nil.
	Notifier Notifier
	// Opens new page contexts on notification click.
	WindowOpener WindowOpener
	// Hook for the `sync-calculations` background sync tag.
	// The application owns the actual sync; nil means nothing to do.
	SyncCalculations func(ctx context.Context) error
}

// FileConfig is the YAML configuration read by the command.
type FileConfig struct {
	Origin         string        `yaml:"origin"`
	Generation     GenerationKey `yaml:"generation"`
	CoreAssets     []string      `yaml:"coreAssets"`
	ShellURL       string        `yaml:"shellUrl"`
	VersionURL     string        `yaml:"versionUrl"`
	UpdateSchedule string        `yaml:"updateSchedule"`
	DB             string        `yaml:"db"`
}

func LoadConfig(filename string) (FileConfig, error) {
	var config FileConfig
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}
