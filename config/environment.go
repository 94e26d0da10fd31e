package config

import (
	"os"
	"strings"
)

const (
	appEnvVar              = "APP_ENV"
	environmentDevelopment = "development"
	environmentProduction  = "production"
	environmentStaging     = "staging"
)

var environmentAliases = map[string]string{
	"prod":    environmentProduction,
	"stag":    environmentStaging,
	"staging": environmentStaging,
	"dev":     environmentDevelopment,
	"testnet": environmentDevelopment,
}

const (
	defaultBybitURL        = "wss://stream.bybit.com/v5/public/linear"
	defaultBybitSandboxURL = "wss://stream-testnet.bybit.com/v5/public/linear"
)

// getAppEnvironment reads the application environment from APP_ENV and
// defaults to development when no value is provided.
func getAppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return environmentDevelopment
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// resolveBybitURL selects the exchange endpoint for the current environment.
// Production uses the mainnet stream; every other environment falls back to
// the sandbox stream so development runs never touch live market data.
func resolveBybitURL(cfg *BybitConfig) string {
	url := cfg.URL
	if url == "" {
		url = defaultBybitURL
	}
	sandbox := cfg.SandboxURL
	if sandbox == "" {
		sandbox = defaultBybitSandboxURL
	}

	if getAppEnvironment() == environmentProduction {
		return url
	}
	return sandbox
}

// BybitEndpoint exposes the environment-resolved stream URL for the
// exchange link.
func (c *Config) BybitEndpoint() string {
	return resolveBybitURL(&c.Exchange.Bybit)
}
