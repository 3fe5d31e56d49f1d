package config

import (
	"encoding/json"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"
)

// Config holds all configuration for the A2AGate control plane.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Platform  PlatformConfig
	Gateway   GatewayConfig
	LLM       LLMConfig
}

// LLMConfig holds the fallback provider endpoints and credentials the
// proxy uses for models absent from the model registry.
type LLMConfig struct {
	GoogleEndpoint    string
	GoogleAPIKey      string
	OpenAIEndpoint    string
	OpenAIAPIKey      string
	AnthropicEndpoint string
	AnthropicAPIKey   string
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// PlatformConfig carries the identity the platform stamps onto Agent Cards
// and networking details of the deployment environment.
type PlatformConfig struct {
	// BaseURL is the public address of the platform, used to rewrite
	// Agent Card URLs to the platform-hosted A2A path.
	BaseURL string

	// ProviderOrg and ProviderURL are injected into every served card.
	ProviderOrg string
	ProviderURL string

	// ContainerHostAlias replaces localhost/127.0.0.1 in agent endpoints
	// when the process runs inside a container. Empty disables rewriting.
	ContainerHostAlias string
}

// GatewayRoute is one entry of the gateway routing table.
type GatewayRoute struct {
	Prefix      string `json:"prefix"`
	UpstreamURL string `json:"upstream_url"`
	StripPrefix bool   `json:"strip_prefix"`
	WebSocket   bool   `json:"websocket,omitempty"`
}

// GatewayConfig is the API gateway routing table. The WebSocket subtree
// is configured with the same entries flagged websocket=true and shares
// the longest-prefix semantics.
type GatewayConfig struct {
	Routes []GatewayRoute
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("A2AGATE_PORT", 8080),
		Version: envStr("A2AGATE_VERSION", "0.4.0"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "a2agate"),
		},
		Platform: PlatformConfig{
			BaseURL:            envStr("A2AGATE_BASE_URL", "http://localhost:8080"),
			ProviderOrg:        envStr("A2AGATE_PROVIDER_ORG", "A2AGate"),
			ProviderURL:        envStr("A2AGATE_PROVIDER_URL", "https://a2agate.dev"),
			ContainerHostAlias: envStr("A2AGATE_CONTAINER_HOST", detectContainerHost()),
		},
		Gateway: GatewayConfig{
			Routes: envRoutes("A2AGATE_GATEWAY_ROUTES"),
		},
		LLM: LLMConfig{
			GoogleEndpoint:    envStr("LLM_GOOGLE_ENDPOINT", "https://generativelanguage.googleapis.com"),
			GoogleAPIKey:      envStr("GOOGLE_API_KEY", ""),
			OpenAIEndpoint:    envStr("LLM_OPENAI_ENDPOINT", "https://api.openai.com"),
			OpenAIAPIKey:      envStr("OPENAI_API_KEY", ""),
			AnthropicEndpoint: envStr("LLM_ANTHROPIC_ENDPOINT", "https://api.anthropic.com"),
			AnthropicAPIKey:   envStr("ANTHROPIC_API_KEY", ""),
		},
	}
}

// detectContainerHost returns the docker host alias when the process runs
// inside a container, empty otherwise.
func detectContainerHost() string {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return "host.docker.internal"
	}
	return ""
}

// envRoutes parses the gateway routing table from a JSON array, e.g.
// [{"prefix":"/api/admin","upstream_url":"http://admin:9000","strip_prefix":true}].
func envRoutes(key string) []GatewayRoute {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var routes []GatewayRoute
	if err := json.Unmarshal([]byte(raw), &routes); err != nil {
		log.Warn().Err(err).Str("var", key).Msg("Invalid gateway route table, ignoring")
		return nil
	}
	return routes
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
