package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

const (
	defaultListenAddr        = ":8080"
	defaultFunctionName      = "BlobTrigger"
	defaultDBDriver          = DriverSQLite
	defaultDBDSN             = "pipetrigger.db"
	defaultProfilesPath      = "profiles.yaml"
	defaultPlatform          = PlatformAzureML
	defaultInvocationTimeout = 2 * time.Hour
	defaultPollInitial       = 5 * time.Second
	defaultPollMax           = time.Minute

	envListenAddr        = "PIPETRIGGER_LISTEN_ADDR"
	envCustomHandlerPort = "FUNCTIONS_CUSTOMHANDLER_PORT"
	envFunctionName      = "PIPETRIGGER_FUNCTION_NAME"
	envDBDriver          = "PIPETRIGGER_DB_DRIVER"
	envDBDSN             = "PIPETRIGGER_DB_DSN"
	envLogLevel          = "PIPETRIGGER_LOG_LEVEL"
	envProfilesPath      = "PIPETRIGGER_PROFILES"
	envSecretsDir        = "PIPETRIGGER_SECRETS_DIR"
	envPlatform          = "PIPETRIGGER_PLATFORM"
	envInvocationTimeout = "PIPETRIGGER_INVOCATION_TIMEOUT"
	envPollInitial       = "PIPETRIGGER_POLL_INITIAL"
	envPollMax           = "PIPETRIGGER_POLL_MAX"
	envTenantID          = "PIPETRIGGER_AZURE_TENANT_ID"
	envClientID          = "PIPETRIGGER_AZURE_CLIENT_ID"
	envOIDCIssuer        = "PIPETRIGGER_OIDC_ISSUER"
	envOIDCAudience      = "PIPETRIGGER_OIDC_AUDIENCE"
	envMinIOEndpoint     = "PIPETRIGGER_MINIO_ENDPOINT"
	envMinIOAccessKey    = "PIPETRIGGER_MINIO_ACCESS_KEY"
	envMinIOUseSSL       = "PIPETRIGGER_MINIO_USE_SSL"
	envMinIOBucket       = "PIPETRIGGER_MINIO_BUCKET"
	envMinIOPrefix       = "PIPETRIGGER_MINIO_PREFIX"
	envMinIOSuffix       = "PIPETRIGGER_MINIO_SUFFIX"
)

// Secret names resolved through the SecretSource rather than plain env vars.
const (
	SecretAzureClientSecret = "azure-client-secret"
	SecretMinIOSecretKey    = "minio-secret-key"
)

// Ledger database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Platform kinds.
const (
	PlatformAzureML = "azureml"
	PlatformMemory  = "memory"
)

// Config holds process configuration loaded from environment variables.
// Deployment profiles live in a separate YAML file, see LoadProfiles.
type Config struct {
	ListenAddr        string
	FunctionName      string
	DBDriver          string
	DBDSN             string
	LogLevel          slog.Level
	ProfilesPath      string
	SecretsDir        string
	Platform          string
	InvocationTimeout time.Duration
	PollInitial       time.Duration
	PollMax           time.Duration

	Azure AzureConfig
	OIDC  OIDCConfig
	MinIO MinIOConfig
}

// AzureConfig holds the service principal used against the management API.
// ClientSecret is filled from the secret source by ResolveSecrets.
type AzureConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
}

// OIDCConfig enables bearer token verification on webhook routes when
// IssuerURL is set.
type OIDCConfig struct {
	IssuerURL string
	Audience  string
}

// Enabled reports whether webhook token verification is configured.
func (c OIDCConfig) Enabled() bool {
	return c.IssuerURL != ""
}

// MinIOConfig configures the bucket notification listener.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	Prefix    string
	Suffix    string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:   defaultListenAddr,
		FunctionName: envString(envFunctionName, defaultFunctionName),
		DBDriver:     strings.ToLower(envString(envDBDriver, defaultDBDriver)),
		DBDSN:        envString(envDBDSN, defaultDBDSN),
		LogLevel:     parseLogLevel(envString(envLogLevel, "info")),
		ProfilesPath: envString(envProfilesPath, defaultProfilesPath),
		SecretsDir:   envString(envSecretsDir, ""),
		Platform:     strings.ToLower(envString(envPlatform, defaultPlatform)),
		Azure: AzureConfig{
			TenantID: envString(envTenantID, ""),
			ClientID: envString(envClientID, ""),
		},
		OIDC: OIDCConfig{
			IssuerURL: envString(envOIDCIssuer, ""),
			Audience:  envString(envOIDCAudience, ""),
		},
		MinIO: MinIOConfig{
			Endpoint:  envString(envMinIOEndpoint, ""),
			AccessKey: envString(envMinIOAccessKey, ""),
			Bucket:    envString(envMinIOBucket, ""),
			Prefix:    envString(envMinIOPrefix, ""),
			Suffix:    envString(envMinIOSuffix, ""),
		},
	}

	// The Functions host hands custom handlers their port; an explicit
	// listen address still wins.
	if port := envString(envCustomHandlerPort, ""); port != "" {
		cfg.ListenAddr = ":" + port
	}
	cfg.ListenAddr = envString(envListenAddr, cfg.ListenAddr)

	var err error
	if cfg.InvocationTimeout, err = envDuration(envInvocationTimeout, defaultInvocationTimeout); err != nil {
		return Config{}, err
	}
	if cfg.PollInitial, err = envDuration(envPollInitial, defaultPollInitial); err != nil {
		return Config{}, err
	}
	if cfg.PollMax, err = envDuration(envPollMax, defaultPollMax); err != nil {
		return Config{}, err
	}
	if cfg.MinIO.UseSSL, err = envBool(envMinIOUseSSL, true); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks settings that do not depend on secrets.
func (c Config) Validate() error {
	switch c.DBDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("%s unsupported: %q", envDBDriver, c.DBDriver)
	}
	switch c.Platform {
	case PlatformAzureML, PlatformMemory:
	default:
		return fmt.Errorf("%s unsupported: %q", envPlatform, c.Platform)
	}
	if strings.TrimSpace(c.FunctionName) == "" {
		return errors.New("function name is required")
	}
	if c.InvocationTimeout <= 0 {
		return fmt.Errorf("%s must be positive", envInvocationTimeout)
	}
	if c.PollInitial <= 0 || c.PollMax < c.PollInitial {
		return fmt.Errorf("%s must be positive and not exceed %s", envPollInitial, envPollMax)
	}
	return nil
}

// ResolveSecrets fills credential fields from the secret source. Secrets
// only required by the selected platform are mandatory.
func (c *Config) ResolveSecrets(src SecretSource) error {
	if c.Platform == PlatformAzureML {
		if c.Azure.TenantID == "" || c.Azure.ClientID == "" {
			return fmt.Errorf("%s and %s are required for platform %q", envTenantID, envClientID, c.Platform)
		}
		secret, err := src.Secret(SecretAzureClientSecret)
		if err != nil {
			return fmt.Errorf("resolve azure client secret: %w", err)
		}
		c.Azure.ClientSecret = secret
	}
	if c.MinIO.Endpoint != "" {
		secret, err := src.Secret(SecretMinIOSecretKey)
		if err != nil {
			return fmt.Errorf("resolve minio secret key: %w", err)
		}
		c.MinIO.SecretKey = secret
	}
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
