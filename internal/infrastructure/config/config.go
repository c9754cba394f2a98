// Package config provides configuration loading for the schematic-mirror application.
// It reads mirror, distiller and result cache settings from environment variables
// and, when configured, the cache database DSN from HashiCorp Vault.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/MyCarrier-DevOps/goLibMyCarrier/vault"
)

// Environment variable names.
const (
	EnvMirrorRoot        = "MIRROR_ROOT"
	EnvWorkspaceRoot     = "WORKSPACE_ROOT"
	EnvRemoteURLTemplate = "REMOTE_URL_TEMPLATE"
	EnvTargetSuffix      = "TARGET_SUFFIX"
	EnvGitTimeout        = "GIT_TIMEOUT"
	EnvGitRetries        = "GIT_RETRIES"

	EnvDistillerCommand = "DISTILLER_COMMAND"
	EnvDistillerArgs    = "DISTILLER_ARGS"
	EnvDistillerTimeout = "DISTILLER_TIMEOUT"
	EnvWorkspaceMaxAge  = "WORKSPACE_MAX_AGE"
	EnvWorkspaceMaxCnt  = "WORKSPACE_MAX_COUNT"

	EnvCacheDriver      = "CACHE_DRIVER"
	EnvDatabaseURL      = "DATABASE_URL"
	EnvDatabaseURLFile  = "DATABASE_URL_FILE"
	EnvDatabaseMaxConns = "DATABASE_MAX_CONNS"
	EnvSQLitePath       = "SQLITE_PATH"

	// EnvVaultDatabasePath is the path in Vault KV where the DSN is stored.
	// An optional "#key" suffix selects the field; the default is DefaultSecretKey.
	EnvVaultDatabasePath = "VAULT_DATABASE_PATH"

	// EnvVaultDatabaseMount is the Vault KV mount point (defaults to "secret").
	EnvVaultDatabaseMount = "VAULT_DATABASE_MOUNT"

	// EnvLogLevel is the log level (debug, info, error).
	EnvLogLevel = "LOG_LEVEL"

	// EnvLogAppName is the application name for log context.
	EnvLogAppName = "LOG_APP_NAME"
)

// Default values.
const (
	DefaultLogLevel          = "info"
	DefaultLogAppName        = "schematic-mirror"
	DefaultRemoteURLTemplate = "https://github.com/%s.git"
	DefaultTargetSuffix      = ".kicad_sch"
	DefaultGitTimeout        = 10 * time.Minute
	DefaultGitRetries        = 2
	DefaultDistillerTimeout  = 5 * time.Minute
	DefaultWorkspaceMaxAge   = 24 * time.Hour
	DefaultWorkspaceMaxCount = 200
	DefaultCacheDriver       = "postgres"
	DefaultVaultMount        = "secret"
	DefaultSecretKey         = "url"
)

var cacheDrivers = map[string]bool{"postgres": true, "sqlite": true}

// Configuration errors.
var (
	// ErrInvalidValue indicates an environment variable could not be parsed.
	ErrInvalidValue = errors.New("invalid configuration value")

	// ErrInvalidCacheDriver indicates CACHE_DRIVER names an unsupported backend.
	ErrInvalidCacheDriver = errors.New("cache driver must be postgres or sqlite")

	// ErrDatabaseURLNotFound indicates the DSN file does not exist.
	ErrDatabaseURLNotFound = errors.New("database URL file not found")

	// ErrVaultClientFailed indicates failure to create or authenticate with Vault.
	ErrVaultClientFailed = errors.New("failed to create Vault client")

	// ErrVaultSecretNotFound indicates the secret was not found in Vault.
	ErrVaultSecretNotFound = errors.New("database URL not found in Vault")
)

// VaultClient defines the interface for Vault operations.
// This interface allows for dependency injection and testing.
type VaultClient interface {
	// GetKVSecret retrieves a secret from Vault's KV v2 secrets engine.
	GetKVSecret(ctx context.Context, path, mount string) (map[string]interface{}, error)
}

// VaultClientFactory creates a VaultClient using AppRole authentication.
// This is the default factory used in production.
type VaultClientFactory func(ctx context.Context) (VaultClient, error)

// DefaultVaultClientFactory creates a VaultClient using goLibMyCarrier/vault with AppRole auth.
func DefaultVaultClientFactory(ctx context.Context) (VaultClient, error) {
	// Uses: VAULT_ADDRESS, VAULT_ROLE_ID, VAULT_SECRET_ID
	vaultConfig, err := vault.VaultLoadConfig()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVaultClientFailed, err)
	}

	client, err := vault.CreateVaultClient(ctx, vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVaultClientFailed, err)
	}

	return client, nil
}

// Config holds all application configuration.
type Config struct {
	// MirrorRoot is the directory that holds one bare mirror per repository.
	MirrorRoot string

	// WorkspaceRoot is the directory that holds distillation workspaces.
	WorkspaceRoot string

	// RemoteURLTemplate turns an owner/name identity into a clone URL.
	RemoteURLTemplate string

	// TargetSuffix selects the files that are scanned, extracted and distilled.
	TargetSuffix string

	// GitTimeout bounds a clone or fetch including retries.
	GitTimeout time.Duration

	// GitRetries is the number of extra attempts after a failed clone or fetch.
	GitRetries int

	// DistillerCommand is the transformation tool executable.
	DistillerCommand string

	// DistillerArgs is the argument template passed to DistillerCommand.
	DistillerArgs []string

	// DistillerTimeout bounds a single tool invocation.
	DistillerTimeout time.Duration

	// WorkspaceMaxAge and WorkspaceMaxCount bound the retained workspaces.
	WorkspaceMaxAge   time.Duration
	WorkspaceMaxCount int

	// CacheDriver is "postgres" or "sqlite".
	CacheDriver string

	// DatabaseURL is the Postgres DSN. Empty when none was configured.
	DatabaseURL string

	// DatabaseMaxConns caps the Postgres pool. Zero keeps the driver default.
	DatabaseMaxConns int32

	// SQLitePath is the SQLite database file.
	SQLitePath string

	// LogLevel is the logging level (debug, info, error).
	LogLevel string

	// LogAppName is the application name for log context.
	LogAppName string
}

// Load loads the application configuration from environment variables.
// The Postgres DSN is read from Vault (preferred), DATABASE_URL, or a file
// named by DATABASE_URL_FILE, in that order.
//
// For Vault loading, requires:
//   - VAULT_ADDRESS: Vault server address
//   - VAULT_ROLE_ID: AppRole role ID
//   - VAULT_SECRET_ID: AppRole secret ID
//   - VAULT_DATABASE_PATH: Path to the secret in Vault, optionally "path#key"
//   - VAULT_DATABASE_MOUNT: KV mount point (optional, defaults to "secret")
func Load() (*Config, error) {
	return LoadWithVaultClient(context.Background(), nil)
}

// LoadWithVaultClient loads configuration using the provided VaultClient factory.
// If vaultClientFactory is nil, DefaultVaultClientFactory is used.
// This function enables dependency injection for testing.
func LoadWithVaultClient(ctx context.Context, vaultClientFactory VaultClientFactory) (*Config, error) {
	base := filepath.Join(os.TempDir(), "schematic-mirror")

	cfg := &Config{
		MirrorRoot:        envOr(EnvMirrorRoot, filepath.Join(base, "mirrors")),
		WorkspaceRoot:     envOr(EnvWorkspaceRoot, filepath.Join(base, "workspaces")),
		RemoteURLTemplate: envOr(EnvRemoteURLTemplate, DefaultRemoteURLTemplate),
		TargetSuffix:      envOr(EnvTargetSuffix, DefaultTargetSuffix),
		DistillerCommand:  strings.TrimSpace(os.Getenv(EnvDistillerCommand)),
		DistillerArgs:     strings.Fields(os.Getenv(EnvDistillerArgs)),
		CacheDriver:       strings.ToLower(envOr(EnvCacheDriver, DefaultCacheDriver)),
		SQLitePath:        envOr(EnvSQLitePath, filepath.Join(base, "cache.db")),
		LogLevel:          envOr(EnvLogLevel, DefaultLogLevel),
		LogAppName:        envOr(EnvLogAppName, DefaultLogAppName),
	}

	if !strings.Contains(cfg.RemoteURLTemplate, "%s") {
		return nil, fmt.Errorf("%w: %s must contain %%s", ErrInvalidValue, EnvRemoteURLTemplate)
	}
	if !cacheDrivers[cfg.CacheDriver] {
		return nil, fmt.Errorf("%w: %s=%q", ErrInvalidCacheDriver, EnvCacheDriver, cfg.CacheDriver)
	}

	var err error
	if cfg.GitTimeout, err = durationEnv(EnvGitTimeout, DefaultGitTimeout); err != nil {
		return nil, err
	}
	if cfg.DistillerTimeout, err = durationEnv(EnvDistillerTimeout, DefaultDistillerTimeout); err != nil {
		return nil, err
	}
	if cfg.WorkspaceMaxAge, err = durationEnv(EnvWorkspaceMaxAge, DefaultWorkspaceMaxAge); err != nil {
		return nil, err
	}
	if cfg.GitRetries, err = intEnv(EnvGitRetries, DefaultGitRetries); err != nil {
		return nil, err
	}
	if cfg.WorkspaceMaxCount, err = intEnv(EnvWorkspaceMaxCnt, DefaultWorkspaceMaxCount); err != nil {
		return nil, err
	}
	maxConns, err := intEnv(EnvDatabaseMaxConns, 0)
	if err != nil {
		return nil, err
	}
	cfg.DatabaseMaxConns = int32(maxConns)

	if cfg.CacheDriver == "postgres" {
		if cfg.DatabaseURL, err = loadDatabaseURL(ctx, vaultClientFactory); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// loadDatabaseURL resolves the DSN from Vault, the environment, or a file.
// An empty result is not an error; commands that need the cache report it.
func loadDatabaseURL(ctx context.Context, vaultClientFactory VaultClientFactory) (string, error) {
	if vaultPath := os.Getenv(EnvVaultDatabasePath); vaultPath != "" {
		return loadDatabaseURLFromVault(ctx, vaultClientFactory, vaultPath)
	}
	if dsn := strings.TrimSpace(os.Getenv(EnvDatabaseURL)); dsn != "" {
		return dsn, nil
	}
	if path := os.Getenv(EnvDatabaseURLFile); path != "" {
		return loadDatabaseURLFromFile(path)
	}
	return "", nil
}

// loadDatabaseURLFromVault reads the DSN from Vault KV v2.
func loadDatabaseURLFromVault(ctx context.Context, vaultClientFactory VaultClientFactory, fullPath string) (string, error) {
	if vaultClientFactory == nil {
		vaultClientFactory = DefaultVaultClientFactory
	}

	client, err := vaultClientFactory(ctx)
	if err != nil {
		return "", err
	}

	mount := envOr(EnvVaultDatabaseMount, DefaultVaultMount)
	path, key := parseVaultPath(fullPath)

	secretData, err := client.GetKVSecret(ctx, path, mount)
	if err != nil {
		return "", fmt.Errorf("%w at path %s: %w", ErrVaultSecretNotFound, path, err)
	}

	dsn, ok := secretData[key].(string)
	if !ok || strings.TrimSpace(dsn) == "" {
		return "", fmt.Errorf("%w: key %q missing at path %s", ErrVaultSecretNotFound, key, path)
	}
	return strings.TrimSpace(dsn), nil
}

// parseVaultPath splits "path#key" at the last '#'.
// Without a '#' the key defaults to DefaultSecretKey.
func parseVaultPath(fullPath string) (string, string) {
	i := strings.LastIndex(fullPath, "#")
	if i < 0 {
		return fullPath, DefaultSecretKey
	}
	return fullPath[:i], fullPath[i+1:]
}

// loadDatabaseURLFromFile reads a DSN from a mounted secret file.
func loadDatabaseURLFromFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrDatabaseURLNotFound, path)
		}
		return "", fmt.Errorf("failed to read database URL file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: %s=%q must be a positive duration", ErrInvalidValue, key, raw)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s=%q must be a non-negative integer", ErrInvalidValue, key, raw)
	}
	return n, nil
}
