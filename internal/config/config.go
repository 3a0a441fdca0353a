package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

const (
	DriverPostgres  = "postgres"
	DriverDuckDB    = "duckdb"
	DriverSQLite    = "sqlite"
	DriverSQLServer = "sqlserver"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Database      DatabaseConfig
	DuckDB        DuckDBConfig
	Query         QueryConfig
	ObjectStore   ObjectStoreConfig
	AI            AIConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatabaseConfig struct {
	Driver          string
	DSN             string
	Namespace       string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// DuckDBConfig maps view names to parquet object keys in the object store.
type DuckDBConfig struct {
	Datasets map[string][]string
}

type QueryConfig struct {
	MaxRows int
	Timeout time.Duration
}

type ObjectStoreConfig struct {
	Enabled          bool
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

type AIConfig struct {
	Provider         string
	BaseURL          string
	APIKey           string
	Model            string
	Temperature      float64
	MaxTokens        int
	Timeout          time.Duration
	StripCodeFences  bool
	SQLDialectPrompt string
}

type ObservabilityConfig struct {
	LogLevel  slog.Level
	LogFormat string
}

type AuthConfig struct {
	Required   bool
	StaticKeys string
}

// LoadFromEnv reads the process environment layered over an optional dotenv
// file. Process variables win over file entries.
func LoadFromEnv(serviceName string) (Config, error) {
	path := ".env"
	if raw, ok := os.LookupEnv("ASKDB_ENV_FILE"); ok && strings.TrimSpace(raw) != "" {
		path = strings.TrimSpace(raw)
	}
	lookup, err := DotenvLookup(path, os.LookupEnv)
	if err != nil {
		return Config{}, err
	}
	return Load(serviceName, lookup)
}

// DotenvLookup returns a LookupFunc that consults next first and falls back to
// the entries of the dotenv file at path. A missing file is not an error.
func DotenvLookup(path string, next LookupFunc) (LookupFunc, error) {
	if next == nil {
		return nil, fmt.Errorf("lookup function is required")
	}
	entries, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return next, nil
		}
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}
	return func(key string) (string, bool) {
		if value, ok := next(key); ok {
			return value, true
		}
		value, ok := entries[key]
		return value, ok
	}, nil
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("ASKDB_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid ASKDB_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	var datasets string
	appliers := []func() error{
		func() error { return applyString(lookup, "ASKDB_SERVICE_NAME", &cfg.Service.Name) },
		func() error { return applyString(lookup, "ASKDB_HTTP_ADDR", &cfg.HTTP.Address) },
		func() error { return applyDuration(lookup, "ASKDB_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout) },
		func() error { return applyDuration(lookup, "ASKDB_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout) },
		func() error { return applyDuration(lookup, "ASKDB_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout) },
		func() error { return applyString(lookup, "ASKDB_DB_DRIVER", &cfg.Database.Driver) },
		func() error { return applyString(lookup, "ASKDB_DB_DSN", &cfg.Database.DSN) },
		func() error { return applyString(lookup, "ASKDB_DB_NAMESPACE", &cfg.Database.Namespace) },
		func() error { return applyInt(lookup, "ASKDB_DB_MAX_OPEN_CONNS", &cfg.Database.MaxOpenConns) },
		func() error { return applyInt(lookup, "ASKDB_DB_MAX_IDLE_CONNS", &cfg.Database.MaxIdleConns) },
		func() error {
			return applyDuration(lookup, "ASKDB_DB_CONN_MAX_IDLE_TIME", &cfg.Database.ConnMaxIdleTime)
		},
		func() error {
			return applyDuration(lookup, "ASKDB_DB_CONN_MAX_LIFETIME", &cfg.Database.ConnMaxLifetime)
		},
		func() error { return applyString(lookup, "ASKDB_DUCKDB_DATASETS", &datasets) },
		func() error { return applyInt(lookup, "ASKDB_QUERY_MAX_ROWS", &cfg.Query.MaxRows) },
		func() error { return applyDuration(lookup, "ASKDB_QUERY_TIMEOUT", &cfg.Query.Timeout) },
		func() error { return applyBool(lookup, "ASKDB_OBJECTSTORE_ENABLED", &cfg.ObjectStore.Enabled) },
		func() error { return applyString(lookup, "ASKDB_OBJECTSTORE_ENDPOINT", &cfg.ObjectStore.Endpoint) },
		func() error { return applyString(lookup, "ASKDB_OBJECTSTORE_REGION", &cfg.ObjectStore.Region) },
		func() error { return applyString(lookup, "ASKDB_OBJECTSTORE_BUCKET", &cfg.ObjectStore.Bucket) },
		func() error { return applyString(lookup, "ASKDB_OBJECTSTORE_ACCESS_KEY", &cfg.ObjectStore.AccessKeyID) },
		func() error {
			return applyString(lookup, "ASKDB_OBJECTSTORE_SECRET_KEY", &cfg.ObjectStore.SecretAccessKey)
		},
		func() error { return applyBool(lookup, "ASKDB_OBJECTSTORE_USE_SSL", &cfg.ObjectStore.UseSSL) },
		func() error { return applyString(lookup, "ASKDB_OBJECTSTORE_PREFIX", &cfg.ObjectStore.Prefix) },
		func() error {
			return applyBool(lookup, "ASKDB_OBJECTSTORE_AUTO_CREATE_BUCKET", &cfg.ObjectStore.AutoCreateBucket)
		},
		func() error { return applyString(lookup, "ASKDB_AI_PROVIDER", &cfg.AI.Provider) },
		func() error { return applyString(lookup, "ASKDB_AI_BASE_URL", &cfg.AI.BaseURL) },
		func() error { return applyString(lookup, "ASKDB_AI_API_KEY", &cfg.AI.APIKey) },
		func() error { return applyString(lookup, "ASKDB_AI_MODEL", &cfg.AI.Model) },
		func() error { return applyFloat(lookup, "ASKDB_AI_TEMPERATURE", &cfg.AI.Temperature) },
		func() error { return applyInt(lookup, "ASKDB_AI_MAX_TOKENS", &cfg.AI.MaxTokens) },
		func() error { return applyDuration(lookup, "ASKDB_AI_TIMEOUT", &cfg.AI.Timeout) },
		func() error { return applyBool(lookup, "ASKDB_AI_STRIP_CODE_FENCES", &cfg.AI.StripCodeFences) },
		func() error { return applyString(lookup, "ASKDB_AI_SQL_DIALECT", &cfg.AI.SQLDialectPrompt) },
		func() error { return applyLogLevel(lookup, "ASKDB_LOG_LEVEL", &cfg.Observability.LogLevel) },
		func() error { return applyString(lookup, "ASKDB_LOG_FORMAT", &cfg.Observability.LogFormat) },
		func() error { return applyBool(lookup, "ASKDB_AUTH_REQUIRED", &cfg.Auth.Required) },
		func() error { return applyString(lookup, "ASKDB_AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys) },
	}
	for _, apply := range appliers {
		if err := apply(); err != nil {
			return Config{}, err
		}
	}

	cfg.Database.Driver = strings.ToLower(cfg.Database.Driver)
	cfg.AI.Provider = strings.ToLower(cfg.AI.Provider)
	cfg.Observability.LogFormat = strings.ToLower(cfg.Observability.LogFormat)

	parsed, err := ParseDatasets(datasets)
	if err != nil {
		return Config{}, fmt.Errorf("invalid ASKDB_DUCKDB_DATASETS: %w", err)
	}
	cfg.DuckDB.Datasets = parsed

	if cfg.Database.DSN == "" && cfg.Database.Driver == DriverPostgres {
		cfg.Database.DSN = postgresDSNFromParts(lookup)
	}
	if cfg.Database.Namespace == "" {
		cfg.Database.Namespace = DefaultNamespace(cfg.Database.Driver)
	}
	if cfg.AI.APIKey == "" {
		cfg.AI.APIKey = providerKeyFromEnv(lookup, cfg.AI.Provider)
	}
	if cfg.AI.Model == "" {
		cfg.AI.Model = DefaultModel(cfg.AI.Provider)
	}
	if cfg.AI.SQLDialectPrompt == "" {
		cfg.AI.SQLDialectPrompt = DefaultDialectPrompt(cfg.Database.Driver)
	}

	if cfg.Service.Name == "" {
		return Config{}, fmt.Errorf("service name is required")
	}
	if cfg.HTTP.Address == "" {
		return Config{}, fmt.Errorf("http address is required")
	}
	if !isValidDriver(cfg.Database.Driver) {
		return Config{}, fmt.Errorf("invalid ASKDB_DB_DRIVER: %q", cfg.Database.Driver)
	}
	if !isValidProvider(cfg.AI.Provider) {
		return Config{}, fmt.Errorf("invalid ASKDB_AI_PROVIDER: %q", cfg.AI.Provider)
	}
	if !isValidLogFormat(cfg.Observability.LogFormat) {
		return Config{}, fmt.Errorf("invalid ASKDB_LOG_FORMAT: %q", cfg.Observability.LogFormat)
	}
	if cfg.Query.MaxRows <= 0 {
		return Config{}, fmt.Errorf("ASKDB_QUERY_MAX_ROWS must be positive")
	}
	return cfg, nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "askdb"},
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 90 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          DriverPostgres,
			MaxOpenConns:    10,
			MaxIdleConns:    10,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Query: QueryConfig{
			MaxRows: 1000,
			Timeout: 30 * time.Second,
		},
		ObjectStore: ObjectStoreConfig{
			Enabled:          false,
			Endpoint:         "localhost:9000",
			Region:           "us-east-1",
			Bucket:           "askdb",
			AccessKeyID:      "minio",
			SecretAccessKey:  "miniostorage",
			UseSSL:           false,
			Prefix:           "",
			AutoCreateBucket: true,
		},
		AI: AIConfig{
			Provider:    ProviderOpenAI,
			Temperature: 0,
			MaxTokens:   1024,
			Timeout:     30 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:  slog.LevelDebug,
			LogFormat: "json",
		},
		Auth: AuthConfig{
			Required:   false,
			StaticKeys: "",
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.Observability.LogLevel = slog.LevelWarn
		cfg.Auth.Required = false
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Auth.Required = true
		cfg.ObjectStore.UseSSL = true
		cfg.ObjectStore.AutoCreateBucket = false
	}

	return cfg
}

// DefaultNamespace is the schema introspected when none is configured.
func DefaultNamespace(driver string) string {
	switch driver {
	case DriverDuckDB:
		return "main"
	case DriverSQLServer:
		return "dbo"
	case DriverSQLite:
		return ""
	default:
		return "public"
	}
}

func DefaultModel(provider string) string {
	switch provider {
	case ProviderAnthropic:
		return "claude-3-5-haiku-latest"
	case ProviderGemini:
		return "gemini-2.0-flash"
	default:
		return "gpt-3.5-turbo"
	}
}

// DefaultDialectPrompt names the SQL flavour the model is asked to write.
func DefaultDialectPrompt(driver string) string {
	switch driver {
	case DriverDuckDB:
		return "duckdb"
	case DriverSQLite:
		return "sqlite"
	case DriverSQLServer:
		return "t-sql"
	default:
		return "postgresql"
	}
}

// ParseDatasets parses "view=key1|key2,other=key3".
func ParseDatasets(raw string) (map[string][]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	out := map[string][]string{}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, keys, ok := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("dataset entry %q must be name=key[|key]", entry)
		}
		for _, key := range strings.Split(keys, "|") {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			out[name] = append(out[name], key)
		}
		if len(out[name]) == 0 {
			return nil, fmt.Errorf("dataset %q has no object keys", name)
		}
	}
	return out, nil
}

// postgresDSNFromParts assembles a DSN from DB_HOST, DB_PORT, DB_USER,
// DB_PASSWORD and DB_NAME, each also accepted with the ASKDB_ prefix.
func postgresDSNFromParts(lookup LookupFunc) string {
	get := func(name, fallback string) string {
		if raw, ok := lookup("ASKDB_" + name); ok && strings.TrimSpace(raw) != "" {
			return strings.TrimSpace(raw)
		}
		if raw, ok := lookup(name); ok && strings.TrimSpace(raw) != "" {
			return strings.TrimSpace(raw)
		}
		return fallback
	}
	dsn := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(get("DB_USER", "postgres"), get("DB_PASSWORD", "postgres")),
		Host:     net.JoinHostPort(get("DB_HOST", "localhost"), get("DB_PORT", "5432")),
		Path:     "/" + get("DB_NAME", "postgres"),
		RawQuery: "sslmode=" + get("DB_SSLMODE", "disable"),
	}
	return dsn.String()
}

func providerKeyFromEnv(lookup LookupFunc, provider string) string {
	var key string
	switch provider {
	case ProviderAnthropic:
		key = "ANTHROPIC_API_KEY"
	case ProviderGemini:
		key = "GEMINI_API_KEY"
	default:
		key = "OPENAI_API_KEY"
	}
	raw, _ := lookup(key)
	return strings.TrimSpace(raw)
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func isValidDriver(driver string) bool {
	switch driver {
	case DriverPostgres, DriverDuckDB, DriverSQLite, DriverSQLServer:
		return true
	default:
		return false
	}
}

func isValidProvider(provider string) bool {
	switch provider {
	case ProviderOpenAI, ProviderAnthropic, ProviderGemini:
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "json", "text", "console":
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyFloat(lookup LookupFunc, key string, dst *float64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
