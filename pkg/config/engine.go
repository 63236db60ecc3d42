package config

import "time"

// EngineConfig holds runtime configuration for the reconciliation engine.
type EngineConfig struct {
	Environment       string
	Addr              string
	DatabaseURL       string
	MigrationsDir     string
	IacRoot           string
	StageDir          string
	DockerHost        string
	ComposeBin        string
	AgeKey            string
	AgeKeyFile        string
	KnownHosts        []string
	AutoDevOpsDefault string
	VerdictRedisAddr  string
	VerdictRedisPass  string
	VerdictRedisDB    int
	VerdictCacheTTL   time.Duration
	ScanDebounce      time.Duration
	DeployTimeout     time.Duration
	DriftTimeout      time.Duration
	EventBuffer       int
}

// LoadEngineConfig constructs an EngineConfig from environment variables.
func LoadEngineConfig() EngineConfig {
	return EngineConfig{
		Environment:       GetString("APP_ENV", "development"),
		Addr:              GetString("ENGINE_ADDR", ":4400"),
		DatabaseURL:       GetString("DATABASE_URL", "postgres://stackdrift:stackdrift@db:5432/stackdrift?sslmode=disable"),
		MigrationsDir:     GetString("DB_MIGRATIONS_DIR", "internal/repository/postgres/migrations"),
		IacRoot:           GetString("IAC_ROOT", "/data"),
		StageDir:          GetString("STAGE_DIR", "/dev/shm/stackdrift"),
		DockerHost:        GetString("DOCKER_HOST", ""),
		ComposeBin:        GetString("COMPOSE_BIN", "docker"),
		AgeKey:            GetString("SOPS_AGE_KEY", ""),
		AgeKeyFile:        GetString("SOPS_AGE_KEY_FILE", ""),
		KnownHosts:        GetStrings("KNOWN_HOSTS", nil),
		AutoDevOpsDefault: GetString("AUTO_DEVOPS_APPLY", ""),
		VerdictRedisAddr:  GetString("VERDICT_REDIS_ADDR", ""),
		VerdictRedisPass:  GetString("VERDICT_REDIS_PASSWORD", ""),
		VerdictRedisDB:    GetInt("VERDICT_REDIS_DB", 0),
		VerdictCacheTTL:   GetDuration("VERDICT_CACHE_TTL", 5*time.Minute),
		ScanDebounce:      GetDuration("SCAN_DEBOUNCE", 2*time.Second),
		DeployTimeout:     GetDuration("DEPLOY_TIMEOUT", 15*time.Minute),
		DriftTimeout:      GetDuration("DRIFT_TIMEOUT", 30*time.Second),
		EventBuffer:       GetInt("DEPLOY_EVENT_BUFFER", 100),
	}
}
