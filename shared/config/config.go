package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	OIDCIssuer      string
	OIDCAudience    string
	OIDCJWKSURL     string
	JWKSTTLSeconds  int
	JWTClockSkewSec int

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int

	AuditEnabled bool

	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int

	KafkaBrokers  []string
	KafkaClientID string
	KafkaGroupID  string
	KafkaRetryMax int
	KafkaWriteMS  int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTLSec   int

	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int

	OutboxScanSec     int
	OutboxBatchSize   int
	OutboxMaxAttempts int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	VisionServiceURL string
	VisionTimeoutMS  int

	BlobStoreURL    string
	BlobStoreToken  string
	BlobStoreBucket string
	BlobPublicBase  string
	BlobTimeoutMS   int

	MaxImageBytes    int64
	AnalyzeTimeoutMS int
	SaveTimeoutMS    int
	SessionTTLSec    int

	BlobSweepIntervalSec  int
	BlobSweepMinAgeSec    int
	LeaderboardRefreshSec int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	cfg := Config{
		Env:                   envRaw,
		ServiceName:           serviceNameDefault,
		HTTPPort:              httpPortDefault,
		LogLevel:              "info",
		ConfigPath:            strings.TrimSpace(os.Getenv("CONFIG_PATH")),
		RequestTimeoutMS:      30000,
		OIDCIssuer:            strings.TrimSpace(os.Getenv("OIDC_ISSUER")),
		OIDCAudience:          strings.TrimSpace(os.Getenv("OIDC_AUDIENCE")),
		OIDCJWKSURL:           strings.TrimSpace(os.Getenv("OIDC_JWKS_URL")),
		JWKSTTLSeconds:        300,
		JWTClockSkewSec:       60,
		DatabaseURL:           strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBMaxConns:            10,
		DBMinConns:            1,
		DBConnMaxIdleSec:      300,
		DBConnMaxLifeSec:      1800,
		AuditEnabled:          false,
		CORSAllowedOrigins:    nil,
		RateLimitRPS:          10,
		RateLimitBurst:        20,
		KafkaBrokers:          nil,
		KafkaClientID:         "",
		KafkaGroupID:          "",
		KafkaRetryMax:         5,
		KafkaWriteMS:          5000,
		RedisAddr:             "",
		RedisPassword:         "",
		RedisDB:               0,
		CacheTTLSec:           60,
		AsynqRedisAddr:        "",
		AsynqRedisPass:        "",
		AsynqRedisDB:          0,
		AsynqQueue:            "default",
		AsynqConcurrency:      10,
		OutboxScanSec:         5,
		OutboxBatchSize:       50,
		OutboxMaxAttempts:     20,
		InfluxURL:             "",
		InfluxToken:           "",
		InfluxOrg:             "",
		InfluxBucket:          "",
		InfluxTimeoutMS:       5000,
		VisionServiceURL:      "",
		VisionTimeoutMS:       15000,
		BlobStoreURL:          "",
		BlobStoreToken:        "",
		BlobStoreBucket:       "tree-images",
		BlobPublicBase:        "",
		BlobTimeoutMS:         20000,
		MaxImageBytes:         10 << 20,
		AnalyzeTimeoutMS:      20000,
		SaveTimeoutMS:         30000,
		SessionTTLSec:         900,
		BlobSweepIntervalSec:  3600,
		BlobSweepMinAgeSec:    3600,
		LeaderboardRefreshSec: 300,
		OtelEnabled:           false,
		OtelEndpoint:          "",
		OtelInsecure:          true,
		OtelSampleRatio:       1.0,
	}

	problems := make([]Problem, 0, 4)
	envProvided := envRaw != ""

	if repoRoot, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", cfg.Env+".json")
	}

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != ""); ok {
		problems = append(problems, fileProblems...)
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
		}
		applyConfigMap(&cfg, fileData, &problems)
	} else {
		problems = append(problems, fileProblems...)
	}

	applyEnv(&cfg, &problems)

	// If issuer is set and no explicit JWKS URL is provided, default to issuer/.well-known/jwks.json.
	if cfg.OIDCIssuer != "" && strings.TrimSpace(cfg.OIDCJWKSURL) == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}
	// Public URLs default to the store's own public-object path.
	if cfg.BlobStoreURL != "" && strings.TrimSpace(cfg.BlobPublicBase) == "" {
		cfg.BlobPublicBase = strings.TrimRight(cfg.BlobStoreURL, "/") + "/storage/v1/object/public"
	}

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		problems = append(problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	if cfg.RequestTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "REQUEST_TIMEOUT_MS", Message: "REQUEST_TIMEOUT_MS must be > 0"})
		cfg.RequestTimeoutMS = 30000
	}
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	if cfg.JWKSTTLSeconds <= 0 {
		problems = append(problems, Problem{Field: "JWKS_CACHE_TTL_SECONDS", Message: "JWKS_CACHE_TTL_SECONDS must be > 0"})
		cfg.JWKSTTLSeconds = 300
	}
	if cfg.JWTClockSkewSec < 0 {
		problems = append(problems, Problem{Field: "JWT_CLOCK_SKEW_SECONDS", Message: "JWT_CLOCK_SKEW_SECONDS must be >= 0"})
		cfg.JWTClockSkewSec = 60
	}
	if cfg.DBMaxConns <= 0 {
		problems = append(problems, Problem{Field: "DB_MAX_CONNS", Message: "DB_MAX_CONNS must be > 0"})
		cfg.DBMaxConns = 10
	}
	if cfg.DBMinConns < 0 {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be >= 0"})
		cfg.DBMinConns = 1
	}
	if cfg.DBMinConns > cfg.DBMaxConns {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	if cfg.DBConnMaxIdleSec <= 0 {
		problems = append(problems, Problem{Field: "DB_CONN_MAX_IDLE_SECONDS", Message: "DB_CONN_MAX_IDLE_SECONDS must be > 0"})
		cfg.DBConnMaxIdleSec = 300
	}
	if cfg.DBConnMaxLifeSec <= 0 {
		problems = append(problems, Problem{Field: "DB_CONN_MAX_LIFETIME_SECONDS", Message: "DB_CONN_MAX_LIFETIME_SECONDS must be > 0"})
		cfg.DBConnMaxLifeSec = 1800
	}
	if cfg.RateLimitRPS <= 0 {
		problems = append(problems, Problem{Field: "RATE_LIMIT_RPS", Message: "RATE_LIMIT_RPS must be > 0"})
		cfg.RateLimitRPS = 10
	}
	if cfg.RateLimitBurst <= 0 {
		problems = append(problems, Problem{Field: "RATE_LIMIT_BURST", Message: "RATE_LIMIT_BURST must be > 0"})
		cfg.RateLimitBurst = 20
	}
	if cfg.KafkaRetryMax < 0 {
		problems = append(problems, Problem{Field: "KAFKA_RETRY_MAX", Message: "KAFKA_RETRY_MAX must be >= 0"})
		cfg.KafkaRetryMax = 5
	}
	if cfg.KafkaWriteMS <= 0 {
		problems = append(problems, Problem{Field: "KAFKA_WRITE_TIMEOUT_MS", Message: "KAFKA_WRITE_TIMEOUT_MS must be > 0"})
		cfg.KafkaWriteMS = 5000
	}
	if cfg.RedisDB < 0 {
		problems = append(problems, Problem{Field: "REDIS_DB", Message: "REDIS_DB must be >= 0"})
		cfg.RedisDB = 0
	}
	if cfg.CacheTTLSec <= 0 {
		problems = append(problems, Problem{Field: "CACHE_TTL_SECONDS", Message: "CACHE_TTL_SECONDS must be > 0"})
		cfg.CacheTTLSec = 60
	}
	if cfg.AsynqRedisDB < 0 {
		problems = append(problems, Problem{Field: "ASYNQ_REDIS_DB", Message: "ASYNQ_REDIS_DB must be >= 0"})
		cfg.AsynqRedisDB = 0
	}
	if cfg.AsynqConcurrency <= 0 {
		problems = append(problems, Problem{Field: "ASYNQ_CONCURRENCY", Message: "ASYNQ_CONCURRENCY must be > 0"})
		cfg.AsynqConcurrency = 10
	}
	if cfg.OutboxScanSec <= 0 {
		problems = append(problems, Problem{Field: "OUTBOX_SCAN_INTERVAL_SECONDS", Message: "OUTBOX_SCAN_INTERVAL_SECONDS must be > 0"})
		cfg.OutboxScanSec = 5
	}
	if cfg.OutboxBatchSize <= 0 {
		problems = append(problems, Problem{Field: "OUTBOX_BATCH_SIZE", Message: "OUTBOX_BATCH_SIZE must be > 0"})
		cfg.OutboxBatchSize = 50
	}
	if cfg.OutboxMaxAttempts <= 0 {
		problems = append(problems, Problem{Field: "OUTBOX_MAX_ATTEMPTS", Message: "OUTBOX_MAX_ATTEMPTS must be > 0"})
		cfg.OutboxMaxAttempts = 20
	}
	if cfg.InfluxTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "INFLUX_TIMEOUT_MS", Message: "INFLUX_TIMEOUT_MS must be > 0"})
		cfg.InfluxTimeoutMS = 5000
	}
	if cfg.VisionTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "VISION_TIMEOUT_MS", Message: "VISION_TIMEOUT_MS must be > 0"})
		cfg.VisionTimeoutMS = 15000
	}
	if cfg.BlobTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "BLOBSTORE_TIMEOUT_MS", Message: "BLOBSTORE_TIMEOUT_MS must be > 0"})
		cfg.BlobTimeoutMS = 20000
	}
	if cfg.BlobStoreBucket == "" {
		problems = append(problems, Problem{Field: "BLOBSTORE_BUCKET", Message: "BLOBSTORE_BUCKET must not be empty"})
		cfg.BlobStoreBucket = "tree-images"
	}
	if cfg.MaxImageBytes <= 0 {
		problems = append(problems, Problem{Field: "UPLOAD_MAX_IMAGE_BYTES", Message: "UPLOAD_MAX_IMAGE_BYTES must be > 0"})
		cfg.MaxImageBytes = 10 << 20
	}
	if cfg.AnalyzeTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "ANALYZE_TIMEOUT_MS", Message: "ANALYZE_TIMEOUT_MS must be > 0"})
		cfg.AnalyzeTimeoutMS = 20000
	}
	if cfg.SaveTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "SAVE_TIMEOUT_MS", Message: "SAVE_TIMEOUT_MS must be > 0"})
		cfg.SaveTimeoutMS = 30000
	}
	if cfg.SessionTTLSec <= 0 {
		problems = append(problems, Problem{Field: "UPLOAD_SESSION_TTL_SECONDS", Message: "UPLOAD_SESSION_TTL_SECONDS must be > 0"})
		cfg.SessionTTLSec = 900
	}
	if cfg.BlobSweepIntervalSec <= 0 {
		problems = append(problems, Problem{Field: "BLOB_SWEEP_INTERVAL_SECONDS", Message: "BLOB_SWEEP_INTERVAL_SECONDS must be > 0"})
		cfg.BlobSweepIntervalSec = 3600
	}
	if cfg.BlobSweepMinAgeSec <= 0 {
		problems = append(problems, Problem{Field: "BLOB_SWEEP_MIN_AGE_SECONDS", Message: "BLOB_SWEEP_MIN_AGE_SECONDS must be > 0"})
		cfg.BlobSweepMinAgeSec = 3600
	}
	if cfg.LeaderboardRefreshSec <= 0 {
		problems = append(problems, Problem{Field: "LEADERBOARD_REFRESH_SECONDS", Message: "LEADERBOARD_REFRESH_SECONDS must be > 0"})
		cfg.LeaderboardRefreshSec = 300
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		problems = append(problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}

	return cfg, problems
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && !errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

func applyEnv(cfg *Config, problems *[]Problem) {
	if v := strings.TrimSpace(os.Getenv("SERVICE_NAME")); v != "" {
		cfg.ServiceName = v
	}

	portRaw := strings.TrimSpace(os.Getenv("HTTP_PORT"))
	if portRaw == "" {
		portRaw = strings.TrimSpace(os.Getenv("PORT"))
	}
	if portRaw != "" {
		if p, err := strconv.Atoi(portRaw); err != nil || p <= 0 || p > 65535 {
			*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		} else {
			cfg.HTTPPort = p
		}
	}

	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}

	setEnvInt(problems, "REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS)
	if v := strings.TrimSpace(os.Getenv("OIDC_ISSUER")); v != "" {
		cfg.OIDCIssuer = v
	}
	if v := strings.TrimSpace(os.Getenv("OIDC_AUDIENCE")); v != "" {
		cfg.OIDCAudience = v
	}
	if v := strings.TrimSpace(os.Getenv("OIDC_JWKS_URL")); v != "" {
		cfg.OIDCJWKSURL = v
	}
	setEnvInt(problems, "JWKS_CACHE_TTL_SECONDS", &cfg.JWKSTTLSeconds)
	setEnvInt(problems, "JWT_CLOCK_SKEW_SECONDS", &cfg.JWTClockSkewSec)

	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}
	setEnvInt(problems, "DB_MAX_CONNS", &cfg.DBMaxConns)
	setEnvInt(problems, "DB_MIN_CONNS", &cfg.DBMinConns)
	setEnvInt(problems, "DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec)
	setEnvInt(problems, "DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec)

	setEnvBool(problems, "AUDIT_ENABLED", &cfg.AuditEnabled)

	if v := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS")); v != "" {
		cfg.CORSAllowedOrigins = parseCSV(v)
	}
	setEnvFloat(problems, "RATE_LIMIT_RPS", &cfg.RateLimitRPS)
	setEnvInt(problems, "RATE_LIMIT_BURST", &cfg.RateLimitBurst)

	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		cfg.KafkaBrokers = parseCSV(v)
	}
	if v := strings.TrimSpace(os.Getenv("KAFKA_CLIENT_ID")); v != "" {
		cfg.KafkaClientID = v
	}
	if v := strings.TrimSpace(os.Getenv("KAFKA_CONSUMER_GROUP")); v != "" {
		cfg.KafkaGroupID = v
	}
	setEnvInt(problems, "KAFKA_RETRY_MAX", &cfg.KafkaRetryMax)
	setEnvInt(problems, "KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS)

	if v := strings.TrimSpace(os.Getenv("REDIS_ADDR")); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	setEnvInt(problems, "REDIS_DB", &cfg.RedisDB)
	setEnvInt(problems, "CACHE_TTL_SECONDS", &cfg.CacheTTLSec)

	if v := strings.TrimSpace(os.Getenv("ASYNQ_REDIS_ADDR")); v != "" {
		cfg.AsynqRedisAddr = v
	}
	if v := os.Getenv("ASYNQ_REDIS_PASSWORD"); v != "" {
		cfg.AsynqRedisPass = v
	}
	setEnvInt(problems, "ASYNQ_REDIS_DB", &cfg.AsynqRedisDB)
	if v := strings.TrimSpace(os.Getenv("ASYNQ_QUEUE")); v != "" {
		cfg.AsynqQueue = v
	}
	setEnvInt(problems, "ASYNQ_CONCURRENCY", &cfg.AsynqConcurrency)

	setEnvInt(problems, "OUTBOX_SCAN_INTERVAL_SECONDS", &cfg.OutboxScanSec)
	setEnvInt(problems, "OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize)
	setEnvInt(problems, "OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts)

	if v := strings.TrimSpace(os.Getenv("INFLUX_URL")); v != "" {
		cfg.InfluxURL = v
	}
	if v := os.Getenv("INFLUX_TOKEN"); v != "" {
		cfg.InfluxToken = v
	}
	if v := strings.TrimSpace(os.Getenv("INFLUX_ORG")); v != "" {
		cfg.InfluxOrg = v
	}
	if v := strings.TrimSpace(os.Getenv("INFLUX_BUCKET")); v != "" {
		cfg.InfluxBucket = v
	}
	setEnvInt(problems, "INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS)

	if v := strings.TrimSpace(os.Getenv("VISION_SERVICE_URL")); v != "" {
		cfg.VisionServiceURL = v
	}
	setEnvInt(problems, "VISION_TIMEOUT_MS", &cfg.VisionTimeoutMS)

	if v := strings.TrimSpace(os.Getenv("BLOBSTORE_URL")); v != "" {
		cfg.BlobStoreURL = v
	}
	if v := os.Getenv("BLOBSTORE_TOKEN"); v != "" {
		cfg.BlobStoreToken = v
	}
	if v := strings.TrimSpace(os.Getenv("BLOBSTORE_BUCKET")); v != "" {
		cfg.BlobStoreBucket = v
	}
	if v := strings.TrimSpace(os.Getenv("BLOBSTORE_PUBLIC_BASE_URL")); v != "" {
		cfg.BlobPublicBase = v
	}
	setEnvInt(problems, "BLOBSTORE_TIMEOUT_MS", &cfg.BlobTimeoutMS)

	if v := strings.TrimSpace(os.Getenv("UPLOAD_MAX_IMAGE_BYTES")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*problems = append(*problems, Problem{Field: "UPLOAD_MAX_IMAGE_BYTES", Message: "UPLOAD_MAX_IMAGE_BYTES must be an integer"})
		} else {
			cfg.MaxImageBytes = n
		}
	}
	setEnvInt(problems, "ANALYZE_TIMEOUT_MS", &cfg.AnalyzeTimeoutMS)
	setEnvInt(problems, "SAVE_TIMEOUT_MS", &cfg.SaveTimeoutMS)
	setEnvInt(problems, "UPLOAD_SESSION_TTL_SECONDS", &cfg.SessionTTLSec)

	setEnvInt(problems, "BLOB_SWEEP_INTERVAL_SECONDS", &cfg.BlobSweepIntervalSec)
	setEnvInt(problems, "BLOB_SWEEP_MIN_AGE_SECONDS", &cfg.BlobSweepMinAgeSec)
	setEnvInt(problems, "LEADERBOARD_REFRESH_SECONDS", &cfg.LeaderboardRefreshSec)

	setEnvBool(problems, "OTEL_ENABLED", &cfg.OtelEnabled)
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		cfg.OtelEndpoint = v
	}
	setEnvBool(problems, "OTEL_EXPORTER_OTLP_INSECURE", &cfg.OtelInsecure)
	setEnvFloat(problems, "OTEL_SAMPLE_RATIO", &cfg.OtelSampleRatio)
}

func setEnvInt(problems *[]Problem, key string, dst *int) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*problems = append(*problems, Problem{Field: key, Message: key + " must be an integer"})
		return
	}
	*dst = n
}

func setEnvBool(problems *[]Problem, key string, dst *bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	b, ok := asBool(v)
	if !ok {
		*problems = append(*problems, Problem{Field: key, Message: key + " must be a boolean"})
		return
	}
	*dst = b
}

func setEnvFloat(problems *[]Problem, key string, dst *float64) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*problems = append(*problems, Problem{Field: key, Message: key + " must be a number"})
		return
	}
	*dst = f
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	for k, v := range raw {
		key := strings.ToUpper(strings.TrimSpace(k))
		switch key {
		case "ENV":
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				cfg.Env = strings.TrimSpace(s)
			}
		case "SERVICE_NAME":
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				cfg.ServiceName = strings.TrimSpace(s)
			}
		case "HTTP_PORT":
			if p, ok := asInt(v); ok {
				cfg.HTTPPort = p
			} else {
				*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be an integer"})
			}
		case "LOG_LEVEL":
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				cfg.LogLevel = strings.TrimSpace(s)
			}
		case "REQUEST_TIMEOUT_MS":
			setMapInt(problems, key, v, &cfg.RequestTimeoutMS)
		case "OIDC_ISSUER":
			setMapString(v, &cfg.OIDCIssuer)
		case "OIDC_AUDIENCE":
			setMapString(v, &cfg.OIDCAudience)
		case "OIDC_JWKS_URL":
			setMapString(v, &cfg.OIDCJWKSURL)
		case "JWKS_CACHE_TTL_SECONDS":
			setMapInt(problems, key, v, &cfg.JWKSTTLSeconds)
		case "JWT_CLOCK_SKEW_SECONDS":
			setMapInt(problems, key, v, &cfg.JWTClockSkewSec)
		case "DATABASE_URL":
			setMapString(v, &cfg.DatabaseURL)
		case "DB_MAX_CONNS":
			setMapInt(problems, key, v, &cfg.DBMaxConns)
		case "DB_MIN_CONNS":
			setMapInt(problems, key, v, &cfg.DBMinConns)
		case "DB_CONN_MAX_IDLE_SECONDS":
			setMapInt(problems, key, v, &cfg.DBConnMaxIdleSec)
		case "DB_CONN_MAX_LIFETIME_SECONDS":
			setMapInt(problems, key, v, &cfg.DBConnMaxLifeSec)
		case "AUDIT_ENABLED":
			setMapBool(problems, key, v, &cfg.AuditEnabled)
		case "CORS_ALLOWED_ORIGINS":
			if s, ok := v.(string); ok {
				cfg.CORSAllowedOrigins = parseCSV(s)
			} else if arr, ok := v.([]any); ok {
				cfg.CORSAllowedOrigins = parseAnyCSV(arr)
			}
		case "RATE_LIMIT_RPS":
			setMapFloat(problems, key, v, &cfg.RateLimitRPS)
		case "RATE_LIMIT_BURST":
			setMapInt(problems, key, v, &cfg.RateLimitBurst)
		case "KAFKA_BROKERS":
			if s, ok := v.(string); ok {
				cfg.KafkaBrokers = parseCSV(s)
			} else if arr, ok := v.([]any); ok {
				cfg.KafkaBrokers = parseAnyCSV(arr)
			}
		case "KAFKA_CLIENT_ID":
			setMapString(v, &cfg.KafkaClientID)
		case "KAFKA_CONSUMER_GROUP":
			setMapString(v, &cfg.KafkaGroupID)
		case "KAFKA_RETRY_MAX":
			setMapInt(problems, key, v, &cfg.KafkaRetryMax)
		case "KAFKA_WRITE_TIMEOUT_MS":
			setMapInt(problems, key, v, &cfg.KafkaWriteMS)
		case "REDIS_ADDR":
			setMapString(v, &cfg.RedisAddr)
		case "REDIS_PASSWORD":
			if s, ok := v.(string); ok {
				cfg.RedisPassword = s
			}
		case "REDIS_DB":
			setMapInt(problems, key, v, &cfg.RedisDB)
		case "CACHE_TTL_SECONDS":
			setMapInt(problems, key, v, &cfg.CacheTTLSec)
		case "ASYNQ_REDIS_ADDR":
			setMapString(v, &cfg.AsynqRedisAddr)
		case "ASYNQ_REDIS_PASSWORD":
			if s, ok := v.(string); ok {
				cfg.AsynqRedisPass = s
			}
		case "ASYNQ_REDIS_DB":
			setMapInt(problems, key, v, &cfg.AsynqRedisDB)
		case "ASYNQ_QUEUE":
			setMapString(v, &cfg.AsynqQueue)
		case "ASYNQ_CONCURRENCY":
			setMapInt(problems, key, v, &cfg.AsynqConcurrency)
		case "OUTBOX_SCAN_INTERVAL_SECONDS":
			setMapInt(problems, key, v, &cfg.OutboxScanSec)
		case "OUTBOX_BATCH_SIZE":
			setMapInt(problems, key, v, &cfg.OutboxBatchSize)
		case "OUTBOX_MAX_ATTEMPTS":
			setMapInt(problems, key, v, &cfg.OutboxMaxAttempts)
		case "INFLUX_URL":
			setMapString(v, &cfg.InfluxURL)
		case "INFLUX_TOKEN":
			if s, ok := v.(string); ok {
				cfg.InfluxToken = s
			}
		case "INFLUX_ORG":
			setMapString(v, &cfg.InfluxOrg)
		case "INFLUX_BUCKET":
			setMapString(v, &cfg.InfluxBucket)
		case "INFLUX_TIMEOUT_MS":
			setMapInt(problems, key, v, &cfg.InfluxTimeoutMS)
		case "VISION_SERVICE_URL":
			setMapString(v, &cfg.VisionServiceURL)
		case "VISION_TIMEOUT_MS":
			setMapInt(problems, key, v, &cfg.VisionTimeoutMS)
		case "BLOBSTORE_URL":
			setMapString(v, &cfg.BlobStoreURL)
		case "BLOBSTORE_TOKEN":
			if s, ok := v.(string); ok {
				cfg.BlobStoreToken = s
			}
		case "BLOBSTORE_BUCKET":
			setMapString(v, &cfg.BlobStoreBucket)
		case "BLOBSTORE_PUBLIC_BASE_URL":
			setMapString(v, &cfg.BlobPublicBase)
		case "BLOBSTORE_TIMEOUT_MS":
			setMapInt(problems, key, v, &cfg.BlobTimeoutMS)
		case "UPLOAD_MAX_IMAGE_BYTES":
			if n, ok := asInt(v); ok {
				cfg.MaxImageBytes = int64(n)
			} else {
				*problems = append(*problems, Problem{Field: key, Message: key + " must be an integer"})
			}
		case "ANALYZE_TIMEOUT_MS":
			setMapInt(problems, key, v, &cfg.AnalyzeTimeoutMS)
		case "SAVE_TIMEOUT_MS":
			setMapInt(problems, key, v, &cfg.SaveTimeoutMS)
		case "UPLOAD_SESSION_TTL_SECONDS":
			setMapInt(problems, key, v, &cfg.SessionTTLSec)
		case "BLOB_SWEEP_INTERVAL_SECONDS":
			setMapInt(problems, key, v, &cfg.BlobSweepIntervalSec)
		case "BLOB_SWEEP_MIN_AGE_SECONDS":
			setMapInt(problems, key, v, &cfg.BlobSweepMinAgeSec)
		case "LEADERBOARD_REFRESH_SECONDS":
			setMapInt(problems, key, v, &cfg.LeaderboardRefreshSec)
		case "OTEL_ENABLED":
			setMapBool(problems, key, v, &cfg.OtelEnabled)
		case "OTEL_EXPORTER_OTLP_ENDPOINT":
			setMapString(v, &cfg.OtelEndpoint)
		case "OTEL_EXPORTER_OTLP_INSECURE":
			setMapBool(problems, key, v, &cfg.OtelInsecure)
		case "OTEL_SAMPLE_RATIO":
			setMapFloat(problems, key, v, &cfg.OtelSampleRatio)
		}
	}
}

func setMapString(v any, dst *string) {
	if s, ok := v.(string); ok {
		*dst = strings.TrimSpace(s)
	}
}

func setMapInt(problems *[]Problem, key string, v any, dst *int) {
	if n, ok := asInt(v); ok {
		*dst = n
		return
	}
	*problems = append(*problems, Problem{Field: key, Message: key + " must be an integer"})
}

func setMapBool(problems *[]Problem, key string, v any, dst *bool) {
	if b, ok := v.(bool); ok {
		*dst = b
		return
	}
	if s, ok := v.(string); ok {
		if b, ok := asBool(s); ok {
			*dst = b
			return
		}
	}
	*problems = append(*problems, Problem{Field: key, Message: key + " must be a boolean"})
}

func setMapFloat(problems *[]Problem, key string, v any, dst *float64) {
	if f, ok := asFloat(v); ok {
		*dst = f
		return
	}
	*problems = append(*problems, Problem{Field: key, Message: key + " must be a number"})
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
