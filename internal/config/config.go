package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/gistacsl/mosaic-signaling/internal/origin"
	"github.com/gistacsl/mosaic-signaling/internal/turnrest"
)

const (
	envVarListenAddr      = "MOSAIC_LISTEN_ADDR"
	envVarMode            = "MOSAIC_MODE"
	envVarLogFormat       = "MOSAIC_LOG_FORMAT"
	envVarLogLevel        = "MOSAIC_LOG_LEVEL"
	envVarShutdownTimeout = "MOSAIC_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	// Key material.
	envVarMasterKey              = "MOSAIC_MASTER_KEY"
	envVarMasterKeyKMSCiphertext = "MOSAIC_MASTER_KEY_KMS_CIPHERTEXT"
	envVarKMSKeyID               = "MOSAIC_KMS_KEY_ID"
	envVarAWSRegion              = "AWS_REGION"
	envVarBearerTokenTTL         = "MOSAIC_BEARER_TOKEN_TTL"
	envVarRobotTokenMaxAge       = "MOSAIC_ROBOT_TOKEN_MAX_AGE"

	// Persistence.
	envVarDatabasePath  = "MOSAIC_DATABASE_PATH"
	envVarSeedFile      = "MOSAIC_SEED_FILE"
	envVarStatusBackend = "MOSAIC_STATUS_BACKEND"
	envVarRedisAddr     = "MOSAIC_REDIS_ADDR"
	envVarRedisPassword = "MOSAIC_REDIS_PASSWORD"
	envVarRedisDB       = "MOSAIC_REDIS_DB"

	// Status event publishing.
	envVarNATSURL      = "MOSAIC_NATS_URL"
	envVarNATSSubject  = "MOSAIC_NATS_SUBJECT"
	envVarKafkaBrokers = "MOSAIC_KAFKA_BROKERS"
	envVarKafkaTopic   = "MOSAIC_KAFKA_TOPIC"

	// WebSocket hardening.
	envVarAuthTimeout          = "MOSAIC_AUTH_TIMEOUT"
	envVarWSIdleTimeout        = "MOSAIC_WS_IDLE_TIMEOUT"
	envVarWSPingInterval       = "MOSAIC_WS_PING_INTERVAL"
	envVarMaxMessageBytes      = "MOSAIC_MAX_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "MOSAIC_MAX_MESSAGES_PER_SECOND"
)

const (
	DefaultListenAddr       = "127.0.0.1:8080"
	DefaultShutdown         = 15 * time.Second
	DefaultMode             = ModeDev
	DefaultDevDatabasePath  = ":memory:"
	DefaultProdDatabasePath = "mosaic.db"
	DefaultRedisAddr        = "localhost:6379"
	DefaultEventSubject     = "mosaic.robot.status"
	DefaultBearerTokenTTL   = time.Hour
	DefaultRobotTokenMaxAge = 30 * 24 * time.Hour

	DefaultAuthTimeout          = 10 * time.Second
	DefaultWSIdleTimeout        = 60 * time.Second
	DefaultWSPingInterval       = 20 * time.Second
	DefaultMaxMessageBytes      = int64(64 * 1024)
	DefaultMaxMessagesPerSecond = 50
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// StatusBackend selects where robot status writes land.
type StatusBackend string

const (
	StatusBackendSQLite StatusBackend = "sqlite"
	StatusBackendRedis  StatusBackend = "redis"
)

type MasterKeyConfig struct {
	// Base64 key material. Takes precedence over the KMS fields.
	Raw           string
	KMSCiphertext string
	KMSKeyID      string
	AWSRegion     string
}

// UseKMS reports whether the master key is unwrapped through AWS KMS.
func (c MasterKeyConfig) UseKMS() bool {
	return strings.TrimSpace(c.Raw) == "" && strings.TrimSpace(c.KMSCiphertext) != ""
}

func (c MasterKeyConfig) Configured() bool {
	return strings.TrimSpace(c.Raw) != "" || c.UseKMS()
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type NATSConfig struct {
	URL     string
	Subject string
}

func (c NATSConfig) Enabled() bool { return strings.TrimSpace(c.URL) != "" }

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

func (c KafkaConfig) Enabled() bool { return len(c.Brokers) > 0 }

type Config struct {
	ListenAddr      string
	AllowedOrigins  origin.Policy
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	MasterKey        MasterKeyConfig
	BearerTokenTTL   time.Duration
	RobotTokenMaxAge time.Duration

	DatabasePath  string
	SeedFile      string
	StatusBackend StatusBackend
	Redis         RedisConfig
	NATS          NATSConfig
	Kafka         KafkaConfig

	AuthTimeout          time.Duration
	WSIdleTimeout        time.Duration
	WSPingInterval       time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	ICEServers []webrtc.ICEServer
	// TURNREST, when enabled, replaces the credentials of TURN entries with
	// short-lived ones minted per request.
	TURNREST turnrest.Config

	iceConfigErr error
}

// ICEConfigError reports an ICE server configuration problem. It is kept out
// of Load's error so the process still serves signaling; /readyz and the
// ICE endpoint surface it instead.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	modeDefault := envOrDefault(lookup, envVarMode, string(DefaultMode))
	logFormatDefault := envOrDefault(lookup, envVarLogFormat, "")
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, "")

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")

	masterKey := MasterKeyConfig{
		Raw:           envOrDefault(lookup, envVarMasterKey, ""),
		KMSCiphertext: envOrDefault(lookup, envVarMasterKeyKMSCiphertext, ""),
		KMSKeyID:      envOrDefault(lookup, envVarKMSKeyID, ""),
		AWSRegion:     envOrDefault(lookup, envVarAWSRegion, ""),
	}

	databasePath := envOrDefault(lookup, envVarDatabasePath, "")
	seedFile := envOrDefault(lookup, envVarSeedFile, "")
	statusBackendStr := envOrDefault(lookup, envVarStatusBackend, string(StatusBackendSQLite))
	redisCfg := RedisConfig{
		Addr:     envOrDefault(lookup, envVarRedisAddr, DefaultRedisAddr),
		Password: envOrDefault(lookup, envVarRedisPassword, ""),
	}
	natsCfg := NATSConfig{
		URL:     envOrDefault(lookup, envVarNATSURL, ""),
		Subject: envOrDefault(lookup, envVarNATSSubject, DefaultEventSubject),
	}
	kafkaBrokers := envOrDefault(lookup, envVarKafkaBrokers, "")
	kafkaTopic := envOrDefault(lookup, envVarKafkaTopic, DefaultEventSubject)

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")
	turnREST := turnrest.Config{
		SharedSecret:   envOrDefault(lookup, envTurnRESTSharedSecret, ""),
		UsernamePrefix: envOrDefault(lookup, envTurnRESTUsernamePrefix, turnrest.DefaultUsernamePrefix),
	}

	redisDB, err := envIntOrDefault(lookup, envVarRedisDB, 0)
	if err != nil {
		return Config{}, err
	}
	redisCfg.DB = redisDB
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxMessagesPerSecond, DefaultMaxMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	maxMessageBytes, err := envIntOrDefault(lookup, envVarMaxMessageBytes, int(DefaultMaxMessageBytes))
	if err != nil {
		return Config{}, err
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	bearerTokenTTL, err := envDurationOrDefault(lookup, envVarBearerTokenTTL, DefaultBearerTokenTTL)
	if err != nil {
		return Config{}, err
	}
	robotTokenMaxAge, err := envDurationOrDefault(lookup, envVarRobotTokenMaxAge, DefaultRobotTokenMaxAge)
	if err != nil {
		return Config{}, err
	}
	authTimeout, err := envDurationOrDefault(lookup, envVarAuthTimeout, DefaultAuthTimeout)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	turnREST.TTL, err = envDurationOrDefault(lookup, envTurnRESTTTL, turnrest.DefaultTTL)
	if err != nil {
		return Config{}, err
	}

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs := flag.NewFlagSet("mosaic-signaling", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json (default depends on mode)")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error (default depends on mode)")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.StringVar(&masterKey.Raw, "master-key", masterKey.Raw, "Base64 master key sealing stored key pairs (env "+envVarMasterKey+")")
	fs.StringVar(&masterKey.KMSCiphertext, "kms-master-key-ciphertext", masterKey.KMSCiphertext, "Base64 KMS ciphertext of the master key (env "+envVarMasterKeyKMSCiphertext+")")
	fs.StringVar(&masterKey.KMSKeyID, "kms-key-id", masterKey.KMSKeyID, "KMS key id used to decrypt the master key (env "+envVarKMSKeyID+")")
	fs.StringVar(&masterKey.AWSRegion, "kms-region", masterKey.AWSRegion, "AWS region for KMS (env "+envVarAWSRegion+")")
	fs.DurationVar(&bearerTokenTTL, "bearer-token-ttl", bearerTokenTTL, "Lifetime of bearer tokens minted by mosaic-tokenctl")
	fs.DurationVar(&robotTokenMaxAge, "robot-token-max-age", robotTokenMaxAge, "Maximum accepted age of robot simple tokens")

	fs.StringVar(&databasePath, "database-path", databasePath, "SQLite database path (default :memory: in dev, mosaic.db in prod)")
	fs.StringVar(&seedFile, "seed-file", seedFile, "YAML file of robots loaded at startup (env "+envVarSeedFile+")")
	fs.StringVar(&statusBackendStr, "status-backend", statusBackendStr, "Robot status store: sqlite or redis")
	fs.StringVar(&redisCfg.Addr, "redis-addr", redisCfg.Addr, "Redis address for the redis status backend")
	fs.StringVar(&redisCfg.Password, "redis-password", redisCfg.Password, "Redis password")
	fs.IntVar(&redisCfg.DB, "redis-db", redisCfg.DB, "Redis database number")
	fs.StringVar(&natsCfg.URL, "nats-url", natsCfg.URL, "NATS URL for robot status events (empty disables)")
	fs.StringVar(&natsCfg.Subject, "nats-subject", natsCfg.Subject, "NATS subject prefix for robot status events")
	fs.StringVar(&kafkaBrokers, "kafka-brokers", kafkaBrokers, "Comma-separated Kafka brokers for robot status events (empty disables)")
	fs.StringVar(&kafkaTopic, "kafka-topic", kafkaTopic, "Kafka topic for robot status events")

	fs.DurationVar(&authTimeout, "auth-timeout", authTimeout, "Time a WebSocket has to authorize before it is closed")
	fs.DurationVar(&wsIdleTimeout, "ws-idle-timeout", wsIdleTimeout, "Close authenticated WebSockets idle for this long")
	fs.DurationVar(&wsPingInterval, "ws-ping-interval", wsPingInterval, "WebSocket keepalive ping interval")
	fs.IntVar(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Maximum inbound WebSocket message size in bytes")
	fs.IntVar(&maxMessagesPerSecond, "max-messages-per-second", maxMessagesPerSecond, "Inbound messages per second allowed per WebSocket")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.DurationVar(&turnREST.TTL, "turn-rest-ttl", turnREST.TTL, "Lifetime of minted TURN REST credentials ("+envTurnRESTTTL+")")
	fs.StringVar(&turnREST.UsernamePrefix, "turn-rest-username-prefix", turnREST.UsernamePrefix, "Username prefix of minted TURN REST credentials ("+envTurnRESTUsernamePrefix+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(logFormatStr) == "" {
		logFormatStr = defaultLogFormatForMode(mode)
	}
	if strings.TrimSpace(logLevelStr) == "" {
		logLevelStr = defaultLogLevelForMode(mode)
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	allowedOrigins, err := origin.ParseList(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/%s: %w", envVarAllowedOrigins, "--allowed-origins", err)
	}

	statusBackend, err := parseStatusBackend(statusBackendStr)
	if err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(databasePath) == "" {
		databasePath = DefaultDevDatabasePath
		if mode == ModeProd {
			databasePath = DefaultProdDatabasePath
		}
	}

	if mode == ModeProd && !masterKey.Configured() {
		return Config{}, fmt.Errorf("prod mode requires %s or %s", envVarMasterKey, envVarMasterKeyKMSCiphertext)
	}

	switch {
	case shutdownTimeout <= 0:
		return Config{}, fmt.Errorf("shutdown timeout must be > 0 (got %s)", shutdownTimeout)
	case bearerTokenTTL <= 0:
		return Config{}, fmt.Errorf("bearer token ttl must be > 0 (got %s)", bearerTokenTTL)
	case robotTokenMaxAge <= 0:
		return Config{}, fmt.Errorf("robot token max age must be > 0 (got %s)", robotTokenMaxAge)
	case authTimeout <= 0:
		return Config{}, fmt.Errorf("auth timeout must be > 0 (got %s)", authTimeout)
	case wsIdleTimeout <= 0:
		return Config{}, fmt.Errorf("ws idle timeout must be > 0 (got %s)", wsIdleTimeout)
	case wsPingInterval <= 0 || wsPingInterval >= wsIdleTimeout:
		return Config{}, fmt.Errorf("ws ping interval must be > 0 and below the idle timeout (got %s, idle %s)", wsPingInterval, wsIdleTimeout)
	case maxMessageBytes <= 0:
		return Config{}, fmt.Errorf("max message bytes must be > 0 (got %d)", maxMessageBytes)
	case maxMessagesPerSecond <= 0:
		return Config{}, fmt.Errorf("max messages per second must be > 0 (got %d)", maxMessagesPerSecond)
	}

	kafkaCfg := KafkaConfig{Brokers: splitCommaSeparated(kafkaBrokers), Topic: strings.TrimSpace(kafkaTopic)}
	if kafkaCfg.Enabled() && kafkaCfg.Topic == "" {
		return Config{}, errors.New("kafka topic must not be empty when brokers are set")
	}
	natsCfg.Subject = strings.TrimSpace(natsCfg.Subject)
	if natsCfg.Enabled() && natsCfg.Subject == "" {
		return Config{}, errors.New("nats subject must not be empty when a url is set")
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		MasterKey:        masterKey,
		BearerTokenTTL:   bearerTokenTTL,
		RobotTokenMaxAge: robotTokenMaxAge,

		DatabasePath:  databasePath,
		SeedFile:      strings.TrimSpace(seedFile),
		StatusBackend: statusBackend,
		Redis:         redisCfg,
		NATS:          natsCfg,
		Kafka:         kafkaCfg,

		AuthTimeout:          authTimeout,
		WSIdleTimeout:        wsIdleTimeout,
		WSPingInterval:       wsPingInterval,
		MaxMessageBytes:      int64(maxMessageBytes),
		MaxMessagesPerSecond: maxMessagesPerSecond,
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential, turnREST.Enabled())
	if err == nil {
		err = turnREST.Validate()
	}
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
		cfg.TURNREST = turnREST
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode Mode) string {
	if mode == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode Mode) string {
	if mode == ModeProd {
		return "info"
	}
	return "debug"
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseStatusBackend(raw string) (StatusBackend, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(StatusBackendSQLite):
		return StatusBackendSQLite, nil
	case string(StatusBackendRedis):
		return StatusBackendRedis, nil
	default:
		return "", fmt.Errorf("invalid status backend %q (expected sqlite or redis)", raw)
	}
}
