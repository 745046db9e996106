package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "ENSEMBLE_RELAY_LISTEN_ADDR"
	envVarInstanceID      = "ENSEMBLE_RELAY_INSTANCE_ID"
	envVarStorePath       = "ENSEMBLE_RELAY_STORE_PATH"
	envVarLogFormat       = "ENSEMBLE_RELAY_LOG_FORMAT"
	envVarLogLevel        = "ENSEMBLE_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "ENSEMBLE_RELAY_SHUTDOWN_TIMEOUT"
	envVarMode            = "ENSEMBLE_RELAY_MODE"

	// Presence and mailbox knobs.
	envVarPeerTTL           = "ENSEMBLE_RELAY_PEER_TTL"
	envVarSweepInterval     = "ENSEMBLE_RELAY_SWEEP_INTERVAL"
	envVarMailboxTTL        = "ENSEMBLE_RELAY_MAILBOX_TTL"
	envVarHeartbeatInterval = "ENSEMBLE_RELAY_HEARTBEAT_INTERVAL"

	// Signaling WebSocket hardening.
	envVarMaxSignalingMessageBytes      = "ENSEMBLE_RELAY_MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "ENSEMBLE_RELAY_MAX_SIGNALING_MESSAGES_PER_SECOND"

	// Peer-connection orchestration (embedded headless peers).
	envVarPingInterval         = "ENSEMBLE_RELAY_PING_INTERVAL"
	envVarReconnectBaseDelay   = "ENSEMBLE_RELAY_RECONNECT_BASE_DELAY"
	envVarMaxReconnectFailures = "ENSEMBLE_RELAY_MAX_RECONNECT_FAILURES"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "ENSEMBLE_RELAY_TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "ENSEMBLE_RELAY_TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "ENSEMBLE_RELAY_TURN_REST_USERNAME_PREFIX"

	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev

	DefaultPeerTTL           = 30 * time.Second
	DefaultSweepInterval     = 5 * time.Second
	DefaultMailboxTTL        = 5 * time.Minute
	DefaultHeartbeatInterval = 5 * time.Second

	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50

	DefaultPingInterval         = 5 * time.Second
	DefaultReconnectBaseDelay   = time.Second
	DefaultMaxReconnectFailures = 5

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "ensemble"
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

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr string

	// InstanceID identifies this relay instance in shared store rows so a peer
	// registered on one instance can be told apart from a row written by
	// another. Defaults to a random UUID per process.
	InstanceID string

	// StorePath is the SQLite database path for the shared presence/mailbox
	// store. Empty means an in-memory store (single instance only).
	StorePath string

	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	// PeerTTL is how long a peer stays present without a heartbeat before the
	// liveness sweep drops it.
	PeerTTL           time.Duration
	SweepInterval     time.Duration
	MailboxTTL        time.Duration
	HeartbeatInterval time.Duration

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	// PingInterval is the data-channel latency probe cadence.
	PingInterval time.Duration

	ReconnectBaseDelay   time.Duration
	MaxReconnectFailures int

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	iceConfigErr error
}

// ICEConfigError reports a deferred ICE configuration parse failure. The relay
// can still serve signaling without ICE servers, so Load records the error
// instead of failing startup; /readyz surfaces it.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	instanceID := envOrDefault(lookup, envVarInstanceID, "")
	storePath := envOrDefault(lookup, envVarStorePath, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")
	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)

	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	peerTTL, err := envDurationOrDefault(lookup, envVarPeerTTL, DefaultPeerTTL)
	if err != nil {
		return Config{}, err
	}
	sweepInterval, err := envDurationOrDefault(lookup, envVarSweepInterval, DefaultSweepInterval)
	if err != nil {
		return Config{}, err
	}
	mailboxTTL, err := envDurationOrDefault(lookup, envVarMailboxTTL, DefaultMailboxTTL)
	if err != nil {
		return Config{}, err
	}
	heartbeatInterval, err := envDurationOrDefault(lookup, envVarHeartbeatInterval, DefaultHeartbeatInterval)
	if err != nil {
		return Config{}, err
	}
	pingInterval, err := envDurationOrDefault(lookup, envVarPingInterval, DefaultPingInterval)
	if err != nil {
		return Config{}, err
	}
	reconnectBaseDelay, err := envDurationOrDefault(lookup, envVarReconnectBaseDelay, DefaultReconnectBaseDelay)
	if err != nil {
		return Config{}, err
	}

	maxReconnectFailures, err := envIntOrDefault(lookup, envVarMaxReconnectFailures, DefaultMaxReconnectFailures)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}

	fs := flag.NewFlagSet("ensemble-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&instanceID, "instance-id", instanceID, "Relay instance id for shared-store rows (default: random UUID; env "+envVarInstanceID+")")
	fs.StringVar(&storePath, "store-path", storePath, "SQLite path for the shared presence/mailbox store (empty = in-memory; env "+envVarStorePath+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.DurationVar(&peerTTL, "peer-ttl", peerTTL, "Drop peers that miss heartbeats for this long (env "+envVarPeerTTL+")")
	fs.DurationVar(&sweepInterval, "sweep-interval", sweepInterval, "Liveness sweep cadence (must be < --peer-ttl; env "+envVarSweepInterval+")")
	fs.DurationVar(&mailboxTTL, "mailbox-ttl", mailboxTTL, "Expire undelivered mailbox entries after this duration (env "+envVarMailboxTTL+")")
	fs.DurationVar(&heartbeatInterval, "heartbeat-interval", heartbeatInterval, "Heartbeat cadence advertised to embedded peers (must be < --peer-ttl; env "+envVarHeartbeatInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling WS message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound signaling WS messages per second (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.DurationVar(&pingInterval, "ping-interval", pingInterval, "Data-channel latency probe interval (env "+envVarPingInterval+")")
	fs.DurationVar(&reconnectBaseDelay, "reconnect-base-delay", reconnectBaseDelay, "Base delay before signaling reconnect attempts (env "+envVarReconnectBaseDelay+")")
	fs.IntVar(&maxReconnectFailures, "max-reconnect-failures", maxReconnectFailures, "Consecutive signaling reconnect failures before giving up (env "+envVarMaxReconnectFailures+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret ("+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds ("+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix ("+envVarTURNRESTUsernamePrefix+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}

	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if peerTTL <= 0 {
		return Config{}, fmt.Errorf("%s/--peer-ttl must be > 0", envVarPeerTTL)
	}
	if sweepInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--sweep-interval must be > 0", envVarSweepInterval)
	}
	if sweepInterval >= peerTTL {
		return Config{}, fmt.Errorf("%s/--sweep-interval must be < %s/--peer-ttl", envVarSweepInterval, envVarPeerTTL)
	}
	if mailboxTTL <= 0 {
		return Config{}, fmt.Errorf("%s/--mailbox-ttl must be > 0", envVarMailboxTTL)
	}
	if heartbeatInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--heartbeat-interval must be > 0", envVarHeartbeatInterval)
	}
	if heartbeatInterval >= peerTTL {
		return Config{}, fmt.Errorf("%s/--heartbeat-interval must be < %s/--peer-ttl", envVarHeartbeatInterval, envVarPeerTTL)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", envVarMaxSignalingMessagesPerSecond)
	}
	if pingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--ping-interval must be > 0", envVarPingInterval)
	}
	if reconnectBaseDelay <= 0 {
		return Config{}, fmt.Errorf("%s/--reconnect-base-delay must be > 0", envVarReconnectBaseDelay)
	}
	if maxReconnectFailures <= 0 {
		return Config{}, fmt.Errorf("%s/--max-reconnect-failures must be > 0", envVarMaxReconnectFailures)
	}

	if strings.TrimSpace(turnRESTSharedSecret) != "" {
		if turnRESTTTLSeconds <= 0 {
			return Config{}, fmt.Errorf("%s must be > 0 when %s is set", envVarTURNRESTTTLSeconds, envVarTURNRESTSharedSecret)
		}
		if strings.TrimSpace(turnRESTUsernamePrefix) == "" {
			return Config{}, fmt.Errorf("%s must be non-empty when %s is set", envVarTURNRESTUsernamePrefix, envVarTURNRESTSharedSecret)
		}
		if strings.Contains(turnRESTUsernamePrefix, ":") {
			return Config{}, fmt.Errorf("%s must not contain ':'", envVarTURNRESTUsernamePrefix)
		}
	}

	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		InstanceID:      instanceID,
		StorePath:       strings.TrimSpace(storePath),
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		PeerTTL:           peerTTL,
		SweepInterval:     sweepInterval,
		MailboxTTL:        mailboxTTL,
		HeartbeatInterval: heartbeatInterval,

		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,

		PingInterval:         pingInterval,
		ReconnectBaseDelay:   reconnectBaseDelay,
		MaxReconnectFailures: maxReconnectFailures,

		TURNREST: TurnRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: turnRESTUsernamePrefix,
		},
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential, cfg.TURNREST.Enabled())
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
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

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
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
