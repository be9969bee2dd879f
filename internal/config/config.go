package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envListenAddr      = "SIGNAL_RELAY_LISTEN_ADDR"
	envMode            = "SIGNAL_RELAY_MODE"
	envLogFormat       = "SIGNAL_RELAY_LOG_FORMAT"
	envLogLevel        = "SIGNAL_RELAY_LOG_LEVEL"
	envShutdownTimeout = "SIGNAL_RELAY_SHUTDOWN_TIMEOUT"

	envAllowedOrigins = "ALLOWED_ORIGINS"

	envSweepInterval        = "SWEEP_INTERVAL"
	envWSIdleTimeout        = "WS_IDLE_TIMEOUT"
	envWSPingInterval       = "WS_PING_INTERVAL"
	envMaxMessageBytes      = "MAX_MESSAGE_BYTES"
	envMaxMessagesPerSecond = "MAX_MESSAGES_PER_SECOND"
	envMaxRoomCapacity      = "MAX_ROOM_CAPACITY"
)

const (
	DefaultListenAddr           = "127.0.0.1:8080"
	DefaultShutdownTimeout      = 15 * time.Second
	DefaultSweepInterval        = 60 * time.Second
	DefaultWSIdleTimeout        = 60 * time.Second
	DefaultMaxMessageBytes      = int64(64 * 1024)
	DefaultMaxMessagesPerSecond = 50
	DefaultMaxRoomCapacity      = 16
)

type Mode string

const (
	ModeDev        Mode = "dev"
	ModeProduction Mode = "production"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// AllowedOrigins restricts websocket upgrades by browser Origin. Empty
	// means mode-dependent: allow all in dev, same-host in production.
	AllowedOrigins []string

	// SweepInterval is how often the lifecycle supervisor deletes garbage
	// rooms.
	SweepInterval time.Duration

	WSIdleTimeout  time.Duration
	WSPingInterval time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// MaxRoomCapacity clamps client-requested room capacities. 0 = no clamp.
	MaxRoomCapacity int

	// ICEServers is handed to browser peers via GET /webrtc/ice so they can
	// construct their RTCPeerConnections. The relay itself never dials them.
	ICEServers []webrtc.ICEServer
}

// Load reads configuration from the environment. args is parsed only so
// -h/-help behaves; the relay is configured exclusively via env vars.
func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

// load takes the env lookup as a parameter so tests can feed a plain map.
func load(lookup func(string) (string, bool), args []string) (Config, error) {
	fs := flag.NewFlagSet("signal-relay", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode := Mode(envOrDefault(lookup, envMode, string(ModeDev)))
	switch mode {
	case ModeDev, ModeProduction:
	default:
		return Config{}, fmt.Errorf("invalid %s %q (want dev or production)", envMode, mode)
	}

	logFormatDefault := LogFormatText
	logLevelDefault := slog.LevelDebug
	if mode == ModeProduction {
		logFormatDefault = LogFormatJSON
		logLevelDefault = slog.LevelInfo
	}

	logFormat := LogFormat(envOrDefault(lookup, envLogFormat, string(logFormatDefault)))
	switch logFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return Config{}, fmt.Errorf("invalid %s %q (want text or json)", envLogFormat, logFormat)
	}

	logLevel := logLevelDefault
	if raw, ok := lookup(envLogLevel); ok && strings.TrimSpace(raw) != "" {
		if err := logLevel.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envLogLevel, raw, err)
		}
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	sweepInterval, err := envDurationOrDefault(lookup, envSweepInterval, DefaultSweepInterval)
	if err != nil {
		return Config{}, err
	}
	if sweepInterval <= 0 {
		return Config{}, fmt.Errorf("invalid %s: must be positive", envSweepInterval)
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envWSPingInterval, 0)
	if err != nil {
		return Config{}, err
	}

	maxMessageBytes, err := envInt64OrDefault(lookup, envMaxMessageBytes, DefaultMaxMessageBytes)
	if err != nil {
		return Config{}, err
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envMaxMessagesPerSecond, DefaultMaxMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	maxRoomCapacity, err := envIntOrDefault(lookup, envMaxRoomCapacity, DefaultMaxRoomCapacity)
	if err != nil {
		return Config{}, err
	}
	if maxRoomCapacity < 0 {
		return Config{}, fmt.Errorf("invalid %s: must be >= 0", envMaxRoomCapacity)
	}

	iceServers, err := parseICEServersFromValues(
		envOrDefault(lookup, envICEServersJSON, ""),
		envOrDefault(lookup, envStunURLs, ""),
		envOrDefault(lookup, envTurnURLs, ""),
		envOrDefault(lookup, envTurnUsername, ""),
		envOrDefault(lookup, envTurnCredential, ""),
	)
	if err != nil {
		return Config{}, err
	}

	return Config{
		ListenAddr:           envOrDefault(lookup, envListenAddr, DefaultListenAddr),
		Mode:                 mode,
		LogFormat:            logFormat,
		LogLevel:             logLevel,
		ShutdownTimeout:      shutdownTimeout,
		AllowedOrigins:       splitCommaSeparated(envOrDefault(lookup, envAllowedOrigins, "")),
		SweepInterval:        sweepInterval,
		WSIdleTimeout:        wsIdleTimeout,
		WSPingInterval:       wsPingInterval,
		MaxMessageBytes:      maxMessageBytes,
		MaxMessagesPerSecond: maxMessagesPerSecond,
		MaxRoomCapacity:      maxRoomCapacity,
		ICEServers:           iceServers,
	}, nil
}

// NewLogger builds the process logger from the loaded configuration.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

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

func envOrDefault(lookup func(string) (string, bool), key, def string) string {
	if raw, ok := lookup(key); ok && strings.TrimSpace(raw) != "" {
		return strings.TrimSpace(raw)
	}
	return def
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, def time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return def, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envIntOrDefault(lookup func(string) (string, bool), key string, def int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envInt64OrDefault(lookup func(string) (string, bool), key string, def int64) (int64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func splitCommaSeparated(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
