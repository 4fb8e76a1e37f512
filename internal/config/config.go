package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/petervdpas/callsync/internal/util"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Paths     Paths     `json:"paths"`
	Backend   Backend   `json:"backend"`
	Transport Transport `json:"transport"`
	Signaling Signaling `json:"signaling"`
	Media     Media     `json:"media"`
	Surface   Surface   `json:"surface"`
	Viewer    Viewer    `json:"viewer"`
	Log       Log       `json:"log"`
}

type Identity struct {
	// Bearer token used for every backend request. Usually supplied through
	// CALLSYNC_TOKEN rather than written to disk.
	Token string `json:"token"`

	// Authenticated user id. Empty means "read it from the token claims".
	UserID string `json:"user_id"`
}

type Paths struct {
	DataDir      string `json:"data_dir"`
	BroadcastDir string `json:"broadcast_dir"`
}

type Backend struct {
	// Base URL of the REST API, e.g. https://chat.example.org/api
	APIURL string `json:"api_url"`

	// WebSocket base URL. Empty derives ws(s):// from APIURL.
	SocketURL string `json:"socket_url"`

	// Path of the general notification socket.
	MainPath string `json:"main_path"`

	// Path of the call-signaling socket.
	SignalingPath string `json:"signaling_path"`

	RequestTimeoutSec int `json:"request_timeout_seconds"`
}

type Transport struct {
	ReconnectAttempts   int `json:"reconnect_attempts"`
	ReconnectDelayMS    int `json:"reconnect_delay_ms"`
	ReconnectMaxDelayMS int `json:"reconnect_max_delay_ms"`
	PingIntervalSec     int `json:"ping_interval_seconds"`
}

type Signaling struct {
	// Duplicate suppression window. Empirical; tune freely.
	QuarantineMS int `json:"quarantine_ms"`
}

type Media struct {
	MaxAttempts      int      `json:"max_attempts"`
	InitialBackoffMS int      `json:"initial_backoff_ms"`
	BackoffFactor    float64  `json:"backoff_factor"`
	MaxBackoffMS     int      `json:"max_backoff_ms"`
	AttemptTimeoutMS int      `json:"attempt_timeout_ms"`
	OfflineWaitMS    int      `json:"offline_wait_ms"`
	STUNServers      []string `json:"stun_servers"`
}

type Surface struct {
	SnapshotTTLSec int `json:"snapshot_ttl_seconds"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
}

type Log struct {
	Level  string `json:"level"`
	Pretty bool   `json:"pretty"`
}

func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:      "data",
			BroadcastDir: "data/broadcast",
		},
		Backend: Backend{
			APIURL:            "http://localhost:3000/api",
			MainPath:          "/ws",
			SignalingPath:     "/call",
			RequestTimeoutSec: 10,
		},
		Transport: Transport{
			ReconnectAttempts:   5,
			ReconnectDelayMS:    1000,
			ReconnectMaxDelayMS: 5000,
			PingIntervalSec:     25,
		},
		Signaling: Signaling{
			QuarantineMS: 3000,
		},
		Media: Media{
			MaxAttempts:      3,
			InitialBackoffMS: 1000,
			BackoffFactor:    1.5,
			MaxBackoffMS:     4000,
			AttemptTimeoutMS: 15000,
			OfflineWaitMS:    10000,
			STUNServers:      []string{"stun:stun.l.google.com:19302"},
		},
		Surface: Surface{
			SnapshotTTLSec: 120,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8790",
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Paths
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}
	if strings.TrimSpace(c.Paths.BroadcastDir) == "" {
		return errors.New("paths.broadcast_dir is required")
	}

	// Backend
	if err := validateHTTPURL(c.Backend.APIURL); err != nil {
		return fmt.Errorf("backend.api_url: %w", err)
	}
	if s := strings.TrimSpace(c.Backend.SocketURL); s != "" {
		u, err := url.Parse(s)
		if err != nil {
			return fmt.Errorf("backend.socket_url: invalid url: %v", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return errors.New("backend.socket_url: scheme must be ws or wss")
		}
	}
	if !strings.HasPrefix(c.Backend.MainPath, "/") {
		return errors.New("backend.main_path must start with /")
	}
	if !strings.HasPrefix(c.Backend.SignalingPath, "/") {
		return errors.New("backend.signaling_path must start with /")
	}
	if c.Backend.RequestTimeoutSec <= 0 {
		return errors.New("backend.request_timeout_seconds must be > 0")
	}

	// Transport
	if c.Transport.ReconnectAttempts < 0 {
		return errors.New("transport.reconnect_attempts must be >= 0")
	}
	if c.Transport.ReconnectDelayMS <= 0 {
		return errors.New("transport.reconnect_delay_ms must be > 0")
	}
	if c.Transport.ReconnectMaxDelayMS < c.Transport.ReconnectDelayMS {
		return errors.New("transport.reconnect_max_delay_ms must be >= transport.reconnect_delay_ms")
	}
	if c.Transport.PingIntervalSec <= 0 {
		return errors.New("transport.ping_interval_seconds must be > 0")
	}

	// Signaling
	if c.Signaling.QuarantineMS <= 0 {
		return errors.New("signaling.quarantine_ms must be > 0")
	}

	// Media
	if c.Media.MaxAttempts < 1 || c.Media.MaxAttempts > 3 {
		return errors.New("media.max_attempts must be 1..3")
	}
	if c.Media.InitialBackoffMS <= 0 {
		return errors.New("media.initial_backoff_ms must be > 0")
	}
	if c.Media.BackoffFactor < 1 {
		return errors.New("media.backoff_factor must be >= 1")
	}
	if c.Media.MaxBackoffMS < c.Media.InitialBackoffMS {
		return errors.New("media.max_backoff_ms must be >= media.initial_backoff_ms")
	}
	if c.Media.AttemptTimeoutMS <= 0 {
		return errors.New("media.attempt_timeout_ms must be > 0")
	}
	if c.Media.OfflineWaitMS < 0 {
		return errors.New("media.offline_wait_ms must be >= 0")
	}

	// Surface
	if c.Surface.SnapshotTTLSec <= 0 {
		return errors.New("surface.snapshot_ttl_seconds must be > 0")
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of trace|debug|info|warn|error", c.Log.Level)
	}

	return nil
}

func validateHTTPURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// SocketBase returns the ws(s):// base for the two sockets.
func (c *Config) SocketBase() string {
	if s := strings.TrimSpace(c.Backend.SocketURL); s != "" {
		return strings.TrimRight(s, "/")
	}
	u, err := url.Parse(c.Backend.APIURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	// Sockets hang off the host root, not the /api prefix.
	u.Path = ""
	return strings.TrimRight(u.String(), "/")
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (t Transport) ReconnectDelay() time.Duration    { return ms(t.ReconnectDelayMS) }
func (t Transport) ReconnectMaxDelay() time.Duration { return ms(t.ReconnectMaxDelayMS) }
func (t Transport) PingInterval() time.Duration      { return time.Duration(t.PingIntervalSec) * time.Second }
func (s Signaling) Quarantine() time.Duration        { return ms(s.QuarantineMS) }
func (m Media) InitialBackoff() time.Duration        { return ms(m.InitialBackoffMS) }
func (m Media) MaxBackoff() time.Duration            { return ms(m.MaxBackoffMS) }
func (m Media) AttemptTimeout() time.Duration        { return ms(m.AttemptTimeoutMS) }
func (m Media) OfflineWait() time.Duration           { return ms(m.OfflineWaitMS) }
func (s Surface) SnapshotTTL() time.Duration         { return time.Duration(s.SnapshotTTLSec) * time.Second }
func (b Backend) RequestTimeout() time.Duration      { return time.Duration(b.RequestTimeoutSec) * time.Second }

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	ApplyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// ApplyEnv loads .env (if present) and overlays CALLSYNC_* variables.
func ApplyEnv(cfg *Config) {
	_ = godotenv.Load()

	if v := os.Getenv("CALLSYNC_API_URL"); v != "" {
		cfg.Backend.APIURL = v
	}
	if v := os.Getenv("CALLSYNC_SOCKET_URL"); v != "" {
		cfg.Backend.SocketURL = v
	}
	if v := os.Getenv("CALLSYNC_TOKEN"); v != "" {
		cfg.Identity.Token = v
	}
	if v := os.Getenv("CALLSYNC_USER_ID"); v != "" {
		cfg.Identity.UserID = v
	}
	if v := os.Getenv("CALLSYNC_DATA_DIR"); v != "" {
		cfg.Paths.DataDir = v
		cfg.Paths.BroadcastDir = util.ResolvePath(v, "broadcast")
	}
	if v := os.Getenv("CALLSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

// Save writes cfg without the token; tokens stay in the environment.
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.Identity.Token = ""
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	ApplyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, true, err
	}
	return cfg, true, nil
}
