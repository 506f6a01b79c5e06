package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Servers     []string
	Insecure    bool
	ResumeToken string

	StateDir      string
	MongoURI      string
	MongoDatabase string

	KeepAlive         time.Duration
	ReconnectDelay    time.Duration
	UploadChunkSize   int
	UploadConcurrency int

	Debug  bool
	LogDir string

	// Port 0 or an empty MasterSecret disables the control API.
	Port         int
	MasterSecret string
	// APIKeys is the comma separated list of ed25519 public keys allowed
	// to sign in to the control API.
	APIKeys      string
	GinMode      string
	TLSCertFile  string
	TLSKeyFile   string
	TokenExpiry  time.Duration
}

// APIEnabled reports whether the control API should be served.
func (c Config) APIEnabled() bool {
	return c.Port > 0 && c.MasterSecret != ""
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		MongoDatabase:     "rocketsync",
		KeepAlive:         30 * time.Second,
		ReconnectDelay:    5 * time.Second,
		UploadChunkSize:   8192,
		UploadConcurrency: 3,
		Port:              3000,
		GinMode:           "release",
		TokenExpiry:       7 * 24 * time.Hour,
	}

	for _, host := range strings.Split(env.Getenv("SYNC_SERVERS"), ",") {
		if host = strings.TrimSpace(host); host != "" {
			cfg.Servers = append(cfg.Servers, host)
		}
	}
	if len(cfg.Servers) == 0 {
		return Config{}, fmt.Errorf("SYNC_SERVERS is required")
	}

	var err error
	if cfg.Insecure, err = boolVar(env, "SYNC_INSECURE", cfg.Insecure); err != nil {
		return Config{}, err
	}
	if cfg.Debug, err = boolVar(env, "SYNC_DEBUG", cfg.Debug); err != nil {
		return Config{}, err
	}

	cfg.ResumeToken = env.Getenv("SYNC_RESUME_TOKEN")
	cfg.StateDir = env.Getenv("SYNC_STATE_DIR")
	cfg.MongoURI = env.Getenv("SYNC_MONGO_URI")
	if raw := env.Getenv("SYNC_MONGO_DATABASE"); raw != "" {
		cfg.MongoDatabase = raw
	}
	cfg.LogDir = env.Getenv("SYNC_LOG_DIR")

	if cfg.KeepAlive, err = secondsVar(env, "SYNC_KEEPALIVE_SECONDS", cfg.KeepAlive); err != nil {
		return Config{}, err
	}
	if cfg.ReconnectDelay, err = secondsVar(env, "SYNC_RECONNECT_SECONDS", cfg.ReconnectDelay); err != nil {
		return Config{}, err
	}
	if cfg.UploadChunkSize, err = positiveVar(env, "SYNC_UPLOAD_CHUNK_BYTES", cfg.UploadChunkSize); err != nil {
		return Config{}, err
	}
	if cfg.UploadConcurrency, err = positiveVar(env, "SYNC_UPLOAD_CONCURRENCY", cfg.UploadConcurrency); err != nil {
		return Config{}, err
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port < 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid PORT")
		}
		cfg.Port = port
	}

	cfg.MasterSecret = env.Getenv("MASTER_SECRET")
	cfg.APIKeys = env.Getenv("SYNC_API_KEYS")

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}

	cfg.TLSCertFile = env.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = env.Getenv("TLS_KEY_FILE")
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return Config{}, fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}

	if cfg.TokenExpiry, err = secondsVar(env, "TOKEN_EXPIRY_SECONDS", cfg.TokenExpiry); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func boolVar(env Env, key string, def bool) (bool, error) {
	raw := env.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s", key)
	}
	return v, nil
}

func positiveVar(env Env, key string, def int) (int, error) {
	raw := env.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return v, nil
}

func secondsVar(env Env, key string, def time.Duration) (time.Duration, error) {
	raw := env.Getenv(key)
	if raw == "" {
		return def, nil
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return time.Duration(seconds) * time.Second, nil
}
