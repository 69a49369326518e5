package cfg

import (
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Secret wraps sensitive config values so they never leak through logging.
type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}

func (s Secret) Value() string  { return string(s.value) }
func (s Secret) Bytes() []byte  { return s.value }
func (s Secret) String() string { return "***REDACTED***" }

func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}

// Cfg is the immutable process configuration, loaded once at startup and
// passed to component constructors.
type Cfg struct {
	Addr        string
	Environment string
	LogLevel    string

	// DatabasePath empty means an ephemeral in-memory database.
	DatabasePath   string
	DBMaxOpenConns int
	DBMaxIdleConns int
	DBQueryTimeout time.Duration

	CacheSize   int
	MaxBodySize int64

	SigningSecret Secret
	Issuer        string
	TokenValidity time.Duration
	GraceWindow   time.Duration

	// ContentKey, when set, enables at-rest encryption of paste bodies.
	ContentKey Secret

	SweepInterval time.Duration
	MaxExpiry     time.Duration

	RedisURL     string
	RedisTimeout time.Duration

	ContextTimeout time.Duration
}

func Load() (*Cfg, error) {
	c := &Cfg{}
	c.Addr = getEnv("WASTEBIN_ADDRESS_PORT", "0.0.0.0:8088")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.DatabasePath = getEnv("WASTEBIN_DATABASE_PATH", "")
	var err error
	c.DBMaxOpenConns, err = getInt("WASTEBIN_DB_MAX_OPEN_CONNS", 25)
	if err != nil {
		return nil, err
	}
	c.DBMaxIdleConns, err = getInt("WASTEBIN_DB_MAX_IDLE_CONNS", 5)
	if err != nil {
		return nil, err
	}
	c.DBQueryTimeout, err = getDuration("WASTEBIN_DB_QUERY_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.CacheSize, err = getInt("WASTEBIN_CACHE_SIZE", 128)
	if err != nil {
		return nil, err
	}
	c.MaxBodySize, err = getInt64("WASTEBIN_MAX_BODY_SIZE", 1024*1024)
	if err != nil {
		return nil, err
	}
	c.SigningSecret = NewSecret(getEnv("WASTEBIN_SIGNING_SECRET", ""))
	c.Issuer = getEnv("WASTEBIN_ISSUER", "wastebin")
	c.TokenValidity, err = getDuration("WASTEBIN_TOKEN_VALIDITY", 30*24*time.Hour)
	if err != nil {
		return nil, err
	}
	c.GraceWindow, err = getDuration("WASTEBIN_GRACE_WINDOW", time.Minute)
	if err != nil {
		return nil, err
	}
	c.ContentKey = NewSecret(getEnv("WASTEBIN_CONTENT_KEY", ""))
	c.SweepInterval, err = getDuration("WASTEBIN_SWEEP_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	c.MaxExpiry, err = getDuration("WASTEBIN_MAX_EXPIRY", 0)
	if err != nil {
		return nil, err
	}
	c.RedisURL = getEnv("WASTEBIN_REDIS_URL", "")
	c.RedisTimeout, err = getDuration("WASTEBIN_REDIS_TIMEOUT", 3*time.Second)
	if err != nil {
		return nil, err
	}
	c.ContextTimeout, err = getDuration("WASTEBIN_CONTEXT_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func Validate(c *Cfg) error {
	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		return errors.Wrap(err, "WASTEBIN_ADDRESS_PORT must be host:port")
	}
	if len(c.SigningSecret.Value()) < 32 {
		return errors.New("WASTEBIN_SIGNING_SECRET must be at least 32 bytes")
	}
	if c.CacheSize < 0 {
		return errors.New("WASTEBIN_CACHE_SIZE must be >= 0 (0 disables caching)")
	}
	if c.MaxBodySize <= 0 {
		return errors.New("WASTEBIN_MAX_BODY_SIZE must be positive")
	}
	if c.MaxBodySize > 10*1024*1024 {
		return errors.New("WASTEBIN_MAX_BODY_SIZE cannot exceed 10MB")
	}
	if c.TokenValidity < time.Minute {
		return errors.New("WASTEBIN_TOKEN_VALIDITY must be at least 1 minute")
	}
	if c.GraceWindow < 0 || c.GraceWindow > time.Hour {
		return errors.New("WASTEBIN_GRACE_WINDOW must be between 0 and 1 hour")
	}
	if c.SweepInterval < time.Second {
		return errors.New("WASTEBIN_SWEEP_INTERVAL must be at least 1 second")
	}
	if c.MaxExpiry < 0 {
		return errors.New("WASTEBIN_MAX_EXPIRY must be >= 0 (0 means unlimited)")
	}
	if key := c.ContentKey.Value(); key != "" {
		decoded, err := base64.StdEncoding.DecodeString(key)
		if err != nil {
			return errors.Wrap(err, "WASTEBIN_CONTENT_KEY must be base64")
		}
		if len(decoded) != 32 {
			return fmt.Errorf("WASTEBIN_CONTENT_KEY must decode to 32 bytes, got %d", len(decoded))
		}
	}
	return nil
}

// ContentKeyBytes decodes the configured content key, or nil when encryption
// at rest is disabled.
func (c *Cfg) ContentKeyBytes() ([]byte, error) {
	key := c.ContentKey.Value()
	if key == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(key)
}

func (c *Cfg) Wipe() {
	c.SigningSecret.Wipe()
	c.ContentKey.Wipe()
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}

func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
