// Package config binds command-line flags to MEMEPARTY_* environment
// variables and optional .env files.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "MEMEPARTY"

type Client struct {
	Endpoint string
	APIBase  string
	Token    string
	PlayerID int
	RoomID   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ReconnectBase     time.Duration
	ReconnectAttempts int
	StableAfter       time.Duration
	TickResolution    time.Duration
	WarningAt         time.Duration

	StoreDriver   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PostgresDSN   string

	Log Log
}

type Log struct {
	Level       string
	Development bool
}

type DevServer struct {
	Bind       string
	Port       int
	TimeLimit  time.Duration
	VoteLimit  time.Duration
	Rounds     int
	DropPongs  bool
	RejectPlay bool

	Log Log
}

func (c *Client) Validate() error {
	if c.Endpoint == "" {
		return errors.New("--endpoint is required")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint %q: %w", c.Endpoint, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("endpoint must be ws:// or wss://, got %q", u.Scheme)
	}
	if c.PlayerID <= 0 {
		return fmt.Errorf("invalid player id: %d", c.PlayerID)
	}
	if c.HeartbeatTimeout >= c.HeartbeatInterval {
		return fmt.Errorf("heartbeat timeout (%s) must be shorter than the interval (%s)", c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.ReconnectAttempts < 1 {
		return fmt.Errorf("reconnect attempts must be at least 1: %d", c.ReconnectAttempts)
	}
	switch c.StoreDriver {
	case "memory", "redis":
	case "postgres":
		if c.PostgresDSN == "" {
			return errors.New("--postgres-dsn is required with --store postgres")
		}
	default:
		return fmt.Errorf("unknown store %q", c.StoreDriver)
	}
	return nil
}

func (c *DevServer) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.Port)
	}
	if c.Rounds < 1 {
		return fmt.Errorf("invalid round count: %d", c.Rounds)
	}
	return nil
}

func (c *Client) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.Endpoint, "endpoint", "e", "ws://localhost:8080/ws", "websocket endpoint (env: MEMEPARTY_ENDPOINT)")
	fs.StringVar(&c.APIBase, "api", "", "REST base url, derived from the endpoint when empty (env: MEMEPARTY_API)")
	fs.StringVarP(&c.Token, "token", "t", "", "bearer token (env: MEMEPARTY_TOKEN)")
	fs.IntVarP(&c.PlayerID, "player", "p", 0, "local player id (env: MEMEPARTY_PLAYER)")
	fs.IntVarP(&c.RoomID, "room", "r", 0, "room to join, 0 to use the last one recorded (env: MEMEPARTY_ROOM)")
	fs.DurationVar(&c.HeartbeatInterval, "heartbeat-interval", 30*time.Second, "time between liveness probes (env: MEMEPARTY_HEARTBEAT_INTERVAL)")
	fs.DurationVar(&c.HeartbeatTimeout, "heartbeat-timeout", 10*time.Second, "time to wait for a pong (env: MEMEPARTY_HEARTBEAT_TIMEOUT)")
	fs.DurationVar(&c.ReconnectBase, "reconnect-base", 2*time.Second, "reconnect backoff unit (env: MEMEPARTY_RECONNECT_BASE)")
	fs.IntVar(&c.ReconnectAttempts, "reconnect-attempts", 5, "reconnect attempts before giving up (env: MEMEPARTY_RECONNECT_ATTEMPTS)")
	fs.DurationVar(&c.StableAfter, "stable-after", 30*time.Second, "connected time before reconnect attempts are forgiven (env: MEMEPARTY_STABLE_AFTER)")
	fs.DurationVar(&c.TickResolution, "tick", time.Second, "countdown resolution (env: MEMEPARTY_TICK)")
	fs.DurationVar(&c.WarningAt, "warning-at", 10*time.Second, "remaining time that triggers a warning (env: MEMEPARTY_WARNING_AT)")
	fs.StringVar(&c.StoreDriver, "store", "memory", "last-room store: memory, redis or postgres (env: MEMEPARTY_STORE)")
	fs.StringVar(&c.RedisAddr, "redis-addr", "localhost:6379", "redis address (env: MEMEPARTY_REDIS_ADDR)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "redis password (env: MEMEPARTY_REDIS_PASSWORD)")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis database (env: MEMEPARTY_REDIS_DB)")
	fs.StringVar(&c.PostgresDSN, "postgres-dsn", "", "postgres dsn (env: MEMEPARTY_POSTGRES_DSN)")
	c.Log.RegisterFlags(fs)
}

func (c *DevServer) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.Bind, "bind", "b", "0.0.0.0", "address to bind to (env: MEMEPARTY_BIND)")
	fs.IntVarP(&c.Port, "port", "p", 8080, "port to listen on (env: MEMEPARTY_PORT)")
	fs.DurationVar(&c.TimeLimit, "time-limit", 50*time.Second, "choice time announced with round_started (env: MEMEPARTY_TIME_LIMIT)")
	fs.DurationVar(&c.VoteLimit, "vote-limit", 30*time.Second, "vote time announced with voting_started (env: MEMEPARTY_VOTE_LIMIT)")
	fs.IntVar(&c.Rounds, "rounds", 5, "rounds per game (env: MEMEPARTY_ROUNDS)")
	fs.BoolVar(&c.DropPongs, "drop-pongs", false, "never answer pings (env: MEMEPARTY_DROP_PONGS)")
	fs.BoolVar(&c.RejectPlay, "reject-actions", false, "refuse every choice and vote (env: MEMEPARTY_REJECT_ACTIONS)")
	c.Log.RegisterFlags(fs)
}

func (l *Log) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(&l.Level, "log-level", "info", "debug, info, warn or error (env: MEMEPARTY_LOG_LEVEL)")
	fs.BoolVar(&l.Development, "dev", false, "human readable logs (env: MEMEPARTY_DEV)")
}

// Bind fills every flag the user did not set from the environment. Dashes
// in flag names become underscores, so --heartbeat-interval reads
// MEMEPARTY_HEARTBEAT_INTERVAL.
func Bind(fs *pflag.FlagSet) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			if err := fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name))); err != nil {
				errs = append(errs, fmt.Errorf("%s_%s: %w", EnvPrefix, strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_")), err))
			}
		}
	})
	return errors.Join(errs...)
}

// LoadDotEnv loads the given files, or .env when none are named. Missing
// files are skipped; variables already in the environment win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// APIBaseURL derives http(s)://host from the websocket endpoint when no REST
// base was configured.
func (c *Client) APIBaseURL() string {
	if c.APIBase != "" {
		return c.APIBase
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = ""
	u.RawQuery = ""
	return u.String()
}
