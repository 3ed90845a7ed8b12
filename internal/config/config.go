// Package config loads the TOML file shared by the collector and the device
// simulator.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/chronologos/gpstrack/internal/protocol"
)

// EnvPath overrides any path passed to Load.
const EnvPath = "APP_CONFIG_PATH"

const (
	DefaultPath       = "config.toml"
	DefaultServerHost = "127.0.0.1:34256"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Server   Server   `toml:"server"`
	Database Database `toml:"database"`
	Web      Web      `toml:"web"`
	Users    []User   `toml:"users"`
	Client   Client   `toml:"client"`
}

type Server struct {
	Host           string `toml:"host"`
	AckCoordinates bool   `toml:"ack_coordinates"`
	AckLogout      bool   `toml:"ack_logout"`
	ReadBuffer     int    `toml:"read_buffer"`
}

// Database selects the record store. An empty Path keeps records in memory.
type Database struct {
	Path string `toml:"path"`
}

// Web is the dashboard listener. Port 0 disables it. History is how many
// recent coordinates a reconnecting viewer can catch up on.
type Web struct {
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	History int    `toml:"history"`
}

func (w Web) Addr() string { return fmt.Sprintf("%s:%d", w.Host, w.Port) }

// User is an account seeded into the credential store at startup.
type User struct {
	Name     string `toml:"name"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	ClientID uint32 `toml:"client_id"`
}

type Client struct {
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	ExchangeTimeout   Duration `toml:"exchange_timeout"`
	ShutdownTimeout   Duration `toml:"shutdown_timeout"`
}

// Duration decodes TOML strings such as "3s" or "250ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used for keys the file leaves out.
func Default() Config {
	return Config{
		Server: Server{
			Host:           DefaultServerHost,
			AckCoordinates: true,
			AckLogout:      true,
			ReadBuffer:     protocol.MaxFrameSize,
		},
		Web: Web{Host: "127.0.0.1", Port: 0, History: 1024},
		Client: Client{
			HeartbeatInterval: Duration{3 * time.Second},
			ExchangeTimeout:   Duration{5 * time.Second},
			ShutdownTimeout:   Duration{3 * time.Second},
		},
	}
}

// ResolvePath applies the lookup order: $APP_CONFIG_PATH, then path, then
// config.toml in the working directory.
func ResolvePath(path string) string {
	if env := os.Getenv(EnvPath); env != "" {
		return env
	}
	if path != "" {
		return path
	}
	return DefaultPath
}

// Load reads and validates the file found by ResolvePath.
func Load(path string) (Config, error) {
	path = ResolvePath(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes TOML on top of Default and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("decode: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q", ErrInvalid, undecoded[0].String())
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Server.Host == "" {
		return fmt.Errorf("%w: server.host is empty", ErrInvalid)
	}
	if c.Server.ReadBuffer < protocol.MaxFrameSize {
		return fmt.Errorf("%w: server.read_buffer %d is below the largest frame (%d bytes)",
			ErrInvalid, c.Server.ReadBuffer, protocol.MaxFrameSize)
	}
	if c.Web.Port < 0 || c.Web.Port > 65535 {
		return fmt.Errorf("%w: web.port %d out of range", ErrInvalid, c.Web.Port)
	}
	if c.Web.History < 0 {
		return fmt.Errorf("%w: web.history is negative", ErrInvalid)
	}

	usernames := make(map[string]bool, len(c.Users))
	ids := make(map[uint32]bool, len(c.Users))
	for i, u := range c.Users {
		switch {
		case u.Username == "":
			return fmt.Errorf("%w: users[%d] has no username", ErrInvalid, i)
		case u.ClientID == 0:
			return fmt.Errorf("%w: users[%d] client_id must be non-zero", ErrInvalid, i)
		case usernames[u.Username]:
			return fmt.Errorf("%w: duplicate username %q", ErrInvalid, u.Username)
		case ids[u.ClientID]:
			return fmt.Errorf("%w: duplicate client_id %d", ErrInvalid, u.ClientID)
		}
		usernames[u.Username] = true
		ids[u.ClientID] = true
	}

	for name, d := range map[string]Duration{
		"client.heartbeat_interval": c.Client.HeartbeatInterval,
		"client.exchange_timeout":   c.Client.ExchangeTimeout,
		"client.shutdown_timeout":   c.Client.ShutdownTimeout,
	} {
		if d.Duration <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalid, name)
		}
	}
	return nil
}
