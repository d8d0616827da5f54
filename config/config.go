// Package config loads settings for the chat relay and the terminal client
// from the environment, after reading an optional .env file.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"devconnect/transport"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Client struct {
	RelayURL  string `env:"RELAY_URL" envDefault:"http://localhost:8000"`
	WSURL     string `env:"RELAY_WS_URL"`
	Token     string `env:"CHAT_TOKEN"`
	Username  string `env:"CHAT_USERNAME"`
	AvatarURL string `env:"CHAT_AVATAR_URL"`

	AckTimeout time.Duration `env:"ACK_TIMEOUT"          envDefault:"5s"`
	BaseDelay  time.Duration `env:"RECONNECT_BASE_DELAY" envDefault:"500ms"`
	MaxDelay   time.Duration `env:"RECONNECT_MAX_DELAY"  envDefault:"30s"`
	Jitter     float64       `env:"RECONNECT_JITTER"     envDefault:"0.2"`
	QueueSize  int           `env:"SEND_QUEUE_SIZE"      envDefault:"64"`
	FeedSize   int           `env:"FEED_SIZE"            envDefault:"200"`
	RosterPoll time.Duration `env:"ROSTER_POLL_INTERVAL" envDefault:"30s"`
}

type Relay struct {
	Port      string        `env:"PORT"        envDefault:"8000"`
	DBPath    string        `env:"DB_PATH"     envDefault:"./devconnect.db"`
	JWTSecret string        `env:"JWT_SECRET,required"`
	TokenTTL  time.Duration `env:"TOKEN_TTL"   envDefault:"672h"`
	RedisAddr string        `env:"REDIS_ADDR"`

	APIRateLimit    uint          `env:"API_RATE_LIMIT"    envDefault:"150"`
	ChatRateWindow  time.Duration `env:"CHAT_RATE_WINDOW"  envDefault:"10s"`
	ChatRateMax     int           `env:"CHAT_RATE_MAX"     envDefault:"40"`
	MaxMessageBytes int           `env:"MAX_MESSAGE_BYTES" envDefault:"4000"`
}

// LoadClient reads .env files (missing ones are ignored) and parses Client.
func LoadClient(files ...string) (Client, error) {
	_ = godotenv.Load(files...)
	var cfg Client
	if err := env.Parse(&cfg); err != nil {
		return Client{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.WSURL == "" {
		ws, err := websocketURL(cfg.RelayURL)
		if err != nil {
			return Client{}, err
		}
		cfg.WSURL = ws
	}
	return cfg, nil
}

func LoadRelay(files ...string) (Relay, error) {
	_ = godotenv.Load(files...)
	var cfg Relay
	if err := env.Parse(&cfg); err != nil {
		return Relay{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Transport maps the client settings onto the connection manager config.
func (c Client) Transport() transport.Config {
	return transport.Config{
		AckTimeout: c.AckTimeout,
		BaseDelay:  c.BaseDelay,
		MaxDelay:   c.MaxDelay,
		Jitter:     c.Jitter,
		QueueSize:  c.QueueSize,
	}
}

// websocketURL turns http(s)://host/base into ws(s)://host/base/ws.
func websocketURL(relay string) (string, error) {
	u, err := url.Parse(relay)
	if err != nil {
		return "", fmt.Errorf("invalid RELAY_URL %q: %w", relay, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}
