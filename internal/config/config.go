// Package config holds the client configuration: identity, relay address,
// call and chat tuning. JSON on disk, defaults-first loading, optional
// live reload.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rkuiper/linkup/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Signal   Signal   `json:"signal"`
	Call     Call     `json:"call"`
	Chat     Chat     `json:"chat"`
}

type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type Signal struct {
	// Relay websocket endpoint, e.g. ws://localhost:8484/ws.
	URL string `json:"url"`
}

type Call struct {
	// How long either side rings before the invite auto-declines.
	RingTimeoutSec int      `json:"ring_timeout_seconds"`
	StunServers    []string `json:"stun_servers"`
}

// RingTimeout returns the ring deadline as a duration.
func (c Call) RingTimeout() time.Duration {
	return time.Duration(c.RingTimeoutSec) * time.Second
}

type Chat struct {
	// Directory for the SQLite transcript. Empty disables persistence.
	HistoryDir string `json:"history_dir"`
	BufferSize int    `json:"buffer_size"`
}

func Default() Config {
	return Config{
		Signal: Signal{
			URL: "ws://localhost:8484/ws",
		},
		Call: Call{
			RingTimeoutSec: 30,
			StunServers:    []string{"stun:stun.l.google.com:19302"},
		},
		Chat: Chat{
			HistoryDir: "data",
			BufferSize: 100,
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.UserID) == "" {
		return errors.New("identity.user_id is required")
	}

	raw := strings.TrimSpace(c.Signal.URL)
	if raw == "" {
		return errors.New("signal.url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("signal.url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("signal.url scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("signal.url missing host")
	}

	if c.Call.RingTimeoutSec <= 0 {
		return errors.New("call.ring_timeout_seconds must be > 0")
	}
	for _, s := range c.Call.StunServers {
		if strings.TrimSpace(s) == "" {
			return errors.New("call.stun_servers must not contain empty entries")
		}
	}

	if c.Chat.BufferSize < 0 {
		return errors.New("chat.buffer_size must be >= 0")
	}

	return nil
}

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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file
// with the given identity filled in. Returns (cfg, createdNew, err).
func Ensure(path, userID, displayName string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity = Identity{UserID: userID, DisplayName: displayName}
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
