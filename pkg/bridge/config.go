// Copyright 2024-2026 Aiku AI

package bridge

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

// Config is the full bridge configuration, loaded once at startup and
// treated as immutable afterwards.
type Config struct {
	Homeserver HomeserverConfig  `yaml:"homeserver"`
	Appservice AppserviceConfig  `yaml:"appservice"`
	Spring     SpringConfig      `yaml:"spring"`
	AdminAPI   AdminAPIConfig    `yaml:"admin_api"`
	Logging    zeroconfig.Config `yaml:"logging" ignored:"true"`
}

// HomeserverConfig points the bridge at its homeserver.
type HomeserverConfig struct {
	Address   string `yaml:"address"`
	Domain    string `yaml:"domain"`
	VerifySSL bool   `yaml:"verify_ssl"`
}

// BridgeRoomConfig is one channel→room binding from the config file.
type BridgeRoomConfig struct {
	RoomID  id.RoomID `yaml:"room_id"`
	Enabled bool      `yaml:"enabled"`
}

// AppserviceConfig describes the appservice registration and the bridged
// room set.
type AppserviceConfig struct {
	Hostname    string `yaml:"hostname"`
	Port        uint16 `yaml:"port"`
	ASToken     string `yaml:"as_token" envconfig:"AS_TOKEN"`
	HSToken     string `yaml:"hs_token" envconfig:"HS_TOKEN"`
	BotUsername string `yaml:"bot_username"`
	// Namespace is the reserved puppet localpart prefix; puppet accounts
	// are @{namespace}_{lobby username}:{domain}.
	Namespace string      `yaml:"namespace"`
	AdminRoom id.RoomID   `yaml:"admin_room"`
	AdminList []id.UserID `yaml:"admin_list"`
	// Bridge maps lobby channel name to room binding.
	Bridge map[string]BridgeRoomConfig `yaml:"bridge"`
}

// SpringConfig describes the lobby server connection.
type SpringConfig struct {
	Address     string `yaml:"address"`
	Port        uint16 `yaml:"port"`
	SSL         bool   `yaml:"ssl"`
	ClientName  string `yaml:"client_name"`
	BotUsername string `yaml:"bot_username"`
	BotPassword string `yaml:"bot_password" envconfig:"SPRING_BOT_PASSWORD"`
}

// AdminAPIConfig configures the status/metrics HTTP listener.
type AdminAPIConfig struct {
	Listen string `yaml:"listen"`
}

// LoadConfig reads and validates a YAML config file, then applies
// MATRIXSPRING_* environment overrides for secrets.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := envconfig.Process("matrixspring", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields the engine cannot run without.
func (c *Config) Validate() error {
	switch {
	case c.Homeserver.Address == "":
		return fmt.Errorf("config: homeserver.address is required")
	case c.Homeserver.Domain == "":
		return fmt.Errorf("config: homeserver.domain is required")
	case c.Appservice.ASToken == "" || c.Appservice.HSToken == "":
		return fmt.Errorf("config: appservice tokens are required")
	case c.Appservice.BotUsername == "":
		return fmt.Errorf("config: appservice.bot_username is required")
	case c.Appservice.Namespace == "":
		return fmt.Errorf("config: appservice.namespace is required")
	case c.Spring.Address == "" || c.Spring.Port == 0:
		return fmt.Errorf("config: spring.address and spring.port are required")
	case c.Spring.BotUsername == "":
		return fmt.Errorf("config: spring.bot_username is required")
	}
	for channel, room := range c.Appservice.Bridge {
		if room.RoomID == "" {
			return fmt.Errorf("config: bridge entry %q has no room_id", channel)
		}
	}
	if c.AdminAPI.Listen == "" {
		c.AdminAPI.Listen = ":29321"
	}
	return nil
}

// BotUserID derives the service account's full user ID.
func (c *Config) BotUserID() id.UserID {
	return id.NewUserID(c.Appservice.BotUsername, c.Homeserver.Domain)
}

// RoomBindings converts the config bridge map into room map bindings.
func (c *Config) RoomBindings() []RoomBinding {
	out := make([]RoomBinding, 0, len(c.Appservice.Bridge))
	for channel, room := range c.Appservice.Bridge {
		out = append(out, RoomBinding{
			Channel: channel,
			RoomID:  room.RoomID,
			Enabled: room.Enabled,
		})
	}
	return out
}
