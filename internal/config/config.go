// Package config loads the server's static configuration from a file and
// the environment, with environment variables taking precedence, using
// spf13/viper (grounded on the layered file+env pattern in the
// iamprashant-voice-ai WebRTC example). Validation runs once at startup and
// accumulates every problem instead of stopping at the first.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"
)

// ICEServer mirrors one entry of the ice_servers config list.
type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

// VideoConfig carries the codec + bitrate hints handed to the media worker
// pool when it builds a router.
type VideoConfig struct {
	Codec             string `mapstructure:"codec"`
	MaxBitrateKbps    int    `mapstructure:"max_bitrate_kbps"`
	MinBitrateKbps    int    `mapstructure:"min_bitrate_kbps"`
	TargetBitrateKbps int    `mapstructure:"target_bitrate_kbps"`
	MaxFramerate      int    `mapstructure:"max_framerate"`
}

// AudioConfig carries the audio codec hints.
type AudioConfig struct {
	Codec      string `mapstructure:"codec"`
	BitrateKbps int   `mapstructure:"bitrate_kbps"`
	SampleRate int    `mapstructure:"sample_rate"`
}

// LoggingConfig controls the logging sinks (internal/logging.Options).
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	File    string `mapstructure:"file"`
	Console bool   `mapstructure:"console"`
}

// Config is the singleton loaded at startup.
type Config struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	WebsocketPort    int           `mapstructure:"websocket_port"`
	MaxConnections   int           `mapstructure:"max_connections"`
	AnnouncedIP      string        `mapstructure:"announced_ip"`
	ICEServers       []ICEServer   `mapstructure:"ice_servers"`
	MaxRooms         int           `mapstructure:"max_rooms"`
	MaxViewersPerRoom int          `mapstructure:"max_viewers_per_room"`
	IdleTimeoutSeconds int         `mapstructure:"idle_timeout_seconds"`
	Video            VideoConfig   `mapstructure:"video"`
	Audio            AudioConfig   `mapstructure:"audio"`
	Logging          LoggingConfig `mapstructure:"logging"`

	// Environment is "production" or anything else; controls validation
	// strictness and the missing-TURN warning in main. Bound from NODE_ENV.
	Environment string `mapstructure:"node_env"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 3000)
	v.SetDefault("websocket_port", 3001)
	v.SetDefault("max_connections", 10000)
	v.SetDefault("announced_ip", "")
	v.SetDefault("ice_servers", []map[string]any{
		{"urls": []string{"stun:stun.l.google.com:19302"}},
	})
	v.SetDefault("max_rooms", 1000)
	v.SetDefault("max_viewers_per_room", 500)
	v.SetDefault("idle_timeout_seconds", 300)
	v.SetDefault("video.codec", "VP8")
	v.SetDefault("video.max_bitrate_kbps", 2500)
	v.SetDefault("video.min_bitrate_kbps", 100)
	v.SetDefault("video.target_bitrate_kbps", 1000)
	v.SetDefault("video.max_framerate", 30)
	v.SetDefault("audio.codec", "opus")
	v.SetDefault("audio.bitrate_kbps", 64)
	v.SetDefault("audio.sample_rate", 48000)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("node_env", "development")
}

func bindEnv(v *viper.Viper) {
	pairs := [][2]string{
		{"host", "HOST"},
		{"port", "PORT"},
		{"websocket_port", "WEBSOCKET_PORT"},
		{"announced_ip", "ANNOUNCED_IP"},
		{"max_rooms", "MAX_ROOMS"},
		{"max_viewers_per_room", "MAX_VIEWERS_PER_ROOM"},
		{"idle_timeout_seconds", "IDLE_TIMEOUT_SECONDS"},
		{"max_connections", "MAX_CONNECTIONS"},
		{"video.codec", "VIDEO_CODEC"},
		{"video.max_bitrate_kbps", "VIDEO_MAX_BITRATE_KBPS"},
		{"video.min_bitrate_kbps", "VIDEO_MIN_BITRATE_KBPS"},
		{"video.target_bitrate_kbps", "VIDEO_TARGET_BITRATE_KBPS"},
		{"video.max_framerate", "VIDEO_MAX_FRAMERATE"},
		{"audio.codec", "AUDIO_CODEC"},
		{"audio.bitrate_kbps", "AUDIO_BITRATE_KBPS"},
		{"audio.sample_rate", "AUDIO_SAMPLE_RATE"},
		{"logging.level", "LOG_LEVEL"},
		{"node_env", "NODE_ENV"},
	}
	for _, p := range pairs {
		_ = v.BindEnv(p[0], p[1])
	}
}

// Load reads configPath (if non-empty and present) then layers environment
// variables on top; environment always wins on conflict.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	defaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			_, notFound := err.(viper.ConfigFileNotFoundError)
			if !notFound && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
			}
		}
	}

	bindEnv(v)
	v.AutomaticEnv()

	stunURL := v.GetString("STUN_URL")
	turnURL := v.GetString("TURN_URL")
	if stunURL != "" || turnURL != "" {
		var servers []ICEServer
		if stunURL != "" {
			servers = append(servers, ICEServer{URLs: []string{stunURL}})
		}
		if turnURL != "" {
			servers = append(servers, ICEServer{
				URLs:       []string{turnURL},
				Username:   v.GetString("TURN_USERNAME"),
				Credential: v.GetString("TURN_CREDENTIAL"),
			})
		}
		v.Set("ice_servers", servers)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	return &cfg, nil
}

// Validate enforces production invariants, collecting every violation into
// one error so boot fails with a complete diagnostic rather than one field
// at a time.
func (c *Config) Validate() error {
	var problems []string

	if c.IsProduction() {
		if c.AnnouncedIP == "" {
			problems = append(problems, "announced_ip is required in production")
		}
		hasSTUN := false
		hasTURN := false
		for _, s := range c.ICEServers {
			for _, u := range s.URLs {
				if strings.HasPrefix(u, "stun:") {
					hasSTUN = true
				}
				if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
					hasTURN = true
				}
			}
		}
		if !hasSTUN {
			problems = append(problems, "at least one STUN ice_servers entry is required in production")
		}
		_ = hasTURN // warning only, handled by caller via HasTURN()
	}

	if c.MaxRooms <= 0 {
		problems = append(problems, "max_rooms must be positive")
	}
	if c.MaxViewersPerRoom <= 0 {
		problems = append(problems, "max_viewers_per_room must be positive")
	}
	if c.IdleTimeoutSeconds <= 0 {
		problems = append(problems, "idle_timeout_seconds must be positive")
	}
	if c.Port <= 0 || c.Port > 65535 {
		problems = append(problems, "port must be a valid TCP port")
	}
	if c.WebsocketPort <= 0 || c.WebsocketPort > 65535 {
		problems = append(problems, "websocket_port must be a valid TCP port")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// IsProduction reports whether NODE_ENV selects production validation.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// HasTURN reports whether any configured ICE server is a TURN/TURNS entry.
func (c *Config) HasTURN() bool {
	for _, s := range c.ICEServers {
		for _, u := range s.URLs {
			if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
				return true
			}
		}
	}
	return false
}
