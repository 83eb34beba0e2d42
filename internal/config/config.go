// Package config loads server and client settings from defaults, an optional
// file and PRESENCE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/LemmyAI/presence/internal/grid"
	"github.com/LemmyAI/presence/internal/logging"
	"github.com/LemmyAI/presence/internal/protocol"
	"github.com/LemmyAI/presence/internal/transport"
)

// EnvPrefix namespaces environment overrides, e.g. PRESENCE_SERVER_ADDR.
const EnvPrefix = "PRESENCE"

// Server configures the HTTP listener.
type Server struct {
	Addr  string `mapstructure:"addr"`
	Path  string `mapstructure:"path"`
	Codec string `mapstructure:"codec"`
}

// World configures the grid and spawn allocation.
type World struct {
	Cols        int         `mapstructure:"cols"`
	Rows        int         `mapstructure:"rows"`
	ChatLimit   int         `mapstructure:"chat_limit"`
	Fallback    grid.Rect   `mapstructure:"fallback"`
	SpawnPoints []grid.Cell `mapstructure:"spawn_points"`
}

// Bounds returns the world bounds.
func (w World) Bounds() grid.Bounds {
	return grid.Bounds{Cols: w.Cols, Rows: w.Rows}
}

// Client configures a participant process.
type Client struct {
	URL                string          `mapstructure:"url"`
	ICEServers         []string        `mapstructure:"ice_servers"`
	ProximityThreshold int             `mapstructure:"proximity_threshold"`
	ProximityInterval  time.Duration   `mapstructure:"proximity_interval"`
	ResyncDelays       []time.Duration `mapstructure:"resync_delays"`
	AudioDir           string          `mapstructure:"audio_dir"`
}

// Config is the full settings tree.
type Config struct {
	Server    Server           `mapstructure:"server"`
	World     World            `mapstructure:"world"`
	Transport transport.Config `mapstructure:"transport"`
	Client    Client           `mapstructure:"client"`
	Log       logging.Config   `mapstructure:"log"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Server: Server{
			Addr:  ":3001",
			Path:  "/ws",
			Codec: "json",
		},
		World: World{
			Cols:      44,
			Rows:      32,
			ChatLimit: 200,
			Fallback:  grid.Rect{X: 9, Y: 3, W: 10, H: 8},
		},
		Transport: transport.DefaultConfig(),
		Client: Client{
			URL:                "ws://localhost:3001/ws",
			ICEServers:         []string{"stun:stun.l.google.com:19302"},
			ProximityThreshold: 1,
			ProximityInterval:  300 * time.Millisecond,
			ResyncDelays:       []time.Duration{0, time.Second, 3 * time.Second},
		},
		Log: logging.DefaultConfig(),
	}
}

// Load reads settings. An empty path skips the file and uses defaults plus
// environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.path", d.Server.Path)
	v.SetDefault("server.codec", d.Server.Codec)

	v.SetDefault("world.cols", d.World.Cols)
	v.SetDefault("world.rows", d.World.Rows)
	v.SetDefault("world.chat_limit", d.World.ChatLimit)
	v.SetDefault("world.fallback.x", d.World.Fallback.X)
	v.SetDefault("world.fallback.y", d.World.Fallback.Y)
	v.SetDefault("world.fallback.w", d.World.Fallback.W)
	v.SetDefault("world.fallback.h", d.World.Fallback.H)

	v.SetDefault("transport.send_buffer", d.Transport.SendBuffer)
	v.SetDefault("transport.read_limit", d.Transport.ReadLimit)
	v.SetDefault("transport.write_wait", d.Transport.WriteWait)
	v.SetDefault("transport.pong_wait", d.Transport.PongWait)
	v.SetDefault("transport.ping_period", d.Transport.PingPeriod)
	v.SetDefault("transport.message_rate", d.Transport.MessageRate)
	v.SetDefault("transport.message_burst", d.Transport.MessageBurst)

	v.SetDefault("client.url", d.Client.URL)
	v.SetDefault("client.ice_servers", d.Client.ICEServers)
	v.SetDefault("client.proximity_threshold", d.Client.ProximityThreshold)
	v.SetDefault("client.proximity_interval", d.Client.ProximityInterval)
	v.SetDefault("client.resync_delays", d.Client.ResyncDelays)
	v.SetDefault("client.audio_dir", d.Client.AudioDir)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.encoding", d.Log.Encoding)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
}

// Validate checks the invariants the rest of the system relies on.
func (c *Config) Validate() error {
	var errs []error

	if c.World.Cols <= 0 || c.World.Rows <= 0 {
		errs = append(errs, fmt.Errorf("world: bounds %dx%d must be positive", c.World.Cols, c.World.Rows))
	}
	if c.World.ChatLimit <= 0 {
		errs = append(errs, errors.New("world: chat_limit must be positive"))
	}
	fb := c.World.Fallback
	bounds := c.World.Bounds()
	if fb.Empty() || !bounds.Contains(grid.Cell{X: fb.X, Y: fb.Y}) ||
		!bounds.Contains(grid.Cell{X: fb.X + fb.W - 1, Y: fb.Y + fb.H - 1}) {
		errs = append(errs, fmt.Errorf("world: fallback %+v must be a non-empty region inside the world", fb))
	}
	for _, p := range c.World.SpawnPoints {
		if !bounds.Contains(p) {
			errs = append(errs, fmt.Errorf("world: spawn point %+v outside the world", p))
		}
	}
	if _, err := protocol.NewCodec(c.Server.Codec); err != nil {
		errs = append(errs, fmt.Errorf("server: %w", err))
	}
	if c.Client.ProximityThreshold < 0 {
		errs = append(errs, errors.New("client: proximity_threshold must not be negative"))
	}
	if c.Client.ProximityInterval <= 0 {
		errs = append(errs, errors.New("client: proximity_interval must be positive"))
	}
	if err := c.Transport.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("transport: %w", err))
	}

	return errors.Join(errs...)
}
