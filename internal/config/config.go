package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/musthaq16/zone-drive-simulator/internal/simulator"
)

// PlaceConfig is a named "lat,lon" location.
type PlaceConfig struct {
	Name     string `mapstructure:"name"`
	Location string `mapstructure:"location" validate:"required"` // "lat,lon"
}

// RouteConfig defines the default drive between source and target
type RouteConfig struct {
	Source    PlaceConfig `mapstructure:"source"`
	Target    PlaceConfig `mapstructure:"target"`
	Autostart bool        `mapstructure:"autostart"`
}

// SimulatorConfig contains the motion constants and speed limits
type SimulatorConfig struct {
	VehicleID          string  `mapstructure:"vehicle_id" validate:"required"`
	TargetSpeedKmh     float64 `mapstructure:"target_speed_kmh" validate:"gtefield=MinSpeedKmh,ltefield=MaxSpeedKmh"`
	MinSpeedKmh        float64 `mapstructure:"min_speed_kmh" validate:"gte=0"`
	MaxSpeedKmh        float64 `mapstructure:"max_speed_kmh" validate:"gtfield=MinSpeedKmh"`
	FrameIntervalMs    int     `mapstructure:"frame_interval_ms" validate:"gt=0"`
	ZoneRadiusMeters   float64 `mapstructure:"zone_radius_m" validate:"gt=0"`
	ZoneSpeedKmh       float64 `mapstructure:"zone_speed_kmh" validate:"gt=0"`
	AccelerationKmh    float64 `mapstructure:"acceleration_kmh_per_tick" validate:"gt=0"`
	ReferenceFrameRate float64 `mapstructure:"reference_frame_rate" validate:"gt=0"`
}

type BaseUrlConfig struct {
	BaseUrl   string        `mapstructure:"base_url" validate:"required,url"`
	CacheSize int           `mapstructure:"cache_size" validate:"gte=0"` // 0 disables
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

type TelemetryConfig struct {
	Address string `mapstructure:"address"` // empty disables
	Imei    string `mapstructure:"imei" validate:"omitempty,len=15,numeric"`
}

type HTTPConfig struct {
	Listen string `mapstructure:"listen"` // empty disables
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Dir   string `mapstructure:"dir"`
}

type StateConfig struct {
	Dir        string `mapstructure:"dir"`
	Journal    string `mapstructure:"journal"`
	Checkpoint string `mapstructure:"checkpoint"` // cron schedule, empty disables
}

// AppConfig holds entire config
type AppConfig struct {
	Simulator SimulatorConfig `mapstructure:"simulator"`
	OSRM      BaseUrlConfig   `mapstructure:"osrm"`
	Route     RouteConfig     `mapstructure:"route"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Log       LogConfig       `mapstructure:"log"`
	State     StateConfig     `mapstructure:"state"`
}

// Engine returns the simulation constants for this configuration.
func (s SimulatorConfig) Engine() simulator.Config {
	cfg := simulator.DefaultConfig()
	cfg.ZoneRadiusMeters = s.ZoneRadiusMeters
	cfg.ZoneSpeedKmh = s.ZoneSpeedKmh
	cfg.AccelerationPerTick = s.AccelerationKmh
	cfg.DefaultTargetSpeedKmh = s.TargetSpeedKmh
	cfg.ReferenceFrameRate = s.ReferenceFrameRate
	return cfg
}

func (s SimulatorConfig) FrameInterval() time.Duration {
	return time.Duration(s.FrameIntervalMs) * time.Millisecond
}

func setDefaults(v *viper.Viper) {
	d := simulator.DefaultConfig()
	v.SetDefault("simulator.vehicle_id", "car-1")
	v.SetDefault("simulator.target_speed_kmh", d.DefaultTargetSpeedKmh)
	v.SetDefault("simulator.min_speed_kmh", 20)
	v.SetDefault("simulator.max_speed_kmh", 80)
	v.SetDefault("simulator.frame_interval_ms", 16)
	v.SetDefault("simulator.zone_radius_m", d.ZoneRadiusMeters)
	v.SetDefault("simulator.zone_speed_kmh", d.ZoneSpeedKmh)
	v.SetDefault("simulator.acceleration_kmh_per_tick", d.AccelerationPerTick)
	v.SetDefault("simulator.reference_frame_rate", d.ReferenceFrameRate)
	v.SetDefault("osrm.base_url", "https://router.project-osrm.org")
	v.SetDefault("osrm.cache_size", 16)
	v.SetDefault("osrm.cache_ttl", time.Hour)
	v.SetDefault("route.source.name", "HITEC City")
	v.SetDefault("route.source.location", "17.4474,78.3762")
	v.SetDefault("route.target.name", "Charminar")
	v.SetDefault("route.target.location", "17.3850,78.4867")
	v.SetDefault("http.listen", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.dir", "logs")
	v.SetDefault("state.dir", "./state")
	v.SetDefault("state.journal", "./state/events.msgpack")
	v.SetDefault("state.checkpoint", "@every 10s")
}

// LoadDotEnv exports the variables in a .env file so that they override
// config keys, e.g. SIMULATOR_VEHICLE_ID. Variables already set in the
// environment win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

var validate = validator.New()

func (c *AppConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Loader owns a viper instance and the most recently loaded config.
type Loader struct {
	v *viper.Viper

	mu      sync.RWMutex
	current *AppConfig
}

// LoadConfig initializes and loads the configuration
func LoadConfig(path string) (*Loader, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Explicitly set the config type if not using file extension
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return &Loader{v: v, current: cfg}, nil
}

func decode(v *viper.Viper) (*AppConfig, error) {
	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Current returns the current configuration in a thread-safe way
func (l *Loader) Current() *AppConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Watch reloads the file when it changes. fn is called with each config
// that decodes and validates; invalid edits are reported to onErr and the
// previous config is kept.
func (l *Loader) Watch(fn func(*AppConfig), onErr func(error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		l.reload(fn, onErr)
	})
	l.v.WatchConfig()
}

func (l *Loader) reload(fn func(*AppConfig), onErr func(error)) {
	cfg, err := decode(l.v)
	if err != nil {
		if onErr != nil {
			onErr(err)
		}
		return
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	if fn != nil {
		fn(cfg)
	}
}
