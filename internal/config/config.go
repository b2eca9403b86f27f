package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"Fast-TileServer/internal/source"
)

// Config is the server configuration file.
type Config struct {
	App struct {
		Version string `mapstructure:"version"`
		Title   string `mapstructure:"title"`
	} `mapstructure:"app"`
	Server struct {
		Addr string `mapstructure:"addr"`
		// PublicURL prefixes generated tile URLs; empty means the request host.
		PublicURL string `mapstructure:"public_url"`
	} `mapstructure:"server"`
	Log struct {
		Level string `mapstructure:"level"`
		File  string `mapstructure:"file"`
	} `mapstructure:"log"`
	Sources struct {
		DataDir  string        `mapstructure:"data_dir"`
		Timeout  time.Duration `mapstructure:"timeout"`
		Parallel int           `mapstructure:"parallel"`
		Strict   bool          `mapstructure:"strict"`
	} `mapstructure:"sources"`
	Cache struct {
		Redis   string        `mapstructure:"redis"`
		TTL     time.Duration `mapstructure:"ttl"`
		MaxIdle int           `mapstructure:"max_idle"`
		Prefix  string        `mapstructure:"prefix"`
	} `mapstructure:"cache"`
	Data    map[string]Data    `mapstructure:"data"`
	Virtual map[string]Virtual `mapstructure:"virtual"`
}

// Data is one archive-backed source.
type Data struct {
	Driver   string         `mapstructure:"driver"`
	Path     string         `mapstructure:"path"`
	DSN      string         `mapstructure:"dsn"`
	Tiles    []string       `mapstructure:"tiles"`
	TileJSON map[string]any `mapstructure:"tilejson"`
}

// Virtual is a source merged from several data sources.
type Virtual struct {
	Center  []float64 `mapstructure:"center"`
	Members []Member  `mapstructure:"members"`
}

// Member references a data source, optionally limited to a zoom window.
type Member struct {
	ID      string `mapstructure:"id"`
	MinZoom *int   `mapstructure:"minzoom"`
	MaxZoom *int   `mapstructure:"maxzoom"`
}

// Load reads a TOML config file. A missing or unreadable file only logs a
// warning and yields the defaults.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		log.Warnf("config file(%s) not exist", cfgFile)
	}
	v.SetConfigType("toml")
	v.SetConfigFile(cfgFile)
	v.SetEnvPrefix("tileserver")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv() // read in environment variables that match
	if err := v.ReadInConfig(); err != nil {
		log.Warnf("read config file(%s) error, details: %s", v.ConfigFileUsed(), err)
	}
	v.SetDefault("app.version", "v 0.1.0")
	v.SetDefault("app.title", "Fast TileServer")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "tileserver.log")
	v.SetDefault("sources.timeout", 30*time.Second)
	v.SetDefault("sources.parallel", 8)
	v.SetDefault("sources.strict", false)
	v.SetDefault("cache.ttl", 10*time.Minute)
	v.SetDefault("cache.max_idle", 16)
	v.SetDefault("cache.prefix", "tileserver:")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if cfg.Sources.DataDir == "" && v.ConfigFileUsed() != "" {
		cfg.Sources.DataDir = filepath.Dir(v.ConfigFileUsed())
	}
	return &cfg, nil
}

// Definitions converts the configured sources for source.Load. Ids are
// sorted so loading order does not depend on map iteration.
func (c *Config) Definitions() source.Definitions {
	var defs source.Definitions
	for _, id := range sortedKeys(c.Data) {
		d := c.Data[id]
		dsn := d.DSN
		if dsn == "" {
			dsn = d.Path
			if dsn != "" && !filepath.IsAbs(dsn) && c.Sources.DataDir != "" {
				dsn = filepath.Join(c.Sources.DataDir, dsn)
			}
		}
		defs.Concrete = append(defs.Concrete, source.ConcreteDef{
			ID:        id,
			Driver:    d.Driver,
			DSN:       dsn,
			Tiles:     d.Tiles,
			Overrides: d.TileJSON,
		})
	}
	for _, id := range sortedKeys(c.Virtual) {
		vc := c.Virtual[id]
		def := source.VirtualDef{ID: id, Center: vc.Center}
		// viper lowercases the source ids it reads as keys
		for _, m := range vc.Members {
			def.Members = append(def.Members, source.MemberDef{ID: strings.ToLower(m.ID), MinZoom: m.MinZoom, MaxZoom: m.MaxZoom})
		}
		defs.Virtual = append(defs.Virtual, def)
	}
	return defs
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
