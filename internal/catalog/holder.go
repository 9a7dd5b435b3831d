package catalog

import (
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/smallbiznis/tollway/internal/config"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the hot-reloadable catalog holder.
var Module = fx.Provide(NewHolder)

// Holder keeps the current Catalog snapshot and swaps it atomically when
// the pricing file changes on disk. Readers always see a complete
// snapshot; a bad reload keeps the previous one.
type Holder struct {
	current atomic.Value // holds *Catalog
}

// NewHolder loads the catalog from cfg.Catalog.PricingPath, falling back
// to the built-in defaults when no file is configured or found.
func NewHolder(cfg config.Config, logger *zap.Logger) (*Holder, error) {
	h := &Holder{}
	log := logger.Named("catalog")

	path := strings.TrimSpace(cfg.Catalog.PricingPath)
	if path == "" {
		h.current.Store(New(DefaultConfig()))
		return h, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType(strings.TrimPrefix(filepath.Ext(path), "."))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		log.Warn("pricing file not found, using built-in catalog", zap.String("path", path))
		h.current.Store(New(DefaultConfig()))
		return h, nil
	}

	loaded, err := unmarshalConfig(v)
	if err != nil {
		return nil, err
	}
	h.current.Store(New(loaded))

	v.OnConfigChange(func(fsnotify.Event) {
		reloaded, err := unmarshalConfig(v)
		if err != nil {
			log.Warn("pricing reload failed, keeping previous catalog", zap.Error(err))
			return
		}
		h.current.Store(New(reloaded))
		log.Info("pricing catalog reloaded", zap.String("path", path))
	})
	v.WatchConfig()

	return h, nil
}

// NewStaticHolder wraps a fixed config. Test helper.
func NewStaticHolder(cfg Config) *Holder {
	h := &Holder{}
	h.current.Store(New(cfg))
	return h
}

// Current returns the active catalog snapshot.
func (h *Holder) Current() *Catalog {
	return h.current.Load().(*Catalog)
}

func unmarshalConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.UnmarshalKey("catalog", &cfg); err != nil {
		return Config{}, err
	}
	if cfg.Providers == nil {
		cfg = DefaultConfig()
	}
	return cfg, nil
}
