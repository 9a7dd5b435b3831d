// Package exchange converts provider-reported costs into USD. Rates are
// injected configuration refreshed independently of the pipeline.
package exchange

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/smallbiznis/tollway/internal/config"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the file-backed rate source.
var Module = fx.Options(
	fx.Provide(NewFileRates),
	fx.Provide(func(f *FileRates) Rates { return f }),
)

var ErrUnknownCurrency = errors.New("unknown_currency")

// Rates converts an amount in a source currency to USD. Same-currency is
// a no-op; cross-currency pairs convert through USD as the pivot.
type Rates interface {
	ToUSD(amount float64, from string) (float64, error)
}

// Table maps ISO currency codes to their USD value (1 unit of the
// currency in USD).
type Table map[string]float64

// ToUSD implements Rates over a static table.
func (t Table) ToUSD(amount float64, from string) (float64, error) {
	from = strings.ToUpper(strings.TrimSpace(from))
	if from == "" || from == "USD" {
		return amount, nil
	}
	rate, ok := t[from]
	if !ok || rate <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCurrency, from)
	}
	return amount * rate, nil
}

// Convert translates between two arbitrary currencies through USD.
func (t Table) Convert(amount float64, from, to string) (float64, error) {
	to = strings.ToUpper(strings.TrimSpace(to))
	usd, err := t.ToUSD(amount, from)
	if err != nil {
		return 0, err
	}
	if to == "" || to == "USD" {
		return usd, nil
	}
	rate, ok := t[to]
	if !ok || rate <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCurrency, to)
	}
	return usd / rate, nil
}

func defaultTable() Table {
	return Table{
		"USD": 1,
		"EUR": 1.08,
		"GBP": 1.27,
		"JPY": 0.0067,
		"CNY": 0.14,
	}
}

// FileRates is a hot-reloadable Rates backed by a watched file, with the
// same holder discipline as the pricing catalog.
type FileRates struct {
	current atomic.Value // holds Table
}

func NewFileRates(cfg config.Config, logger *zap.Logger) (*FileRates, error) {
	f := &FileRates{}
	log := logger.Named("exchange")

	path := strings.TrimSpace(cfg.Catalog.ExchangePath)
	if path == "" {
		f.current.Store(defaultTable())
		return f, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType(strings.TrimPrefix(filepath.Ext(path), "."))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		log.Warn("exchange file not found, using built-in rates", zap.String("path", path))
		f.current.Store(defaultTable())
		return f, nil
	}

	table, err := unmarshalTable(v)
	if err != nil {
		return nil, err
	}
	f.current.Store(table)

	v.OnConfigChange(func(fsnotify.Event) {
		reloaded, err := unmarshalTable(v)
		if err != nil {
			log.Warn("exchange reload failed, keeping previous rates", zap.Error(err))
			return
		}
		f.current.Store(reloaded)
		log.Info("exchange rates reloaded", zap.String("path", path))
	})
	v.WatchConfig()

	return f, nil
}

// NewStaticRates wraps a fixed table. Test helper.
func NewStaticRates(table Table) *FileRates {
	f := &FileRates{}
	if table == nil {
		table = defaultTable()
	}
	f.current.Store(table)
	return f
}

func (f *FileRates) ToUSD(amount float64, from string) (float64, error) {
	return f.current.Load().(Table).ToUSD(amount, from)
}

func unmarshalTable(v *viper.Viper) (Table, error) {
	raw := map[string]float64{}
	if err := v.UnmarshalKey("rates", &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return defaultTable(), nil
	}
	table := Table{"USD": 1}
	for code, rate := range raw {
		table[strings.ToUpper(code)] = rate
	}
	return table, nil
}
