package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/shopspring/decimal"
)

const defaultDecimalPlaces int32 = 8

// MaxDecimalPlaces bounds per-asset precision so that price*amount never
// exceeds the 18 fractional digits the store keeps.
const MaxDecimalPlaces int32 = 9

type AssetConfig struct {
	Name          string `mapstructure:"name"`
	DecimalPlaces int32  `mapstructure:"decimal_places"`
	MinAmount     string `mapstructure:"min_amount"`
	Enabled       bool   `mapstructure:"enabled"`
}

type Config struct {
	AutoCreate    bool                   `mapstructure:"auto_create"`
	DefaultAssets []string               `mapstructure:"default_assets"`
	Supported     map[string]AssetConfig `mapstructure:"supported"`
}

func NewDefaultConfig() Config {
	return Config{
		AutoCreate:    true,
		DefaultAssets: []string{"USD", "BTC", "ETH"},
		Supported: map[string]AssetConfig{
			"USD":  {Name: "US Dollar", DecimalPlaces: 2, MinAmount: "0.01", Enabled: true},
			"BTC":  {Name: "Bitcoin", DecimalPlaces: 8, MinAmount: "0.00000001", Enabled: true},
			"ETH":  {Name: "Ethereum", DecimalPlaces: 8, MinAmount: "0.00000001", Enabled: true},
			"USDT": {Name: "Tether", DecimalPlaces: 6, MinAmount: "0.000001", Enabled: false},
			"USDC": {Name: "USD Coin", DecimalPlaces: 6, MinAmount: "0.000001", Enabled: false},
		},
	}
}

type asset struct {
	name          string
	decimalPlaces int32
	minAmount     decimal.Decimal
	enabled       bool
}

// Registry answers which assets the exchange custodies. It is read-only after
// construction.
type Registry struct {
	assets     map[string]asset
	autoCreate bool
	defaults   []string
}

func New(cfg Config) (*Registry, error) {
	r := &Registry{
		assets:     make(map[string]asset, len(cfg.Supported)),
		autoCreate: cfg.AutoCreate,
	}
	for sym, ac := range cfg.Supported {
		// viper lower-cases map keys
		sym = normalize(sym)
		a := asset{
			name:          ac.Name,
			decimalPlaces: ac.DecimalPlaces,
			minAmount:     decimal.Zero,
			enabled:       ac.Enabled,
		}
		if a.decimalPlaces <= 0 {
			a.decimalPlaces = defaultDecimalPlaces
		}
		if a.decimalPlaces > MaxDecimalPlaces {
			return nil, fmt.Errorf("registry: asset %s decimal_places %d exceeds %d", sym, a.decimalPlaces, MaxDecimalPlaces)
		}
		if ac.MinAmount != "" {
			m, err := decimal.NewFromString(ac.MinAmount)
			if err != nil {
				return nil, fmt.Errorf("registry: asset %s min_amount: %w", sym, err)
			}
			if m.IsNegative() {
				return nil, fmt.Errorf("registry: asset %s min_amount is negative", sym)
			}
			a.minAmount = m
		}
		if a.name == "" {
			a.name = sym
		}
		r.assets[sym] = a
	}
	for _, sym := range cfg.DefaultAssets {
		sym = normalize(sym)
		if r.IsSupported(sym) {
			r.defaults = append(r.defaults, sym)
		}
	}
	return r, nil
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// IsSupported reports whether the asset is known and enabled.
func (r *Registry) IsSupported(symbol string) bool {
	a, ok := r.assets[normalize(symbol)]
	return ok && a.enabled
}

func (r *Registry) IsEnabledForAutoCreate() bool {
	return r.autoCreate
}

// MinAmount is zero for unknown assets.
func (r *Registry) MinAmount(symbol string) decimal.Decimal {
	a, ok := r.assets[normalize(symbol)]
	if !ok {
		return decimal.Zero
	}
	return a.minAmount
}

func (r *Registry) DecimalPlaces(symbol string) int32 {
	a, ok := r.assets[normalize(symbol)]
	if !ok {
		return defaultDecimalPlaces
	}
	return a.decimalPlaces
}

func (r *Registry) Name(symbol string) string {
	a, ok := r.assets[normalize(symbol)]
	if !ok {
		return symbol
	}
	return a.name
}

// FitsPrecision reports whether v has no more fractional digits than the
// asset allows. Trailing zeros do not count.
func (r *Registry) FitsPrecision(symbol string, v decimal.Decimal) bool {
	return v.Equal(v.Truncate(r.DecimalPlaces(symbol)))
}

// ValidateAmount checks support, sign, precision and the configured minimum.
func (r *Registry) ValidateAmount(symbol string, amount decimal.Decimal) error {
	if !r.IsSupported(symbol) {
		return fmt.Errorf("%w: %s", domain.ErrUnsupportedAsset, symbol)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s must be positive", domain.ErrInvalidAmount, amount)
	}
	if !r.FitsPrecision(symbol, amount) {
		return fmt.Errorf("%w: %s has more than %d decimal places for %s", domain.ErrInvalidAmount, amount, r.DecimalPlaces(symbol), symbol)
	}
	if minimum := r.MinAmount(symbol); amount.LessThan(minimum) {
		return fmt.Errorf("%w: %s is below minimum %s for %s", domain.ErrInvalidAmount, amount, minimum, symbol)
	}
	return nil
}

// EnabledAssets returns the enabled symbols in lexical order.
func (r *Registry) EnabledAssets() []string {
	var out []string
	for sym, a := range r.assets {
		if a.enabled {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

// DefaultAssets are created for every new account. Disabled entries are
// dropped at construction.
func (r *Registry) DefaultAssets() []string {
	return append([]string(nil), r.defaults...)
}
