// Package market converts broker price data into internal quotes and candles
// and carries the instrument, session and pip arithmetic the core relies on.
package market

import (
	"fmt"
	"math"
	"strings"

	"fxpilot/internal/config"
)

// Instrument is the static metadata for one tradable pair.
type Instrument struct {
	Name             string
	Base             string
	Quote            string
	PipLocation      int
	DisplayPrecision int
	MaxSpreadPips    float64
	MinATRPips       float64
	MaxUnits         float64
}

// PipSize is the price value of one pip, 10^PipLocation.
func (i Instrument) PipSize() float64 {
	return math.Pow10(i.PipLocation)
}

// ToPips converts a price distance into pips.
func (i Instrument) ToPips(distance float64) float64 {
	return distance / i.PipSize()
}

// FromPips converts pips into a price distance.
func (i Instrument) FromPips(pips float64) float64 {
	return pips * i.PipSize()
}

// Round rounds a price to the instrument's display precision.
func (i Instrument) Round(price float64) float64 {
	p := math.Pow10(i.DisplayPrecision)
	return math.Round(price*p) / p
}

// HasCurrency reports whether ccy is the base or quote currency.
func (i Instrument) HasCurrency(ccy string) bool {
	return i.Base == ccy || i.Quote == ccy
}

var builtin = map[string]Instrument{
	"EUR_USD": {Name: "EUR_USD", Base: "EUR", Quote: "USD", PipLocation: -4, DisplayPrecision: 5, MaxSpreadPips: 1.5, MinATRPips: 2, MaxUnits: 1_000_000},
	"GBP_USD": {Name: "GBP_USD", Base: "GBP", Quote: "USD", PipLocation: -4, DisplayPrecision: 5, MaxSpreadPips: 2.0, MinATRPips: 3, MaxUnits: 1_000_000},
	"AUD_USD": {Name: "AUD_USD", Base: "AUD", Quote: "USD", PipLocation: -4, DisplayPrecision: 5, MaxSpreadPips: 1.8, MinATRPips: 2, MaxUnits: 1_000_000},
	"NZD_USD": {Name: "NZD_USD", Base: "NZD", Quote: "USD", PipLocation: -4, DisplayPrecision: 5, MaxSpreadPips: 2.2, MinATRPips: 2, MaxUnits: 1_000_000},
	"USD_CAD": {Name: "USD_CAD", Base: "USD", Quote: "CAD", PipLocation: -4, DisplayPrecision: 5, MaxSpreadPips: 2.0, MinATRPips: 2, MaxUnits: 1_000_000},
	"USD_CHF": {Name: "USD_CHF", Base: "USD", Quote: "CHF", PipLocation: -4, DisplayPrecision: 5, MaxSpreadPips: 2.0, MinATRPips: 2, MaxUnits: 1_000_000},
	"USD_JPY": {Name: "USD_JPY", Base: "USD", Quote: "JPY", PipLocation: -2, DisplayPrecision: 3, MaxSpreadPips: 1.5, MinATRPips: 2, MaxUnits: 1_000_000},
	"EUR_JPY": {Name: "EUR_JPY", Base: "EUR", Quote: "JPY", PipLocation: -2, DisplayPrecision: 3, MaxSpreadPips: 2.5, MinATRPips: 3, MaxUnits: 1_000_000},
	"GBP_JPY": {Name: "GBP_JPY", Base: "GBP", Quote: "JPY", PipLocation: -2, DisplayPrecision: 3, MaxSpreadPips: 3.5, MinATRPips: 4, MaxUnits: 1_000_000},
	"EUR_GBP": {Name: "EUR_GBP", Base: "EUR", Quote: "GBP", PipLocation: -4, DisplayPrecision: 5, MaxSpreadPips: 2.0, MinATRPips: 1.5, MaxUnits: 1_000_000},
	"XAU_USD": {Name: "XAU_USD", Base: "XAU", Quote: "USD", PipLocation: -2, DisplayPrecision: 3, MaxSpreadPips: 50, MinATRPips: 50, MaxUnits: 1_000},
}

// Catalog resolves instrument metadata: built-ins overlaid with configuration.
type Catalog struct {
	byName map[string]Instrument
}

// NewCatalog builds a catalog from the built-in table and config overrides.
// Zero-valued override fields keep the built-in value.
func NewCatalog(overrides []config.InstrumentConfig) *Catalog {
	c := &Catalog{byName: make(map[string]Instrument, len(builtin)+len(overrides))}
	for k, v := range builtin {
		c.byName[k] = v
	}
	for _, o := range overrides {
		inst, ok := c.byName[o.Name]
		if !ok {
			inst = Instrument{Name: o.Name, PipLocation: -4, DisplayPrecision: 5, MaxUnits: 1_000_000}
			inst.Base, inst.Quote = splitPair(o.Name)
		}
		if o.PipLocation != 0 {
			inst.PipLocation = o.PipLocation
		}
		if o.DisplayPrecision != 0 {
			inst.DisplayPrecision = o.DisplayPrecision
		}
		if o.MaxSpreadPips != 0 {
			inst.MaxSpreadPips = o.MaxSpreadPips
		}
		if o.MinATRPips != 0 {
			inst.MinATRPips = o.MinATRPips
		}
		if o.MaxUnits != 0 {
			inst.MaxUnits = o.MaxUnits
		}
		c.byName[o.Name] = inst
	}
	return c
}

// Lookup returns metadata for name.
func (c *Catalog) Lookup(name string) (Instrument, error) {
	inst, ok := c.byName[name]
	if !ok {
		return Instrument{}, fmt.Errorf("unknown instrument %s", name)
	}
	return inst, nil
}

// Precision returns the display precision for name, 5 when unknown.
func (c *Catalog) Precision(name string) int {
	if inst, ok := c.byName[name]; ok {
		return inst.DisplayPrecision
	}
	return 5
}

// ConversionPair names the instrument needed to convert quote currency
// amounts into the account currency. When invert is true the rate is 1/mid of
// the returned pair, otherwise mid. An empty pair means the rate is 1.
func (c *Catalog) ConversionPair(inst Instrument, accountCcy string) (pair string, invert bool, err error) {
	switch {
	case inst.Quote == accountCcy:
		return "", false, nil
	case inst.Base == accountCcy:
		return inst.Name, true, nil
	}
	if _, ok := c.byName[accountCcy+"_"+inst.Quote]; ok {
		return accountCcy + "_" + inst.Quote, true, nil
	}
	if _, ok := c.byName[inst.Quote+"_"+accountCcy]; ok {
		return inst.Quote + "_" + accountCcy, false, nil
	}
	return "", false, fmt.Errorf("no conversion from %s to %s", inst.Quote, accountCcy)
}

func splitPair(name string) (string, string) {
	parts := strings.SplitN(name, "_", 2)
	if len(parts) != 2 {
		return name, ""
	}
	return parts[0], parts[1]
}
