package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Decimal is a YAML scalar parsed without float rounding. Percent fields may
// carry a trailing "%" sign ("1.5%" reads as 1.5).
type Decimal struct {
	decimal.Decimal
}

func (d *Decimal) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: decimal must be a scalar", value.Line)
	}
	raw := strings.TrimSpace(value.Value)
	raw = strings.TrimSpace(strings.TrimSuffix(raw, "%"))
	if raw == "" || value.Tag == "!!null" {
		d.Decimal = decimal.Zero
		return nil
	}
	dec, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("line %d: invalid decimal %q: %w", value.Line, value.Value, err)
	}
	d.Decimal = dec
	return nil
}

func (d Decimal) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Decimals unwraps a list of config decimals.
func Decimals(in []Decimal) []decimal.Decimal {
	out := make([]decimal.Decimal, len(in))
	for i, d := range in {
		out[i] = d.Decimal
	}
	return out
}
