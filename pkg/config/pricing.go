package config

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/cortexops/gantry/pkg/usage"
)

// pricingFile is the YAML shape of a pricing override file:
//
//	small:
//	  input_per_million: "0.25"
//	  output_per_million: "1.25"
type pricingFile map[string]struct {
	InputPerMillion  string `yaml:"input_per_million"`
	OutputPerMillion string `yaml:"output_per_million"`
}

// LoadPrices returns the build-time price table, with per-tier overrides
// from the configured YAML file when present. Unknown tiers in the file
// are an error so typos do not silently keep default prices.
func (c *Config) LoadPrices() (usage.PriceTable, error) {
	prices := usage.DefaultPrices()
	if c.PricingFile == "" {
		return prices, nil
	}

	data, err := os.ReadFile(c.PricingFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing file: %w", err)
	}
	var file pricingFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("invalid pricing file: %w", err)
	}

	for name, entry := range file {
		tier, err := usage.ParseTier(name)
		if err != nil {
			return nil, fmt.Errorf("pricing file: %w", err)
		}
		in, err := decimal.NewFromString(entry.InputPerMillion)
		if err != nil {
			return nil, fmt.Errorf("pricing file tier %s: invalid input price %q", name, entry.InputPerMillion)
		}
		out, err := decimal.NewFromString(entry.OutputPerMillion)
		if err != nil {
			return nil, fmt.Errorf("pricing file tier %s: invalid output price %q", name, entry.OutputPerMillion)
		}
		prices[tier] = usage.TierPrice{InputPerMillion: in, OutputPerMillion: out}
	}
	return prices, nil
}
