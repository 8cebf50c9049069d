package pricing

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// LoadTable reads a pricing table from a YAML file. Loading is one-shot:
// pricing changes ship as a config rollout, not a hot reload.
func LoadTable(path string) (Table, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Table{}, fmt.Errorf("pricing table path is empty")
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return Table{}, fmt.Errorf("read pricing table %s: %w", path, err)
	}

	var table Table
	if err := v.Unmarshal(&table); err != nil {
		return Table{}, fmt.Errorf("decode pricing table %s: %w", path, err)
	}
	if err := table.Validate(); err != nil {
		return Table{}, fmt.Errorf("invalid pricing table %s: %w", path, err)
	}
	return table, nil
}
