// Package hostconfig loads the runtime host's configuration: a table of
// name/default/checker entries registered with viper at init time and
// validated after load.
package hostconfig

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/MXWXZ/orgchart/internal/obslog"
)

// Setting is one configurable value the host reads via viper.
type Setting struct {
	Name        string
	Value       any
	WarnDefault bool
	Checker     func(any)
}

// DefaultSetting lists everything the orgchartd runtime host reads:
// logging, chart construction, and the domain separator's chain
// parameters.
var DefaultSetting = []*Setting{
	{Name: "debug", Value: false},
	{Name: "log.console", Value: true},
	{Name: "log.file", Value: ""},
	{Name: "log.json", Value: false},
	{Name: "log.stack", Value: false},
	{Name: "chart.snapshot", Value: "chart.json", WarnDefault: true},
	{Name: "chart.dynamic", Value: true},
	{Name: "chart.chain_id", Value: 1},
	{Name: "chart.this_address", Value: "", WarnDefault: true},
	{Name: "chart.salt", Value: "", WarnDefault: true},
	{Name: "audit.path", Value: ""},
	{Name: "cache.address", Value: ""},
	{Name: "cache.password", Value: ""},
	{Name: "cache.db", Value: 0},
}

func init() {
	for _, s := range DefaultSetting {
		viper.SetDefault(s.Name, s.Value)
	}
}

// Load reads a YAML config file from path into viper.
func Load(path string) error {
	viper.SetConfigType("yml")
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("hostconfig: reading %s: %w", path, err)
	}
	if err := viper.ReadConfig(bytes.NewBuffer(content)); err != nil {
		return fmt.Errorf("hostconfig: parsing %s: %w", path, err)
	}
	return nil
}

// CheckSetting warns on every setting still at its placeholder default
// and runs each registered checker.
func CheckSetting() {
	log := obslog.New()
	for _, s := range DefaultSetting {
		if s.WarnDefault && viper.Get(s.Name) == s.Value {
			log.Warnf("setting %v has default value, please set it explicitly", s.Name)
		}
		if s.Checker != nil {
			s.Checker(viper.Get(s.Name))
		}
	}
}
