// Package main is the orgchartd runtime host: a thin cobra CLI that
// loads a chart snapshot and replays a sequence of operation requests
// against it, exercising the config/CLI/logging ambient stack without
// implementing the out-of-scope surface language or code generator.
package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MXWXZ/orgchart/internal/hostconfig"
)

var rootCmd = &cobra.Command{
	Use:   "orgchartd",
	Short: "Organizational-chart access-control engine runtime host",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := hostconfig.Load(conf); err != nil {
			return err
		}
		if verbose || viper.GetBool("debug") {
			logrus.SetLevel(logrus.DebugLevel)
		}
		hostconfig.CheckSetting()
		return nil
	},
}

var conf string
var verbose bool

func init() {
	rootCmd.PersistentFlags().StringVarP(&conf, "conf", "c", "conf.yml", "config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "show verbose")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Fatal(err)
	}
}
