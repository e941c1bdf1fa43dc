//go:build linux

// Command xdpsim checks devices for fast-path eligibility and runs
// fast-path programs over simulated or AF_XDP backed devices.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "xdpsim",
	Short: "Userspace XDP fast-path simulator",
	Long: `xdpsim attaches XDP programs to fast-path devices and drives traffic
through them. Devices are either simulated, connected by virtual wires,
or bound to a real NIC through AF_XDP.

Examples:
  xdpsim check -c xdpsim.yaml          # report fast-path eligibility
  xdpsim run -c xdpsim.yaml -d 10s     # run the configured topology
  xdpsim run -c xdpsim.yaml -n 1000000 -r 500000`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "xdpsim.yaml",
		"path to config YAML file")
	rootCmd.PersistentFlags().String("log-level", "", "log level override")

	rootCmd.AddCommand(newCheckCmd(os.Stdout))
	rootCmd.AddCommand(newRunCmd(os.Stdout))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads the config, applies the persistent flag overrides and
// creates the logger.
func setup(cmd *cobra.Command) (*Config, *logrus.Logger, error) {
	conf, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		conf.LogLevel = lvl
	}
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	log, err := newLogger(conf.LogLevel, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	return conf, log, nil
}

func newLogger(level string, w io.Writer) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(lvl)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l, nil
}
