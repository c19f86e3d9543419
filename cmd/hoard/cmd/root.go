/*
Copyright 2025 The Hoard Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cmd holds the hoard CLI.
package cmd

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hoardapp/hoard/internal/config"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

var rootOpts = &rootOptions{}

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "hoard",
	Short: "Self-hosted image archive with booru tagging",
	Long: `hoard - self-hosted image archive

hoard ingests images from a watched directory, tags them from booru
sources, finds duplicates by perceptual hash, and serves the archive
over HTTP.`,
	PersistentPreRunE: initLogging,
}

// Execute adds all child commands to the root command and sets flags.
// This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(
		&rootOpts.configPath,
		"config",
		"c",
		"",
		"path to the YAML config file (defaults plus HOARD_* env when omitted)",
	)
	rootCmd.PersistentFlags().StringVar(
		&rootOpts.logLevel,
		"log-level",
		"",
		"the logging verbosity (trace|debug|info|warning|error); overrides the config file",
	)
}

func initLogging(*cobra.Command, []string) error {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if rootOpts.logLevel == "" {
		return nil
	}
	level, err := logrus.ParseLevel(rootOpts.logLevel)
	if err != nil {
		return errors.Wrapf(err, "parsing log level %q", rootOpts.logLevel)
	}
	logrus.SetLevel(level)
	return nil
}

// loadOptions resolves the effective configuration for a subcommand.
func loadOptions() (*config.Options, error) {
	opts, err := config.Load(rootOpts.configPath)
	if err != nil {
		return nil, err
	}
	if rootOpts.logLevel == "" && opts.LogLevel != "" {
		level, err := logrus.ParseLevel(opts.LogLevel)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing log level %q", opts.LogLevel)
		}
		logrus.SetLevel(level)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}
