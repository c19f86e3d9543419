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

package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hoardapp/hoard/internal/cachemgr"
	"github.com/hoardapp/hoard/internal/catalog"
	"github.com/hoardapp/hoard/internal/rebuild"
	"github.com/hoardapp/hoard/internal/tagrepo"
)

// rebuildCmd is the command when calling `hoard rebuild`.
var rebuildCmd = &cobra.Command{
	Use:           "rebuild",
	Short:         "Rebuild all derived tag data from stored source metadata",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRebuild()
	},
}

func init() {
	rootCmd.AddCommand(rebuildCmd)
}

func runRebuild() error {
	opts, err := loadOptions()
	if err != nil {
		return err
	}

	store, err := catalog.Open(opts.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	cache := cachemgr.New(store)
	repo := tagrepo.NewRepo(store, cache, opts.BooruPriority, opts.UseMergedSources)
	engine := rebuild.New(store, repo, cache, opts.BooruPriority, opts.UseMergedSources)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := engine.Full(ctx, nil, nil)
	if err != nil {
		return err
	}
	if err := store.SetConfig(ctx, catalog.ConfigKeyPriorityHash, opts.PriorityHash()); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"images":         res.Images,
		"sourced":        res.Sourced,
		"parse_failures": res.ParseFailures,
		"recategorized":  res.Recategorized,
		"replayed":       res.ReplayedDeltas,
	}).Info("rebuild finished")
	return nil
}
