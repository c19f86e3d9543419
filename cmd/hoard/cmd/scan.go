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
	"github.com/hoardapp/hoard/internal/hashing"
	"github.com/hoardapp/hoard/internal/ingest"
	"github.com/hoardapp/hoard/internal/semantic"
	"github.com/hoardapp/hoard/internal/sources"
)

type scanOptions struct {
	onlineOnly bool
}

var scanOpts = &scanOptions{}

// scanCmd is the command when calling `hoard scan`.
var scanCmd = &cobra.Command{
	Use:           "scan",
	Short:         "Run one ingest sweep over the image and ingest directories",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScan()
	},
}

func init() {
	scanCmd.Flags().BoolVar(
		&scanOpts.onlineOnly,
		"online-only",
		false,
		"skip the local tagger fallback for images no booru knows",
	)

	rootCmd.AddCommand(scanCmd)
}

func runScan() error {
	opts, err := loadOptions()
	if err != nil {
		return err
	}

	store, err := catalog.Open(opts.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	engine, err := hashing.NewEngine()
	if err != nil {
		return err
	}

	var embedder semantic.Embedder
	if opts.SemanticEndpoint != "" {
		embedder = semantic.NewRemoteEmbedder(opts.SemanticEndpoint, opts.EmbeddingDim)
	}

	pipeline := ingest.New(store, sources.NewRegistry(opts), engine,
		embedder, nil, cachemgr.New(store),
		ingest.NewWebPThumbnailer(engine, opts.ImageDirectory, opts.ThumbDirectory), opts, nil)
	pipeline.OnlineOnly = scanOpts.onlineOnly

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := pipeline.Sweep(ctx, nil, nil)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"seen":       res.Seen,
		"committed":  res.Committed,
		"duplicates": res.Duplicates,
		"failed":     res.Failed,
	}).Info("sweep finished")
	return nil
}
