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
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hoardapp/hoard/internal/catalog"
	"github.com/hoardapp/hoard/internal/hashing"
)

// hashCmd is the command when calling `hoard hash`.
var hashCmd = &cobra.Command{
	Use:           "hash <dir>",
	Short:         "Backfill perceptual hashes for catalog rows under a directory",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHash(args[0])
	},
}

func init() {
	rootCmd.AddCommand(hashCmd)
}

func runHash(dir string) error {
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hashed, skipped, failed := 0, 0, 0
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		kind, err := hashing.KindOf(path)
		if err != nil || kind == hashing.KindUnknown {
			return nil
		}
		sum, err := fileMD5(path)
		if err != nil {
			logrus.WithError(err).WithField("path", path).Warn("hashing file failed")
			failed++
			return nil
		}
		img, err := store.ImageByMD5(ctx, sum)
		if errors.Is(err, catalog.ErrNotFound) {
			skipped++
			return nil
		}
		if err != nil {
			return err
		}
		if img.PHash != "" {
			skipped++
			return nil
		}
		phash, colorhash, err := engine.Hashes(ctx, path, sum)
		if err != nil {
			logrus.WithError(err).WithField("path", path).Warn("computing perceptual hash failed")
			failed++
			return nil
		}
		err = store.WithTx(ctx, func(tx *sql.Tx) error {
			return catalog.SetHashesTx(ctx, tx, img.ID, phash, colorhash)
		})
		if err != nil {
			return err
		}
		hashed++
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "walking %s", dir)
	}

	logrus.WithFields(logrus.Fields{
		"hashed":  hashed,
		"skipped": skipped,
		"failed":  failed,
	}).Info("hash backfill finished")
	if failed > 0 {
		return errors.Errorf("%d files failed to hash", failed)
	}
	return nil
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "opening file")
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrap(err, "reading file")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
