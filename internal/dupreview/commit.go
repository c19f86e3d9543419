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

package dupreview

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hoardapp/hoard/internal/catalog"
)

// Review actions.
const (
	ActionDeleteA      = "delete_a"
	ActionDeleteB      = "delete_b"
	ActionNonDuplicate = "non_duplicate"
	ActionRelated      = "related"
)

// Direction details for ActionRelated.
const (
	DetailParentChildAB = "parent_child_ab"
	DetailParentChildBA = "parent_child_ba"
	DetailSibling       = "sibling"
)

// Action is one reviewed pair verdict.
type Action struct {
	ImageA    int64  `json:"image_id_a"`
	ImageB    int64  `json:"image_id_b"`
	Action    string `json:"action"`
	Detail    string `json:"detail,omitempty"`
	Suggested string `json:"suggestion,omitempty"`
}

// CommitResult summarizes one commit batch.
type CommitResult struct {
	Processed int      `json:"processed"`
	Deleted   int      `json:"deleted"`
	Related   int      `json:"related"`
	Dismissed int      `json:"dismissed"`
	Errors    []string `json:"errors,omitempty"`
}

// calibrationLine is one appended JSONL record for threshold tuning.
type calibrationLine struct {
	Time           time.Time               `json:"time"`
	ImageA         int64                   `json:"image_id_a"`
	ImageB         int64                   `json:"image_id_b"`
	SuggestedClass string                  `json:"suggested_class"`
	ManualClass    string                  `json:"manual_class"`
	Outcome        string                  `json:"outcome"`
	Metrics        *catalog.PairSuggestion `json:"metrics,omitempty"`
}

// Commit applies review actions sequentially. Each pair leaves
// duplicate_pairs regardless of action; failures are collected and do not
// abort the batch. progress and running follow the task-handle contract.
func (s *Service) Commit(ctx context.Context, actions []Action, progress func(done, total int), running func() bool) (*CommitResult, error) {
	res := &CommitResult{}
	for i, act := range actions {
		if running != nil && !running() {
			break
		}
		if err := s.commitOne(ctx, act, res); err != nil {
			logrus.WithFields(logrus.Fields{
				"image_a": act.ImageA,
				"image_b": act.ImageB,
				"action":  act.Action,
			}).WithError(err).Warn("review action failed")
			res.Errors = append(res.Errors, err.Error())
		} else {
			res.Processed++
		}
		if progress != nil {
			progress(i+1, len(actions))
		}
	}
	return res, nil
}

func (s *Service) commitOne(ctx context.Context, act Action, res *CommitResult) error {
	// The suggestion goes with the pair row, so capture it up front for
	// calibration logging.
	suggestion, err := s.store.PairSuggestionFor(ctx, act.ImageA, act.ImageB)
	if err != nil && !errors.Is(err, catalog.ErrNotFound) {
		return err
	}

	switch act.Action {
	case ActionDeleteA, ActionDeleteB:
		victim := act.ImageA
		if act.Action == ActionDeleteB {
			victim = act.ImageB
		}
		if err := s.deleteImage(ctx, act.ImageA, act.ImageB, victim); err != nil {
			return err
		}
		res.Deleted++
	case ActionNonDuplicate:
		err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
			if err := catalog.AddRelationTx(ctx, tx, act.ImageA, act.ImageB,
				catalog.RelNonDuplicate, catalog.RelSourceDuplicateReview); err != nil {
				return err
			}
			return catalog.DeleteDuplicatePairTx(ctx, tx, act.ImageA, act.ImageB)
		})
		if err != nil {
			return err
		}
		res.Dismissed++
	case ActionRelated:
		a, b, relType := act.ImageA, act.ImageB, catalog.RelSibling
		switch act.Detail {
		case DetailParentChildAB:
			relType = catalog.RelParentChild
		case DetailParentChildBA:
			a, b, relType = act.ImageB, act.ImageA, catalog.RelParentChild
		case DetailSibling, "":
		default:
			return errors.Errorf("unknown relation detail %q", act.Detail)
		}
		err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
			if err := catalog.AddRelationTx(ctx, tx, a, b, relType,
				catalog.RelSourceDuplicateReview); err != nil {
				return err
			}
			return catalog.DeleteDuplicatePairTx(ctx, tx, act.ImageA, act.ImageB)
		})
		if err != nil {
			return err
		}
		res.Related++
	default:
		return errors.Errorf("unknown review action %q", act.Action)
	}

	if s.CalibrationLog != "" {
		if err := s.logCalibration(act, suggestion); err != nil {
			logrus.WithError(err).Warn("calibration log append failed")
		}
	}
	return nil
}

// deleteImage removes the victim's row and files and leaves a non_duplicate
// tombstone so the survivor is never queued against the dead id again.
func (s *Service) deleteImage(ctx context.Context, a, b, victim int64) error {
	img, err := s.store.ImageByID(ctx, victim)
	if err != nil {
		return errors.Wrapf(err, "loading image %d for deletion", victim)
	}
	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := catalog.AddRelationTx(ctx, tx, a, b,
			catalog.RelNonDuplicate, catalog.RelSourceDuplicateReview); err != nil {
			return err
		}
		// Also purges every duplicate_pairs row touching the victim.
		return catalog.DeleteImageTx(ctx, tx, victim)
	})
	if err != nil {
		return err
	}

	if err := os.Remove(img.Filepath); err != nil && !os.IsNotExist(err) {
		logrus.WithField("path", img.Filepath).WithError(err).Warn("removing deleted image file")
	}
	if s.ThumbPath != nil {
		p := s.ThumbPath(img.Filepath)
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logrus.WithField("path", p).WithError(err).Warn("removing thumbnail")
		}
	}
	if s.OnImageDeleted != nil {
		s.OnImageDeleted(victim)
	}
	return nil
}

// manualClass maps a review action onto the class the reviewer effectively
// asserted.
func manualClass(act Action) string {
	switch act.Action {
	case ActionDeleteA, ActionDeleteB:
		return ClassLikelyDuplicate
	case ActionRelated:
		return ClassLikelyVariation
	default:
		return ClassLikelyVariation
	}
}

func (s *Service) logCalibration(act Action, suggestion *catalog.PairSuggestion) error {
	suggested := act.Suggested
	if suggested == "" && suggestion != nil {
		suggested = Classify(suggestion.FinalSignal, s.Lower, s.Upper).Class
	}
	if suggested == "" {
		return nil
	}
	manual := manualClass(act)
	outcome := "mismatches"
	switch {
	case suggested == manual:
		outcome = "matches"
	case suggested == ClassUncertain:
		outcome = "uncertain"
	}
	line, err := json.Marshal(calibrationLine{
		Time:           time.Now().UTC(),
		ImageA:         act.ImageA,
		ImageB:         act.ImageB,
		SuggestedClass: suggested,
		ManualClass:    manual,
		Outcome:        outcome,
		Metrics:        suggestion,
	})
	if err != nil {
		return errors.Wrap(err, "encoding calibration line")
	}
	f, err := os.OpenFile(s.CalibrationLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "opening calibration log")
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return errors.Wrap(err, "appending calibration line")
}
