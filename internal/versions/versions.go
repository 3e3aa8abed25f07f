package versions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"seg-backend/internal/storage"
	"seg-backend/pkg/api"
)

// ErrNotFound means no finalized version with the requested id exists.
var ErrNotFound = errors.New("version not found")

var versionPattern = regexp.MustCompile(`^v(\d{3,})$`)

const logFileName = "training_log.json"

// Store owns the model directory layout:
//
//	<root>/current/fold_<i>.ckpt   working checkpoints of the live run
//	<root>/current/best.ckpt       promoted checkpoint, also used by exports
//	<root>/pretrained.ckpt         optional shared initialization
//	<root>/versions/v<NNN>/        immutable per-run snapshot + training_log.json
//
// Finalized version directories are mirrored to the object store archive so
// they survive the local disk; Restore falls back to the archive when the
// local copy is gone.
type Store struct {
	root    string
	archive storage.ObjectStore
	bucket  string
}

func NewStore(root string, archive storage.ObjectStore, bucket string) (*Store, error) {
	for _, dir := range []string{filepath.Join(root, "current"), filepath.Join(root, "versions")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("error creating model dir %s: %w", dir, err)
		}
	}
	return &Store{root: root, archive: archive, bucket: bucket}, nil
}

func (s *Store) FoldCheckpoint(i int) string {
	return filepath.Join(s.root, "current", fmt.Sprintf("fold_%d.ckpt", i))
}

func (s *Store) BestCheckpoint() string {
	return filepath.Join(s.root, "current", "best.ckpt")
}

func (s *Store) PretrainedCheckpoint() string {
	return filepath.Join(s.root, "pretrained.ckpt")
}

func (s *Store) promotedFile() string {
	return filepath.Join(s.root, "current", "promoted")
}

func (s *Store) versionDir(version string) string {
	return filepath.Join(s.root, "versions", version)
}

func (s *Store) archivePrefix(version string) string {
	return "versions/" + version
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("error opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("error copying %s to %s: %w", src, dst, err)
	}
	return nil
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// NextVersion scans the versions directory and allocates the next id. Ids
// are zero-padded to three digits and grow wider past v999.
func (s *Store) NextVersion() (string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "versions"))
	if err != nil {
		return "", fmt.Errorf("error scanning versions: %w", err)
	}

	next := 1
	for _, e := range entries {
		if m := versionPattern.FindStringSubmatch(e.Name()); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n+1 > next {
				next = n + 1
			}
		}
	}
	return fmt.Sprintf("v%03d", next), nil
}

// NewRunLog initializes the run record with one pre-seeded slot per fold,
// so a run that dies mid-fold still serializes every fold.
func (s *Store) NewRunLog(version string, hp api.Hyperparameters, snapshot api.DatasetSnapshot) *api.TrainingLog {
	folds := make([]api.FoldLog, hp.NumFolds)
	for i := range folds {
		folds[i] = api.FoldLog{FoldIdx: i, Epochs: []api.EpochRecord{}}
	}

	return &api.TrainingLog{
		Version:         version,
		StartedAt:       time.Now().UTC(),
		Status:          api.RunRunning,
		Hyperparameters: hp,
		Dataset:         snapshot,
		Folds:           folds,
	}
}

func (s *Store) SetFoldSplit(log *api.TrainingLog, fold, trainCount, valCount int) {
	log.Folds[fold].TrainCount = trainCount
	log.Folds[fold].ValCount = valCount
}

// RecordEpoch appends one epoch's metrics, rounded to 6 decimals, and
// reports whether the fold's best dice improved. Epochs are 1-based within
// their fold.
func (s *Store) RecordEpoch(log *api.TrainingLog, fold, epoch int, trainLoss, valDice float64) bool {
	f := &log.Folds[fold]
	f.Epochs = append(f.Epochs, api.EpochRecord{
		Epoch:     epoch,
		TrainLoss: round6(trainLoss),
		ValDice:   round6(valDice),
	})

	if round6(valDice) > f.BestDice {
		f.BestDice = round6(valDice)
		f.BestEpoch = epoch
		return true
	}
	return false
}

// PromoteBest copies a fold's checkpoint over current/best.ckpt and records
// which version it came from. A fold whose checkpoint was never saved (every
// epoch scored zero) is skipped silently so that a run without a usable
// model still completes.
func (s *Store) PromoteBest(version string, fold int) error {
	src := s.FoldCheckpoint(fold)
	if !fileExists(src) {
		return nil
	}
	if err := copyFile(src, s.BestCheckpoint()); err != nil {
		return fmt.Errorf("error promoting fold %d checkpoint: %w", fold, err)
	}
	s.markPromoted(version)
	return nil
}

// markPromoted is best-effort bookkeeping; the checkpoint itself is already
// in place when it runs.
func (s *Store) markPromoted(version string) {
	if err := os.WriteFile(s.promotedFile(), []byte(version), 0644); err != nil {
		slog.Warn("error recording promoted version", "version", version, "error", err)
	}
}

// PromotedVersion reports which version current/best.ckpt came from, or ""
// when nothing has been promoted.
func (s *Store) PromotedVersion() string {
	data, err := os.ReadFile(s.promotedFile())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// HasPromoted reports whether a promoted checkpoint exists on disk.
func (s *Store) HasPromoted() bool {
	return fileExists(s.BestCheckpoint())
}

// Finalize stamps the terminal status, copies whatever checkpoints exist in
// current/ into the version directory, computes the results block, and
// writes training_log.json. It runs on every exit path, so cancelled and
// failed runs keep their partial history. Mirroring to the archive is
// best-effort: a mirror failure is logged but never fails a locally
// finalized run.
func (s *Store) Finalize(ctx context.Context, log *api.TrainingLog, foldDices []float64, bestFold int, status string) error {
	vdir := s.versionDir(log.Version)
	if err := os.MkdirAll(vdir, 0755); err != nil {
		return fmt.Errorf("error creating version dir %s: %w", vdir, err)
	}

	for i := 0; i < log.Hyperparameters.NumFolds; i++ {
		src := s.FoldCheckpoint(i)
		if fileExists(src) {
			if err := copyFile(src, filepath.Join(vdir, fmt.Sprintf("fold_%d.ckpt", i))); err != nil {
				return err
			}
		}
	}
	if src := s.BestCheckpoint(); fileExists(src) {
		if err := copyFile(src, filepath.Join(vdir, "best.ckpt")); err != nil {
			return err
		}
	}

	meanDice := 0.0
	for _, d := range foldDices {
		meanDice += d
	}
	if len(foldDices) > 0 {
		meanDice /= float64(len(foldDices))
	}

	rounded := make([]float64, len(foldDices))
	for i, d := range foldDices {
		rounded[i] = round6(d)
	}

	bestFoldDice := 0.0
	if bestFold >= 0 && bestFold < len(foldDices) {
		bestFoldDice = round6(foldDices[bestFold])
	}

	log.Results = &api.RunResults{
		MeanDice:     round6(meanDice),
		FoldDices:    rounded,
		BestFoldIdx:  bestFold,
		BestFoldDice: bestFoldDice,
	}
	log.Status = status
	now := time.Now().UTC()
	log.CompletedAt = &now

	data, err := json.MarshalIndent(log, "", "  ")
	if err != nil {
		return fmt.Errorf("error serializing training log: %w", err)
	}
	if err := os.WriteFile(filepath.Join(vdir, logFileName), data, 0644); err != nil {
		return fmt.Errorf("error writing training log: %w", err)
	}

	if s.archive != nil {
		if err := s.archive.UploadDir(ctx, s.bucket, s.archivePrefix(log.Version), vdir); err != nil {
			slog.Error("error mirroring version to archive", "version", log.Version, "error", err)
		}
	}

	slog.Info("version finalized", "version", log.Version, "status", status)
	return nil
}

// Restore copies a version's checkpoints back into current/, pulling the
// version directory from the archive when the local copy is missing. The
// caller is responsible for invalidating any loaded ensemble afterwards.
func (s *Store) Restore(ctx context.Context, version string) error {
	if !versionPattern.MatchString(version) {
		return ErrNotFound
	}

	vdir := s.versionDir(version)
	if !fileExists(filepath.Join(vdir, logFileName)) {
		if s.archive == nil {
			return ErrNotFound
		}
		if err := s.archive.DownloadDir(ctx, s.bucket, s.archivePrefix(version), vdir, true); err != nil {
			slog.Warn("version not in archive", "version", version, "error", err)
			return ErrNotFound
		}
		if !fileExists(filepath.Join(vdir, logFileName)) {
			return ErrNotFound
		}
	}

	foldCkpts, err := filepath.Glob(filepath.Join(vdir, "fold_*.ckpt"))
	if err != nil {
		return fmt.Errorf("error scanning version %s: %w", version, err)
	}
	for _, src := range foldCkpts {
		if err := copyFile(src, filepath.Join(s.root, "current", filepath.Base(src))); err != nil {
			return err
		}
	}

	if src := filepath.Join(vdir, "best.ckpt"); fileExists(src) {
		if err := copyFile(src, s.BestCheckpoint()); err != nil {
			return err
		}
		s.markPromoted(version)
	}

	slog.Info("version restored", "version", version)
	return nil
}

func (s *Store) readLog(version string) (*api.TrainingLog, error) {
	data, err := os.ReadFile(filepath.Join(s.versionDir(version), logFileName))
	if err != nil {
		return nil, err
	}

	var log api.TrainingLog
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, fmt.Errorf("error parsing training log for %s: %w", version, err)
	}
	return &log, nil
}

// GetLog returns the full training log of one version.
func (s *Store) GetLog(version string) (*api.TrainingLog, error) {
	if !versionPattern.MatchString(version) {
		return nil, ErrNotFound
	}

	log, err := s.readLog(version)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return log, err
}

// sortedVersions returns the version directory names in numeric order.
func (s *Store) sortedVersions() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "versions"))
	if err != nil {
		return nil, fmt.Errorf("error scanning versions: %w", err)
	}

	type numbered struct {
		name string
		num  int
	}
	var found []numbered
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if m := versionPattern.FindStringSubmatch(e.Name()); m != nil {
			n, _ := strconv.Atoi(m[1])
			found = append(found, numbered{e.Name(), n})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].num < found[j].num })

	names := make([]string, len(found))
	for i, v := range found {
		names[i] = v.name
	}
	return names, nil
}

// List returns one summary per version directory, oldest first. A directory
// with no log is reported as "unknown", one with an unreadable log as
// "error"; both still show up so operators can spot damaged versions.
func (s *Store) List() ([]api.VersionSummary, error) {
	names, err := s.sortedVersions()
	if err != nil {
		return nil, err
	}

	summaries := make([]api.VersionSummary, 0, len(names))
	for _, name := range names {
		log, err := s.readLog(name)
		if errors.Is(err, os.ErrNotExist) {
			summaries = append(summaries, api.VersionSummary{Version: name, Status: api.VersionUnknown})
			continue
		}
		if err != nil {
			slog.Warn("unreadable training log", "version", name, "error", err)
			summaries = append(summaries, api.VersionSummary{Version: name, Status: api.RunError})
			continue
		}

		summary := api.VersionSummary{
			Version:     name,
			Status:      log.Status,
			CompletedAt: log.CompletedAt,
		}
		startedAt := log.StartedAt
		summary.StartedAt = &startedAt
		if log.Results != nil {
			summary.MeanDice = &log.Results.MeanDice
			summary.BestFoldDice = &log.Results.BestFoldDice
			summary.BestFoldIdx = &log.Results.BestFoldIdx
		}
		completedPairs := log.Dataset.CompletedPairs
		summary.CompletedPairs = &completedPairs

		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// Latest returns the training log of the newest version that has a readable
// log.
func (s *Store) Latest() (*api.TrainingLog, error) {
	names, err := s.sortedVersions()
	if err != nil {
		return nil, err
	}

	for i := len(names) - 1; i >= 0; i-- {
		log, err := s.readLog(names[i])
		if err != nil {
			continue
		}
		return log, nil
	}
	return nil, ErrNotFound
}
