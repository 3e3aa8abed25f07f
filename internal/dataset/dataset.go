package dataset

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"seg-backend/internal/utils"
	"seg-backend/pkg/api"
)

var (
	// ErrNotFound means neither partition contains the requested file.
	ErrNotFound = errors.New("image not found")
	// ErrNoUnlabeled means every inbox image already has an annotation.
	ErrNoUnlabeled = errors.New("no unlabeled images")
	// ErrInvalidReference means an annotation was saved for an id with no
	// matching inbox image.
	ErrInvalidReference = errors.New("no inbox image with this id")
	// ErrUnknownStrategy means PickUnlabeled got a strategy it does not
	// implement.
	ErrUnknownStrategy = errors.New("unknown selection strategy")
)

const (
	StrategySequential = "sequential"
	StrategyRandom     = "random"
)

var validId = regexp.MustCompile(`^[\w\-\.]+\.png$`)

// ValidImageId reports whether id is a safe image file name. Ids become
// file names inside the partition directories, so anything that could
// escape them is rejected before the filesystem is touched.
func ValidImageId(id string) bool {
	if strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return false
	}
	return validId.MatchString(id)
}

// Pair is one training example: an image and its annotation. It rides in
// the train task payload, so paths are absolute.
type Pair struct {
	Id             string `json:"id"`
	ImagePath      string `json:"image_path"`
	AnnotationPath string `json:"annotation_path"`
}

const maxConcurrentSaves = 256

// Manager owns the two dataset partitions under the data root: `completed`
// holds the curated archive and is never written by the service, `inbox`
// holds operator-facing images and their in-progress annotations. Every
// entry is a png whose file name is the sample id.
type Manager struct {
	root  string
	locks utils.MutexMap
}

func NewManager(root string) (*Manager, error) {
	for _, dir := range []string{
		filepath.Join(root, "completed", "images"),
		filepath.Join(root, "completed", "annotations"),
		filepath.Join(root, "inbox", "images"),
		filepath.Join(root, "inbox", "annotations"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("error creating dataset dir %s: %w", dir, err)
		}
	}

	return &Manager{root: root, locks: utils.NewMutexMap(maxConcurrentSaves)}, nil
}

func (m *Manager) completedImages() string      { return filepath.Join(m.root, "completed", "images") }
func (m *Manager) completedAnnotations() string { return filepath.Join(m.root, "completed", "annotations") }
func (m *Manager) inboxImages() string          { return filepath.Join(m.root, "inbox", "images") }
func (m *Manager) inboxAnnotations() string     { return filepath.Join(m.root, "inbox", "annotations") }

// listPngs returns the png file names in dir, sorted by name.
func listPngs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("error listing %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".png") {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// ListInbox reports every inbox image and whether it has a label, sorted by
// id.
func (m *Manager) ListInbox() ([]api.InboxImage, error) {
	names, err := listPngs(m.inboxImages())
	if err != nil {
		return nil, err
	}

	images := make([]api.InboxImage, 0, len(names))
	for _, name := range names {
		images = append(images, api.InboxImage{
			Id:       name,
			HasLabel: fileExists(filepath.Join(m.inboxAnnotations(), name)),
		})
	}
	return images, nil
}

// PickUnlabeled returns the id of an inbox image that has no annotation
// yet. "sequential" picks the first in id order, "random" (the default) a
// uniform random one.
func (m *Manager) PickUnlabeled(strategy string) (string, error) {
	images, err := m.ListInbox()
	if err != nil {
		return "", err
	}

	var candidates []string
	for _, img := range images {
		if !img.HasLabel {
			candidates = append(candidates, img.Id)
		}
	}
	if len(candidates) == 0 {
		return "", ErrNoUnlabeled
	}

	switch strategy {
	case StrategySequential:
		return candidates[0], nil
	case StrategyRandom, "":
		return candidates[rand.Intn(len(candidates))], nil
	default:
		return "", fmt.Errorf("%w '%s'", ErrUnknownStrategy, strategy)
	}
}

// InboxImagePath returns the path of an inbox image.
func (m *Manager) InboxImagePath(id string) (string, error) {
	if !ValidImageId(id) {
		return "", ErrNotFound
	}

	path := filepath.Join(m.inboxImages(), id)
	if !fileExists(path) {
		return "", ErrNotFound
	}
	return path, nil
}

// ResolveImage locates an image by id, searching the inbox first and the
// completed partition second.
func (m *Manager) ResolveImage(id string) (string, error) {
	if !ValidImageId(id) {
		return "", ErrNotFound
	}

	for _, dir := range []string{m.inboxImages(), m.completedImages()} {
		path := filepath.Join(dir, id)
		if fileExists(path) {
			return path, nil
		}
	}
	return "", ErrNotFound
}

// ResolveAnnotation locates an annotation by image id, inbox first.
func (m *Manager) ResolveAnnotation(id string) (string, error) {
	if !ValidImageId(id) {
		return "", ErrNotFound
	}

	for _, dir := range []string{m.inboxAnnotations(), m.completedAnnotations()} {
		path := filepath.Join(dir, id)
		if fileExists(path) {
			return path, nil
		}
	}
	return "", ErrNotFound
}

// SaveAnnotation stores an annotation for an inbox image, replacing any
// previous one. Saves for the same id are serialized so concurrent uploads
// cannot interleave writes; the curated partition is never written.
func (m *Manager) SaveAnnotation(id string, data []byte) error {
	if !ValidImageId(id) {
		return ErrInvalidReference
	}

	if err := m.locks.Lock(id); err != nil {
		return fmt.Errorf("error locking annotation %s: %w", id, err)
	}
	defer m.locks.Unlock(id)

	if !fileExists(filepath.Join(m.inboxImages(), id)) {
		return ErrInvalidReference
	}

	path := filepath.Join(m.inboxAnnotations(), id)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing annotation %s: %w", path, err)
	}
	return nil
}

// TrainingPairs collects every image that has an annotation: all completed
// pairs first, then labeled inbox pairs, each group sorted by id. The order
// is stable so identical dataset states produce identical fold splits for a
// fixed shuffle seed.
func (m *Manager) TrainingPairs() ([]Pair, api.DatasetSnapshot, error) {
	var pairs []Pair
	snapshot := api.DatasetSnapshot{}

	completed, err := listPngs(m.completedImages())
	if err != nil {
		return nil, snapshot, err
	}
	for _, name := range completed {
		ann := filepath.Join(m.completedAnnotations(), name)
		if fileExists(ann) {
			pairs = append(pairs, Pair{
				Id:             name,
				ImagePath:      filepath.Join(m.completedImages(), name),
				AnnotationPath: ann,
			})
			snapshot.CompletedPairs++
		}
	}

	inbox, err := listPngs(m.inboxImages())
	if err != nil {
		return nil, snapshot, err
	}
	for _, name := range inbox {
		ann := filepath.Join(m.inboxAnnotations(), name)
		if fileExists(ann) {
			pairs = append(pairs, Pair{
				Id:             name,
				ImagePath:      filepath.Join(m.inboxImages(), name),
				AnnotationPath: ann,
			})
			snapshot.UnannotatedPairs++
		}
	}

	snapshot.TotalPairs = len(pairs)
	return pairs, snapshot, nil
}

// Stats counts both partitions for the dashboard.
func (m *Manager) Stats() (api.DatasetStats, error) {
	var stats api.DatasetStats

	completedImages, err := listPngs(m.completedImages())
	if err != nil {
		return stats, err
	}
	completedAnnotations, err := listPngs(m.completedAnnotations())
	if err != nil {
		return stats, err
	}
	inbox, err := m.ListInbox()
	if err != nil {
		return stats, err
	}

	stats.CompletedImages = len(completedImages)
	stats.CompletedAnnotations = len(completedAnnotations)
	stats.UnannotatedImages = len(inbox)
	for _, img := range inbox {
		if img.HasLabel {
			stats.UnannotatedLabeled++
		} else {
			stats.UnannotatedUnlabeled++
		}
	}

	pairs, _, err := m.TrainingPairs()
	if err != nil {
		return stats, err
	}
	stats.TotalTrainingPairs = len(pairs)

	return stats, nil
}
