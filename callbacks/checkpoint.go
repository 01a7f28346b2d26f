package callbacks

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tsawler/leafnet/checkpoints"
	"github.com/tsawler/leafnet/training"
)

// DefaultFilenamePattern names periodic checkpoints by epoch and step
const DefaultFilenamePattern = "checkpoint_epoch_%d_step_%d"

// ErrNoCheckpoint is returned by LatestCheckpoint for an empty directory
var ErrNoCheckpoint = errors.New("no checkpoint found")

// CheckpointConfig configures periodic checkpoint saving
type CheckpointConfig struct {
	SaveDirectory   string                       // Directory to save checkpoints
	SaveFrequency   int                          // Save every N epochs (0 = disabled)
	MaxCheckpoints  int                          // Maximum number of checkpoints to keep (0 = unlimited)
	Format          checkpoints.CheckpointFormat // JSON keeps optimizer state for resuming
	FilenamePattern string                       // Pattern for checkpoint filenames
	RunID           string
}

// DefaultCheckpointConfig saves a resumable JSON checkpoint every epoch
// and keeps the last three
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		SaveDirectory:   "./checkpoints",
		SaveFrequency:   1,
		MaxCheckpoints:  3,
		Format:          checkpoints.FormatJSON,
		FilenamePattern: DefaultFilenamePattern,
	}
}

// ModelCheckpoint writes the full training state every SaveFrequency
// epochs so an interrupted run can be resumed with Tesseract.Restore
type ModelCheckpoint struct {
	config     CheckpointConfig
	saver      *checkpoints.CheckpointSaver
	savedFiles []string // oldest first
}

// NewModelCheckpoint creates the callback
func NewModelCheckpoint(config CheckpointConfig) *ModelCheckpoint {
	if config.FilenamePattern == "" {
		config.FilenamePattern = DefaultFilenamePattern
	}
	return &ModelCheckpoint{
		config: config,
		saver:  checkpoints.NewCheckpointSaver(config.Format),
	}
}

// SavedFiles lists the checkpoints currently kept, oldest first
func (mc *ModelCheckpoint) SavedFiles() []string {
	return append([]string(nil), mc.savedFiles...)
}

func (mc *ModelCheckpoint) OnEpochEnd(t *training.Tesseract, _ float64) error {
	if mc.config.SaveFrequency <= 0 || t.Epoch()%mc.config.SaveFrequency != 0 {
		return nil
	}
	_, err := mc.Save(t)
	return err
}

// Save writes a checkpoint of t now and returns its path
func (mc *ModelCheckpoint) Save(t *training.Tesseract) (string, error) {
	ckpt := t.Checkpoint()
	ckpt.Metadata.RunID = mc.config.RunID
	ckpt.Metadata.Description = fmt.Sprintf("Periodic checkpoint - Epoch %d", t.Epoch())
	ckpt.Metadata.Tags = []string{fmt.Sprintf("epoch_%d", t.Epoch())}

	if err := os.MkdirAll(mc.config.SaveDirectory, 0755); err != nil {
		return "", fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	path := filepath.Join(mc.config.SaveDirectory, mc.filename(t.Epoch(), t.Step()))
	if err := mc.saver.SaveCheckpoint(ckpt, path); err != nil {
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}
	mc.savedFiles = append(mc.savedFiles, path)

	if err := mc.cleanupOldCheckpoints(); err != nil {
		t.Logger().Warn("Failed to clean up old checkpoints", "err", err)
	}
	t.Logger().Debug("Saved checkpoint", "path", path)
	return path, nil
}

func (mc *ModelCheckpoint) filename(epoch, step int) string {
	return fmt.Sprintf(mc.config.FilenamePattern, epoch, step) + extension(mc.config.Format)
}

func extension(format checkpoints.CheckpointFormat) string {
	if format == checkpoints.FormatONNX {
		return ".onnx"
	}
	return ".json"
}

func (mc *ModelCheckpoint) cleanupOldCheckpoints() error {
	if mc.config.MaxCheckpoints <= 0 || len(mc.savedFiles) <= mc.config.MaxCheckpoints {
		return nil
	}
	toRemove := len(mc.savedFiles) - mc.config.MaxCheckpoints
	for _, path := range mc.savedFiles[:toRemove] {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove old checkpoint %s: %w", path, err)
		}
	}
	mc.savedFiles = mc.savedFiles[toRemove:]
	return nil
}

// LatestCheckpoint returns the checkpoint in dir with the highest epoch,
// matching files written with DefaultFilenamePattern
func LatestCheckpoint(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoCheckpoint
		}
		return "", err
	}

	type candidate struct {
		path        string
		epoch, step int
	}
	var found []candidate
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		var epoch, step int
		if n, err := fmt.Sscanf(name, DefaultFilenamePattern, &epoch, &step); err != nil || n != 2 {
			continue
		}
		found = append(found, candidate{filepath.Join(dir, e.Name()), epoch, step})
	}
	if len(found) == 0 {
		return "", ErrNoCheckpoint
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].epoch != found[j].epoch {
			return found[i].epoch > found[j].epoch
		}
		return found[i].step > found[j].step
	})
	return found[0].path, nil
}
