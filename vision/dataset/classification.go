package dataset

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/tsawler/leafnet/tensor"
	"github.com/tsawler/leafnet/vision/preprocessing"
)

// ClassificationDataset decodes image files, resizes them and applies an
// augmentation pipeline. Targets may be nil for unlabelled data.
type ClassificationDataset struct {
	imagePaths    []string
	targets       [][]float32
	processor     *preprocessing.ImageProcessor
	augmentations preprocessing.Transform
	cache         preprocessing.Cache

	mu  sync.Mutex
	rng *rand.Rand
}

// ClassificationConfig describes a dataset
type ClassificationConfig struct {
	ImagePaths    []string
	Targets       [][]float32
	ResizeWidth   int
	ResizeHeight  int
	Augmentations preprocessing.Transform
	Seed          int64
}

// NewClassificationDataset validates cfg and builds the dataset
func NewClassificationDataset(cfg ClassificationConfig) (*ClassificationDataset, error) {
	if len(cfg.ImagePaths) == 0 {
		return nil, fmt.Errorf("dataset has no images")
	}
	if cfg.Targets != nil && len(cfg.Targets) != len(cfg.ImagePaths) {
		return nil, fmt.Errorf("%d targets for %d images", len(cfg.Targets), len(cfg.ImagePaths))
	}
	return &ClassificationDataset{
		imagePaths:    cfg.ImagePaths,
		targets:       cfg.Targets,
		processor:     preprocessing.NewImageProcessor(cfg.ResizeWidth, cfg.ResizeHeight),
		augmentations: cfg.Augmentations,
		rng:           rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// FromFrame builds a dataset over the rows of frame, reading images from dir
func FromFrame(frame *Frame, dir, ext string, cfg ClassificationConfig) (*ClassificationDataset, error) {
	cfg.ImagePaths = frame.ImagePaths(dir, ext)
	cfg.Targets = frame.Targets()
	return NewClassificationDataset(cfg)
}

// SetImageCache shares decoded, resized images across epochs. Augmentations
// run after the cache so random transforms stay random.
func (d *ClassificationDataset) SetImageCache(cache preprocessing.Cache) {
	d.cache = cache
}

// Len returns the number of items in the dataset
func (d *ClassificationDataset) Len() int {
	return len(d.imagePaths)
}

// NumClasses returns the width of the target rows, 0 when unlabelled
func (d *ClassificationDataset) NumClasses() int {
	if len(d.targets) == 0 {
		return 0
	}
	return len(d.targets[0])
}

// Path returns the image path at index
func (d *ClassificationDataset) Path(index int) string {
	return d.imagePaths[index]
}

// GetItem returns the [C, H, W] image and its target row (nil when
// unlabelled)
func (d *ClassificationDataset) GetItem(index int) (*tensor.Tensor, []float32, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}

	img, err := d.load(d.imagePaths[index])
	if err != nil {
		return nil, nil, err
	}

	if d.augmentations != nil {
		d.mu.Lock()
		rng := rand.New(rand.NewSource(d.rng.Int63()))
		d.mu.Unlock()

		if img, err = d.augmentations.Apply(img, rng); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", d.imagePaths[index], err)
		}
	}

	var target []float32
	if d.targets != nil {
		target = d.targets[index]
	}
	return img.CHW(), target, nil
}

func (d *ClassificationDataset) load(path string) (*preprocessing.ProcessedImage, error) {
	if d.cache != nil {
		if img, ok := d.cache.Get(path); ok {
			return img, nil
		}
	}
	img, err := d.processor.Load(path)
	if err != nil {
		return nil, err
	}
	if d.cache != nil {
		d.cache.Put(path, img)
	}
	return img, nil
}

// String returns a string representation of the dataset
func (d *ClassificationDataset) String() string {
	w, h := d.processor.Size()
	return fmt.Sprintf("ClassificationDataset(%d images, %d classes, resize=%dx%d, augmentations=%v)",
		d.Len(), d.NumClasses(), w, h, d.augmentations)
}
