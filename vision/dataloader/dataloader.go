package dataloader

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tsawler/leafnet/tensor"
	"github.com/tsawler/leafnet/vision/preprocessing"
)

// Dataset interface defines the contract for datasets. GetItem returns a
// [C, H, W] image and its target row, which is nil for unlabelled data.
type Dataset interface {
	Len() int
	GetItem(index int) (*tensor.Tensor, []float32, error)
}

// imageCacher is implemented by datasets that can reuse decoded images
type imageCacher interface {
	SetImageCache(cache preprocessing.Cache)
}

// Batch is a stacked group of samples
type Batch struct {
	Images  *tensor.Tensor // [N, C, H, W]
	Targets *tensor.Tensor // [N, K], nil when the dataset is unlabelled
	Indices []int          // dataset indices in batch order
}

// Size returns the number of samples in the batch
func (b *Batch) Size() int {
	return len(b.Indices)
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize    int
	Shuffle      bool
	DropLast     bool
	Workers      int           // goroutines decoding samples; 0 decodes inline
	Seed         int64         // shuffle seed
	MaxCacheSize int           // images kept decoded; negative disables the cache
	CacheManager *CacheManager // Optional shared cache manager
}

// DataLoader assembles batches from a Dataset
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	dropLast  bool
	workers   int
	rng       *rand.Rand
	indices   []int
	position  int
	mu        sync.Mutex

	cacheManager *CacheManager
}

// NewDataLoader creates a new data loader
func NewDataLoader(dataset Dataset, config Config) (*DataLoader, error) {
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if dataset.Len() == 0 {
		return nil, fmt.Errorf("dataset is empty")
	}

	dl := &DataLoader{
		dataset:   dataset,
		batchSize: config.BatchSize,
		shuffle:   config.Shuffle,
		dropLast:  config.DropLast,
		workers:   config.Workers,
		rng:       rand.New(rand.NewSource(config.Seed)),
		indices:   make([]int, dataset.Len()),
	}
	for i := range dl.indices {
		dl.indices[i] = i
	}

	if cacher, ok := dataset.(imageCacher); ok && config.MaxCacheSize >= 0 {
		dl.cacheManager = config.CacheManager
		if dl.cacheManager == nil {
			cm, err := NewCacheManager(config.MaxCacheSize)
			if err != nil {
				return nil, err
			}
			dl.cacheManager = cm
		}
		cacher.SetImageCache(dl.cacheManager)
	}

	dl.Reset()
	return dl, nil
}

// Reset rewinds to the beginning, reshuffling when enabled
func (dl *DataLoader) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.position = 0
	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Len returns the number of batches per epoch
func (dl *DataLoader) Len() int {
	n := len(dl.indices)
	if dl.dropLast {
		return n / dl.batchSize
	}
	return (n + dl.batchSize - 1) / dl.batchSize
}

// NextBatch loads the next batch. It returns io.EOF once the epoch is done.
func (dl *DataLoader) NextBatch(ctx context.Context) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dl.mu.Lock()
	remaining := len(dl.indices) - dl.position
	size := min(dl.batchSize, remaining)
	if size <= 0 || (dl.dropLast && size < dl.batchSize) {
		dl.mu.Unlock()
		return nil, io.EOF
	}
	indices := append([]int(nil), dl.indices[dl.position:dl.position+size]...)
	dl.position += size
	dl.mu.Unlock()

	return dl.load(ctx, indices)
}

func (dl *DataLoader) load(ctx context.Context, indices []int) (*Batch, error) {
	images := make([]*tensor.Tensor, len(indices))
	targets := make([][]float32, len(indices))

	get := func(i int) error {
		img, target, err := dl.dataset.GetItem(indices[i])
		if err != nil {
			return fmt.Errorf("sample %d: %w", indices[i], err)
		}
		images[i], targets[i] = img, target
		return nil
	}

	if dl.workers <= 0 {
		for i := range indices {
			if err := get(i); err != nil {
				return nil, err
			}
		}
	} else {
		g, ctx := errgroup.WithContext(ctx)
		g.SetLimit(dl.workers)
		for i := range indices {
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				return get(i)
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	return stack(indices, images, targets)
}

// stack copies samples into contiguous batch tensors
func stack(indices []int, images []*tensor.Tensor, targets [][]float32) (*Batch, error) {
	first := images[0]
	shape := append([]int{len(images)}, first.Shape...)
	batch := &Batch{Images: tensor.MustNew(shape, nil), Indices: indices}

	per := first.NumElems
	for i, img := range images {
		if !tensor.ShapesEqual(img.Shape, first.Shape) {
			return nil, fmt.Errorf("sample %d has shape %v, batch expects %v", indices[i], img.Shape, first.Shape)
		}
		copy(batch.Images.Data[i*per:(i+1)*per], img.Data)
	}

	if targets[0] == nil {
		return batch, nil
	}
	k := len(targets[0])
	batch.Targets = tensor.MustNew([]int{len(targets), k}, nil)
	for i, t := range targets {
		if len(t) != k {
			return nil, fmt.Errorf("sample %d has %d targets, batch expects %d", indices[i], len(t), k)
		}
		copy(batch.Targets.Data[i*k:(i+1)*k], t)
	}
	return batch, nil
}

// Result is one item of a Stream
type Result struct {
	Batch *Batch
	Err   error
}

// Stream resets the loader and yields the epoch's batches on a channel,
// loading the next batch while the current one is consumed. The channel
// closes after the last batch, the first error or ctx cancellation.
func (dl *DataLoader) Stream(ctx context.Context) <-chan Result {
	dl.Reset()
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		for {
			batch, err := dl.NextBatch(ctx)
			if err == io.EOF {
				return
			}
			select {
			case out <- Result{Batch: batch, Err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return out
}

// Stats returns cache statistics
func (dl *DataLoader) Stats() string {
	if dl.cacheManager == nil {
		return "Cache: disabled"
	}
	return dl.cacheManager.Stats().String()
}
