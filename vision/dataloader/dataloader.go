// Package dataloader batches dataset samples into tensors, shuffling with
// a seeded generator and prefetching batches in the background.
package dataloader

import (
	"context"
	"fmt"
	"io"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"github.com/tracklab/tracknet/tensor"
	"github.com/tracklab/tracknet/vision/dataset"
)

// Config holds configuration for DataLoader
type Config struct {
	BatchSize  int
	Shuffle    bool
	Seed       int64
	NumWorkers int // Parallel sample transforms per batch
	Prefetch   int // Batches assembled ahead of the consumer
	CacheSize  int // Transformed samples kept in memory, 0 disables
}

// DefaultConfig returns the loader settings used for training.
func DefaultConfig() Config {
	return Config{BatchSize: 32, Shuffle: true, Seed: 1, NumWorkers: 4, Prefetch: 2}
}

// Batch is a stacked group of samples.
type Batch struct {
	Images  *tensor.Tensor // [B,3,S,S]
	Labels  []int
	Indices []int // Dataset indices in batch order
}

// Size is the number of samples in the batch.
func (b *Batch) Size() int {
	return len(b.Labels)
}

// DataLoader iterates a dataset in batches. Successive epochs reshuffle
// from the same seeded generator, so the sequence of batch orders is
// reproducible. A DataLoader is not safe for concurrent epochs.
type DataLoader struct {
	dataset dataset.Dataset
	cfg     Config
	rng     *rand.Rand
	indices []int
	cache   *CacheManager
}

// NewDataLoader creates a new data loader
func NewDataLoader(ds dataset.Dataset, cfg Config) (*DataLoader, error) {
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if ds.Len() == 0 {
		return nil, fmt.Errorf("dataset is empty")
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if cfg.Prefetch < 0 {
		cfg.Prefetch = 0
	}

	indices := make([]int, ds.Len())
	for i := range indices {
		indices[i] = i
	}
	return &DataLoader{
		dataset: ds,
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		indices: indices,
		cache:   NewCacheManager(cfg.CacheSize),
	}, nil
}

// Len is the number of samples per epoch.
func (dl *DataLoader) Len() int {
	return len(dl.indices)
}

// NumBatches is the number of batches per epoch.
func (dl *DataLoader) NumBatches() int {
	return (len(dl.indices) + dl.cfg.BatchSize - 1) / dl.cfg.BatchSize
}

// Stats returns cache statistics
func (dl *DataLoader) Stats() CacheStats {
	return dl.cache.Stats()
}

// nextOrder returns the sample order for the next epoch.
func (dl *DataLoader) nextOrder() []int {
	if dl.cfg.Shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
	return append([]int(nil), dl.indices...)
}

// Epoch starts one pass over the dataset. The caller must Close the
// iterator, even after Next has returned io.EOF.
func (dl *DataLoader) Epoch(ctx context.Context) *Iterator {
	order := dl.nextOrder()
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	it := &Iterator{
		batches: make(chan *Batch, dl.cfg.Prefetch),
		cancel:  cancel,
		group:   g,
	}
	g.Go(func() error {
		defer close(it.batches)
		for start := 0; start < len(order); start += dl.cfg.BatchSize {
			end := min(start+dl.cfg.BatchSize, len(order))
			b, err := dl.load(gctx, order[start:end])
			if err != nil {
				return err
			}
			select {
			case it.batches <- b:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	return it
}

// load fetches and stacks the samples at idx.
func (dl *DataLoader) load(ctx context.Context, idx []int) (*Batch, error) {
	samples := make([]cachedSample, len(idx))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(dl.cfg.NumWorkers)
	for i, di := range idx {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if s, ok := dl.cache.Get(di); ok {
				samples[i] = s
				return nil
			}
			img, label, err := dl.dataset.Get(di)
			if err != nil {
				return fmt.Errorf("sample %d: %w", di, err)
			}
			s := cachedSample{data: img.Data, shape: img.Shape, label: label}
			dl.cache.Put(di, s)
			samples[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	shape := samples[0].shape
	per := len(samples[0].data)
	data := make([]float32, 0, per*len(samples))
	labels := make([]int, len(samples))
	for i, s := range samples {
		if len(s.data) != per {
			return nil, fmt.Errorf("sample %d has shape %v, batch expects %v", idx[i], s.shape, shape)
		}
		data = append(data, s.data...)
		labels[i] = s.label
	}

	images, err := tensor.New(append([]int{len(samples)}, shape...), data)
	if err != nil {
		return nil, err
	}
	return &Batch{Images: images, Labels: labels, Indices: append([]int(nil), idx...)}, nil
}

// Iterator yields the batches of one epoch in order.
type Iterator struct {
	batches chan *Batch
	cancel  context.CancelFunc
	group   *errgroup.Group
	err     error
	done    bool
}

// Next returns the next batch, io.EOF after the last one, or the first
// loading error.
func (it *Iterator) Next() (*Batch, error) {
	if it.done {
		return nil, it.err
	}
	if b, ok := <-it.batches; ok {
		return b, nil
	}
	it.done = true
	it.err = it.group.Wait()
	if it.err == nil {
		it.err = io.EOF
	}
	return nil, it.err
}

// Close stops prefetching and waits for the background workers.
func (it *Iterator) Close() {
	it.cancel()
	for range it.batches {
	}
	_ = it.group.Wait()
}
