package dataloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"testing"

	"go.uber.org/goleak"

	"github.com/tracklab/tracknet/tensor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// MockDataset returns 1x1x1 images holding the sample index.
type MockDataset struct {
	n      int
	failAt int
	gets   atomic.Int64
}

func NewMockDataset(n int) *MockDataset {
	return &MockDataset{n: n, failAt: -1}
}

func (md *MockDataset) Len() int { return md.n }

func (md *MockDataset) Get(i int) (*tensor.Tensor, int, error) {
	md.gets.Add(1)
	if i == md.failAt {
		return nil, 0, fmt.Errorf("broken sample")
	}
	img, err := tensor.New([]int{1, 1, 1}, []float32{float32(i)})
	return img, i % 3, err
}

// collect drains one epoch and returns the dataset indices in order.
func collect(t *testing.T, dl *DataLoader) []int {
	t.Helper()
	it := dl.Epoch(context.Background())
	defer it.Close()

	var order []int
	for {
		b, err := it.Next()
		if err == io.EOF {
			return order
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		for i, idx := range b.Indices {
			if b.Images.Data[i] != float32(idx) || b.Labels[i] != idx%3 {
				t.Fatalf("batch row %d does not match sample %d", i, idx)
			}
		}
		order = append(order, b.Indices...)
	}
}

func TestNewDataLoader(t *testing.T) {
	ds := NewMockDataset(10)
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default", DefaultConfig(), false},
		{"zero batch", Config{BatchSize: 0}, true},
		{"single worker", Config{BatchSize: 3}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDataLoader(ds, tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewDataLoader() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
	if _, err := NewDataLoader(NewMockDataset(0), DefaultConfig()); err == nil {
		t.Error("Expected error for empty dataset")
	}
}

func TestSequentialOrder(t *testing.T) {
	dl, err := NewDataLoader(NewMockDataset(7), Config{BatchSize: 3, NumWorkers: 2, Prefetch: 1})
	if err != nil {
		t.Fatal(err)
	}
	if dl.NumBatches() != 3 {
		t.Errorf("Expected 3 batches, got %d", dl.NumBatches())
	}
	order := collect(t, dl)
	for i, idx := range order {
		if idx != i {
			t.Fatalf("Expected sequential order, got %v", order)
		}
	}
}

func TestShuffleDeterministic(t *testing.T) {
	cfg := Config{BatchSize: 4, Shuffle: true, Seed: 7, NumWorkers: 3, Prefetch: 2}
	a, _ := NewDataLoader(NewMockDataset(20), cfg)
	b, _ := NewDataLoader(NewMockDataset(20), cfg)

	first := collect(t, a)
	if fmt.Sprint(first) != fmt.Sprint(collect(t, b)) {
		t.Error("Same seed produced different orders")
	}
	second := collect(t, a)
	if fmt.Sprint(second) == fmt.Sprint(first) {
		t.Error("Expected a new order for the next epoch")
	}
	if fmt.Sprint(second) != fmt.Sprint(collect(t, b)) {
		t.Error("Epoch sequences diverged for the same seed")
	}

	seen := map[int]bool{}
	for _, idx := range first {
		seen[idx] = true
	}
	if len(seen) != 20 {
		t.Errorf("Expected every sample exactly once, saw %d distinct", len(seen))
	}
}

func TestLoadErrorPropagates(t *testing.T) {
	ds := NewMockDataset(10)
	ds.failAt = 5
	dl, _ := NewDataLoader(ds, Config{BatchSize: 2, NumWorkers: 2, Prefetch: 1})

	it := dl.Epoch(context.Background())
	defer it.Close()
	var err error
	for err == nil {
		_, err = it.Next()
	}
	if err == io.EOF {
		t.Fatal("Expected the broken sample to fail the epoch")
	}
	if _, again := it.Next(); again != err {
		t.Errorf("Expected sticky error, got %v", again)
	}
}

func TestCloseEarly(t *testing.T) {
	dl, _ := NewDataLoader(NewMockDataset(100), Config{BatchSize: 1, Prefetch: 4})
	it := dl.Epoch(context.Background())
	if _, err := it.Next(); err != nil {
		t.Fatal(err)
	}
	it.Close()
}

func TestContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	dl, _ := NewDataLoader(NewMockDataset(100), Config{BatchSize: 1})
	it := dl.Epoch(ctx)
	defer it.Close()

	cancel()
	var err error
	for err == nil {
		_, err = it.Next()
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestCacheAvoidsRefetch(t *testing.T) {
	ds := NewMockDataset(6)
	dl, _ := NewDataLoader(ds, Config{BatchSize: 2, Shuffle: true, Seed: 3, CacheSize: 6})
	collect(t, dl)
	collect(t, dl)

	if got := ds.gets.Load(); got != 6 {
		t.Errorf("Expected 6 dataset reads with a warm cache, got %d", got)
	}
	if dl.Stats().Hits != 6 {
		t.Errorf("Expected 6 cache hits, got %d", dl.Stats().Hits)
	}
}
