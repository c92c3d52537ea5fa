package replay

import (
	"errors"
	"sync"
	"testing"
)

func exp(action int) Experience {
	return Experience{
		State:     []float64{float64(action)},
		Action:    action,
		Reward:    1,
		NextState: []float64{float64(action)},
		Done:      true,
	}
}

func TestAddAndSize(t *testing.T) {
	b := New(3, 1)
	if !b.IsEmpty() {
		t.Error("New buffer should be empty")
	}

	b.Add(exp(0))
	b.Add(exp(1))
	if b.Size() != 2 {
		t.Errorf("Expected size 2, got %d", b.Size())
	}
	if b.IsFull() {
		t.Error("Buffer should not be full at 2/3")
	}

	b.Add(exp(2))
	if !b.IsFull() {
		t.Error("Buffer should be full at 3/3")
	}
}

func TestFIFOEviction(t *testing.T) {
	b := New(3, 1)
	for i := 0; i < 5; i++ {
		b.Add(exp(i))
	}

	if b.Size() != 3 {
		t.Fatalf("Expected size capped at 3, got %d", b.Size())
	}

	// Only the newest three (2, 3, 4) survive.
	batch, err := b.Sample(3)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	for _, e := range batch {
		if e.Action < 2 {
			t.Errorf("Evicted experience %d still present", e.Action)
		}
	}
}

func TestSampleErrors(t *testing.T) {
	b := New(4, 1)

	if _, err := b.Sample(1); !errors.Is(err, ErrBufferEmpty) {
		t.Errorf("Expected ErrBufferEmpty, got %v", err)
	}

	b.Add(exp(0))
	b.Add(exp(1))

	if _, err := b.Sample(0); !errors.Is(err, ErrInvalidBatch) {
		t.Errorf("Expected ErrInvalidBatch for k=0, got %v", err)
	}
	if _, err := b.Sample(-1); !errors.Is(err, ErrInvalidBatch) {
		t.Errorf("Expected ErrInvalidBatch for k=-1, got %v", err)
	}
	if _, err := b.Sample(3); !errors.Is(err, ErrInvalidBatch) {
		t.Errorf("Expected ErrInvalidBatch for k > size, got %v", err)
	}
}

func TestSampleWithoutReplacement(t *testing.T) {
	b := New(10, 1)
	for i := 0; i < 10; i++ {
		b.Add(exp(i))
	}

	for trial := 0; trial < 20; trial++ {
		batch, err := b.Sample(6)
		if err != nil {
			t.Fatalf("Sample failed: %v", err)
		}
		if len(batch) != 6 {
			t.Fatalf("Expected 6 experiences, got %d", len(batch))
		}
		seen := make(map[int]bool)
		for _, e := range batch {
			if seen[e.Action] {
				t.Fatalf("Experience %d sampled twice in one batch", e.Action)
			}
			seen[e.Action] = true
		}
	}
}

func TestSampleFullBuffer(t *testing.T) {
	b := New(5, 1)
	for i := 0; i < 5; i++ {
		b.Add(exp(i))
	}

	batch, err := b.Sample(5)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	seen := make(map[int]bool)
	for _, e := range batch {
		seen[e.Action] = true
	}
	if len(seen) != 5 {
		t.Errorf("Sampling the whole buffer should return every entry, got %d distinct", len(seen))
	}
}

func TestClear(t *testing.T) {
	b := New(3, 1)
	b.Add(exp(0))
	b.Clear()

	if !b.IsEmpty() {
		t.Error("Buffer should be empty after Clear")
	}
	if _, err := b.Sample(1); !errors.Is(err, ErrBufferEmpty) {
		t.Errorf("Expected ErrBufferEmpty after Clear, got %v", err)
	}
}

func TestConcurrentAddAndSample(t *testing.T) {
	b := New(100, 1)
	var wg sync.WaitGroup

	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				b.Add(exp(g*1000 + i))
			}
		}(g)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if size := b.Size(); size > 0 {
				k := size / 2
				if k == 0 {
					k = 1
				}
				if _, err := b.Sample(k); err != nil &&
					!errors.Is(err, ErrInvalidBatch) && !errors.Is(err, ErrBufferEmpty) {
					t.Errorf("Unexpected sample error: %v", err)
				}
			}
		}
	}()

	wg.Wait()
	if b.Size() != 100 {
		t.Errorf("Expected buffer at capacity 100, got %d", b.Size())
	}
}
