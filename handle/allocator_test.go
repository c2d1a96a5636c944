package handle

import (
	"sync"
	"testing"
)

func TestAllocatorSingleThreaded(t *testing.T) {
	for _, size := range []uint32{1, 15, 4096} {
		a := NewAllocator(size)
		var handles []Handle
		for i := uint32(0); i < size; i++ {
			h, ok := a.NextHandle()
			if !ok {
				t.Fatalf("size=%d: expected to allocate handle %d", size, i)
			}
			handles = append(handles, h)
		}
		if _, ok := a.NextHandle(); ok {
			t.Fatalf("size=%d: expected allocator to be exhausted", size)
		}
		for _, h := range handles {
			if err := a.FreeHandle(h); err != nil {
				t.Fatalf("FreeHandle(%d): %v", h, err)
			}
		}
		h, ok := a.NextHandle()
		if !ok || h != 1 {
			t.Fatalf("got (%d, %v), want (1, true)", h, ok)
		}
	}
}

func TestAllocatorFreeingUnallocatedHandle(t *testing.T) {
	a := NewAllocator(10)
	if err := a.FreeHandle(1); err != ErrNotAllocated {
		t.Fatalf("got %v, want ErrNotAllocated", err)
	}
}

func TestAllocatorHandleOutOfBounds(t *testing.T) {
	a := NewAllocator(10)
	if err := a.FreeHandle(11); err != ErrOutOfBounds {
		t.Fatalf("got %v, want ErrOutOfBounds", err)
	}
	if err := a.FreeHandle(100); err != ErrOutOfBounds {
		t.Fatalf("got %v, want ErrOutOfBounds", err)
	}
}

func TestAllocatorConcurrentAllocation(t *testing.T) {
	for _, numGoroutines := range []int{1, 4, 16} {
		for _, size := range []uint32{15, 100, 1024} {
			a := NewAllocator(size)
			var mu sync.Mutex
			var handles []Handle
			var wg sync.WaitGroup
			for g := 0; g < numGoroutines; g++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						h, ok := a.NextHandle()
						if !ok {
							return
						}
						mu.Lock()
						handles = append(handles, h)
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			if uint32(len(handles)) != size {
				t.Fatalf("got %d handles, want %d", len(handles), size)
			}
			seen := make(map[Handle]bool)
			for _, h := range handles {
				if seen[h] {
					t.Fatalf("duplicate handle %d", h)
				}
				seen[h] = true
			}
		}
	}
}

func TestAllocatorResetAllowsReuse(t *testing.T) {
	a := NewAllocator(4)
	for i := 0; i < 4; i++ {
		if _, ok := a.NextHandle(); !ok {
			t.Fatalf("expected handle %d to allocate", i)
		}
	}
	if _, ok := a.NextHandle(); ok {
		t.Fatal("expected exhaustion before reset")
	}
	a.Reset()
	h, ok := a.NextHandle()
	if !ok || h != 1 {
		t.Fatalf("got (%d, %v) after reset, want (1, true)", h, ok)
	}
}
