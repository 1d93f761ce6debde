//go:build unix

package exemem

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pboyd/malloc"
)

// arenaStartSize is the initial arena mapping. Trampolines are tiny, so
// one starting chunk outlives most processes.
const arenaStartSize = 1 << 20

// farAllocator hands out trampoline memory when no pages near the target
// can be mapped. It is backed by a single arena that stays executable
// except inside BeginMutate/EndMutate windows. Mutation windows use RWX,
// not RW, so trampolines elsewhere in the arena keep running while one is
// being written.
var farAllocator = &allocator{}

type allocator struct {
	*malloc.Arena
	mprotect func(int) error
	mu       sync.Mutex
	initOnce sync.Once
	mutable  bool
}

func (a *allocator) init(startSize int) error {
	var err error
	a.initOnce.Do(func() {
		be := malloc.MmapBackend(malloc.MmapProt(mprotectExec))
		if protBE, ok := be.(malloc.ProtectedArenaBackend); ok {
			a.mprotect = protBE.Protect
		} else {
			a.mprotect = func(int) error {
				return nil
			}
		}

		a.Arena = malloc.NewArena(uint64(startSize), malloc.Backend(be))
		if a.Arena == nil {
			err = errors.New("unable to initialize arena")
			return
		}
		a.mutable = true
	})
	return err
}

func (a *allocator) BeginMutate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Note that BeginMutate can be called before the initial allocation.

	if a.mprotect == nil || a.mutable {
		return nil
	}

	err := a.mprotect(mprotectRWX)
	if err == nil {
		a.mutable = true
	}
	return err
}

func (a *allocator) EndMutate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.mutable {
		return nil
	}

	err := a.mprotect(mprotectRX)
	if err == nil {
		a.mutable = false
	}
	return err
}

func (a *allocator) Allocate(size int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	err := a.init(max(size, arenaStartSize))
	if err != nil {
		return nil, fmt.Errorf("error initializing allocator: %w", err)
	}

	if !a.mutable {
		panic("Allocate called in immutable state")
	}

	return malloc.MallocSlice[byte](a.Arena, size)
}

func (a *allocator) Free(buf []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.mutable {
		panic("Free called in immutable state")
	}

	malloc.FreeSlice(a.Arena, buf)
}

func allocateFar(size int) (*Region, error) {
	if err := farAllocator.BeginMutate(); err != nil {
		return nil, fmt.Errorf("exemem: %w", err)
	}
	defer farAllocator.EndMutate()

	buf, err := farAllocator.Allocate(size)
	if err != nil {
		return nil, fmt.Errorf("exemem: %w", err)
	}
	return &Region{buf: buf, arena: true}, nil
}

func arenaInstall(buf, code []byte) error {
	if err := farAllocator.BeginMutate(); err != nil {
		return fmt.Errorf("exemem: %w", err)
	}
	copy(buf, code)
	return farAllocator.EndMutate()
}

func arenaFree(buf []byte) error {
	if err := farAllocator.BeginMutate(); err != nil {
		return fmt.Errorf("exemem: %w", err)
	}
	defer farAllocator.EndMutate()

	farAllocator.Free(buf)
	return nil
}
