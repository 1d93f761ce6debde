package detour

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/detourpkg/detour/internal/exemem"
)

// shardCount spreads unrelated targets across locks so installs on
// different functions don't serialize. Must be a power of two.
const shardCount = 64

// Registry tracks installed hooks and serializes every operation on a
// given target. The zero value is ready to use; the package-level
// functions share one default instance.
type Registry struct {
	shards [shardCount]shard
}

type shard struct {
	mu    sync.Mutex
	hooks map[uintptr]*hookDescriptor
}

// NewRegistry returns an empty registry, independent of the default one.
func NewRegistry() *Registry {
	return &Registry{}
}

var defaultRegistry = NewRegistry()

// shardFor mixes the target bits that actually vary between functions.
// Code addresses share their low bits (alignment) and their high bits
// (the text segment base).
func (r *Registry) shardFor(target uintptr) *shard {
	return &r.shards[(target>>4^target>>12)%shardCount]
}

type hookState uint8

const (
	stateUninstalled hookState = iota
	stateBuilding
	stateInstalled
	stateRestoring
	stateRemoved
)

// hookDescriptor is the registry's record of one patched target. All
// fields are guarded by the owning shard's lock once the descriptor is
// published in the hooks map.
type hookDescriptor struct {
	target      uintptr
	replacement uintptr

	// saved holds the original prologue; the first patchLen bytes of the
	// target are overwritten by the redirect while the hook is live.
	saved    []byte
	patchLen int

	trampoline *exemem.Region
	state      hookState
}

// Install patches the function at target to jump to replacement and
// returns a handle for the new hook. On error the target's code, the
// registry and memory protections are left exactly as they were.
func (r *Registry) Install(target, replacement uintptr) (*Hook, error) {
	if target == 0 {
		return nil, errors.WithMessage(ErrValidation, "nil target")
	}
	if replacement == 0 {
		return nil, errors.WithMessage(ErrValidation, "nil replacement")
	}
	if target == replacement {
		return nil, errors.WithMessage(ErrValidation, "target and replacement are the same address")
	}

	s := r.shardFor(target)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.hooks[target]; ok {
		return nil, errors.WithMessagef(ErrAlreadyHooked, "target %#x", target)
	}

	logger.Debug("installing hook",
		"target", fmt.Sprintf("%#x", target),
		"replacement", fmt.Sprintf("%#x", replacement))

	d := &hookDescriptor{target: target, replacement: replacement, state: stateBuilding}

	if err := buildTrampoline(d); err != nil {
		d.state = stateUninstalled
		return nil, err
	}

	if err := applyPatch(d); err != nil {
		d.state = stateUninstalled
		if ferr := d.trampoline.Free(); ferr != nil {
			logger.Warn("trampoline leaked after failed install",
				"target", fmt.Sprintf("%#x", target), "error", ferr)
		}
		d.trampoline = nil
		return nil, err
	}

	d.state = stateInstalled
	if s.hooks == nil {
		s.hooks = make(map[uintptr]*hookDescriptor)
	}
	s.hooks[target] = d

	logger.Debug("hook installed",
		"target", fmt.Sprintf("%#x", target),
		"trampoline", fmt.Sprintf("%#x", d.trampoline.Addr()),
		"patched", d.patchLen)

	return &Hook{reg: r, d: d}, nil
}

func (r *Registry) uninstall(d *hookDescriptor) error {
	s := r.shardFor(d.target)
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.hooks[d.target]; !ok || cur != d {
		return errors.WithMessagef(ErrNotFound, "target %#x", d.target)
	}

	d.state = stateRestoring
	restored, err := revertPatch(d)
	if !restored {
		// The redirect is still live, so the hook stays registered.
		d.state = stateInstalled
		return err
	}

	// The original bytes are back. The entry goes away even when err
	// reports a protection restore failure, because the prologue no
	// longer refers to the trampoline.
	if ferr := d.trampoline.Free(); ferr != nil {
		logger.Warn("trampoline leaked on uninstall",
			"target", fmt.Sprintf("%#x", d.target), "error", ferr)
	}
	d.trampoline = nil
	delete(s.hooks, d.target)
	d.state = stateRemoved

	logger.Debug("hook removed", "target", fmt.Sprintf("%#x", d.target))
	return err
}

// Installed reports whether target currently has a hook in this registry.
func (r *Registry) Installed(target uintptr) bool {
	s := r.shardFor(target)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.hooks[target]
	return ok
}

// Count returns the number of hooks currently installed.
func (r *Registry) Count() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		n += len(s.hooks)
		s.mu.Unlock()
	}
	return n
}

// UninstallAll removes every hook in the registry and joins any errors.
// A hook whose target cannot be restored stays installed.
func (r *Registry) UninstallAll() error {
	var errs []error
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		ds := make([]*hookDescriptor, 0, len(s.hooks))
		for _, d := range s.hooks {
			ds = append(ds, d)
		}
		s.mu.Unlock()

		for _, d := range ds {
			err := r.uninstall(d)
			if err != nil && !errors.Is(err, ErrNotFound) {
				errs = append(errs, err)
			}
		}
	}
	return stderrors.Join(errs...)
}
