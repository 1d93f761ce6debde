package detour

import "github.com/pkg/errors"

// Install and Uninstall wrap every failure around one of these sentinels,
// so callers can sort outcomes with errors.Is without parsing messages.
var (
	// ErrValidation means an argument was unusable before any work
	// started, such as a nil address or a target outside executable
	// memory.
	ErrValidation = errors.New("detour: invalid argument")

	// ErrDecode means the bytes at the target could not be decoded as
	// instructions.
	ErrDecode = errors.New("detour: undecodable instruction in prologue")

	// ErrRelocation means the prologue decoded fine but contains an
	// instruction that cannot be moved into a trampoline, or ends before
	// the redirect jump would fit.
	ErrRelocation = errors.New("detour: prologue cannot be relocated")

	// ErrAllocation means no memory for the trampoline could be obtained.
	ErrAllocation = errors.New("detour: trampoline allocation failed")

	// ErrProtection means the OS refused a page protection change.
	ErrProtection = errors.New("detour: memory protection change failed")

	// ErrAlreadyHooked means the target already has a hook installed.
	ErrAlreadyHooked = errors.New("detour: target already hooked")

	// ErrNotFound means the hook was already uninstalled, or its target
	// was never hooked in this registry.
	ErrNotFound = errors.New("detour: no hook installed for target")
)
