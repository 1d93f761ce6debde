package detour

import "fmt"

// Hook is a handle to one installed detour. Install returns working
// hooks; the zero value is useless.
type Hook struct {
	reg *Registry
	d   *hookDescriptor
}

// Target returns the address whose prologue was patched.
func (h *Hook) Target() uintptr { return h.d.target }

// Replacement returns the address calls are routed to.
func (h *Hook) Replacement() uintptr { return h.d.replacement }

// PatchedLen returns how many bytes of the target were overwritten.
func (h *Hook) PatchedLen() int { return h.d.patchLen }

// OriginalEntryPoint returns the trampoline address. Calling it behaves
// exactly like calling the unhooked target, which is how a replacement
// invokes the function it displaced. Once the hook is uninstalled it
// returns 0; the trampoline memory is gone by then.
func (h *Hook) OriginalEntryPoint() uintptr {
	s := h.reg.shardFor(h.d.target)
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.d.state != stateInstalled {
		return 0
	}
	return h.d.trampoline.Addr()
}

// Uninstall puts the original prologue back and releases the trampoline.
// A second Uninstall returns ErrNotFound.
func (h *Hook) Uninstall() error {
	return h.reg.uninstall(h.d)
}

func (h *Hook) String() string {
	return fmt.Sprintf("detour %#x -> %#x", h.d.target, h.d.replacement)
}
