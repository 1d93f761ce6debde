package detour

import (
	"reflect"

	"github.com/pkg/errors"
)

// Install patches the function at target so calls to it land in the
// function at replacement, and returns a handle to the new hook. The
// replacement can call the original through the handle's
// OriginalEntryPoint.
//
// Both arguments are code entry addresses, usually obtained with
// FuncEntry. Hooks from this function live in a shared default registry;
// use NewRegistry for an isolated one.
func Install(target, replacement uintptr) (*Hook, error) {
	return defaultRegistry.Install(target, replacement)
}

// Installed reports whether target has a hook in the default registry.
func Installed(target uintptr) bool {
	return defaultRegistry.Installed(target)
}

// Count returns the number of hooks in the default registry.
func Count() int {
	return defaultRegistry.Count()
}

// UninstallAll removes every hook in the default registry.
func UninstallAll() error {
	return defaultRegistry.UninstallAll()
}

// FuncEntry returns the entry address of fn, which must be a non-nil
// func value. This is the address Install wants for both its arguments.
//
// Beware the compiler: a function small enough to be inlined at its call
// sites never enters through this address, and hooking it changes
// nothing for those calls.
func FuncEntry(fn any) (uintptr, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return 0, errors.WithMessagef(ErrValidation, "not a function, kind: %v", v.Kind())
	}
	if v.IsNil() {
		return 0, errors.WithMessage(ErrValidation, "nil function")
	}
	return v.Pointer(), nil
}
