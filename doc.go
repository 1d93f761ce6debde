// Redirect function calls at runtime
//
// detour overwrites the first instructions of a target function with a
// jump to a replacement, the way debuggers and interception frameworks
// do. Install hands back a Hook whose OriginalEntryPoint is a
// trampoline: the displaced prologue followed by a jump into the rest of
// the target, so the replacement can still call the function it hides.
// Uninstall puts the original bytes back, byte for byte.
//
// Limitations:
//   - Only supports amd64 and arm64
//   - A prologue that can't be moved safely is rejected, not guessed at
//   - The patch becomes visible atomically for threads entering through
//     the first byte, but a thread suspended inside the first few
//     instructions while Install runs is on its own
//   - Patching a live process is inherently delicate; keep this away
//     from code where a crash is unacceptable
package detour
