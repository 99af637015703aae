// Package perm manages file and directory permissions for the lorad state
// directory on Linux. On non-Linux platforms all operations are no-ops.
//
// On Linux, a system group named "lorad" allows non-root group members
// (e.g. an operator inspecting the gateway identity) to read public
// credentials without requiring sudo.
//
// Expected permission matrix for the state directory (Linux):
//
//	Path                  Owner:Group    Mode   Set by
//	────────────────────  ─────────────  ────   ──────────────────
//	<state>/              root:lorad     0770   EnsureStateDir
//	keys/                 root:lorad     0770   SetGroupDir
//	keys/gateway.key      root:root      0600   key generation (private)
//	keys/gateway.pub      root:lorad     0640   SetGroupReadable
//
// If the lorad group does not exist, all SetGroup* functions silently
// return nil; the gateway still works, but non-root access is unavailable.
package perm
