// Package dispatch runs one prompt job from admission to cleanup.
//
// Execute resolves the provider, waits for a slot from the admission
// controller, registers the execution so it can be cancelled by id, seeds a
// scratch workspace, supervises the provider process and returns its output
// together with every file the process created or changed.
//
// Whatever the outcome, an admitted job releases its slot, leaves the
// registry and has its workspace removed, in that order. A failure to remove
// the workspace is logged and never changes the result.
//
// Outcomes map to error kinds:
//   - unknown provider → provider_not_found (before any resource is taken)
//   - no slot in time, queue full, draining → capacity_exceeded
//   - deadline passed → timeout
//   - client went away or Cancel(id) → cancelled
//   - spawn or parse failure → provider_error
//   - bad seed paths or content → workspace_error
//
// The job context descends from context.Background, not from the caller, but
// the caller's cancellation is forwarded to it.
package dispatch
