package hookcave

import (
	"fmt"
	"time"
)

// PatternNotFoundError means a signature matched nothing in its scan scope.
// Callers treat this as fatal for the session: the target binary is assumed
// static, so there is no point retrying.
type PatternNotFoundError struct {
	Signature Signature
}

func (e *PatternNotFoundError) Error() string {
	if m := e.Signature.Module(); m != "" {
		return fmt.Sprintf("pattern %q not found in module %s", e.Signature.String(), m)
	}
	return fmt.Sprintf("pattern %q not found", e.Signature.String())
}

// PatternAmbiguousError is returned by ScanUnique when a signature that
// should identify one site matches more than one address.
type PatternAmbiguousError struct {
	Signature Signature
	Count     int
}

func (e *PatternAmbiguousError) Error() string {
	return fmt.Sprintf("pattern %q matched %d addresses, expected exactly one", e.Signature.String(), e.Count)
}

type ModuleNotFoundError struct {
	Name string
}

func (e *ModuleNotFoundError) Error() string {
	return fmt.Sprintf("module %s not found in target", e.Name)
}

// CaveExhaustedError means an allocation would push the cave cursor past
// capacity. The cursor is never wrapped; this is a capacity planning bug.
type CaveExhaustedError struct {
	Requested int
	Cursor    int
	Capacity  int
}

func (e *CaveExhaustedError) Error() string {
	return fmt.Sprintf("cave exhausted: %d bytes requested at cursor %d, capacity %d",
		e.Requested, e.Cursor, e.Capacity)
}

type AllocationFailedError struct {
	Size int
	Err  error
}

func (e *AllocationFailedError) Error() string {
	return fmt.Sprintf("allocating %d bytes in target: %v", e.Size, e.Err)
}

func (e *AllocationFailedError) Unwrap() error { return e.Err }

type ProtectionChangeFailedError struct {
	Address uintptr
	Size    int
	Err     error
}

func (e *ProtectionChangeFailedError) Error() string {
	return fmt.Sprintf("changing protection of %d bytes at %x: %v", e.Size, e.Address, e.Err)
}

func (e *ProtectionChangeFailedError) Unwrap() error { return e.Err }

// EnumDecodeError means a raw integer read from the target does not belong
// to the enum's value set. The raw value is never coerced to a default.
type EnumDecodeError struct {
	Enum string
	Raw  int32
}

func (e *EnumDecodeError) Error() string {
	return fmt.Sprintf("value %d is not a member of enum %s", e.Raw, e.Enum)
}

// LinkedListCorruptError means a list traversal exceeded its hop bound,
// which indicates a corrupted or cyclic chain.
type LinkedListCorruptError struct {
	Address uintptr
	Limit   int
}

func (e *LinkedListCorruptError) Error() string {
	return fmt.Sprintf("linked list at %x exceeded %d nodes, chain is corrupt or cyclic", e.Address, e.Limit)
}

type InvalidBaseAddressError struct {
	Address uintptr
}

func (e *InvalidBaseAddressError) Error() string {
	return fmt.Sprintf("object base address %x is not valid", e.Address)
}

// WaitTimeoutError carries the last error the probe produced before the
// timeout elapsed, so a scan failure is distinguishable from slow timing.
type WaitTimeoutError struct {
	Op      string
	Timeout time.Duration
	LastErr error
}

func (e *WaitTimeoutError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("%s timed out after %v (last error: %v)", e.Op, e.Timeout, e.LastErr)
	}
	return fmt.Sprintf("%s timed out after %v", e.Op, e.Timeout)
}

func (e *WaitTimeoutError) Unwrap() error { return e.LastErr }

type HookStateError struct {
	Hook  string
	State HookState
	Op    string
}

func (e *HookStateError) Error() string {
	return fmt.Sprintf("hook %s: cannot %s while %s", e.Hook, e.Op, e.State)
}

type HookAlreadyInstalledError struct {
	Hook string
}

func (e *HookAlreadyInstalledError) Error() string {
	return fmt.Sprintf("hook %s is already installed", e.Hook)
}

type HookNotActiveError struct {
	Name string
}

func (e *HookNotActiveError) Error() string {
	return fmt.Sprintf("no active hook or export named %s", e.Name)
}

// HookNotReadyError means a hook is installed but the target has not yet
// executed the trampoline, so its export slot still reads as zero.
type HookNotReadyError struct {
	Hook   string
	Export string
}

func (e *HookNotReadyError) Error() string {
	return fmt.Sprintf("hook %s: export %s has not been written by the target yet", e.Hook, e.Export)
}
