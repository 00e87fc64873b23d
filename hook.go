package hookcave

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// HookState is the installation lifecycle of one hook. Installed is the only
// state in which the redirected control flow is safe to rely on.
type HookState int32

const (
	StateUnhooked HookState = iota
	StateInstalling
	StateInstalled
	StateUninstalling
)

func (s HookState) String() string {
	switch s {
	case StateUnhooked:
		return "unhooked"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateUninstalling:
		return "uninstalling"
	}
	return "unknown"
}

// Export declares a value slot a hook owns: a fixed remote address its
// trampoline writes a captured value into.
type Export struct {
	Name string
	Size int
}

type ExportSlot struct {
	Name    string
	Address uintptr
	Size    int
}

// HookSpec is the per-kind strategy a Hook is generic over: where to patch,
// how much space the trampoline needs, and what bytecode to generate.
type HookSpec interface {
	Name() string

	// Signature locates the jump site. Ignored when the spec also
	// implements SymbolSited.
	Signature() Signature

	// PatchSize is the number of bytes overwritten at the jump site. Must
	// cover whole instructions and be at least the 5 bytes of a near jump.
	PatchSize() int

	// TrampolineSize is the cave reservation for the generated bytecode.
	TrampolineSize() int

	Exports() []Export

	// Trampoline generates the hook body: register preservation, the
	// capture into an export slot, and the re-executed original
	// instructions. The engine appends the jump back to the site.
	Trampoline(h *Hook, slots []ExportSlot) ([]byte, error)
}

// SiteAdjuster shifts the discovered address by a fixed byte offset, for
// signatures that intentionally start before the true patch point.
type SiteAdjuster interface {
	SiteOffset() int
}

// SymbolSited resolves the jump site from a module export instead of a
// signature scan.
type SymbolSited interface {
	SymbolSite() (module, symbol string)
}

// Prehooker runs after bytecode is prepared and before it is written.
// Auxiliary patches applied through the Hook are recorded for exact
// reversal on uninstall.
type Prehooker interface {
	Prehook(h *Hook) error
}

// Posthooker runs after the jump is live.
type Posthooker interface {
	Posthook(h *Hook) error
}

// QuiescenceFlagger names a one-byte export the target holds non-zero while
// mid-flight through the hooked region. Uninstall polls it before touching
// memory, bounded by a timeout.
type QuiescenceFlagger interface {
	InUseExport() string
}

const (
	quiesceInterval = 200 * time.Millisecond
	quiesceTimeout  = 5 * time.Second
)

type bytePatch struct {
	addr     uintptr
	original []byte
}

type protPatch struct {
	addr uintptr
	size int
	old  uint32
}

// HookDeps bundles what a Hook needs from its session.
type HookDeps struct {
	IO      MemoryIO
	Scanner *Scanner
	Symbols SymbolSource // may be nil when no spec is symbol-sited
	Alloc   Allocator
	Cache   *AddressCache
	Clock   clock.Clock
	Log     log.Interface
}

// Hook installs and removes one logical hook. Addresses are recomputed from
// scratch on every install since module bases change between process runs.
type Hook struct {
	spec    HookSpec
	io      MemoryIO
	scanner *Scanner
	symbols SymbolSource
	alloc   Allocator
	cache   *AddressCache
	clk     clock.Clock
	log     log.Interface

	mu           sync.Mutex
	state        HookState
	jumpAddr     uintptr
	hookAddr     uintptr
	jumpOriginal []byte
	jumpCode     []byte
	hookCode     []byte
	slots        []ExportSlot
	aux          []bytePatch
	prot         []protPatch
}

func NewHook(spec HookSpec, deps HookDeps) *Hook {
	if deps.Cache == nil {
		deps.Cache = NewAddressCache()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Log == nil {
		deps.Log = &log.Logger{Handler: discard.New(), Level: log.ErrorLevel}
	}
	return &Hook{
		spec:    spec,
		io:      deps.IO,
		scanner: deps.Scanner,
		symbols: deps.Symbols,
		alloc:   deps.Alloc,
		cache:   deps.Cache,
		clk:     deps.Clock,
		log:     deps.Log,
	}
}

func (h *Hook) Name() string { return h.spec.Name() }

func (h *Hook) State() HookState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// JumpAddress is the patched site. Zero until installed.
func (h *Hook) JumpAddress() uintptr { return h.jumpAddr }

// HookAddress is where the trampoline lives. Zero until installed.
func (h *Hook) HookAddress() uintptr { return h.hookAddr }

func (h *Hook) IO() MemoryIO          { return h.io }
func (h *Hook) Scanner() *Scanner     { return h.scanner }
func (h *Hook) Cache() *AddressCache  { return h.cache }
func (h *Hook) Exports() []ExportSlot { return append([]ExportSlot(nil), h.slots...) }

func (h *Hook) ExportAddress(name string) (uintptr, bool) {
	for _, s := range h.slots {
		if s.Name == name {
			return s.Address, true
		}
	}
	return 0, false
}

func (h *Hook) transition(from, to HookState) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != from {
		return &HookStateError{Hook: h.spec.Name(), State: h.state, Op: to.String()}
	}
	h.state = to
	return nil
}

func (h *Hook) setState(s HookState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Install resolves the jump site, generates bytecode, and redirects the
// target through the trampoline. On any failure nothing written stays
// reachable: the trampoline is zeroed back out and auxiliary patches are
// reverted before the error is returned. Double install is rejected.
func (h *Hook) Install(ctx context.Context) error {
	if err := h.transition(StateUnhooked, StateInstalling); err != nil {
		if h.State() == StateInstalled {
			return &HookAlreadyInstalledError{Hook: h.spec.Name()}
		}
		return err
	}

	if err := h.install(ctx); err != nil {
		h.setState(StateUnhooked)
		return errors.WithMessagef(err, "installing hook %s", h.spec.Name())
	}
	h.setState(StateInstalled)
	return nil
}

func (h *Hook) install(ctx context.Context) error {
	logger := h.log.WithField("hook", h.spec.Name())

	site, err := h.resolveSite()
	if err != nil {
		return errors.WithMessage(err, "resolve stage")
	}
	h.jumpAddr = site
	logger.WithField("jump", site).Debug("resolved jump address")

	patchLen := h.spec.PatchSize()
	hookAddr, err := h.alloc.Alloc(h.spec.TrampolineSize())
	if err != nil {
		return errors.WithMessage(err, "alloc stage")
	}
	h.hookAddr = hookAddr
	logger.WithField("addr", hookAddr).Debug("allocated hook address")

	if err := h.allocExports(); err != nil {
		h.releaseAllocations()
		return errors.WithMessage(err, "alloc stage")
	}

	body, err := h.spec.Trampoline(h, h.slots)
	if err != nil {
		h.releaseAllocations()
		return errors.WithMessage(err, "generate stage")
	}
	back, err := JumpRel32(hookAddr+uintptr(len(body)), site+uintptr(patchLen))
	if err != nil {
		h.releaseAllocations()
		return errors.WithMessage(err, "generate stage")
	}
	h.hookCode = append(body, back...)
	if len(h.hookCode) > h.spec.TrampolineSize() {
		h.releaseAllocations()
		return errors.Errorf("generate stage: trampoline is %d bytes, reservation is %d",
			len(h.hookCode), h.spec.TrampolineSize())
	}

	h.jumpCode, err = JumpPatch(site, hookAddr, patchLen)
	if err != nil {
		h.releaseAllocations()
		return errors.WithMessage(err, "generate stage")
	}

	h.jumpOriginal, err = h.io.ReadBytes(site, len(h.jumpCode))
	if err != nil {
		h.releaseAllocations()
		return errors.WithMessage(err, "save stage")
	}
	logger.Debugf("saved original site bytes\n%s", HexDumpString(h.jumpOriginal, site))

	if pre, ok := h.spec.(Prehooker); ok {
		if err := pre.Prehook(h); err != nil {
			h.revertPatches()
			h.releaseAllocations()
			return errors.WithMessage(err, "prehook stage")
		}
	}

	// landing code first: the jump must never be live before the
	// trampoline exists
	if err := h.io.WriteBytes(hookAddr, h.hookCode); err != nil {
		h.revertPatches()
		h.releaseAllocations()
		return errors.WithMessage(err, "write hook stage")
	}
	logger.Debugf("wrote trampoline\n%s", HexDumpString(h.hookCode, hookAddr))

	if err := h.io.WriteBytes(site, h.jumpCode); err != nil {
		// don't strand live code with no jump pointing at it
		h.zeroTrampoline()
		h.revertPatches()
		h.releaseAllocations()
		return errors.WithMessage(err, "write jump stage")
	}
	logger.Debugf("wrote jump patch\n%s", HexDumpString(h.jumpCode, site))

	if post, ok := h.spec.(Posthooker); ok {
		if err := post.Posthook(h); err != nil {
			h.restoreSite()
			h.zeroTrampoline()
			h.revertPatches()
			h.releaseAllocations()
			return errors.WithMessage(err, "posthook stage")
		}
	}
	return nil
}

// Uninstall restores the jump site byte-exactly, reverses every auxiliary
// patch, and releases the cave allocation. When the hook exposes an in-use
// flag, the target is given a bounded window to leave the hooked region
// first; an expired window is logged and teardown proceeds anyway, because
// leaking the jump patch is worse than an imperfectly timed restore.
// Uninstalling an unhooked hook is a no-op.
func (h *Hook) Uninstall(ctx context.Context) error {
	h.mu.Lock()
	if h.state == StateUnhooked {
		h.mu.Unlock()
		return nil
	}
	if h.state != StateInstalled {
		state := h.state
		h.mu.Unlock()
		return &HookStateError{Hook: h.spec.Name(), State: state, Op: "uninstall"}
	}
	h.state = StateUninstalling
	h.mu.Unlock()

	logger := h.log.WithField("hook", h.spec.Name())
	h.awaitQuiescence(ctx, logger)

	var firstErr error
	keep := func(err error, msg string) {
		if err != nil && firstErr == nil {
			firstErr = errors.WithMessage(err, msg)
		}
	}

	keep(h.restoreSite(), "restoring jump site")
	keep(h.revertPatches(), "reverting auxiliary patches")
	keep(h.releaseAllocations(), "releasing allocations")

	h.jumpAddr, h.hookAddr = 0, 0
	h.jumpOriginal, h.jumpCode, h.hookCode = nil, nil, nil
	h.setState(StateUnhooked)

	if firstErr != nil {
		return errors.WithMessagef(firstErr, "uninstalling hook %s", h.spec.Name())
	}
	return nil
}

func (h *Hook) awaitQuiescence(ctx context.Context, logger log.Interface) {
	q, ok := h.spec.(QuiescenceFlagger)
	if !ok {
		return
	}
	addr, ok := h.ExportAddress(q.InUseExport())
	if !ok {
		return
	}

	probe := func() (bool, error) {
		buf, err := h.io.ReadBytes(addr, 1)
		if err != nil {
			return false, err
		}
		return buf[0] != 0, nil
	}
	_, err := WaitForValue(ctx, probe, false, quiesceInterval, quiesceTimeout,
		WithWaitClock(h.clk), WithWaitName("quiescence wait"))
	if err != nil {
		// teardown must be bounded and unconditional
		logger.WithError(err).Warn("proceeding with uninstall before target quiesced")
	}
}

func (h *Hook) resolveSite() (uintptr, error) {
	site, err := h.cache.Lookup("hook."+h.spec.Name()+".site", func() (uintptr, error) {
		if sym, ok := h.spec.(SymbolSited); ok {
			if h.symbols == nil {
				return 0, errors.Errorf("no symbol source configured")
			}
			mod, name := sym.SymbolSite()
			return h.symbols.SymbolAddress(mod, name)
		}
		return h.scanner.Scan(h.spec.Signature())
	})
	if err != nil {
		return 0, err
	}
	if adj, ok := h.spec.(SiteAdjuster); ok {
		site += uintptr(adj.SiteOffset())
	}
	return site, nil
}

// allocExports reserves the hook's export slots and zeroes them so stale
// values from a previous session can't be mistaken for captures.
func (h *Hook) allocExports() error {
	for _, ex := range h.spec.Exports() {
		addr, err := h.io.Allocate(ex.Size)
		if err != nil {
			return errors.WithMessagef(err, "allocating export %s", ex.Name)
		}
		if err := h.io.WriteBytes(addr, make([]byte, ex.Size)); err != nil {
			return errors.WithMessagef(err, "zeroing export %s", ex.Name)
		}
		h.slots = append(h.slots, ExportSlot{Name: ex.Name, Address: addr, Size: ex.Size})
	}
	return nil
}

// ApplyPatch writes data at addr after saving the bytes underneath, so the
// uninstall path can reverse it exactly. For use by Prehook/Posthook.
func (h *Hook) ApplyPatch(addr uintptr, data []byte) error {
	original, err := h.io.ReadBytes(addr, len(data))
	if err != nil {
		return errors.WithMessagef(err, "saving bytes at %x", addr)
	}
	if err := h.io.WriteBytes(addr, data); err != nil {
		return errors.WithMessagef(err, "patching bytes at %x", addr)
	}
	h.aux = append(h.aux, bytePatch{addr: addr, original: original})
	return nil
}

// NopBranch locates a branch by signature and overwrites n bytes of it with
// nops, recorded for reversal. offset shifts from the scan result to the
// branch opcode.
func (h *Hook) NopBranch(sig Signature, offset, n int) error {
	addr, err := h.scanner.Scan(sig)
	if err != nil {
		return err
	}
	nops := make([]byte, n)
	for i := range nops {
		nops[i] = opNop
	}
	return h.ApplyPatch(addr+uintptr(offset), nops)
}

// Unprotect makes a range writable+executable, recording the previous
// protection for restore on uninstall.
func (h *Hook) Unprotect(addr uintptr, size int) error {
	old, err := h.io.Protect(addr, size, ProtExecuteReadWrite)
	if err != nil {
		return err
	}
	h.prot = append(h.prot, protPatch{addr: addr, size: size, old: old})
	return nil
}

func (h *Hook) restoreSite() error {
	if h.jumpAddr == 0 || h.jumpOriginal == nil {
		return nil
	}
	return h.io.WriteBytes(h.jumpAddr, h.jumpOriginal)
}

func (h *Hook) zeroTrampoline() {
	if h.hookAddr == 0 || len(h.hookCode) == 0 {
		return
	}
	// best effort: the jump is not live at this point
	_ = h.io.WriteBytes(h.hookAddr, make([]byte, len(h.hookCode)))
}

// revertPatches undoes auxiliary patches and protection changes in reverse
// application order.
func (h *Hook) revertPatches() error {
	var firstErr error
	for i := len(h.aux) - 1; i >= 0; i-- {
		p := h.aux[i]
		if err := h.io.WriteBytes(p.addr, p.original); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	h.aux = nil
	for i := len(h.prot) - 1; i >= 0; i-- {
		p := h.prot[i]
		if _, err := h.io.Protect(p.addr, p.size, p.old); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	h.prot = nil
	return firstErr
}

func (h *Hook) releaseAllocations() error {
	var firstErr error
	for _, s := range h.slots {
		if err := h.io.Free(s.Address); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	h.slots = nil
	if err := h.alloc.Release(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// readExportPointer reads the u64 an export slot currently holds.
func (h *Hook) readExportPointer(name string) (uintptr, error) {
	addr, ok := h.ExportAddress(name)
	if !ok {
		return 0, &HookNotActiveError{Name: name}
	}
	buf, err := h.io.ReadBytes(addr, 8)
	if err != nil {
		return 0, err
	}
	return uintptr(binary.LittleEndian.Uint64(buf)), nil
}
