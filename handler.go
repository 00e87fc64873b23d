package hookcave

import (
	"context"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// AddressCache shares discovered addresses across hooks of one session.
// Scoped to a single process run; never reuse across target restarts, since
// module bases move.
type AddressCache struct {
	mu    sync.Mutex
	addrs map[string]uintptr
}

func NewAddressCache() *AddressCache {
	return &AddressCache{addrs: make(map[string]uintptr)}
}

// Lookup returns the cached address for key, computing and storing it on a
// miss. compute runs outside the lock.
func (c *AddressCache) Lookup(key string, compute func() (uintptr, error)) (uintptr, error) {
	c.mu.Lock()
	if addr, ok := c.addrs[key]; ok {
		c.mu.Unlock()
		return addr, nil
	}
	c.mu.Unlock()

	addr, err := compute()
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.addrs[key] = addr
	c.mu.Unlock()
	return addr, nil
}

func (c *AddressCache) Get(key string) (uintptr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	addr, ok := c.addrs[key]
	return addr, ok
}

func (c *AddressCache) Put(key string, addr uintptr) {
	c.mu.Lock()
	c.addrs[key] = addr
	c.mu.Unlock()
}

func (c *AddressCache) Forget(key string) {
	c.mu.Lock()
	delete(c.addrs, key)
	c.mu.Unlock()
}

const exportPollInterval = 500 * time.Millisecond

// Handler owns one instrumentation session against one target: the shared
// cave, the address cache, and every active hook. Nothing it tracks
// survives a target restart.
type Handler struct {
	io      ProcessIO
	scanner *Scanner
	cache   *AddressCache
	clk     clock.Clock
	log     log.Interface

	caveSig  Signature
	caveAddr uintptr
	caveSize int

	mu      sync.Mutex
	cave    *SharedCave
	active  map[string]*Hook
	exports map[string]string // export name -> owning hook
}

type HandlerOption func(*Handler)

func WithLogger(l log.Interface) HandlerOption {
	return func(h *Handler) { h.log = l }
}

func WithAddressCache(c *AddressCache) HandlerOption {
	return func(h *Handler) { h.cache = c }
}

func WithClock(c clock.Clock) HandlerOption {
	return func(h *Handler) { h.clk = c }
}

// WithSharedCave makes hooks share a cave carved out of the function the
// signature locates. Without a cave option every hook gets fresh pages.
func WithSharedCave(sig Signature, capacity int) HandlerOption {
	return func(h *Handler) {
		h.caveSig = sig
		h.caveSize = capacity
	}
}

// WithSharedCaveAt places the shared cave at a known address.
func WithSharedCaveAt(addr uintptr, capacity int) HandlerOption {
	return func(h *Handler) {
		h.caveAddr = addr
		h.caveSize = capacity
	}
}

func NewHandler(proc ProcessIO, opts ...HandlerOption) *Handler {
	h := &Handler{
		io:      proc,
		scanner: NewScanner(proc, proc),
		cache:   NewAddressCache(),
		clk:     clock.New(),
		log:     &log.Logger{Handler: discard.New(), Level: log.ErrorLevel},
		active:  make(map[string]*Hook),
		exports: make(map[string]string),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Scanner() *Scanner    { return h.scanner }
func (h *Handler) Cache() *AddressCache { return h.cache }
func (h *Handler) IO() ProcessIO        { return h.io }

// Install activates spec against the target. A hook kind can be active at
// most once per session.
func (h *Handler) Install(ctx context.Context, spec HookSpec) (*Hook, error) {
	h.mu.Lock()
	if _, ok := h.active[spec.Name()]; ok {
		h.mu.Unlock()
		return nil, &HookAlreadyInstalledError{Hook: spec.Name()}
	}
	h.mu.Unlock()

	alloc, err := h.allocator()
	if err != nil {
		return nil, errors.WithMessagef(err, "installing hook %s", spec.Name())
	}

	hook := NewHook(spec, HookDeps{
		IO:      h.io,
		Scanner: h.scanner,
		Symbols: h.io,
		Alloc:   alloc,
		Cache:   h.cache,
		Clock:   h.clk,
		Log:     h.log,
	})
	if err := hook.Install(ctx); err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.active[spec.Name()] = hook
	for _, s := range hook.Exports() {
		h.exports[s.Name] = spec.Name()
	}
	h.mu.Unlock()

	h.log.WithField("hook", spec.Name()).Info("hook installed")
	return hook, nil
}

// Uninstall tears down the named hook. Unknown names fail with
// HookNotActiveError. A hook whose teardown fails stays registered, so the
// session never forgets a hook whose jump patch may still be live; a retry
// completes the removal.
func (h *Handler) Uninstall(ctx context.Context, name string) error {
	h.mu.Lock()
	hook, ok := h.active[name]
	if !ok {
		h.mu.Unlock()
		return &HookNotActiveError{Name: name}
	}
	h.mu.Unlock()

	if err := hook.Uninstall(ctx); err != nil {
		h.log.WithError(err).WithField("hook", name).Warn("hook teardown incomplete, keeping it registered")
		return err
	}

	h.mu.Lock()
	delete(h.active, name)
	for export, owner := range h.exports {
		if owner == name {
			delete(h.exports, export)
		}
	}
	h.mu.Unlock()

	h.log.WithField("hook", name).Info("hook uninstalled")
	return nil
}

// Hook returns the active hook of that name.
func (h *Handler) Hook(name string) (*Hook, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	hook, ok := h.active[name]
	return hook, ok
}

// ExportAddress resolves an export slot name to its remote address.
func (h *Handler) ExportAddress(name string) (uintptr, error) {
	hook, err := h.exportOwner(name)
	if err != nil {
		return 0, err
	}
	addr, ok := hook.ExportAddress(name)
	if !ok {
		return 0, &HookNotActiveError{Name: name}
	}
	return addr, nil
}

// ReadExportPointer reads the pointer the target last captured into the
// named export slot. A zero value means the target has not executed the
// trampoline yet and fails with HookNotReadyError.
func (h *Handler) ReadExportPointer(name string) (uintptr, error) {
	hook, err := h.exportOwner(name)
	if err != nil {
		return 0, err
	}
	value, err := hook.readExportPointer(name)
	if err != nil {
		return 0, err
	}
	if value == 0 {
		return 0, &HookNotReadyError{Hook: hook.Name(), Export: name}
	}
	return value, nil
}

// WaitForExport polls the named export slot until the target writes a
// non-zero value into it.
func (h *Handler) WaitForExport(ctx context.Context, name string, timeout time.Duration) (uintptr, error) {
	hook, err := h.exportOwner(name)
	if err != nil {
		return 0, err
	}
	probe := func() (uintptr, error) {
		return hook.readExportPointer(name)
	}
	return WaitForAnyValue(ctx, probe, exportPollInterval, timeout,
		WithWaitClock(h.clk), WithWaitName("wait for export "+name))
}

// ObjectFromExport builds a typed view over the structure the named export
// points at. The pointer is re-read on every field access.
func (h *Handler) ObjectFromExport(name string) (*RemoteObject, error) {
	addr, err := h.ExportAddress(name)
	if err != nil {
		return nil, err
	}
	return NewRemoteObject(h.io, PointerResolver(h.io, addr)), nil
}

// Close uninstalls every active hook. The shared cave's bytes are restored
// by the last hook's release. Hooks that fail to tear down stay registered.
func (h *Handler) Close(ctx context.Context) error {
	h.mu.Lock()
	names := make([]string, 0, len(h.active))
	for name := range h.active {
		names = append(names, name)
	}
	h.mu.Unlock()

	var firstErr error
	for _, name := range names {
		if err := h.Uninstall(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *Handler) exportOwner(name string) (*Hook, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	owner, ok := h.exports[name]
	if !ok {
		return nil, &HookNotActiveError{Name: name}
	}
	hook, ok := h.active[owner]
	if !ok {
		return nil, &HookNotActiveError{Name: name}
	}
	return hook, nil
}

// allocator picks the configured strategy: one shared-cave reference per
// hook, or fresh pages when no cave is configured. The cave itself is
// located once per session.
func (h *Handler) allocator() (Allocator, error) {
	if h.caveSize == 0 {
		return NewPageAllocator(h.io), nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cave == nil {
		addr := h.caveAddr
		if addr == 0 {
			var err error
			addr, err = h.cache.Lookup("cave.host", func() (uintptr, error) {
				return h.scanner.Scan(h.caveSig)
			})
			if err != nil {
				return nil, errors.WithMessage(err, "locating shared cave host")
			}
		}
		h.cave = NewSharedCave(h.io, addr, h.caveSize)
		h.log.WithField("addr", addr).WithField("capacity", h.caveSize).
			Debug("shared cave located")
	}
	return h.cave.Ref(), nil
}
