package hookcave

import (
	"fmt"
	"sort"
	"sync"
)

// fakeProcess is an in-memory ProcessIO. Segments are mapped at fixed
// addresses; Allocate hands out fresh segments from a bump pointer.
type fakeProcess struct {
	mu       sync.Mutex
	segments map[uintptr][]byte
	prots    map[uintptr]uint32
	modules  []Module
	symbols  map[string]uintptr

	allocBase uintptr
	allocated []uintptr
	freed     []uintptr

	// failRead/failWrite, when set, are consulted before every access
	failRead  func(addr uintptr, size int) error
	failWrite func(addr uintptr, data []byte) error
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{
		segments:  make(map[uintptr][]byte),
		prots:     make(map[uintptr]uint32),
		symbols:   make(map[string]uintptr),
		allocBase: 0x70000000,
	}
}

// mapSegment maps data at base. Overlapping segments are a test bug.
func (p *fakeProcess) mapSegment(base uintptr, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.segments[base] = data
	p.prots[base] = ProtExecuteRead
}

func (p *fakeProcess) addModule(m Module) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.modules = append(p.modules, m)
}

func (p *fakeProcess) addSymbol(module, symbol string, addr uintptr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.symbols[module+"!"+symbol] = addr
}

// locate returns the segment containing [addr, addr+size).
func (p *fakeProcess) locate(addr uintptr, size int) (uintptr, []byte, error) {
	for base, seg := range p.segments {
		if addr >= base && addr+uintptr(size) <= base+uintptr(len(seg)) {
			return base, seg, nil
		}
	}
	return 0, nil, fmt.Errorf("fake: no segment covers %x+%x", addr, size)
}

func (p *fakeProcess) ReadBytes(addr uintptr, size int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failRead != nil {
		if err := p.failRead(addr, size); err != nil {
			return nil, err
		}
	}
	base, seg, err := p.locate(addr, size)
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	copy(out, seg[addr-base:])
	return out, nil
}

func (p *fakeProcess) WriteBytes(addr uintptr, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWrite != nil {
		if err := p.failWrite(addr, data); err != nil {
			return err
		}
	}
	base, seg, err := p.locate(addr, len(data))
	if err != nil {
		return err
	}
	copy(seg[addr-base:], data)
	return nil
}

func (p *fakeProcess) Allocate(size int) (uintptr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	addr := p.allocBase
	p.allocBase += uintptr(size) + 0x100
	p.segments[addr] = make([]byte, size)
	p.prots[addr] = ProtExecuteReadWrite
	p.allocated = append(p.allocated, addr)
	return addr, nil
}

func (p *fakeProcess) Free(addr uintptr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.segments[addr]; !ok {
		return fmt.Errorf("fake: freeing unmapped %x", addr)
	}
	delete(p.segments, addr)
	delete(p.prots, addr)
	p.freed = append(p.freed, addr)
	return nil
}

func (p *fakeProcess) Protect(addr uintptr, size int, prot uint32) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	base, _, err := p.locate(addr, size)
	if err != nil {
		return 0, err
	}
	old := p.prots[base]
	p.prots[base] = prot
	return old, nil
}

func (p *fakeProcess) Regions() ([]Region, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	regions := make([]Region, 0, len(p.segments))
	for base, seg := range p.segments {
		prot := p.prots[base]
		regions = append(regions, Region{
			Base:       base,
			Size:       uintptr(len(seg)),
			Readable:   true,
			Writable:   prot == ProtReadWrite || prot == ProtExecuteReadWrite,
			Executable: prot == ProtExecuteRead || prot == ProtExecuteReadWrite,
		})
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].Base < regions[j].Base })
	return regions, nil
}

func (p *fakeProcess) Modules() ([]Module, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Module(nil), p.modules...), nil
}

func (p *fakeProcess) SymbolAddress(module, symbol string) (uintptr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	addr, ok := p.symbols[module+"!"+symbol]
	if !ok {
		return 0, fmt.Errorf("fake: no symbol %s!%s", module, symbol)
	}
	return addr, nil
}

// protection reports the current protection of the segment at base.
func (p *fakeProcess) protection(base uintptr) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prots[base]
}

// snapshot copies the segment at base for later byte-exact comparison.
func (p *fakeProcess) snapshot(base uintptr) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.segments[base]...)
}

var _ ProcessIO = (*fakeProcess)(nil)
