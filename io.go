package hookcave

// Win32 page protection values. Kept as plain constants so the portable
// layers don't need x/sys.
const (
	ProtReadOnly         uint32 = 0x02
	ProtReadWrite        uint32 = 0x04
	ProtExecuteRead      uint32 = 0x20
	ProtExecuteReadWrite uint32 = 0x40
)

// MemoryIO is the raw byte surface of one target process. Process implements
// it against a live handle; tests implement it in memory.
type MemoryIO interface {
	ReadBytes(addr uintptr, size int) ([]byte, error)
	WriteBytes(addr uintptr, data []byte) error
	Allocate(size int) (uintptr, error)
	Free(addr uintptr) error
	Protect(addr uintptr, size int, prot uint32) (old uint32, err error)
}

type Module struct {
	Name       string
	Path       string
	Base       uintptr
	Size       uint32
	EntryPoint uintptr
}

// End returns the first address past the module image.
func (m Module) End() uintptr {
	return m.Base + uintptr(m.Size)
}

type Region struct {
	Base       uintptr
	Size       uintptr
	Readable   bool
	Writable   bool
	Executable bool
}

func (r Region) End() uintptr {
	return r.Base + r.Size
}

// RegionSource enumerates the target's mapped memory. Regions come back in
// ascending address order.
type RegionSource interface {
	Modules() ([]Module, error)
	Regions() ([]Region, error)
}

// SymbolSource resolves an exported symbol of a loaded module to its
// absolute address in the target.
type SymbolSource interface {
	SymbolAddress(module, symbol string) (uintptr, error)
}

// ProcessIO is everything the hook machinery needs from a target.
type ProcessIO interface {
	MemoryIO
	RegionSource
	SymbolSource
}
