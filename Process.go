//go:build windows

package hookcave

import (
	"strings"
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

const processAccess = windows.PROCESS_QUERY_INFORMATION |
	windows.PROCESS_VM_READ | windows.PROCESS_VM_WRITE | windows.PROCESS_VM_OPERATION

// Process owns one handle to the target. It is the only owner: Close it
// exactly once, and route all remote I/O through it.
type Process struct {
	handle  windows.Handle
	pid     uint32
	symbols *SymbolTable
}

var _ ProcessIO = (*Process)(nil)

func Open(pid uint32) (*Process, error) {
	handle, err := windows.OpenProcess(processAccess, false, pid)
	if err != nil {
		return nil, errors.WithMessagef(err, "opening pid %d", pid)
	}
	return &Process{handle: handle, pid: pid, symbols: NewSymbolTable()}, nil
}

// OpenByName opens the first process whose executable name matches exe.
func OpenByName(exe string) (*Process, error) {
	pid, err := FindPid(exe)
	if err != nil {
		return nil, err
	}
	return Open(pid)
}

func (p *Process) Pid() uint32 { return p.pid }

func (p *Process) Handle() windows.Handle { return p.handle }

// closes the process handle, but does not terminate the process
func (p *Process) Close() error {
	if p.handle == 0 {
		return nil
	}
	err := windows.CloseHandle(p.handle)
	p.handle = 0
	return err
}

func (p *Process) ReadBytes(addr uintptr, size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.Errorf("bad read size %d", size)
	}
	buf := make([]byte, size)
	var done uintptr
	err := windows.ReadProcessMemory(p.handle, addr, &buf[0], uintptr(size), &done)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading %d bytes at %x", size, addr)
	}
	if int(done) != size {
		return nil, errors.Errorf("short read at %x: %d of %d bytes", addr, done, size)
	}
	return buf, nil
}

func (p *Process) WriteBytes(addr uintptr, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var done uintptr
	err := windows.WriteProcessMemory(p.handle, addr, &data[0], uintptr(len(data)), &done)
	if err != nil {
		return errors.WithMessagef(err, "writing %d bytes at %x", len(data), addr)
	}
	if int(done) != len(data) {
		return errors.Errorf("short write at %x: %d of %d bytes", addr, done, len(data))
	}
	return nil
}

// Allocate commits fresh executable pages in the target.
func (p *Process) Allocate(size int) (uintptr, error) {
	addr, err := virtualAllocEx(p.handle, 0, size,
		windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READWRITE)
	if err != nil {
		return 0, &AllocationFailedError{Size: size, Err: err}
	}
	return addr, nil
}

func (p *Process) Free(addr uintptr) error {
	if err := virtualFreeEx(p.handle, addr); err != nil {
		return errors.WithMessagef(err, "freeing %x", addr)
	}
	return nil
}

// Protect changes the protection of a range. The address is aligned down
// and the size up to page boundaries, as the kernel requires.
func (p *Process) Protect(addr uintptr, size int, prot uint32) (uint32, error) {
	si := getSystemInfo()
	pageMask := uintptr(si.PageSize - 1)
	aligned := addr &^ pageMask
	end := (addr + uintptr(size) + pageMask) &^ pageMask

	var old uint32
	err := windows.VirtualProtectEx(p.handle, aligned, end-aligned, prot, &old)
	if err != nil {
		return 0, &ProtectionChangeFailedError{Address: addr, Size: size, Err: err}
	}
	return old, nil
}

func (p *Process) Regions() ([]Region, error) {
	si := getSystemInfo()

	regions := make([]Region, 0, 0x100)
	for ea := uintptr(0); ea < si.MaximumApplicationAddress; {
		mbi, ok := virtualQueryEx(p.handle, ea)
		if !ok {
			break
		}
		if mbi.State == windows.MEM_COMMIT {
			regions = append(regions, Region{
				Base:       mbi.BaseAddress,
				Size:       mbi.RegionSize,
				Readable:   mbi.isReadable(),
				Writable:   mbi.isWritable(),
				Executable: mbi.isExecutable(),
			})
		}
		ea += mbi.RegionSize
	}
	return regions, nil
}

func (p *Process) Modules() ([]Module, error) {
	var needed uint32
	err := windows.EnumProcessModulesEx(p.handle, nil, 0, &needed, windows.LIST_MODULES_ALL)
	if err != nil {
		if errno, ok := err.(syscall.Errno); ok && errno == windows.ERROR_PARTIAL_COPY && needed == 0 {
			// process not initialized yet, or started suspended
			return nil, nil
		}
		return nil, errors.WithMessage(err, "enumerating modules")
	}

	count := int(needed) / int(unsafe.Sizeof(windows.Handle(0)))
	if count == 0 {
		return nil, nil
	}
	handles := make([]windows.Handle, count)
	err = windows.EnumProcessModulesEx(p.handle, &handles[0], needed, &needed, windows.LIST_MODULES_ALL)
	if err != nil {
		return nil, errors.WithMessage(err, "enumerating modules")
	}

	modules := make([]Module, 0, count)
	for _, hmod := range handles {
		var name [windows.MAX_PATH]uint16
		windows.GetModuleBaseName(p.handle, hmod, &name[0], windows.MAX_PATH)

		var path [windows.MAX_PATH]uint16
		windows.GetModuleFileNameEx(p.handle, hmod, &path[0], windows.MAX_PATH)

		var info windows.ModuleInfo
		if err := windows.GetModuleInformation(p.handle, hmod, &info, uint32(unsafe.Sizeof(info))); err != nil {
			continue
		}

		modules = append(modules, Module{
			Name:       windows.UTF16ToString(name[:]),
			Path:       windows.UTF16ToString(path[:]),
			Base:       info.BaseOfDll,
			Size:       info.SizeOfImage,
			EntryPoint: info.EntryPoint,
		})
	}
	return modules, nil
}

// SymbolAddress resolves an export of a loaded module to its live address:
// module base plus the RVA from the on-disk export table.
func (p *Process) SymbolAddress(module, symbol string) (uintptr, error) {
	modules, err := p.Modules()
	if err != nil {
		return 0, err
	}
	for _, m := range modules {
		if !strings.EqualFold(m.Name, module) {
			continue
		}
		rva, err := p.symbols.ExportRVA(m.Path, symbol)
		if err != nil {
			return 0, err
		}
		return m.Base + uintptr(rva), nil
	}
	return 0, &ModuleNotFoundError{Name: module}
}
