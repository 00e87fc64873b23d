//go:build windows

package hookcave

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	kernel32           = windows.NewLazySystemDLL("kernel32.dll")
	procVirtualAllocEx = kernel32.NewProc("VirtualAllocEx")
	procVirtualFreeEx  = kernel32.NewProc("VirtualFreeEx")
	procVirtualQueryEx = kernel32.NewProc("VirtualQueryEx")
	procGetSystemInfo  = kernel32.NewProc("GetSystemInfo")
)

type memoryBasicInformation struct {
	BaseAddress       uintptr
	AllocationBase    uintptr
	AllocationProtect uint32
	RegionSize        uintptr
	State             uint32
	Protect           uint32
	Type              uint32
}

func (mbi memoryBasicInformation) isReadable() bool {
	if mbi.State != windows.MEM_COMMIT {
		return false
	}

	if mbi.Protect&windows.PAGE_GUARD != 0 {
		return false
	}

	const readable = windows.PAGE_READONLY | windows.PAGE_READWRITE |
		windows.PAGE_EXECUTE_READ | windows.PAGE_EXECUTE_READWRITE |
		windows.PAGE_EXECUTE_WRITECOPY | windows.PAGE_WRITECOPY
	return mbi.Protect&readable != 0
}

func (mbi memoryBasicInformation) isWritable() bool {
	if mbi.State != windows.MEM_COMMIT || mbi.Protect&windows.PAGE_GUARD != 0 {
		return false
	}

	const writable = windows.PAGE_READWRITE | windows.PAGE_EXECUTE_READWRITE |
		windows.PAGE_EXECUTE_WRITECOPY | windows.PAGE_WRITECOPY
	return mbi.Protect&writable != 0
}

func (mbi memoryBasicInformation) isExecutable() bool {
	if mbi.State != windows.MEM_COMMIT || mbi.Protect&windows.PAGE_GUARD != 0 {
		return false
	}

	const executable = windows.PAGE_EXECUTE | windows.PAGE_EXECUTE_READ |
		windows.PAGE_EXECUTE_READWRITE | windows.PAGE_EXECUTE_WRITECOPY
	return mbi.Protect&executable != 0
}

type systemInfo struct {
	ProcessorArchitecture     uint16
	_                         uint16
	PageSize                  uint32
	MinimumApplicationAddress uintptr
	MaximumApplicationAddress uintptr
	ActiveProcessorMask       uintptr
	NumberOfProcessors        uint32
	ProcessorType             uint32
	AllocationGranularity     uint32
	ProcessorLevel            uint16
	ProcessorRevision         uint16
}

func getSystemInfo() systemInfo {
	var si systemInfo
	procGetSystemInfo.Call(uintptr(unsafe.Pointer(&si)))
	return si
}

func virtualAllocEx(handle windows.Handle, addr uintptr, size int, allocType, protect uint32) (uintptr, error) {
	ret, _, err := procVirtualAllocEx.Call(uintptr(handle), addr, uintptr(size),
		uintptr(allocType), uintptr(protect))
	if ret == 0 {
		return 0, err
	}
	return ret, nil
}

func virtualFreeEx(handle windows.Handle, addr uintptr) error {
	ret, _, err := procVirtualFreeEx.Call(uintptr(handle), addr, 0, windows.MEM_RELEASE)
	if ret == 0 {
		return err
	}
	return nil
}

func virtualQueryEx(handle windows.Handle, addr uintptr) (memoryBasicInformation, bool) {
	var mbi memoryBasicInformation
	ret, _, _ := procVirtualQueryEx.Call(
		uintptr(handle),
		addr,
		uintptr(unsafe.Pointer(&mbi)),
		uintptr(unsafe.Sizeof(mbi)),
	)
	return mbi, ret == uintptr(unsafe.Sizeof(mbi))
}
