package hookcave

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessInfo describes one running process, for listings.
type ProcessInfo struct {
	Pid  uint32
	Name string
}

// ListProcesses enumerates all processes visible to the caller.
func ListProcesses() ([]ProcessInfo, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, errors.WithMessage(err, "listing processes")
	}
	infos := make([]ProcessInfo, 0, len(procs))
	for _, proc := range procs {
		name, err := proc.Name()
		if err != nil {
			continue
		}
		infos = append(infos, ProcessInfo{Pid: uint32(proc.Pid), Name: name})
	}
	return infos, nil
}

// FindPid returns the pid of the first running process whose executable
// name matches exe, compared without case. The ".exe" suffix is optional.
func FindPid(exe string) (uint32, error) {
	want := strings.TrimSuffix(strings.ToLower(exe), ".exe")

	procs, err := process.Processes()
	if err != nil {
		return 0, errors.WithMessage(err, "listing processes")
	}
	for _, proc := range procs {
		name, err := proc.Name()
		if err != nil {
			continue
		}
		if strings.TrimSuffix(strings.ToLower(name), ".exe") == want {
			return uint32(proc.Pid), nil
		}
	}
	return 0, errors.Errorf("no process named %q", exe)
}
