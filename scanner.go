package hookcave

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

const defaultScanChunk = 1 << 20

// Scanner searches a target's memory for byte signatures. Read-only; results
// are only valid for the current process run since modules relocate.
type Scanner struct {
	io    MemoryIO
	src   RegionSource
	chunk int
}

func NewScanner(io MemoryIO, src RegionSource) *Scanner {
	return &Scanner{io: io, src: src, chunk: defaultScanChunk}
}

// Scan returns the lowest-addressed match of sig within its scope: the named
// module's image, or every readable region when no module is set. A miss is
// a PatternNotFoundError.
func (s *Scanner) Scan(sig Signature) (uintptr, error) {
	found, err := s.scan(sig, true)
	if err != nil {
		return 0, err
	}
	return found[0], nil
}

// ScanAll returns every match in ascending address order.
func (s *Scanner) ScanAll(sig Signature) ([]uintptr, error) {
	return s.scan(sig, false)
}

// ScanUnique is Scan but errors when the signature is ambiguous, which
// usually means it drifted after a target update.
func (s *Scanner) ScanUnique(sig Signature) (uintptr, error) {
	found, err := s.scan(sig, false)
	if err != nil {
		return 0, err
	}
	if len(found) > 1 {
		return 0, &PatternAmbiguousError{Signature: sig, Count: len(found)}
	}
	return found[0], nil
}

func (s *Scanner) scan(sig Signature, firstOnly bool) ([]uintptr, error) {
	regions, err := s.scope(sig)
	if err != nil {
		return nil, err
	}

	var found []uintptr
	for _, r := range regions {
		matches, err := s.scanRange(r.Base, r.Size, sig, firstOnly)
		if err != nil {
			return nil, err
		}
		found = append(found, matches...)
		if firstOnly && len(found) > 0 {
			break
		}
	}
	if len(found) == 0 {
		return nil, &PatternNotFoundError{Signature: sig}
	}
	sort.Slice(found, func(i, j int) bool { return found[i] < found[j] })
	return found, nil
}

// scope narrows the region list to the signature's module, or every readable
// region when unscoped.
func (s *Scanner) scope(sig Signature) ([]Region, error) {
	regions, err := s.src.Regions()
	if err != nil {
		return nil, errors.WithMessage(err, "enumerating regions")
	}

	var lo, hi uintptr
	if name := sig.Module(); name != "" {
		mod, err := s.findModule(name)
		if err != nil {
			return nil, err
		}
		lo, hi = mod.Base, mod.End()
	}

	var out []Region
	for _, r := range regions {
		if !r.Readable {
			continue
		}
		if hi != 0 {
			if r.End() <= lo || r.Base >= hi {
				continue
			}
			// clip to the module image
			if r.Base < lo {
				r.Size -= lo - r.Base
				r.Base = lo
			}
			if r.End() > hi {
				r.Size = hi - r.Base
			}
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Scanner) findModule(name string) (Module, error) {
	modules, err := s.src.Modules()
	if err != nil {
		return Module{}, errors.WithMessage(err, "enumerating modules")
	}
	for _, m := range modules {
		if strings.EqualFold(m.Name, name) {
			return m, nil
		}
	}
	return Module{}, &ModuleNotFoundError{Name: name}
}

// scanRange reads [base, base+size) in chunks overlapping by len(sig)-1 so a
// match can't be split across a chunk boundary. Unreadable stretches inside
// a region are skipped, not fatal.
func (s *Scanner) scanRange(base, size uintptr, sig Signature, firstOnly bool) ([]uintptr, error) {
	var found []uintptr
	overlap := uintptr(sig.Len() - 1)

	for off := uintptr(0); off < size; {
		n := uintptr(s.chunk)
		if off+n > size {
			n = size - off
		}
		if n < uintptr(sig.Len()) {
			break
		}

		buf, err := s.io.ReadBytes(base+off, int(n))
		if err != nil {
			// skip the unreadable chunk but keep the overlap, so a match
			// straddling its end is still seen by the next chunk
			if off+n >= size {
				break
			}
			off += n - overlap
			continue
		}

		for _, i := range sig.FindAll(buf) {
			found = append(found, base+off+uintptr(i))
			if firstOnly {
				return found, nil
			}
		}

		if off+n >= size {
			break
		}
		off += n - overlap
	}
	return found, nil
}
