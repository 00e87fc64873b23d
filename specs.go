package hookcave

import (
	"github.com/pkg/errors"
)

const (
	defaultTrampolineSize = 64
	pointerSlotSize       = 8
)

// CaptureSpec is the workhorse hook kind: when the target executes the
// patched site, the trampoline copies one register into an export slot and
// falls through to the original instructions. Covers every
// capture-a-structure-pointer hook; richer kinds implement HookSpec
// directly.
type CaptureSpec struct {
	// Kind names the hook, e.g. "player".
	Kind string

	// Sig locates the jump site, usually scoped to the main module.
	Sig Signature

	// Offset is added to the scan result when the signature starts before
	// the true patch point.
	Offset int

	// Original holds the instructions overwritten at the site; the
	// trampoline re-executes them verbatim. Its length is the patch size
	// and must cover whole instructions and at least a near jump.
	Original []byte

	// Source is the register holding the value to capture.
	Source Register

	// ExportName is the slot the captured value lands in.
	ExportName string

	// Reserve overrides the cave reservation.
	Reserve int
}

func (s CaptureSpec) Name() string { return s.Kind }

func (s CaptureSpec) Signature() Signature { return s.Sig }

func (s CaptureSpec) SiteOffset() int { return s.Offset }

func (s CaptureSpec) PatchSize() int { return len(s.Original) }

func (s CaptureSpec) TrampolineSize() int {
	if s.Reserve > 0 {
		return s.Reserve
	}
	return defaultTrampolineSize
}

func (s CaptureSpec) Exports() []Export {
	return []Export{{Name: s.ExportName, Size: pointerSlotSize}}
}

func (s CaptureSpec) Trampoline(h *Hook, slots []ExportSlot) ([]byte, error) {
	if len(s.Original) < jmpRel32Len {
		return nil, errors.Errorf("original instructions are %d bytes, patch needs at least %d",
			len(s.Original), jmpRel32Len)
	}
	slot, ok := findSlot(slots, s.ExportName)
	if !ok {
		return nil, errors.Errorf("export slot %s missing", s.ExportName)
	}

	var body []byte
	body = append(body, opPushRax)
	if s.Source != RAX {
		body = append(body, s.Source.movToRax()...)
	}
	body = append(body, movRaxToSlot(slot.Address)...)
	body = append(body, opPopRax)
	body = append(body, s.Original...)
	return body, nil
}

// SymbolCaptureSpec is a CaptureSpec variant whose jump site is a module
// export rather than a scanned signature.
type SymbolCaptureSpec struct {
	Kind       string
	ModuleName string
	Symbol     string
	Original   []byte
	Source     Register
	ExportName string
	Reserve    int
}

func (s SymbolCaptureSpec) Name() string { return s.Kind }

func (s SymbolCaptureSpec) Signature() Signature { return Signature{} }

func (s SymbolCaptureSpec) SymbolSite() (string, string) { return s.ModuleName, s.Symbol }

func (s SymbolCaptureSpec) PatchSize() int { return len(s.Original) }

func (s SymbolCaptureSpec) TrampolineSize() int {
	if s.Reserve > 0 {
		return s.Reserve
	}
	return defaultTrampolineSize
}

func (s SymbolCaptureSpec) Exports() []Export {
	return []Export{{Name: s.ExportName, Size: pointerSlotSize}}
}

func (s SymbolCaptureSpec) Trampoline(h *Hook, slots []ExportSlot) ([]byte, error) {
	return CaptureSpec{
		Kind:       s.Kind,
		Original:   s.Original,
		Source:     s.Source,
		ExportName: s.ExportName,
	}.Trampoline(h, slots)
}

func findSlot(slots []ExportSlot, name string) (ExportSlot, bool) {
	for _, s := range slots {
		if s.Name == name {
			return s, true
		}
	}
	return ExportSlot{}, false
}
