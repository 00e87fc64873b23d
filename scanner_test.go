package hookcave

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScannerScan(t *testing.T) {
	p := newFakeProcess()
	seg := make([]byte, 0x200)
	copy(seg[0x40:], []byte{0xDE, 0xAD, 0xBE, 0xEF})
	p.mapSegment(0x10000, seg)

	s := NewScanner(p, p)
	addr, err := s.Scan(MustSignature("DE AD ?? EF"))
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x10040), addr)
}

func TestScannerScanMiss(t *testing.T) {
	p := newFakeProcess()
	p.mapSegment(0x10000, make([]byte, 0x100))

	s := NewScanner(p, p)
	_, err := s.Scan(MustSignature("DE AD BE EF"))

	var notFound *PatternNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "DE AD BE EF", notFound.Signature.String())
}

func TestScannerScanReturnsLowestMatch(t *testing.T) {
	p := newFakeProcess()
	seg := make([]byte, 0x100)
	copy(seg[0x80:], []byte{0x11, 0x22})
	copy(seg[0x20:], []byte{0x11, 0x22})
	p.mapSegment(0x10000, seg)

	s := NewScanner(p, p)
	addr, err := s.Scan(MustSignature("11 22"))
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x10020), addr)
}

func TestScannerScanAll(t *testing.T) {
	p := newFakeProcess()
	segA := make([]byte, 0x100)
	copy(segA[0x10:], []byte{0x11, 0x22})
	p.mapSegment(0x10000, segA)
	segB := make([]byte, 0x100)
	copy(segB[0x30:], []byte{0x11, 0x22})
	p.mapSegment(0x20000, segB)

	s := NewScanner(p, p)
	found, err := s.ScanAll(MustSignature("11 22"))
	require.NoError(t, err)
	assert.Equal(t, []uintptr{0x10010, 0x20030}, found)
}

func TestScannerScanUnique(t *testing.T) {
	p := newFakeProcess()
	seg := make([]byte, 0x100)
	copy(seg[0x10:], []byte{0x11, 0x22, 0x33})
	copy(seg[0x50:], []byte{0x11, 0x22, 0x44})
	p.mapSegment(0x10000, seg)

	s := NewScanner(p, p)
	_, err := s.ScanUnique(MustSignature("11 22"))

	var ambiguous *PatternAmbiguousError
	require.ErrorAs(t, err, &ambiguous)
	assert.Equal(t, 2, ambiguous.Count)

	addr, err := s.ScanUnique(MustSignature("11 22 33"))
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x10010), addr)
}

func TestScannerModuleScope(t *testing.T) {
	p := newFakeProcess()
	segA := make([]byte, 0x100)
	copy(segA[0x10:], []byte{0x11, 0x22})
	p.mapSegment(0x10000, segA)
	segB := make([]byte, 0x100)
	copy(segB[0x10:], []byte{0x11, 0x22})
	p.mapSegment(0x20000, segB)
	p.addModule(Module{Name: "game.exe", Base: 0x20000, Size: 0x100})

	s := NewScanner(p, p)
	addr, err := s.Scan(MustSignature("11 22").InModule("Game.exe"))
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x20010), addr)

	_, err = s.Scan(MustSignature("11 22").InModule("nosuch.dll"))
	var noModule *ModuleNotFoundError
	require.ErrorAs(t, err, &noModule)
	assert.Equal(t, "nosuch.dll", noModule.Name)
}

func TestScannerModuleScopeClipping(t *testing.T) {
	p := newFakeProcess()
	// one segment spanning the module image plus trailing bytes
	seg := make([]byte, 0x200)
	copy(seg[0x180:], []byte{0x11, 0x22}) // past the module end
	p.mapSegment(0x10000, seg)
	p.addModule(Module{Name: "game.exe", Base: 0x10000, Size: 0x100})

	s := NewScanner(p, p)
	_, err := s.Scan(MustSignature("11 22").InModule("game.exe"))
	assert.Error(t, err)
}

func TestScannerChunkedScan(t *testing.T) {
	p := newFakeProcess()
	seg := make([]byte, 0x100)
	// straddles the 16-byte chunk boundary at offset 0x10
	copy(seg[0x0E:], []byte{0xDE, 0xAD, 0xBE, 0xEF})
	p.mapSegment(0x10000, seg)

	s := NewScanner(p, p)
	s.chunk = 16
	found, err := s.ScanAll(MustSignature("DE AD BE EF"))
	require.NoError(t, err)
	assert.Equal(t, []uintptr{0x1000E}, found)
}

func TestScannerUnreadableChunkKeepsOverlap(t *testing.T) {
	p := newFakeProcess()
	seg := make([]byte, 0x30)
	// the match straddles the boundary right after the unreadable chunk
	copy(seg[0x0D:], []byte{0xDE, 0xAD, 0xBE, 0xEF})
	p.mapSegment(0x10000, seg)

	p.failRead = func(addr uintptr, size int) error {
		if addr == 0x10000 {
			return errors.New("page unreadable")
		}
		return nil
	}

	s := NewScanner(p, p)
	s.chunk = 16
	found, err := s.ScanAll(MustSignature("DE AD BE EF"))
	require.NoError(t, err)
	assert.Equal(t, []uintptr{0x1000D}, found)
}

func TestScannerChunkedScanNoDuplicates(t *testing.T) {
	p := newFakeProcess()
	seg := make([]byte, 0x40)
	// match fully inside the overlap window of two chunks
	copy(seg[0x0C:], []byte{0xDE, 0xAD, 0xBE, 0xEF})
	p.mapSegment(0x10000, seg)

	s := NewScanner(p, p)
	s.chunk = 16
	found, err := s.ScanAll(MustSignature("DE AD BE EF"))
	require.NoError(t, err)
	assert.Equal(t, []uintptr{0x1000C}, found)
}
