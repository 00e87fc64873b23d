package hookcave

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// movsd xmm0, [rax+0x58]: the instructions overwritten at the test site.
var siteOriginal = []byte{0xF2, 0x0F, 0x10, 0x40, 0x58}

const (
	testModuleBase = uintptr(0x10000)
	testSiteAddr   = uintptr(0x10040)
)

// newHookTarget maps a module image with the capture site in it.
func newHookTarget() *fakeProcess {
	p := newFakeProcess()
	seg := make([]byte, 0x1000)
	copy(seg[testSiteAddr-testModuleBase:], siteOriginal)
	p.mapSegment(testModuleBase, seg)
	p.addModule(Module{Name: "game.exe", Base: testModuleBase, Size: 0x1000})
	return p
}

func playerSpec() CaptureSpec {
	return CaptureSpec{
		Kind:       "player",
		Sig:        MustSignature("F2 0F 10 40 58").InModule("game.exe"),
		Original:   siteOriginal,
		Source:     RCX,
		ExportName: "player",
	}
}

func newTestHook(p *fakeProcess, spec HookSpec) *Hook {
	return NewHook(spec, HookDeps{
		IO:      p,
		Scanner: NewScanner(p, p),
		Symbols: p,
		Alloc:   NewPageAllocator(p),
	})
}

func TestHookInstall(t *testing.T) {
	p := newHookTarget()
	h := newTestHook(p, playerSpec())

	require.NoError(t, h.Install(context.Background()))
	assert.Equal(t, StateInstalled, h.State())
	assert.Equal(t, testSiteAddr, h.JumpAddress())

	// the site now holds a near jump into the trampoline
	site, err := p.ReadBytes(testSiteAddr, 5)
	require.NoError(t, err)
	expectJump, err := JumpRel32(testSiteAddr, h.HookAddress())
	require.NoError(t, err)
	assert.Equal(t, expectJump, site)

	// the trampoline captures rcx into the slot, replays the original
	// instructions, and jumps back past the patch
	slot, ok := h.ExportAddress("player")
	require.True(t, ok)

	var expect []byte
	expect = append(expect, opPushRax)
	expect = append(expect, RCX.movToRax()...)
	expect = append(expect, movRaxToSlot(slot)...)
	expect = append(expect, opPopRax)
	expect = append(expect, siteOriginal...)
	back, err := JumpRel32(h.HookAddress()+uintptr(len(expect)), testSiteAddr+5)
	require.NoError(t, err)
	expect = append(expect, back...)

	code, err := p.ReadBytes(h.HookAddress(), len(expect))
	require.NoError(t, err)
	assert.Equal(t, expect, code)
}

func TestHookExportSlotStartsZeroed(t *testing.T) {
	p := newHookTarget()
	h := newTestHook(p, playerSpec())
	require.NoError(t, h.Install(context.Background()))

	slot, ok := h.ExportAddress("player")
	require.True(t, ok)
	buf, err := p.ReadBytes(slot, 8)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 8), buf)

	_, err = h.readExportPointer("player")
	require.NoError(t, err)
}

func TestHookUninstallRestoresSiteExactly(t *testing.T) {
	p := newHookTarget()
	before := p.snapshot(testModuleBase)

	h := newTestHook(p, playerSpec())
	require.NoError(t, h.Install(context.Background()))
	require.NotEqual(t, before, p.snapshot(testModuleBase))

	require.NoError(t, h.Uninstall(context.Background()))
	assert.Equal(t, StateUnhooked, h.State())
	assert.Equal(t, before, p.snapshot(testModuleBase))

	// every remote allocation came back
	assert.ElementsMatch(t, p.allocated, p.freed)

	// uninstalling an unhooked hook is a no-op
	require.NoError(t, h.Uninstall(context.Background()))
}

func TestHookDoubleInstallRejected(t *testing.T) {
	p := newHookTarget()
	h := newTestHook(p, playerSpec())
	require.NoError(t, h.Install(context.Background()))

	err := h.Install(context.Background())
	var already *HookAlreadyInstalledError
	require.ErrorAs(t, err, &already)
	assert.Equal(t, "player", already.Hook)
}

func TestHookReinstallAfterUninstall(t *testing.T) {
	p := newHookTarget()
	h := newTestHook(p, playerSpec())

	require.NoError(t, h.Install(context.Background()))
	require.NoError(t, h.Uninstall(context.Background()))
	require.NoError(t, h.Install(context.Background()))
	assert.Equal(t, StateInstalled, h.State())
}

func TestHookJumpWriteFailureRollsBack(t *testing.T) {
	p := newHookTarget()
	before := p.snapshot(testModuleBase)

	// only the jump-site write fails; the trampoline write went through
	p.failWrite = func(addr uintptr, data []byte) error {
		if addr == testSiteAddr {
			return errors.New("page is write-protected")
		}
		return nil
	}

	h := newTestHook(p, playerSpec())
	err := h.Install(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateUnhooked, h.State())

	// nothing the install touched survives the failure
	assert.Equal(t, before, p.snapshot(testModuleBase))
	assert.ElementsMatch(t, p.allocated, p.freed)
}

func TestHookTrampolineOverflowRejected(t *testing.T) {
	p := newHookTarget()
	spec := playerSpec()
	spec.Reserve = 8 // far too small for the generated bytecode

	h := newTestHook(p, spec)
	err := h.Install(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateUnhooked, h.State())
	assert.ElementsMatch(t, p.allocated, p.freed)
}

func TestHookSiteOffset(t *testing.T) {
	p := newHookTarget()
	spec := playerSpec()
	// signature anchored two bytes before the patch point
	spec.Sig = MustSignature("00 00 F2 0F 10 40 58").InModule("game.exe")
	spec.Offset = 2

	h := newTestHook(p, spec)
	require.NoError(t, h.Install(context.Background()))
	assert.Equal(t, testSiteAddr, h.JumpAddress())
}

func TestHookSymbolSited(t *testing.T) {
	p := newHookTarget()
	p.addSymbol("game.exe", "TickPlayer", testSiteAddr)

	h := newTestHook(p, SymbolCaptureSpec{
		Kind:       "player",
		ModuleName: "game.exe",
		Symbol:     "TickPlayer",
		Original:   siteOriginal,
		Source:     RCX,
		ExportName: "player",
	})
	require.NoError(t, h.Install(context.Background()))
	assert.Equal(t, testSiteAddr, h.JumpAddress())
	require.NoError(t, h.Uninstall(context.Background()))
}

func TestHookSharedCaveTrampoline(t *testing.T) {
	p := newHookTarget()
	caveOriginal := caveBytes(0x100)
	p.mapSegment(0x30000, append([]byte(nil), caveOriginal...))

	cave := NewSharedCave(p, 0x30000, 0x100)
	h := NewHook(playerSpec(), HookDeps{
		IO:      p,
		Scanner: NewScanner(p, p),
		Alloc:   cave.Ref(),
	})

	require.NoError(t, h.Install(context.Background()))
	assert.Equal(t, uintptr(0x30000), h.HookAddress())
	assert.Equal(t, 1, cave.Instances())

	require.NoError(t, h.Uninstall(context.Background()))
	assert.Equal(t, 0, cave.Instances())
	assert.Equal(t, caveOriginal, p.snapshot(0x30000))
}

// prehookSpec nops out a branch before the jump goes live.
type prehookSpec struct {
	CaptureSpec
	branchSig Signature
}

func (s prehookSpec) Prehook(h *Hook) error {
	return h.NopBranch(s.branchSig, 4, 2)
}

func TestHookAuxPatchesReverted(t *testing.T) {
	p := newHookTarget()
	// a conditional branch elsewhere in the image: 75 0A = jnz +0a
	branch := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0x75, 0x0A}
	seg := p.snapshot(testModuleBase)
	copy(seg[0x200:], branch)
	p.mapSegment(testModuleBase, seg)
	before := p.snapshot(testModuleBase)

	spec := prehookSpec{
		CaptureSpec: playerSpec(),
		branchSig:   MustSignature("AA BB CC DD 75").InModule("game.exe"),
	}
	h := newTestHook(p, spec)
	require.NoError(t, h.Install(context.Background()))

	patched, err := p.ReadBytes(testModuleBase+0x204, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90, 0x90}, patched)

	require.NoError(t, h.Uninstall(context.Background()))
	assert.Equal(t, before, p.snapshot(testModuleBase))
}

// unprotectSpec relaxes the site's page protection before patching it.
type unprotectSpec struct {
	CaptureSpec
}

func (s unprotectSpec) Prehook(h *Hook) error {
	return h.Unprotect(testSiteAddr, len(s.Original))
}

func TestHookProtectionRestoredOnUninstall(t *testing.T) {
	p := newHookTarget()
	require.Equal(t, ProtExecuteRead, p.protection(testModuleBase))

	h := newTestHook(p, unprotectSpec{playerSpec()})
	require.NoError(t, h.Install(context.Background()))
	assert.Equal(t, ProtExecuteReadWrite, p.protection(testModuleBase))

	require.NoError(t, h.Uninstall(context.Background()))
	assert.Equal(t, ProtExecuteRead, p.protection(testModuleBase))
}

func TestHookProtectionRestoredOnInstallFailure(t *testing.T) {
	p := newHookTarget()
	p.failWrite = func(addr uintptr, data []byte) error {
		if addr == testSiteAddr {
			return errors.New("page is write-protected")
		}
		return nil
	}

	h := newTestHook(p, unprotectSpec{playerSpec()})
	require.Error(t, h.Install(context.Background()))
	assert.Equal(t, ProtExecuteRead, p.protection(testModuleBase))
}

// flaggedSpec exposes a one-byte in-use flag the uninstall path polls.
type flaggedSpec struct {
	CaptureSpec
}

func (s flaggedSpec) Exports() []Export {
	return append(s.CaptureSpec.Exports(), Export{Name: "player.inuse", Size: 1})
}

func (s flaggedSpec) InUseExport() string { return "player.inuse" }

func TestHookUninstallWaitsForQuiescence(t *testing.T) {
	p := newHookTarget()
	h := newTestHook(p, flaggedSpec{playerSpec()})
	require.NoError(t, h.Install(context.Background()))

	// flag is zero: uninstall proceeds without delay
	require.NoError(t, h.Uninstall(context.Background()))
	assert.Equal(t, StateUnhooked, h.State())
}

func TestHookUninstallProceedsPastQuiescenceTimeout(t *testing.T) {
	p := newHookTarget()
	before := p.snapshot(testModuleBase)
	mock := clock.NewMock()

	h := NewHook(flaggedSpec{playerSpec()}, HookDeps{
		IO:      p,
		Scanner: NewScanner(p, p),
		Alloc:   NewPageAllocator(p),
		Clock:   mock,
	})
	require.NoError(t, h.Install(context.Background()))

	// the target is permanently mid-flight through the hooked region
	flag, ok := h.ExportAddress("player.inuse")
	require.True(t, ok)
	require.NoError(t, p.WriteBytes(flag, []byte{1}))

	done := make(chan error, 1)
	go func() { done <- h.Uninstall(context.Background()) }()

	time.Sleep(10 * time.Millisecond) // let the wait block on the mock timer
	mock.Add(6 * time.Second)

	// the timeout is bounded: teardown happens anyway
	require.NoError(t, <-done)
	assert.Equal(t, StateUnhooked, h.State())
	assert.Equal(t, before, p.snapshot(testModuleBase))
}

func TestHookReadExportPointer(t *testing.T) {
	p := newHookTarget()
	h := newTestHook(p, playerSpec())
	require.NoError(t, h.Install(context.Background()))

	slot, _ := h.ExportAddress("player")
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, 0xDEADBEEF)
	require.NoError(t, p.WriteBytes(slot, buf))

	v, err := h.readExportPointer("player")
	require.NoError(t, err)
	assert.Equal(t, uintptr(0xDEADBEEF), v)
}
