package ktask

import (
	"github.com/aurora-os/aurora/internal/kconfig"
	"github.com/aurora-os/aurora/internal/kerrors"
	"github.com/aurora-os/aurora/internal/mm"
)

const (
	userStackPages = 1
	userCodeOffset = 0
	userDataOffset = mm.PageSize
	userStackOffset = mm.PageSize * 2
)

// UserContext is what a freshly loaded user program needs to start
// running: where its entry point is, the initial stack pointer, and the
// root page table it runs under. It mirrors the original's UserContext,
// generalized from a single hardcoded test program to any code/data
// image a caller wants to load, which is what backs the minimal exec-
// like path the boot sequence uses both for its built-in smoke-test
// program and for any process spawn that hands over a freshly assembled
// image.
type UserContext struct {
	Entry  uint64
	UserSP uint64
	RootPA mm.PhysAddr
}

// LoadUserProgram maps code into a fresh code page, data into the page
// right after it, and a zeroed stack page after that, all under rootPA
// starting at kconfig.UserTestBase - the same fixed three-page layout
// prepare_user_test uses, generalized to accept any code/data pair
// instead of the original's single baked-in "write hello, exit" image.
func LoadUserProgram(mgr *mm.Manager, rootPA mm.PhysAddr, code, data []byte) (*UserContext, error) {
	if len(code) > mm.PageSize || len(data) > mm.PageSize {
		return nil, kerrors.New(subsystem, "LoadUserProgram", kerrors.CodeInval, "code or data exceeds one page")
	}

	codePA, err := mgr.Frames.Alloc()
	if err != nil {
		return nil, kerrors.Wrap(subsystem, "LoadUserProgram", err)
	}
	dataPA, err := mgr.Frames.Alloc()
	if err != nil {
		return nil, kerrors.Wrap(subsystem, "LoadUserProgram", err)
	}
	stackPA, err := mgr.Frames.Alloc()
	if err != nil {
		return nil, kerrors.Wrap(subsystem, "LoadUserProgram", err)
	}

	mgr.Phys.Zero(codePA, mm.PageSize)
	mgr.Phys.Zero(dataPA, mm.PageSize)
	mgr.Phys.Zero(stackPA, mm.PageSize)
	mgr.Phys.WriteAt(codePA, code)
	mgr.Phys.WriteAt(dataPA, data)

	base := uint64(kconfig.UserTestBase)
	codeVA := mm.VirtAddr(base + userCodeOffset)
	dataVA := mm.VirtAddr(base + userDataOffset)
	stackVA := mm.VirtAddr(base + userStackOffset)

	if err := mgr.MapUserCode(rootPA, codeVA, codePA); err != nil {
		return nil, kerrors.Wrap(subsystem, "LoadUserProgram", err)
	}
	if err := mgr.MapUserData(rootPA, dataVA, dataPA); err != nil {
		return nil, kerrors.Wrap(subsystem, "LoadUserProgram", err)
	}
	if err := mgr.MapUserData(rootPA, stackVA, stackPA); err != nil {
		return nil, kerrors.Wrap(subsystem, "LoadUserProgram", err)
	}

	return &UserContext{
		Entry:  uint64(codeVA),
		UserSP: uint64(stackVA) + userStackPages*mm.PageSize,
		RootPA: rootPA,
	}, nil
}
