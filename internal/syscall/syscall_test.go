package syscall

import (
	"testing"
	"time"

	"github.com/aurora-os/aurora/internal/kmetrics"
	"github.com/aurora-os/aurora/internal/ktime"
	"github.com/aurora-os/aurora/internal/mm"
	"github.com/aurora-os/aurora/internal/proc"
	"github.com/aurora-os/aurora/internal/sbi"
	"github.com/aurora-os/aurora/internal/sched"
)

const testUserVA = mm.VirtAddr(0x1000)

// testHarness wires a Dispatcher over real mm/sched/proc instances plus a
// single mapped user page at testUserVA, the same shape futex_test.go
// uses for sched but with the extra plumbing the syscall layer needs to
// copy buffers to and from "user" memory.
type testHarness struct {
	d    *Dispatcher
	sch  *sched.Scheduler
	mmgr *mm.Manager
	fsbi *sbi.FakeSBI
	root mm.PhysAddr
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	clock, _ := ktime.New(10_000_000, 10)
	metrics := kmetrics.New(time.Now())
	sc := sched.New(clock, metrics)

	mgr := mm.NewManager(4<<20, 1<<20)
	pa, err := mgr.Frames.Alloc()
	if err != nil {
		t.Fatalf("alloc user page: %v", err)
	}
	rootPA, err := mgr.Frames.Alloc()
	if err != nil {
		t.Fatalf("alloc root table: %v", err)
	}
	mgr.Phys.Zero(rootPA, mm.PageSize)
	if err := mgr.MapUserData(rootPA, testUserVA, pa); err != nil {
		t.Fatalf("map user page: %v", err)
	}

	fsbi := sbi.NewFakeSBI()
	procTable := proc.NewTable()
	files := NewFileTable()
	sockets := NewSocketTable()

	h := &testHarness{sch: sc, mmgr: mgr, fsbi: fsbi, root: rootPA}
	deps := Deps{
		MM:            mgr,
		Scheduler:     sc,
		Proc:          procTable,
		SBI:           fsbi,
		Metrics:       metrics,
		Files:         files,
		Sockets:       sockets,
		CurrentRootPA: func() mm.PhysAddr { return h.root },
	}
	h.d = NewDispatcher(deps)
	return h
}

func (h *testHarness) spawnAndSchedule(t *testing.T) sched.TaskID {
	t.Helper()
	id, ok := h.sch.Spawn()
	if !ok {
		t.Fatalf("spawn task")
	}
	if got := h.sch.Schedule(); got != id {
		t.Fatalf("schedule returned %v, want %v", got, id)
	}
	return id
}

func (h *testHarness) writeUser(t *testing.T, offset uint64, data []byte) {
	t.Helper()
	if err := h.mmgr.CopyToUser(h.root, mm.VirtAddr(uint64(testUserVA)+offset), data); err != nil {
		t.Fatalf("writeUser: %v", err)
	}
}

func (h *testHarness) readUser(t *testing.T, offset uint64, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if err := h.mmgr.CopyFromUser(h.root, mm.VirtAddr(uint64(testUserVA)+offset), buf); err != nil {
		t.Fatalf("readUser: %v", err)
	}
	return buf
}
