package syscall

import (
	"sort"
	"strings"
	"sync"

	"github.com/aurora-os/aurora/internal/kconfig"
	"github.com/aurora-os/aurora/internal/kerrors"
	"github.com/aurora-os/aurora/internal/mm"
)

// inMemoryFile is one entry in the kernel's flat, non-persistent file
// namespace. There is no directory hierarchy or on-disk layout behind
// it - this is scaffolding to give user programs a working openat/read/
// write/lseek surface, not a real filesystem.
type inMemoryFile struct {
	mu   sync.Mutex
	data []byte
}

type fileEntry struct {
	used      bool
	isConsole bool
	consoleFD int
	name      string
	file      *inMemoryFile
	offset    int64
	flags     uint32
	direntPos int // getdents64 cursor into the sorted namespace listing
}

// FileTable is the single-address-space open file descriptor table every
// task shares, since Aurora has exactly one user address space active at
// a time and no notion of per-process fd tables.
type FileTable struct {
	mu    sync.Mutex
	fds   [kconfig.MaxOpenFiles]fileEntry
	names map[string]*inMemoryFile
	cwd   string
}

// NewFileTable creates a file table with fd 0/1/2 pre-opened onto the
// console, matching the stdin/stdout/stderr convention every user program
// expects to find already open at entry.
func NewFileTable() *FileTable {
	t := &FileTable{names: make(map[string]*inMemoryFile), cwd: "/"}
	for fd := 0; fd < 3; fd++ {
		t.fds[fd] = fileEntry{used: true, isConsole: true, consoleFD: fd}
	}
	return t
}

func (t *FileTable) resolve(path string) string {
	if strings.HasPrefix(path, "/") {
		return path
	}
	if t.cwd == "/" {
		return "/" + path
	}
	return t.cwd + "/" + path
}

func (t *FileTable) allocFd() int {
	for i := 3; i < kconfig.MaxOpenFiles; i++ {
		if !t.fds[i].used {
			return i
		}
	}
	return -1
}

func (t *FileTable) get(fd int) (*fileEntry, bool) {
	if fd < 0 || fd >= kconfig.MaxOpenFiles || !t.fds[fd].used {
		return nil, false
	}
	return &t.fds[fd], true
}

func (d *Dispatcher) sysOpenat(ctx Context) (uint64, bool, error) {
	pathBuf := make([]byte, kconfig.MaxPathLen)
	if err := d.deps.MM.CopyFromUser(d.deps.CurrentRootPA(), mm.VirtAddr(ctx.Args[1]), pathBuf); err != nil {
		return 0, false, err
	}
	path := cString(pathBuf)
	flags := uint32(ctx.Args[2])

	ft := d.deps.Files
	ft.mu.Lock()
	defer ft.mu.Unlock()

	full := ft.resolve(path)
	f, exists := ft.names[full]
	if !exists {
		if flags&OCreat == 0 {
			return 0, false, kerrors.New(subsystem, "openat", kerrors.CodeNotFound, "no such file")
		}
		f = &inMemoryFile{}
		ft.names[full] = f
	}
	if flags&OTrunc != 0 {
		f.mu.Lock()
		f.data = nil
		f.mu.Unlock()
	}

	fd := ft.allocFd()
	if fd < 0 {
		return 0, false, kerrors.New(subsystem, "openat", kerrors.CodeNoMem, "file descriptor table full")
	}
	entry := fileEntry{used: true, name: full, file: f, flags: flags}
	if flags&OAppend != 0 {
		f.mu.Lock()
		entry.offset = int64(len(f.data))
		f.mu.Unlock()
	}
	ft.fds[fd] = entry
	return uint64(fd), false, nil
}

func (d *Dispatcher) sysClose(ctx Context) (uint64, bool, error) {
	fd := int(ctx.Args[0])
	ft := d.deps.Files
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if _, ok := ft.get(fd); !ok {
		return 0, false, kerrors.New(subsystem, "close", kerrors.CodeBadFd, "bad file descriptor")
	}
	ft.fds[fd] = fileEntry{}
	return 0, false, nil
}

func (d *Dispatcher) sysWrite(ctx Context) (uint64, bool, error) {
	fd := int(ctx.Args[0])
	count := ctx.Args[2]
	if count == 0 {
		return 0, false, nil
	}
	buf := make([]byte, count)
	if err := d.deps.MM.CopyFromUser(d.deps.CurrentRootPA(), mm.VirtAddr(ctx.Args[1]), buf); err != nil {
		return 0, false, err
	}

	ft := d.deps.Files
	ft.mu.Lock()
	entry, ok := ft.get(fd)
	ft.mu.Unlock()
	if !ok {
		return 0, false, kerrors.New(subsystem, "write", kerrors.CodeBadFd, "bad file descriptor")
	}
	if entry.isConsole {
		if entry.consoleFD != 1 && entry.consoleFD != 2 {
			return 0, false, kerrors.New(subsystem, "write", kerrors.CodeBadFd, "not writable")
		}
		for _, b := range buf {
			d.deps.SBI.ConsolePutChar(b)
		}
		return uint64(len(buf)), false, nil
	}
	n := writeAt(entry.file, entry.offset, buf)
	entry.offset += int64(n)
	return uint64(n), false, nil
}

func (d *Dispatcher) sysPwrite64(ctx Context) (uint64, bool, error) {
	fd := int(ctx.Args[0])
	count := ctx.Args[2]
	off := int64(ctx.Args[3])
	buf := make([]byte, count)
	if err := d.deps.MM.CopyFromUser(d.deps.CurrentRootPA(), mm.VirtAddr(ctx.Args[1]), buf); err != nil {
		return 0, false, err
	}
	ft := d.deps.Files
	ft.mu.Lock()
	entry, ok := ft.get(fd)
	ft.mu.Unlock()
	if !ok {
		return 0, false, kerrors.New(subsystem, "pwrite64", kerrors.CodeBadFd, "bad file descriptor")
	}
	if entry.isConsole {
		return 0, false, kerrors.New(subsystem, "pwrite64", kerrors.CodeInval, "console fd is not seekable")
	}
	n := writeAt(entry.file, off, buf)
	return uint64(n), false, nil
}

func writeAt(f *inMemoryFile, off int64, buf []byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	end := off + int64(len(buf))
	if end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[off:end], buf)
	return len(buf)
}

func (d *Dispatcher) sysRead(ctx Context) (uint64, bool, error) {
	fd := int(ctx.Args[0])
	count := ctx.Args[2]
	ft := d.deps.Files
	ft.mu.Lock()
	entry, ok := ft.get(fd)
	ft.mu.Unlock()
	if !ok {
		return 0, false, kerrors.New(subsystem, "read", kerrors.CodeBadFd, "bad file descriptor")
	}
	if entry.isConsole {
		// No stdin byte stream is modeled; every read reports EOF.
		return 0, false, nil
	}
	entry.file.mu.Lock()
	remaining := int64(len(entry.file.data)) - entry.offset
	if remaining < 0 {
		remaining = 0
	}
	n := count
	if n > uint64(remaining) {
		n = uint64(remaining)
	}
	chunk := append([]byte(nil), entry.file.data[entry.offset:entry.offset+int64(n)]...)
	entry.file.mu.Unlock()
	if n == 0 {
		return 0, false, nil
	}
	if err := d.deps.MM.CopyToUser(d.deps.CurrentRootPA(), mm.VirtAddr(ctx.Args[1]), chunk); err != nil {
		return 0, false, err
	}
	entry.offset += int64(n)
	return n, false, nil
}

func (d *Dispatcher) sysLseek(ctx Context) (uint64, bool, error) {
	fd := int(ctx.Args[0])
	offset := int64(ctx.Args[1])
	whence := int(ctx.Args[2])

	ft := d.deps.Files
	ft.mu.Lock()
	entry, ok := ft.get(fd)
	ft.mu.Unlock()
	if !ok {
		return 0, false, kerrors.New(subsystem, "lseek", kerrors.CodeBadFd, "bad file descriptor")
	}
	if entry.isConsole {
		return 0, false, kerrors.New(subsystem, "lseek", kerrors.CodeInval, "console fd is not seekable")
	}
	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = entry.offset
	case SeekEnd:
		entry.file.mu.Lock()
		base = int64(len(entry.file.data))
		entry.file.mu.Unlock()
	default:
		return 0, false, kerrors.New(subsystem, "lseek", kerrors.CodeInval, "bad whence")
	}
	entry.offset = base + offset
	if entry.offset < 0 {
		entry.offset = 0
	}
	return uint64(entry.offset), false, nil
}

const direntHeaderSize = 19 // ino(8) off(8) reclen(2) type(1), name follows

func (d *Dispatcher) sysGetdents64(ctx Context) (uint64, bool, error) {
	fd := int(ctx.Args[0])
	count := int(ctx.Args[2])

	ft := d.deps.Files
	ft.mu.Lock()
	entry, ok := ft.get(fd)
	if !ok {
		ft.mu.Unlock()
		return 0, false, kerrors.New(subsystem, "getdents64", kerrors.CodeBadFd, "bad file descriptor")
	}
	names := make([]string, 0, len(ft.names))
	for name := range ft.names {
		names = append(names, name)
	}
	sort.Strings(names)
	start := entry.direntPos
	ft.mu.Unlock()

	if start >= len(names) {
		return 0, false, nil
	}

	var out []byte
	produced := 0
	for i := start; i < len(names); i++ {
		base := names[i]
		if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
			base = base[idx+1:]
		}
		nameBytes := append([]byte(base), 0)
		recLen := (direntHeaderSize + len(nameBytes) + 7) &^ 7
		if len(out)+recLen > count {
			break
		}
		rec := make([]byte, recLen)
		putLeUint64(rec[0:8], uint64(i+1))
		putLeUint64(rec[8:16], uint64(i+1))
		putLeUint16(rec[16:18], uint16(recLen))
		rec[18] = 8 // DT_REG
		copy(rec[19:], nameBytes)
		out = append(out, rec...)
		produced++
	}

	ft.mu.Lock()
	entry.direntPos = start + produced
	ft.mu.Unlock()

	if len(out) == 0 {
		return 0, false, nil
	}
	if err := d.deps.MM.CopyToUser(d.deps.CurrentRootPA(), mm.VirtAddr(ctx.Args[1]), out); err != nil {
		return 0, false, err
	}
	return uint64(len(out)), false, nil
}

func (d *Dispatcher) sysChdir(ctx Context) (uint64, bool, error) {
	pathBuf := make([]byte, kconfig.MaxPathLen)
	if err := d.deps.MM.CopyFromUser(d.deps.CurrentRootPA(), mm.VirtAddr(ctx.Args[0]), pathBuf); err != nil {
		return 0, false, err
	}
	path := cString(pathBuf)
	ft := d.deps.Files
	ft.mu.Lock()
	ft.cwd = ft.resolve(path)
	ft.mu.Unlock()
	return 0, false, nil
}

func (d *Dispatcher) sysGetcwd(ctx Context) (uint64, bool, error) {
	size := ctx.Args[1]
	ft := d.deps.Files
	ft.mu.Lock()
	cwd := ft.cwd
	ft.mu.Unlock()

	out := append([]byte(cwd), 0)
	if uint64(len(out)) > size {
		return 0, false, kerrors.New(subsystem, "getcwd", kerrors.CodeInval, "buffer too small")
	}
	if err := d.deps.MM.CopyToUser(d.deps.CurrentRootPA(), mm.VirtAddr(ctx.Args[0]), out); err != nil {
		return 0, false, err
	}
	return uint64(len(out)), false, nil
}

// sysNewfstatat writes a minimal struct stat: only st_mode and st_size
// are meaningful, every other field (device, inode, timestamps, link
// count) is zeroed. This is enough for user programs that check "does
// this exist" and "how big is it" without modeling a real filesystem's
// metadata.
func (d *Dispatcher) sysNewfstatat(ctx Context) (uint64, bool, error) {
	pathBuf := make([]byte, kconfig.MaxPathLen)
	if err := d.deps.MM.CopyFromUser(d.deps.CurrentRootPA(), mm.VirtAddr(ctx.Args[1]), pathBuf); err != nil {
		return 0, false, err
	}
	path := cString(pathBuf)

	ft := d.deps.Files
	ft.mu.Lock()
	full := ft.resolve(path)
	f, ok := ft.names[full]
	ft.mu.Unlock()
	if !ok {
		return 0, false, kerrors.New(subsystem, "newfstatat", kerrors.CodeNotFound, "no such file")
	}
	f.mu.Lock()
	size := len(f.data)
	f.mu.Unlock()

	const statSize = 128
	buf := make([]byte, statSize)
	const sIFREG = 0x8000
	putLeUint32(buf[16:20], sIFREG|0644)
	putLeUint64(buf[48:56], uint64(size))
	if err := d.deps.MM.CopyToUser(d.deps.CurrentRootPA(), mm.VirtAddr(ctx.Args[2]), buf); err != nil {
		return 0, false, err
	}
	return 0, false, nil
}

const (
	fcntlGetfl = 3
	fcntlSetfl = 4
)

func (d *Dispatcher) sysFcntl(ctx Context) (uint64, bool, error) {
	fd := int(ctx.Args[0])
	cmd := ctx.Args[1]

	ft := d.deps.Files
	ft.mu.Lock()
	entry, ok := ft.get(fd)
	ft.mu.Unlock()
	if !ok {
		return 0, false, kerrors.New(subsystem, "fcntl", kerrors.CodeBadFd, "bad file descriptor")
	}
	switch cmd {
	case fcntlGetfl:
		return uint64(entry.flags), false, nil
	case fcntlSetfl:
		entry.flags = uint32(ctx.Args[2])
		return 0, false, nil
	default:
		return 0, false, nil
	}
}

func cString(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
