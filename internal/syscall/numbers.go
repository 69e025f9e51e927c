// Package syscall dispatches user ecalls: it reads (nr, a0..a5) off a
// trap.TrapFrame, runs the matching handler, and writes the result (or a
// negative errno) back to a0, mirroring axruntime's syscall.rs dispatch
// shape but with the full numbered surface user-space collaborators
// observe rather than just exit/write.
package syscall

// Syscall numbers, matching the Linux riscv64 ABI values user-space
// binaries are compiled against.
const (
	SysGetcwd     = 17
	SysChdir      = 49
	SysOpenat     = 56
	SysClose      = 57
	SysGetdents64 = 61
	SysLseek      = 62
	SysRead       = 63
	SysWrite      = 64
	SysPwrite64   = 68
	SysPpoll      = 73
	SysNewfstatat = 79
	SysExit       = 93
	SysNanosleep  = 101
	SysFcntl      = 25
	SysSocket     = 198
	SysBind       = 200
	SysListen     = 201
	SysAccept     = 202
	SysConnect    = 203
	SysSendto     = 206
	SysRecvfrom   = 207
	SysSetsockopt = 208
	SysGetsockopt = 209
	SysSendmsg    = 211
	SysRecvmsg    = 212
	SysRecvmmsg   = 243
	SysSendmmsg   = 269
	// SysWait4 is not in the minimum-required list but backs the
	// waitpid(2) libc wrapper user programs actually link against.
	SysWait4 = 260
)

// AtFDCWD is the dirfd value meaning "relative to the current working
// directory" in the *at() syscall family.
const AtFDCWD = -100

// openat flags, bit-exact with their Linux values.
const (
	ORdonly  = 0x0
	OWronly  = 0x1
	ORdwr    = 0x2
	OCreat   = 0x40
	OTrunc   = 0x200
	OAppend  = 0x400
	ONonblock = 0x800
)

// lseek whence values.
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// Socket address family / type constants this kernel understands.
const (
	AFInet     = 2
	SockDgram  = 2
	SockStream = 1
)
