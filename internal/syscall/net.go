package syscall

import (
	"sync"

	"github.com/aurora-os/aurora/internal/kconfig"
	"github.com/aurora-os/aurora/internal/kerrors"
	"github.com/aurora-os/aurora/internal/mm"
)

// netAddr is a decoded sockaddr_in: AF_INET, 16 bytes, big-endian port and
// IPv4 address, per the socket address format this kernel supports.
type netAddr struct {
	ip   [4]byte
	port uint16
}

func (a netAddr) key() uint64 {
	return uint64(a.ip[0])<<40 | uint64(a.ip[1])<<32 | uint64(a.ip[2])<<24 | uint64(a.ip[3])<<16 | uint64(a.port)
}

func decodeSockaddrIn(buf []byte) netAddr {
	var a netAddr
	if len(buf) < 8 {
		return a
	}
	a.port = beUint16(buf[2:4])
	copy(a.ip[:], buf[4:8])
	return a
}

func encodeSockaddrIn(a netAddr) []byte {
	buf := make([]byte, 16)
	putLeUint16(buf[0:2], AFInet)
	putBeUint16(buf[2:4], a.port)
	copy(buf[4:8], a.ip[:])
	return buf
}

type datagram struct {
	from netAddr
	data []byte
}

type socketEntry struct {
	used      bool
	sockType  int
	local     netAddr
	bound     bool
	remote    netAddr
	connected bool
	listening bool
	backlog   []netAddr  // pending connect requests, stream sockets only
	recv      []datagram // inbound datagrams/stream bytes waiting to be read
}

// SocketTable is Aurora's socket layer: AF_INET only, loopback-only
// delivery (sendto looks up a locally bound socket by destination address
// and enqueues directly; nothing reaches a real network stack or
// virtio-net unless DeliverPacket is wired in front of it by boot). This
// is enough to exercise the full socket syscall surface with
// deterministic, test-friendly behavior.
type SocketTable struct {
	mu      sync.Mutex
	sockets [kconfig.MaxSockets]socketEntry
	byAddr  map[uint64]int
}

// NewSocketTable creates an empty socket table.
func NewSocketTable() *SocketTable {
	return &SocketTable{byAddr: make(map[uint64]int)}
}

func (t *SocketTable) alloc() int {
	for i := 0; i < kconfig.MaxSockets; i++ {
		if !t.sockets[i].used {
			return i
		}
	}
	return -1
}

func (d *Dispatcher) sysSocket(ctx Context) (uint64, bool, error) {
	domain := int(ctx.Args[0])
	sockType := int(ctx.Args[1]) & 0xff
	if domain != AFInet {
		return 0, false, kerrors.New(subsystem, "socket", kerrors.CodeInval, "only AF_INET is supported")
	}
	st := d.deps.Sockets
	st.mu.Lock()
	defer st.mu.Unlock()
	fd := st.alloc()
	if fd < 0 {
		return 0, false, kerrors.New(subsystem, "socket", kerrors.CodeNoMem, "socket table full")
	}
	st.sockets[fd] = socketEntry{used: true, sockType: sockType}
	return uint64(fd), false, nil
}

func (d *Dispatcher) socketAddrArg(ptr, length uint64) (netAddr, error) {
	if length < 8 {
		return netAddr{}, kerrors.New(subsystem, "socket", kerrors.CodeInval, "sockaddr too short")
	}
	buf := make([]byte, 16)
	if err := d.deps.MM.CopyFromUser(d.deps.CurrentRootPA(), mm.VirtAddr(ptr), buf); err != nil {
		return netAddr{}, err
	}
	return decodeSockaddrIn(buf), nil
}

func (d *Dispatcher) sysBind(ctx Context) (uint64, bool, error) {
	fd := int(ctx.Args[0])
	addr, err := d.socketAddrArg(ctx.Args[1], ctx.Args[2])
	if err != nil {
		return 0, false, err
	}
	st := d.deps.Sockets
	st.mu.Lock()
	defer st.mu.Unlock()
	if fd < 0 || fd >= kconfig.MaxSockets || !st.sockets[fd].used {
		return 0, false, kerrors.New(subsystem, "bind", kerrors.CodeBadFd, "bad file descriptor")
	}
	if _, taken := st.byAddr[addr.key()]; taken {
		return 0, false, kerrors.New(subsystem, "bind", kerrors.CodeInval, "address in use")
	}
	st.sockets[fd].local = addr
	st.sockets[fd].bound = true
	st.byAddr[addr.key()] = fd
	return 0, false, nil
}

func (d *Dispatcher) sysListen(ctx Context) (uint64, bool, error) {
	fd := int(ctx.Args[0])
	st := d.deps.Sockets
	st.mu.Lock()
	defer st.mu.Unlock()
	if fd < 0 || fd >= kconfig.MaxSockets || !st.sockets[fd].used {
		return 0, false, kerrors.New(subsystem, "listen", kerrors.CodeBadFd, "bad file descriptor")
	}
	if !st.sockets[fd].bound {
		return 0, false, kerrors.New(subsystem, "listen", kerrors.CodeInval, "socket not bound")
	}
	st.sockets[fd].listening = true
	return 0, false, nil
}

// sysConnect for a stream socket queues a pending connection on the
// target listener (purely local bookkeeping, no handshake); for a
// datagram socket it just records the default destination address for
// subsequent send/recv without an address argument.
func (d *Dispatcher) sysConnect(ctx Context) (uint64, bool, error) {
	fd := int(ctx.Args[0])
	addr, err := d.socketAddrArg(ctx.Args[1], ctx.Args[2])
	if err != nil {
		return 0, false, err
	}
	st := d.deps.Sockets
	st.mu.Lock()
	defer st.mu.Unlock()
	if fd < 0 || fd >= kconfig.MaxSockets || !st.sockets[fd].used {
		return 0, false, kerrors.New(subsystem, "connect", kerrors.CodeBadFd, "bad file descriptor")
	}
	s := &st.sockets[fd]
	s.remote = addr
	s.connected = true
	if s.sockType == SockStream {
		listenerFd, ok := st.byAddr[addr.key()]
		if !ok || !st.sockets[listenerFd].listening {
			return 0, false, kerrors.New(subsystem, "connect", kerrors.CodeFault, "connection refused")
		}
		st.sockets[listenerFd].backlog = append(st.sockets[listenerFd].backlog, s.local)
	}
	return 0, false, nil
}

// sysAccept pops one pending connection off a listening socket's backlog
// and hands back a fresh connected socket. The new socket's remote
// address is whatever local address the connecting peer recorded, which
// is enough for loopback stream traffic.
func (d *Dispatcher) sysAccept(ctx Context) (uint64, bool, error) {
	fd := int(ctx.Args[0])
	st := d.deps.Sockets
	st.mu.Lock()
	defer st.mu.Unlock()
	if fd < 0 || fd >= kconfig.MaxSockets || !st.sockets[fd].used || !st.sockets[fd].listening {
		return 0, false, kerrors.New(subsystem, "accept", kerrors.CodeBadFd, "not a listening socket")
	}
	listener := &st.sockets[fd]
	if len(listener.backlog) == 0 {
		return 0, false, kerrors.New(subsystem, "accept", kerrors.CodeWouldBlock, "no pending connections")
	}
	peer := listener.backlog[0]
	listener.backlog = listener.backlog[1:]

	newFd := st.alloc()
	if newFd < 0 {
		return 0, false, kerrors.New(subsystem, "accept", kerrors.CodeNoMem, "socket table full")
	}
	st.sockets[newFd] = socketEntry{used: true, sockType: SockStream, local: listener.local, remote: peer, connected: true}
	return uint64(newFd), false, nil
}

func (d *Dispatcher) sysSendto(ctx Context) (uint64, bool, error) {
	fd := int(ctx.Args[0])
	length := ctx.Args[2]
	buf := make([]byte, length)
	if err := d.deps.MM.CopyFromUser(d.deps.CurrentRootPA(), mm.VirtAddr(ctx.Args[1]), buf); err != nil {
		return 0, false, err
	}

	st := d.deps.Sockets
	st.mu.Lock()
	defer st.mu.Unlock()
	if fd < 0 || fd >= kconfig.MaxSockets || !st.sockets[fd].used {
		return 0, false, kerrors.New(subsystem, "sendto", kerrors.CodeBadFd, "bad file descriptor")
	}
	s := &st.sockets[fd]

	dest := s.remote
	if ctx.Args[4] != 0 {
		addrBuf := make([]byte, 16)
		if err := d.deps.MM.CopyFromUser(d.deps.CurrentRootPA(), mm.VirtAddr(ctx.Args[4]), addrBuf); err != nil {
			return 0, false, err
		}
		dest = decodeSockaddrIn(addrBuf)
	}
	destFd, ok := st.byAddr[dest.key()]
	if !ok {
		// No local socket bound at that address: dropped, same as a
		// real UDP datagram into the void. Not an error from the
		// sender's point of view.
		return uint64(len(buf)), false, nil
	}
	st.sockets[destFd].recv = append(st.sockets[destFd].recv, datagram{from: s.local, data: buf})
	return uint64(len(buf)), false, nil
}

func (d *Dispatcher) sysRecvfrom(ctx Context) (uint64, bool, error) {
	fd := int(ctx.Args[0])
	length := ctx.Args[2]

	st := d.deps.Sockets
	st.mu.Lock()
	if fd < 0 || fd >= kconfig.MaxSockets || !st.sockets[fd].used {
		st.mu.Unlock()
		return 0, false, kerrors.New(subsystem, "recvfrom", kerrors.CodeBadFd, "bad file descriptor")
	}
	s := &st.sockets[fd]
	if len(s.recv) == 0 {
		st.mu.Unlock()
		return 0, false, kerrors.New(subsystem, "recvfrom", kerrors.CodeAgain, "no datagrams pending")
	}
	dg := s.recv[0]
	s.recv = s.recv[1:]
	st.mu.Unlock()

	n := uint64(len(dg.data))
	if n > length {
		n = length
	}
	if err := d.deps.MM.CopyToUser(d.deps.CurrentRootPA(), mm.VirtAddr(ctx.Args[1]), dg.data[:n]); err != nil {
		return 0, false, err
	}
	if srcAddrPtr := ctx.Args[4]; srcAddrPtr != 0 {
		if err := d.deps.MM.CopyToUser(d.deps.CurrentRootPA(), mm.VirtAddr(srcAddrPtr), encodeSockaddrIn(dg.from)); err != nil {
			return 0, false, err
		}
	}
	return n, false, nil
}

// setsockopt/getsockopt are accepted but not modeled: every option is a
// silent no-op (setsockopt) or reports disabled/zero (getsockopt), which
// matches how most user programs treat optional tuning knobs (SO_REUSEADDR
// and friends) on a kernel that doesn't need them.
func (d *Dispatcher) sysSetsockopt(ctx Context) (uint64, bool, error) {
	return 0, false, nil
}

func (d *Dispatcher) sysGetsockopt(ctx Context) (uint64, bool, error) {
	optvalPtr := ctx.Args[3]
	optlenPtr := ctx.Args[4]
	if optvalPtr != 0 && optlenPtr != 0 {
		zero := []byte{0, 0, 0, 0}
		if err := d.deps.MM.CopyToUser(d.deps.CurrentRootPA(), mm.VirtAddr(optvalPtr), zero); err != nil {
			return 0, false, err
		}
		four := make([]byte, 4)
		putLeUint32(four, 4)
		if err := d.deps.MM.CopyToUser(d.deps.CurrentRootPA(), mm.VirtAddr(optlenPtr), four); err != nil {
			return 0, false, err
		}
	}
	return 0, false, nil
}

// msghdr layout (riscv64 LP64): msg_name(8) msg_namelen(4) pad(4)
// msg_iov(8) msg_iovlen(8) msg_control(8) msg_controllen(8) msg_flags(4).
// sendmsg/recvmsg only support a single iovec, which covers every user
// program this kernel runs.
type msgHdr struct {
	namePtr uint64
	nameLen uint32
	iovPtr  uint64
	iovLen  uint64
}

func (d *Dispatcher) readMsgHdr(ptr uint64) (msgHdr, error) {
	buf := make([]byte, 56)
	if err := d.deps.MM.CopyFromUser(d.deps.CurrentRootPA(), mm.VirtAddr(ptr), buf); err != nil {
		return msgHdr{}, err
	}
	return msgHdr{
		namePtr: leUint64(buf[0:8]),
		nameLen: leUint32(buf[8:12]),
		iovPtr:  leUint64(buf[16:24]),
		iovLen:  leUint64(buf[24:32]),
	}, nil
}

func (d *Dispatcher) readIovecBase(iovPtr uint64) (uint64, uint64, error) {
	buf := make([]byte, 16)
	if err := d.deps.MM.CopyFromUser(d.deps.CurrentRootPA(), mm.VirtAddr(iovPtr), buf); err != nil {
		return 0, 0, err
	}
	return leUint64(buf[0:8]), leUint64(buf[8:16]), nil
}

func (d *Dispatcher) sysSendmsg(ctx Context) (uint64, bool, error) {
	hdr, err := d.readMsgHdr(ctx.Args[1])
	if err != nil {
		return 0, false, err
	}
	if hdr.iovLen == 0 {
		return 0, false, nil
	}
	base, length, err := d.readIovecBase(hdr.iovPtr)
	if err != nil {
		return 0, false, err
	}
	sendCtx := ctx
	sendCtx.Args[1] = base
	sendCtx.Args[2] = length
	if hdr.namePtr != 0 {
		sendCtx.Args[4] = hdr.namePtr
	} else {
		sendCtx.Args[4] = 0
	}
	return d.sysSendto(sendCtx)
}

func (d *Dispatcher) sysRecvmsg(ctx Context) (uint64, bool, error) {
	hdr, err := d.readMsgHdr(ctx.Args[1])
	if err != nil {
		return 0, false, err
	}
	if hdr.iovLen == 0 {
		return 0, false, nil
	}
	base, length, err := d.readIovecBase(hdr.iovPtr)
	if err != nil {
		return 0, false, err
	}
	recvCtx := ctx
	recvCtx.Args[1] = base
	recvCtx.Args[2] = length
	recvCtx.Args[4] = hdr.namePtr
	return d.sysRecvfrom(recvCtx)
}

// mmsghdrStride is sizeof(struct mmsghdr): a 56-byte msghdr followed by a
// 4-byte msg_len, padded to 8-byte alignment.
const mmsghdrStride = 64

// sysSendmmsg sends each mmsghdr in turn via sysSendmsg and stops at the
// first one that fails, returning how many were sent successfully - vlen
// batching collapsed into a simple loop since nothing here needs the
// syscall to be a single atomic batch.
func (d *Dispatcher) sysSendmmsg(ctx Context) (uint64, bool, error) {
	vlen := ctx.Args[2]
	base := ctx.Args[1]
	var sent uint64
	for i := uint64(0); i < vlen; i++ {
		entryPtr := base + i*mmsghdrStride
		msgCtx := ctx
		msgCtx.Args[1] = entryPtr
		n, _, err := d.sysSendmsg(msgCtx)
		if err != nil {
			if sent == 0 {
				return 0, false, err
			}
			break
		}
		lenBuf := make([]byte, 4)
		putLeUint32(lenBuf, uint32(n))
		if err := d.deps.MM.CopyToUser(d.deps.CurrentRootPA(), mm.VirtAddr(entryPtr+56), lenBuf); err != nil {
			return 0, false, err
		}
		sent++
	}
	return sent, false, nil
}

// sysRecvmmsg receives up to vlen messages without blocking past the
// first one that has nothing pending, same non-batching rationale as
// sysSendmmsg.
func (d *Dispatcher) sysRecvmmsg(ctx Context) (uint64, bool, error) {
	vlen := ctx.Args[2]
	base := ctx.Args[1]
	var received uint64
	for i := uint64(0); i < vlen; i++ {
		entryPtr := base + i*mmsghdrStride
		msgCtx := ctx
		msgCtx.Args[1] = entryPtr
		n, _, err := d.sysRecvmsg(msgCtx)
		if err != nil {
			if received == 0 {
				return 0, false, err
			}
			break
		}
		lenBuf := make([]byte, 4)
		putLeUint32(lenBuf, uint32(n))
		if err := d.deps.MM.CopyToUser(d.deps.CurrentRootPA(), mm.VirtAddr(entryPtr+56), lenBuf); err != nil {
			return 0, false, err
		}
		received++
	}
	return received, false, nil
}

// sysPpoll reports readability for every socket fd in the caller-supplied
// pollfd array that already has a datagram queued; it never actually
// blocks, since this kernel's socket traffic is all synchronously
// delivered by sendto in the same trap it's sent from.
func (d *Dispatcher) sysPpoll(ctx Context) (uint64, bool, error) {
	fdsPtr := ctx.Args[0]
	nfds := ctx.Args[1]
	if nfds == 0 {
		return 0, false, nil
	}
	const pollfdSize = 8 // fd(4) events(2) revents(2)
	buf := make([]byte, nfds*pollfdSize)
	if err := d.deps.MM.CopyFromUser(d.deps.CurrentRootPA(), mm.VirtAddr(fdsPtr), buf); err != nil {
		return 0, false, err
	}

	st := d.deps.Sockets
	const pollin = 0x1
	ready := uint64(0)
	for i := uint64(0); i < nfds; i++ {
		rec := buf[i*pollfdSize : i*pollfdSize+pollfdSize]
		fd := int(int32(leUint32(rec[0:4])))
		st.mu.Lock()
		has := fd >= 0 && fd < kconfig.MaxSockets && st.sockets[fd].used && len(st.sockets[fd].recv) > 0
		st.mu.Unlock()
		if has {
			putLeUint16(rec[6:8], pollin)
			ready++
		} else {
			putLeUint16(rec[6:8], 0)
		}
	}
	if err := d.deps.MM.CopyToUser(d.deps.CurrentRootPA(), mm.VirtAddr(fdsPtr), buf); err != nil {
		return 0, false, err
	}
	return ready, false, nil
}
