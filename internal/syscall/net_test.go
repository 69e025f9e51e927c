package syscall

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aurora-os/aurora/internal/kerrors"
)

func mustSocket(t *testing.T, h *testHarness) uint64 {
	t.Helper()
	fd, blocked, err := h.d.sysSocket(Context{Nr: SysSocket, Args: [6]uint64{AFInet, SockDgram}})
	require.NoError(t, err)
	require.False(t, blocked)
	return fd
}

func bindSocket(t *testing.T, h *testHarness, fd uint64, offset uint64, port uint16) {
	t.Helper()
	addr := encodeSockaddrIn(netAddr{ip: [4]byte{127, 0, 0, 1}, port: port})
	h.writeUser(t, offset, addr)
	_, blocked, err := h.d.sysBind(Context{Nr: SysBind, Args: [6]uint64{fd, uint64(testUserVA) + offset, uint64(len(addr))}})
	require.NoError(t, err)
	require.False(t, blocked)
}

func TestSocketBindSendtoRecvfromDeliversDatagram(t *testing.T) {
	h := newTestHarness(t)
	server := mustSocket(t, h)
	bindSocket(t, h, server, 0, 9000)

	client := mustSocket(t, h)

	payload := []byte("ping")
	h.writeUser(t, 0x100, payload)
	destAddr := encodeSockaddrIn(netAddr{ip: [4]byte{127, 0, 0, 1}, port: 9000})
	h.writeUser(t, 0x200, destAddr)

	n, blocked, err := h.d.sysSendto(Context{Nr: SysSendto, Args: [6]uint64{
		client, uint64(testUserVA) + 0x100, uint64(len(payload)), 0, uint64(testUserVA) + 0x200, uint64(len(destAddr)),
	}})
	require.NoError(t, err)
	require.False(t, blocked)
	require.Equal(t, uint64(len(payload)), n)

	n, blocked, err = h.d.sysRecvfrom(Context{Nr: SysRecvfrom, Args: [6]uint64{
		server, uint64(testUserVA) + 0x300, 64, 0, uint64(testUserVA) + 0x400, 0,
	}})
	require.NoError(t, err)
	require.False(t, blocked)
	require.Equal(t, uint64(len(payload)), n)
	require.Equal(t, payload, h.readUser(t, 0x300, len(payload)))

	fromAddr := h.readUser(t, 0x400, 16)
	require.Equal(t, uint16(AFInet), leUint16(fromAddr[0:2]))
}

func TestRecvfromWithNoDatagramPendingReturnsAgain(t *testing.T) {
	h := newTestHarness(t)
	server := mustSocket(t, h)
	bindSocket(t, h, server, 0, 9100)

	_, _, err := h.d.sysRecvfrom(Context{Nr: SysRecvfrom, Args: [6]uint64{server, uint64(testUserVA) + 0x300, 64}})
	require.True(t, kerrors.IsCode(err, kerrors.CodeAgain))
}

func TestSendtoToUnboundAddressIsDroppedNotAnError(t *testing.T) {
	h := newTestHarness(t)
	client := mustSocket(t, h)

	payload := []byte("x")
	h.writeUser(t, 0x100, payload)
	destAddr := encodeSockaddrIn(netAddr{ip: [4]byte{127, 0, 0, 1}, port: 12345})
	h.writeUser(t, 0x200, destAddr)

	n, _, err := h.d.sysSendto(Context{Nr: SysSendto, Args: [6]uint64{
		client, uint64(testUserVA) + 0x100, uint64(len(payload)), 0, uint64(testUserVA) + 0x200, uint64(len(destAddr)),
	}})
	require.NoError(t, err)
	require.Equal(t, uint64(len(payload)), n)
}

func TestBindSameAddressTwiceFails(t *testing.T) {
	h := newTestHarness(t)
	a := mustSocket(t, h)
	bindSocket(t, h, a, 0, 9200)

	b := mustSocket(t, h)
	addr := encodeSockaddrIn(netAddr{ip: [4]byte{127, 0, 0, 1}, port: 9200})
	h.writeUser(t, 0x500, addr)
	_, _, err := h.d.sysBind(Context{Nr: SysBind, Args: [6]uint64{b, uint64(testUserVA) + 0x500, uint64(len(addr))}})
	require.True(t, kerrors.IsCode(err, kerrors.CodeInval))
}

func TestListenAcceptConnectStreamHandshake(t *testing.T) {
	h := newTestHarness(t)
	listenerFd, blocked, err := h.d.sysSocket(Context{Nr: SysSocket, Args: [6]uint64{AFInet, SockStream}})
	require.NoError(t, err)
	require.False(t, blocked)
	bindSocket(t, h, listenerFd, 0, 9300)
	_, _, err = h.d.sysListen(Context{Nr: SysListen, Args: [6]uint64{listenerFd, 1}})
	require.NoError(t, err)

	clientFd, _, err := h.d.sysSocket(Context{Nr: SysSocket, Args: [6]uint64{AFInet, SockStream}})
	require.NoError(t, err)
	bindSocket(t, h, clientFd, 0x100, 9400)

	serverAddr := encodeSockaddrIn(netAddr{ip: [4]byte{127, 0, 0, 1}, port: 9300})
	h.writeUser(t, 0x200, serverAddr)
	_, _, err = h.d.sysConnect(Context{Nr: SysConnect, Args: [6]uint64{clientFd, uint64(testUserVA) + 0x200, uint64(len(serverAddr))}})
	require.NoError(t, err)

	acceptedFd, _, err := h.d.sysAccept(Context{Nr: SysAccept, Args: [6]uint64{listenerFd}})
	require.NoError(t, err)
	require.NotEqual(t, listenerFd, acceptedFd)
}

func TestAcceptWithNoPendingConnectionReturnsWouldBlock(t *testing.T) {
	h := newTestHarness(t)
	listenerFd, _, err := h.d.sysSocket(Context{Nr: SysSocket, Args: [6]uint64{AFInet, SockStream}})
	require.NoError(t, err)
	bindSocket(t, h, listenerFd, 0, 9500)
	_, _, err = h.d.sysListen(Context{Nr: SysListen, Args: [6]uint64{listenerFd, 1}})
	require.NoError(t, err)

	_, _, err = h.d.sysAccept(Context{Nr: SysAccept, Args: [6]uint64{listenerFd}})
	require.True(t, kerrors.IsCode(err, kerrors.CodeWouldBlock))
}

func TestSendmsgRecvmsgRoundTripSingleIovec(t *testing.T) {
	h := newTestHarness(t)
	server := mustSocket(t, h)
	bindSocket(t, h, server, 0, 9600)
	client := mustSocket(t, h)

	payload := []byte("msg payload")
	h.writeUser(t, 0x100, payload)

	iov := make([]byte, 16)
	putLeUint64(iov[0:8], uint64(testUserVA)+0x100)
	putLeUint64(iov[8:16], uint64(len(payload)))
	h.writeUser(t, 0x180, iov)

	destAddr := encodeSockaddrIn(netAddr{ip: [4]byte{127, 0, 0, 1}, port: 9600})
	h.writeUser(t, 0x200, destAddr)

	hdr := make([]byte, 56)
	putLeUint64(hdr[0:8], uint64(testUserVA)+0x200)
	putLeUint32(hdr[8:12], uint32(len(destAddr)))
	putLeUint64(hdr[16:24], uint64(testUserVA)+0x180)
	putLeUint64(hdr[24:32], 1)
	h.writeUser(t, 0x300, hdr)

	n, blocked, err := h.d.sysSendmsg(Context{Nr: SysSendmsg, Args: [6]uint64{client, uint64(testUserVA) + 0x300}})
	require.NoError(t, err)
	require.False(t, blocked)
	require.Equal(t, uint64(len(payload)), n)

	recvIov := make([]byte, 16)
	putLeUint64(recvIov[0:8], uint64(testUserVA)+0x400)
	putLeUint64(recvIov[8:16], 64)
	h.writeUser(t, 0x480, recvIov)

	recvHdr := make([]byte, 56)
	putLeUint64(recvHdr[16:24], uint64(testUserVA)+0x480)
	putLeUint64(recvHdr[24:32], 1)
	h.writeUser(t, 0x500, recvHdr)

	n, blocked, err = h.d.sysRecvmsg(Context{Nr: SysRecvmsg, Args: [6]uint64{server, uint64(testUserVA) + 0x500}})
	require.NoError(t, err)
	require.False(t, blocked)
	require.Equal(t, uint64(len(payload)), n)
	require.Equal(t, payload, h.readUser(t, 0x400, len(payload)))
}

func TestPpollReportsReadableSocketsWithoutBlocking(t *testing.T) {
	h := newTestHarness(t)
	server := mustSocket(t, h)
	bindSocket(t, h, server, 0, 9700)
	client := mustSocket(t, h)

	payload := []byte("poke")
	h.writeUser(t, 0x100, payload)
	destAddr := encodeSockaddrIn(netAddr{ip: [4]byte{127, 0, 0, 1}, port: 9700})
	h.writeUser(t, 0x200, destAddr)
	_, _, err := h.d.sysSendto(Context{Nr: SysSendto, Args: [6]uint64{
		client, uint64(testUserVA) + 0x100, uint64(len(payload)), 0, uint64(testUserVA) + 0x200, uint64(len(destAddr)),
	}})
	require.NoError(t, err)

	pollfds := make([]byte, 16)
	putLeUint32(pollfds[0:4], uint32(server))
	putLeUint32(pollfds[8:12], uint32(client))
	h.writeUser(t, 0x600, pollfds)

	ready, blocked, err := h.d.sysPpoll(Context{Nr: SysPpoll, Args: [6]uint64{uint64(testUserVA) + 0x600, 2}})
	require.NoError(t, err)
	require.False(t, blocked)
	require.Equal(t, uint64(1), ready)

	out := h.readUser(t, 0x600, 16)
	require.Equal(t, uint16(0x1), leUint16(out[6:8]))
	require.Equal(t, uint16(0), leUint16(out[14:16]))
}
