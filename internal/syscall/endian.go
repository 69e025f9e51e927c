package syscall

// Struct layouts copied in and out of user memory (timespec, stat,
// sockaddr_in, dirent) are little-endian on the wire regardless of host
// byte order, same convention as the virtio ring structures.

func leUint16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func leUint64(b []byte) uint64 {
	return uint64(leUint32(b[0:4])) | uint64(leUint32(b[4:8]))<<32
}
func putLeUint16(b []byte, v uint16) { b[0], b[1] = byte(v), byte(v>>8) }
func putLeUint32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}
func putLeUint64(b []byte, v uint64) {
	putLeUint32(b[0:4], uint32(v))
	putLeUint32(b[4:8], uint32(v>>32))
}

// beUint16 decodes sockaddr_in's port field, which is big-endian network
// byte order even though every other struct here is little-endian.
func beUint16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }
func putBeUint16(b []byte, v uint16) { b[0], b[1] = byte(v>>8), byte(v) }
