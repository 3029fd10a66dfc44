package util

import (
	"encoding/binary"
	"net"
	"strconv"
)

// Length of a compact IPv4 peer address: 4 bytes IP + 2 bytes port.
const CompactPeerLen = 6

// DecodePeerAddress transforms the binary-encoded host:port address into a
// human-readable format. So, "abcdef" becomes 97.98.99.100:25958.
func DecodePeerAddress(x string) string {
	return BinaryToDottedPort(x)
}

// BinaryToDottedPort converts a 6-byte compact address into "ip:port". It
// returns "" for any other length.
func BinaryToDottedPort(x string) string {
	if len(x) != CompactPeerLen {
		return ""
	}
	ip := net.IPv4(x[0], x[1], x[2], x[3])
	port := binary.BigEndian.Uint16([]byte(x[4:6]))
	return net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))
}

// DottedPortToBinary converts "ip:port" into its 6-byte compact form. It
// returns "" if the address is not a valid IPv4 host:port.
func DottedPortToBinary(hostPort string) string {
	host, p, err := net.SplitHostPort(hostPort)
	if err != nil {
		return ""
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return ""
	}
	port, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return ""
	}
	return CompactAddr(ip, int(port))
}

// CompactAddr encodes ip and port in compact form. ip must be IPv4.
func CompactAddr(ip net.IP, port int) string {
	ip4 := ip.To4()
	if ip4 == nil {
		return ""
	}
	b := make([]byte, CompactPeerLen)
	copy(b, ip4)
	binary.BigEndian.PutUint16(b[4:], uint16(port))
	return string(b)
}

// UsableAddr reports whether addr can be contacted: non-zero port and a
// specified, non-multicast IP.
func UsableAddr(addr *net.UDPAddr) bool {
	if addr == nil || addr.Port <= 0 || addr.Port > 65535 {
		return false
	}
	if addr.IP == nil || addr.IP.IsUnspecified() || addr.IP.IsMulticast() {
		return false
	}
	return true
}
