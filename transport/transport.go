// Package transport owns the UDP socket of one identity.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"spider/arena"
	"spider/krpc"
	"spider/logger"
)

var (
	totalSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spider_udp_packets_sent_total",
		Help: "Datagrams written.",
	})
	totalReadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spider_udp_read_bytes_total",
		Help: "Bytes read from UDP sockets.",
	})
	totalWrittenBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spider_udp_written_bytes_total",
		Help: "Bytes written to UDP sockets.",
	})
	totalWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spider_udp_write_errors_total",
		Help: "Failed datagram writes.",
	})
)

// Sender writes a datagram to a remote address. Sending is fire-and-forget.
type Sender interface {
	WriteTo(b []byte, addr net.UDPAddr) error
}

// Packet is a datagram read from the socket. B comes from the transport's
// arena; hand it back with Release once processed.
type Packet struct {
	B     []byte
	Raddr net.UDPAddr
}

type Transport struct {
	socket *net.UDPConn
	arena  *arena.Arena
	log    logger.DebugLogger
}

// Listen binds proto (udp4 or udp6) on addr:port. Port 0 picks a free port.
func Listen(addr string, listenPort int, proto string, log logger.DebugLogger) (*Transport, error) {
	if log == nil {
		log = &logger.NullLogger{}
	}
	log.Debugf("DHT: Listening for peers on IP: %s port: %d Protocol=%s", addr, listenPort, proto)
	listener, err := net.ListenPacket(proto, net.JoinHostPort(addr, strconv.Itoa(listenPort)))
	if err != nil {
		return nil, fmt.Errorf("listen %s %s:%d: %w", proto, addr, listenPort, err)
	}
	return &Transport{
		socket: listener.(*net.UDPConn),
		arena:  arena.NewArena(krpc.MaxUDPPacketSize, 500),
		log:    log,
	}, nil
}

func (t *Transport) LocalAddr() *net.UDPAddr {
	return t.socket.LocalAddr().(*net.UDPAddr)
}

// WriteTo sends b to addr.
func (t *Transport) WriteTo(b []byte, raddr net.UDPAddr) error {
	totalSent.Inc()
	n, err := t.socket.WriteToUDP(b, &raddr)
	if err != nil {
		totalWriteErrors.Inc()
		t.log.Debugf("DHT: node write failed to %+v, error=%s", raddr, err)
		return err
	}
	totalWrittenBytes.Add(float64(n))
	return nil
}

// Release returns a packet buffer to the arena.
func (t *Transport) Release(p Packet) {
	t.arena.Push(p.B)
}

// ReadLoop reads datagrams into out until ctx is done or the socket is
// closed. Packets are delivered in arrival order.
func (t *Transport) ReadLoop(ctx context.Context, out chan<- Packet) {
	for {
		b := t.arena.Pop()
		n, addr, err := t.socket.ReadFromUDP(b)
		if err != nil {
			t.arena.Push(b)
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			t.log.Debugf("DHT: readResponse error:%s", err)
			continue
		}
		b = b[0:n]
		if n == krpc.MaxUDPPacketSize {
			t.log.Debugf("DHT: Warning. Received packet with len >= %d, some data may have been discarded.", krpc.MaxUDPPacketSize)
		}
		totalReadBytes.Add(float64(n))
		if n == 0 {
			t.arena.Push(b)
			continue
		}
		select {
		case out <- Packet{B: b, Raddr: *addr}:
		case <-ctx.Done():
			t.arena.Push(b)
			return
		}
	}
}

// Close unblocks ReadLoop.
func (t *Transport) Close() error {
	return t.socket.Close()
}
