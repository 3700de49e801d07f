package udx

import (
	"encoding/binary"
	"net"

	"github.com/juju/errors"
)

// Wire format. Every datagram starts with a fixed 16-byte header:
//
//	 0      1               4               8              12              16
//	+------+---------------+---------------+---------------+---------------+
//	| type |   reserved    |     field     |   timestamp   |  dst sock ID  |
//	+------+---------------+---------------+---------------+---------------+
//
// The high bit of the first byte marks control packets. field carries the
// sequence number for data packets and the rejection reason for rejection
// packets. timestamp is microseconds since the sending socket was created.
// dst sock ID pairs the datagram with the destination socket; zero addresses
// the listener on the receiving endpoint.
const (
	headerSize         = 16
	handshakeSize      = headerSize + 24
	controlBit    byte = 0x80

	protocolVersion uint32 = 1
)

type packetType uint8

const (
	packetHandshake packetType = iota + 1
	packetRejection
	packetShutdown
	packetKeepAlive
	packetData
)

func (t packetType) String() string {
	switch t {
	case packetHandshake:
		return "handshake"
	case packetRejection:
		return "rejection"
	case packetShutdown:
		return "shutdown"
	case packetKeepAlive:
		return "keepalive"
	case packetData:
		return "data"
	default:
		return "unknown"
	}
}

func (t packetType) isControl() bool {
	return t != packetData
}

type header struct {
	typ       packetType
	field     uint32
	timestamp uint32
	dstID     SocketID
}

// Handshake request types.
const (
	hsRequest    uint32 = 1
	hsResponse   uint32 = 2
	hsRendezvous uint32 = 3
)

// handshakePayload is carried by packetHandshake datagrams.
type handshakePayload struct {
	version    uint32
	reqType    uint32
	initialSeq uint32
	mtu        uint32
	srcID      SocketID
	cookie     uint32
}

// Rejection reasons carried in the header field of packetRejection.
const (
	rejectionRefused uint32 = 1
	rejectionBusy    uint32 = 2
)

type packet struct {
	header
	payload []byte
	raddr   *net.UDPAddr
}

var (
	errPacketTooShort    = errors.New("packet too short")
	errBadPacketType     = errors.New("bad packet type")
	errBadHandshakeSize  = errors.New("bad handshake payload size")
	errUnknownHSVersion  = errors.New("unknown handshake version")
	errUnknownHSReqType  = errors.New("unknown handshake request type")
	errMarshalBufferSize = errors.New("marshal buffer too small")
)

func (h header) marshal(b []byte) (int, error) {
	if len(b) < headerSize {
		return 0, errors.Trace(errMarshalBufferSize)
	}

	b[0] = byte(h.typ)
	if h.typ.isControl() {
		b[0] |= controlBit
	}

	b[1], b[2], b[3] = 0, 0, 0

	binary.BigEndian.PutUint32(b[4:8], h.field)
	binary.BigEndian.PutUint32(b[8:12], h.timestamp)
	binary.BigEndian.PutUint32(b[12:16], uint32(h.dstID))

	return headerSize, nil
}

func unmarshalHeader(b []byte) (header, error) {
	if len(b) < headerSize {
		return header{}, errors.Annotatef(errPacketTooShort, "len: %d", len(b))
	}

	h := header{
		typ:       packetType(b[0] &^ controlBit),
		field:     binary.BigEndian.Uint32(b[4:8]),
		timestamp: binary.BigEndian.Uint32(b[8:12]),
		dstID:     SocketID(binary.BigEndian.Uint32(b[12:16])),
	}

	if h.typ < packetHandshake || h.typ > packetData {
		return header{}, errors.Annotatef(errBadPacketType, "type: %d", b[0])
	}

	return h, nil
}

func (p handshakePayload) marshal(b []byte) (int, error) {
	if len(b) < handshakeSize-headerSize {
		return 0, errors.Trace(errMarshalBufferSize)
	}

	binary.BigEndian.PutUint32(b[0:4], p.version)
	binary.BigEndian.PutUint32(b[4:8], p.reqType)
	binary.BigEndian.PutUint32(b[8:12], p.initialSeq)
	binary.BigEndian.PutUint32(b[12:16], p.mtu)
	binary.BigEndian.PutUint32(b[16:20], uint32(p.srcID))
	binary.BigEndian.PutUint32(b[20:24], p.cookie)

	return handshakeSize - headerSize, nil
}

func unmarshalHandshake(b []byte) (handshakePayload, error) {
	if len(b) != handshakeSize-headerSize {
		return handshakePayload{}, errors.Annotatef(errBadHandshakeSize, "len: %d", len(b))
	}

	p := handshakePayload{
		version:    binary.BigEndian.Uint32(b[0:4]),
		reqType:    binary.BigEndian.Uint32(b[4:8]),
		initialSeq: binary.BigEndian.Uint32(b[8:12]),
		mtu:        binary.BigEndian.Uint32(b[12:16]),
		srcID:      SocketID(binary.BigEndian.Uint32(b[16:20])),
		cookie:     binary.BigEndian.Uint32(b[20:24]),
	}

	if p.version != protocolVersion {
		return handshakePayload{}, errors.Annotatef(errUnknownHSVersion, "version: %d", p.version)
	}

	if p.reqType < hsRequest || p.reqType > hsRendezvous {
		return handshakePayload{}, errors.Annotatef(errUnknownHSReqType, "type: %d", p.reqType)
	}

	return p, nil
}
