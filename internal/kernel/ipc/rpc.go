// RPC framing and dispatch on top of the raw IPC packet, per spec §4.11
// "RPC framing": a fixed gracht-style header, inline scalar arguments, and a
// variable payload region, with responses delivered over a response ring
// exported by the caller as a separate SHM handle.
package ipc

import (
	"encoding/binary"

	"github.com/mollenos/valicore/internal/kernel/handle"
	kerrors "github.com/mollenos/valicore/pkg/errors"
)

// GrachtMagic tags every RPC message header so a receiver can distinguish a
// gracht-framed request from raw bytes on the same IPC context.
const GrachtMagic uint32 = 0x47524348 // "GRCH"

// headerSize is the encoded byte width of Header.
const headerSize = 4 + 1 + 1 + 4 + 4

// Header is spec §4.11's fixed RPC header.
type Header struct {
	Magic    uint32
	Protocol uint8
	Action   uint8
	Length   uint32 // total encoded message length, header included
	Flags    uint32
}

// Message is a decoded gracht request/response: a header, small inline
// scalar arguments, and a variable-length payload region for buffers.
type Message struct {
	Header  Header
	Args    [][]byte // each inline argument, already scalar-sized
	Payload []byte
}

// EncodeMessage serializes msg as [header][arg-count][len+arg]...[payload].
func EncodeMessage(msg Message) []byte {
	size := headerSize + 4
	for _, a := range msg.Args {
		size += 4 + len(a)
	}
	size += len(msg.Payload)

	buf := make([]byte, size)
	off := 0
	binary.BigEndian.PutUint32(buf[off:], msg.Header.Magic)
	off += 4
	buf[off] = msg.Header.Protocol
	off++
	buf[off] = msg.Header.Action
	off++
	binary.BigEndian.PutUint32(buf[off:], uint32(size))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], msg.Header.Flags)
	off += 4

	binary.BigEndian.PutUint32(buf[off:], uint32(len(msg.Args)))
	off += 4
	for _, a := range msg.Args {
		binary.BigEndian.PutUint32(buf[off:], uint32(len(a)))
		off += 4
		copy(buf[off:], a)
		off += len(a)
	}
	copy(buf[off:], msg.Payload)
	return buf
}

// DecodeMessage parses the wire format EncodeMessage produces.
func DecodeMessage(raw []byte) (Message, error) {
	if len(raw) < headerSize+4 {
		return Message{}, kerrors.Newf(kerrors.InvalidProtocol, "gracht: message shorter than header")
	}
	off := 0
	var h Header
	h.Magic = binary.BigEndian.Uint32(raw[off:])
	off += 4
	h.Protocol = raw[off]
	off++
	h.Action = raw[off]
	off++
	h.Length = binary.BigEndian.Uint32(raw[off:])
	off += 4
	h.Flags = binary.BigEndian.Uint32(raw[off:])
	off += 4

	if h.Magic != GrachtMagic {
		return Message{}, kerrors.Newf(kerrors.InvalidProtocol, "gracht: bad magic %#x", h.Magic)
	}
	if int(h.Length) != len(raw) {
		return Message{}, kerrors.Newf(kerrors.InvalidProtocol, "gracht: header length %d does not match frame size %d", h.Length, len(raw))
	}

	argc := binary.BigEndian.Uint32(raw[off:])
	off += 4
	args := make([][]byte, 0, argc)
	for i := uint32(0); i < argc; i++ {
		if off+4 > len(raw) {
			return Message{}, kerrors.Newf(kerrors.InvalidProtocol, "gracht: truncated argument table")
		}
		n := binary.BigEndian.Uint32(raw[off:])
		off += 4
		if off+int(n) > len(raw) {
			return Message{}, kerrors.Newf(kerrors.InvalidProtocol, "gracht: truncated argument %d", i)
		}
		args = append(args, raw[off:off+int(n)])
		off += int(n)
	}

	return Message{Header: h, Args: args, Payload: raw[off:]}, nil
}

// responseArgIndex is the convention this package uses for a request's
// first inline argument: the caller's response-ring SHM handle, so the
// callee knows where to write its reply (spec §4.11 "Responses are written
// to a response ring exported by the caller as a separate SHM handle,
// whose ID accompanies the request").
const responseArgIndex = 0

// ResponseHandle extracts the caller's response-ring handle from a decoded
// request message.
func ResponseHandle(msg Message) (handle.ID, error) {
	if len(msg.Args) <= responseArgIndex || len(msg.Args[responseArgIndex]) != 8 {
		return 0, kerrors.Newf(kerrors.InvalidProtocol, "gracht: request carries no response handle")
	}
	return handle.ID(binary.BigEndian.Uint64(msg.Args[responseArgIndex])), nil
}

// WithResponseHandle returns msg with id prepended as the response-handle
// argument, for building a request to send.
func WithResponseHandle(msg Message, id handle.ID) Message {
	arg := make([]byte, 8)
	binary.BigEndian.PutUint64(arg, uint64(id))
	msg.Args = append([][]byte{arg}, msg.Args...)
	return msg
}

// Handler services one decoded gracht request and returns the response
// payload to write back.
type Handler func(msg Message) ([]byte, error)

// Dispatcher routes decoded requests to a registered Handler by
// (protocol, action), per spec §4.11's RPC dispatch.
type Dispatcher struct {
	handlers map[uint16]Handler
}

// NewDispatcher builds an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[uint16]Handler)}
}

func key(protocol, action uint8) uint16 {
	return uint16(protocol)<<8 | uint16(action)
}

// Register binds a Handler to a (protocol, action) pair.
func (d *Dispatcher) Register(protocol, action uint8, h Handler) {
	d.handlers[key(protocol, action)] = h
}

// Dispatch decodes raw and invokes the registered handler for its
// (protocol, action), returning the handler's response payload.
func (d *Dispatcher) Dispatch(raw []byte) ([]byte, error) {
	msg, err := DecodeMessage(raw)
	if err != nil {
		return nil, err
	}
	h, ok := d.handlers[key(msg.Header.Protocol, msg.Header.Action)]
	if !ok {
		return nil, kerrors.Newf(kerrors.NotSupported, "gracht: no handler for protocol %d action %d", msg.Header.Protocol, msg.Header.Action)
	}
	return h(msg)
}
