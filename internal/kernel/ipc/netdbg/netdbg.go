// Package netdbg exports gracht-framed IPC traffic to an external observer
// over gRPC, for debugging — the kernel has no business depending on
// protobuf-generated message types for its own wire format, so this package
// hand-rolls a raw-byte gRPC codec and a manual grpc.ServiceDesc the way a
// low-level exporter would, rather than generating .pb.go stubs for a
// kernel-internal frame layout.
//
// Grounded on the teacher's cmd/main.go gRPC client setup
// (grpc.Dial/keepalive.ClientParameters/credentials/insecure) for Dial, and
// on google.golang.org/protobuf's well-known timestamp type for per-frame
// timestamps, per SPEC_FULL.md's domain-stack entry for this dependency
// pair.
package netdbg

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Frame is one exported gracht-framed IPC packet, timestamped at capture.
type Frame struct {
	At      *timestamppb.Timestamp
	Context uint64 // the IPC context handle the packet was captured on
	Payload []byte
}

// rawCodecName is registered with grpc's encoding package so Dial/serve can
// select it by name instead of the default proto codec, which this
// kernel-internal frame format has no reason to be generated for.
const rawCodecName = "valicore-raw"

// rawCodec marshals a Frame to/from the wire with a small fixed header
// (unix-nanos, context handle, payload length) instead of reflection-based
// protobuf encoding.
type rawCodec struct{}

func (rawCodec) Name() string { return rawCodecName }

func (rawCodec) Marshal(v any) ([]byte, error) {
	f := v.(*Frame)
	buf := make([]byte, 8+8+4+len(f.Payload))
	binary.BigEndian.PutUint64(buf[0:8], uint64(f.At.AsTime().UnixNano()))
	binary.BigEndian.PutUint64(buf[8:16], f.Context)
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(f.Payload)))
	copy(buf[20:], f.Payload)
	return buf, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	f := v.(*Frame)
	nanos := int64(binary.BigEndian.Uint64(data[0:8]))
	f.At = timestamppb.New(time.Unix(0, nanos))
	f.Context = binary.BigEndian.Uint64(data[8:16])
	n := binary.BigEndian.Uint32(data[16:20])
	f.Payload = append([]byte(nil), data[20:20+n]...)
	return nil
}

func init() {
	encoding.RegisterCodec(rawCodec{})
}

// Exporter fans captured frames out to every connected Trace stream.
type Exporter struct {
	mu   sync.Mutex
	subs map[chan *Frame]struct{}
}

// NewExporter builds an empty Exporter.
func NewExporter() *Exporter {
	return &Exporter{subs: make(map[chan *Frame]struct{})}
}

// Capture publishes a frame to every currently connected observer. Callers
// (internal/kernel/ipc.Manager.Send) call this best-effort; a slow or
// absent observer never blocks the kernel's own send path.
func (e *Exporter) Capture(ctxHandle uint64, payload []byte) {
	f := &Frame{At: timestamppb.Now(), Context: ctxHandle, Payload: payload}
	e.mu.Lock()
	defer e.mu.Unlock()
	for ch := range e.subs {
		select {
		case ch <- f:
		default: // observer isn't keeping up; drop rather than backpressure the kernel
		}
	}
}

func (e *Exporter) subscribe() chan *Frame {
	ch := make(chan *Frame, 64)
	e.mu.Lock()
	e.subs[ch] = struct{}{}
	e.mu.Unlock()
	return ch
}

func (e *Exporter) unsubscribe(ch chan *Frame) {
	e.mu.Lock()
	delete(e.subs, ch)
	e.mu.Unlock()
}

// traceHandler is the manual streaming RPC handler wired into ServiceDesc
// below: it relays every captured Frame to the connected client until the
// stream's context is cancelled.
func (e *Exporter) traceHandler(_ any, stream grpc.ServerStream) error {
	ch := e.subscribe()
	defer e.unsubscribe(ch)

	for {
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case f := <-ch:
			if err := stream.SendMsg(f); err != nil {
				return err
			}
		}
	}
}

// ServiceDesc returns the hand-rolled gRPC service description exposing
// Exporter's Trace stream, for registration with a *grpc.Server via
// RegisterService(desc, exporter).
func (e *Exporter) ServiceDesc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: "valicore.netdbg.Trace",
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{
			{
				StreamName:    "Trace",
				Handler:       e.traceHandler,
				ServerStreams: true,
			},
		},
		Metadata: "internal/kernel/ipc/netdbg/netdbg.proto",
	}
}

// Dial connects to a running exporter, mirroring the teacher's
// grpc.Dial(target, grpc.WithTransportCredentials(insecure.NewCredentials()),
// grpc.WithKeepaliveParams(...)) setup in cmd/main.go, swapping the default
// codec for rawCodec.
func Dial(ctx context.Context, target string) (*grpc.ClientConn, error) {
	return grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rawCodecName)),
	)
}
