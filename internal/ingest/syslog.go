// internal/ingest/syslog.go

// Package ingest hosts the network-facing producers that feed raw records
// into the engine.
package ingest

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/clawsight/sentinel/internal/protocol"
)

// Sink accepts one raw record. It must not block; the engine's intake
// channel drops on overflow and reports it via the return value.
type Sink func(protocol.RawRecord) bool

// SyslogReceiver listens for RFC 3164 datagrams on UDP and forwards each
// line as a raw syslog record. Parsing is left to the normalizer; the
// receiver's only job is framing and receipt timestamps.
type SyslogReceiver struct {
	addr string
	sink Sink

	conn    net.PacketConn
	dropped atomic.Int64
}

// NewSyslogReceiver creates a receiver bound later by Listen.
func NewSyslogReceiver(addr string, sink Sink) *SyslogReceiver {
	return &SyslogReceiver{addr: addr, sink: sink}
}

// Listen binds the UDP socket. Separate from Run so callers can learn the
// bound address before traffic starts.
func (r *SyslogReceiver) Listen(ctx context.Context) error {
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", r.addr)
	if err != nil {
		return err
	}
	r.conn = conn
	return nil
}

// Addr returns the bound address. Only valid after Listen.
func (r *SyslogReceiver) Addr() net.Addr {
	return r.conn.LocalAddr()
}

// Dropped returns how many datagrams the sink refused.
func (r *SyslogReceiver) Dropped() int64 {
	return r.dropped.Load()
}

// Run reads datagrams until ctx is cancelled. Each datagram may carry
// multiple newline-separated lines; every non-empty line becomes one record.
func (r *SyslogReceiver) Run(ctx context.Context) error {
	if r.conn == nil {
		if err := r.Listen(ctx); err != nil {
			return err
		}
	}
	go func() {
		<-ctx.Done()
		r.conn.Close()
	}()
	log.Printf("syslog receiver listening on %s", r.conn.LocalAddr())

	buf := make([]byte, 64*1024)
	for {
		n, _, err := r.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		received := time.Now().UTC()
		for _, line := range strings.Split(string(buf[:n]), "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			payload, err := json.Marshal(protocol.SyslogPayload{Line: line})
			if err != nil {
				continue
			}
			ok := r.sink(protocol.RawRecord{
				Source:     protocol.SourceSyslog,
				ReceivedAt: received,
				Payload:    payload,
			})
			if !ok {
				r.dropped.Add(1)
			}
		}
	}
}
