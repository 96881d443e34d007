// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godaplink

import (
	"context"

	"github.com/pkg/errors"
)

// PacketWriter sends response packets to the host.
type PacketWriter interface {
	WritePacket(packet []byte) error
}

// PacketWriterFunc adapts a function to PacketWriter.
type PacketWriterFunc func(packet []byte) error

func (f PacketWriterFunc) WritePacket(packet []byte) error {
	return f(packet)
}

// Server is the probe side of the CMSIS-DAP transport. The USB stack hands
// every received packet to Receive, Run executes them in order and writes
// one response packet per request.
type Server struct {
	processor *Processor
	ring      *PacketRing
	out       PacketWriter

	packetSize int
}

func NewServer(processor *Processor, out PacketWriter) *Server {
	cfg := processor.Config()

	return &Server{
		processor:  processor,
		ring:       NewPacketRing(cfg.PacketCount, cfg.PacketSize),
		out:        out,
		packetSize: cfg.PacketSize,
	}
}

// Receive queues a request packet and returns false if it was dropped
// because every slot is taken. A TransferAbort request is not queued, it
// stops the running transfer at once. Receive never blocks.
func (s *Server) Receive(packet []byte) bool {
	if len(packet) == 0 {
		return true
	}

	if CommandId(packet[0]) == CmdTransferAbort {
		logger.Debug("transfer abort requested")
		s.processor.Abort()

		return true
	}

	if !s.ring.Put(packet) {
		logger.Warnf("request ring full, %s packet dropped", CommandId(packet[0]))
		return false
	}

	return true
}

// Dropped returns the number of request packets lost to a full ring.
func (s *Server) Dropped() uint64 {
	return s.ring.Dropped()
}

// Run processes queued requests until ctx is done or a response cannot be
// sent.
func (s *Server) Run(ctx context.Context) error {
	request := make([]byte, 0, s.packetSize)
	response := make([]byte, s.packetSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ring.Ready():
		}

		for {
			var ok bool

			request, ok = s.ring.Get(request)
			if !ok {
				break
			}

			memset(response, 0)
			_, n := UnpackLengths(s.processor.ProcessCommand(request, response))

			logger.Tracef("%s request %d bytes, response %d bytes", CommandId(request[0]), len(request), n)

			if err := s.out.WritePacket(response); err != nil {
				return errors.Wrap(err, "sending response packet")
			}
		}
	}
}
