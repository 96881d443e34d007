// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godaplink

// JtagSequenceBits returns the number of TCK cycles of a sequence info byte.
func JtagSequenceBits(info uint8) int {
	n := int(info & JtagSequenceTck)
	if n == 0 {
		n = 64
	}

	return n
}

func (p *Processor) dapJtagSequence(r *requestReader, resp *Buffer) {
	enabled := p.hasJtag()

	if enabled {
		resp.WriteByte(DapOk)
	} else {
		resp.WriteByte(DapError)
	}

	sequences := int(r.u8())

	for i := 0; i < sequences; i++ {
		info := r.u8()
		n := bitsToBytes(JtagSequenceBits(info))
		tdi := r.bytes(n)

		if !enabled {
			continue
		}

		var tdo []byte
		if info&JtagSequenceTdo != 0 {
			tdo = make([]byte, n)
		}

		p.jtag.JtagSequence(info, tdi, tdo)

		if tdo != nil {
			resp.Write(tdo)
		}
	}
}

// dapJtagConfigure stores the IR lengths of the scan chain and derives the
// number of IR bits before and after every device.
func (p *Processor) dapJtagConfigure(r *requestReader, resp *Buffer) {
	count := int(r.u8())
	lengths := r.bytes(count)

	if !p.hasJtag() || count > jtagMaxDevices {
		resp.WriteByte(DapError)
		return
	}

	chain := &p.state.Jtag
	chain.Count = count

	bits := uint16(0)
	for i, l := range lengths {
		chain.IrLength[i] = l
		chain.IrBefore[i] = bits
		bits += uint16(l)
	}

	for i := 0; i < count; i++ {
		bits -= uint16(chain.IrLength[i])
		chain.IrAfter[i] = bits
	}

	logger.Debugf("JTAG chain with %d devices, IR lengths %v", count, lengths)

	resp.WriteByte(DapOk)
}

func (p *Processor) dapJtagIdCode(r *requestReader, resp *Buffer) {
	index := int(r.u8())

	if !p.hasJtag() || !p.connected() || p.state.Port != PortJtag || index >= p.state.Jtag.Count {
		resp.WriteByte(DapError)
		return
	}

	p.state.Jtag.Index = index
	dev := p.state.Jtag.position(index)

	p.jtag.JtagIR(dev, JtagIdCode)

	resp.WriteByte(DapOk)
	resp.WriteUint32LE(p.jtag.JtagReadIdCode(dev))
}

// jtagBus tracks the instruction selected on one device of the chain.
type jtagBus struct {
	p   *Processor
	dev JtagPosition
	ir  uint32
}

func (b *jtagBus) selectIR(ir uint32) {
	if b.ir != ir {
		b.ir = ir
		b.p.jtag.JtagIR(b.dev, ir)
	}
}

func (b *jtagBus) transfer(req uint8, data *uint32) Ack {
	return b.p.retry(func() Ack {
		return b.p.jtag.JtagTransfer(b.dev, req&transferWireMask, data)
	})
}

func requestIR(req uint8) uint32 {
	if req&TransferAPnDP != 0 {
		return JtagApAcc
	}

	return JtagDpAcc
}

// jtagTransfer is the JTAG variant of swdTransfer. Every scan returns the
// result of the previous one, so a read stays posted only while the next
// request uses the same instruction.
func (p *Processor) jtagTransfer(r *requestReader, resp *Buffer) {
	var (
		count    uint8
		ack      Ack
		data     uint32
		postRead bool
	)

	out := NewBuffer(p.config.PacketSize)

	p.clearAbort()

	index := int(r.u8())
	remaining := int(r.u8())

	if index >= p.state.Jtag.Count {
		skipRequests(r, remaining)
		resp.Write([]byte{0, 0})
		return
	}

	p.state.Jtag.Index = index
	bus := &jtagBus{p: p, dev: p.state.Jtag.position(index)}

requests:
	for remaining > 0 {
		remaining--

		req := r.u8()
		ir := requestIR(req)

		var value uint32
		if hasPayload(req) {
			value = r.u32()
		}

		if req&TransferRnW != 0 {
			if postRead {
				if bus.ir == ir && req&TransferMatchValue == 0 {
					ack = bus.transfer(req, &data)
				} else {
					bus.selectIR(JtagDpAcc)
					ack = bus.transfer(rdBuffRead, &data)
					postRead = false
				}

				if ack != AckOk {
					break requests
				}

				out.WriteUint32LE(data)
			}

			if req&TransferMatchValue != 0 {
				matchRetry := p.state.MatchRetry

				bus.selectIR(ir)

				if ack = bus.transfer(req, nil); ack != AckOk {
					break requests
				}

				for {
					if ack = bus.transfer(req, &data); ack != AckOk {
						break
					}

					if data&p.state.MatchMask == value || matchRetry == 0 || p.aborted() {
						break
					}

					matchRetry--
				}

				if data&p.state.MatchMask != value {
					ack |= AckMismatch
				}

				if ack != AckOk {
					break requests
				}
			} else if !postRead {
				bus.selectIR(ir)

				if ack = bus.transfer(req, nil); ack != AckOk {
					break requests
				}

				postRead = true
			}
		} else {
			if postRead {
				bus.selectIR(JtagDpAcc)

				if ack = bus.transfer(rdBuffRead, &data); ack != AckOk {
					break requests
				}

				out.WriteUint32LE(data)
				postRead = false
			}

			if req&TransferMatchMask != 0 {
				p.state.MatchMask = value
				ack = AckOk
			} else {
				bus.selectIR(ir)

				if ack = bus.transfer(req, &value); ack != AckOk {
					break requests
				}
			}
		}

		count++

		if p.aborted() {
			logger.Debugf("transfer aborted after %d requests", count)
			break
		}
	}

	skipRequests(r, remaining)

	if ack == AckOk {
		bus.selectIR(JtagDpAcc)

		if postRead {
			if ack = bus.transfer(rdBuffRead, &data); ack == AckOk {
				out.WriteUint32LE(data)
			}
		} else {
			ack = bus.transfer(rdBuffRead, nil)
		}
	}

	resp.WriteByte(count)
	resp.WriteByte(byte(ack))
	resp.Write(out.Bytes())
}

func (p *Processor) jtagTransferBlock(r *requestReader, resp *Buffer) {
	out := NewBuffer(p.config.PacketSize)

	p.clearAbort()

	index := int(r.u8())
	n := int(r.u16())
	req := r.u8()

	var payload []byte
	if req&TransferRnW == 0 {
		payload = r.bytes(n * 4)
	}

	var count int
	var ack Ack

	if index < p.state.Jtag.Count && n > 0 {
		p.state.Jtag.Index = index

		bus := &jtagBus{p: p, dev: p.state.Jtag.position(index)}

		// the instruction is always shifted at block start
		bus.ir = requestIR(req)
		p.jtag.JtagIR(bus.dev, bus.ir)

		if req&TransferRnW != 0 {
			count, ack = bus.readBlock(req, n, out)
		} else {
			count, ack = bus.writeBlock(req, payload)
		}
	}

	resp.WriteUint16LE(uint16(count))
	resp.WriteByte(byte(ack))
	resp.Write(out.Bytes())
}

func (b *jtagBus) readBlock(req uint8, n int, out *Buffer) (int, Ack) {
	var data uint32
	var ack Ack

	if ack = b.transfer(req, nil); ack != AckOk {
		return 0, ack
	}

	for i := 0; i < n; i++ {
		if i == n-1 {
			b.selectIR(JtagDpAcc)
			req = rdBuffRead
		}

		if ack = b.transfer(req, &data); ack != AckOk {
			return i, ack
		}

		out.WriteUint32LE(data)
	}

	return n, ack
}

func (b *jtagBus) writeBlock(req uint8, payload []byte) (int, Ack) {
	var ack Ack

	n := len(payload) / 4

	for i := 0; i < n; i++ {
		data := le_to_h_u32(payload[i*4:])

		if ack = b.transfer(req, &data); ack != AckOk {
			return i, ack
		}
	}

	b.selectIR(JtagDpAcc)

	return n, b.transfer(rdBuffRead, nil)
}
