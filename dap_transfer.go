// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godaplink

// request bits seen by the wire, the match bits are handled here
const transferWireMask = TransferAPnDP | TransferRnW | TransferA2 | TransferA3

var rdBuffRead = swdRequest(false, true, DpRdBuff)

// retry repeats fn while it answers WAIT, at most RetryCount times, and
// gives up early on a host abort.
func (p *Processor) retry(fn func() Ack) Ack {
	retry := p.state.RetryCount

	for {
		ack := fn()

		if ack != AckWait || retry == 0 || p.aborted() {
			return ack
		}

		retry--
	}
}

func (p *Processor) swd(req uint8, data *uint32) Ack {
	return p.retry(func() Ack {
		return p.wire.SwdTransfer(req&transferWireMask, data)
	})
}

// hasPayload reports whether a transfer request carries a data word.
func hasPayload(req uint8) bool {
	if req&TransferRnW != 0 {
		return req&TransferMatchValue != 0
	}

	return true
}

// skipRequests consumes n transfer requests without executing them.
func skipRequests(r *requestReader, n int) {
	for ; n > 0; n-- {
		if hasPayload(r.u8()) {
			r.skip(4)
		}
	}
}

func (p *Processor) dapTransfer(r *requestReader, resp *Buffer) {
	if p.connected() {
		switch p.state.Port {
		case PortSwd:
			p.swdTransfer(r, resp)
			return
		case PortJtag:
			p.jtagTransfer(r, resp)
			return
		}
	}

	r.skip(1)
	skipRequests(r, int(r.u8()))

	resp.WriteByte(0)
	resp.WriteByte(0)
}

func (p *Processor) dapTransferBlock(r *requestReader, resp *Buffer) {
	if p.connected() {
		switch p.state.Port {
		case PortSwd:
			p.swdTransferBlock(r, resp)
			return
		case PortJtag:
			p.jtagTransferBlock(r, resp)
			return
		}
	}

	r.skip(1)
	count := int(r.u16())

	if r.u8()&TransferRnW == 0 {
		r.skip(count * 4)
	}

	resp.Write([]byte{0, 0, 0})
}

// swdTransfer runs a DAP_Transfer batch. AP reads are posted: the value of
// a read arrives with the following AP read, or is fetched from RDBUFF
// before any other access and at the end of the batch.
func (p *Processor) swdTransfer(r *requestReader, resp *Buffer) {
	var (
		count      uint8
		ack        Ack
		data       uint32
		postRead   bool
		checkWrite bool
	)

	out := NewBuffer(p.config.PacketSize)

	p.clearAbort()

	// DAP index, unused on SWD
	r.skip(1)
	remaining := int(r.u8())

requests:
	for remaining > 0 {
		remaining--

		req := r.u8()

		var value uint32
		if hasPayload(req) {
			value = r.u32()
		}

		if req&TransferRnW != 0 {
			if postRead {
				if req&(TransferAPnDP|TransferMatchValue) == TransferAPnDP {
					// read previous AP data and post the next AP read
					ack = p.swd(req, &data)
				} else {
					ack = p.swd(rdBuffRead, &data)
					postRead = false
				}

				if ack != AckOk {
					break requests
				}

				out.WriteUint32LE(data)
			}

			if req&TransferMatchValue != 0 {
				matchRetry := p.state.MatchRetry

				if req&TransferAPnDP != 0 {
					if ack = p.swd(req, nil); ack != AckOk {
						break requests
					}
				}

				for {
					if ack = p.swd(req, &data); ack != AckOk {
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
			} else if req&TransferAPnDP != 0 {
				if !postRead {
					if ack = p.swd(req, nil); ack != AckOk {
						break requests
					}

					postRead = true
				}
			} else {
				if ack = p.swd(req, &data); ack != AckOk {
					break requests
				}

				out.WriteUint32LE(data)
			}

			checkWrite = false
		} else {
			if postRead {
				if ack = p.swd(rdBuffRead, &data); ack != AckOk {
					break requests
				}

				out.WriteUint32LE(data)
				postRead = false
			}

			if req&TransferMatchMask != 0 {
				p.state.MatchMask = value
				ack = AckOk
			} else {
				if ack = p.swd(req, &value); ack != AckOk {
					break requests
				}

				checkWrite = true
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
		if postRead {
			if ack = p.swd(rdBuffRead, &data); ack == AckOk {
				out.WriteUint32LE(data)
			}
		} else if checkWrite {
			ack = p.swd(rdBuffRead, nil)
		}
	}

	if ack != AckOk {
		logger.Debugf("transfer stopped after %d requests with ack %s", count, ack)
	}

	resp.WriteByte(count)
	resp.WriteByte(byte(ack))
	resp.Write(out.Bytes())
}

// swdTransferBlock reads or writes one register count times.
func (p *Processor) swdTransferBlock(r *requestReader, resp *Buffer) {
	out := NewBuffer(p.config.PacketSize)

	p.clearAbort()

	r.skip(1)
	n := int(r.u16())

	req := r.u8()

	var count int
	var ack Ack

	if req&TransferRnW != 0 {
		if n > 0 {
			count, ack = p.swdReadBlock(req, n, out)
		}
	} else {
		payload := r.bytes(n * 4)

		if n > 0 {
			count, ack = p.swdWriteBlock(req, payload)
		}
	}

	resp.WriteUint16LE(uint16(count))
	resp.WriteByte(byte(ack))
	resp.Write(out.Bytes())
}

func (p *Processor) swdReadBlock(req uint8, n int, out *Buffer) (int, Ack) {
	var data uint32
	var ack Ack

	if req&TransferAPnDP != 0 {
		if ack = p.swd(req, nil); ack != AckOk {
			return 0, ack
		}
	}

	for i := 0; i < n; i++ {
		// the last posted AP read is collected from RDBUFF
		if i == n-1 && req&TransferAPnDP != 0 {
			req = rdBuffRead
		}

		if ack = p.swd(req, &data); ack != AckOk {
			return i, ack
		}

		out.WriteUint32LE(data)
	}

	return n, ack
}

func (p *Processor) swdWriteBlock(req uint8, payload []byte) (int, Ack) {
	var ack Ack

	n := len(payload) / 4

	for i := 0; i < n; i++ {
		data := le_to_h_u32(payload[i*4:])

		if ack = p.swd(req, &data); ack != AckOk {
			return i, ack
		}
	}

	return n, p.swd(rdBuffRead, nil)
}
