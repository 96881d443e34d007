// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package intelhex

import (
	"bytes"
	"testing"

	"github.com/marcinbor85/gohex"
)

// decodeAll feeds in to d in chunks of chunk bytes the way a programmer
// does and collects the decoded bytes by address.
func decodeAll(d *Decoder, in []byte, chunk int) (map[uint32]byte, Status) {
	out := make([]byte, 2*MaxRecordData)
	mem := make(map[uint32]byte)

	for off := 0; off < len(in); off += chunk {
		end := off + chunk
		if end > len(in) {
			end = len(in)
		}

		data := in[off:end]

		for {
			res := d.Decode(data, out)

			for i, b := range res.Data {
				mem[res.Address+uint32(i)] = b
			}

			switch res.Status {
			case StatusOk:
			case StatusUnaligned, StatusFull:
				data = data[res.Consumed:]
				continue
			default:
				return mem, res.Status
			}

			break
		}
	}

	return mem, StatusOk
}

func testImage() (*gohex.Memory, error) {
	mem := gohex.NewMemory()

	low := make([]byte, 600)
	for i := range low {
		low[i] = byte(i)
	}

	high := make([]byte, 300)
	for i := range high {
		high[i] = byte(255 - i)
	}

	if err := mem.AddBinary(0x00000000, low); err != nil {
		return nil, err
	}

	if err := mem.AddBinary(0x00010100, high); err != nil {
		return nil, err
	}

	return mem, nil
}

func TestDecodeChunkSizes(t *testing.T) {
	mem, err := testImage()
	if err != nil {
		t.Fatal(err)
	}

	var file bytes.Buffer
	if err := mem.DumpIntelHex(&file, 32); err != nil {
		t.Fatal(err)
	}

	for _, chunk := range []int{1, 7, 64, 512, file.Len()} {
		d := NewDecoder()
		got, status := decodeAll(d, file.Bytes(), chunk)

		if status != StatusEOF {
			t.Errorf("chunk %d: status %s, want %s", chunk, status, StatusEOF)
			continue
		}

		if !d.Done() {
			t.Errorf("chunk %d: decoder not done", chunk)
		}

		count := 0
		for _, seg := range mem.GetDataSegments() {
			for i, b := range seg.Data {
				addr := seg.Address + uint32(i)
				if got[addr] != b {
					t.Fatalf("chunk %d: 0x%08x = 0x%02x, want 0x%02x", chunk, addr, got[addr], b)
				}
			}

			count += len(seg.Data)
		}

		if len(got) != count {
			t.Errorf("chunk %d: %d bytes decoded, want %d", chunk, len(got), count)
		}
	}
}

func TestDecodeResults(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		status []Status
		addr   []uint32
		data   [][]byte
	}{
		{
			name:   "contiguous",
			in:     ":0400000001020304F2\n:00000001FF\n",
			status: []Status{StatusEOF},
			addr:   []uint32{0},
			data:   [][]byte{{1, 2, 3, 4}},
		},
		{
			name:   "unaligned",
			in:     ":0400000001020304F2\n:0400100005060708D2\n:00000001FF\n",
			status: []Status{StatusUnaligned, StatusEOF},
			addr:   []uint32{0, 0x10},
			data:   [][]byte{{1, 2, 3, 4}, {5, 6, 7, 8}},
		},
		{
			name:   "extended linear address",
			in:     ":020000040001F9\n:0400000001020304F2\n",
			status: []Status{StatusOk},
			addr:   []uint32{0x10000},
			data:   [][]byte{{1, 2, 3, 4}},
		},
		{
			name:   "start address ignored",
			in:     ":0400000500000101F5\n:0400000001020304F2\n",
			status: []Status{StatusOk},
			addr:   []uint32{0},
			data:   [][]byte{{1, 2, 3, 4}},
		},
		{
			name:   "checksum",
			in:     ":0400000001020304F3\n",
			status: []Status{StatusChecksumFail},
			addr:   []uint32{0},
			data:   [][]byte{{}},
		},
		{
			name:   "segment address",
			in:     ":020000021000EC\n",
			status: []Status{StatusFailure},
			addr:   []uint32{0},
			data:   [][]byte{{}},
		},
		{
			name:   "invalid character",
			in:     ":04000000010G0304F2\n",
			status: []Status{StatusFailure},
			addr:   []uint32{0},
			data:   [][]byte{{}},
		},
		{
			name:   "truncated record",
			in:     ":04000000010203\n:00000001FF\n",
			status: []Status{StatusFailure},
			addr:   []uint32{0},
			data:   [][]byte{{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder()
			out := make([]byte, MaxRecordData)
			in := []byte(tt.in)

			for i, want := range tt.status {
				res := d.Decode(in, out)

				if res.Status != want {
					t.Fatalf("call %d: status %s, want %s", i, res.Status, want)
				}

				if res.Address != tt.addr[i] || !bytes.Equal(res.Data, tt.data[i]) {
					t.Errorf("call %d: %x at 0x%x, want %x at 0x%x", i, res.Data, res.Address, tt.data[i], tt.addr[i])
				}

				in = in[res.Consumed:]
			}
		})
	}
}

func TestDecodeFillsOutput(t *testing.T) {
	d := NewDecoder()
	out := bytes.Repeat([]byte{0x55}, MaxRecordData)

	res := d.Decode([]byte(":0400000001020304F2\n"), out)

	if res.Status != StatusOk {
		t.Fatalf("status %s", res.Status)
	}

	for i, b := range out[4:] {
		if b != 0xff {
			t.Fatalf("out[%d] = 0x%02x, want 0xff", i+4, b)
		}
	}
}

func TestDecodeSmallOutput(t *testing.T) {
	d := NewDecoder()

	res := d.Decode([]byte(":00000001FF\n"), make([]byte, 16))
	if res.Status != StatusFailure {
		t.Errorf("status %s, want %s", res.Status, StatusFailure)
	}
}

func TestDecodeAfterEOF(t *testing.T) {
	d := NewDecoder()
	out := make([]byte, MaxRecordData)

	if res := d.Decode([]byte(":00000001FF\n"), out); res.Status != StatusEOF {
		t.Fatalf("status %s, want %s", res.Status, StatusEOF)
	}

	res := d.Decode([]byte(":0400000001020304F2\n"), out)
	if res.Status != StatusEOF || len(res.Data) != 0 {
		t.Errorf("status %s with %d bytes after end of file", res.Status, len(res.Data))
	}

	d.Reset()

	if d.Done() {
		t.Error("Reset kept the end of file")
	}
}
