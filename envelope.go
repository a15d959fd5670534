package shuffle

import (
	"encoding/binary"
	"fmt"
)

// MinFrameLen and MaxFrameLen bound every encoded envelope: 13 bytes of
// fixed fields plus up to 255 bytes of filename and 255 bytes of payload.
const (
	MinFrameLen = 13
	MaxFrameLen = 13 + 255 + 255

	maxFnameLen   = 255
	maxPayloadLen = 255
)

// Record is the decoded form of an envelope: a filename, a payload, and the
// epoch it was submitted under. Fname and Payload are borrowed views into the
// buffer passed to Decode and are only valid for the duration of the dispatch
// call that produced them.
type Record struct {
	Src     uint32
	Dst     uint32
	Fname   []byte
	Payload []byte
	Epoch   uint16
}

// Encode writes the on-wire envelope for (src, dst, fname, payload, epoch)
// into buf, which must have length at least MaxFrameLen, and returns the
// number of bytes written. Encode panics if fname or payload exceed their
// single-byte length prefixes; callers own record construction and must not
// let an application tuple reach Encode with an oversized field.
func Encode(buf []byte, src, dst uint32, fname, payload []byte, epoch uint16) int {
	if len(fname) > maxFnameLen {
		panic(fmt.Sprintf("shuffle: fname length %d exceeds %d", len(fname), maxFnameLen))
	}
	if len(payload) > maxPayloadLen {
		panic(fmt.Sprintf("shuffle: payload length %d exceeds %d", len(payload), maxPayloadLen))
	}

	binary.BigEndian.PutUint32(buf[0:4], src)
	binary.BigEndian.PutUint32(buf[4:8], dst)
	buf[8] = byte(len(fname))
	off := 9
	off += copy(buf[off:], fname)
	buf[off] = 0x00 // NUL terminator
	off++
	buf[off] = byte(len(payload))
	off++
	off += copy(buf[off:], payload)
	binary.BigEndian.PutUint16(buf[off:off+2], epoch)
	off += 2
	return off
}

// Decode validates and parses an envelope out of buf. wantSrc and wantDst are
// the (src, dst) pair the RPC fabric delivered this frame under, out of band
// from the payload; Decode rejects a frame whose declared fields disagree
// with them. Only meaningful where a (src, dst) pair is actually known ahead
// of decoding — the fallback shuffler's direct hop, where the dialer's rank
// and "dst == my_rank" are both already pinned down. The returned Record's
// Fname and Payload slices alias buf.
func Decode(buf []byte, wantSrc, wantDst uint32) (Record, error) {
	rec, err := DecodeAny(buf)
	if err != nil {
		return Record{}, err
	}
	if rec.Src != wantSrc || rec.Dst != wantDst {
		return Record{}, &FatalError{
			Kind:   CorruptFrame,
			Src:    rec.Src,
			Dst:    rec.Dst,
			Detail: fmt.Sprintf("envelope (src=%d,dst=%d) does not match transport context (src=%d,dst=%d)", rec.Src, rec.Dst, wantSrc, wantDst),
		}
	}
	return rec, nil
}

// DecodeAny validates and parses an envelope out of buf without checking its
// declared src/dst against any expectation. The three-hop forwarder's
// intermediate hops need this: an envelope in flight carries its *original*
// src and *final* dst, which generally differ from the adjacent transport
// peer at any hop but the first and last, so there is no (wantSrc, wantDst)
// pair to check it against until the receiver knows whether it is the final
// hop. The returned Record's Fname and Payload slices alias buf.
func DecodeAny(buf []byte) (Record, error) {
	if len(buf) < MinFrameLen {
		return Record{}, &FatalError{Kind: CorruptFrame, Detail: fmt.Sprintf("frame too short: %d bytes", len(buf))}
	}

	src := binary.BigEndian.Uint32(buf[0:4])
	dst := binary.BigEndian.Uint32(buf[4:8])

	fnameLen := int(buf[8])
	nulOff := 9 + fnameLen
	if nulOff >= len(buf) {
		return Record{}, &FatalError{Kind: CorruptFrame, Src: src, Dst: dst, Detail: "fname_len runs past buffer end"}
	}
	if buf[nulOff] != 0x00 {
		return Record{}, &FatalError{Kind: CorruptFrame, Src: src, Dst: dst, Detail: "missing NUL terminator after filename"}
	}

	payloadLenOff := nulOff + 1
	if payloadLenOff >= len(buf) {
		return Record{}, &FatalError{Kind: CorruptFrame, Src: src, Dst: dst, Detail: "payload_len runs past buffer end"}
	}
	payloadLen := int(buf[payloadLenOff])
	payloadOff := payloadLenOff + 1
	epochOff := payloadOff + payloadLen
	if epochOff+2 > len(buf) {
		return Record{}, &FatalError{Kind: CorruptFrame, Src: src, Dst: dst, Detail: "payload_len runs past buffer end"}
	}

	trailing := len(buf) - (epochOff + 2)
	if trailing != 0 {
		return Record{}, &FatalError{Kind: CorruptFrame, Src: src, Dst: dst, Detail: fmt.Sprintf("%d trailing bytes after epoch field", trailing)}
	}

	return Record{
		Src:     src,
		Dst:     dst,
		Fname:   buf[9:nulOff],
		Payload: buf[payloadOff:epochOff],
		Epoch:   binary.BigEndian.Uint16(buf[epochOff : epochOff+2]),
	}, nil
}

// EncodedLen returns the exact wire length an envelope for fname/payload
// would occupy, without encoding it.
func EncodedLen(fname, payload []byte) int {
	return MinFrameLen + len(fname) + len(payload)
}

// frameLen reads just enough of buf's header to compute the length of one
// envelope starting at buf[0], without validating the rest of it. Used by
// the transport to split a batched kind=0 outer frame (§3.1, §4.4) back
// into its constituent envelopes; each one is still run through Decode or
// DecodeAny before being acted on.
func frameLen(buf []byte) (int, error) {
	if len(buf) < MinFrameLen {
		return 0, &FatalError{Kind: CorruptFrame, Detail: fmt.Sprintf("batched frame too short: %d bytes", len(buf))}
	}
	fnameLen := int(buf[8])
	nulOff := 9 + fnameLen
	if nulOff+1 >= len(buf) {
		return 0, &FatalError{Kind: CorruptFrame, Detail: "fname_len runs past buffer end while splitting batch"}
	}
	payloadLen := int(buf[nulOff+1])
	n := MinFrameLen + fnameLen + payloadLen
	if n > len(buf) {
		return 0, &FatalError{Kind: CorruptFrame, Detail: "payload_len runs past buffer end while splitting batch"}
	}
	return n, nil
}

// splitBatch walks buf and returns the constituent envelope-sized slices it
// contains, back to back with no padding between them.
func splitBatch(buf []byte) ([][]byte, error) {
	var out [][]byte
	for len(buf) > 0 {
		n, err := frameLen(buf)
		if err != nil {
			return nil, err
		}
		out = append(out, buf[:n])
		buf = buf[n:]
	}
	return out, nil
}
