// Package wire implements the on-the-wire framing of a session: handshake
// options and the eight (plus PEX variants) message kinds that make up a
// seeder/leecher exchange. Every datagram is fixed big-endian binary, no
// JSON, no inter-message length prefix — one UDP datagram is one message,
// with two documented exceptions where two messages are coalesced into a
// single datagram (HANDSHAKE+HAVE, REQUEST+PEX_REQ).
//
// The framing style — explicit encoding/binary field writes, a typed kind
// byte ahead of a kind-specific body, sentinel errors on malformed input —
// follows the same shape the reference daemon used for its own control and
// chunk framing, adapted here to the fixed binary layout this protocol
// requires instead of a length-prefixed JSON envelope.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/swiftp2p/swarmd/internal/merkle"
)

// Kind is the one-byte message discriminator that follows dest_chan_id.
type Kind uint8

const (
	KindHandshake       Kind = 0
	KindData            Kind = 1
	KindAck             Kind = 2
	KindHave            Kind = 3
	KindIntegrity       Kind = 4
	KindPexResv4        Kind = 5
	KindPexReq          Kind = 6
	KindSignedIntegrity Kind = 7
	KindRequest         Kind = 8
	KindCancel          Kind = 9
	KindChoke           Kind = 10
	KindUnchoke         Kind = 11
	KindPexResv6        Kind = 12
	KindPexRescert      Kind = 13
)

func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "HANDSHAKE"
	case KindData:
		return "DATA"
	case KindAck:
		return "ACK"
	case KindHave:
		return "HAVE"
	case KindIntegrity:
		return "INTEGRITY"
	case KindPexResv4:
		return "PEX_RESV4"
	case KindPexReq:
		return "PEX_REQ"
	case KindSignedIntegrity:
		return "SIGNED_INTEGRITY"
	case KindRequest:
		return "REQUEST"
	case KindCancel:
		return "CANCEL"
	case KindChoke:
		return "CHOKE"
	case KindUnchoke:
		return "UNCHOKE"
	case KindPexResv6:
		return "PEX_RESV6"
	case KindPexRescert:
		return "PEX_RESCERT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(k))
	}
}

var (
	ErrTruncated             = errors.New("wire: truncated message")
	ErrUnknownMessageKind    = errors.New("wire: unknown message kind")
	ErrMissingRequiredOption = errors.New("wire: missing required handshake option")
)

// Header is the 5 bytes every message opens with.
type Header struct {
	DestChanID uint32
	Kind       Kind
}

const headerSize = 5

func putHeader(buf []byte, destChanID uint32, kind Kind) []byte {
	var h [headerSize]byte
	binary.BigEndian.PutUint32(h[0:4], destChanID)
	h[4] = byte(kind)
	return append(buf, h[:]...)
}

// DecodeHeader parses the leading dest_chan_id+kind and returns the
// remaining bytes for the kind-specific decoder.
func DecodeHeader(buf []byte) (Header, []byte, error) {
	if len(buf) < headerSize {
		return Header{}, nil, ErrTruncated
	}
	h := Header{
		DestChanID: binary.BigEndian.Uint32(buf[0:4]),
		Kind:       Kind(buf[4]),
	}
	return h, buf[headerSize:], nil
}

// HandshakeKind classifies a HANDSHAKE by its channel-id pair, per spec §4.2.
type HandshakeKind uint8

const (
	HandshakeInit HandshakeKind = iota
	HandshakeFinish
	HandshakeError
)

// ClassifyHandshake implements the (dest_chan_id, src_chan_id) classification
// table: (0, !=0) is INIT, (!=0, 0) is FINISH, anything else is an error.
func ClassifyHandshake(destChanID, srcChanID uint32) HandshakeKind {
	switch {
	case destChanID == 0 && srcChanID != 0:
		return HandshakeInit
	case destChanID != 0 && srcChanID == 0:
		return HandshakeFinish
	default:
		return HandshakeError
	}
}

// --- Handshake options -----------------------------------------------------

type optionTag uint8

const (
	optVersion           optionTag = 0
	optMinimumVersion    optionTag = 1
	optSwarmID           optionTag = 2
	optContentProtMethod optionTag = 3
	optMerkleHashFunc    optionTag = 4
	optLiveSignatureAlg  optionTag = 5
	optChunkAddrMethod   optionTag = 6
	optLiveDiscWind      optionTag = 7
	optSupportedMsgs     optionTag = 8
	optChunkSize         optionTag = 9
	optFileSize          optionTag = 10
	optFileName          optionTag = 11
	optFileHash          optionTag = 12
	optEndOption         optionTag = 0xFF
)

// ChunkAddrMethod values that select a 32-bit (vs. 64-bit) LIVE_DISC_WIND
// body, per spec §4.2's option-7 width rule.
const (
	ChunkAddr32BitBin  uint8 = 0
	ChunkAddr64BitBin  uint8 = 2
)

// HandshakeOptions is the flat option list carried by a HANDSHAKE message.
// Required fields (Version, MinimumVersion, ContentProtMethod,
// ChunkAddrMethod, LiveDiscWind, ChunkSize, FileSize, FileName) are always
// emitted; the rest are emitted only when present (nil/zero-length means
// absent).
type HandshakeOptions struct {
	Version           uint8
	MinimumVersion    uint8
	SwarmID           []byte // optional
	ContentProtMethod uint8
	MerkleHashFunc    *uint8 // optional
	LiveSignatureAlg  *uint8 // optional
	ChunkAddrMethod   uint8
	LiveDiscWind      uint64
	SupportedMsgs     []byte // optional
	ChunkSize         uint32
	FileSize          uint64
	FileName          string
}

// liveDiscWindIs32Bit reports whether LIVE_DISC_WIND is encoded as u32 (addr
// method in {0,2}) or u64 (otherwise), per spec §4.2.
func liveDiscWindIs32Bit(addrMethod uint8) bool {
	return addrMethod == ChunkAddr32BitBin || addrMethod == ChunkAddr64BitBin
}

// EncodeOptions appends the option list in the fixed ascending tag order the
// spec requires, terminated by END_OPTION. Required options are always
// written; optional ones only if present.
func EncodeOptions(buf []byte, o HandshakeOptions) []byte {
	buf = append(buf, byte(optVersion), o.Version)
	buf = append(buf, byte(optMinimumVersion), o.MinimumVersion)

	if len(o.SwarmID) > 0 {
		buf = append(buf, byte(optSwarmID))
		buf = appendU16(buf, uint16(len(o.SwarmID)))
		buf = append(buf, o.SwarmID...)
	}

	buf = append(buf, byte(optContentProtMethod), o.ContentProtMethod)

	if o.MerkleHashFunc != nil {
		buf = append(buf, byte(optMerkleHashFunc), *o.MerkleHashFunc)
	}
	if o.LiveSignatureAlg != nil {
		buf = append(buf, byte(optLiveSignatureAlg), *o.LiveSignatureAlg)
	}

	buf = append(buf, byte(optChunkAddrMethod), o.ChunkAddrMethod)

	buf = append(buf, byte(optLiveDiscWind))
	if liveDiscWindIs32Bit(o.ChunkAddrMethod) {
		buf = appendU32(buf, uint32(o.LiveDiscWind))
	} else {
		buf = appendU64(buf, o.LiveDiscWind)
	}

	if len(o.SupportedMsgs) > 0 {
		buf = append(buf, byte(optSupportedMsgs), byte(len(o.SupportedMsgs)))
		buf = append(buf, o.SupportedMsgs...)
	}

	buf = append(buf, byte(optChunkSize))
	buf = appendU32(buf, o.ChunkSize)

	buf = append(buf, byte(optFileSize))
	buf = appendU64(buf, o.FileSize)

	buf = append(buf, byte(optFileName), byte(len(o.FileName)))
	buf = append(buf, o.FileName...)

	buf = append(buf, byte(optEndOption))
	return buf
}

func appendU16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

// DecodeOptions reads a flat option list until END_OPTION, in whatever order
// it appears (the spec only constrains the emitter to ascending order; the
// parser tolerates any order it recognizes). Required options absent at
// END_OPTION yield ErrMissingRequiredOption. Tag 12 (FILE_HASH) is reserved
// with no defined body width in this core; like any other unrecognized tag
// it is ignored rather than failing the parse, per the option list's own
// "ignores unknown, stopping at END_OPTION" contract.
func DecodeOptions(buf []byte) (HandshakeOptions, []byte, error) {
	var o HandshakeOptions
	var haveVersion, haveMinVersion, haveContentProt, haveAddrMethod, haveDiscWind, haveChunkSize, haveFileSize, haveFileName bool

	for {
		if len(buf) < 1 {
			return o, nil, ErrTruncated
		}
		tag := optionTag(buf[0])
		buf = buf[1:]

		if tag == optEndOption {
			break
		}

		switch tag {
		case optVersion:
			if len(buf) < 1 {
				return o, nil, ErrTruncated
			}
			o.Version = buf[0]
			buf = buf[1:]
			haveVersion = true
		case optMinimumVersion:
			if len(buf) < 1 {
				return o, nil, ErrTruncated
			}
			o.MinimumVersion = buf[0]
			buf = buf[1:]
			haveMinVersion = true
		case optSwarmID:
			if len(buf) < 2 {
				return o, nil, ErrTruncated
			}
			n := int(binary.BigEndian.Uint16(buf[0:2]))
			buf = buf[2:]
			if len(buf) < n {
				return o, nil, ErrTruncated
			}
			o.SwarmID = append([]byte(nil), buf[:n]...)
			buf = buf[n:]
		case optContentProtMethod:
			if len(buf) < 1 {
				return o, nil, ErrTruncated
			}
			o.ContentProtMethod = buf[0]
			buf = buf[1:]
			haveContentProt = true
		case optMerkleHashFunc:
			if len(buf) < 1 {
				return o, nil, ErrTruncated
			}
			v := buf[0]
			o.MerkleHashFunc = &v
			buf = buf[1:]
		case optLiveSignatureAlg:
			if len(buf) < 1 {
				return o, nil, ErrTruncated
			}
			v := buf[0]
			o.LiveSignatureAlg = &v
			buf = buf[1:]
		case optChunkAddrMethod:
			if len(buf) < 1 {
				return o, nil, ErrTruncated
			}
			o.ChunkAddrMethod = buf[0]
			buf = buf[1:]
			haveAddrMethod = true
		case optLiveDiscWind:
			if liveDiscWindIs32Bit(o.ChunkAddrMethod) {
				if len(buf) < 4 {
					return o, nil, ErrTruncated
				}
				o.LiveDiscWind = uint64(binary.BigEndian.Uint32(buf[0:4]))
				buf = buf[4:]
			} else {
				if len(buf) < 8 {
					return o, nil, ErrTruncated
				}
				o.LiveDiscWind = binary.BigEndian.Uint64(buf[0:8])
				buf = buf[8:]
			}
			haveDiscWind = true
		case optSupportedMsgs:
			if len(buf) < 1 {
				return o, nil, ErrTruncated
			}
			n := int(buf[0])
			buf = buf[1:]
			if len(buf) < n {
				return o, nil, ErrTruncated
			}
			o.SupportedMsgs = append([]byte(nil), buf[:n]...)
			buf = buf[n:]
		case optChunkSize:
			if len(buf) < 4 {
				return o, nil, ErrTruncated
			}
			o.ChunkSize = binary.BigEndian.Uint32(buf[0:4])
			buf = buf[4:]
			haveChunkSize = true
		case optFileSize:
			if len(buf) < 8 {
				return o, nil, ErrTruncated
			}
			o.FileSize = binary.BigEndian.Uint64(buf[0:8])
			buf = buf[8:]
			haveFileSize = true
		case optFileName:
			if len(buf) < 1 {
				return o, nil, ErrTruncated
			}
			n := int(buf[0])
			buf = buf[1:]
			if len(buf) < n {
				return o, nil, ErrTruncated
			}
			o.FileName = string(buf[:n])
			buf = buf[n:]
			haveFileName = true
		case optFileHash:
			// Reserved, no body defined: per spec's "ignores unknown,
			// stopping at END_OPTION" parser contract, treat it as a
			// bodyless marker and keep reading rather than erroring.
		default:
			// Unknown tag: same treatment — ignore and continue to the
			// next tag/END_OPTION rather than failing the parse.
		}
	}

	if !haveVersion || !haveMinVersion || !haveContentProt || !haveAddrMethod || !haveDiscWind || !haveChunkSize || !haveFileSize || !haveFileName {
		return o, nil, ErrMissingRequiredOption
	}

	return o, buf, nil
}

// --- HANDSHAKE --------------------------------------------------------------

// EncodeHandshake builds a standalone HANDSHAKE message.
func EncodeHandshake(destChanID, srcChanID uint32, opts HandshakeOptions) []byte {
	buf := putHeader(nil, destChanID, KindHandshake)
	buf = appendU32(buf, srcChanID)
	buf = EncodeOptions(buf, opts)
	return buf
}

// EncodeHandshakeHave builds the coalesced HANDSHAKE(reply) + HAVE(range)
// datagram the seeder sends after accepting a new leecher.
func EncodeHandshakeHave(destChanID, srcChanID uint32, opts HandshakeOptions, startChunk, endChunk uint32) []byte {
	buf := EncodeHandshake(destChanID, srcChanID, opts)
	buf = EncodeHave(buf, destChanID, startChunk, endChunk)
	return buf
}

// DecodeHandshakeBody parses the body following the header (src_chan_id +
// options) and returns whatever trailing bytes remain (a coalesced HAVE).
func DecodeHandshakeBody(buf []byte) (srcChanID uint32, opts HandshakeOptions, rest []byte, err error) {
	if len(buf) < 4 {
		return 0, HandshakeOptions{}, nil, ErrTruncated
	}
	srcChanID = binary.BigEndian.Uint32(buf[0:4])
	opts, rest, err = DecodeOptions(buf[4:])
	return srcChanID, opts, rest, err
}

// --- HAVE --------------------------------------------------------------------

// EncodeHave appends a standalone HAVE message to buf (buf may be nil to
// start a fresh datagram, or non-nil to coalesce after a HANDSHAKE).
func EncodeHave(buf []byte, destChanID, startChunk, endChunk uint32) []byte {
	buf = putHeader(buf, destChanID, KindHave)
	buf = appendU32(buf, startChunk)
	buf = appendU32(buf, endChunk)
	return buf
}

func DecodeHaveBody(buf []byte) (startChunk, endChunk uint32, rest []byte, err error) {
	if len(buf) < 8 {
		return 0, 0, nil, ErrTruncated
	}
	startChunk = binary.BigEndian.Uint32(buf[0:4])
	endChunk = binary.BigEndian.Uint32(buf[4:8])
	return startChunk, endChunk, buf[8:], nil
}

// --- REQUEST (+ coalesced PEX_REQ) -------------------------------------------

// EncodeRequest builds a REQUEST message; when withPexReq is set, a one-byte
// PEX_REQ follow-on (just the kind byte, no header) is appended in the same
// datagram, matching the reference encoder's coalescing.
func EncodeRequest(destChanID, startChunk, endChunk uint32, withPexReq bool) []byte {
	buf := putHeader(nil, destChanID, KindRequest)
	buf = appendU32(buf, startChunk)
	buf = appendU32(buf, endChunk)
	if withPexReq {
		buf = append(buf, byte(KindPexReq))
	}
	return buf
}

// DecodeRequestBody parses start/end and reports whether a one-byte PEX_REQ
// follow-on trails it.
func DecodeRequestBody(buf []byte) (startChunk, endChunk uint32, pexReq bool, rest []byte, err error) {
	if len(buf) < 8 {
		return 0, 0, false, nil, ErrTruncated
	}
	startChunk = binary.BigEndian.Uint32(buf[0:4])
	endChunk = binary.BigEndian.Uint32(buf[4:8])
	rest = buf[8:]
	if len(rest) >= 1 && Kind(rest[0]) == KindPexReq {
		pexReq = true
		rest = rest[1:]
	}
	return startChunk, endChunk, pexReq, rest, nil
}

// --- INTEGRITY ----------------------------------------------------------------

// EncodeIntegrity builds an INTEGRITY message carrying the leaf hashes for
// [startChunk, endChunk].
func EncodeIntegrity(destChanID, startChunk, endChunk uint32, hashes []merkle.Hash) ([]byte, error) {
	want := int(endChunk-startChunk) + 1
	if len(hashes) != want {
		return nil, fmt.Errorf("wire: INTEGRITY expects %d hashes, got %d", want, len(hashes))
	}
	buf := putHeader(nil, destChanID, KindIntegrity)
	buf = appendU32(buf, startChunk)
	buf = appendU32(buf, endChunk)
	for _, h := range hashes {
		buf = append(buf, h[:]...)
	}
	return buf, nil
}

func DecodeIntegrityBody(buf []byte) (startChunk, endChunk uint32, hashes []merkle.Hash, err error) {
	if len(buf) < 8 {
		return 0, 0, nil, ErrTruncated
	}
	startChunk = binary.BigEndian.Uint32(buf[0:4])
	endChunk = binary.BigEndian.Uint32(buf[4:8])
	buf = buf[8:]
	if endChunk < startChunk {
		return 0, 0, nil, fmt.Errorf("wire: INTEGRITY has end %d < start %d", endChunk, startChunk)
	}
	n := int(endChunk-startChunk) + 1
	if len(buf) < n*merkle.HashSize {
		return 0, 0, nil, ErrTruncated
	}
	hashes = make([]merkle.Hash, n)
	for i := 0; i < n; i++ {
		copy(hashes[i][:], buf[i*merkle.HashSize:(i+1)*merkle.HashSize])
	}
	return startChunk, endChunk, hashes, nil
}

// --- DATA ----------------------------------------------------------------------

// EncodeData builds a DATA message. The reference carries a hard-coded,
// semantically-uninterpreted timestamp; callers may pass any value (e.g.
// send time) without affecting protocol behavior.
func EncodeData(destChanID, startChunk, endChunk uint32, timestamp uint64, payload []byte) []byte {
	buf := putHeader(nil, destChanID, KindData)
	buf = appendU32(buf, startChunk)
	buf = appendU32(buf, endChunk)
	buf = appendU64(buf, timestamp)
	buf = append(buf, payload...)
	return buf
}

func DecodeDataBody(buf []byte) (startChunk, endChunk uint32, timestamp uint64, payload []byte, err error) {
	if len(buf) < 16 {
		return 0, 0, 0, nil, ErrTruncated
	}
	startChunk = binary.BigEndian.Uint32(buf[0:4])
	endChunk = binary.BigEndian.Uint32(buf[4:8])
	timestamp = binary.BigEndian.Uint64(buf[8:16])
	payload = append([]byte(nil), buf[16:]...)
	return startChunk, endChunk, timestamp, payload, nil
}

// --- ACK -------------------------------------------------------------------

func EncodeAck(destChanID, startChunk, endChunk uint32, delaySample uint64) []byte {
	buf := putHeader(nil, destChanID, KindAck)
	buf = appendU32(buf, startChunk)
	buf = appendU32(buf, endChunk)
	buf = appendU64(buf, delaySample)
	return buf
}

func DecodeAckBody(buf []byte) (startChunk, endChunk uint32, delaySample uint64, err error) {
	if len(buf) < 16 {
		return 0, 0, 0, ErrTruncated
	}
	startChunk = binary.BigEndian.Uint32(buf[0:4])
	endChunk = binary.BigEndian.Uint32(buf[4:8])
	delaySample = binary.BigEndian.Uint64(buf[8:16])
	return startChunk, endChunk, delaySample, nil
}

// --- PEX ---------------------------------------------------------------------

// EncodePexReq builds a standalone PEX_REQ message (empty body). REQUEST
// normally carries PEX_REQ as a coalesced one-byte follow-on instead; this
// exists for the rare standalone case.
func EncodePexReq(destChanID uint32) []byte {
	return putHeader(nil, destChanID, KindPexReq)
}

// PexEntry is one alternative-seeder advertisement.
type PexEntry struct {
	IPv4 uint32
	Port uint16
}

func EncodePexResp(destChanID uint32, entries []PexEntry) []byte {
	buf := putHeader(nil, destChanID, KindPexResv4)
	for _, e := range entries {
		buf = appendU32(buf, e.IPv4)
		buf = appendU16(buf, e.Port)
	}
	return buf
}

func DecodePexRespBody(buf []byte) ([]PexEntry, error) {
	if len(buf)%6 != 0 {
		return nil, fmt.Errorf("%w: PEX_RESP body length %d not a multiple of 6", ErrTruncated, len(buf))
	}
	entries := make([]PexEntry, 0, len(buf)/6)
	for i := 0; i < len(buf); i += 6 {
		entries = append(entries, PexEntry{
			IPv4: binary.BigEndian.Uint32(buf[i : i+4]),
			Port: binary.BigEndian.Uint16(buf[i+4 : i+6]),
		})
	}
	return entries, nil
}
