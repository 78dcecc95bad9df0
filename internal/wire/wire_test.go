package wire

import (
	"bytes"
	"testing"

	"github.com/swiftp2p/swarmd/internal/merkle"
)

func testOptions() HandshakeOptions {
	return HandshakeOptions{
		Version:           1,
		MinimumVersion:    1,
		ContentProtMethod: 0,
		ChunkAddrMethod:   ChunkAddr32BitBin,
		LiveDiscWind:      0,
		ChunkSize:         1024,
		FileSize:          3072,
		FileName:          "test.bin",
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	opts := testOptions()
	msg := EncodeHandshake(0, 7, opts)

	hdr, body, err := DecodeHeader(msg)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if hdr.Kind != KindHandshake || hdr.DestChanID != 0 {
		t.Fatalf("unexpected header: %+v", hdr)
	}

	src, got, rest, err := DecodeHandshakeBody(body)
	if err != nil {
		t.Fatalf("DecodeHandshakeBody: %v", err)
	}
	if src != 7 {
		t.Errorf("src_chan_id = %d, want 7", src)
	}
	if len(rest) != 0 {
		t.Errorf("expected no trailing bytes, got %d", len(rest))
	}
	if got.Version != opts.Version || got.ChunkSize != opts.ChunkSize || got.FileSize != opts.FileSize || got.FileName != opts.FileName {
		t.Errorf("decoded options %+v != encoded %+v", got, opts)
	}
}

func TestHandshakeHaveCoalesced(t *testing.T) {
	opts := testOptions()
	msg := EncodeHandshakeHave(11, 22, opts, 0, 2)

	hdr, body, err := DecodeHeader(msg)
	if err != nil || hdr.Kind != KindHandshake {
		t.Fatalf("DecodeHeader: %v, %+v", err, hdr)
	}
	_, _, rest, err := DecodeHandshakeBody(body)
	if err != nil {
		t.Fatalf("DecodeHandshakeBody: %v", err)
	}

	hdr2, body2, err := DecodeHeader(rest)
	if err != nil {
		t.Fatalf("DecodeHeader (coalesced HAVE): %v", err)
	}
	if hdr2.Kind != KindHave {
		t.Fatalf("expected coalesced HAVE, got %s", hdr2.Kind)
	}
	start, end, rest2, err := DecodeHaveBody(body2)
	if err != nil {
		t.Fatalf("DecodeHaveBody: %v", err)
	}
	if start != 0 || end != 2 {
		t.Errorf("HAVE range = [%d,%d], want [0,2]", start, end)
	}
	if len(rest2) != 0 {
		t.Errorf("expected no trailing bytes after coalesced HAVE, got %d", len(rest2))
	}
}

func TestRequestPexReqCoalesced(t *testing.T) {
	msg := EncodeRequest(5, 3, 6, true)

	hdr, body, err := DecodeHeader(msg)
	if err != nil || hdr.Kind != KindRequest {
		t.Fatalf("DecodeHeader: %v, %+v", err, hdr)
	}
	start, end, pexReq, rest, err := DecodeRequestBody(body)
	if err != nil {
		t.Fatalf("DecodeRequestBody: %v", err)
	}
	if start != 3 || end != 6 {
		t.Errorf("REQUEST range = [%d,%d], want [3,6]", start, end)
	}
	if !pexReq {
		t.Error("expected coalesced PEX_REQ follow-on")
	}
	if len(rest) != 0 {
		t.Errorf("expected no trailing bytes, got %d", len(rest))
	}
}

func TestRequestWithoutPexReq(t *testing.T) {
	msg := EncodeRequest(5, 3, 6, false)
	_, body, err := DecodeHeader(msg)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	_, _, pexReq, _, err := DecodeRequestBody(body)
	if err != nil {
		t.Fatalf("DecodeRequestBody: %v", err)
	}
	if pexReq {
		t.Error("did not expect a PEX_REQ follow-on")
	}
}

func TestIntegrityRoundTrip(t *testing.T) {
	hashes := []merkle.Hash{{1}, {2}, {3}}
	msg, err := EncodeIntegrity(9, 0, 2, hashes)
	if err != nil {
		t.Fatalf("EncodeIntegrity: %v", err)
	}
	_, body, err := DecodeHeader(msg)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	start, end, got, err := DecodeIntegrityBody(body)
	if err != nil {
		t.Fatalf("DecodeIntegrityBody: %v", err)
	}
	if start != 0 || end != 2 {
		t.Errorf("range = [%d,%d], want [0,2]", start, end)
	}
	for i := range hashes {
		if got[i] != hashes[i] {
			t.Errorf("hash %d = %x, want %x", i, got[i], hashes[i])
		}
	}
}

func TestIntegrityWrongHashCount(t *testing.T) {
	if _, err := EncodeIntegrity(9, 0, 2, []merkle.Hash{{1}}); err == nil {
		t.Error("expected error for mismatched hash count")
	}
}

func TestDataRoundTrip(t *testing.T) {
	payload := []byte("hello chunk")
	msg := EncodeData(1, 4, 4, 123456789, payload)
	_, body, err := DecodeHeader(msg)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	start, end, ts, got, err := DecodeDataBody(body)
	if err != nil {
		t.Fatalf("DecodeDataBody: %v", err)
	}
	if start != 4 || end != 4 {
		t.Errorf("range = [%d,%d], want [4,4]", start, end)
	}
	if ts != 123456789 {
		t.Errorf("timestamp = %d, want 123456789", ts)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload = %q, want %q", got, payload)
	}
}

func TestAckRoundTrip(t *testing.T) {
	msg := EncodeAck(1, 2, 2, 42)
	_, body, err := DecodeHeader(msg)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	start, end, delay, err := DecodeAckBody(body)
	if err != nil {
		t.Fatalf("DecodeAckBody: %v", err)
	}
	if start != 2 || end != 2 || delay != 42 {
		t.Errorf("got [%d,%d] delay=%d, want [2,2] delay=42", start, end, delay)
	}
}

func TestPexRespRoundTrip(t *testing.T) {
	entries := []PexEntry{{IPv4: 0x7F000001, Port: 7000}, {IPv4: 0x0A000001, Port: 7001}}
	msg := EncodePexResp(3, entries)
	_, body, err := DecodeHeader(msg)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	got, err := DecodePexRespBody(body)
	if err != nil {
		t.Fatalf("DecodePexRespBody: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(got), len(entries))
	}
	for i := range entries {
		if got[i] != entries[i] {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], entries[i])
		}
	}
}

func TestMissingRequiredOption(t *testing.T) {
	opts := testOptions()
	opts.FileName = "" // FILE_NAME tag is still emitted (len 0), so drop ChunkSize to trigger the failure
	buf := putHeader(nil, 0, KindHandshake)
	buf = appendU32(buf, 7)
	// Hand-build an option list missing CHUNK_SIZE entirely.
	buf = append(buf, byte(optVersion), opts.Version)
	buf = append(buf, byte(optMinimumVersion), opts.MinimumVersion)
	buf = append(buf, byte(optContentProtMethod), opts.ContentProtMethod)
	buf = append(buf, byte(optChunkAddrMethod), opts.ChunkAddrMethod)
	buf = append(buf, byte(optLiveDiscWind))
	buf = appendU32(buf, 0)
	buf = append(buf, byte(optFileSize))
	buf = appendU64(buf, opts.FileSize)
	buf = append(buf, byte(optFileName), 0)
	buf = append(buf, byte(optEndOption))

	_, body, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if _, _, _, err := DecodeHandshakeBody(body); err != ErrMissingRequiredOption {
		t.Errorf("expected ErrMissingRequiredOption, got %v", err)
	}
}

func TestClassifyHandshake(t *testing.T) {
	cases := []struct {
		dest, src uint32
		want      HandshakeKind
	}{
		{0, 7, HandshakeInit},
		{7, 0, HandshakeFinish},
		{0, 0, HandshakeError},
		{7, 9, HandshakeError},
	}
	for _, c := range cases {
		if got := ClassifyHandshake(c.dest, c.src); got != c.want {
			t.Errorf("ClassifyHandshake(%d,%d) = %v, want %v", c.dest, c.src, got, c.want)
		}
	}
}
