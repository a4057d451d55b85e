package rxclassifier

import (
	"encoding/binary"
	"testing"
)

func buildSample(length, ifindex uint32, direction uint8, ts uint64, payload []byte) []byte {
	buf := make([]byte, metaHeaderLen+len(payload))
	binary.LittleEndian.PutUint32(buf[metaLen:], length)
	binary.LittleEndian.PutUint32(buf[metaIfindex:], ifindex)
	buf[metaDirection] = direction
	binary.LittleEndian.PutUint64(buf[metaTimestamp:], ts)
	copy(buf[metaHeaderLen:], payload)
	return buf
}

func TestParseMetaRoundTrip(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5}
	raw := buildSample(uint32(len(payload)), 7, DirEgress, 123456789, payload)

	meta, data, err := ParseMeta(raw)
	if err != nil {
		t.Fatalf("ParseMeta: %v", err)
	}
	if meta.Len != uint32(len(payload)) || meta.Ifindex != 7 || meta.Direction != DirEgress || meta.Timestamp != 123456789 {
		t.Fatalf("unexpected meta: %+v", meta)
	}
	if string(data) != string(payload) {
		t.Fatalf("payload mismatch: got %v want %v", data, payload)
	}
}

func TestParseMetaTooShort(t *testing.T) {
	_, _, err := ParseMeta(make([]byte, metaHeaderLen-1))
	if err == nil {
		t.Fatalf("expected error for undersized sample")
	}
}

func TestParseMetaClampsOverlongPayload(t *testing.T) {
	raw := buildSample(2, 1, DirIngress, 0, []byte{0xaa, 0xbb, 0xcc, 0xdd})
	_, data, err := ParseMeta(raw)
	if err != nil {
		t.Fatalf("ParseMeta: %v", err)
	}
	if len(data) != 2 {
		t.Fatalf("expected payload clamped to meta.Len=2, got %d bytes", len(data))
	}
}
