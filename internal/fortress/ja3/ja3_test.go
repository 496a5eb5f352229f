package ja3

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildClientHello constructs a minimal but well-formed TLS record
// containing a ClientHello with the given cipher suites and a
// supported-groups extension, for Parse to decode.
func buildClientHello(t *testing.T, ciphers []uint16, groups []uint16) []byte {
	t.Helper()
	var hs bytes.Buffer

	var version [2]byte
	binary.BigEndian.PutUint16(version[:], 0x0303)
	hs.Write(version[:])
	hs.Write(make([]byte, 32)) // random
	hs.WriteByte(0)            // session id len

	csBuf := make([]byte, len(ciphers)*2)
	for i, c := range ciphers {
		binary.BigEndian.PutUint16(csBuf[i*2:], c)
	}
	var csLen [2]byte
	binary.BigEndian.PutUint16(csLen[:], uint16(len(csBuf)))
	hs.Write(csLen[:])
	hs.Write(csBuf)

	hs.WriteByte(1) // compression methods length
	hs.WriteByte(0) // null compression

	var groupsInner bytes.Buffer
	gb := make([]byte, len(groups)*2)
	for i, g := range groups {
		binary.BigEndian.PutUint16(gb[i*2:], g)
	}
	var glen [2]byte
	binary.BigEndian.PutUint16(glen[:], uint16(len(gb)))
	groupsInner.Write(glen[:])
	groupsInner.Write(gb)

	var ext bytes.Buffer
	var extType [2]byte
	binary.BigEndian.PutUint16(extType[:], extSupportedGroups)
	ext.Write(extType[:])
	var extLen [2]byte
	binary.BigEndian.PutUint16(extLen[:], uint16(groupsInner.Len()))
	ext.Write(extLen[:])
	ext.Write(groupsInner.Bytes())

	var extTotalLen [2]byte
	binary.BigEndian.PutUint16(extTotalLen[:], uint16(ext.Len()))
	hs.Write(extTotalLen[:])
	hs.Write(ext.Bytes())

	body := hs.Bytes()
	var handshake bytes.Buffer
	handshake.WriteByte(handshakeTypeHello)
	handshake.WriteByte(byte(len(body) >> 16))
	handshake.WriteByte(byte(len(body) >> 8))
	handshake.WriteByte(byte(len(body)))
	handshake.Write(body)

	var record bytes.Buffer
	record.WriteByte(recordTypeHandshake)
	record.WriteByte(3)
	record.WriteByte(3)
	var recLen [2]byte
	binary.BigEndian.PutUint16(recLen[:], uint16(handshake.Len()))
	record.Write(recLen[:])
	record.Write(handshake.Bytes())

	return record.Bytes()
}

func TestParseExtractsCiphersAndGroupsFilteringGREASE(t *testing.T) {
	record := buildClientHello(t, []uint16{0x0a0a, 0x1301, 0x1302}, []uint16{0x0a0a, 0x001d, 0x0017})
	fp, err := Parse(record)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if fp.Version != 0x0303 {
		t.Fatalf("expected version 0x0303, got %#x", fp.Version)
	}
	if len(fp.CipherSuites) != 2 || fp.CipherSuites[0] != 0x1301 || fp.CipherSuites[1] != 0x1302 {
		t.Fatalf("expected GREASE cipher filtered, got %v", fp.CipherSuites)
	}
	if len(fp.Curves) != 2 || fp.Curves[0] != 0x001d || fp.Curves[1] != 0x0017 {
		t.Fatalf("expected GREASE group filtered, got %v", fp.Curves)
	}
}

func TestParseRejectsNonHandshakeRecord(t *testing.T) {
	if _, err := Parse([]byte{0x17, 3, 3, 0, 1, 0}); err != ErrNotClientHello {
		t.Fatalf("expected ErrNotClientHello for non-handshake record, got %v", err)
	}
}

func TestFingerprintHashIsDeterministic(t *testing.T) {
	fp := Fingerprint{Version: 0x0303, CipherSuites: []uint16{0x1301}, Extensions: []uint16{0x000a}, Curves: []uint16{0x001d}}
	h1 := fp.Hash()
	h2 := fp.Hash()
	if h1 != h2 || len(h1) != 32 {
		t.Fatalf("expected stable 32-char md5 hex digest, got %q and %q", h1, h2)
	}
}

func TestAnalyzeKnownAttackToolScoresHigh(t *testing.T) {
	a := NewAnalyzer()
	score, reason, flagged := a.Analyze("b32309a26951912be7dba376398abc3b") // metasploit
	if !flagged || score != 70.0 || reason.String() == "" {
		t.Fatalf("expected attack-tool hash flagged at 70.0, got score=%v reason=%v flagged=%v", score, reason, flagged)
	}
}

func TestAnalyzeKnownBotFrameworkScoresLower(t *testing.T) {
	a := NewAnalyzer()
	score, _, flagged := a.Analyze("2ad2b325a2c47a3369bc0ec7d0a59740") // scrapy
	if !flagged || score != 50.0 {
		t.Fatalf("expected bot-framework hash flagged at 50.0, got score=%v flagged=%v", score, flagged)
	}
}

func TestAnalyzeUnknownHashIsNeutral(t *testing.T) {
	a := NewAnalyzer()
	score, _, flagged := a.Analyze("0000000000000000000000000000000")
	if flagged || score != 0 {
		t.Fatalf("expected unknown JA3 hash to be neutral, got score=%v flagged=%v", score, flagged)
	}
}
