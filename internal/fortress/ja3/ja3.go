// Package ja3 computes JA3 TLS client fingerprints from a raw
// ClientHello record and scores them against a table of known
// scanning/DDoS/bot-framework tool hashes.
package ja3

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNotClientHello is returned when the supplied bytes do not begin
// with a TLS handshake ClientHello record.
var ErrNotClientHello = errors.New("ja3: not a TLS ClientHello record")

const (
	recordTypeHandshake = 0x16
	handshakeTypeHello  = 0x01
	extSupportedGroups  = 0x000a
	extECPointFormats   = 0x000b
)

// isGREASE reports whether v is one of the reserved GREASE values
// (RFC 8701) TLS stacks insert to exercise extensibility; GREASE
// values must be filtered out of the JA3 string since they're
// randomized per connection and would make every fingerprint unique.
func isGREASE(v uint16) bool {
	return v&0x0f0f == 0x0a0a && v>>8 == v&0xff
}

// Fingerprint holds the decomposed ClientHello fields used to build
// the JA3 string.
type Fingerprint struct {
	Version      uint16
	CipherSuites []uint16
	Extensions   []uint16
	Curves       []uint16
	PointFormats []uint8
}

// String renders the canonical JA3 field: version,ciphers,extensions,curves,pointformats
func (f Fingerprint) String() string {
	return strings.Join([]string{
		strconv.Itoa(int(f.Version)),
		joinUint16(f.CipherSuites),
		joinUint16(f.Extensions),
		joinUint16(f.Curves),
		joinUint8(f.PointFormats),
	}, ",")
}

// Hash returns the MD5 hex digest of the JA3 string.
func (f Fingerprint) Hash() string {
	sum := md5.Sum([]byte(f.String()))
	return hex.EncodeToString(sum[:])
}

func joinUint16(vals []uint16) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.Itoa(int(v))
	}
	return strings.Join(parts, "-")
}

func joinUint8(vals []uint8) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.Itoa(int(v))
	}
	return strings.Join(parts, "-")
}

// Parse extracts a Fingerprint from the raw bytes of a single TLS
// record containing a ClientHello handshake message. It does not
// follow fragmented records — callers peeking the first flight of a
// connection will see the ClientHello in one record for any
// TLS-compliant client.
func Parse(record []byte) (Fingerprint, error) {
	var fp Fingerprint

	if len(record) < 5 || record[0] != recordTypeHandshake {
		return fp, ErrNotClientHello
	}
	recLen := int(binary.BigEndian.Uint16(record[3:5]))
	if len(record) < 5+recLen {
		return fp, ErrNotClientHello
	}
	body := record[5 : 5+recLen]

	if len(body) < 4 || body[0] != handshakeTypeHello {
		return fp, ErrNotClientHello
	}
	hsLen := int(body[1])<<16 | int(body[2])<<8 | int(body[3])
	if len(body) < 4+hsLen {
		return fp, ErrNotClientHello
	}
	p := body[4 : 4+hsLen]

	r := &cursor{buf: p}
	clientVersion, err := r.u16()
	if err != nil {
		return fp, err
	}
	fp.Version = clientVersion

	// random (32 bytes)
	if err := r.skip(32); err != nil {
		return fp, err
	}

	// session id
	sidLen, err := r.u8()
	if err != nil {
		return fp, err
	}
	if err := r.skip(int(sidLen)); err != nil {
		return fp, err
	}

	// cipher suites
	csLen, err := r.u16()
	if err != nil {
		return fp, err
	}
	csBytes, err := r.take(int(csLen))
	if err != nil {
		return fp, err
	}
	for i := 0; i+1 < len(csBytes); i += 2 {
		v := binary.BigEndian.Uint16(csBytes[i : i+2])
		if !isGREASE(v) {
			fp.CipherSuites = append(fp.CipherSuites, v)
		}
	}

	// compression methods
	cmLen, err := r.u8()
	if err != nil {
		return fp, err
	}
	if err := r.skip(int(cmLen)); err != nil {
		return fp, err
	}

	if r.remaining() == 0 {
		// No extensions block — legal for very old clients.
		return fp, nil
	}

	extTotalLen, err := r.u16()
	if err != nil {
		return fp, err
	}
	extBytes, err := r.take(int(extTotalLen))
	if err != nil {
		return fp, err
	}
	er := &cursor{buf: extBytes}
	for er.remaining() > 0 {
		extType, err := er.u16()
		if err != nil {
			break
		}
		extLen, err := er.u16()
		if err != nil {
			break
		}
		extData, err := er.take(int(extLen))
		if err != nil {
			break
		}
		if !isGREASE(extType) {
			fp.Extensions = append(fp.Extensions, extType)
		}
		switch extType {
		case extSupportedGroups:
			gr := &cursor{buf: extData}
			if glen, err := gr.u16(); err == nil {
				if gb, err := gr.take(int(glen)); err == nil {
					for i := 0; i+1 < len(gb); i += 2 {
						v := binary.BigEndian.Uint16(gb[i : i+2])
						if !isGREASE(v) {
							fp.Curves = append(fp.Curves, v)
						}
					}
				}
			}
		case extECPointFormats:
			pr := &cursor{buf: extData}
			if plen, err := pr.u8(); err == nil {
				if pb, err := pr.take(int(plen)); err == nil {
					fp.PointFormats = append(fp.PointFormats, pb...)
				}
			}
		}
	}

	return fp, nil
}

type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) remaining() int { return len(c.buf) - c.pos }

func (c *cursor) u8() (uint8, error) {
	if c.remaining() < 1 {
		return 0, fmt.Errorf("ja3: truncated")
	}
	v := c.buf[c.pos]
	c.pos++
	return v, nil
}

func (c *cursor) u16() (uint16, error) {
	if c.remaining() < 2 {
		return 0, fmt.Errorf("ja3: truncated")
	}
	v := binary.BigEndian.Uint16(c.buf[c.pos : c.pos+2])
	c.pos += 2
	return v, nil
}

func (c *cursor) skip(n int) error {
	if c.remaining() < n {
		return fmt.Errorf("ja3: truncated")
	}
	c.pos += n
	return nil
}

func (c *cursor) take(n int) ([]byte, error) {
	if c.remaining() < n {
		return nil, fmt.Errorf("ja3: truncated")
	}
	v := c.buf[c.pos : c.pos+n]
	c.pos += n
	return v, nil
}
