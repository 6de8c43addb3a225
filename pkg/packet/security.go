package packet

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1" // #nosec G505 -- truncated HMAC-SHA1 is the link-level integrity option
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/ghjm/cspnet/pkg/proto"
	"golang.org/x/crypto/xtea"
)

const (
	crcLen   = 4
	hmacLen  = 4
	nonceLen = 4
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// TrailerLen returns the number of option trailer bytes carried by a packet with flags f.
func TrailerLen(f proto.Flags) int {
	n := 0
	if f.Has(proto.FlagXTEA) {
		n += nonceLen
	}
	if f.Has(proto.FlagHMAC) {
		n += hmacLen
	}
	if f.Has(proto.FlagCRC32) {
		n += crcLen
	}
	return n
}

// Security applies and verifies the per-packet options selected by the header flags: XTEA encryption,
// truncated HMAC-SHA1 authentication and CRC32-C checksums.
type Security struct {
	layout  proto.Layout
	hmacKey []byte
	xtea    *xtea.Cipher
}

// NewSecurity returns a Security for the given layout and keys.  Either key may be empty, in which case
// packets requesting that option are rejected with proto.ErrNotSupported.
func NewSecurity(layout proto.Layout, hmacKey []byte, xteaKey []byte) (*Security, error) {
	s := &Security{
		layout:  layout,
		hmacKey: hmacKey,
	}
	if len(xteaKey) > 0 {
		c, err := xtea.NewCipher(xteaKey)
		if err != nil {
			return nil, fmt.Errorf("invalid XTEA key: %w", err)
		}
		s.xtea = c
	}
	return s, nil
}

// Apply adds the options requested by p's header flags to the payload, in the order encrypt,
// authenticate, checksum.
func (s *Security) Apply(p *Packet) error {
	f := p.Header.Flags
	if f.Has(proto.FlagXTEA) {
		if s.xtea == nil {
			return fmt.Errorf("%w: no XTEA key", proto.ErrNotSupported)
		}
		nonce := make([]byte, nonceLen)
		_, err := rand.Read(nonce)
		if err != nil {
			return err
		}
		s.cryptCTR(p, nonce)
		err = p.appendTrailer(nonce)
		if err != nil {
			return err
		}
	}
	if f.Has(proto.FlagHMAC) {
		if len(s.hmacKey) == 0 {
			return fmt.Errorf("%w: no HMAC key", proto.ErrNotSupported)
		}
		err := p.appendTrailer(s.mac(p))
		if err != nil {
			return err
		}
	}
	if f.Has(proto.FlagCRC32) {
		crc := make([]byte, crcLen)
		binary.BigEndian.PutUint32(crc, crc32.Checksum(p.Data(), castagnoli))
		err := p.appendTrailer(crc)
		if err != nil {
			return err
		}
	}
	return nil
}

// Verify checks and strips the options indicated by p's header flags, in the reverse order of Apply.
func (s *Security) Verify(p *Packet) error {
	f := p.Header.Flags
	if f.Has(proto.FlagCRC32) {
		crc, err := p.trimTrailer(crcLen)
		if err != nil {
			return err
		}
		if binary.BigEndian.Uint32(crc) != crc32.Checksum(p.Data(), castagnoli) {
			return fmt.Errorf("%w: CRC mismatch", proto.ErrIntegrity)
		}
	}
	if f.Has(proto.FlagHMAC) {
		if len(s.hmacKey) == 0 {
			return fmt.Errorf("%w: no HMAC key", proto.ErrNotSupported)
		}
		mac, err := p.trimTrailer(hmacLen)
		if err != nil {
			return err
		}
		if !hmac.Equal(mac, s.mac(p)) {
			return fmt.Errorf("%w: HMAC mismatch", proto.ErrIntegrity)
		}
	}
	if f.Has(proto.FlagXTEA) {
		if s.xtea == nil {
			return fmt.Errorf("%w: no XTEA key", proto.ErrNotSupported)
		}
		nonce, err := p.trimTrailer(nonceLen)
		if err != nil {
			return err
		}
		n := make([]byte, nonceLen)
		copy(n, nonce)
		s.cryptCTR(p, n)
	}
	return nil
}

// mac computes the truncated HMAC over the packet identifier and payload
func (s *Security) mac(p *Packet) []byte {
	id := make([]byte, s.layout.IDLen())
	s.layout.PutID(id, p.Header)
	m := hmac.New(sha1.New, s.hmacKey)
	_, _ = m.Write(id)
	_, _ = m.Write(p.Data())
	return m.Sum(nil)[:hmacLen]
}

// cryptCTR encrypts or decrypts the payload in place.  The counter block starts with the nonce followed by
// the low bytes of the packet identifier.
func (s *Security) cryptCTR(p *Packet, nonce []byte) {
	iv := make([]byte, xtea.BlockSize)
	copy(iv, nonce)
	binary.BigEndian.PutUint32(iv[nonceLen:], uint32(s.layout.ID(p.Header)))
	data := p.Data()
	cipher.NewCTR(s.xtea, iv).XORKeyStream(data, data)
}
