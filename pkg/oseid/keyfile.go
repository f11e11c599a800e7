package oseid

import "encoding/binary"

// Key material lives inside an EF whose payload is a TLV stream, the way
// original_source/src/card_os/key.h lays it out. Tag values below follow
// key.h exactly so a provisioning tool built against the MyEID TLV layout
// can be ported unchanged.
const (
	keyTagOID         = 1
	keyTagECPrivate   = 2
	keyTagECPublic    = 3
	keyTagRSAPubExp   = 0x81
	keyTagRSAModulus  = 0x80
	keyTagRSAP        = 0x83
	keyTagRSAQ        = 0x84
	keyTagRSAdP       = 0x85
	keyTagRSAdQ       = 0x86
	keyTagRSAqInv     = 0x87
	keyTagSymmetric   = 0xa0
	keyTagGenerate    = 0x40
	keyTagFreeSpace   = 0xff
)

// keyPart reads one TLV value from a key EF's data_store payload. Value
// length is 1 byte for tags < 0x80 and 2 bytes for tags >= 0x80 (matching
// key.h's fs_key_part, which reserves a wide length field for RSA moduli).
func (c *Card) keyPart(rec fsRecord, tag byte) ([]byte, SW) {
	offset := rec.dataOffset
	end := rec.dataOffset + rec.size
	for offset < end {
		var hdr [3]byte
		if err := c.data.ReadBlock(hdr[:1], offset, 1); err != nil {
			return nil, SWMemoryFailure
		}
		curTag := hdr[0]
		if curTag == keyTagFreeSpace {
			break
		}
		var length uint16
		var lenBytes uint16
		if curTag >= 0x80 {
			if err := c.data.ReadBlock(hdr[1:3], offset+1, 2); err != nil {
				return nil, SWMemoryFailure
			}
			length = binary.BigEndian.Uint16(hdr[1:3])
			lenBytes = 2
		} else {
			if err := c.data.ReadBlock(hdr[1:2], offset+1, 1); err != nil {
				return nil, SWMemoryFailure
			}
			length = uint16(hdr[1])
			lenBytes = 1
		}
		valOffset := offset + 1 + lenBytes
		if curTag == tag {
			buf := make([]byte, length)
			if length > 0 {
				if err := c.data.ReadBlock(buf, valOffset, length); err != nil {
					return nil, SWMemoryFailure
				}
			}
			return buf, SWOK
		}
		offset = valOffset + length
	}
	return nil, SWDataNotFound
}

// writeKeyPart replaces the whole key EF content with exactly the TLV
// entries in parts: the file is erased first, so any part already stored
// and not listed in parts is lost (key material is written only during
// GENERATE KEY / key import, never on a hot path), which keeps the encoder
// simple at the cost of the in-place patching key.h's fs_key_write_part
// does for hardware with expensive erase cycles.
func (c *Card) writeKeyPart(rec fsRecord, parts map[byte][]byte) SW {
	var buf []byte
	for tag, val := range parts {
		if tag >= 0x80 {
			buf = append(buf, tag, byte(len(val)>>8), byte(len(val)))
		} else {
			buf = append(buf, tag, byte(len(val)))
		}
		buf = append(buf, val...)
	}
	if uint16(len(buf)) > rec.size {
		return SWMemoryFailure
	}
	if err := c.data.Fill(rec.dataOffset, rec.size); err != nil {
		return SWMemoryFailure
	}
	if err := c.data.WriteBlock(buf, rec.dataOffset); err != nil {
		return SWMemoryFailure
	}
	return SWOK
}

// requireACL evaluates a selected file's ACL nibble for the given
// operation kind and returns SWSecurityNotSat if it is not satisfied.
func (c *Card) requireACL(rec fsRecord, kind aclKind) SW {
	var nibble uint8
	switch kind {
	case aclRead:
		nibble = rec.acl[0] >> 4
	case aclUpdate:
		nibble = rec.acl[0] & 0x0f
	case aclDelete:
		nibble = rec.acl[1] >> 4
	case aclGenerate:
		nibble = rec.acl[1] & 0x0f
	case aclCreateDF:
		nibble = rec.acl[0] & 0x0f
	case aclCreateEF:
		nibble = rec.acl[0] >> 4
	}
	if !c.checkPinACL(nibble) {
		return SWSecurityNotSat
	}
	return SWOK
}

type aclKind int

const (
	aclRead aclKind = iota
	aclUpdate
	aclDelete
	aclGenerate
	aclCreateDF
	aclCreateEF
)
