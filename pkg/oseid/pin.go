package oseid

import "crypto/subtle"

// sec_store layout: 14 fixed-size pin records, then a one-byte lifecycle
// marker and a reserved byte, matching original_source/src/card_os/fs.c's
// struct sec_device / struct pin.
const (
	pinRecordSize = 49 // pin[8]+puk[8]+cr_key[24]+9 scalar fields
	pinCount      = 14

	offPin           = 0
	offPuk           = 8
	offCRKey         = 16 // reserved, 24 bytes
	offPinRetry      = 40
	offPukRetry      = 41
	offPinRetryMax   = 42
	offPukRetryMax   = 43
	offFlags         = 44
	offType          = 45
	offGridSize      = 46
	offPinMinLength  = 47
	offPukMinLength  = 48

	lifecycleOffset uint16 = pinCount * pinRecordSize
	reservedOffset  uint16 = lifecycleOffset + 1
)

// pin.flags bits, from fs.c's struct pin comment block.
const (
	flagLocked            = 1 << 0 // pin is locked out, VERIFY always fails
	flagRelockOnUnblock    = 1 << 1 // RESET RETRY COUNTER re-locks the pin afterwards
	flagUnlockerMayUnblock = 1 << 2 // global unblocker may change this pin without the old value
	flagActivatesUnlocker  = 1 << 3 // successful VERIFY of this pin raises the unblocker state
	flagAdminMayUnblock    = 1 << 4 // admin may change this pin without the old value
	flagActivatesAdmin     = 1 << 5 // successful VERIFY of this pin raises the admin state
)

// Bits returned by comparePinPUK on success, packed alongside the leftover
// retry count in the low nibble (fs.c's PIN_LOCKED/PIN_UNLOCKER/PIN_ADMIN).
const (
	pinBitLocked   = 1 << 4
	pinBitUnlocker = 1 << 5
	pinBitAdmin    = 1 << 6
	pinRetryMask   = 0x0f
	pinBlocked     = 0x80
)

// Security-state bits layered on top of Card.verified: bits 0..13 track
// PINs 1..14, bit 14 the global-unblocker state, bit 15 the admin state.
const (
	secBitUnblock uint16 = 1 << 14
	secBitAdmin   uint16 = 1 << 15
)

// pinRecord is the decoded form of one 49-byte sec_store slot.
type pinRecord struct {
	pin, puk                     [8]byte
	pinRetry, pukRetry           uint8
	pinRetryMax, pukRetryMax     uint8
	flags                        uint8
	typ, gridSize                uint8
	pinMinLength, pukMinLength   uint8
}

func decodePinRecord(b []byte) pinRecord {
	var p pinRecord
	copy(p.pin[:], b[offPin:offPin+8])
	copy(p.puk[:], b[offPuk:offPuk+8])
	p.pinRetry = b[offPinRetry]
	p.pukRetry = b[offPukRetry]
	p.pinRetryMax = b[offPinRetryMax]
	p.pukRetryMax = b[offPukRetryMax]
	p.flags = b[offFlags]
	p.typ = b[offType]
	p.gridSize = b[offGridSize]
	p.pinMinLength = b[offPinMinLength]
	p.pukMinLength = b[offPukMinLength]
	return p
}

func (p pinRecord) encode(b []byte) {
	copy(b[offPin:offPin+8], p.pin[:])
	copy(b[offPuk:offPuk+8], p.puk[:])
	for i := offCRKey; i < offPinRetry; i++ {
		b[i] = 0
	}
	b[offPinRetry] = p.pinRetry
	b[offPukRetry] = p.pukRetry
	b[offPinRetryMax] = p.pinRetryMax
	b[offPukRetryMax] = p.pukRetryMax
	b[offFlags] = p.flags
	b[offType] = p.typ
	b[offGridSize] = p.gridSize
	b[offPinMinLength] = p.pinMinLength
	b[offPukMinLength] = p.pukMinLength
}

// pinPosition returns the sec_store byte offset of pin (1..14), or false if
// pin is out of range.
func pinPosition(pin uint8) (uint16, bool) {
	if pin < 1 || pin > pinCount {
		return 0, false
	}
	return uint16(pin-1) * pinRecordSize, true
}

func readPinRecord(sec Store, pin uint8) (pinRecord, uint16, SW) {
	pos, ok := pinPosition(pin)
	if !ok {
		return pinRecord{}, 0, SWIncorrectParams86
	}
	buf := make([]byte, pinRecordSize)
	if err := sec.ReadBlock(buf, pos, pinRecordSize); err != nil {
		return pinRecord{}, 0, SWMemoryFailure
	}
	return decodePinRecord(buf), pos, SWOK
}

func writePinRecord(sec Store, pos uint16, p pinRecord) SW {
	buf := make([]byte, pinRecordSize)
	p.encode(buf)
	if err := sec.WriteBlock(buf, pos); err != nil {
		return SWMemoryFailure
	}
	return SWOK
}

// comparePaddedSecret compares two 8-byte PIN/PUK buffers treating 0x00 and
// 0xFF as interchangeable padding bytes (fs.c's compare_pins_with_padding),
// in constant time.
func comparePaddedSecret(a, b [8]byte) bool {
	var norm [2][8]byte
	for i, raw := range [2][8]byte{a, b} {
		for j, c := range raw {
			if c == 0xff {
				c = 0
			}
			norm[i][j] = c
		}
	}
	return subtle.ConstantTimeCompare(norm[0][:], norm[1][:]) == 1
}

func padTo8(in []byte) [8]byte {
	var out [8]byte
	for i := range out {
		out[i] = 0xff
	}
	copy(out[:], in)
	return out
}

// comparePinPUK renews or decrements the retry counter for pin's PIN (or
// PUK, if puk is true) and reports the outcome: pinBlocked if no retries
// remain, pinRetryMask bits holding the count otherwise, with pinBitLocked/
// pinBitUnlocker/pinBitAdmin ORed in on a successful match. value == nil
// only queries the current state without consuming a retry attempt.
func comparePinPUK(sec Store, pin uint8, value []byte, puk bool) uint8 {
	rec, pos, sw := readPinRecord(sec, pin)
	if !sw.OK() {
		return 0x0f
	}

	var ret uint8
	if puk {
		if rec.pukRetry == 0 || rec.pukRetry == 0xff {
			return pinBlocked
		}
		if value == nil {
			return rec.pukRetry
		}
		if !comparePaddedSecret(padTo8(value), rec.puk) {
			rec.pukRetry--
			ret := rec.pukRetry
			writePinRecord(sec, pos, rec)
			if ret == 0 {
				return pinBlocked
			}
			return ret
		}
		rec.pukRetry = rec.pukRetryMax
	} else {
		lockedBit := uint8(0)
		if rec.flags&flagLocked != 0 {
			lockedBit = pinBitLocked
		}
		if rec.pinRetry == 0 || rec.pinRetry == 0xff {
			return pinBlocked
		}
		if value == nil {
			return rec.pinRetry | lockedBit
		}
		if !comparePaddedSecret(padTo8(value), rec.pin) {
			rec.pinRetry--
			ret := rec.pinRetry
			writePinRecord(sec, pos, rec)
			if ret == 0 {
				return pinBlocked
			}
			return ret
		}
		rec.pinRetry = rec.pinRetryMax
		ret = lockedBit
	}

	if rec.flags&flagActivatesAdmin != 0 {
		ret |= pinBitAdmin
	}
	if rec.flags&flagActivatesUnlocker != 0 {
		ret |= pinBitUnlocker
	}
	writePinRecord(sec, pos, rec)
	return ret
}

// checkPinACL evaluates one ACL nibble against the card's verified-PIN
// state (fs.c's check_security_pin_ac): during lifecycle 1 (initialization)
// every ACL passes; nibble 0 always passes; nibble 15 never passes;
// otherwise the nibble selects bit (nibble-1) of the verified bitmap.
func (c *Card) checkPinACL(nibble uint8) bool {
	if c.Lifecycle() != 7 {
		return true
	}
	if nibble == 0 {
		return true
	}
	if nibble == 0x0f {
		return false
	}
	mask := uint16(1) << (nibble - 1)
	return c.verifiedBitmap()&mask != 0
}

// Deauth clears verified state: pin==0 clears everything, 0xa0 clears the
// admin state, 0xb0 clears the unblocker state, 1..14 clears that PIN.
func (c *Card) Deauth(pin uint8) {
	switch {
	case pin == 0:
		c.verified = 0
	case pin == 0xa0:
		c.verified &^= secBitAdmin
	case pin == 0xb0:
		c.verified &^= secBitUnblock
	case pin >= 1 && pin <= 14:
		c.verified &^= 1 << (pin - 1)
	}
}

// VerifyPIN implements the VERIFY command (INS 0x20): data empty queries
// the remaining retry count, otherwise it consumes one retry attempt and,
// on success, raises the corresponding bit (and any admin/unblocker state
// the PIN activates) in the card's verified bitmap.
func (c *Card) VerifyPIN(pin uint8, data []byte) SW {
	if pin < 1 || pin > 14 {
		return SWIncorrectParams86
	}
	if len(data) == 0 {
		if c.verified&(1<<(pin-1)) != 0 {
			return SWOK
		}
		r := comparePinPUK(c.sec, pin, nil, false)
		if r&pinBitLocked != 0 {
			return SWConditionsNotSat
		}
		if r == pinBlocked {
			return SWAuthBlocked
		}
		return Retries(r & pinRetryMask)
	}
	if len(data) > 8 {
		return SWWrongLength
	}

	r := comparePinPUK(c.sec, pin, data, false)
	if r == pinBlocked {
		return SWAuthBlocked
	}
	if r&pinBitLocked != 0 {
		return SWConditionsNotSat
	}
	if r&pinRetryMask != 0 {
		return Retries(r & pinRetryMask)
	}

	c.verified |= 1 << (pin - 1)
	if r&pinBitAdmin != 0 {
		c.verified |= secBitAdmin
	}
	if r&pinBitUnlocker != 0 {
		c.verified |= secBitUnblock
	}
	return SWOK
}

// ChangeReferenceData implements CHANGE REFERENCE DATA (old+new value,
// INS 0x24) and, via isPUKReset, RESET RETRY COUNTER (new value only after
// PUK verification, INS 0x2C). An empty refData queries the remaining
// retries; an 8-byte refData sets a new value without the old one, but only
// when the admin or global-unblocker state (as granted by the PIN's flags)
// is already active.
func (c *Card) ChangeReferenceData(pin uint8, refData []byte, isPUKReset bool) SW {
	rec, pos, sw := readPinRecord(c.sec, pin)
	if !sw.OK() {
		return sw
	}

	var r uint8
	var newPIN []byte
	switch len(refData) {
	case 0:
		r = comparePinPUK(c.sec, pin, nil, isPUKReset)
	case 16:
		r = comparePinPUK(c.sec, pin, refData[:8], isPUKReset)
		newPIN = refData[8:16]
	case 8:
		if isPUKReset {
			r = rec.pukRetry
		} else {
			r = rec.pinRetry
		}
		if r == 0 {
			r = 0xff
		}
		verified := c.verifiedBitmap()
		if isPUKReset && verified&secBitUnblock != 0 && rec.flags&flagUnlockerMayUnblock != 0 {
			r = 0
		}
		if verified&secBitAdmin != 0 && rec.flags&flagAdminMayUnblock != 0 {
			r = 0
		}
		newPIN = refData
	default:
		return SWWrongLength
	}

	if r == 0xff || r == pinBlocked {
		return SWAuthBlocked
	}
	if r&pinRetryMask != 0 {
		return Retries(r & pinRetryMask)
	}
	if newPIN == nil {
		return SWOK
	}

	for i := uint8(0); i < rec.pinMinLength && int(i) < len(newPIN); i++ {
		if newPIN[i] == 0 || newPIN[i] == 0xff {
			return SWWrongLength
		}
	}

	copy(rec.pin[:], padTo8(newPIN)[:])
	rec.pinRetry = rec.pinRetryMax
	rec.flags &^= flagLocked
	if isPUKReset && rec.flags&flagRelockOnUnblock != 0 {
		rec.flags |= flagLocked
	}
	return writePinRecord(c.sec, pos, rec)
}

// InitializePin implements the MyEID-specific PERSONALIZE/PUT DATA PIN
// initialization used during lifecycle 1 (fs.c's fs_initialize_pin):
// message is [pin id][len][pin 8 bytes][puk 8 bytes][optional tuning bytes].
func (c *Card) InitializePin(message []byte) SW {
	if c.Lifecycle() != 1 {
		return SWSecurityNotSat
	}
	if len(message) < 2 || message[1] < 16 {
		return SWWrongLength
	}
	pos, ok := pinPosition(message[0])
	if !ok {
		return SWIncorrectParams86
	}
	if len(message) < int(2+message[1]) {
		return SWWrongLength
	}

	rec := pinRecord{
		pinRetryMax: 5, pinRetry: 5,
		pukRetryMax: 10, pukRetry: 10,
		pinMinLength: 4, pukMinLength: 4,
	}
	copy(rec.pin[:], message[2:10])
	copy(rec.puk[:], message[10:18])

	n := message[1]
	if n > 16 {
		retry := message[18]
		if retry > 15 {
			retry = 15
		}
		rec.pinRetryMax, rec.pinRetry = retry, retry
	}
	if n > 17 {
		retry := message[19]
		if retry > 15 {
			retry = 15
		}
		rec.pukRetryMax, rec.pukRetry = retry, retry
	}
	if n > 18 {
		rec.flags = message[20] &^ 0x40
	}
	if n > 19 && message[21] != 0 {
		return SWDataInvalid // only the plain-PIN type is implemented
	}
	if n > 20 {
		rec.gridSize = message[22]
	}
	if n > 21 {
		i := message[23]
		if i < 1 || i > 8 {
			i = 4
		}
		rec.pinMinLength = i
	}
	if n > 22 {
		i := message[24]
		if i < 1 || i > 8 {
			i = 4
		}
		rec.pukMinLength = i
	}
	return writePinRecord(c.sec, pos, rec)
}

// PinInfo returns the 9-byte retry/limits tail of a PIN record (pin_retry
// through puk_min_length), used by GET DATA style diagnostics.
func (c *Card) PinInfo(pin uint8) ([]byte, SW) {
	pos, ok := pinPosition(pin)
	if !ok {
		return nil, SWIncorrectParams86
	}
	buf := make([]byte, pinRecordSize-offPinRetry)
	if err := c.sec.ReadBlock(buf, pos+offPinRetry, uint16(len(buf))); err != nil {
		return nil, SWMemoryFailure
	}
	return buf, SWOK
}
