package oseid

import "fmt"

// Protocol identifies which ISO 7816-3 transport framed a command. The
// engine only needs this to resolve the handful of ambiguities spec.md
// §4.1 calls out (how P3 is interpreted, whether extended length fields
// are legal); everything else about T=0/T=1 byte shaping — the procedure
// byte handshake, block checksums — is the transport adapter's job
// (spec.md §9: "a thin transport adapter... the engine itself deals only
// in logical APDUs").
type Protocol uint8

const (
	T0 Protocol = iota
	T1
)

// insAttr mirrors the per-(CLA,INS) attribute bits in spec.md §4.1's INS
// attribute table (ATTR_T0_P3NE, ATTR_T0_Le_present, APDU_LONG, ... in
// original_source/src/card_os/iso7816.c).
type insAttr struct {
	p3IsNe    bool // under T0, P3 means Ne (command takes no input data)
	lePresent bool // under T0, the command returns data but Le is implicit (=256)
	long      bool // Ne may exceed 256 / Nc may exceed 255 (extended APDU allowed)
	requireNc bool
	requireNe bool
	lcEmpty   bool // Nc must be 0
	leEmpty   bool // Ne must be 0
	handler   func(c *Card, cmd *Command) SW
}

// Command is a fully parsed ISO 7816-4 APDU: derived Nc/Ne, the CLA/INS/P1/P2
// header, and the data field. This is spec.md §3's "APDU (parsed)" data
// model.
type Command struct {
	CLA, INS, P1, P2 byte
	Data             []byte // Nc bytes
	Ne               int    // requested response length, 0..65535
}

// parseCommand derives Nc/Ne from the assembled wire bytes and validates
// the result against attr, exactly reproducing the case table in spec.md
// §4.1 (1 / 2S / 3S / 4S / 2E / 3E / 4E) and
// original_source/src/card_os/iso7816.c's parse_apdu.
//
// raw is the fully assembled logical APDU: CLA INS P1 P2 [P3 [data]] [Le],
// with any T=0 procedure-byte exchange already completed by the caller's
// transport adapter (see Protocol's doc comment).
func parseCommand(protocol Protocol, raw []byte, attr insAttr) (Command, SW) {
	if len(raw) < 4 {
		return Command{}, SWWrongLength
	}
	cmd := Command{CLA: raw[0], INS: raw[1], P1: raw[2], P2: raw[3]}

	var nc, ne int
	switch {
	case len(raw) == 4:
		// CASE 1: no data, no Le.
	case len(raw) == 5:
		p3 := int(raw[4])
		if protocol == T0 && attr.p3IsNe {
			ne = p3
			if ne == 0 {
				ne = 256
			}
		} else if p3 == 0 {
			// CASE 2S with Le=0 => 256, for either protocol.
			ne = 256
		} else if protocol == T0 {
			// Transport adapter should have appended Lc data bytes already;
			// a bare 5-byte buffer with P3>0 and !p3IsNe means it didn't.
			return Command{}, SWWrongLength
		} else {
			// T1 CASE 2S, Le=P3.
			ne = p3
		}
	default:
		p3 := int(raw[4])
		if p3 != 0 {
			lc := p3
			switch {
			case protocol == T0 && !attr.p3IsNe && len(raw) == 5+lc:
				nc = lc
				if attr.lePresent {
					ne = 256
				}
			case protocol == T1 && len(raw) == 5+lc:
				nc = lc // CASE 3S
			case protocol == T1 && len(raw) == 6+lc:
				nc = lc // CASE 4S
				ne = int(raw[len(raw)-1])
				if ne == 0 {
					ne = 256
				}
			default:
				return Command{}, SWWrongLength
			}
			if nc > 0 {
				cmd.Data = raw[5 : 5+nc]
			}
		} else {
			// P3 == 0: extended length, legal only under T1.
			if protocol != T1 || len(raw) < 7 {
				return Command{}, SWWrongLength
			}
			lcExt := int(raw[5])<<8 | int(raw[6])
			switch {
			case lcExt == 0 && len(raw) == 7:
				ne = 65535 // CASE 2E
			case lcExt == 0:
				return Command{}, SWWrongLength
			case len(raw) == 7+lcExt:
				nc = lcExt // CASE 3E
				cmd.Data = raw[7 : 7+nc]
			case len(raw) == 9+lcExt:
				nc = lcExt // CASE 4E
				cmd.Data = raw[7 : 7+nc]
				ne = int(raw[len(raw)-2])<<8 | int(raw[len(raw)-1])
				if ne == 0 {
					ne = 65535
				}
			default:
				return Command{}, SWWrongLength
			}
		}
	}

	if !attr.long && ne > 256 {
		ne = 256
	}
	if ne > 65535 {
		ne = 65535
	}
	cmd.Ne = ne

	if attr.lcEmpty && nc != 0 {
		return Command{}, SWWrongLength
	}
	if attr.leEmpty && ne != 0 {
		return Command{}, SWWrongLength
	}
	if attr.requireNc && nc == 0 {
		return Command{}, SWWrongLength
	}
	if attr.requireNe && ne == 0 {
		return Command{}, SWWrongLength
	}
	return cmd, SWOK
}

func (c Command) String() string {
	return fmt.Sprintf("%02X %02X %02X %02X Nc=%d Ne=%d", c.CLA, c.INS, c.P1, c.P2, len(c.Data), c.Ne)
}
