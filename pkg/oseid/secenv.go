package oseid

// Security environment templates, selected by MANAGE SECURITY ENVIRONMENT's
// P2, per original_source/src/card_os/myeid_emu.c's security_env_set_reset.
const (
	templCT  = 0 // Confidentiality Template: ENCIPHER/DECIPHER/WRAP/UNWRAP
	templAT  = 2 // Authentication Template: ECDH
	templDST = 3 // Digital Signature Template: sign
)

// secEnv bits track which Control Reference Data Objects (CRDOs) have been
// set and whether the environment currently validates for a given
// operation. referenceAlgo/keyFileUUID/targetFileUUID/iv are the CRDO
// payloads (tags 0x80/0x81/0x83-0x84/0x87).
type secEnv struct {
	valid bool

	template      uint8 // templCT/templAT/templDST
	forEncipher   bool  // MSE P1==0x81 (encipher/wrap) vs 0x41 (decipher/sign/unwrap/ECDH)
	haveFileRef   bool
	haveRefAlgo   bool
	haveTargetRef bool
	haveIV        bool

	referenceAlgo  uint8
	keyFileUUID    uint16
	targetFileUUID uint16
	iv             []byte
}

// setSecurityEnvironment implements MANAGE SECURITY ENVIRONMENT (INS 0x22):
// P1 selects the operation direction, P2 the template, and the data field a
// concatenation of CRDOs. Every call, P1==0xF3 restore included, clears the
// previous environment first, matching security_env_set_reset's
// unconditional sec_env_valid = 0; since this implementation keeps no
// saved environments, a restore (P1==0xF3, empty data) leaves it cleared.
func (c *Card) setSecurityEnvironment(p1, p2 byte, data []byte) SW {
	c.env = secEnv{}

	if p1 == 0xf3 {
		if len(data) != 0 || p2 != 0 {
			return SWWrongDataLength87
		}
		return SWOK
	}

	env := secEnv{}
	switch p1 {
	case 0x81:
		if p2 != 0xb8 {
			return SWConditionsNotSat
		}
		env.forEncipher = true
		env.template = templCT
	case 0x41:
		switch p2 {
		case 0xb8:
			env.template = templCT
		case 0xb6:
			env.template = templDST
		case 0xa4:
			env.template = templAT
		default:
			return SWConditionsNotSat
		}
	default:
		return SWFuncNotSupported81
	}

	for len(data) > 0 {
		tag := data[0]
		data = data[1:]
		if tag == 0 || tag == 0xff {
			continue
		}
		if len(data) == 0 {
			return SWDataInvalid
		}
		taglen := int(data[0])
		data = data[1:]
		if taglen > 16 || len(data) < taglen {
			return SWDataInvalid
		}
		val := data[:taglen]

		switch tag {
		case 0x80:
			if taglen != 1 {
				return SWFuncNotSupported81
			}
			switch val[0] {
			case 0x00, 0x02, 0x12, 0x04, 0x0a, 0x80, 0x8a:
			default:
				return SWFuncNotSupported81
			}
			env.referenceAlgo = val[0]
			env.haveRefAlgo = true
		case 0x81:
			if taglen != 2 {
				return SWFuncNotSupported81
			}
			id := uint16(val[0])<<8 | uint16(val[1])
			rec, ok := c.keyFileByID(id)
			if !ok {
				return SWDataNotFound
			}
			env.keyFileUUID = rec.uuid
			env.haveFileRef = true
		case 0x83, 0x84:
			switch taglen {
			case 2:
				id := uint16(val[0])<<8 | uint16(val[1])
				rec, ok := c.keyFileByID(id)
				if !ok {
					return SWDataNotFound
				}
				env.targetFileUUID = rec.uuid
				env.haveTargetRef = true
			case 1:
				if val[0] != 0 {
					return SWFuncNotSupported81
				}
			default:
				return SWFuncNotSupported81
			}
		case 0x87:
			env.iv = append([]byte(nil), val...)
			env.haveIV = true
		default:
			return SWIncorrectParams80
		}
		data = data[taglen:]
	}

	if !env.haveFileRef || !env.haveRefAlgo {
		return SWFuncNotSupported81
	}
	env.valid = true
	c.env = env
	return SWOK
}

// keyFileByID resolves a 2-byte file id to its filesystem record, scoped to
// the currently selected DF (get_key_file_uuid's equivalent).
func (c *Card) keyFileByID(id uint16) (fsRecord, bool) {
	return c.fs.searchChildByID(id)
}
