package oseid

// HandleAPDU is the card's single entry point: it parses raw into a
// logical command, drives the APDU-chaining state machine, dispatches to
// the matching handler, and renders the result back to wire bytes
// (including the GET RESPONSE data pump), exactly the role
// original_source/src/card_os/iso7816.c's card_poll/parse_apdu/
// return_status trio plays together.
func (c *Card) HandleAPDU(protocol Protocol, raw []byte) []byte {
	c.protocol = protocol
	c.timeExt.Extend()

	if len(raw) < 4 {
		return sw2(SWWrongLength)
	}
	cla, sw := normalizeCLA(raw[0])
	if !sw.OK() {
		return sw2(sw)
	}
	ins := raw[1]

	// GET RESPONSE (INS 0xC0) pumps out whatever is left in respBuf from a
	// previous command instead of re-dispatching.
	if ins == 0xc0 && cla&0xe0 == 0 {
		cmd, sw := parseCommand(protocol, raw, insAttr{p3IsNe: true, long: false, requireNe: true})
		if !sw.OK() {
			return sw2(sw)
		}
		return c.pumpResponse(cmd.Ne)
	}

	entry, ok := lookupIns(cla, ins)
	if !ok {
		return sw2(SWINSNotSupported)
	}

	cmd, sw := parseCommand(protocol, raw, entry.attr)
	if !sw.OK() {
		return sw2(sw)
	}

	if !c.advanceChain(cla, ins, &cmd) {
		return sw2(SWOK)
	}

	c.respBuf = nil
	sw = entry.attr.handler(c, &cmd)
	ne := cmd.Ne
	if protocol == T0 && len(cmd.Data) > 0 {
		// a T=0 command that sent data carries no Le on the wire, so any
		// response data can only come back through 61LL / GET RESPONSE.
		ne = 0
	}
	return c.finishResponse(ins, ne, sw)
}

// advanceChain folds APDU chaining (CLA bit 0x10) into the command's data
// field: each fragment but the last returns ok=false (nothing to dispatch
// yet); the final fragment returns the concatenation of every fragment
// collected so far. States move INACTIVE -> START -> ACTIVE and, on the
// final fragment, straight back to INACTIVE (chainLast is not used).
func (c *Card) advanceChain(cla, ins byte, cmd *Command) (dispatch bool) {
	chaining := cla&0x10 != 0

	if !chaining {
		if c.chain != chainInactive && ins == c.chainIns {
			cmd.Data = append(c.chainData, cmd.Data...)
		}
		c.chain = chainInactive
		c.chainData = nil
		return true
	}

	if c.chain == chainInactive {
		c.chain = chainStart
		c.chainIns = ins
	}
	if ins != c.chainIns {
		c.chain = chainInactive
		c.chainData = nil
		return true // mismatched chain, let the handler reject it
	}
	c.chain = chainActive
	c.chainData = append(c.chainData, cmd.Data...)
	return false
}

// finishResponse renders a handler's outcome: a response shorter than Ne
// fits directly in the final SW; anything larger (or an explicit
// SWMoreData61/SWWarnEOFBeforeNe from the handler) is buffered for GET
// RESPONSE, mirroring return_status's 0x61LL chunking.
func (c *Card) finishResponse(ins byte, ne int, sw SW) []byte {
	// handlers that produced data stash it via setResponse before
	// returning their SW; nothing to stash means sw alone is the answer.
	if len(c.respBuf) == 0 {
		return sw2(sw)
	}
	return c.pumpResponseAfter(ins, ne, sw)
}

// setResponse lets a handler hand data back alongside its SW; HandleAPDU's
// finishResponse decides how to chunk it.
func (c *Card) setResponse(data []byte) {
	c.respBuf = data
}

// pumpResponseAfter decides how much of respBuf to release immediately.
// Under T=0 a command that never carried an explicit Le (ne==0, e.g. a
// Case 3 command: data sent, nothing requested back) cannot return data
// inline — real T=0 has no channel for it outside the 61LL/GET RESPONSE
// handshake, so ne is left at 0 and chunk reports everything as pending.
// T=1's block framing has no such restriction, so ne==0 there means "send
// whatever was produced."
func (c *Card) pumpResponseAfter(ins byte, ne int, sw SW) []byte {
	if ne == 0 && c.protocol != T0 {
		ne = len(c.respBuf)
	}
	return c.chunk(ne, sw)
}

func (c *Card) pumpResponse(ne int) []byte {
	return c.chunk(ne, SWOK)
}

// chunk emits min(ne, len(respBuf)) bytes plus an appropriate trailer: 0x9000
// if the buffer is now empty, 0x61LL if more remains (LL truncated to a
// byte; 0x6100 under the extended case), or 0x6282 if ne requested more
// than the file actually held and nothing remains to re-fetch.
func (c *Card) chunk(ne int, sw SW) []byte {
	avail := len(c.respBuf)
	n := ne
	if n > avail {
		n = avail
	}
	out := append([]byte(nil), c.respBuf[:n]...)
	c.respBuf = c.respBuf[n:]

	switch {
	case len(c.respBuf) > 0:
		remaining := len(c.respBuf)
		if remaining > 255 {
			remaining = 0
		}
		return append(out, sw2(SW(0x6100|uint16(remaining)))...)
	case sw == SWWarnEOFBeforeNe:
		return append(out, sw2(sw)...)
	default:
		return append(out, sw2(SWOK)...)
	}
}

func sw2(sw SW) []byte {
	return []byte{byte(sw >> 8), byte(sw)}
}

// insEntry pairs a handler with its APDU-shape attributes, the Go
// equivalent of iso7816.c's cla00[]/cla80[] dispatch tables.
type insEntry struct {
	attr    insAttr
	handler func(c *Card, cmd *Command) SW
}

// normalizeCLA implements spec.md §6's CLA acceptance rule: only 0x00, 0x10
// (chaining), 0x80 (proprietary) and 0xA0 (legacy, remapped to 0x00 —
// historically readers sent DELETE FILE under this class) are accepted.
// Anything else is SWCLANotSupported, the universal "unknown CLA" invariant.
func normalizeCLA(cla byte) (byte, SW) {
	switch cla {
	case 0x00, 0x10, 0x80:
		return cla, SWOK
	case 0xa0:
		return 0x00, SWOK
	default:
		return 0, SWCLANotSupported
	}
}

func lookupIns(cla, ins byte) (insEntry, bool) {
	e, ok := insTable00[ins]
	return e, ok
}

var insTable00 map[byte]insEntry

func init() {
	insTable00 = map[byte]insEntry{
		0x20: {insAttr{requireNc: false}, hVerify},
		0x24: {insAttr{requireNc: true}, hChangeReferenceData},
		0x2c: {insAttr{requireNc: false}, hResetRetryCounter},
		0x2e: {insAttr{}, hDeauthenticate},
		0x44: {insAttr{}, hActivateApplet},
		0xa4: {insAttr{p3IsNe: false, lePresent: true}, hSelectFile},
		0xb0: {insAttr{p3IsNe: true, long: true}, hReadBinary},
		0xca: {insAttr{p3IsNe: true, long: true}, hGetData},
		0xd6: {insAttr{requireNc: true}, hUpdateBinary},
		0xda: {insAttr{requireNc: true, long: true}, hPutData},
		0x0e: {insAttr{lcEmpty: false}, hEraseBinary},
		0xe0: {insAttr{requireNc: true}, hCreateFile},
		0xe4: {insAttr{}, hDeleteFile},
		0x22: {insAttr{}, hManageSecurityEnvironment},
		0x2a: {insAttr{long: true}, hPerformSecurityOperation},
		0x86: {insAttr{requireNc: true}, hGeneralAuthenticate},
		0x46: {insAttr{long: true}, hGenerateKeyPair},
		0x84: {insAttr{p3IsNe: true}, hGetChallenge},
	}
}

func hVerify(c *Card, cmd *Command) SW {
	return c.VerifyPIN(cmd.P2, cmd.Data)
}

func hChangeReferenceData(c *Card, cmd *Command) SW {
	return c.ChangeReferenceData(cmd.P2, cmd.Data, false)
}

func hResetRetryCounter(c *Card, cmd *Command) SW {
	return c.ChangeReferenceData(cmd.P2, cmd.Data, true)
}

func hSelectFile(c *Card, cmd *Command) SW {
	data, sw := c.SelectFile(cmd.P1, cmd.P2, cmd.Data)
	if sw == SWMoreData61 {
		c.setResponse(data)
		return SWMoreData61
	}
	return sw
}

func hReadBinary(c *Card, cmd *Command) SW {
	offset := uint16(cmd.P1)<<8 | uint16(cmd.P2)
	data, sw := c.ReadBinary(offset, cmd.Ne)
	if sw == SWOK || sw == SWWarnEOFBeforeNe {
		c.setResponse(data)
	}
	return sw
}

func hUpdateBinary(c *Card, cmd *Command) SW {
	offset := uint16(cmd.P1)<<8 | uint16(cmd.P2)
	return c.UpdateBinary(offset, cmd.Data)
}

func hEraseBinary(c *Card, cmd *Command) SW {
	offset := uint16(cmd.P1)<<8 | uint16(cmd.P2)
	return c.EraseBinary(offset)
}

func hCreateFile(c *Card, cmd *Command) SW {
	return c.CreateFile(cmd.Data)
}

func hDeleteFile(c *Card, cmd *Command) SW {
	return c.DeleteFile()
}

func hManageSecurityEnvironment(c *Card, cmd *Command) SW {
	return c.setSecurityEnvironment(cmd.P1, cmd.P2, cmd.Data)
}

func hPerformSecurityOperation(c *Card, cmd *Command) SW {
	switch {
	case cmd.P1 == 0x9e && cmd.P2 == 0x9a:
		data, sw := c.PSOComputeSignature(cmd.Data)
		if sw.OK() {
			c.setResponse(data)
		}
		return sw
	case cmd.P1 == 0x80 && cmd.P2 == 0x86, cmd.P1 == 0x80 && cmd.P2 == 0x84, cmd.P1 == 0x00 && cmd.P2 == 0x80:
		data, sw := c.PSODecipher(cmd.Data)
		if sw.OK() {
			c.setResponse(data)
		}
		return sw
	case cmd.P1 == 0x86 && cmd.P2 == 0x80, cmd.P1 == 0x81 && cmd.P2 == 0x80:
		data, sw := c.PSOEncipher(cmd.Data)
		if sw.OK() {
			c.setResponse(data)
		}
		return sw
	default:
		return SWIncorrectParams86
	}
}

func hGeneralAuthenticate(c *Card, cmd *Command) SW {
	data, sw := c.GeneralAuthenticate(cmd.Data)
	if sw.OK() {
		c.setResponse(data)
	}
	return sw
}

// hGenerateKeyPair implements GENERATE KEY PAIR (INS 0x46): the bit length
// or curve is never carried on the wire — it is the selected key EF's own
// stored size/type, matching
// original_source/src/card_os/myeid_emu.c's myeid_generate_key, which reads
// fs_get_file_size()/fs_get_file_type() rather than anything out of the
// command data. The only data the wire format allows (Lc=7) is an exponent
// CRDO for RSA, present purely to let the caller assert e==65537; any other
// exponent is rejected rather than honoured.
func hGenerateKeyPair(c *Card, cmd *Command) SW {
	if cmd.P1 != 0 || cmd.P2 != 0 {
		return SWIncorrectParams86
	}
	rec := c.fs.sel
	if rec.id == fsEndID {
		return SWFileNotFound
	}
	if sw := c.requireACL(rec, aclGenerate); !sw.OK() {
		return sw
	}
	if len(cmd.Data) != 0 && len(cmd.Data) != 7 {
		return SWDataInvalid
	}

	switch rec.typ {
	case ftKeyRSA:
		if len(cmd.Data) == 7 {
			if sw := checkRSAExponentCRDO(cmd.Data); !sw.OK() {
				return sw
			}
		}
		key, err := generateRSAKey(int(rec.size))
		if err != nil {
			return SWMemoryFailure
		}
		if sw := c.writeKeyPart(rec, map[byte][]byte{
			keyTagRSAP:    key.p.Bytes(),
			keyTagRSAQ:    key.q.Bytes(),
			keyTagRSAdP:   key.dP.Bytes(),
			keyTagRSAdQ:   key.dQ.Bytes(),
			keyTagRSAqInv: key.qInv.Bytes(),
		}); !sw.OK() {
			return sw
		}
		c.setResponse(fixedWidth(key.modulus(), (int(rec.size)+7)/8))
		return SWOK
	case ftKeyEC1, ftKeyEC2:
		if len(cmd.Data) != 0 {
			return SWConditionsNotSat
		}
		curveName, ok := ecCurveForFile(rec.typ, rec.size)
		if !ok {
			return SWConditionsNotSat
		}
		key, err := generateECKey(curveName)
		if err != nil {
			return SWConditionsNotSat
		}
		if sw := c.writeKeyPart(rec, map[byte][]byte{
			keyTagOID:       []byte(curveName),
			keyTagECPrivate: key.d.Bytes(),
		}); !sw.OK() {
			return sw
		}
		x, y, err := ecPublicPoint(key)
		if err != nil {
			return SWConditionsNotSat
		}
		size := ecScalarSize(key)
		pub := append([]byte{0x04}, fixedWidth(x, size)...)
		pub = append(pub, fixedWidth(y, size)...)
		c.setResponse(pub)
		return SWOK
	default:
		return SWCommandNotAllowed
	}
}

// checkRSAExponentCRDO validates the optional 7-byte exponent Control
// Reference Data Object, `30 05 02|81 03 01 00 01` — INTEGER 65537 — byte
// for byte against myeid_generate_rsa_key's message[5..11] check. Any other
// exponent is rejected rather than used, per spec.md §9's "e=65537 forced"
// design note.
func checkRSAExponentCRDO(data []byte) SW {
	if len(data) != 7 ||
		data[0] != 0x30 || data[1] != 5 ||
		(data[2] != 0x02 && data[2] != 0x81) ||
		data[3] != 3 || data[4] != 1 || data[5] != 0 || data[6] != 1 {
		return SWDataInvalid
	}
	return SWOK
}

// ecCurveForFile derives the curve name GENERATE KEY should use for an EC
// key file from its type/size, the Go equivalent of myeid_generate_key's
// file-size-as-bit-length switch: file size IS the curve's prime bit
// length, not a byte count.
func ecCurveForFile(typ byte, bits uint16) (string, bool) {
	if typ == ftKeyEC2 {
		if bits == 256 {
			return "secp256k1", true
		}
		return "", false
	}
	switch bits {
	case 192:
		return "P-192", true
	case 256:
		return "P-256", true
	case 384:
		return "P-384", true
	case 521:
		return "P-521", true
	default:
		return "", false
	}
}

func hGetChallenge(c *Card, cmd *Command) SW {
	buf := make([]byte, cmd.Ne)
	if err := randomFill(buf); err != nil {
		return SWMemoryFailure
	}
	c.setResponse(buf)
	return SWOK
}

// hPutData implements PUT DATA (INS 0xDA). The only data object this card
// defines is P1=0x01 (PIN/PUK initialization, P2 selects the PIN id):
// data is the literal 8-byte PIN followed by the 8-byte PUK,
// original_source/src/card_os/fs.c's fs_initialize_pin wire layout with no
// tuning tail, reassembled here into InitializePin's [id][len][pin][puk]
// message shape.
func hPutData(c *Card, cmd *Command) SW {
	switch cmd.P1 {
	case 0x01:
		if len(cmd.Data) != 16 {
			return SWWrongLength
		}
		message := append([]byte{cmd.P2, byte(len(cmd.Data))}, cmd.Data...)
		return c.InitializePin(message)
	default:
		return SWIncorrectParams86
	}
}

// hGetData implements GET DATA (INS 0xCA), the read-side counterpart of
// hPutData: P1=0x01, P2=pin id returns PinInfo's retry/limits tail.
func hGetData(c *Card, cmd *Command) SW {
	switch cmd.P1 {
	case 0x01:
		data, sw := c.PinInfo(cmd.P2)
		if !sw.OK() {
			return sw
		}
		c.setResponse(data)
		return SWOK
	default:
		return SWIncorrectParams86
	}
}

// hActivateApplet implements ACTIVATE APPLET (INS 0x44): raises the card
// from lifecycle 1 (personalization, ACLs bypassed) to lifecycle 7
// (operational).
func hActivateApplet(c *Card, cmd *Command) SW {
	if err := c.setLifecycle(7); err != nil {
		return SWMemoryFailure
	}
	return SWOK
}

// hDeauthenticate implements DEAUTHENTICATE (INS 0x2E): P2 selects what to
// clear, per Card.Deauth's proprietary pin/admin/unblocker encoding.
func hDeauthenticate(c *Card, cmd *Command) SW {
	c.Deauth(cmd.P2)
	return SWOK
}
