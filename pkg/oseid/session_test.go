package oseid

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/asn1"
	"math/big"
	"testing"
)

// trailerSW extracts the final 2-byte status word HandleAPDU always
// appends to its response.
func trailerSW(resp []byte) SW {
	if len(resp) < 2 {
		return 0
	}
	n := len(resp)
	return SW(resp[n-2])<<8 | SW(resp[n-1])
}

// responseData strips the trailing status word, returning whatever data
// bytes HandleAPDU returned alongside it.
func responseData(resp []byte) []byte {
	if len(resp) < 2 {
		return nil
	}
	return resp[:len(resp)-2]
}

// createRSAKeyEF creates (but does not generate) an RSA key EF of the given
// id/bit-length, and leaves it selected, the prerequisite state for spec.md
// §8 scenario 4's "after generating ... key in EF 4B01".
func createRSAKeyEF(t *testing.T, c *Card, id, bits uint16) {
	t.Helper()
	fcp := []byte{
		0x82, 1, ftKeyRSA,
		0x83, 2, byte(id >> 8), byte(id),
		0x80, 2, byte(bits >> 8), byte(bits),
	}
	if sw := c.CreateFile(fcp); !sw.OK() {
		t.Fatalf("CreateFile (RSA key EF): %s", sw)
	}
	if _, sw := c.SelectFile(0x02, 0x0c, []byte{byte(id >> 8), byte(id)}); !sw.OK() {
		t.Fatalf("SelectFile (RSA key EF): %s", sw)
	}
}

// createECKeyEF is createRSAKeyEF's EC counterpart, for scenario 5's
// "after generating a P-256 key in EF 4D02".
func createECKeyEF(t *testing.T, c *Card, id, bits uint16) {
	t.Helper()
	fcp := []byte{
		0x82, 1, ftKeyEC1,
		0x83, 2, byte(id >> 8), byte(id),
		0x80, 2, byte(bits >> 8), byte(bits),
	}
	if sw := c.CreateFile(fcp); !sw.OK() {
		t.Fatalf("CreateFile (EC key EF): %s", sw)
	}
	if _, sw := c.SelectFile(0x02, 0x0c, []byte{byte(id >> 8), byte(id)}); !sw.OK() {
		t.Fatalf("SelectFile (EC key EF): %s", sw)
	}
}

// drainGetResponse issues a GET RESPONSE for exactly ll bytes and fails the
// test unless it comes back 90 00.
func drainGetResponse(t *testing.T, c *Card, ll byte) []byte {
	t.Helper()
	resp := c.HandleAPDU(T0, []byte{0x00, 0xc0, 0x00, 0x00, ll})
	if sw := trailerSW(resp); sw != SWOK {
		t.Fatalf("GET RESPONSE: sw = %s", sw)
	}
	return responseData(resp)
}

// TestScenarioPinInitializeThenVerify exercises spec.md §8 scenario 1: PIN
// initialize (PUT DATA) in lifecycle 1, ACTIVATE APPLET, a correct VERIFY,
// then a wrong VERIFY, all through HandleAPDU.
func TestScenarioPinInitializeThenVerify(t *testing.T) {
	c := New()

	putData := []byte{
		0x00, 0xda, 0x01, 0x01, 0x10,
		0x31, 0x31, 0x31, 0x31, 0x31, 0x31, 0x31, 0x31, // pin "11111111"
		0x32, 0x32, 0x32, 0x32, 0x32, 0x32, 0x32, 0x32, // puk "22222222"
	}
	if sw := trailerSW(c.HandleAPDU(T0, putData)); sw != SWOK {
		t.Fatalf("PUT DATA (PIN init): sw = %s", sw)
	}

	activate := []byte{0x00, 0x44, 0x00, 0x00, 0x00}
	if sw := trailerSW(c.HandleAPDU(T0, activate)); sw != SWOK {
		t.Fatalf("ACTIVATE APPLET: sw = %s", sw)
	}

	verify := []byte{0x00, 0x20, 0x00, 0x01, 0x08, 0x31, 0x31, 0x31, 0x31, 0x31, 0x31, 0x31, 0x31}
	if sw := trailerSW(c.HandleAPDU(T0, verify)); sw != SWOK {
		t.Fatalf("VERIFY (correct pin): sw = %s", sw)
	}

	wrongVerify := []byte{0x00, 0x20, 0x00, 0x01, 0x08, 0x40, 0x40, 0x40, 0x40, 0x40, 0x40, 0x40, 0x40}
	if sw, want := trailerSW(c.HandleAPDU(T0, wrongVerify)), Retries(4); sw != want {
		t.Fatalf("VERIFY (wrong pin): sw = %s, want %s", sw, want)
	}
}

// TestScenarioCreateAndReadTransparentEF exercises spec.md §8 scenario 2.
// The literal CREATE FILE bytes in spec.md carry a spurious "62 0E" prefix
// that does not match the stated Lc=0x10: the flat 16-byte FCP TLV that
// follows it accounts for the declared length on its own, and the card's
// FCP decoder (parseFCP) is a flat tag-cursor with no outer template
// wrapper, so the prefix is dropped rather than transcribed literally.
func TestScenarioCreateAndReadTransparentEF(t *testing.T) {
	c := New()

	// SELECT with P2=0x00 requests the FCI back (spec.md §8 scenario 2 shows
	// the select-EF step returning one explicitly); under T=0 that comes
	// back as 61 LL and needs a GET RESPONSE drain before the next command,
	// the same handshake scenario 3 exercises directly.
	selectMF := []byte{0x00, 0xa4, 0x00, 0x00, 0x02, 0x3f, 0x00}
	resp := c.HandleAPDU(T0, selectMF)
	if sw := trailerSW(resp); sw&0xff00 == 0x6100 {
		drainGetResponse(t, c, byte(sw))
	} else if sw != SWOK {
		t.Fatalf("SELECT MF: sw = %s", sw)
	}

	create := []byte{
		0x00, 0xe0, 0x00, 0x00, 0x10,
		0x80, 0x02, 0x00, 0x10,
		0x82, 0x01, 0x01,
		0x83, 0x02, 0x50, 0x15,
		0x86, 0x03, 0x00, 0xff, 0xff,
	}
	if sw := trailerSW(c.HandleAPDU(T0, create)); sw != SWOK {
		t.Fatalf("CREATE FILE: sw = %s", sw)
	}

	selectEF := []byte{0x00, 0xa4, 0x02, 0x00, 0x02, 0x50, 0x15}
	resp = c.HandleAPDU(T0, selectEF)
	sw := trailerSW(resp)
	if sw&0xff00 != 0x6100 {
		t.Fatalf("SELECT EF: sw = %s, want FCI (61xx)", sw)
	}
	drainGetResponse(t, c, byte(sw))

	update := []byte{0x00, 0xd6, 0x00, 0x00, 0x04, 0xde, 0xad, 0xbe, 0xef}
	if sw := trailerSW(c.HandleAPDU(T0, update)); sw != SWOK {
		t.Fatalf("UPDATE BINARY: sw = %s", sw)
	}

	read := []byte{0x00, 0xb0, 0x00, 0x00, 0x04}
	resp = c.HandleAPDU(T0, read)
	if sw := trailerSW(resp); sw != SWOK {
		t.Fatalf("READ BINARY: sw = %s", sw)
	}
	want := []byte{0xde, 0xad, 0xbe, 0xef}
	got := responseData(resp)
	if len(got) != len(want) {
		t.Fatalf("read data = %x, want %x", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("read data = %x, want %x", got, want)
		}
	}
}

// TestScenarioGetResponseUnderT0 exercises spec.md §8 scenario 3: any
// command producing response data under T=0 with no Le present returns
// 61 LL, and a GET RESPONSE for that LL drains it followed by 90 00.
// GENERATE KEY PAIR with Lc=0 (a Case 1 command, no Le at all) stands in
// for the scenario's generic "any command".
func TestScenarioGetResponseUnderT0(t *testing.T) {
	c := New()
	createRSAKeyEF(t, c, 0x4b01, 512)

	resp := c.HandleAPDU(T0, []byte{0x00, 0x46, 0x00, 0x00})
	sw := trailerSW(resp)
	if sw&0xff00 != 0x6100 {
		t.Fatalf("GENERATE KEY PAIR: sw = %s, want 61xx", sw)
	}
	ll := byte(sw)

	data := drainGetResponse(t, c, ll)
	if len(data) != int(ll) {
		t.Fatalf("drained %d bytes, want %d", len(data), ll)
	}
}

// TestScenarioRSASignAfterKeyGen exercises spec.md §8 scenario 4. The
// literal MSE bytes declare Lc=0x06 but the CRDO stream that follows (tag
// 0x80 len 1 + tag 0x81 len 2 value) is 7 bytes; Lc is corrected to 0x07
// here, matching the MSE decoder's own tag/length cursor, or the key-file
// CRDO would be truncated mid-value. Reference algorithm 0x00 (tag 0x80
// value 0x00) is raw RSA (spec.md §4.4): the data field must already be a
// full modulus-length block, since PSOComputeSignature pads internally
// only for reference algorithms 0x02/0x12.
func TestScenarioRSASignAfterKeyGen(t *testing.T) {
	c := New()
	createRSAKeyEF(t, c, 0x4b01, 1024)

	resp := c.HandleAPDU(T0, []byte{0x00, 0x46, 0x00, 0x00})
	sw := trailerSW(resp)
	if sw&0xff00 != 0x6100 {
		t.Fatalf("GENERATE KEY PAIR: sw = %s, want 61xx", sw)
	}
	modulus := drainGetResponse(t, c, byte(sw))
	if len(modulus) != 128 {
		t.Fatalf("modulus length = %d, want 128", len(modulus))
	}

	if _, sw := c.SelectFile(0x00, 0x0c, nil); !sw.OK() {
		t.Fatalf("SelectFile (back to MF): %s", sw)
	}

	mse := []byte{0x00, 0x22, 0x41, 0xb6, 0x07, 0x80, 0x01, 0x00, 0x81, 0x02, 0x4b, 0x01}
	if sw := trailerSW(c.HandleAPDU(T0, mse)); sw != SWOK {
		t.Fatalf("MSE SET DST: sw = %s", sw)
	}

	msg := make([]byte, 128)
	for i := range msg {
		msg[i] = byte(i + 1)
	}
	msg[0] = 0x00 // keep the integer value strictly below the modulus

	sign := append([]byte{0x00, 0x2a, 0x9e, 0x9a, 0x80}, msg...)
	resp = c.HandleAPDU(T0, sign)
	if sw := trailerSW(resp); sw != SW(0x6180) {
		t.Fatalf("PSO COMPUTE SIGNATURE: sw = %s, want 61 80", sw)
	}

	sig := drainGetResponse(t, c, 0x80)
	if len(sig) != 128 {
		t.Fatalf("signature length = %d, want 128", len(sig))
	}

	n := new(big.Int).SetBytes(modulus)
	s := new(big.Int).SetBytes(sig)
	check := new(big.Int).Exp(s, rsaPublicExponent, n)
	want := new(big.Int).SetBytes(msg)
	if check.Cmp(want) != 0 {
		t.Fatalf("signature did not verify against the raw message")
	}
}

// TestScenarioECDSASignAfterKeyGen exercises spec.md §8 scenario 5: after
// generating a P-256 key, MSE SET DST with reference algorithm 0x04 then
// PSO COMPUTE SIGNATURE over a 32-byte hash returns a DER
// SEQUENCE(INTEGER r, INTEGER s) between 70 and 72 bytes, and the signature
// verifies against the key's own public point.
func TestScenarioECDSASignAfterKeyGen(t *testing.T) {
	c := New()
	createECKeyEF(t, c, 0x4d02, 256)

	resp := c.HandleAPDU(T0, []byte{0x00, 0x46, 0x00, 0x00})
	sw := trailerSW(resp)
	if sw&0xff00 != 0x6100 {
		t.Fatalf("GENERATE KEY PAIR: sw = %s, want 61xx", sw)
	}
	pub := drainGetResponse(t, c, byte(sw))
	if len(pub) != 65 || pub[0] != 0x04 {
		t.Fatalf("public point = %x, want 65-byte uncompressed point", pub)
	}
	pubX := new(big.Int).SetBytes(pub[1:33])
	pubY := new(big.Int).SetBytes(pub[33:65])

	if _, sw := c.SelectFile(0x00, 0x0c, nil); !sw.OK() {
		t.Fatalf("SelectFile (back to MF): %s", sw)
	}

	mse := []byte{
		0x00, 0x22, 0x41, 0xb6, 0x0a,
		0x80, 0x01, 0x04,
		0x81, 0x02, 0x4d, 0x02,
		0x84, 0x01, 0x00,
	}
	if sw := trailerSW(c.HandleAPDU(T0, mse)); sw != SWOK {
		t.Fatalf("MSE SET DST: sw = %s", sw)
	}

	digest := make([]byte, 32)
	for i := range digest {
		digest[i] = byte(i * 7)
	}
	sign := append([]byte{0x00, 0x2a, 0x9e, 0x9a, 0x20}, digest...)
	resp = c.HandleAPDU(T0, sign)
	sw = trailerSW(resp)
	if sw&0xff00 != 0x6100 {
		t.Fatalf("PSO COMPUTE SIGNATURE: sw = %s, want 61xx", sw)
	}
	der := drainGetResponse(t, c, byte(sw))
	if len(der) < 70 || len(der) > 72 {
		t.Fatalf("DER signature length = %d, want 70..72", len(der))
	}

	var sig ecdsaSignatureASN1
	if _, err := asn1.Unmarshal(der, &sig); err != nil {
		t.Fatalf("asn1.Unmarshal: %v", err)
	}
	if !ecdsa.Verify(&ecdsa.PublicKey{Curve: elliptic.P256(), X: pubX, Y: pubY}, digest, sig.R, sig.S) {
		t.Fatalf("signature failed to verify")
	}
}

// TestScenarioWrongLengthTrap exercises spec.md §8 scenario 6 against an
// 8-byte transparent EF: Ne=256 (the short-APDU "read to end" sentinel)
// clamps cleanly to the 8 bytes available and succeeds; reading starting
// exactly at the end of the file returns the end-of-file warning. spec.md's
// literal text labels the second case "6B00 (outside EF)", but
// original_source's fs_read_binary returns S0x6282 for exactly this
// non-256 overrun (the dlen==256 clamp is the only path that avoids it),
// so 0x6282 is what is asserted here, matching the already-established
// TestReadBinaryPastEOFWarns convention.
func TestScenarioWrongLengthTrap(t *testing.T) {
	c := New()
	fcp := []byte{0x82, 1, ftTransparent, 0x83, 2, 0x60, 0x01, 0x80, 2, 0x00, 0x08}
	if sw := c.CreateFile(fcp); !sw.OK() {
		t.Fatalf("CreateFile: %s", sw)
	}
	if _, sw := c.SelectFile(0x02, 0x0c, []byte{0x60, 0x01}); !sw.OK() {
		t.Fatalf("SelectFile: %s", sw)
	}

	readAll := []byte{0x00, 0xb0, 0x00, 0x00, 0x00}
	resp := c.HandleAPDU(T0, readAll)
	if sw := trailerSW(resp); sw != SWOK {
		t.Fatalf("READ BINARY (Ne=256 clamp): sw = %s", sw)
	}
	if data := responseData(resp); len(data) != 8 {
		t.Fatalf("read data length = %d, want 8", len(data))
	}

	readPastEnd := []byte{0x00, 0xb0, 0x00, 0x08, 0x01}
	if sw, want := trailerSW(c.HandleAPDU(T0, readPastEnd)), SWWarnEOFBeforeNe; sw != want {
		t.Fatalf("READ BINARY (offset==size): sw = %s, want %s", sw, want)
	}
}
