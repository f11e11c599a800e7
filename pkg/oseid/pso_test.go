package oseid

import (
	"math/big"
	"testing"
)

// createRSAKeyFile creates an RSA key EF under the MF, generates a key pair
// directly (bypassing the GENERATE KEY PAIR APDU) and writes its CRT
// parameters into the file, returning the modulus for signature
// verification.
func createRSAKeyFile(t *testing.T, c *Card, id uint16, bits int) *big.Int {
	t.Helper()
	fcp := []byte{
		0x82, 1, ftKeyRSA,
		0x83, 2, byte(id >> 8), byte(id),
		0x80, 2, 0x02, 0x00, // 512 bytes of TLV room
	}
	if sw := c.CreateFile(fcp); !sw.OK() {
		t.Fatalf("CreateFile (key EF): %s", sw)
	}
	if _, sw := c.SelectFile(0x02, 0x0c, []byte{byte(id >> 8), byte(id)}); !sw.OK() {
		t.Fatalf("SelectFile (key EF): %s", sw)
	}
	rec := c.fs.sel

	key, err := generateRSAKey(bits)
	if err != nil {
		t.Fatalf("generateRSAKey: %v", err)
	}
	if sw := c.writeKeyPart(rec, map[byte][]byte{
		keyTagRSAP:    key.p.Bytes(),
		keyTagRSAQ:    key.q.Bytes(),
		keyTagRSAdP:   key.dP.Bytes(),
		keyTagRSAdQ:   key.dQ.Bytes(),
		keyTagRSAqInv: key.qInv.Bytes(),
	}); !sw.OK() {
		t.Fatalf("writeKeyPart: %s", sw)
	}
	// MSE SET resolves the key file id against the currently selected DF,
	// so leave selection back on the MF rather than the key EF itself.
	if _, sw := c.SelectFile(0x00, 0x0c, nil); !sw.OK() {
		t.Fatalf("SelectFile (back to MF): %s", sw)
	}
	return key.modulus()
}

func TestPSOComputeSignatureRSA(t *testing.T) {
	c := New()
	modulus := createRSAKeyFile(t, c, 0x1001, 512)

	// MSE SET, DST, for signature: tag 0x80 ref algo (0x02 = RSA PKCS#1),
	// tag 0x81 key file id.
	crdo := []byte{0x80, 1, 0x02, 0x81, 2, 0x10, 0x01}
	if sw := c.setSecurityEnvironment(0x41, 0xb6, crdo); !sw.OK() {
		t.Fatalf("setSecurityEnvironment: %s", sw)
	}

	digest := make([]byte, 20)
	for i := range digest {
		digest[i] = byte(i + 1)
	}
	sig, sw := c.PSOComputeSignature(digest)
	if !sw.OK() {
		t.Fatalf("PSOComputeSignature: %s", sw)
	}

	// Verify s^e mod n reproduces the PKCS#1 v1.5 type-1 padded digest.
	s := new(big.Int).SetBytes(sig)
	check := new(big.Int).Exp(s, rsaPublicExponent, modulus)
	modLen := (modulus.BitLen() + 7) / 8
	want, err := pkcs1Pad(digest, 0x01, modLen)
	if err != nil {
		t.Fatalf("pkcs1Pad: %v", err)
	}
	got := fixedWidth(check, modLen)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("signature did not verify at byte %d: got %x want %x", i, got[i], want[i])
		}
	}
}

func TestPSODecipherRSARoundTrip(t *testing.T) {
	c := New()
	createRSAKeyFile(t, c, 0x1002, 512)

	crdo := []byte{0x80, 1, 0x0a, 0x81, 2, 0x10, 0x02}
	if sw := c.setSecurityEnvironment(0x41, 0xb8, crdo); !sw.OK() {
		t.Fatalf("setSecurityEnvironment: %s", sw)
	}

	rec, ok := c.fs.searchByUUID(c.env.keyFileUUID)
	if !ok {
		t.Fatalf("key file not found by uuid")
	}
	key, _, sw := c.loadRSAKeyFile()
	if !sw.OK() {
		t.Fatalf("loadRSAKeyFile: %s", sw)
	}
	_ = rec

	modulus := key.modulus()
	modLen := (modulus.BitLen() + 7) / 8
	plain := []byte("hello card")
	padded, err := pkcs1Pad(plain, 0x02, modLen)
	if err != nil {
		t.Fatalf("pkcs1Pad: %v", err)
	}
	m := new(big.Int).SetBytes(padded)
	cText := new(big.Int).Exp(m, rsaPublicExponent, modulus)
	cipherText := fixedWidth(cText, modLen)

	out, sw := c.PSODecipher(cipherText)
	if !sw.OK() {
		t.Fatalf("PSODecipher: %s", sw)
	}
	if string(out) != string(plain) {
		t.Fatalf("decrypted = %q, want %q", out, plain)
	}
}
