package oseid

import (
	"encoding/asn1"
	"math/big"
)

// loadRSAKeyFile resolves the security environment's key file reference to
// an rsaKey, reading the CRT parameters back out of its TLV payload.
func (c *Card) loadRSAKeyFile() (*rsaKey, fsRecord, SW) {
	rec, ok := c.fs.searchByUUID(c.env.keyFileUUID)
	if !ok || rec.typ != ftKeyRSA {
		return nil, fsRecord{}, SWDataNotFound
	}
	if sw := c.requireACL(rec, aclRead); !sw.OK() {
		return nil, fsRecord{}, sw
	}
	p, sw := c.keyPart(rec, keyTagRSAP)
	if !sw.OK() {
		return nil, fsRecord{}, sw
	}
	q, sw := c.keyPart(rec, keyTagRSAQ)
	if !sw.OK() {
		return nil, fsRecord{}, sw
	}
	dP, sw := c.keyPart(rec, keyTagRSAdP)
	if !sw.OK() {
		return nil, fsRecord{}, sw
	}
	dQ, sw := c.keyPart(rec, keyTagRSAdQ)
	if !sw.OK() {
		return nil, fsRecord{}, sw
	}
	qInv, sw := c.keyPart(rec, keyTagRSAqInv)
	if !sw.OK() {
		return nil, fsRecord{}, sw
	}
	k := &rsaKey{
		p: new(big.Int).SetBytes(p), q: new(big.Int).SetBytes(q),
		dP: new(big.Int).SetBytes(dP), dQ: new(big.Int).SetBytes(dQ),
		qInv: new(big.Int).SetBytes(qInv), e: rsaPublicExponent,
	}
	return k, rec, SWOK
}

func (c *Card) loadECKeyFile() (*ecPrivateKey, fsRecord, SW) {
	rec, ok := c.fs.searchByUUID(c.env.keyFileUUID)
	if !ok || (rec.typ != ftKeyEC1 && rec.typ != ftKeyEC2) {
		return nil, fsRecord{}, SWDataNotFound
	}
	if sw := c.requireACL(rec, aclRead); !sw.OK() {
		return nil, fsRecord{}, sw
	}
	priv, sw := c.keyPart(rec, keyTagECPrivate)
	if !sw.OK() {
		return nil, fsRecord{}, sw
	}
	curveName, sw := c.keyPart(rec, keyTagOID)
	if !sw.OK() {
		return nil, fsRecord{}, sw
	}
	return &ecPrivateKey{curveName: string(curveName), d: new(big.Int).SetBytes(priv)}, rec, SWOK
}

func (c *Card) loadSymmetricKeyFile() ([]byte, fsRecord, SW) {
	rec, ok := c.fs.searchByUUID(c.env.keyFileUUID)
	if !ok || (rec.typ != ftKeyDES && rec.typ != ftKeyAES) {
		return nil, fsRecord{}, SWDataNotFound
	}
	if sw := c.requireACL(rec, aclRead); !sw.OK() {
		return nil, fsRecord{}, sw
	}
	key, sw := c.keyPart(rec, keyTagSymmetric)
	return key, rec, sw
}

// ecdsaSignatureASN1 mirrors the {R, S *big.Int} shape ecdsa.Sign's own DER
// output uses, so asn1.Marshal produces the SEQUENCE{INTEGER, INTEGER} form
// spec.md requires for EC signatures instead of a fixed-width concatenation.
type ecdsaSignatureASN1 struct {
	R, S *big.Int
}

// sha1DigestInfoPrefix is the ASN.1 DigestInfo prefix crypto/rsa's own
// pkcs1v15 hash-prefix table uses for crypto.SHA1, prepended ahead of the
// raw digest before PKCS#1 v1.5 type-1 padding under reference algo 0x12.
var sha1DigestInfoPrefix = []byte{
	0x30, 0x21, 0x30, 0x09, 0x06, 0x05, 0x2b, 0x0e, 0x03, 0x02, 0x1a,
	0x05, 0x00, 0x04, 0x14,
}

// PSOComputeSignature implements PERFORM SECURITY OPERATION: COMPUTE
// DIGITAL SIGNATURE (INS 0x2A, P1P2=9E9A). RSA's padding depends on the
// security environment's reference algorithm (spec.md §4.4): 0x00 is raw
// RSA over a caller-padded block the length of the modulus, 0x12 prepends
// a SHA-1 DigestInfo OID before PKCS#1 v1.5 type-1 padding, 0x02 applies
// that padding directly to a caller-supplied DigestInfo. EC uses reference
// algo 0x04 only and returns a DER SEQUENCE{INTEGER r, INTEGER s}.
func (c *Card) PSOComputeSignature(data []byte) ([]byte, SW) {
	if !c.env.valid || c.env.template != templDST {
		return nil, SWConditionsNotSat
	}
	if c.env.referenceAlgo == 0x04 {
		key, _, sw := c.loadECKeyFile()
		if !sw.OK() {
			return nil, sw
		}
		sig, err := ecdsaSign(key, data)
		if err != nil {
			return nil, SWDataInvalid
		}
		der, err := asn1.Marshal(ecdsaSignatureASN1{R: sig.r, S: sig.s})
		if err != nil {
			return nil, SWMemoryFailure
		}
		return der, SWOK
	}

	key, _, sw := c.loadRSAKeyFile()
	if !sw.OK() {
		return nil, sw
	}
	n := key.modulus()
	modLen := (n.BitLen() + 7) / 8

	var toPad []byte
	switch c.env.referenceAlgo {
	case 0x00:
		if len(data) != modLen {
			return nil, SWDataInvalid
		}
		m, err := rsaCRTBlinded(key, new(big.Int).SetBytes(data))
		if err != nil {
			return nil, SWMemoryFailure
		}
		return fixedWidth(m, modLen), SWOK
	case 0x12:
		toPad = append(append([]byte(nil), sha1DigestInfoPrefix...), data...)
	case 0x02:
		toPad = data
	default:
		return nil, SWFuncNotSupported81
	}

	padded, err := pkcs1Pad(toPad, 0x01, modLen)
	if err != nil {
		return nil, SWDataInvalid
	}
	m, err := rsaCRTBlinded(key, new(big.Int).SetBytes(padded))
	if err != nil {
		return nil, SWMemoryFailure
	}
	return fixedWidth(m, modLen), SWOK
}

// PSODecipher implements PSO:DECIPHER (P1P2=8086/8084/0080), RSA or symmetric
// depending on the key file's type. When the security environment's
// reference algorithm is 0x0A and an MSE target file (tag 0x83/0x84) is
// bound, a symmetric decipher is treated as UNWRAP: the recovered key
// bytes are written into the target key file instead of being returned.
func (c *Card) PSODecipher(data []byte) ([]byte, SW) {
	if !c.env.valid || c.env.template != templCT || c.env.forEncipher {
		return nil, SWConditionsNotSat
	}
	rec, ok := c.fs.searchByUUID(c.env.keyFileUUID)
	if !ok {
		return nil, SWDataNotFound
	}
	if rec.typ == ftKeyRSA {
		key, _, sw := c.loadRSAKeyFile()
		if !sw.OK() {
			return nil, sw
		}
		n := key.modulus()
		m, err := rsaCRTBlinded(key, new(big.Int).SetBytes(data))
		if err != nil {
			return nil, SWMemoryFailure
		}
		modLen := (n.BitLen() + 7) / 8
		out, err := pkcs1Unpad(fixedWidth(m, modLen), 0x02)
		if err != nil {
			return nil, SWDataInvalid
		}
		return out, SWOK
	}

	out, sw := c.symmetricTransform(data, false)
	if !sw.OK() {
		return nil, sw
	}
	if c.env.referenceAlgo == 0x0a && c.env.haveTargetRef {
		if sw := c.unwrapIntoTarget(out); !sw.OK() {
			return nil, sw
		}
		return nil, SWOK
	}
	return out, SWOK
}

// unwrapIntoTarget writes a deciphered key (the UNWRAP result) into the
// target symmetric key file bound by MSE tag 0x83/0x84.
func (c *Card) unwrapIntoTarget(key []byte) SW {
	rec, ok := c.fs.searchByUUID(c.env.targetFileUUID)
	if !ok || (rec.typ != ftKeyDES && rec.typ != ftKeyAES) {
		return SWDataNotFound
	}
	if sw := c.requireACL(rec, aclUpdate); !sw.OK() {
		return sw
	}
	return c.writeKeyPart(rec, map[byte][]byte{keyTagSymmetric: key})
}

// PSOEncipher implements PSO:ENCIPHER (P1P2=8680/8180). An empty data field
// with an MSE target file bound (tag 0x83/0x84) is WRAP: the target key
// file's own material is loaded and enciphered under the environment's
// bound key instead of transforming the (absent) literal data.
func (c *Card) PSOEncipher(data []byte) ([]byte, SW) {
	if !c.env.valid || c.env.template != templCT || !c.env.forEncipher {
		return nil, SWConditionsNotSat
	}
	if len(data) == 0 && c.env.haveTargetRef {
		return c.wrapTargetKey()
	}
	return c.symmetricTransform(data, true)
}

// wrapTargetKey implements WRAP: the target key file must carry the
// propExtractable property bit, and its raw key bytes are enciphered under
// the currently bound key exactly as symmetricTransform would any other
// plaintext.
func (c *Card) wrapTargetKey() ([]byte, SW) {
	rec, ok := c.fs.searchByUUID(c.env.targetFileUUID)
	if !ok || (rec.typ != ftKeyDES && rec.typ != ftKeyAES) {
		return nil, SWDataNotFound
	}
	if rec.prop&propExtractable == 0 {
		return nil, SWSecurityNotSat
	}
	if sw := c.requireACL(rec, aclRead); !sw.OK() {
		return nil, sw
	}
	target, sw := c.keyPart(rec, keyTagSymmetric)
	if !sw.OK() {
		return nil, sw
	}
	return c.symmetricTransform(target, true)
}

func (c *Card) symmetricTransform(data []byte, encrypt bool) ([]byte, SW) {
	key, _, sw := c.loadSymmetricKeyFile()
	if !sw.OK() {
		return nil, sw
	}
	algo, err := symmetricAlgoForKey(key)
	if err != nil {
		return nil, SWDataInvalid
	}

	padded := c.env.referenceAlgo&0x80 != 0
	payload := data
	if padded && encrypt {
		bs := blockSizeFor(algo)
		payload = pkcs7Pad(data, bs)
	}

	var out []byte
	if c.env.haveIV && len(c.env.iv) > 0 {
		if encrypt {
			out, err = cbcEncrypt(algo, key, c.env.iv, payload)
		} else {
			out, err = cbcDecrypt(algo, key, c.env.iv, payload)
		}
	} else {
		if encrypt {
			out, err = ecbEncrypt(algo, key, payload)
		} else {
			out, err = ecbDecrypt(algo, key, payload)
		}
	}
	if err != nil {
		return nil, SWDataInvalid
	}
	if padded && !encrypt {
		out, err = pkcs7Unpad(out)
		if err != nil {
			return nil, SWDataInvalid
		}
	}
	return out, SWOK
}

func blockSizeFor(algo symmetricAlgo) int {
	if algo == algoAES {
		return 16
	}
	return 8
}

// GeneralAuthenticate implements GENERAL AUTHENTICATE for ECDH (INS 0x86,
// Authentication Template): data is the peer's uncompressed public point
// 04||X||Y.
func (c *Card) GeneralAuthenticate(data []byte) ([]byte, SW) {
	if !c.env.valid || c.env.template != templAT {
		return nil, SWConditionsNotSat
	}
	if len(data) < 1 || data[0] != 0x04 || (len(data)-1)%2 != 0 {
		return nil, SWDataInvalid
	}
	coordLen := (len(data) - 1) / 2
	x := new(big.Int).SetBytes(data[1 : 1+coordLen])
	y := new(big.Int).SetBytes(data[1+coordLen:])

	key, _, sw := c.loadECKeyFile()
	if !sw.OK() {
		return nil, sw
	}
	shared, err := ecdhDerive(key, x, y)
	if err != nil {
		return nil, SWDataInvalid
	}
	return shared, SWOK
}

func ecScalarSize(k *ecPrivateKey) int {
	if k.isSecp256k1() {
		return 32
	}
	nc, ok := namedCurves[k.curveName]
	if !ok {
		return (k.d.BitLen() + 7) / 8
	}
	return (nc.curve.Params().BitSize + 7) / 8
}

func fixedWidth(v *big.Int, size int) []byte {
	b := v.Bytes()
	if len(b) >= size {
		return b[len(b)-size:]
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}
