package oseid

import (
	"crypto/rand"
	"math/big"
)

// rsaKey is an RSA-CRT private key as MyEID/OsEID store it: the public
// modulus is not kept, only its two prime factors and the CRT parameters,
// per original_source/src/card_os/rsa.h's struct rsa_crt_key (dP, dQ,
// qInv, d). The modulus n = p*q is recomputed when needed.
type rsaKey struct {
	p, q   *big.Int
	dP, dQ *big.Int
	qInv   *big.Int
	e      *big.Int // public exponent, fixed at 65537 (spec.md §4.6)
}

var rsaPublicExponent = big.NewInt(65537)

func (k *rsaKey) modulus() *big.Int {
	return new(big.Int).Mul(k.p, k.q)
}

// rsaCRT performs m = c^d mod n via the CRT (Garner recombination):
//
//	m1 = c^dP mod p,  m2 = c^dQ mod q
//	h  = qInv * (m1 - m2) mod p
//	m  = m2 + h*q
//
// A single fault check (re-encrypting m with the public exponent and
// comparing against c) defends against the classic Bellcore RSA-CRT glitch
// attack, matching the defensive posture the embedded original takes
// (rsa.h documents dP/dQ/qInv as the only runtime-held CRT parameters).
func rsaCRT(k *rsaKey, c *big.Int) (*big.Int, error) {
	m1 := new(big.Int).Exp(c, k.dP, k.p)
	m2 := new(big.Int).Exp(c, k.dQ, k.q)

	h := new(big.Int).Sub(m1, m2)
	h.Mod(h, k.p)
	h.Mul(h, k.qInv)
	h.Mod(h, k.p)

	m := new(big.Int).Mul(h, k.q)
	m.Add(m, m2)

	n := k.modulus()
	check := new(big.Int).Exp(m, k.e, n)
	cMod := new(big.Int).Mod(c, n)
	if check.Cmp(cMod) != 0 {
		return nil, ErrFaultDetected
	}
	return m, nil
}

// rsaCRTBlinded re-randomizes the RSA-CRT computation against timing/power
// side channels: instead of computing c^d directly, it uses c' = c*r^e and
// unblinds m' = m*r^-1, which is mathematically transparent but changes
// every intermediate value. r is redrawn per call from crypto/rand.
func rsaCRTBlinded(k *rsaKey, c *big.Int) (*big.Int, error) {
	n := k.modulus()
	r, err := rand.Int(rand.Reader, n)
	if err != nil || r.Sign() == 0 {
		return rsaCRT(k, c)
	}
	rInv := new(big.Int).ModInverse(r, n)
	if rInv == nil {
		return rsaCRT(k, c)
	}

	re := new(big.Int).Exp(r, k.e, n)
	cBlind := new(big.Int).Mul(c, re)
	cBlind.Mod(cBlind, n)

	m, err := rsaCRT(k, cBlind)
	if err != nil {
		return nil, err
	}
	m.Mul(m, rInv)
	m.Mod(m, n)
	return m, nil
}

// pkcs1Pad builds an EMSA-PKCS1-v1_5 / RSAES-PKCS1-v1_5 block type 1 (sign)
// or type 2 (encrypt) padded message of the given modulus size in bytes.
func pkcs1Pad(msg []byte, blockType byte, modLen int) ([]byte, error) {
	if len(msg)+11 > modLen {
		return nil, ErrDataTooLong
	}
	out := make([]byte, modLen)
	out[0] = 0x00
	out[1] = blockType
	padLen := modLen - len(msg) - 3
	switch blockType {
	case 0x01:
		for i := 0; i < padLen; i++ {
			out[2+i] = 0xff
		}
	case 0x02:
		pad := make([]byte, padLen)
		if _, err := rand.Read(pad); err != nil {
			return nil, err
		}
		for i := range pad {
			if pad[i] == 0 {
				pad[i] = 1
			}
		}
		copy(out[2:], pad)
	}
	out[2+padLen] = 0x00
	copy(out[3+padLen:], msg)
	return out, nil
}

// pkcs1Unpad strips a type 1 or type 2 PKCS#1 v1.5 padded block, returning
// the embedded message.
func pkcs1Unpad(b []byte, blockType byte) ([]byte, error) {
	if len(b) < 11 || b[0] != 0x00 || b[1] != blockType {
		return nil, ErrPaddingInvalid
	}
	i := 2
	for ; i < len(b); i++ {
		if blockType == 0x01 {
			if b[i] != 0xff {
				break
			}
		} else if b[i] == 0x00 {
			break
		}
	}
	if i >= len(b) || b[i] != 0x00 {
		return nil, ErrPaddingInvalid
	}
	return b[i+1:], nil
}
