package oseid

import (
	"crypto/rand"
	"math/big"
)

// generateRSAKey produces an RSA-CRT key pair with the fixed public
// exponent e=65537, the only exponent MyEID/OsEID ever uses (ec.h/rsa.h
// carry no exponent field at all — 65537 is implicit). bits is the modulus
// size; primes are drawn with crypto/rand.Prime, whose primality test
// (math/big's ProbablyPrime(20): 20 Miller-Rabin rounds plus Baillie-PSW)
// uses the same witness count for every bit length (spec.md §4.6 leaves
// the exact witness count an implementation choice).
func generateRSAKey(bits int) (*rsaKey, error) {
	primeBits := bits / 2
	for {
		p, err := rand.Prime(rand.Reader, primeBits)
		if err != nil {
			return nil, err
		}
		q, err := rand.Prime(rand.Reader, primeBits)
		if err != nil {
			return nil, err
		}
		if p.Cmp(q) == 0 {
			continue
		}

		pMinus1 := new(big.Int).Sub(p, big.NewInt(1))
		qMinus1 := new(big.Int).Sub(q, big.NewInt(1))
		phi := new(big.Int).Mul(pMinus1, qMinus1)

		d := new(big.Int).ModInverse(rsaPublicExponent, phi)
		if d == nil {
			continue // e not invertible mod phi(n), redraw
		}

		dP := new(big.Int).Mod(d, pMinus1)
		dQ := new(big.Int).Mod(d, qMinus1)
		qInv := new(big.Int).ModInverse(q, p)
		if qInv == nil {
			continue
		}

		return &rsaKey{p: p, q: q, dP: dP, dQ: dQ, qInv: qInv, e: rsaPublicExponent}, nil
	}
}

// generateECKey draws a private scalar uniformly in [1, order-1] for the
// named curve (ec.h's ec_key_gener).
func generateECKey(curveName string) (*ecPrivateKey, error) {
	var order *big.Int
	if curveName == "secp256k1" {
		order = secp256k1Order
	} else {
		nc, ok := namedCurves[curveName]
		if !ok {
			return nil, ErrUnsupportedCurve
		}
		order = nc.curve.Params().N
	}

	for {
		d, err := rand.Int(rand.Reader, order)
		if err != nil {
			return nil, err
		}
		if d.Sign() != 0 {
			return &ecPrivateKey{curveName: curveName, d: d}, nil
		}
	}
}
