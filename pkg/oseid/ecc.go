package oseid

import (
	"crypto/elliptic"
	"crypto/rand"
	"math/big"

	"github.com/decred/dcrec/secp256k1/v4"
)

// ecCurve identifies one of the named curves MyEID/OsEID supports (ec.h's
// curve_type mask). Selection happens by key size plus an explicit flag
// read from the key EF, the way OsEID picks a fast-reduction path per
// curve.
type ecCurve struct {
	name  string
	curve elliptic.Curve
}

// p192 is NIST P-192 (secp192r1), which crypto/elliptic never shipped
// (Go's stdlib only carries P-224 and up); it is still listed as a MyEID
// curve (ec.h's C_P192V1_MASK), so it is reconstructed here from its
// published domain parameters.
var p192 = func() elliptic.Curve {
	p, _ := new(big.Int).SetString("fffffffffffffffffffffffffffffffeffffffffffffffff", 16)
	n, _ := new(big.Int).SetString("ffffffffffffffffffffffff99def836146bc9b1b4d22831", 16)
	b, _ := new(big.Int).SetString("64210519e59c80e70fa7e9ab72243049feb8deecc146b9b1", 16)
	gx, _ := new(big.Int).SetString("188da80eb03090f67cbf20eb43a18800f4ff0afd82ff1012", 16)
	gy, _ := new(big.Int).SetString("07192b95ffc8da78631011ed6b24cdd573f977a11e794811", 16)
	curve := &elliptic.CurveParams{
		Name:    "P-192",
		P:       p,
		N:       n,
		B:       b,
		Gx:      gx,
		Gy:      gy,
		BitSize: 192,
	}
	return curve
}()

var namedCurves = map[string]ecCurve{
	"P-192": {"P-192", p192},
	"P-256": {"P-256", elliptic.P256()},
	"P-384": {"P-384", elliptic.P384()},
	"P-521": {"P-521", elliptic.P521()},
}

// ecPrivateKey is a scalar plus the curve it is defined over. secp256k1
// keys carry curveName == "secp256k1" and are handled through
// github.com/decred/dcrec/secp256k1/v4 instead of crypto/elliptic, since
// the stdlib curve registry does not include it.
type ecPrivateKey struct {
	curveName string
	d         *big.Int
}

func (k *ecPrivateKey) isSecp256k1() bool { return k.curveName == "secp256k1" }

// ecPublicPoint returns the public point for a private scalar.
func ecPublicPoint(k *ecPrivateKey) (x, y *big.Int, err error) {
	if k.isSecp256k1() {
		var scalar secp256k1.ModNScalar
		scalar.SetByteSlice(k.d.Bytes())
		var pt secp256k1.JacobianPoint
		secp256k1.ScalarBaseMultNonConst(&scalar, &pt)
		pt.ToAffine()
		xb, yb := pt.X.Bytes(), pt.Y.Bytes()
		return new(big.Int).SetBytes(xb[:]), new(big.Int).SetBytes(yb[:]), nil
	}
	nc, ok := namedCurves[k.curveName]
	if !ok {
		return nil, nil, ErrUnsupportedCurve
	}
	x, y = nc.curve.ScalarBaseMult(k.d.Bytes())
	return x, y, nil
}

// ecdsaSignature is a raw (r, s) pair; PSO COMPUTE SIGNATURE returns it to
// the host DER-encoded as SEQUENCE { INTEGER r, INTEGER s }.
type ecdsaSignature struct {
	r, s *big.Int
}

// ecdsaSign signs a digest (already hashed and truncated/left-padded to
// the curve's order size by the caller). No scalar blinding is applied to
// the private key or the nonce; the nonce k is drawn fresh from
// crypto/rand every call, matching ec.h's ecdsa_sign
// contract (no deterministic RFC6979 nonce in the reference firmware).
func ecdsaSign(k *ecPrivateKey, digest []byte) (*ecdsaSignature, error) {
	if k.isSecp256k1() {
		return ecdsaSignSecp256k1(k, digest)
	}
	nc, ok := namedCurves[k.curveName]
	if !ok {
		return nil, ErrUnsupportedCurve
	}
	curve := nc.curve
	n := curve.Params().N
	e := hashToInt(digest, n)

	for {
		kScalar, err := rand.Int(rand.Reader, n)
		if err != nil {
			return nil, err
		}
		if kScalar.Sign() == 0 {
			continue
		}
		rx, _ := curve.ScalarBaseMult(kScalar.Bytes())
		r := new(big.Int).Mod(rx, n)
		if r.Sign() == 0 {
			continue
		}
		kInv := new(big.Int).ModInverse(kScalar, n)
		s := new(big.Int).Mul(r, k.d)
		s.Add(s, e)
		s.Mul(s, kInv)
		s.Mod(s, n)
		if s.Sign() == 0 {
			continue
		}
		return &ecdsaSignature{r: r, s: s}, nil
	}
}

// secp256k1Order is the well-known group order of secp256k1. dcrec's
// JacobianPoint/FieldVal types work modulo the field prime, not the group
// order, so the (r, s) modular arithmetic below is done with math/big
// against this constant directly rather than through the library.
var secp256k1Order, _ = new(big.Int).SetString(
	"fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141", 16)

func ecdsaSignSecp256k1(k *ecPrivateKey, digest []byte) (*ecdsaSignature, error) {
	n := secp256k1Order
	e := hashToInt(digest, n)

	for {
		kInt, err := rand.Int(rand.Reader, n)
		if err != nil {
			return nil, err
		}
		if kInt.Sign() == 0 {
			continue
		}
		var kScalar secp256k1.ModNScalar
		kScalar.SetByteSlice(kInt.Bytes())
		var pt secp256k1.JacobianPoint
		secp256k1.ScalarBaseMultNonConst(&kScalar, &pt)
		pt.ToAffine()
		xb := pt.X.Bytes()
		rx := new(big.Int).SetBytes(xb[:])

		r := new(big.Int).Mod(rx, n)
		if r.Sign() == 0 {
			continue
		}
		kInv := new(big.Int).ModInverse(kInt, n)
		s := new(big.Int).Mul(r, k.d)
		s.Add(s, e)
		s.Mul(s, kInv)
		s.Mod(s, n)
		if s.Sign() == 0 {
			continue
		}
		return &ecdsaSignature{r: r, s: s}, nil
	}
}

// hashToInt implements FIPS 186's truncation of a hash to the bit length
// of the curve order.
func hashToInt(digest []byte, n *big.Int) *big.Int {
	orderBits := n.BitLen()
	orderBytes := (orderBits + 7) / 8
	if len(digest) > orderBytes {
		digest = digest[:orderBytes]
	}
	e := new(big.Int).SetBytes(digest)
	excess := len(digest)*8 - orderBits
	if excess > 0 {
		e.Rsh(e, uint(excess))
	}
	return e
}

// ecdhDerive computes the ECDH shared X coordinate (GENERAL AUTHENTICATE /
// PSO:ECDH, ec.h's ec_derive_key): our scalar times the peer's public
// point.
func ecdhDerive(k *ecPrivateKey, peerX, peerY *big.Int) ([]byte, error) {
	if k.isSecp256k1() {
		var fx, fy secp256k1.FieldVal
		fx.SetByteSlice(peerX.Bytes())
		fy.SetByteSlice(peerY.Bytes())
		var pub secp256k1.JacobianPoint
		pub.X, pub.Y = fx, fy
		pub.Z.SetInt(1)

		var scalar secp256k1.ModNScalar
		scalar.SetByteSlice(k.d.Bytes())

		var shared secp256k1.JacobianPoint
		secp256k1.ScalarMultNonConst(&scalar, &pub, &shared)
		shared.ToAffine()
		xb := shared.X.Bytes()
		return xb[:], nil
	}
	nc, ok := namedCurves[k.curveName]
	if !ok {
		return nil, ErrUnsupportedCurve
	}
	x, _ := nc.curve.ScalarMult(peerX, peerY, k.d.Bytes())
	byteLen := (nc.curve.Params().BitSize + 7) / 8
	out := make([]byte, byteLen)
	xb := x.Bytes()
	copy(out[byteLen-len(xb):], xb)
	return out, nil
}
