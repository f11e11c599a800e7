package oseid

import (
	"bytes"
	"testing"
)

func TestSymmetricAlgoForKeyDispatchesByLength(t *testing.T) {
	cases := []struct {
		keyLen int
		want   symmetricAlgo
	}{
		{8, algoDES},
		{16, algo3DES},
		{24, algo3DES},
		{32, algoAES},
	}
	for _, tc := range cases {
		algo, err := symmetricAlgoForKey(make([]byte, tc.keyLen))
		if err != nil {
			t.Fatalf("keyLen=%d: %v", tc.keyLen, err)
		}
		if algo != tc.want {
			t.Fatalf("keyLen=%d: algo = %d, want %d", tc.keyLen, algo, tc.want)
		}
	}
}

func TestSymmetricAlgoForKeyRejectsBadLength(t *testing.T) {
	if _, err := symmetricAlgoForKey(make([]byte, 10)); err != ErrUnsupportedKeySize {
		t.Fatalf("err = %v, want ErrUnsupportedKeySize", err)
	}
}

func TestCBCRoundTripAES(t *testing.T) {
	key := make([]byte, 32)
	iv := make([]byte, 16)
	for i := range key {
		key[i] = byte(i)
	}
	for i := range iv {
		iv[i] = byte(i * 3)
	}
	plain := pkcs7Pad([]byte("the quick brown fox"), 16)

	cipherText, err := cbcEncrypt(algoAES, key, iv, plain)
	if err != nil {
		t.Fatalf("cbcEncrypt: %v", err)
	}
	got, err := cbcDecrypt(algoAES, key, iv, cipherText)
	if err != nil {
		t.Fatalf("cbcDecrypt: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("round trip = %x, want %x", got, plain)
	}
}

func TestCBCRoundTripDES(t *testing.T) {
	key := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	iv := make([]byte, 8)
	plain := pkcs7Pad([]byte("eight!!x"), 8)

	cipherText, err := cbcEncrypt(algoDES, key, iv, plain)
	if err != nil {
		t.Fatalf("cbcEncrypt: %v", err)
	}
	got, err := cbcDecrypt(algoDES, key, iv, cipherText)
	if err != nil {
		t.Fatalf("cbcDecrypt: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("round trip = %x, want %x", got, plain)
	}
}

func TestCBCRoundTripTwoKey3DES(t *testing.T) {
	key := make([]byte, 16)
	for i := range key {
		key[i] = byte(i + 1)
	}
	iv := make([]byte, 8)
	plain := pkcs7Pad([]byte("2key3des"), 8)

	cipherText, err := cbcEncrypt(algo3DES, key, iv, plain)
	if err != nil {
		t.Fatalf("cbcEncrypt: %v", err)
	}
	got, err := cbcDecrypt(algo3DES, key, iv, cipherText)
	if err != nil {
		t.Fatalf("cbcDecrypt: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("round trip = %x, want %x", got, plain)
	}
}

func TestECBRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(255 - i)
	}
	plain := pkcs7Pad([]byte("ecb block mode"), 16)

	cipherText, err := ecbEncrypt(algoAES, key, plain)
	if err != nil {
		t.Fatalf("ecbEncrypt: %v", err)
	}
	got, err := ecbDecrypt(algoAES, key, cipherText)
	if err != nil {
		t.Fatalf("ecbDecrypt: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("round trip = %x, want %x", got, plain)
	}
}

func TestUnalignedDataRejected(t *testing.T) {
	key := make([]byte, 32)
	if _, err := ecbEncrypt(algoAES, key, make([]byte, 15)); err != ErrUnalignedData {
		t.Fatalf("err = %v, want ErrUnalignedData", err)
	}
}

func TestPKCS7PadUnpadRoundTrip(t *testing.T) {
	for n := 0; n < 33; n++ {
		data := make([]byte, n)
		for i := range data {
			data[i] = byte(i)
		}
		padded := pkcs7Pad(data, 16)
		if len(padded)%16 != 0 {
			t.Fatalf("n=%d: padded length %d not a multiple of 16", n, len(padded))
		}
		got, err := pkcs7Unpad(padded)
		if err != nil {
			t.Fatalf("n=%d: pkcs7Unpad: %v", n, err)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("n=%d: unpad = %x, want %x", n, got, data)
		}
	}
}

func TestPKCS7UnpadRejectsBadPadding(t *testing.T) {
	bad := []byte{1, 2, 3, 4, 5, 6, 7, 0}
	if _, err := pkcs7Unpad(bad); err != ErrPaddingInvalid {
		t.Fatalf("err = %v, want ErrPaddingInvalid", err)
	}
}
