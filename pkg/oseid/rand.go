package oseid

import "crypto/rand"

// randomFill is the card's random-number source for GET CHALLENGE (key
// generation and RSA blinding draw from crypto/rand directly). A physical
// implementation would seed from a
// hardware TRNG; this core delegates to the host's CSPRNG.
func randomFill(buf []byte) error {
	_, err := rand.Read(buf)
	return err
}
