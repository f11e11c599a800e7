package oseid

import "testing"

func initializedPinCard(t *testing.T) *Card {
	t.Helper()
	c := New()
	// message: [id][n][pin 8][puk 8]
	msg := append([]byte{1, 16}, []byte("1234\xff\xff\xff\xff")...)
	msg = append(msg, []byte("87654321")...)
	if sw := c.InitializePin(msg); !sw.OK() {
		t.Fatalf("InitializePin: %s", sw)
	}
	if err := c.setLifecycle(7); err != nil {
		t.Fatalf("setLifecycle: %v", err)
	}
	return c
}

func TestVerifyPINSuccess(t *testing.T) {
	c := initializedPinCard(t)
	if sw := c.VerifyPIN(1, []byte("1234")); !sw.OK() {
		t.Fatalf("VerifyPIN: %s", sw)
	}
	if c.verified&(1<<0) == 0 {
		t.Fatalf("pin 1 bit not set after verify")
	}
}

func TestVerifyPINWrongValueDecrementsRetries(t *testing.T) {
	c := initializedPinCard(t)
	sw := c.VerifyPIN(1, []byte("0000"))
	if sw != Retries(4) {
		t.Fatalf("sw = %s, want %s (one of 5 retries used)", sw, Retries(4))
	}
	if sw.String() == "" {
		t.Fatalf("sw should stringify")
	}
}

func TestVerifyPINLocksOutAfterRetriesExhausted(t *testing.T) {
	c := initializedPinCard(t)
	var last SW
	for i := 0; i < 6; i++ {
		last = c.VerifyPIN(1, []byte("0000"))
	}
	if last != SWAuthBlocked {
		t.Fatalf("final sw = %s, want %s", last, SWAuthBlocked)
	}
	if sw := c.VerifyPIN(1, []byte("1234")); sw != SWAuthBlocked {
		t.Fatalf("verify after block sw = %s, want %s", sw, SWAuthBlocked)
	}
}

func TestChangeReferenceDataWithOldAndNewValue(t *testing.T) {
	c := initializedPinCard(t)
	newPIN := []byte("5678\xff\xff\xff\xff")
	refData := append([]byte("1234\xff\xff\xff\xff"), newPIN...)
	if sw := c.ChangeReferenceData(1, refData, false); !sw.OK() {
		t.Fatalf("ChangeReferenceData: %s", sw)
	}
	if sw := c.VerifyPIN(1, []byte("5678")); !sw.OK() {
		t.Fatalf("VerifyPIN with new value: %s", sw)
	}
}

func TestResetRetryCounterWithPUK(t *testing.T) {
	c := initializedPinCard(t)
	for i := 0; i < 6; i++ {
		c.VerifyPIN(1, []byte("0000"))
	}

	newPIN := []byte("9999\xff\xff\xff\xff")
	refData := append([]byte("87654321"), newPIN...)
	if sw := c.ChangeReferenceData(1, refData, true); !sw.OK() {
		t.Fatalf("ChangeReferenceData (PUK reset): %s", sw)
	}
	if sw := c.VerifyPIN(1, []byte("9999")); !sw.OK() {
		t.Fatalf("VerifyPIN after PUK reset: %s", sw)
	}
}

func TestDeauthClearsVerifiedBit(t *testing.T) {
	c := initializedPinCard(t)
	if sw := c.VerifyPIN(1, []byte("1234")); !sw.OK() {
		t.Fatalf("VerifyPIN: %s", sw)
	}
	c.Deauth(1)
	if c.verified&(1<<0) != 0 {
		t.Fatalf("pin 1 bit still set after Deauth")
	}
}
