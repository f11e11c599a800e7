package oseid

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// CardProfile is the declarative provisioning document cmd/cardctl
// personalize applies to a freshly formatted card: initial PIN/PUK values
// and their retry budgets. MFReadACL and MFAdminACL are parsed but not
// applied by Personalize. Optional fields are pointers so a profile can
// omit them and fall back to InitializePin's MyEID defaults, the way
// sdmconfig's Config loads its YAML (KnownFields(true), pointer-typed
// optional fields).
type CardProfile struct {
	MFReadACL   *uint8      `yaml:"mf_read_acl"`
	MFAdminACL  *uint8      `yaml:"mf_admin_acl"`
	PINs        []PINProfile `yaml:"pins"`
}

// PINProfile describes one sec_store slot to initialize.
type PINProfile struct {
	ID           uint8  `yaml:"id"`
	PIN          string `yaml:"pin"`
	PUK          string `yaml:"puk"`
	PINRetryMax  *uint8 `yaml:"pin_retry_max"`
	PUKRetryMax  *uint8 `yaml:"puk_retry_max"`
	Flags        *uint8 `yaml:"flags"`
	MinLength    *uint8 `yaml:"min_length"`
}

// LoadCardProfile parses and strictly validates a provisioning YAML
// document (unknown fields are rejected, as sdmconfig's config loader
// does via yaml.Decoder.KnownFields(true)).
func LoadCardProfile(data []byte) (*CardProfile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var p CardProfile
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse card profile: %w", err)
	}
	return &p, nil
}

// Personalize applies a CardProfile to a card in lifecycle 1
// (initialization): it sets every listed PIN/PUK record, then raises the
// lifecycle to 7, activating every file's ACL (fs.c's fs_set_lifecycle).
func (c *Card) Personalize(p *CardProfile) error {
	if c.Lifecycle() != 1 {
		return fmt.Errorf("oseid: card is not in initialization lifecycle")
	}
	for _, pin := range p.PINs {
		msg := buildInitializePinMessage(pin)
		if sw := c.InitializePin(msg); !sw.OK() {
			return fmt.Errorf("oseid: initialize pin %d: %s", pin.ID, sw)
		}
	}
	return c.setLifecycle(7)
}

// buildInitializePinMessage renders a PINProfile into the wire format
// InitializePin parses: [id][n][pin 8][puk 8][pinRetryMax][pukRetryMax]
// [flags][type=0][gridSize][pinMinLength][pukMinLength], truncated right
// after the last field the profile actually sets (n always equals the
// number of payload bytes that follow it, so the two never desync).
func buildInitializePinMessage(p PINProfile) []byte {
	tail := []byte{5, 10, 0, 0, 0, 4, 4} // pinRetryMax, pukRetryMax, flags, type, gridSize, pinMinLength, pukMinLength (InitializePin's defaults)
	last := -1
	set := func(i int, v uint8) {
		tail[i] = v
		if i > last {
			last = i
		}
	}
	if p.PINRetryMax != nil {
		set(0, *p.PINRetryMax)
	}
	if p.PUKRetryMax != nil {
		set(1, *p.PUKRetryMax)
	}
	if p.Flags != nil {
		set(2, *p.Flags)
	}
	if p.MinLength != nil {
		set(5, *p.MinLength)
	}

	msg := make([]byte, 2, 25)
	msg[0] = p.ID
	msg = append(msg, padString(p.PIN, 8)...)
	msg = append(msg, padString(p.PUK, 8)...)
	if last >= 0 {
		msg = append(msg, tail[:last+1]...)
	}
	msg[1] = uint8(len(msg) - 2)
	return msg
}

func padString(s string, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = 0xff
	}
	copy(out, s)
	return out
}
