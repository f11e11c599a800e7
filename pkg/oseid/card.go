// Package oseid implements the core of an ISO/IEC 7816 smart-card operating
// system compatible with the MyEID PKI applet: APDU command dispatch, a
// hierarchical persistent filesystem, a PIN/PUK security subsystem, and
// asymmetric/symmetric cryptographic operations behind a security
// environment. The physical transport, USB/CCID framing and raw flash
// access are external collaborators (see Store and TimeExtender) — this
// package only ever sees and produces logical APDUs.
package oseid

const (
	dataStoreSize = 65536 // spec.md §6: data_store, up to 65536 bytes
	secStoreSize  = 1024  // spec.md §6: sec_store, up to 1024 bytes

	// secWriteThrottle: only every 256th sec_store write bumps the
	// exposed change counter (spec.md §3).
	secWriteThrottle = 256
)

// chainState is the APDU-chaining state machine from spec.md §9:
// INACTIVE -> START -> ACTIVE -> INACTIVE. chainLast is declared but
// advanceChain never enters it; the final fragment returns straight to
// INACTIVE.
type chainState uint8

const (
	chainInactive chainState = iota
	chainStart
	chainActive
	chainLast
)

// TimeExtender lets a transport adapter pace a long-running operation
// (RSA sign/decipher, EC scalar multiplication, key generation) with
// protocol-level keepalives — 0x60 NULL bytes under T=0, S(WTX-REQUEST)/
// S(WTX-RESPONSE) under T=1 — per spec.md §5. The default Card uses a
// no-op extender; cmd/cardctl's transport adapters supply a real one.
type TimeExtender interface {
	// Extend is called once at the start of every command HandleAPDU
	// receives; it is not called again while a handler runs, so a long
	// operation gets no further keepalives from the core. Implementations
	// should not block.
	Extend()
}

type noopExtender struct{}

func (noopExtender) Extend() {}

// Card is the single mutable card-session aggregate spec.md §9 calls for:
// current file selection, the active security environment, the response
// buffer/chaining state, and the volatile PIN bitmap, all owned by one
// struct and passed by pointer through the dispatcher. There is no
// package-level mutable state and Card is not safe for concurrent use,
// matching the single-threaded cooperative model in spec.md §5.
type Card struct {
	data Store
	sec  Store

	protocol   Protocol
	chain      chainState
	chainIns   byte
	chainData  []byte
	respBuf    []byte
	respNe     int

	fs       fsState
	verified uint16 // bit i: PIN i+1 verified; bit14: unblocker; bit15: admin
	env      secEnv

	timeExt TimeExtender
}

// New builds a fresh card backed by in-memory stores (lifecycle 1,
// MF-only filesystem). Use OpenDurableCard for SQLite-backed persistence.
func New() *Card {
	return newCard(newMemStore(dataStoreSize), newMemStoreThrottled(secStoreSize, secWriteThrottle))
}

func newCard(data, sec Store) *Card {
	c := &Card{data: data, sec: sec, timeExt: noopExtender{}}
	c.Reset()
	return c
}

// SetTimeExtender installs a transport-specific keepalive hook.
func (c *Card) SetTimeExtender(t TimeExtender) {
	if t == nil {
		t = noopExtender{}
	}
	c.timeExt = t
}

// Reset performs a card reset (spec.md §5: "power-off or physical reset"):
// clears the volatile security bitmap, the security environment, the
// chaining state and the response buffer, and re-selects the MF.
func (c *Card) Reset() {
	c.protocol = T0
	c.chain = chainInactive
	c.chainIns = 0
	c.chainData = nil
	c.respBuf = nil
	c.respNe = 0
	c.verified = 0
	c.env = secEnv{}
	c.fs.init(c.data)
}

// ChangeCounter exposes the monotonically increasing change counter
// spec.md §3 defines (data_store writes dominate; on the in-memory card
// built by New, sec_store writes are throttled, while the SQLite-backed
// stores of OpenDurableCard count every write).
func (c *Card) ChangeCounter() uint16 {
	return c.data.ChangeCounter() + c.sec.ChangeCounter()
}

// Lifecycle returns the card lifecycle byte (1 = initialization, 7 =
// operational; any other stored value is treated as 1, per spec.md §3).
func (c *Card) Lifecycle() uint8 {
	var b [1]byte
	if err := c.sec.ReadBlock(b[:], lifecycleOffset, 1); err != nil {
		return 1
	}
	if b[0] != 1 && b[0] != 7 {
		return 1
	}
	return b[0]
}

func (c *Card) setLifecycle(lc uint8) error {
	if c.Lifecycle() == lc {
		return nil
	}
	return c.sec.WriteBlock([]byte{lc}, lifecycleOffset)
}

// verifiedBitmap returns the effective PIN-verified bitmap: all-1s during
// initialization lifecycle so every ACL passes (spec.md §3/§4.3).
func (c *Card) verifiedBitmap() uint16 {
	if c.Lifecycle() == 1 {
		return 0xffff
	}
	return c.verified
}

// EraseCard wipes data_store and sec_store back to all-0xFF, rebuilds a
// blank MF with acl, and drops the lifecycle back to 1, matching
// fs_erase_card's security gate (a pre-existing MF requires its own
// SEC_DELETE ACL) followed by a full device_write_ff sweep and fs_mkfs.
func (c *Card) EraseCard(acl []byte) error {
	saved := c.fs.sel
	c.fs.sel = fsRecord{}
	mf, ok := c.fs.searchByIDKind(mfID, true)
	c.fs.sel = saved
	if ok {
		if sw := c.requireACL(mf, aclDelete); !sw.OK() {
			return AsError(0xe4, sw)
		}
	}
	if err := eraseStore(c.data); err != nil {
		return err
	}
	if err := eraseStore(c.sec); err != nil {
		return err
	}
	c.fs.mkfs(acl)
	c.Reset()
	return c.setLifecycle(1)
}

// eraseStore fills every 256-byte block of store with 0xFF, mirroring
// fs_erase_card's device_write_ff sweep (the size-0-means-256 Fill
// convention means a uint16 block offset can address the whole region
// without a 65536 literal).
func eraseStore(store Store) error {
	for off := 0; off < store.Len(); off += 256 {
		if err := store.Fill(uint16(off), 0); err != nil {
			return err
		}
	}
	return nil
}
