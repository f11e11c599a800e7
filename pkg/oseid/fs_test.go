package oseid

import (
	"encoding/binary"
	"testing"
)

func newTestCard(t *testing.T) *Card {
	t.Helper()
	return New()
}

func TestFsInitFormatsBlankStore(t *testing.T) {
	c := newTestCard(t)
	if c.fs.sel.id != mfID {
		t.Fatalf("selected id = %04x, want MF %04x", c.fs.sel.id, mfID)
	}
	if !c.fs.sel.isDF() {
		t.Fatalf("MF record should be a DF")
	}
}

func TestCreateAndSelectChildFile(t *testing.T) {
	c := newTestCard(t)

	fcp := []byte{
		0x82, 1, ftTransparent,
		0x83, 2, 0x00, 0x01,
		0x80, 2, 0x00, 0x10,
	}
	if sw := c.CreateFile(fcp); !sw.OK() {
		t.Fatalf("CreateFile: %s", sw)
	}

	data, sw := c.SelectFile(0x02, 0x00, []byte{0x00, 0x01})
	if !sw.OK() && sw != SWMoreData61 {
		t.Fatalf("SelectFile: %s", sw)
	}
	if len(data) == 0 {
		t.Fatalf("expected FCI data back")
	}
	if c.fs.sel.id != 0x0001 {
		t.Fatalf("selected id = %04x, want 0001", c.fs.sel.id)
	}
}

func TestCreateFileRejectsDuplicateID(t *testing.T) {
	c := newTestCard(t)
	fcp := []byte{0x82, 1, ftTransparent, 0x83, 2, 0x00, 0x02, 0x80, 2, 0x00, 0x08}
	if sw := c.CreateFile(fcp); !sw.OK() {
		t.Fatalf("first CreateFile: %s", sw)
	}
	if sw := c.CreateFile(fcp); sw != SWFileExists {
		t.Fatalf("second CreateFile sw = %s, want %s", sw, SWFileExists)
	}
}

func TestReadWriteBinaryRoundTrip(t *testing.T) {
	c := newTestCard(t)
	fcp := []byte{0x82, 1, ftTransparent, 0x83, 2, 0x00, 0x03, 0x80, 2, 0x00, 0x08}
	if sw := c.CreateFile(fcp); !sw.OK() {
		t.Fatalf("CreateFile: %s", sw)
	}
	if _, sw := c.SelectFile(0x02, 0x0c, []byte{0x00, 0x03}); !sw.OK() {
		t.Fatalf("SelectFile: %s", sw)
	}

	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if sw := c.UpdateBinary(0, payload); !sw.OK() {
		t.Fatalf("UpdateBinary: %s", sw)
	}
	got, sw := c.ReadBinary(0, 8)
	if !sw.OK() {
		t.Fatalf("ReadBinary: %s", sw)
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d = %x, want %x", i, got[i], payload[i])
		}
	}
}

func TestReadBinaryPastEOFWarns(t *testing.T) {
	c := newTestCard(t)
	fcp := []byte{0x82, 1, ftTransparent, 0x83, 2, 0x00, 0x04, 0x80, 2, 0x00, 0x04}
	if sw := c.CreateFile(fcp); !sw.OK() {
		t.Fatalf("CreateFile: %s", sw)
	}
	if _, sw := c.SelectFile(0x02, 0x0c, []byte{0x00, 0x04}); !sw.OK() {
		t.Fatalf("SelectFile: %s", sw)
	}
	data, sw := c.ReadBinary(0, 16)
	if sw != SWWarnEOFBeforeNe {
		t.Fatalf("sw = %s, want %s", sw, SWWarnEOFBeforeNe)
	}
	if len(data) != 4 {
		t.Fatalf("len(data) = %d, want 4", len(data))
	}
}

func TestDeleteFileTombstonesAndRemovesFromListing(t *testing.T) {
	c := newTestCard(t)
	fcp := []byte{0x82, 1, ftTransparent, 0x83, 2, 0x00, 0x05, 0x80, 2, 0x00, 0x04}
	if sw := c.CreateFile(fcp); !sw.OK() {
		t.Fatalf("CreateFile: %s", sw)
	}
	if _, sw := c.SelectFile(0x02, 0x0c, []byte{0x00, 0x05}); !sw.OK() {
		t.Fatalf("SelectFile: %s", sw)
	}
	if sw := c.DeleteFile(); !sw.OK() {
		t.Fatalf("DeleteFile: %s", sw)
	}

	ids := c.ListFiles(0, 0)
	for i := 0; i+1 < len(ids); i += 2 {
		if binary.BigEndian.Uint16(ids[i:i+2]) == 0x0005 {
			t.Fatalf("deleted file 0005 still listed")
		}
	}
}
