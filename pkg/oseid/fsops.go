package oseid

import "encoding/binary"

// SelectFile implements SELECT FILE (INS 0xA4) for the P1/P2 combinations
// spec.md §4.2 lists: by id under the current DF (P1=0x00/0x01/0x02 for
// S_0/S_DF/S_EF), by path (P1=0x08/0x09), by DF name (P1=0x04), select MF
// (P1=0x00,P2=0x00,Lc=0) and select parent (P1=0x03).
func (c *Card) SelectFile(p1, p2 byte, data []byte) ([]byte, SW) {
	var rec fsRecord
	var ok bool

	switch p1 {
	case 0x00:
		if len(data) == 0 {
			// the MF is the root record (parent UUID 0), not a child of
			// the current selection.
			saved := c.fs.sel
			c.fs.sel = fsRecord{}
			rec, ok = c.fs.searchByIDKind(mfID, true)
			c.fs.sel = saved
			break
		}
		if len(data) != 2 {
			return nil, SWWrongLength
		}
		id := binary.BigEndian.Uint16(data)
		rec, ok = c.fs.searchS0(id)
	case 0x01:
		if len(data) != 2 {
			return nil, SWWrongLength
		}
		rec, ok = c.fs.searchByIDKind(binary.BigEndian.Uint16(data), true)
	case 0x02:
		if len(data) != 2 {
			return nil, SWWrongLength
		}
		rec, ok = c.fs.searchByIDKind(binary.BigEndian.Uint16(data), false)
	case 0x03:
		rec, ok = c.fs.searchParent()
	case 0x04:
		if len(data) < 1 || len(data) > 16 {
			return nil, SWWrongLength
		}
		rec, ok = c.fs.searchByName(data)
	case 0x08, 0x09:
		rec, ok = c.fs.searchByPath(data)
	default:
		return nil, SWIncorrectParams86
	}
	if !ok {
		return nil, SWFileNotFound
	}
	c.fs.sel = rec

	if p2&0x0c == 0x0c {
		return nil, SWOK // no FCI/FCP requested
	}
	return c.fileControlInfo(rec), SWMoreData61
}

// fileControlInfo renders the minimal FCP TLV for the currently selected
// file: tag 0x82 type, 0x83 id, 0x80 size.
func (c *Card) fileControlInfo(rec fsRecord) []byte {
	return []byte{
		0x82, 1, rec.typ,
		0x83, 2, byte(rec.id >> 8), byte(rec.id),
		0x80, 2, byte(rec.size >> 8), byte(rec.size),
	}
}

// ReadBinary implements READ BINARY (INS 0xB0): reads from the currently
// selected transparent EF at offset, clamped to Ne bytes. Short reads past
// EOF return SWWarnEOFBeforeNe with the truncated data rather than failing,
// per spec.md §4.2.
func (c *Card) ReadBinary(offset uint16, ne int) ([]byte, SW) {
	rec := c.fs.sel
	if rec.isDF() {
		return nil, SWCommandNotAllowed
	}
	if sw := c.requireACL(rec, aclRead); !sw.OK() {
		return nil, sw
	}
	if offset > rec.size {
		return nil, SWOffsetOutsideEF
	}
	avail := int(rec.size - offset)
	n := ne
	warn := false
	if n > avail {
		n = avail
		// Ne==256 is the short-APDU "read to end of file" sentinel
		// (fs_read_binary's dlen==256 clamp): clamping to it is a complete
		// read, not a truncation, so it is not flagged as a warning.
		warn = ne != 256
	}
	buf := make([]byte, n)
	if n > 0 {
		if err := c.data.ReadBlock(buf, rec.dataOffset+offset, uint16(n)); err != nil {
			return nil, SWMemoryFailure
		}
	}
	if warn {
		return buf, SWWarnEOFBeforeNe
	}
	return buf, SWOK
}

// UpdateBinary implements UPDATE BINARY (INS 0xD6).
func (c *Card) UpdateBinary(offset uint16, data []byte) SW {
	rec := c.fs.sel
	if rec.isDF() {
		return SWCommandNotAllowed
	}
	if sw := c.requireACL(rec, aclUpdate); !sw.OK() {
		return sw
	}
	if int(offset)+len(data) > int(rec.size) {
		return SWOffsetOutsideEF
	}
	if err := c.data.WriteBlock(data, rec.dataOffset+offset); err != nil {
		return SWMemoryFailure
	}
	return SWOK
}

// EraseBinary implements ERASE BINARY (INS 0x0E): fills from offset to the
// end of the file with 0xFF.
func (c *Card) EraseBinary(offset uint16) SW {
	rec := c.fs.sel
	if rec.isDF() {
		return SWCommandNotAllowed
	}
	if sw := c.requireACL(rec, aclUpdate); !sw.OK() {
		return sw
	}
	if offset > rec.size {
		return SWOffsetOutsideEF
	}
	if offset == rec.size {
		return SWOK // nothing to erase; Fill would read size 0 as 256
	}
	if err := c.data.Fill(rec.dataOffset+offset, rec.size-offset); err != nil {
		return SWMemoryFailure
	}
	return SWOK
}

// fcpFields is the decoded File Control Parameters TLV used by CREATE FILE.
type fcpFields struct {
	typ      byte
	id       uint16
	size     uint16
	acl      [3]byte
	name     []byte
	prop     uint16
}

func parseFCP(data []byte) (fcpFields, SW) {
	var f fcpFields
	for len(data) > 0 {
		tag := data[0]
		if len(data) < 2 {
			return fcpFields{}, SWIncorrectParams80
		}
		n := int(data[1])
		data = data[2:]
		if len(data) < n {
			return fcpFields{}, SWIncorrectParams80
		}
		val := data[:n]
		switch tag {
		case 0x82:
			if n != 1 {
				return fcpFields{}, SWIncorrectParams80
			}
			f.typ = val[0]
		case 0x83:
			if n != 2 {
				return fcpFields{}, SWIncorrectParams80
			}
			f.id = binary.BigEndian.Uint16(val)
		case 0x80, 0x81:
			if n != 2 {
				return fcpFields{}, SWIncorrectParams80
			}
			f.size = binary.BigEndian.Uint16(val)
		case 0x86:
			if n != 3 {
				return fcpFields{}, SWIncorrectParams80
			}
			copy(f.acl[:], val)
		case 0x84:
			if n == 0 || n > 16 {
				return fcpFields{}, SWIncorrectParams80
			}
			f.name = append([]byte(nil), val...)
		case 0x85:
			if n != 2 {
				return fcpFields{}, SWIncorrectParams80
			}
			f.prop = binary.BigEndian.Uint16(val)
		}
		data = data[n:]
	}
	return f, SWOK
}

// CreateFile implements CREATE FILE (INS 0xE0): data is an FCP TLV.
func (c *Card) CreateFile(data []byte) SW {
	f, sw := parseFCP(data)
	if !sw.OK() {
		return sw
	}
	if _, exists := c.fs.searchChildByID(f.id); exists {
		return SWFileExists
	}

	isDF := f.typ&ftMask == ftDF
	if isDF {
		if sw := c.requireACL(c.fs.sel, aclCreateDF); !sw.OK() {
			return sw
		}
	} else {
		if sw := c.requireACL(c.fs.sel, aclCreateEF); !sw.OK() {
			return sw
		}
	}

	nextUUID, collision := c.fs.maxUUID(f.id)
	if collision {
		return SWFileExists
	}

	rec := fsRecord{
		id: f.id, size: f.size, uuid: nextUUID, parentUUID: c.fs.sel.uuid,
		typ: f.typ, acl: f.acl, prop: f.prop, active: true,
		noAllocate: isDF && f.size == 0,
	}
	rec.nameSize = uint8(len(f.name))

	offset := c.fs.freeSpaceOffset()
	if int(offset)+int(rec.span())+fsHeaderSize > c.data.Len() {
		return SWMemoryFailure
	}

	buf := append([]byte(nil), rec.encode()...)
	buf = append(buf, f.name...)
	if err := c.data.WriteBlock(buf, offset); err != nil {
		return SWMemoryFailure
	}
	if !rec.noAllocate {
		if err := c.data.Fill(offset+fsHeaderSize+uint16(rec.nameSize), rec.size); err != nil {
			return SWMemoryFailure
		}
	}
	endRec := fsRecord{id: fsEndID}
	if err := c.data.WriteBlock(endRec.encode(), offset+rec.span()); err != nil {
		return SWMemoryFailure
	}
	return SWOK
}

// DeleteFile implements DELETE FILE (INS 0xE4): tombstones the currently
// selected file, and recursively every descendant if it is a DF
// (fs.c's fs_delete_df_subtree).
func (c *Card) DeleteFile() SW {
	rec := c.fs.sel
	if rec.id == mfID {
		return SWCommandNotAllowed
	}
	if sw := c.requireACL(rec, aclDelete); !sw.OK() {
		return sw
	}
	if rec.isDF() {
		c.deleteSubtree(rec.uuid)
	}
	if sw := c.deactivate(rec); !sw.OK() {
		return sw
	}
	if parent, ok := c.fs.searchParent(); ok {
		c.fs.sel = parent
	}
	return SWOK
}

func (c *Card) deleteSubtree(parentUUID uint16) {
	var children []fsRecord
	c.fs.walk(func(r fsRecord) bool {
		if r.active && r.parentUUID == parentUUID {
			children = append(children, r)
		}
		return true
	})
	for _, child := range children {
		if child.isDF() {
			c.deleteSubtree(child.uuid)
		}
		c.deactivate(child)
	}
}

func (c *Card) deactivate(rec fsRecord) SW {
	rec.active = false
	if err := c.data.WriteBlock(rec.encode(), rec.offset); err != nil {
		return SWMemoryFailure
	}
	return SWOK
}

// ListFiles implements the MyEID proprietary LIST FILES operation used to
// enumerate children of the selected DF by type/mask (GET DATA P1=0x01/
// 0x02 in MyEID's reference manual), returning up to 127 2-byte ids.
func (c *Card) ListFiles(typ, mask byte) []byte {
	ids := c.fs.listChildren(typ, mask)
	if len(ids) > 127 {
		ids = ids[:127]
	}
	out := make([]byte, 0, len(ids)*2)
	for _, id := range ids {
		out = append(out, byte(id>>8), byte(id))
	}
	return out
}
