package oseid

import "encoding/binary"

// The filesystem lives in a single linear, append-structured region of
// data_store: one fixed 15-byte header per file (fsRecord), followed by an
// optional name (DF only) and, unless the file is no_allocate, its data
// payload. Deletion is soft (the active bit is cleared); the 0xFFFF id
// sentinel marks the end of the region. This mirrors
// original_source/src/card_os/fs.c's struct fs_data and fs_search_file.
const (
	fsHeaderSize = 15
	fsEndID      = 0xffff
	mfID         = 0x3f00
)

// File type byte (fs_data.type / key.h's file-type constants).
const (
	ftMask       = 0xbf
	ftDF         = 0x38
	ftTransparent = 0x01
	ftKeyRSA     = 0x11
	ftKeyEC1     = 0x22
	ftKeyEC2     = 0x23
	ftKeyDES     = 0x19
	ftKeyAES     = 0x29
)

// propExtractable is the low bit of a key file's tag-0x85 proprietary FCP
// field: set on key files PSO WRAP is allowed to read out and encipher
// under another key. Cleared by default, so newly created key files must
// opt in explicitly.
const propExtractable uint16 = 0x0001

// fsRecord is the decoded form of one filesystem entry header.
type fsRecord struct {
	id         uint16
	size       uint16
	uuid       uint16
	parentUUID uint16
	typ        byte
	acl        [3]byte
	prop       uint16
	nameSize   uint8
	tag8081    bool
	noAllocate bool
	active     bool

	offset     uint16 // header offset in data_store
	dataOffset uint16 // offset of the data payload (0 if noAllocate)
}

func (r fsRecord) isDF() bool { return r.typ&ftMask == ftDF }

func decodeFsRecord(b []byte, offset uint16) fsRecord {
	flags := b[14]
	r := fsRecord{
		id:         binary.BigEndian.Uint16(b[0:2]),
		size:       binary.BigEndian.Uint16(b[2:4]),
		uuid:       binary.BigEndian.Uint16(b[4:6]),
		parentUUID: binary.BigEndian.Uint16(b[6:8]),
		typ:        b[8],
		prop:       binary.BigEndian.Uint16(b[12:14]),
		nameSize:   flags & 0x1f,
		tag8081:    flags&0x20 != 0,
		noAllocate: flags&0x40 != 0,
		active:     flags&0x80 != 0,
		offset:     offset,
	}
	copy(r.acl[:], b[9:12])
	r.dataOffset = offset + fsHeaderSize + uint16(r.nameSize)
	return r
}

func (r fsRecord) encode() []byte {
	b := make([]byte, fsHeaderSize)
	binary.BigEndian.PutUint16(b[0:2], r.id)
	binary.BigEndian.PutUint16(b[2:4], r.size)
	binary.BigEndian.PutUint16(b[4:6], r.uuid)
	binary.BigEndian.PutUint16(b[6:8], r.parentUUID)
	b[8] = r.typ
	copy(b[9:12], r.acl[:])
	binary.BigEndian.PutUint16(b[12:14], r.prop)
	flags := r.nameSize & 0x1f
	if r.tag8081 {
		flags |= 0x20
	}
	if r.noAllocate {
		flags |= 0x40
	}
	if r.active {
		flags |= 0x80
	}
	b[14] = flags
	return b
}

// recordSpan is the total number of data_store bytes a record occupies:
// header + name + (payload unless no_allocate).
func (r fsRecord) span() uint16 {
	n := fsHeaderSize + uint16(r.nameSize)
	if !r.noAllocate {
		n += r.size
	}
	return n
}

// fsState holds the current file selection (DF or EF), the card-OS
// equivalent of original_source's single global fci_sel.
type fsState struct {
	store Store
	sel   fsRecord
}

func (f *fsState) init(store Store) {
	f.store = store
	if f.isBlank() {
		f.mkfs(nil)
	}
	f.sel = fsRecord{uuid: 0}
	if rec, ok := f.searchByIDKind(mfID, true); ok {
		f.sel = rec
	}
}

func (f *fsState) isBlank() bool {
	var hdr [fsHeaderSize]byte
	if err := f.store.ReadBlock(hdr[:], 0, fsHeaderSize); err != nil {
		return true
	}
	for _, b := range hdr {
		if b != 0xff {
			return false
		}
	}
	return true
}

// mkfs formats the filesystem: writes a single MF record (3F00) as a
// no_allocate DF with no payload, immediately followed by the end-of-
// filesystem sentinel, matching fs_mkfs's minimal (acl == nil) path. The
// MF's ACL bytes are the ones given here; no command changes them later.
func (f *fsState) mkfs(acl []byte) {
	mf := fsRecord{
		id: mfID, uuid: 1, parentUUID: 0, typ: ftDF,
		noAllocate: true, active: true,
	}
	if len(acl) >= 3 {
		copy(mf.acl[:], acl)
	}
	f.store.WriteBlock(mf.encode(), 0)

	end := fsRecord{id: fsEndID}
	f.store.WriteBlock(end.encode(), fsHeaderSize)
}

func (f *fsState) readAt(offset uint16) (fsRecord, bool) {
	var hdr [fsHeaderSize]byte
	if err := f.store.ReadBlock(hdr[:], offset, fsHeaderSize); err != nil {
		return fsRecord{}, false
	}
	return decodeFsRecord(hdr[:], offset), true
}

// walk invokes fn for every record from the start of the filesystem region
// until the 0xFFFF sentinel or an unreadable block; fn returns false to
// stop early.
func (f *fsState) walk(fn func(fsRecord) bool) {
	var offset uint16
	for {
		rec, ok := f.readAt(offset)
		if !ok || rec.id == fsEndID {
			return
		}
		if !fn(rec) {
			return
		}
		offset += rec.span()
	}
}

// searchByIDKind finds the nearest active child of the selected DF with the
// given id and DF/EF-ness, scoped to fs_search_file's S_DF/S_EF.
func (f *fsState) searchByIDKind(id uint16, wantDF bool) (fsRecord, bool) {
	var found fsRecord
	var ok bool
	f.walk(func(r fsRecord) bool {
		if !r.active {
			return true
		}
		if r.parentUUID != f.sel.uuid || r.id != id {
			return true
		}
		if r.isDF() != wantDF {
			return true
		}
		found, ok = r, true
		return false
	})
	return found, ok
}

// searchS0 implements the three-tier S_0 search from fs_search_file: first
// an immediate child of the current DF, then the current DF's parent, then
// a sibling of the current DF (a record sharing its parent UUID).
func (f *fsState) searchS0(id uint16) (fsRecord, bool) {
	if rec, ok := f.searchChildByID(id); ok {
		return rec, true
	}
	var level2, level3 fsRecord
	var have2, have3 bool
	f.walk(func(r fsRecord) bool {
		if !r.active || r.id != id {
			return true
		}
		if r.parentUUID == f.sel.parentUUID && !have2 {
			level2, have2 = r, true
		}
		if r.uuid == f.sel.parentUUID && !have3 {
			level3, have3 = r, true
		}
		return true
	})
	if have3 {
		return level3, true
	}
	if have2 {
		return level2, true
	}
	return fsRecord{}, false
}

func (f *fsState) searchChildByID(id uint16) (fsRecord, bool) {
	var found fsRecord
	var ok bool
	f.walk(func(r fsRecord) bool {
		if r.active && r.parentUUID == f.sel.uuid && r.id == id {
			found, ok = r, true
			return false
		}
		return true
	})
	return found, ok
}

func (f *fsState) searchByUUID(uuid uint16) (fsRecord, bool) {
	var found fsRecord
	var ok bool
	f.walk(func(r fsRecord) bool {
		if r.active && r.uuid == uuid {
			found, ok = r, true
			return false
		}
		return true
	})
	return found, ok
}

func (f *fsState) searchParent() (fsRecord, bool) {
	return f.searchByUUID(f.sel.parentUUID)
}

func (f *fsState) searchFirst(wantDF bool) (fsRecord, bool) {
	var found fsRecord
	var ok bool
	f.walk(func(r fsRecord) bool {
		if r.active && r.parentUUID == f.sel.uuid && r.isDF() == wantDF {
			found, ok = r, true
			return false
		}
		return true
	})
	return found, ok
}

func (f *fsState) searchByName(name []byte) (fsRecord, bool) {
	var found fsRecord
	var ok bool
	f.walk(func(r fsRecord) bool {
		if !r.active || int(r.nameSize) != len(name) || r.nameSize == 0 {
			return true
		}
		buf := make([]byte, r.nameSize)
		if err := f.store.ReadBlock(buf, r.offset+fsHeaderSize, uint16(r.nameSize)); err != nil {
			return true
		}
		for i := range buf {
			if buf[i] != name[i] {
				return true
			}
		}
		found, ok = r, true
		return false
	})
	return found, ok
}

// searchByPath walks a 2-byte-id-per-step path starting from the current
// DF (fs_search_file's S_PATH).
func (f *fsState) searchByPath(path []byte) (fsRecord, bool) {
	if len(path)%2 != 0 || len(path) == 0 {
		return fsRecord{}, false
	}
	cur := f.sel
	var rec fsRecord
	var ok bool
	for i := 0; i < len(path); i += 2 {
		id := binary.BigEndian.Uint16(path[i : i+2])
		saved := f.sel
		f.sel = cur
		rec, ok = f.searchChildByID(id)
		f.sel = saved
		if !ok {
			return fsRecord{}, false
		}
		cur = rec
	}
	return rec, true
}

// maxUUID returns 1 + the highest uuid in the filesystem, and whether id
// already collides among the current DF's children (fs_search_file's
// S_MAX).
func (f *fsState) maxUUID(id uint16) (next uint16, collision bool) {
	var maxU uint16
	f.walk(func(r fsRecord) bool {
		if r.id == fsEndID {
			return true
		}
		if r.uuid > maxU {
			maxU = r.uuid
		}
		if r.active && r.parentUUID == f.sel.uuid && r.id == id {
			collision = true
			return false
		}
		return true
	})
	return maxU + 1, collision
}

// freeSpaceOffset returns the data_store offset where the end-of-filesystem
// sentinel currently sits — the next free slot for a new record.
func (f *fsState) freeSpaceOffset() uint16 {
	var offset uint16
	f.walk(func(r fsRecord) bool {
		offset = r.offset + r.span()
		return true
	})
	return offset
}

// listChildren returns the ids of every active immediate child of the
// current DF whose type matches (typ ^ mask) & rangeMask == 0, the
// fs_search_file S_LIST_ALL selector used by LIST FILES.
func (f *fsState) listChildren(typ, rangeMask byte) []uint16 {
	var ids []uint16
	f.walk(func(r fsRecord) bool {
		if r.active && r.parentUUID == f.sel.uuid && r.id != mfID {
			if (r.typ^typ)&rangeMask == 0 {
				ids = append(ids, r.id)
			}
		}
		return true
	})
	return ids
}
