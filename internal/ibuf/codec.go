package ibuf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// ───────────────────────────────────────────────────────────────────────────
// Auxiliary record codec
// ───────────────────────────────────────────────────────────────────────────
//
// An auxiliary record's key carries everything — there is no separate
// value, matching InnoDB's ibuf records, which are ordinary secondary-index
// records of the auxiliary tree whose own key is
// (space, marker, page_no, secondary_index_key...). The key layout here is:
//
//   [0:4]   SpaceID       (uint32 BE — big-endian so byte order sorts
//                          numerically, grouping one space's records)
//   [4]     FormatMarker  (0x00, reserved for future on-disk formats)
//   [5:9]   PageNo        (uint32 BE, immediately after the marker —
//                          see formatRecKey)
//   [9:11]  TypeBitmap length (uint16 BE)
//   [.. ]   TypeBitmap    (0x00-prefixed => compact
//                          format, bare => legacy format)
//   [.. 1]  DeleteMark    (0x00 / 0x01)
//   [.. 1]  ModKind       (ModInsert / ModDeleteMark / ModUpdate)
//   [.. ]   Payload       (rest of the record; meaning depends on ModKind)
//
// Sorting by this key groups every record buffered against one target
// page into a contiguous range with prefix (SpaceID, 0x00, PageNo),
// letting try_buffer and merge_for_page use BtreeOps.ScanRange over that
// prefix directly.

// FieldType tags one column's encoding in an Insert payload, in the same
// tag-byte-then-length-prefixed-value style the deleted row codec used.
type FieldType uint8

const (
	FieldNull FieldType = iota
	FieldBool
	FieldInt64
	FieldFloat64
	FieldString
	FieldBytes
)

// Record is the decoded form of one auxiliary-tree key.
type Record struct {
	Target     TargetKey
	TypeBitmap []FieldType // field types of the indexed tuple, Insert only
	Compact    bool        // which target-page record format produced this key
	DeleteMark bool
	Mod        Mod
}

const formatMarker = 0x00

// EncodeKey renders rec as the sortable auxiliary-tree key bytes.
func EncodeKey(rec Record) ([]byte, error) {
	var buf bytes.Buffer
	var hdr [9]byte
	binary.BigEndian.PutUint32(hdr[0:4], rec.Target.SpaceID)
	hdr[4] = formatMarker
	binary.BigEndian.PutUint32(hdr[5:9], rec.Target.PageNo)
	buf.Write(hdr[:])

	tb := encodeTypeBitmap(rec.TypeBitmap, rec.Compact)
	if len(tb) > 0xFFFF {
		return nil, fmt.Errorf("%w: type bitmap too long (%d fields)", ErrTooBig, len(rec.TypeBitmap))
	}
	var tbLen [2]byte
	binary.BigEndian.PutUint16(tbLen[:], uint16(len(tb)))
	buf.Write(tbLen[:])
	buf.Write(tb)

	if rec.DeleteMark {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	buf.WriteByte(byte(rec.Mod.Kind))

	switch rec.Mod.Kind {
	case ModDeleteMark:
		writeLenPrefixed(&buf, rec.Mod.Key)
	case ModInsert, ModUpdate:
		writeLenPrefixed(&buf, rec.Mod.Key)
		buf.Write(rec.Mod.Value)
	default:
		return nil, fmt.Errorf("ibuf: unknown mod kind %d", rec.Mod.Kind)
	}
	return buf.Bytes(), nil
}

// DecodeKey parses bytes previously produced by EncodeKey.
func DecodeKey(key []byte) (Record, error) {
	var rec Record
	if len(key) < 11 {
		return rec, fmt.Errorf("%w: key too short (%d bytes)", ErrCorruption, len(key))
	}
	rec.Target.SpaceID = binary.BigEndian.Uint32(key[0:4])
	if key[4] != formatMarker {
		return rec, fmt.Errorf("%w: unexpected format marker 0x%02x", ErrCorruption, key[4])
	}
	rec.Target.PageNo = binary.BigEndian.Uint32(key[5:9])

	tbLen := int(binary.BigEndian.Uint16(key[9:11]))
	off := 11
	if off+tbLen > len(key) {
		return rec, fmt.Errorf("%w: type bitmap length %d overruns key", ErrCorruption, tbLen)
	}
	tb := key[off : off+tbLen]
	off += tbLen
	rec.TypeBitmap, rec.Compact = decodeTypeBitmap(tb)

	if off+2 > len(key) {
		return rec, fmt.Errorf("%w: key truncated before delete-mark/mod-kind", ErrCorruption)
	}
	rec.DeleteMark = key[off] != 0
	off++
	rec.Mod.Kind = ModKind(key[off])
	off++

	payload := key[off:]
	switch rec.Mod.Kind {
	case ModDeleteMark:
		key, _, err := readLenPrefixed(payload)
		if err != nil {
			return rec, err
		}
		rec.Mod.Key = key
	case ModInsert, ModUpdate:
		key, n, err := readLenPrefixed(payload)
		if err != nil {
			return rec, err
		}
		rec.Mod.Key = key
		rec.Mod.Value = append([]byte{}, payload[n:]...)
	default:
		return rec, fmt.Errorf("%w: unknown mod kind %d", ErrCorruption, rec.Mod.Kind)
	}
	return rec, nil
}

// encodeTypeBitmap renders fieldTypes as bytes, 0x00-prefixed when
// compact is requested. The prefix byte is the sole signal a reader uses
// to tell compact from legacy records apart — the same length-based
// heuristic InnoDB relies on rather than a dedicated format byte, kept
// for record-level compatibility with it.
func encodeTypeBitmap(fieldTypes []FieldType, compact bool) []byte {
	out := make([]byte, 0, len(fieldTypes)+1)
	if compact {
		out = append(out, 0x00)
	}
	for _, ft := range fieldTypes {
		out = append(out, byte(ft))
	}
	return out
}

// decodeTypeBitmap reverses encodeTypeBitmap, inferring the format from
// whether the first byte is the compact-format 0x00 prefix.
func decodeTypeBitmap(b []byte) ([]FieldType, bool) {
	compact := len(b) > 0 && b[0] == 0x00
	raw := b
	if compact {
		raw = b[1:]
	}
	fts := make([]FieldType, len(raw))
	for i, v := range raw {
		fts[i] = FieldType(v)
	}
	return fts, compact
}

// EncodeEntry renders a tuple of Go values into an Insert payload using
// the type-tagged, length-prefixed layout (tag byte, then a 4-byte
// length for variable-width values, little-endian throughout), in the
// style of the deleted SQL row codec.
func EncodeEntry(values []any) ([]byte, []FieldType, error) {
	var buf bytes.Buffer
	types := make([]FieldType, len(values))
	for i, v := range values {
		switch x := v.(type) {
		case nil:
			types[i] = FieldNull
		case bool:
			types[i] = FieldBool
			if x {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
		case int64:
			types[i] = FieldInt64
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], uint64(x))
			buf.Write(b[:])
		case float64:
			types[i] = FieldFloat64
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], math.Float64bits(x))
			buf.Write(b[:])
		case string:
			types[i] = FieldString
			writeLenPrefixed(&buf, []byte(x))
		case []byte:
			types[i] = FieldBytes
			writeLenPrefixed(&buf, x)
		default:
			return nil, nil, fmt.Errorf("ibuf: unsupported value type %T", v)
		}
	}
	return buf.Bytes(), types, nil
}

// DecodeEntry reverses EncodeEntry given the field types recorded in the
// record's type bitmap.
func DecodeEntry(payload []byte, types []FieldType) ([]any, error) {
	out := make([]any, len(types))
	off := 0
	for i, ft := range types {
		switch ft {
		case FieldNull:
			out[i] = nil
		case FieldBool:
			if off+1 > len(payload) {
				return nil, fmt.Errorf("%w: bool field truncated", ErrCorruption)
			}
			out[i] = payload[off] != 0
			off++
		case FieldInt64:
			if off+8 > len(payload) {
				return nil, fmt.Errorf("%w: int64 field truncated", ErrCorruption)
			}
			out[i] = int64(binary.LittleEndian.Uint64(payload[off : off+8]))
			off += 8
		case FieldFloat64:
			if off+8 > len(payload) {
				return nil, fmt.Errorf("%w: float64 field truncated", ErrCorruption)
			}
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(payload[off : off+8]))
			off += 8
		case FieldString:
			v, n, err := readLenPrefixed(payload[off:])
			if err != nil {
				return nil, err
			}
			out[i] = string(v)
			off += n
		case FieldBytes:
			v, n, err := readLenPrefixed(payload[off:])
			if err != nil {
				return nil, err
			}
			out[i] = v
			off += n
		default:
			return nil, fmt.Errorf("%w: unknown field type %d", ErrCorruption, ft)
		}
	}
	return out, nil
}

func writeLenPrefixed(buf *bytes.Buffer, v []byte) {
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(v)))
	buf.Write(l[:])
	buf.Write(v)
}

func readLenPrefixed(b []byte) ([]byte, int, error) {
	if len(b) < 4 {
		return nil, 0, fmt.Errorf("%w: length prefix truncated", ErrCorruption)
	}
	l := int(binary.LittleEndian.Uint32(b[0:4]))
	if 4+l > len(b) {
		return nil, 0, fmt.Errorf("%w: value of length %d overruns buffer", ErrCorruption, l)
	}
	return append([]byte{}, b[4:4+l]...), 4 + l, nil
}

// slotOverhead is the per-record bookkeeping cost a slotted page (or a
// B+Tree leaf, which shares the same directory layout) spends on one
// record, matching slottedSlotEntrySize in pager/slotted_page.go.
const slotOverhead = 4

// EncodedVolume returns how many bytes inserting rec into the auxiliary
// tree actually costs: the encoded key itself plus one slot-directory
// entry. try_buffer and the FreeList threshold checks use this, not
// len(key) alone, so that "does this fit" matches the page's own
// accounting in slotted_page.go.
func EncodedVolume(rec Record) (int, error) {
	key, err := EncodeKey(rec)
	if err != nil {
		return 0, err
	}
	return len(key) + slotOverhead, nil
}
