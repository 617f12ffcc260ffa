package ibuf

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeKey_Insert(t *testing.T) {
	rec := Record{
		Target:     TargetKey{SpaceID: 7, PageNo: 42},
		TypeBitmap: []FieldType{FieldInt64, FieldString},
		Compact:    true,
		Mod: Mod{
			Kind:  ModInsert,
			Key:   []byte("idx-key"),
			Value: []byte("idx-value"),
		},
	}
	key, err := EncodeKey(rec)
	if err != nil {
		t.Fatalf("EncodeKey: %v", err)
	}
	got, err := DecodeKey(key)
	if err != nil {
		t.Fatalf("DecodeKey: %v", err)
	}
	if got.Target != rec.Target {
		t.Errorf("Target: got %+v want %+v", got.Target, rec.Target)
	}
	if !got.Compact {
		t.Error("Compact flag lost")
	}
	if len(got.TypeBitmap) != 2 || got.TypeBitmap[0] != FieldInt64 || got.TypeBitmap[1] != FieldString {
		t.Errorf("TypeBitmap: got %v", got.TypeBitmap)
	}
	if got.Mod.Kind != ModInsert || !bytes.Equal(got.Mod.Key, rec.Mod.Key) || !bytes.Equal(got.Mod.Value, rec.Mod.Value) {
		t.Errorf("Mod: got %+v want %+v", got.Mod, rec.Mod)
	}
}

func TestEncodeDecodeKey_DeleteMark(t *testing.T) {
	rec := Record{
		Target:     TargetKey{SpaceID: 1, PageNo: 2},
		DeleteMark: true,
		Mod:        Mod{Kind: ModDeleteMark, Key: []byte("gone")},
	}
	key, err := EncodeKey(rec)
	if err != nil {
		t.Fatalf("EncodeKey: %v", err)
	}
	got, err := DecodeKey(key)
	if err != nil {
		t.Fatalf("DecodeKey: %v", err)
	}
	if !got.DeleteMark {
		t.Error("DeleteMark flag lost")
	}
	if got.Mod.Kind != ModDeleteMark || !bytes.Equal(got.Mod.Key, []byte("gone")) {
		t.Errorf("Mod: got %+v", got.Mod)
	}
	if got.Mod.Value != nil {
		t.Errorf("delete-mark record should carry no value, got %v", got.Mod.Value)
	}
}

// Keys must sort so that every record buffered against one target page
// forms a contiguous range — try_buffer and merge_for_page both depend
// on this for their ScanRange prefix scans.
func TestEncodeKey_SortsByTarget(t *testing.T) {
	k1, err := EncodeKey(Record{Target: TargetKey{SpaceID: 1, PageNo: 5}, Mod: Mod{Kind: ModDeleteMark, Key: []byte("a")}})
	if err != nil {
		t.Fatal(err)
	}
	k2, err := EncodeKey(Record{Target: TargetKey{SpaceID: 1, PageNo: 6}, Mod: Mod{Kind: ModDeleteMark, Key: []byte("a")}})
	if err != nil {
		t.Fatal(err)
	}
	k3, err := EncodeKey(Record{Target: TargetKey{SpaceID: 2, PageNo: 1}, Mod: Mod{Kind: ModDeleteMark, Key: []byte("a")}})
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Compare(k1, k2) >= 0 {
		t.Error("page 5 record should sort before page 6 record within the same space")
	}
	if bytes.Compare(k2, k3) >= 0 {
		t.Error("space 1 records should sort before space 2 records")
	}
}

func TestDecodeKey_TooShort(t *testing.T) {
	_, err := DecodeKey([]byte{1, 2, 3})
	if !errors.Is(err, ErrCorruption) {
		t.Fatalf("expected ErrCorruption, got %v", err)
	}
}

func TestDecodeKey_BadFormatMarker(t *testing.T) {
	rec := Record{Target: TargetKey{SpaceID: 1, PageNo: 1}, Mod: Mod{Kind: ModDeleteMark, Key: []byte("x")}}
	key, err := EncodeKey(rec)
	if err != nil {
		t.Fatal(err)
	}
	key[4] = 0xFF
	_, err = DecodeKey(key)
	if !errors.Is(err, ErrCorruption) {
		t.Fatalf("expected ErrCorruption, got %v", err)
	}
}

func TestEncodeDecodeEntry_RoundTrip(t *testing.T) {
	values := []any{nil, true, int64(-42), 3.5, "hello", []byte{1, 2, 3}}
	payload, types, err := EncodeEntry(values)
	if err != nil {
		t.Fatalf("EncodeEntry: %v", err)
	}
	got, err := DecodeEntry(payload, types)
	if err != nil {
		t.Fatalf("DecodeEntry: %v", err)
	}
	if len(got) != len(values) {
		t.Fatalf("got %d values, want %d", len(got), len(values))
	}
	if got[0] != nil {
		t.Errorf("field 0: got %v want nil", got[0])
	}
	if got[1] != true {
		t.Errorf("field 1: got %v want true", got[1])
	}
	if got[2] != int64(-42) {
		t.Errorf("field 2: got %v want -42", got[2])
	}
	if got[3] != 3.5 {
		t.Errorf("field 3: got %v want 3.5", got[3])
	}
	if got[4] != "hello" {
		t.Errorf("field 4: got %v want hello", got[4])
	}
	if !bytes.Equal(got[5].([]byte), []byte{1, 2, 3}) {
		t.Errorf("field 5: got %v want [1 2 3]", got[5])
	}
}

func TestEncodedVolume_IncludesSlotOverhead(t *testing.T) {
	rec := Record{Target: TargetKey{SpaceID: 1, PageNo: 1}, Mod: Mod{Kind: ModDeleteMark, Key: []byte("k")}}
	key, err := EncodeKey(rec)
	if err != nil {
		t.Fatal(err)
	}
	vol, err := EncodedVolume(rec)
	if err != nil {
		t.Fatal(err)
	}
	if vol != len(key)+slotOverhead {
		t.Errorf("EncodedVolume: got %d want %d", vol, len(key)+slotOverhead)
	}
}
