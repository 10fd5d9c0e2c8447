package mcf

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeContainer(t *testing.T, build func(w *Writer)) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.mcf")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer func() { _ = f.Close() }()
	w, err := NewWriter(f)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	build(w)
	if err := w.Finalise(); err != nil {
		t.Fatalf("finalise: %v", err)
	}
	return path
}

func TestOpenRoundTrip(t *testing.T) {
	t.Parallel()
	path := writeContainer(t, func(w *Writer) {
		if err := w.WriteSection(SectionSessionInfo, 1, []byte(`{"n":3}`)); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := w.WriteSection(SectionSessionState, 1, []byte{1, 2, 3, 4, 5}); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := w.WriteSection(SectionSessionState, 1, nil); !errors.Is(err, errDuplicate) {
			t.Fatalf("expected duplicate error, got %v", err)
		}
	})

	for _, opts := range []OpenOptions{{}, {Mmap: true}} {
		mf, err := Open(path, opts)
		if err != nil {
			t.Fatalf("open %+v: %v", opts, err)
		}
		if opts.Mmap != mf.Mapped() {
			t.Logf("mmap requested=%v mapped=%v", opts.Mmap, mf.Mapped())
		}
		if mf.Header.HeaderSize != headerSize || mf.Header.SectionCount != 2 {
			t.Fatalf("unexpected header: %+v", mf.Header)
		}
		got, err := mf.Bytes(SectionSessionState)
		if err != nil {
			t.Fatalf("bytes: %v", err)
		}
		if !bytes.Equal(got, []byte{1, 2, 3, 4, 5}) {
			t.Fatalf("state mismatch: %v", got)
		}
		if _, err := mf.Bytes(SectionTokenizer); !errors.Is(err, ErrMissingSection) {
			t.Fatalf("expected missing section, got %v", err)
		}
		if err := mf.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	t.Parallel()
	path := writeContainer(t, func(w *Writer) {
		_ = w.WriteSection(SectionModelInfo, 1, []byte("{}"))
	})
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	raw[0] = 'X'
	if _, err := OpenReaderAt(bytes.NewReader(raw), int64(len(raw))); !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
	raw[0] = 'M'
	if _, err := OpenReaderAt(bytes.NewReader(raw[:len(raw)-1]), int64(len(raw)-1)); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("expected ErrCorruptFile for truncated file, got %v", err)
	}
}

func TestTensorWriterAlignmentAndLookup(t *testing.T) {
	t.Parallel()
	path := writeContainer(t, func(w *Writer) {
		tw, err := w.BeginTensors()
		if err != nil {
			t.Fatalf("begin tensors: %v", err)
		}
		if err := tw.Add("b.weight", []int{3}, []float32{1, 2, 3}); err != nil {
			t.Fatalf("add: %v", err)
		}
		if err := tw.Add("a.weight", []int{2, 2}, []float32{-1, 0.5, 0.25, 8}); err != nil {
			t.Fatalf("add: %v", err)
		}
		if err := tw.Add("bad", []int{2}, []float32{1}); err == nil {
			t.Fatal("expected shape mismatch error")
		}
		if err := tw.Close(); err != nil {
			t.Fatalf("close tensors: %v", err)
		}
	})

	mf, err := Open(path, OpenOptions{Mmap: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = mf.Close() }()
	if mf.Header.Flags&FlagTensorDataAligned64 == 0 {
		t.Fatal("expected aligned flag")
	}
	ti, err := ReadTensorIndex(mf)
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	if ti.Tensors[0].Name != "a.weight" {
		t.Fatalf("index not sorted: %+v", ti.Tensors)
	}
	e, ok := ti.Find("a.weight")
	if !ok {
		t.Fatal("a.weight not found")
	}
	if e.Offset%TensorAlign != 0 {
		t.Fatalf("tensor offset %d not aligned", e.Offset)
	}
	vals, err := Float32s(mf, e)
	if err != nil {
		t.Fatalf("float32s: %v", err)
	}
	want := []float32{-1, 0.5, 0.25, 8}
	for i := range want {
		if vals[i] != want[i] {
			t.Fatalf("value %d: got %v want %v", i, vals[i], want[i])
		}
	}
	if _, ok := ti.Find("missing"); ok {
		t.Fatal("unexpected hit")
	}
}

func TestHeaderAndSectionEncodingLittleEndian(t *testing.T) {
	t.Parallel()
	h := Header{
		Magic:            [4]byte{'M', 'C', 'F', 0},
		Major:            0x1122,
		Minor:            0x3344,
		HeaderSize:       headerSize,
		SectionCount:     7,
		SectionDirOffset: 0x0102030405060708,
		FileSize:         0x1112131415161718,
		Flags:            0x2122232425262728,
	}
	var hdrRaw [headerSize]byte
	if !encodeHeader(hdrRaw[:], h) {
		t.Fatal("encode header failed")
	}
	if hdrRaw[4] != 0x22 || hdrRaw[5] != 0x11 {
		t.Fatalf("major is not little-endian: %x", hdrRaw[4:6])
	}
	if got, ok := decodeHeader(hdrRaw[:]); !ok || got != h {
		t.Fatalf("header round trip mismatch: %+v", got)
	}

	s := Section{Type: 0x11223344, Version: 7, Offset: 0x0102030405060708, Size: 99}
	var secRaw [sectionSize]byte
	if !encodeSection(secRaw[:], s) {
		t.Fatal("encode section failed")
	}
	if secRaw[0] != 0x44 || secRaw[3] != 0x11 {
		t.Fatalf("section type is not little-endian: %x", secRaw[0:4])
	}
	if got, ok := decodeSection(secRaw[:]); !ok || got != s {
		t.Fatalf("section round trip mismatch: %+v", got)
	}
}
