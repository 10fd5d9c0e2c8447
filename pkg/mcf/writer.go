package mcf

import (
	"errors"
	"io"
	"os"
	"slices"
	"sync"
)

var (
	errFinalised    = errors.New("mcf: writer already finalised")
	errSectionOpen  = errors.New("mcf: section write in progress")
	errDuplicate    = errors.New("mcf: duplicate section type")
	errNotActive    = errors.New("mcf: section writer not active")
	errEncodeFailed = errors.New("mcf: encode failed")
)

// Writer builds a container in one pass. Space for the header is reserved
// up front and patched by Finalise.
type Writer struct {
	mu       sync.Mutex
	f        *os.File
	pos      int64
	sections []Section
	seen     map[SectionType]bool
	open     *SectionWriter
	flags    uint64
	done     bool
}

// SectionWriter streams one section payload. It must be ended before any
// other section is written.
type SectionWriter struct {
	w     *Writer
	typ   SectionType
	ver   uint32
	start int64
}

// NewWriter truncates f and reserves the header.
func NewWriter(f *os.File) (*Writer, error) {
	if f == nil {
		return nil, errors.New("mcf: nil file")
	}
	if err := f.Truncate(0); err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	w := &Writer{f: f, seen: make(map[SectionType]bool)}
	if err := w.pad(headerSize); err != nil {
		return nil, err
	}
	return w, nil
}

// WriteSection writes a complete payload. Each section type may appear once.
func (w *Writer) WriteSection(typ SectionType, version uint32, data []byte) error {
	sw, err := w.BeginSection(typ, version)
	if err != nil {
		return err
	}
	if _, err := sw.Write(data); err != nil {
		return err
	}
	return sw.End()
}

// AddFlags ORs format flags into the header.
func (w *Writer) AddFlags(flags uint64) {
	w.mu.Lock()
	w.flags |= flags
	w.mu.Unlock()
}

// BeginSection starts streaming a section at the next aligned offset.
func (w *Writer) BeginSection(typ SectionType, version uint32) (*SectionWriter, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case w.done:
		return nil, errFinalised
	case w.open != nil:
		return nil, errSectionOpen
	case w.seen[typ]:
		return nil, errDuplicate
	}
	if err := w.alignTo(sectionAlign); err != nil {
		return nil, err
	}
	sw := &SectionWriter{w: w, typ: typ, ver: version, start: w.pos}
	w.open = sw
	w.seen[typ] = true
	return sw, nil
}

func (sw *SectionWriter) Write(p []byte) (int, error) {
	sw.w.mu.Lock()
	defer sw.w.mu.Unlock()
	if sw.w.open != sw {
		return 0, errNotActive
	}
	return sw.w.write(p)
}

// Align pads the payload with zeros up to a multiple of n bytes from the
// start of the file.
func (sw *SectionWriter) Align(n int) error {
	sw.w.mu.Lock()
	defer sw.w.mu.Unlock()
	if sw.w.open != sw {
		return errNotActive
	}
	return sw.w.alignTo(int64(n))
}

// Offset returns the current absolute file offset.
func (sw *SectionWriter) Offset() uint64 {
	sw.w.mu.Lock()
	defer sw.w.mu.Unlock()
	return uint64(sw.w.pos)
}

// End records the section in the directory.
func (sw *SectionWriter) End() error {
	sw.w.mu.Lock()
	defer sw.w.mu.Unlock()
	if sw.w.open != sw {
		return errNotActive
	}
	sw.w.sections = append(sw.w.sections, Section{
		Type:    sw.typ,
		Version: sw.ver,
		Offset:  uint64(sw.start),
		Size:    uint64(sw.w.pos - sw.start),
	})
	sw.w.open = nil
	return nil
}

// Finalise writes the section directory, patches the header and syncs the
// file. The writer cannot be used afterwards.
func (w *Writer) Finalise() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return errFinalised
	}
	if w.open != nil {
		return errSectionOpen
	}
	w.done = true

	slices.SortFunc(w.sections, func(a, b Section) int { return int(a.Type) - int(b.Type) })
	if err := w.alignTo(sectionAlign); err != nil {
		return err
	}
	dirOffset := w.pos
	var rec [sectionSize]byte
	for _, s := range w.sections {
		if !encodeSection(rec[:], s) {
			return errEncodeFailed
		}
		if _, err := w.write(rec[:]); err != nil {
			return err
		}
	}
	if err := w.f.Truncate(w.pos); err != nil {
		return err
	}

	h := Header{
		Major:            CurrentMajor,
		Minor:            CurrentMinor,
		HeaderSize:       headerSize,
		SectionCount:     uint32(len(w.sections)),
		SectionDirOffset: uint64(dirOffset),
		FileSize:         uint64(w.pos),
		Flags:            w.flags,
	}
	copy(h.Magic[:], MagicMCF)
	var hdr [headerSize]byte
	if !encodeHeader(hdr[:], h) {
		return errEncodeFailed
	}
	if _, err := w.f.WriteAt(hdr[:], 0); err != nil {
		return err
	}
	return w.f.Sync()
}

func (w *Writer) write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.pos += int64(n)
	return n, err
}

func (w *Writer) alignTo(n int64) error {
	if n <= 1 || w.pos%n == 0 {
		return nil
	}
	return w.pad(int(n - w.pos%n))
}

func (w *Writer) pad(n int) error {
	var zeros [256]byte
	for n > 0 {
		k := min(n, len(zeros))
		if _, err := w.write(zeros[:k]); err != nil {
			return err
		}
		n -= k
	}
	return nil
}
