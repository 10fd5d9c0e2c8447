package mcf

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// OpenOptions controls how a container is brought into memory.
type OpenOptions struct {
	// Mmap maps the file read-only instead of reading it into the heap.
	// Open falls back to reading when mapping fails.
	Mmap bool
	// Mlock pins the mapping in RAM. Ignored without a mapping.
	Mlock bool
}

type File struct {
	Data     []byte
	Header   Header
	Sections []Section

	mapped bool
	locked bool
}

// Open loads and validates the container at path.
// The returned file must be closed to release any mapping.
func Open(path string, opts OpenOptions) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size < headerSize || size > int64(int(^uint(0)>>1)) {
		return nil, ErrCorruptFile
	}

	if opts.Mmap {
		data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
		if err == nil {
			mf, perr := parse(data)
			if perr != nil {
				_ = unix.Munmap(data)
				return nil, perr
			}
			mf.mapped = true
			if opts.Mlock {
				if err := unix.Mlock(data); err != nil {
					_ = unix.Munmap(data)
					return nil, fmt.Errorf("mlock %s: %w", path, err)
				}
				mf.locked = true
			}
			return mf, nil
		}
	}

	data, err := readAllAt(f, int(size))
	if err != nil {
		return nil, err
	}
	return parse(data)
}

// OpenReaderAt loads and validates a container from r without mapping it.
func OpenReaderAt(r io.ReaderAt, size int64) (*File, error) {
	if size < 0 || size > int64(int(^uint(0)>>1)) {
		return nil, ErrCorruptFile
	}
	data, err := readAllAt(r, int(size))
	if err != nil {
		return nil, err
	}
	return parse(data)
}

func readAllAt(r io.ReaderAt, size int) ([]byte, error) {
	out := make([]byte, size)
	var off int
	for off < size {
		n, err := r.ReadAt(out[off:], int64(off))
		off += n
		if err == io.EOF && off == size {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func parse(data []byte) (*File, error) {
	hdr, ok := decodeHeader(data)
	if !ok {
		return nil, ErrCorruptFile
	}
	if !hdr.Valid() {
		return nil, ErrInvalidMagic
	}
	if !hdr.Compatible() {
		return nil, ErrUnsupportedMajor
	}
	n := uint64(len(data))
	if hdr.FileSize != n || uint64(hdr.HeaderSize) > n {
		return nil, ErrCorruptFile
	}

	dirStart := hdr.SectionDirOffset
	dirEnd := dirStart + uint64(hdr.SectionCount)*sectionSize
	if dirStart < uint64(hdr.HeaderSize) || dirEnd < dirStart || dirEnd > n {
		return nil, ErrCorruptFile
	}

	sections := make([]Section, hdr.SectionCount)
	for i := range sections {
		off := int(dirStart) + i*sectionSize
		s, ok := decodeSection(data[off : off+sectionSize])
		if !ok {
			return nil, ErrCorruptFile
		}
		end := s.End()
		switch {
		case s.Size > n || end < s.Offset || end > n:
			return nil, fmt.Errorf("%w: section %s out of bounds", ErrCorruptFile, s.Type)
		case s.Offset < uint64(hdr.HeaderSize):
			return nil, fmt.Errorf("%w: section %s overlaps header", ErrCorruptFile, s.Type)
		case rangesOverlap(s.Offset, end, dirStart, dirEnd):
			return nil, fmt.Errorf("%w: section %s overlaps directory", ErrCorruptFile, s.Type)
		case s.Offset%sectionAlign != 0:
			return nil, fmt.Errorf("%w: section %s misaligned", ErrCorruptFile, s.Type)
		}
		sections[i] = s
	}

	return &File{Data: data, Header: hdr, Sections: sections}, nil
}

// Mapped reports whether Data is backed by a file mapping.
func (f *File) Mapped() bool { return f.mapped }

// Locked reports whether the mapping is pinned with mlock.
func (f *File) Locked() bool { return f.locked }

// Close releases the mapping, if any. Section slices must not be used
// afterwards.
func (f *File) Close() error {
	if f == nil || f.Data == nil {
		return nil
	}
	var err error
	if f.mapped {
		if f.locked {
			_ = unix.Munlock(f.Data)
		}
		err = unix.Munmap(f.Data)
	}
	f.Data = nil
	f.Sections = nil
	f.mapped, f.locked = false, false
	return err
}

// Section returns the first section of type t.
func (f *File) Section(t SectionType) (Section, bool) {
	for _, s := range f.Sections {
		if s.Type == t {
			return s, true
		}
	}
	return Section{}, false
}

// Bytes returns a zero-copy view of the payload of section t.
func (f *File) Bytes(t SectionType) ([]byte, error) {
	s, ok := f.Section(t)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingSection, t)
	}
	if f.Data == nil {
		return nil, ErrCorruptFile
	}
	return f.Data[s.Offset:s.End()], nil
}
