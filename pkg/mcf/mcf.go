// Package mcf implements the Model Container File format.
//
// An MCF file is a single memory-mappable container: a fixed header, a set of
// aligned section payloads and a section directory at the end. The format
// describes structure only. kvrt stores model weights, tokenizer data and
// saved sessions in it.
package mcf

// Format constants must never change.
const (
	// MagicMCF is the file magic, "MCF\0".
	MagicMCF = "MCF\x00"

	CurrentMajor uint16 = 1
	CurrentMinor uint16 = 2

	// FlagTensorDataAligned64 marks files whose tensor payloads start on
	// 64-byte boundaries inside SectionTensorData.
	FlagTensorDataAligned64 uint64 = 1 << 0

	headerSize   = 40
	sectionSize  = 24
	sectionAlign = 8

	// TensorAlign is the alignment of each tensor payload.
	TensorAlign = 64
)

type SectionType uint32

const (
	SectionModelInfo   SectionType = 0x0001
	SectionTensorIndex SectionType = 0x0003
	SectionTensorData  SectionType = 0x0004
	SectionTokenizer   SectionType = 0x0010

	SectionSessionInfo   SectionType = 0x0020
	SectionSessionTokens SectionType = 0x0021
	SectionSessionState  SectionType = 0x0022
)

func (t SectionType) String() string {
	switch t {
	case SectionModelInfo:
		return "model_info"
	case SectionTensorIndex:
		return "tensor_index"
	case SectionTensorData:
		return "tensor_data"
	case SectionTokenizer:
		return "tokenizer"
	case SectionSessionInfo:
		return "session_info"
	case SectionSessionTokens:
		return "session_tokens"
	case SectionSessionState:
		return "session_state"
	default:
		return "unknown"
	}
}

type Header struct {
	Magic            [4]byte
	Major            uint16
	Minor            uint16
	HeaderSize       uint32
	SectionCount     uint32
	SectionDirOffset uint64
	FileSize         uint64
	Flags            uint64
}

func (h *Header) Valid() bool {
	return string(h.Magic[:]) == MagicMCF && h.HeaderSize >= headerSize && h.SectionCount > 0
}

func (h *Header) Compatible() bool { return h.Major == CurrentMajor }

type Section struct {
	Type    SectionType
	Version uint32
	Offset  uint64
	Size    uint64
}

func (s Section) End() uint64 { return s.Offset + s.Size }
