package inference

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"

	"github.com/samcharles93/kvrt/internal/errs"
	"github.com/samcharles93/kvrt/internal/tokenizer"
	"github.com/samcharles93/kvrt/pkg/mcf"
)

const sessionFormat = "kvrt-session"

// SessionInfo is the JSON header of a session file.
type SessionInfo struct {
	Format      string    `json:"format"`
	Version     int       `json:"version"`
	Model       string    `json:"model"`
	Fingerprint string    `json:"fingerprint"`
	Tokens      int       `json:"tokens"`
	StateBytes  int       `json:"state_bytes"`
	Created     time.Time `json:"created"`
}

// EncodeTokens packs tokens as little-endian int32 values.
func EncodeTokens(tokens []tokenizer.Token) []byte {
	out := make([]byte, 0, 4*len(tokens))
	for _, t := range tokens {
		out = binary.LittleEndian.AppendUint32(out, uint32(t))
	}
	return out
}

// DecodeTokens is the inverse of EncodeTokens.
func DecodeTokens(raw []byte) ([]tokenizer.Token, error) {
	if len(raw)%4 != 0 {
		return nil, errs.Corrupt("session tokens", "multiple of 4 bytes", len(raw))
	}
	out := make([]tokenizer.Token, len(raw)/4)
	for i := range out {
		out[i] = tokenizer.Token(int32(binary.LittleEndian.Uint32(raw[4*i:])))
	}
	return out, nil
}

// SaveSession writes the context state and the tokens it was built from to
// path.
func (c *Context) SaveSession(path string, tokens []tokenizer.Token) error {
	blob, err := c.State()
	if err != nil {
		return err
	}
	info, err := json.Marshal(SessionInfo{
		Format:      sessionFormat,
		Version:     StateVersion,
		Model:       c.model.Desc(),
		Fingerprint: fmt.Sprintf("%016x", c.model.Fingerprint()),
		Tokens:      len(tokens),
		StateBytes:  len(blob),
		Created:     time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	defer func() { _ = f.Close() }()
	w, err := mcf.NewWriter(f)
	if err != nil {
		return err
	}
	for _, s := range []struct {
		typ  mcf.SectionType
		data []byte
	}{
		{mcf.SectionSessionInfo, info},
		{mcf.SectionSessionTokens, EncodeTokens(tokens)},
		{mcf.SectionSessionState, blob},
	} {
		if err := w.WriteSection(s.typ, StateVersion, s.data); err != nil {
			return fmt.Errorf("save session: %w", err)
		}
	}
	if err := w.Finalise(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	c.log.Info("session saved", "path", path, "tokens", len(tokens), "bytes", len(blob))
	return f.Close()
}

// ReadSessionInfo reads only the JSON header of a session file.
func ReadSessionInfo(path string) (SessionInfo, error) {
	mf, err := mcf.Open(path, mcf.OpenOptions{})
	if err != nil {
		return SessionInfo{}, err
	}
	defer func() { _ = mf.Close() }()
	return sessionInfo(mf)
}

func sessionInfo(mf *mcf.File) (SessionInfo, error) {
	var info SessionInfo
	raw, err := mf.Bytes(mcf.SectionSessionInfo)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return info, fmt.Errorf("session info: %w", err)
	}
	if info.Format != sessionFormat {
		return info, errs.Corrupt("session format", sessionFormat, info.Format)
	}
	return info, nil
}

// LoadSession restores a session written by SaveSession. It returns at
// most capacity tokens together with the number of tokens stored in the
// file, so callers can tell when the list was truncated. The context is
// unchanged if the file does not match it.
func (c *Context) LoadSession(path string, capacity int) ([]tokenizer.Token, int, error) {
	mf, err := mcf.Open(path, mcf.OpenOptions{})
	if err != nil {
		return nil, 0, fmt.Errorf("load session: %w", err)
	}
	defer func() { _ = mf.Close() }()

	info, err := sessionInfo(mf)
	if err != nil {
		return nil, 0, fmt.Errorf("load session: %w", err)
	}
	if want := fmt.Sprintf("%016x", c.model.Fingerprint()); info.Fingerprint != want {
		return nil, 0, fmt.Errorf("load session: %w", errs.Corrupt("model fingerprint", want, info.Fingerprint))
	}
	raw, err := mf.Bytes(mcf.SectionSessionTokens)
	if err != nil {
		return nil, 0, fmt.Errorf("load session: %w", err)
	}
	tokens, err := DecodeTokens(raw)
	if err != nil {
		return nil, 0, fmt.Errorf("load session: %w", err)
	}
	blob, err := mf.Bytes(mcf.SectionSessionState)
	if err != nil {
		return nil, 0, fmt.Errorf("load session: %w", err)
	}
	if _, err := c.SetState(blob); err != nil {
		return nil, 0, fmt.Errorf("load session: %w", err)
	}

	stored := len(tokens)
	if capacity >= 0 && stored > capacity {
		c.log.Warn("session token list truncated", "stored", stored, "capacity", capacity)
		tokens = tokens[:capacity]
	}
	return tokens, stored, nil
}
