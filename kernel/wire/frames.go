package wire

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Delimiter separates routing identities from the signed message parts.
const Delimiter = "<IDS|MSG>"

var (
	// ErrNoDelimiter is returned for a multipart message without Delimiter.
	ErrNoDelimiter = errors.New("wire: missing <IDS|MSG> delimiter")
	// ErrShortMessage is returned when fewer than the five signed parts follow the delimiter.
	ErrShortMessage = errors.New("wire: truncated multipart message")
	// ErrBadSignature is returned when the HMAC of a received message does not verify.
	ErrBadSignature = errors.New("wire: signature mismatch")
)

// Signer computes the hmac-sha256 signature of a message. A Signer with an
// empty key signs with "" and accepts any signature, matching kernels started
// without authentication.
type Signer struct {
	key []byte
}

// NewSigner returns a Signer for key.
func NewSigner(key string) *Signer {
	return &Signer{key: []byte(key)}
}

// Sign returns the hex digest over parts.
func (s *Signer) Sign(parts ...[]byte) []byte {
	if s == nil || len(s.key) == 0 {
		return []byte{}
	}
	mac := hmac.New(sha256.New, s.key)
	for _, p := range parts {
		mac.Write(p)
	}
	sum := mac.Sum(nil)
	out := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(out, sum)
	return out
}

// Verify reports whether sig is the signature of parts.
func (s *Signer) Verify(sig []byte, parts ...[]byte) bool {
	if s == nil || len(s.key) == 0 {
		return true
	}
	return hmac.Equal(sig, s.Sign(parts...))
}

// EncodeFrames serializes m into the ZeroMQ multipart layout:
// delimiter, signature, header, parent header, metadata, content.
func EncodeFrames(m *Message, s *Signer) ([][]byte, error) {
	header, err := json.Marshal(m.Header)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal header: %w", err)
	}
	parent, err := json.Marshal(m.ParentHeader)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal parent header: %w", err)
	}
	metadata := []byte("{}")
	if len(m.Metadata) > 0 {
		if metadata, err = json.Marshal(m.Metadata); err != nil {
			return nil, fmt.Errorf("wire: marshal metadata: %w", err)
		}
	}
	content := []byte(m.Content)
	if len(content) == 0 {
		content = []byte("{}")
	}

	return [][]byte{
		[]byte(Delimiter),
		s.Sign(header, parent, metadata, content),
		header,
		parent,
		metadata,
		content,
	}, nil
}

// DecodeFrames parses a multipart message, skipping routing identities or the
// pub/sub topic that precede the delimiter, and verifies its signature.
func DecodeFrames(frames [][]byte, s *Signer) (*Message, error) {
	i := 0
	for ; i < len(frames); i++ {
		if bytes.Equal(frames[i], []byte(Delimiter)) {
			break
		}
	}
	if i == len(frames) {
		return nil, ErrNoDelimiter
	}
	parts := frames[i+1:]
	if len(parts) < 5 {
		return nil, ErrShortMessage
	}
	sig, header, parent, metadata, content := parts[0], parts[1], parts[2], parts[3], parts[4]
	if !s.Verify(sig, header, parent, metadata, content) {
		return nil, ErrBadSignature
	}

	m := &Message{}
	if err := json.Unmarshal(header, &m.Header); err != nil {
		return nil, fmt.Errorf("wire: decode header: %w", err)
	}
	if err := json.Unmarshal(parent, &m.ParentHeader); err != nil {
		return nil, fmt.Errorf("wire: decode parent header: %w", err)
	}
	if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
		return nil, fmt.Errorf("wire: decode metadata: %w", err)
	}
	m.Content = append(json.RawMessage(nil), content...)
	return m, nil
}
