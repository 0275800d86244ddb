// Package envelope encodes and parses the fixed prefix that makes a backup
// file self-describing:
//
//	[0,8)   ASCII flag, "ENC_COMP" or "ENC_ONLY" (absent when not encrypted)
//	[8,24)  random IV (absent when not encrypted)
//	[24,..) payload
package envelope

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"dsync/internal/common"
)

const (
	FlagSize   = 8
	IVSize     = 16
	HeaderSize = FlagSize + IVSize

	EncryptedExt  = ".enc"
	CompressedExt = ".gz"
)

// Flag is the 8-byte tag at the start of an encrypted file.
type Flag string

const (
	FlagNone              Flag = ""
	FlagEncryptedOnly     Flag = "ENC_ONLY"
	FlagEncryptedCompress Flag = "ENC_COMP"
)

// randReader is the IV source.
var randReader io.Reader = rand.Reader

// Header is the flag plus IV prefixed to encrypted output.
type Header struct {
	Flag Flag
	IV   [IVSize]byte
}

// NewHeader returns the header for the given flags, or nil when the output
// is not encrypted: the absence of a header means "not encrypted".
func NewHeader(compressed, encrypted bool) (*Header, error) {
	if !encrypted {
		return nil, nil
	}

	h := &Header{Flag: FlagEncryptedOnly}
	if compressed {
		h.Flag = FlagEncryptedCompress
	}

	if _, err := io.ReadFull(randReader, h.IV[:]); err != nil {
		return nil, fmt.Errorf("generating iv: %w", err)
	}
	return h, nil
}

// Bytes returns the wire form of the header. A nil header encodes to nothing.
func (h *Header) Bytes() []byte {
	if h == nil {
		return nil
	}
	buf := make([]byte, 0, HeaderSize)
	buf = append(buf, h.Flag...)
	return append(buf, h.IV[:]...)
}

// EncodeHeader is NewHeader followed by Bytes.
func EncodeHeader(compressed, encrypted bool) ([]byte, error) {
	h, err := NewHeader(compressed, encrypted)
	if err != nil {
		return nil, err
	}
	return h.Bytes(), nil
}

// Info is what detection learned about a backup file.
type Info struct {
	Encrypted  bool
	Compressed bool
	Flag       Flag
	IV         [IVSize]byte
}

// PayloadOffset is where the payload starts: past flag and IV when encrypted.
func (i Info) PayloadOffset() int64 {
	if i.Encrypted {
		return HeaderSize
	}
	return 0
}

func parseFlag(prefix []byte) Flag {
	switch Flag(prefix) {
	case FlagEncryptedOnly:
		return FlagEncryptedOnly
	case FlagEncryptedCompress:
		return FlagEncryptedCompress
	}
	return FlagNone
}

// readPrefix reads up to n bytes from the start of path. Short files return
// fewer bytes without error.
func readPrefix(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:read], nil
}

// DetectEncrypted reports whether path carries the encrypted marker in its
// name or one of the flags in its first 8 bytes.
func DetectEncrypted(path string) (bool, error) {
	if strings.HasSuffix(path, EncryptedExt) {
		return true, nil
	}
	prefix, err := readPrefix(path, FlagSize)
	if err != nil {
		return false, fmt.Errorf("reading envelope prefix: %w", err)
	}
	return parseFlag(prefix) != FlagNone, nil
}

// DetectCompressed reports whether path carries the compressed marker in its
// name or the combined flag in its first 8 bytes.
func DetectCompressed(path string) (bool, error) {
	if strings.HasSuffix(path, CompressedExt) {
		return true, nil
	}
	prefix, err := readPrefix(path, FlagSize)
	if err != nil {
		return false, fmt.Errorf("reading envelope prefix: %w", err)
	}
	return parseFlag(prefix) == FlagEncryptedCompress, nil
}

// ExtractIV returns bytes 8..23 of an encrypted file.
func ExtractIV(path string) ([IVSize]byte, error) {
	var iv [IVSize]byte
	prefix, err := readPrefix(path, HeaderSize)
	if err != nil {
		return iv, fmt.Errorf("reading envelope prefix: %w", err)
	}
	if len(prefix) < HeaderSize {
		return iv, &common.MalformedEnvelopeError{
			Path:   path,
			Reason: fmt.Sprintf("file is %d bytes, need at least %d", len(prefix), HeaderSize),
		}
	}
	copy(iv[:], prefix[FlagSize:HeaderSize])
	return iv, nil
}

// Inspect combines detection and IV extraction in a single read of the
// fixed prefix. A file named as encrypted but lacking flag bytes is rejected,
// as is a compressed name whose flag says the payload was not compressed.
func Inspect(path string) (Info, error) {
	var info Info

	prefix, err := readPrefix(path, HeaderSize)
	if err != nil {
		return info, fmt.Errorf("reading envelope prefix: %w", err)
	}

	flag := FlagNone
	if len(prefix) >= FlagSize {
		flag = parseFlag(prefix[:FlagSize])
	}

	info.Flag = flag
	info.Encrypted = flag != FlagNone || strings.HasSuffix(path, EncryptedExt)
	info.Compressed = flag == FlagEncryptedCompress || strings.HasSuffix(path, CompressedExt)

	if !info.Encrypted {
		return info, nil
	}
	if flag == FlagNone {
		return info, &common.MalformedEnvelopeError{Path: path, Reason: "encrypted extension without flag bytes"}
	}
	if flag == FlagEncryptedOnly && strings.HasSuffix(path, CompressedExt) {
		return info, &common.MalformedEnvelopeError{Path: path, Reason: "compressed extension with uncompressed flag bytes"}
	}
	if len(prefix) < HeaderSize {
		return info, &common.MalformedEnvelopeError{
			Path:   path,
			Reason: fmt.Sprintf("file is %d bytes, need at least %d", len(prefix), HeaderSize),
		}
	}
	copy(info.IV[:], prefix[FlagSize:HeaderSize])
	return info, nil
}

// ParseHeader decodes a header from the first HeaderSize bytes of b.
func ParseHeader(b []byte) (*Header, error) {
	if len(b) < HeaderSize {
		return nil, &common.MalformedEnvelopeError{Reason: "short header"}
	}
	flag := parseFlag(b[:FlagSize])
	if flag == FlagNone {
		return nil, &common.MalformedEnvelopeError{Reason: fmt.Sprintf("unknown flag %q", bytes.TrimRight(b[:FlagSize], "\x00"))}
	}
	h := &Header{Flag: flag}
	copy(h.IV[:], b[FlagSize:HeaderSize])
	return h, nil
}
