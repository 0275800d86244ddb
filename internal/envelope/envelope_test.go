package envelope

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"dsync/internal/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestNewHeader(t *testing.T) {
	tests := []struct {
		name       string
		compressed bool
		encrypted  bool
		wantFlag   Flag
		wantNil    bool
	}{
		{name: "plain", wantNil: true},
		{name: "compressed only", compressed: true, wantNil: true},
		{name: "encrypted only", encrypted: true, wantFlag: FlagEncryptedOnly},
		{name: "encrypted and compressed", compressed: true, encrypted: true, wantFlag: FlagEncryptedCompress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := NewHeader(tt.compressed, tt.encrypted)
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, h)
				assert.Empty(t, h.Bytes())
				return
			}
			require.NotNil(t, h)
			assert.Equal(t, tt.wantFlag, h.Flag)

			b := h.Bytes()
			require.Len(t, b, HeaderSize)
			assert.Equal(t, string(tt.wantFlag), string(b[:FlagSize]))
			assert.Equal(t, h.IV[:], b[FlagSize:])
		})
	}
}

func TestNewHeader_FreshIVEachTime(t *testing.T) {
	a, err := NewHeader(false, true)
	require.NoError(t, err)
	b, err := NewHeader(false, true)
	require.NoError(t, err)
	assert.NotEqual(t, a.IV, b.IV)
}

func TestNewHeader_RandomSourceFailure(t *testing.T) {
	orig := randReader
	t.Cleanup(func() { randReader = orig })
	randReader = bytes.NewReader(nil)

	_, err := NewHeader(true, true)
	require.Error(t, err)
}

func TestDetect_ByContentIgnoresExtension(t *testing.T) {
	for _, combo := range []struct{ compressed, encrypted bool }{
		{false, false}, {true, false}, {false, true}, {true, true},
	} {
		t.Run(fmt.Sprintf("c=%v,e=%v", combo.compressed, combo.encrypted), func(t *testing.T) {
			hdr, err := EncodeHeader(combo.compressed, combo.encrypted)
			require.NoError(t, err)
			path := writeFile(t, "backup.bin", append(hdr, []byte("payload bytes")...))

			enc, err := DetectEncrypted(path)
			require.NoError(t, err)
			assert.Equal(t, combo.encrypted, enc)

			comp, err := DetectCompressed(path)
			require.NoError(t, err)
			// Without encryption there is no header, so compression is only
			// visible through the file name.
			assert.Equal(t, combo.encrypted && combo.compressed, comp)
		})
	}
}

func TestDetect_ByExtension(t *testing.T) {
	enc := writeFile(t, "1700000000.enc", []byte("x"))
	gz := writeFile(t, "1700000000.gz", []byte("x"))

	ok, err := DetectEncrypted(enc)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = DetectCompressed(gz)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = DetectEncrypted(gz)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDetect_ShortPlainFileIsPlaintext(t *testing.T) {
	path := writeFile(t, "tiny.sql", []byte("abc"))

	enc, err := DetectEncrypted(path)
	require.NoError(t, err)
	assert.False(t, enc)

	comp, err := DetectCompressed(path)
	require.NoError(t, err)
	assert.False(t, comp)
}

func TestDetect_MissingFile(t *testing.T) {
	_, err := DetectEncrypted(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}

func TestExtractIV(t *testing.T) {
	h, err := NewHeader(true, true)
	require.NoError(t, err)
	path := writeFile(t, "db.enc", append(h.Bytes(), 1, 2, 3))

	iv, err := ExtractIV(path)
	require.NoError(t, err)
	assert.Equal(t, h.IV, iv)
}

func TestExtractIV_TooShort(t *testing.T) {
	path := writeFile(t, "db.enc", []byte("ENC_ONLY0123"))

	_, err := ExtractIV(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrMalformedEnvelope))
}

func TestInspect(t *testing.T) {
	h, err := NewHeader(true, true)
	require.NoError(t, err)
	path := writeFile(t, "db.bin", append(h.Bytes(), []byte("cipher")...))

	info, err := Inspect(path)
	require.NoError(t, err)
	assert.True(t, info.Encrypted)
	assert.True(t, info.Compressed)
	assert.Equal(t, FlagEncryptedCompress, info.Flag)
	assert.Equal(t, h.IV, info.IV)
	assert.EqualValues(t, HeaderSize, info.PayloadOffset())
}

func TestInspect_Plaintext(t *testing.T) {
	path := writeFile(t, "db.sql", []byte("CREATE TABLE t();"))

	info, err := Inspect(path)
	require.NoError(t, err)
	assert.False(t, info.Encrypted)
	assert.False(t, info.Compressed)
	assert.EqualValues(t, 0, info.PayloadOffset())
}

func TestInspect_EncryptedExtensionWithoutFlag(t *testing.T) {
	path := writeFile(t, "db.enc", bytes.Repeat([]byte{0x42}, 64))

	_, err := Inspect(path)
	var malformed *common.MalformedEnvelopeError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, path, malformed.Path)
}

func TestInspect_CompressedExtensionWithEncryptOnlyFlag(t *testing.T) {
	h, err := NewHeader(false, true)
	require.NoError(t, err)
	path := writeFile(t, "shop-1700000000.gz", append(h.Bytes(), []byte("cipher")...))

	_, err = Inspect(path)
	var malformed *common.MalformedEnvelopeError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, path, malformed.Path)
}

func TestInspect_FlagButTruncatedIV(t *testing.T) {
	path := writeFile(t, "db.bin", []byte("ENC_ONLY\x01\x02"))

	_, err := Inspect(path)
	assert.ErrorIs(t, err, common.ErrMalformedEnvelope)
}

func TestParseHeader(t *testing.T) {
	h, err := NewHeader(false, true)
	require.NoError(t, err)

	parsed, err := ParseHeader(h.Bytes())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	_, err = ParseHeader([]byte("short"))
	assert.ErrorIs(t, err, common.ErrMalformedEnvelope)

	_, err = ParseHeader(bytes.Repeat([]byte("X"), HeaderSize))
	assert.ErrorIs(t, err, common.ErrMalformedEnvelope)
}

func TestDeriveKey(t *testing.T) {
	k1, err := DeriveKey("correct horse battery staple")
	require.NoError(t, err)
	k2, err := DeriveKey("correct horse battery staple")
	require.NoError(t, err)
	k3, err := DeriveKey("other")
	require.NoError(t, err)

	assert.Equal(t, k1.Bytes(), k2.Bytes())
	assert.NotEqual(t, k1.Bytes(), k3.Bytes())
	assert.Len(t, k1.Bytes(), KeySize)
	assert.False(t, k1.IsZero())
}

func TestDeriveKey_EmptySecret(t *testing.T) {
	k, err := DeriveKey("")
	assert.ErrorIs(t, err, common.ErrConfiguration)
	assert.True(t, k.IsZero())
}

func TestKey_NeverFormatsMaterial(t *testing.T) {
	k, err := DeriveKey("secret")
	require.NoError(t, err)

	for _, s := range []string{fmt.Sprint(k), fmt.Sprintf("%v", k), fmt.Sprintf("%#v", k), fmt.Sprintf("%s", k)} {
		assert.Contains(t, s, "REDACTED")
		assert.NotContains(t, s, fmt.Sprintf("%x", k.Bytes()))
	}
}
