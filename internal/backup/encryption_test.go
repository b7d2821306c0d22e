package backup

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encrypt(t *testing.T, plain []byte, passphrase string) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, EncryptStream(&buf, bytes.NewReader(plain), passphrase))
	return buf.Bytes()
}

func TestEncryptStream_RoundTrip(t *testing.T) {
	sizes := []int{0, 1, encryptionChunkSize - 1, encryptionChunkSize, encryptionChunkSize*3 + 17}
	for _, size := range sizes {
		plain := make([]byte, size)
		_, err := rand.Read(plain)
		require.NoError(t, err)

		sealed := encrypt(t, plain, "passphrase")
		assert.True(t, bytes.HasPrefix(sealed, []byte(encryptionMagic)))

		var out bytes.Buffer
		require.NoError(t, DecryptStream(&out, bytes.NewReader(sealed), "passphrase"), "size %d", size)
		assert.Equal(t, plain, out.Bytes(), "size %d", size)
	}
}

func TestEncryptStream_SaltIsRandom(t *testing.T) {
	plain := []byte("same input")
	assert.NotEqual(t, encrypt(t, plain, "p"), encrypt(t, plain, "p"))
}

func TestDecryptStream_WrongPassphrase(t *testing.T) {
	sealed := encrypt(t, []byte("secret rows"), "right")

	var out bytes.Buffer
	err := DecryptStream(&out, bytes.NewReader(sealed), "wrong")
	require.Error(t, err)
	assert.True(t, IsType(err, BackupErrorTypeEncryption))
}

func TestDecryptStream_Tampering(t *testing.T) {
	plain := bytes.Repeat([]byte("x"), encryptionChunkSize*2+10)
	sealed := encrypt(t, plain, "p")

	t.Run("truncated", func(t *testing.T) {
		var out bytes.Buffer
		err := DecryptStream(&out, bytes.NewReader(sealed[:len(sealed)/2]), "p")
		assert.Error(t, err)
	})

	t.Run("trailing data", func(t *testing.T) {
		extended := append(append([]byte{}, sealed...), 0x01, 0x02)
		var out bytes.Buffer
		err := DecryptStream(&out, bytes.NewReader(extended), "p")
		assert.Error(t, err)
	})

	t.Run("flipped bit", func(t *testing.T) {
		flipped := append([]byte{}, sealed...)
		flipped[len(flipped)-5] ^= 0x80
		var out bytes.Buffer
		err := DecryptStream(&out, bytes.NewReader(flipped), "p")
		assert.Error(t, err)
	})

	t.Run("not encrypted", func(t *testing.T) {
		var out bytes.Buffer
		err := DecryptStream(&out, bytes.NewReader([]byte("plain text file")), "p")
		assert.Error(t, err)
	})
}

func TestEncryptFile_ReplacesPlaintext(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "database_app.sql")
	require.NoError(t, os.WriteFile(src, []byte("INSERT INTO t VALUES (1);"), 0o600))

	sealed, err := encryptFile(src, "p")
	require.NoError(t, err)
	assert.Equal(t, src+encryptedExtension, sealed)
	assert.NoFileExists(t, src)

	restored := filepath.Join(dir, "restored.sql")
	require.NoError(t, decryptFile(sealed, restored, "p"))
	data, err := os.ReadFile(restored)
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO t VALUES (1);", string(data))
}

func TestDecryptFile_RemovesPartialOutput(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "database_app.sql")
	require.NoError(t, os.WriteFile(src, []byte("rows"), 0o600))
	sealed, err := encryptFile(src, "p")
	require.NoError(t, err)

	out := filepath.Join(dir, "out.sql")
	require.Error(t, decryptFile(sealed, out, "other"))
	assert.NoFileExists(t, out)
}
