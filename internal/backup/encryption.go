package backup

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

const (
	encryptionMagic      = "SGENC1"
	encryptionSaltSize   = 32
	encryptionChunkSize  = 64 * 1024
	encryptionIterations = 100000
	encryptedExtension   = ".enc"
)

// deriveKey derives a 256-bit key from a passphrase using PBKDF2-SHA256
func deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, encryptionIterations, 32, sha256.New)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, NewEncryptionError("failed to create AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, NewEncryptionError("failed to create GCM cipher", err)
	}
	return gcm, nil
}

// chunkAAD binds a chunk to its position and to the final-chunk flag so
// reordered or truncated streams fail authentication
func chunkAAD(index uint64, final byte) []byte {
	aad := make([]byte, 9)
	binary.BigEndian.PutUint64(aad, index)
	aad[8] = final
	return aad
}

// EncryptStream encrypts r into w with AES-256-GCM in fixed-size chunks.
// The stream starts with a magic marker and the PBKDF2 salt.
func EncryptStream(w io.Writer, r io.Reader, passphrase string) error {
	salt := make([]byte, encryptionSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return NewEncryptionError("failed to generate salt", err)
	}

	gcm, err := newGCM(deriveKey(passphrase, salt))
	if err != nil {
		return err
	}

	if _, err := w.Write([]byte(encryptionMagic)); err != nil {
		return NewEncryptionError("failed to write header", err)
	}
	if _, err := w.Write(salt); err != nil {
		return NewEncryptionError("failed to write header", err)
	}

	current, currentEOF, err := readChunk(r)
	if err != nil {
		return NewEncryptionError("failed to read plaintext", err)
	}

	for index := uint64(0); ; index++ {
		var next []byte
		final := currentEOF
		nextEOF := false
		if !final {
			next, nextEOF, err = readChunk(r)
			if err != nil {
				return NewEncryptionError("failed to read plaintext", err)
			}
			if len(next) == 0 && nextEOF {
				final = true
			}
		}

		var flag byte
		if final {
			flag = 1
		}

		nonce := make([]byte, gcm.NonceSize())
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return NewEncryptionError("failed to generate nonce", err)
		}
		sealed := gcm.Seal(nil, nonce, current, chunkAAD(index, flag))

		header := make([]byte, 5)
		header[0] = flag
		binary.BigEndian.PutUint32(header[1:], uint32(len(sealed)))
		for _, part := range [][]byte{header, nonce, sealed} {
			if _, err := w.Write(part); err != nil {
				return NewEncryptionError("failed to write ciphertext", err)
			}
		}

		if final {
			return nil
		}
		current, currentEOF = next, nextEOF
	}
}

// readChunk reads up to one chunk. eof is true when the reader is exhausted.
func readChunk(r io.Reader) (chunk []byte, eof bool, err error) {
	buf := make([]byte, encryptionChunkSize)
	n, err := io.ReadFull(r, buf)
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return buf[:n], true, nil
	case err != nil:
		return nil, false, err
	default:
		return buf[:n], false, nil
	}
}

// DecryptStream reverses EncryptStream
func DecryptStream(w io.Writer, r io.Reader, passphrase string) error {
	header := make([]byte, len(encryptionMagic)+encryptionSaltSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return NewEncryptionError("encrypted data too short", err)
	}
	if string(header[:len(encryptionMagic)]) != encryptionMagic {
		return NewEncryptionError("not an encrypted artifact", nil)
	}

	gcm, err := newGCM(deriveKey(passphrase, header[len(encryptionMagic):]))
	if err != nil {
		return err
	}

	chunkHeader := make([]byte, 5)
	nonce := make([]byte, gcm.NonceSize())
	maxSealed := uint32(encryptionChunkSize + gcm.Overhead())

	for index := uint64(0); ; index++ {
		if _, err := io.ReadFull(r, chunkHeader); err != nil {
			return NewEncryptionError("encrypted stream truncated", err)
		}
		flag := chunkHeader[0]
		size := binary.BigEndian.Uint32(chunkHeader[1:])
		if flag > 1 || size > maxSealed {
			return NewEncryptionError("invalid chunk header", nil)
		}

		if _, err := io.ReadFull(r, nonce); err != nil {
			return NewEncryptionError("encrypted stream truncated", err)
		}
		sealed := make([]byte, size)
		if _, err := io.ReadFull(r, sealed); err != nil {
			return NewEncryptionError("encrypted stream truncated", err)
		}

		plaintext, err := gcm.Open(nil, nonce, sealed, chunkAAD(index, flag))
		if err != nil {
			return NewEncryptionError("failed to decrypt data", err)
		}
		if _, err := w.Write(plaintext); err != nil {
			return NewEncryptionError("failed to write plaintext", err)
		}

		if flag == 1 {
			var probe [1]byte
			if n, _ := r.Read(probe[:]); n > 0 {
				return NewEncryptionError("unexpected data after final chunk", nil)
			}
			return nil
		}
	}
}

// encryptFile writes src encrypted to src+".enc" and removes src
func encryptFile(src, passphrase string) (string, error) {
	dst := src + encryptedExtension
	if err := transformFile(src, dst, func(w io.Writer, r io.Reader) error {
		return EncryptStream(w, r, passphrase)
	}); err != nil {
		return "", err
	}
	if err := os.Remove(src); err != nil {
		return "", NewEncryptionError("failed to remove plaintext artifact", err)
	}
	return dst, nil
}

// decryptFile writes src decrypted to dst
func decryptFile(src, dst, passphrase string) error {
	return transformFile(src, dst, func(w io.Writer, r io.Reader) error {
		return DecryptStream(w, r, passphrase)
	})
}

// transformFile streams src through fn into dst, removing dst on failure
func transformFile(src, dst string, fn func(w io.Writer, r io.Reader) error) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}

	bw := bufio.NewWriter(out)
	if err := fn(bw, bufio.NewReader(in)); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := bw.Flush(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return nil
}
