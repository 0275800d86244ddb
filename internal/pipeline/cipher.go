package pipeline

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
	"sync"
)

var (
	errCiphertextSize = errors.New("ciphertext is not a whole number of blocks")
	errBadPadding     = errors.New("invalid padding")
)

// encryptStage applies AES-256-CBC with PKCS#7 padding.
type encryptStage struct {
	key []byte
	iv  []byte
}

func (encryptStage) Name() string { return "encrypt" }

func (s encryptStage) Run(ctx context.Context, dst io.Writer, src io.Reader) error {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return fmt.Errorf("creating cipher: %w", err)
	}
	mode := cipher.NewCBCEncrypter(block, s.iv)

	buf := make([]byte, chunkSize+aes.BlockSize)
	pending := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := src.Read(buf[pending : pending+chunkSize])
		pending += n

		if full := pending - pending%aes.BlockSize; full > 0 {
			mode.CryptBlocks(buf[:full], buf[:full])
			if _, err := dst.Write(buf[:full]); err != nil {
				return err
			}
			pending = copy(buf, buf[full:pending])
		}

		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}

	pad := aes.BlockSize - pending
	for i := pending; i < aes.BlockSize; i++ {
		buf[i] = byte(pad)
	}
	mode.CryptBlocks(buf[:aes.BlockSize], buf[:aes.BlockSize])
	_, err = dst.Write(buf[:aes.BlockSize])
	return err
}

// decryptStage reverses encryptStage. The final block is held back until EOF
// so its padding can be stripped.
type decryptStage struct {
	key []byte
	iv  []byte
}

func (decryptStage) Name() string { return "decrypt" }

func (s decryptStage) Run(ctx context.Context, dst io.Writer, src io.Reader) error {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return fmt.Errorf("creating cipher: %w", err)
	}
	mode := cipher.NewCBCDecrypter(block, s.iv)

	buf := make([]byte, chunkSize+2*aes.BlockSize)
	pending := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := src.Read(buf[pending : pending+chunkSize])
		pending += n

		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}

		if full := pending - pending%aes.BlockSize; full > aes.BlockSize {
			ready := full - aes.BlockSize
			mode.CryptBlocks(buf[:ready], buf[:ready])
			if _, err := dst.Write(buf[:ready]); err != nil {
				return err
			}
			pending = copy(buf, buf[ready:pending])
		}
	}

	if pending == 0 || pending%aes.BlockSize != 0 {
		return errCiphertextSize
	}
	mode.CryptBlocks(buf[:pending], buf[:pending])

	pad := int(buf[pending-1])
	if pad == 0 || pad > aes.BlockSize {
		return errBadPadding
	}
	for _, b := range buf[pending-pad : pending] {
		if int(b) != pad {
			return errBadPadding
		}
	}
	_, err = dst.Write(buf[:pending-pad])
	return err
}

// frameStage prepends the envelope header to its output exactly once, on the
// first write or at EOF if the input was empty.
type frameStage struct {
	header []byte
}

func (frameStage) Name() string { return "frame" }

func (s frameStage) Run(ctx context.Context, dst io.Writer, src io.Reader) error {
	w := &latchWriter{w: dst, prefix: s.header}
	if _, err := copyContext(ctx, w, src); err != nil {
		return err
	}
	return w.flush()
}

type latchWriter struct {
	w      io.Writer
	prefix []byte
	once   sync.Once
	err    error
}

func (l *latchWriter) flush() error {
	l.once.Do(func() {
		_, l.err = l.w.Write(l.prefix)
	})
	return l.err
}

func (l *latchWriter) Write(p []byte) (int, error) {
	if err := l.flush(); err != nil {
		return 0, err
	}
	return l.w.Write(p)
}
