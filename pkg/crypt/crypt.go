package crypt

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

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize   = 8
	nonceSize  = 12
	iterations = 100_000
	// FrameSize is the amount of plaintext sealed per frame of a stream.
	FrameSize = 64 << 10
)

var ErrFrameTooLarge = errors.New("encrypted frame exceeds the maximum frame size")

type Crypt struct {
	Key  []byte
	Salt []byte
	aead cipher.AEAD
}

// New derives a 256 bit key from passphrase with pbkdf2-sha256.
// If no salt is supplied a random salt will be generated.
func New(passphrase []byte, salt ...[]byte) (*Crypt, error) {
	var s []byte
	if len(salt) < 1 {
		s = make([]byte, saltSize)
		if _, err := rand.Read(s); err != nil {
			return nil, fmt.Errorf("unable to generate random salt: %w", err)
		}
	} else {
		s = salt[0]
	}
	key := pbkdf2.Key(passphrase, s, iterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Crypt{Key: key, Salt: s, aead: aead}, nil
}

// Encrypt seals msg with a random nonce that is prepended to the result.
func (c *Crypt) Encrypt(msg []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize, nonceSize+len(msg)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("unable to generate random nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, msg, nil), nil
}

// Decrypt opens a message produced by Encrypt.
func (c *Crypt) Decrypt(encrypted []byte) ([]byte, error) {
	if len(encrypted) < nonceSize {
		return nil, errors.New("encrypted message too short")
	}
	return c.aead.Open(nil, encrypted[:nonceSize], encrypted[nonceSize:], nil)
}

// ------------------------------------------------------ Streams ------------------------------------------------------

// Writer encrypts a stream. The salt is written first, followed by length
// prefixed frames of at most FrameSize plaintext bytes each.
type Writer struct {
	c       *Crypt
	w       io.Writer
	buf     []byte
	started bool
}

// NewWriter returns a Writer sealing everything written to it into w with a
// key derived from passphrase. Close must be called to flush the last frame.
func NewWriter(w io.Writer, passphrase []byte) (*Writer, error) {
	c, err := New(passphrase)
	if err != nil {
		return nil, err
	}
	return &Writer{c: c, w: w, buf: make([]byte, 0, FrameSize)}, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	n := 0
	for len(p) > 0 {
		k := min(FrameSize-len(w.buf), len(p))
		w.buf = append(w.buf, p[:k]...)
		p = p[k:]
		n += k
		if len(w.buf) == FrameSize {
			if err := w.flush(); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

// Close seals the buffered plaintext. It does not close the underlying writer.
func (w *Writer) Close() error {
	if len(w.buf) > 0 || !w.started {
		return w.flush()
	}
	return nil
}

func (w *Writer) flush() error {
	if !w.started {
		if _, err := w.w.Write(w.c.Salt); err != nil {
			return err
		}
		w.started = true
	}
	frame, err := w.c.Encrypt(w.buf)
	if err != nil {
		return err
	}
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(frame)))
	if _, err := w.w.Write(size[:]); err != nil {
		return err
	}
	if _, err := w.w.Write(frame); err != nil {
		return err
	}
	w.buf = w.buf[:0]
	return nil
}

// Reader decrypts a stream produced by Writer.
type Reader struct {
	r          *bufio.Reader
	passphrase []byte
	c          *Crypt
	plain      []byte
}

func NewReader(r io.Reader, passphrase []byte) *Reader {
	return &Reader{r: bufio.NewReader(r), passphrase: passphrase}
}

func (r *Reader) Read(p []byte) (int, error) {
	for len(r.plain) == 0 {
		if err := r.next(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.plain)
	r.plain = r.plain[n:]
	return n, nil
}

func (r *Reader) next() error {
	if r.c == nil {
		salt := make([]byte, saltSize)
		if _, err := io.ReadFull(r.r, salt); err != nil {
			return fmt.Errorf("reading salt: %w", noEOF(err))
		}
		c, err := New(r.passphrase, salt)
		if err != nil {
			return err
		}
		r.c = c
	}
	var size [4]byte
	if _, err := io.ReadFull(r.r, size[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("reading frame size: %w", err)
	}
	n := binary.BigEndian.Uint32(size[:])
	if n > FrameSize+nonceSize+uint32(r.c.aead.Overhead()) {
		return ErrFrameTooLarge
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(r.r, frame); err != nil {
		return fmt.Errorf("reading frame: %w", noEOF(err))
	}
	plain, err := r.c.Decrypt(frame)
	if err != nil {
		return fmt.Errorf("decrypting frame: %w", err)
	}
	r.plain = plain
	return nil
}

func noEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
