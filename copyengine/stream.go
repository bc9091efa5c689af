package copyengine

import (
	"crypto/sha256"
	"encoding"
	"hash"
	"io"
	"sync/atomic"
	"time"

	lz4 "github.com/pierrec/lz4/v3"
	"golang.org/x/crypto/blake2b"

	"github.com/buildnet-cache/ephemeral/chash"
)

// hasherFor returns a stdlib-shaped hash.Hash for the hash types this
// engine can stream-hash trustedly. Vso0/Dedup* tags have no real
// algorithm wired (the hash function itself is an external collaborator)
// so trusted streaming is unsupported for them; callers fall back to the
// untrusted path.
func hasherFor(tag chash.HashType) (hash.Hash, bool) {
	switch tag {
	case chash.Sha256:
		return sha256.New(), true
	case chash.Blake2b256:
		h, err := blake2b.New256(nil)
		if err != nil {
			return nil, false
		}
		return h, true
	default:
		return nil, false
	}
}

// hashingWriteStream implements trusted-hash streaming copy: it hashes
// inline until the byte count crosses ParallelHashingFileSizeBoundary,
// then switches to hashing concurrently with subsequent writes. If the
// file is known up front to exceed the boundary, hashing is concurrent
// from byte zero.
type hashingWriteStream struct {
	f    io.Writer
	tag  chash.HashType
	boundary int64

	written int64

	concurrent bool
	inline     hash.Hash

	ch   chan []byte
	done chan struct{}
	conc hash.Hash
	cErr error

	hashingNanos atomic.Int64
	writingNanos atomic.Int64
}

// newHashingWriteStream constructs a stream for tag, or (nil, false) if tag
// has no wired hash algorithm (caller should use the untrusted path).
func newHashingWriteStream(f io.Writer, tag chash.HashType, expectedSize, boundary int64) (*hashingWriteStream, bool) {
	h, ok := hasherFor(tag)
	if !ok {
		return nil, false
	}
	s := &hashingWriteStream{f: f, tag: tag, boundary: boundary, inline: h}
	if boundary >= 0 && expectedSize >= 0 && expectedSize >= boundary {
		s.startConcurrent()
	}
	return s, true
}

func (s *hashingWriteStream) startConcurrent() {
	s.concurrent = true
	conc, _ := hasherFor(s.tag)
	if m, ok := s.inline.(encoding.BinaryMarshaler); ok {
		if state, err := m.MarshalBinary(); err == nil {
			if u, ok := conc.(encoding.BinaryUnmarshaler); ok {
				_ = u.UnmarshalBinary(state)
			}
		}
	}
	s.conc = conc
	s.ch = make(chan []byte, 8)
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		for buf := range s.ch {
			start := time.Now()
			s.conc.Write(buf)
			s.hashingNanos.Add(int64(time.Since(start)))
		}
	}()
}

// Write writes p to disk, accounting TimeSpentWritingToDisk, and hashes it
// either inline or by handing it to the concurrent hasher.
func (s *hashingWriteStream) Write(p []byte) (int, error) {
	dstart := time.Now()
	n, err := s.f.Write(p)
	s.writingNanos.Add(int64(time.Since(dstart)))
	if err != nil {
		return n, err
	}
	s.written += int64(n)

	if s.concurrent {
		buf := make([]byte, n)
		copy(buf, p[:n])
		s.ch <- buf
		return n, nil
	}

	hstart := time.Now()
	s.inline.Write(p[:n])
	s.hashingNanos.Add(int64(time.Since(hstart)))

	if s.boundary >= 0 && s.written >= s.boundary {
		s.startConcurrent()
	}
	return n, nil
}

// Finish drains any in-flight concurrent hashing and returns the computed
// hash plus the accumulated TimeSpentHashing/TimeSpentWritingToDisk.
func (s *hashingWriteStream) Finish() (chash.ContentHash, time.Duration, time.Duration) {
	var sum []byte
	if s.concurrent {
		close(s.ch)
		<-s.done
		sum = s.conc.Sum(nil)
	} else {
		sum = s.inline.Sum(nil)
	}
	h, _ := chash.New(s.tag, sum)
	return h, time.Duration(s.hashingNanos.Load()), time.Duration(s.writingNanos.Load())
}

// decompressingWriteCloser adapts an io.WriteCloser destination so that
// bytes written to it are first lz4-decompressed. Used when
// CopyRequest.CompressionHint indicates the remote sent lz4-framed bytes.
type decompressingWriteCloser struct {
	pw   *io.PipeWriter
	done chan error
}

func newDecompressingWriteCloser(dst io.Writer) *decompressingWriteCloser {
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		zr := lz4.NewReader(pr)
		_, err := io.Copy(dst, zr)
		pr.CloseWithError(err)
		done <- err
	}()
	return &decompressingWriteCloser{pw: pw, done: done}
}

func (d *decompressingWriteCloser) Write(p []byte) (int, error) { return d.pw.Write(p) }

func (d *decompressingWriteCloser) Close() error {
	_ = d.pw.Close()
	return <-d.done
}

// writerNopCloser adapts an io.Writer (e.g. *hashingWriteStream) into an
// io.WriteCloser for RemoteCopier.CopyToAsync, which always needs a closer
// even when there is nothing to release here (the underlying *os.File is
// closed separately by the caller).
type writerNopCloser struct{ io.Writer }

func (writerNopCloser) Close() error { return nil }
