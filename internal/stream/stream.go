// Package stream provides the byte source handed to detectors and aspects.
//
// A Stream never loses its read position to a probe: Peek and ReadAt save the
// current offset, read, and seek back before returning, so sibling detectors
// can inspect the same stream one after another.
package stream

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// Stream is a random-access byte source with a human readable description.
type Stream struct {
	mu     sync.Mutex
	rs     io.ReadSeeker
	ra     io.ReaderAt
	size   int64
	desc   string
	closer io.Closer
	closed bool
}

// Open opens the file at path. Directories and other non-regular files are
// rejected.
func Open(path string) (*Stream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	if !info.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("%s: not a regular file", path)
	}

	return &Stream{
		rs:     f,
		size:   info.Size(),
		desc:   path,
		closer: f,
	}, nil
}

// FromReaderAt wraps a positionless source such as a zip entry section.
func FromReaderAt(ra io.ReaderAt, size int64, desc string) *Stream {
	return &Stream{ra: ra, size: size, desc: desc}
}

// FromBytes wraps an in-memory buffer.
func FromBytes(data []byte, desc string) *Stream {
	return &Stream{rs: bytes.NewReader(data), size: int64(len(data)), desc: desc}
}

// Size returns the total length of the stream.
func (s *Stream) Size() int64 { return s.size }

// Description is used in diagnostics.
func (s *Stream) Description() string { return s.desc }

// Position reports the current read offset. Positionless streams report 0.
func (s *Stream) Position() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rs == nil {
		return 0, nil
	}
	return s.rs.Seek(0, io.SeekCurrent)
}

// Seek moves the read position of seekable streams.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rs == nil {
		return 0, errors.New("stream is not seekable")
	}
	return s.rs.Seek(offset, whence)
}

// ReadAt implements io.ReaderAt without disturbing the read position.
func (s *Stream) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%s: negative offset %d", s.desc, off)
	}
	if off >= s.size {
		return 0, io.EOF
	}

	if s.ra != nil {
		return s.ra.ReadAt(p, off)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, os.ErrClosed
	}

	cur, err := s.rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	defer s.rs.Seek(cur, io.SeekStart)

	if _, err := s.rs.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}

	n, err := io.ReadFull(s.rs, p)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return n, err
}

// Peek returns up to n bytes starting at off. A short result is not an
// error; callers compare the length against what they need.
func (s *Stream) Peek(off int64, n int) ([]byte, error) {
	if off >= s.size || n <= 0 {
		return nil, nil
	}
	if remain := s.size - off; int64(n) > remain {
		n = int(remain)
	}

	buf := make([]byte, n)
	read, err := s.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:read], nil
}

// HasPrefix reports whether the stream starts with magic at off.
func (s *Stream) HasPrefix(off int64, magic []byte) bool {
	head, err := s.Peek(off, len(magic))
	return err == nil && bytes.Equal(head, magic)
}

// ReadFull reads exactly n bytes at off or fails.
func (s *Stream) ReadFull(off int64, n int) ([]byte, error) {
	if off < 0 || n < 0 || off+int64(n) > s.size {
		return nil, fmt.Errorf("%s: range [%d, %d) outside stream of %d bytes",
			s.desc, off, off+int64(n), s.size)
	}

	buf := make([]byte, n)
	read, err := s.ReadAt(buf, off)
	if read == n {
		return buf, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return nil, err
}

// Section returns a bounded view of this stream. The view shares the parent
// source and does not own it.
func (s *Stream) Section(off, n int64, desc string) (*Stream, error) {
	if off < 0 || n < 0 || off+n > s.size {
		return nil, fmt.Errorf("%s: section [%d, %d) outside stream of %d bytes",
			s.desc, off, off+n, s.size)
	}
	return FromReaderAt(io.NewSectionReader(s, off, n), n, desc), nil
}

// Close releases the underlying file, if the stream owns one. It is safe to
// call more than once.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
