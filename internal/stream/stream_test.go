package stream

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestPeekRestoresPosition(t *testing.T) {
	s, err := Open(writeTemp(t, []byte("0123456789")))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Seek(7, io.SeekStart)
	require.NoError(t, err)

	head, err := s.Peek(0, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123"), head)

	again, err := s.Peek(0, 4)
	require.NoError(t, err)
	assert.Equal(t, head, again)

	pos, err := s.Position()
	require.NoError(t, err)
	assert.Equal(t, int64(7), pos)
}

func TestPeekShortAndPastEnd(t *testing.T) {
	s := FromBytes([]byte("abc"), "mem")

	head, err := s.Peek(1, 10)
	require.NoError(t, err)
	assert.Equal(t, []byte("bc"), head)

	none, err := s.Peek(5, 2)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestReadFullOutOfRange(t *testing.T) {
	s := FromBytes([]byte("abcdef"), "mem")

	buf, err := s.ReadFull(2, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("cde"), buf)

	_, err = s.ReadFull(4, 5)
	assert.Error(t, err)
}

func TestSectionIsBounded(t *testing.T) {
	s := FromBytes([]byte("headerPAYLOADtrailer"), "mem")

	sec, err := s.Section(6, 7, "payload")
	require.NoError(t, err)
	assert.Equal(t, int64(7), sec.Size())
	assert.Equal(t, "payload", sec.Description())

	data, err := sec.ReadFull(0, 7)
	require.NoError(t, err)
	assert.Equal(t, []byte("PAYLOAD"), data)

	_, err = s.Section(10, 20, "too long")
	assert.Error(t, err)
}

func TestOpenRejectsDirectory(t *testing.T) {
	_, err := Open(t.TempDir())
	assert.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	s, err := Open(writeTemp(t, []byte("x")))
	require.NoError(t, err)

	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())

	_, err = s.Peek(0, 1)
	assert.Error(t, err)
}
