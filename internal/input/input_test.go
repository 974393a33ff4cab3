package input

import (
	"bytes"
	"errors"
	"testing"

	"github.com/deploymenttheory/go-assembly-store/internal/assembly"
	"github.com/deploymenttheory/go-assembly-store/internal/assemblystore"
	"github.com/deploymenttheory/go-assembly-store/internal/stream"
	"github.com/deploymenttheory/go-assembly-store/internal/typemap"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingCloser struct{ n *int }

func (c countingCloser) Close() error {
	*c.n++
	return nil
}

func TestContentsRoutesReadsByContainer(t *testing.T) {
	b := assemblystore.NewBuilder()
	b.Add(assemblystore.ABIArm64, "Store.dll", []byte("MZ from store"))
	blob, err := b.Bytes()
	require.NoError(t, err)

	st, err := assemblystore.Open(stream.FromBytes(blob, "app.apk!assemblies/assemblies.blob"))
	require.NoError(t, err)

	plain := stream.FromBytes([]byte("MZ standalone"), "app.apk!assemblies/Standalone.dll")
	inst, err := assembly.PlainAspect{}.Load(plain, plain.Description())
	require.NoError(t, err)

	tm, err := typemap.Parse(stream.FromBytes(typemap.Encode(uuid.New(), "A", nil), "app.apk!typemaps/a.typemap"))
	require.NoError(t, err)

	c := New("apk", []string{"file", "zip", "apk"}, "app.apk")
	require.NoError(t, c.Add(st))
	require.NoError(t, c.Add(inst))
	require.NoError(t, c.Add(tm))

	assert.Equal(t, "apk", c.Kind())
	assert.Equal(t, []string{"file", "zip", "apk"}, c.Chain())
	assert.Len(t, c.Stores(), 1)
	assert.Len(t, c.TypeMaps(), 1)

	list := c.Assemblies()
	require.Len(t, list, 2)

	for _, a := range list {
		data, err := c.ReadAssembly(a)
		require.NoError(t, err)
		assert.True(t, bytes.HasPrefix(data, []byte("MZ")))
	}

	_, err = c.ReadAssembly(assembly.ApplicationAssembly{Name: "x.dll", Container: "elsewhere"})
	assert.True(t, errors.Is(err, ErrUnknownContainer))
}

func TestCloseRunsOnce(t *testing.T) {
	n := 0
	c := New("assembly-store", []string{"file", "assembly-store"}, "a.blob")
	c.OwnCloser(countingCloser{&n})
	c.OwnCloser(countingCloser{&n})

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 2, n)
}

func TestAttributes(t *testing.T) {
	c := New("xamarin-app", nil, "libxamarin-app.so")
	c.SetAttribute("format_tag", "0x1")
	c.SetAttribute("abi", "x86")

	assert.Equal(t, []string{"abi", "format_tag"}, c.AttributeKeys())

	attrs := c.Attributes()
	attrs["abi"] = "changed"
	assert.Equal(t, "x86", c.Attributes()["abi"])
}
