package apppackage

import (
	"bytes"
	"debug/elf"
	"sort"
	"testing"

	"github.com/deploymenttheory/go-assembly-store/internal/assembly"
	"github.com/deploymenttheory/go-assembly-store/internal/assemblystore"
	"github.com/deploymenttheory/go-assembly-store/internal/stream"
	"github.com/deploymenttheory/go-assembly-store/internal/testutil"
	"github.com/deploymenttheory/go-assembly-store/internal/typemap"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openZip(t *testing.T, data []byte, desc string) (*stream.Stream, *zip.Reader) {
	t.Helper()
	s := stream.FromBytes(data, desc)
	zr, err := zip.NewReader(s, s.Size())
	require.NoError(t, err)
	return s, zr
}

func pe(name string) []byte {
	return append([]byte("MZ"), bytes.Repeat([]byte(name), 20)...)
}

func names(list []assembly.ApplicationAssembly) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.ABI+"/"+a.Name)
	}
	sort.Strings(out)
	return out
}

func TestOpenAPKWithStandaloneAssemblies(t *testing.T) {
	compressed, err := assembly.EncodeCompressed(1, pe("Compressed"))
	require.NoError(t, err)

	data := testutil.BuildZip(t,
		testutil.ZipEntry{Name: "classes.dex", Data: []byte("dex\n035")},
		testutil.ZipEntry{Name: "assemblies/HelloApp.dll", Data: pe("HelloApp"), Method: zip.Deflate},
		testutil.ZipEntry{Name: "assemblies/arm64-v8a/Compressed.dll", Data: compressed},
		testutil.ZipEntry{Name: "assemblies/HelloApp.pdb", Data: []byte("not an assembly")},
		testutil.ZipEntry{Name: "res/raw/MZfile.dll", Data: pe("Ignored")},
		testutil.ZipEntry{Name: "AndroidManifest.xml", Data: []byte("<manifest/>")},
	)
	s, zr := openZip(t, data, "app.apk")

	p, err := Open(s, zr, FormatAPK, DefaultRegistry())
	require.NoError(t, err)
	assert.Empty(t, p.Failures)

	c, err := p.Contents([]string{"file", "zip", "apk"})
	require.NoError(t, err)
	defer c.Close()

	list := c.Assemblies()
	assert.Equal(t, []string{"/HelloApp.dll", "arm64-v8a/Compressed.dll"}, names(list))

	for _, a := range list {
		out, err := c.ReadAssembly(a)
		require.NoError(t, err)
		assert.Equal(t, pe(a.Name[:len(a.Name)-4]), out)
	}
}

func TestOpenAABWithStoreAndTypeMap(t *testing.T) {
	b := assemblystore.NewBuilder()
	b.Add(assemblystore.ABIAny, "Mono.Android.dll", pe("Android"))
	b.Add(assemblystore.ABIArm64, "System.Private.CoreLib.dll", pe("CoreLib"))
	blob, err := b.Bytes()
	require.NoError(t, err)

	tm := typemap.Encode(uuid.New(), "Mono.Android", []typemap.Entry{{JavaName: "a/B", ManagedName: "A.B, A"}})

	data := testutil.BuildZip(t,
		testutil.ZipEntry{Name: "base/root/assemblies/assemblies.blob", Data: blob},
		testutil.ZipEntry{Name: "base/root/typemaps/Mono.Android.typemap", Data: tm, Method: zip.Deflate},
		testutil.ZipEntry{Name: "base/manifest/AndroidManifest.xml", Data: []byte("<manifest/>")},
	)
	s, zr := openZip(t, data, "app.aab")

	p, err := Open(s, zr, FormatAAB, DefaultRegistry())
	require.NoError(t, err)

	c, err := p.Contents([]string{"file", "zip", "aab"})
	require.NoError(t, err)

	require.Len(t, c.Stores(), 1)
	require.Len(t, c.TypeMaps(), 1)
	assert.Equal(t, []string{"/Mono.Android.dll", "arm64-v8a/System.Private.CoreLib.dll"}, names(c.Assemblies()))

	out, err := c.Stores()[0].Read(assemblystore.ABIArm64, "System.Private.CoreLib.dll")
	require.NoError(t, err)
	assert.Equal(t, pe("CoreLib"), out)
}

func TestOpenBaseWithStoreLibrary(t *testing.T) {
	b := assemblystore.NewBuilder()
	b.Add(assemblystore.ABIAny, "Mono.Android.dll", pe("Android"))
	blob, err := b.Bytes()
	require.NoError(t, err)

	so := testutil.BuildELF(testutil.ELFOptions{
		Machine:  elf.EM_ARM,
		Sections: []testutil.ELFSection{{Name: "payload", Data: blob}},
	})

	data := testutil.BuildZip(t,
		testutil.ZipEntry{Name: "manifest/AndroidManifest.xml", Data: []byte("<manifest/>")},
		testutil.ZipEntry{Name: "lib/armeabi-v7a/libassemblies.armeabi-v7a.blob.so", Data: so},
		testutil.ZipEntry{Name: "lib/armeabi-v7a/libmonosgen-2.0.so", Data: testutil.BuildELF(testutil.ELFOptions{Machine: elf.EM_ARM})},
	)
	s, zr := openZip(t, data, "base.zip")

	p, err := Open(s, zr, FormatBase, DefaultRegistry())
	require.NoError(t, err)
	require.Len(t, p.Instances, 1)

	c, err := p.Contents([]string{"file", "zip", "base"})
	require.NoError(t, err)
	list := c.Assemblies()
	require.Len(t, list, 1)
	assert.Equal(t, "armeabi-v7a", list[0].ABI)

	out, err := c.ReadAssembly(list[0])
	require.NoError(t, err)
	assert.Equal(t, pe("Android"), out)
}

func TestCorruptStoreIsAFailureNotAnError(t *testing.T) {
	b := assemblystore.NewBuilder()
	b.Add(assemblystore.ABIAny, "A.dll", pe("A"))
	blob, err := b.Bytes()
	require.NoError(t, err)
	blob[8] = 9 // header entry count

	data := testutil.BuildZip(t,
		testutil.ZipEntry{Name: "AndroidManifest.xml", Data: []byte("<manifest/>")},
		testutil.ZipEntry{Name: "assemblies/assemblies.blob", Data: blob},
		testutil.ZipEntry{Name: "assemblies/Good.dll", Data: pe("Good")},
	)
	s, zr := openZip(t, data, "app.apk")

	p, err := Open(s, zr, FormatAPK, DefaultRegistry())
	require.NoError(t, err)
	require.Len(t, p.Failures, 1)
	assert.Equal(t, "assembly-store", p.Failures[0].Aspect)
	assert.Len(t, p.Instances, 1)
}

func TestInflateBudgetCoversWholePackage(t *testing.T) {
	defer func(old int64) { MaxInflatedPackage = old }(MaxInflatedPackage)
	MaxInflatedPackage = 150

	data := testutil.BuildZip(t,
		testutil.ZipEntry{Name: "AndroidManifest.xml", Data: []byte("<manifest/>")},
		testutil.ZipEntry{Name: "assemblies/First.dll", Data: pe("First"), Method: zip.Deflate},
		testutil.ZipEntry{Name: "assemblies/Second.dll", Data: pe("Second"), Method: zip.Deflate},
		testutil.ZipEntry{Name: "assemblies/Stored.dll", Data: pe("Stored")},
	)
	s, zr := openZip(t, data, "app.apk")

	p, err := Open(s, zr, FormatAPK, DefaultRegistry())
	require.NoError(t, err)

	require.Len(t, p.Failures, 1)
	assert.Equal(t, "app.apk!assemblies/Second.dll", p.Failures[0].Description)
	assert.Contains(t, p.Failures[0].Err.Error(), "inflate limit")
	assert.Len(t, p.Instances, 2)
}

func TestEntryNamesIgnoreOrder(t *testing.T) {
	data := testutil.BuildZip(t,
		testutil.ZipEntry{Name: "z.txt"},
		testutil.ZipEntry{Name: "base/manifest/AndroidManifest.xml"},
		testutil.ZipEntry{Name: "a.txt"},
	)
	_, zr := openZip(t, data, "x.aab")

	set := EntryNames(zr)
	assert.True(t, set["base/manifest/AndroidManifest.xml"])
	assert.False(t, set["AndroidManifest.xml"])
}
