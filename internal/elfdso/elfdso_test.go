package elfdso

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/deploymenttheory/go-assembly-store/internal/assemblystore"
	"github.com/deploymenttheory/go-assembly-store/internal/stream"
	"github.com/deploymenttheory/go-assembly-store/internal/testutil"
	"github.com/deploymenttheory/go-assembly-store/internal/typemap"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appLibrary(t *testing.T, withTypeMap bool) []byte {
	t.Helper()

	tag := make([]byte, 8)
	binary.LittleEndian.PutUint64(tag, 0x00043E6B)

	opts := testutil.ELFOptions{
		Machine:  elf.EM_AARCH64,
		Sections: []testutil.ELFSection{{Name: ".rodata", Data: append([]byte("padding!"), tag...)}},
		Symbols:  []testutil.ELFSymbol{{Name: FormatTagSymbol, Section: ".rodata", Offset: 8, Size: 8}},
	}
	if withTypeMap {
		opts.Sections = append(opts.Sections, testutil.ELFSection{
			Name: TypeMapSection,
			Data: typemap.Encode(uuid.New(), "Mono.Android", []typemap.Entry{
				{JavaName: "android/app/Activity", ManagedName: "Android.App.Activity, Mono.Android"},
			}),
		})
	}
	return testutil.BuildELF(opts)
}

func storeLibrary(t *testing.T, machine elf.Machine) []byte {
	t.Helper()

	b := assemblystore.NewBuilder()
	b.Add(assemblystore.ABIAny, "Mono.Android.dll", []byte("MZ android"))
	b.Add(assemblystore.ABIAny, "System.Runtime.dll", []byte("MZ runtime"))
	blob, err := b.Bytes()
	require.NoError(t, err)

	return testutil.BuildELF(testutil.ELFOptions{
		Machine:  machine,
		Sections: []testutil.ELFSection{{Name: PayloadSection, Data: blob}},
	})
}

func TestOpenApp(t *testing.T) {
	s := stream.FromBytes(appLibrary(t, true), "libxamarin-app.so")

	f, err := Parse(s)
	require.NoError(t, err)
	assert.True(t, HasFormatTag(f))
	_, isStore := StorePayload(f, s)
	assert.False(t, isStore)

	app, err := OpenApp(s)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x00043E6B), app.FormatTag)
	assert.Equal(t, "arm64-v8a", app.ABI)
	require.NotNil(t, app.TypeMap)
	managed, ok := app.TypeMap.ManagedName("android/app/Activity")
	assert.True(t, ok)
	assert.Equal(t, "Android.App.Activity, Mono.Android", managed)
}

func TestOpenAppWithoutTypeMap(t *testing.T) {
	app, err := OpenApp(stream.FromBytes(appLibrary(t, false), "libxamarin-app.so"))
	require.NoError(t, err)
	assert.Nil(t, app.TypeMap)
}

func TestOpenAppRejectsTagInNoBitsSection(t *testing.T) {
	data := testutil.BuildELF(testutil.ELFOptions{
		Machine:  elf.EM_AARCH64,
		Sections: []testutil.ELFSection{{Name: ".bss", Type: elf.SHT_NOBITS, Data: []byte{0x6b, 0x3e, 0x04, 0x00}}},
		Symbols:  []testutil.ELFSymbol{{Name: FormatTagSymbol, Section: ".bss", Size: 4}},
	})

	_, err := OpenApp(stream.FromBytes(data, "libxamarin-app.so"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no file contents")
}

func TestOpenStore(t *testing.T) {
	s := stream.FromBytes(storeLibrary(t, elf.EM_X86_64), "lib/x86_64/libassemblies.x86_64.blob.so")
	require.True(t, StorePayloadAspect{}.Probe(s, s.Description()))

	inst, err := StorePayloadAspect{}.Load(s, s.Description())
	require.NoError(t, err)

	st := inst.(*assemblystore.Store)
	list := st.List()
	require.Len(t, list, 2)
	assert.Equal(t, "x86_64", list[0].ABI)

	data, err := st.ReadAssembly(list[1])
	require.NoError(t, err)
	assert.Equal(t, []byte("MZ runtime"), data)
}

func TestGenericLibraryIsNeither(t *testing.T) {
	s := stream.FromBytes(testutil.BuildELF(testutil.ELFOptions{
		Sections: []testutil.ELFSection{{Name: ".text", Data: []byte{0xd5, 0x03, 0x20, 0x1f}}},
	}), "libc++_shared.so")

	f, err := Parse(s)
	require.NoError(t, err)
	assert.False(t, HasFormatTag(f))
	assert.False(t, StorePayloadAspect{}.Probe(s, "libc++_shared.so"))
}

func TestProbeRejectsGarbage(t *testing.T) {
	for _, data := range [][]byte{nil, []byte("\x7fELF"), []byte("\x7fELF\x02\x01\x01garbage garbage"), []byte("MZ")} {
		s := stream.FromBytes(data, "junk")
		assert.False(t, StorePayloadAspect{}.Probe(s, "junk"))
	}
}

func TestABIFromMachine(t *testing.T) {
	assert.Equal(t, "armeabi-v7a", ABIFromMachine(elf.EM_ARM))
	assert.Equal(t, "x86", ABIFromMachine(elf.EM_386))
	assert.Equal(t, "", ABIFromMachine(elf.EM_MIPS))
}
