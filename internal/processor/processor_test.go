package processor

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/deploymenttheory/go-assembly-store/internal/assemblystore"
	"github.com/deploymenttheory/go-assembly-store/internal/codec"
	"github.com/deploymenttheory/go-assembly-store/internal/detector"
	"github.com/deploymenttheory/go-assembly-store/internal/errs"
	"github.com/deploymenttheory/go-assembly-store/internal/input"
	"github.com/deploymenttheory/go-assembly-store/internal/storage"
	"github.com/deploymenttheory/go-assembly-store/internal/stream"
	"github.com/deploymenttheory/go-assembly-store/internal/testutil"
	"github.com/deploymenttheory/go-assembly-store/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeWithBrokenEntry(t *testing.T) []byte {
	t.Helper()

	stored, ok, err := codec.Encode(codec.MethodLZ4, bytes.Repeat([]byte("q"), 200))
	require.NoError(t, err)
	require.True(t, ok)

	b := assemblystore.NewBuilder()
	b.Add(assemblystore.ABIAny, "Good.dll", []byte("MZ good"))
	b.AddRaw(assemblystore.ABIAny, assemblystore.Entry{Name: "Bad.dll", Method: codec.MethodLZ4, Stored: stored, Size: 199})
	require.NoError(t, b.AddCompressed(assemblystore.ABIAny, "Other.dll", bytes.Repeat([]byte("other"), 50), codec.MethodZstd))

	data, err := b.Bytes()
	require.NoError(t, err)
	return data
}

func apk(t *testing.T) []byte {
	t.Helper()

	b := assemblystore.NewBuilder()
	b.Add(assemblystore.ABIArm64, "App.dll", []byte("MZ app"))
	blob, err := b.Bytes()
	require.NoError(t, err)

	return testutil.BuildZip(t,
		testutil.ZipEntry{Name: "AndroidManifest.xml", Data: []byte("<manifest/>")},
		testutil.ZipEntry{Name: "assemblies/assemblies.arm64_v8a.blob", Data: blob},
	)
}

func TestRunReportsEveryInput(t *testing.T) {
	paths := []string{
		testutil.WriteFile(t, "app.apk", apk(t)),
		testutil.WriteFile(t, "empty.bin", nil),
		testutil.WriteFile(t, "assemblies.blob", storeWithBrokenEntry(t)),
		filepath.Join(t.TempDir(), "missing.apk"),
	}

	reportPath := filepath.Join(t.TempDir(), "report.json")
	store, err := storage.New(reportPath)
	require.NoError(t, err)

	out := t.TempDir()
	p := New(3, detector.DefaultTree(nil), store, Options{Extract: true, OutputDir: out})

	reports, err := p.Run(context.Background(), paths)
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.Len(t, reports, len(paths))

	for i, r := range reports {
		assert.Equal(t, paths[i], r.Path)
	}

	assert.Equal(t, types.StatusRecognized, reports[0].Status)
	assert.Equal(t, []string{"file", "zip", "apk"}, reports[0].Chain)
	require.Len(t, reports[0].Assemblies, 1)
	assert.Len(t, reports[0].SHA3Hash, 64)
	assert.FileExists(t, filepath.Join(out, "app.apk", "arm64-v8a", "App.dll"))

	assert.Equal(t, types.StatusFailed, reports[1].Status)
	assert.Equal(t, errs.KindUnrecognized, reports[1].ErrorKind)

	assert.Equal(t, types.StatusRecognized, reports[2].Status)
	require.NotNil(t, reports[2].Extraction)
	assert.Len(t, reports[2].Extraction.Extracted, 2)
	require.Len(t, reports[2].Extraction.Failures, 1)
	assert.Equal(t, errs.KindDecompression, reports[2].Extraction.Failures[0].Kind)
	require.Len(t, reports[2].Stores, 1)
	assert.Equal(t, map[string]int{"any": 3}, reports[2].Stores[0].ABIs)

	assert.Equal(t, errs.KindIO, reports[3].ErrorKind)

	stats := p.Stats()
	assert.Equal(t, 4, stats.FilesProcessed)
	assert.Equal(t, 2, stats.Recognized)
	assert.Equal(t, 2, stats.Failed)
	assert.Equal(t, 3, stats.AssembliesExtracted)
	assert.Equal(t, 1, stats.ExtractionFailures)

	assert.Equal(t, 4, store.Stats().InputsStored)
	_, err = os.Stat(reportPath)
	assert.NoError(t, err)
}

func TestRunListsWithoutExtracting(t *testing.T) {
	out := filepath.Join(t.TempDir(), "never")
	p := New(1, detector.DefaultTree(nil), nil, Options{OutputDir: out})

	reports, err := p.Run(context.Background(), []string{testutil.WriteFile(t, "app.apk", apk(t))})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Nil(t, reports[0].Extraction)
	assert.NoDirExists(t, out)
}

func TestAmbiguousTreeAbortsBatch(t *testing.T) {
	accept := func(s *stream.Stream, parent *detector.Result) (bool, interface{}) { return true, nil }
	open := func(s *stream.Stream, match *detector.Result) (*input.Contents, error) {
		return input.New(match.Name(), match.Chain, s.Description()), nil
	}
	tree, err := detector.NewTree(&detector.Detector{
		Name:  "file",
		Probe: accept,
		Nested: []*detector.Detector{
			{Name: "left", Probe: accept, Open: open},
			{Name: "right", Probe: accept, Open: open},
		},
	})
	require.NoError(t, err)

	paths := []string{
		testutil.WriteFile(t, "x.bin", []byte("x")),
		testutil.WriteFile(t, "y.bin", []byte("y")),
		testutil.WriteFile(t, "z.bin", []byte("z")),
	}
	store, err := storage.New(filepath.Join(t.TempDir(), "report.json"))
	require.NoError(t, err)

	p := New(1, tree, store, Options{})
	reports, err := p.Run(context.Background(), paths)

	assert.ErrorIs(t, err, errs.ErrAmbiguousFormat)
	require.Len(t, reports, 3)
	assert.Equal(t, errs.KindAmbiguous, reports[0].ErrorKind)
	for i, r := range reports[1:] {
		assert.Equal(t, paths[i+1], r.Path)
		assert.Equal(t, types.StatusFailed, r.Status)
		assert.Equal(t, errs.KindAborted, r.ErrorKind)
		assert.Contains(t, r.Reason, "ambiguous format")
	}

	assert.Equal(t, 3, store.Stats().InputsStored)
	assert.Equal(t, 2, p.Stats().Aborted)
	assert.Equal(t, 3, p.Stats().Failed)
}

func TestConflictingPackageLayoutDoesNotStopBatch(t *testing.T) {
	weird := testutil.BuildZip(t,
		testutil.ZipEntry{Name: "AndroidManifest.xml", Data: []byte("<manifest/>")},
		testutil.ZipEntry{Name: "manifest/AndroidManifest.xml", Data: []byte("<manifest/>")},
	)
	paths := []string{
		testutil.WriteFile(t, "weird.zip", weird),
		testutil.WriteFile(t, "first.apk", apk(t)),
		testutil.WriteFile(t, "second.apk", apk(t)),
	}

	p := New(1, detector.DefaultTree(nil), nil, Options{})
	reports, err := p.Run(context.Background(), paths)
	require.NoError(t, err)
	require.Len(t, reports, 3)

	assert.Equal(t, errs.KindUnrecognized, reports[0].ErrorKind)
	assert.Equal(t, []string{"file", "zip"}, reports[0].Chain)
	assert.Equal(t, types.StatusRecognized, reports[1].Status)
	assert.Equal(t, types.StatusRecognized, reports[2].Status)
	assert.Zero(t, p.Stats().Aborted)
}

func TestCancelledContextStopsWorkers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	path := testutil.WriteFile(t, "a.bin", []byte("a"))
	p := New(2, detector.DefaultTree(nil), nil, Options{})
	reports, err := p.Run(ctx, []string{path})

	assert.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, path, reports[0].Path)
	assert.Equal(t, errs.KindAborted, reports[0].ErrorKind)
	assert.Contains(t, reports[0].Reason, context.Canceled.Error())
	assert.Equal(t, 0, p.Stats().FilesProcessed)
}
