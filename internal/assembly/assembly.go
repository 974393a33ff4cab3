// Package assembly describes managed assemblies found in packages and stores,
// and reads standalone assembly entries.
package assembly

import (
	"fmt"
	"path"
	"strings"
)

// ABIAny is the directory name used for ABI-independent assemblies.
const ABIAny = "any"

// Known Android ABIs
var KnownABIs = []string{"arm64-v8a", "armeabi-v7a", "x86_64", "x86"}

// ApplicationAssembly is one managed assembly's presence inside a package or
// store. Values are immutable once built by New.
type ApplicationAssembly struct {
	Name           string `json:"name"`
	ABI            string `json:"abi,omitempty"` // empty when ABI-independent
	IsCompressed   bool   `json:"is_compressed"`
	CompressedSize uint32 `json:"compressed_size"`
	Size           uint32 `json:"size"`
	IgnoreOnLoad   bool   `json:"ignore_on_load,omitempty"`
	Container      string `json:"container"` // description of the store or entry holding it
	// Section names the store section holding the assembly. Empty outside
	// stores.
	Section string `json:"section,omitempty"`
}

// New validates a and returns it.
func New(a ApplicationAssembly) (ApplicationAssembly, error) {
	if err := a.Validate(); err != nil {
		return ApplicationAssembly{}, err
	}
	return a, nil
}

// Validate checks the size invariant.
func (a ApplicationAssembly) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("assembly in %s has an empty name", a.Container)
	}
	if a.IsCompressed && a.CompressedSize > a.Size {
		return fmt.Errorf("assembly %q: compressed size %d exceeds size %d", a.Name, a.CompressedSize, a.Size)
	}
	if !a.IsCompressed && a.CompressedSize != a.Size {
		return fmt.Errorf("assembly %q: uncompressed but stored size %d differs from size %d", a.Name, a.CompressedSize, a.Size)
	}
	return nil
}

// DirName is the output directory for a: its ABI, or ABIAny.
func (a ApplicationAssembly) DirName() string {
	if a.ABI == "" {
		return ABIAny
	}
	return a.ABI
}

// NormalizeABI maps spellings such as arm64_v8a onto the canonical ABI name.
// Unknown names yield "".
func NormalizeABI(s string) string {
	for _, abi := range KnownABIs {
		if s == abi {
			return abi
		}
	}
	dashed := strings.ReplaceAll(s, "_", "-")
	for _, abi := range KnownABIs {
		if dashed == abi {
			return abi
		}
	}
	return ""
}

// ABIFromPath derives the ABI from an archive entry path:
// assemblies/<abi>/X.dll, lib/<abi>/libX.so or assemblies.<abi>.blob.
func ABIFromPath(p string) string {
	// Strip any container prefix such as "app.apk!".
	if i := strings.LastIndex(p, "!"); i >= 0 {
		p = p[i+1:]
	}

	parts := strings.Split(p, "/")
	for i := 0; i+1 < len(parts)-1; i++ {
		if parts[i] == "assemblies" || parts[i] == "lib" {
			if abi := NormalizeABI(parts[i+1]); abi != "" {
				return abi
			}
		}
	}

	base := path.Base(p)
	if strings.HasPrefix(base, "assemblies.") || strings.HasPrefix(base, "libassemblies.") {
		fields := strings.Split(base, ".")
		if len(fields) >= 3 {
			return NormalizeABI(fields[1])
		}
	}
	return ""
}

// NameFromPath returns the assembly name of a described entry. Entries inside
// a package keep their path below the assemblies directory, minus any ABI
// directory, so satellite assemblies such as fr/App.resources.dll stay
// distinct. Anything else yields the file name.
func NameFromPath(p string) string {
	i := strings.LastIndex(p, "!")
	if i < 0 {
		return path.Base(p)
	}
	p = p[i+1:]

	parts := strings.Split(p, "/")
	for j := len(parts) - 2; j >= 0; j-- {
		if parts[j] != "assemblies" {
			continue
		}
		rest := parts[j+1:]
		if len(rest) > 1 && NormalizeABI(rest[0]) != "" {
			rest = rest[1:]
		}
		return strings.Join(rest, "/")
	}
	return path.Base(p)
}
