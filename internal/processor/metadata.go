package processor

import (
	"fmt"

	"github.com/deploymenttheory/go-assembly-store/internal/aspect"
	"github.com/deploymenttheory/go-assembly-store/internal/input"
	"github.com/deploymenttheory/go-assembly-store/internal/types"
)

// failureLister is implemented by readers that skipped package entries.
type failureLister interface {
	Failures() []aspect.Failure
}

// describe copies what a reader exposes into the report. Typemap entries are
// only copied when withMappings is set.
func describe(report *types.InputReport, r input.Reader, withMappings bool) {
	report.Kind = r.Kind()
	report.Chain = r.Chain()
	report.Attributes = r.Attributes()
	report.Assemblies = r.Assemblies()

	for _, st := range r.Stores() {
		abis := make(map[string]int)
		for _, a := range st.List() {
			abis[a.DirName()]++
		}
		report.Stores = append(report.Stores, types.StoreSummary{
			Description: st.Description(),
			Version:     st.Header.Version,
			Entries:     int(st.Header.EntryCount),
			ABIs:        abis,
		})
	}

	for _, tm := range r.TypeMaps() {
		summary := types.TypeMapSummary{
			Description: tm.Description(),
			ModuleID:    tm.ModuleID.String(),
			Assembly:    tm.Assembly,
			Entries:     len(tm.Entries),
		}
		if withMappings {
			summary.Mappings = append(summary.Mappings, tm.Entries...)
		}
		report.TypeMaps = append(report.TypeMaps, summary)
	}

	if fl, ok := r.(failureLister); ok {
		for _, f := range fl.Failures() {
			report.Warnings = append(report.Warnings, fmt.Sprintf("%s: %s: %v", f.Description, f.Aspect, f.Err))
		}
	}
}
