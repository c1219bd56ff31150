package registry

import "slices"

// Target is a deployable configuration bundling a set of units for one destination.
type Target struct {
	Name string
	Arch string

	// Core is an optional executable unit linked for this target together with StaticApps.
	Core        string
	StaticApps  []string
	DynamicApps []string

	InstallSubdir string
}

// Units returns the ordered unit list of the target: core, static apps, then dynamic apps.
func (t *Target) Units() []string {
	units := make([]string, 0, 1+len(t.StaticApps)+len(t.DynamicApps))
	if t.Core != "" {
		units = append(units, t.Core)
	}
	for _, name := range slices.Concat(t.StaticApps, t.DynamicApps) {
		if !slices.Contains(units, name) {
			units = append(units, name)
		}
	}
	return units
}

// Architecture groups the targets built with identical toolchain settings.
type Architecture struct {
	Name    string
	Targets []string
}
