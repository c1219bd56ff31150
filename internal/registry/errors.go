package registry

import "go.trai.ch/zerr"

var (
	// ErrDuplicateUnit is returned when a unit name is registered twice.
	ErrDuplicateUnit = zerr.New("duplicate unit")

	// ErrUnknownUnit is returned when a unit name is not registered.
	ErrUnknownUnit = zerr.New("unknown unit")

	// ErrDuplicateTarget is returned when a target name is declared twice.
	ErrDuplicateTarget = zerr.New("duplicate target")

	// ErrUnknownTarget is returned when a target name is not declared.
	ErrUnknownTarget = zerr.New("unknown target")

	// ErrUnknownArchitecture is returned when no target uses the requested architecture.
	ErrUnknownArchitecture = zerr.New("unknown architecture")

	// ErrRegistrySealed is returned when a declaration arrives after resolution has started.
	ErrRegistrySealed = zerr.New("registry is sealed")

	// ErrInvalidUnit is returned when a unit declaration is malformed.
	ErrInvalidUnit = zerr.New("invalid unit")

	// ErrCyclicDependency is returned when the dependency graph contains a cycle.
	ErrCyclicDependency = zerr.New("cyclic dependency")

	// ErrMissingDependencyMetadata is returned when a declared dependency names a unit that no longer exists.
	ErrMissingDependencyMetadata = zerr.New("missing dependency metadata")

	// ErrConflictingLinkage is returned when a unit is both static and dynamic within one architecture.
	ErrConflictingLinkage = zerr.New("conflicting linkage")

	// ErrMissingTableSource is returned when no table source candidate exists.
	ErrMissingTableSource = zerr.New("missing table source")

	// ErrInstallCollision is returned when two distinct artifacts map to the same install path.
	ErrInstallCollision = zerr.New("install collision")

	// ErrDuplicateTest is returned when a coverage runner name is registered twice.
	ErrDuplicateTest = zerr.New("duplicate coverage test")

	// ErrUnknownTest is returned when a coverage runner name is not registered.
	ErrUnknownTest = zerr.New("unknown coverage test")
)
