// Package definition loads declarative test procedure definitions.
//
// Procedures are authored in CUE. A small catalog of built-in procedures is
// embedded in the binary; an external directory of .cue files may extend or
// override it. Loading is pure and side-effect-free: the catalog is parsed
// once, every procedure is structurally validated at load time (unknown
// modes, occurrence counts < 1, dependency cycles, ambiguous unordered
// groups), and results are cached per procedure name for the process
// lifetime.
//
// A Procedure is immutable once loaded. Callers must not mutate the
// returned value; the registry hands out the same pointer to every caller.
package definition
