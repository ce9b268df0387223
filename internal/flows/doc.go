// Package flows holds the orchestration of the three hot-path Manager
// operations: primary login, session validation and refresh rotation.
//
// Each Run function takes a dependency struct of plain functions and
// sentinel errors, so the root package owns every resource and the flows
// can be tested with fakes.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import authcore (import cycle).
//   - Perform I/O except through its dependency functions.
package flows
