// Package prioritizationengine implements the ranked prioritization module
// inside the workgroup-collaboration context.
//
// The module owns the versioned eligibility projection of rankable work
// items, per-member ranking snapshots with staleness tracking, and the
// normalized positional aggregation that produces each workgroup's shared
// priority order. Business rules live in the application/domain layers and
// infrastructure stays behind ports and adapters.
package prioritizationengine
