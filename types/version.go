package types

// Version is the canonical project version.
// The CLI, the trace file format and the journal records share it.
const Version = "0.1.0"

// TraceVersion is the version stamped into trace file headers. It moves in
// lockstep with Version.
const TraceVersion = Version
