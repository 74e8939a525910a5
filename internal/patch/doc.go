// Package patch decodes IPS, BPS, and PKCP patch files into a single
// format-agnostic representation.
//
// Parse is a pure decode: it never touches the filesystem and never verifies
// checksums. BPS checksums are recorded on the File so that the validator can
// compare them against the target.
//
// Every decode error is an *ir.Error with code MALFORMED_PATCH or
// UNSUPPORTED_EXTENSION. All reads go through a bounds-checked cursor, so a
// truncated stream is rejected rather than read past its end.
//
// # Record kinds
//
// IPS and PKCP decode to Copy, RLEFill, Extend, and Truncate records.
// BPS decodes TargetRead actions to Copy and keeps SourceRead, SourceCopy,
// and TargetCopy as their own kinds because their bytes are only known once a
// source is supplied.
package patch
