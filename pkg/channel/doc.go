// Package channel holds tunable per-connection transport options.
//
// A Config carries the write-buffer watermarks and the write spin
// count for one connection. Individual setters validate strictly and
// reject values that would break the low <= high watermark ordering;
// the bulk SetOptions path instead repairs the ordering by clamping
// the low watermark and logging a warning, so configuration loaded
// from files in arbitrary key order still applies.
package channel
