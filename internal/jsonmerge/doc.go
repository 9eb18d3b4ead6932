// Package jsonmerge implements the right-biased recursive merge used to
// apply partial feed updates.
//
// Documents are the generic values produced by encoding/json decoding into
// any: map[string]any, []any, string, float64, bool and nil. Integer and
// json.Number values are accepted as numbers.
//
// Rules, applied per key of the incoming object:
//   - key absent from the target: added (even when null)
//   - incoming value null: ignored, the target value is kept
//   - value kinds differ: incoming replaces target
//   - both objects: merged recursively
//   - otherwise (scalars, arrays): incoming replaces target
//
// Keys present only in the target are preserved. Merge never mutates its
// arguments; the result shares no maps or slices with either input.
package jsonmerge
