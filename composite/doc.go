// Package composite builds structured distributed values out of primitive
// arrays: Pair, which zips two values of equal length, and Dict, a keyed map
// whose key uniqueness is enforced by a node-side listmap.
//
// Both implement ftillite.Value by delegation, so they can be nested,
// transmitted, saved and restored like any other value.
package composite
