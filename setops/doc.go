// Package setops implements set algebra over encrypted membership tags.
//
// The only primitive that needs the secret key is negation, which takes one
// round trip through the coordinator with shuffled, sanitized and padded
// batches. Union is homomorphic addition on the peers, and intersection and
// normalisation are built from the two.
package setops
