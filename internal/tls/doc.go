// Package tls reads the certificates the issuing agent leaves on disk.
//
// It decodes PEM chains into the handful of fields the reconciler cares about
// (leaf expiry and covered names), grades remaining lifetime for operator
// output, and generates throwaway certificates for fixtures.
package tls
