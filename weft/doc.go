// Package weft provides the building blocks of a self-configuring mesh
// network: cryptographic identities, content-addressed destinations, a
// compact packet codec, signed announces with multi-hop path learning,
// a store-less forwarding engine and end-to-end encrypted links with
// forward secrecy.
//
// The Node type in this package is a convenience wrapper that combines
// an identity with a running forwarding engine. Applications that need
// finer control use the subpackages directly.
package weft
