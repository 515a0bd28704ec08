// Package simplemem is an in-process transport for the comm framework.
// It gives tests and local tools real transport semantics (addressable
// listeners, paired client/server connections, cancellable connects and the
// full layer pipeline) without sockets.
//
// Addresses are opaque non-empty strings scoped to one Transport; nothing is
// visible across Transport instances or processes.
package simplemem
