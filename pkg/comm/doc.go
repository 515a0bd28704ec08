// Package comm defines the transport-independent building blocks of the RPC
// framework: messages, connection metadata, the layer pipeline that
// intercepts every send and receive, the service host that dispatches
// inbound requests and events, and the error taxonomy shared by transports.
//
// Key concepts:
//   - Message: a payload or an *Error travelling as a Request, Response or Event
//   - Layer: an interceptor with OnSend/OnReceive returning *Error, never panicking
//   - LayerStack: an ordered, immutable pipeline of layers sharing one layer-data value
//   - ServiceHost: method registry used by transports to serve inbound traffic
//   - UnhandledErrorHandler: the single escape hatch for failures with no caller
package comm
