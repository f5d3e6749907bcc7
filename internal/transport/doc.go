// Package transport defines how delivery records reach the remote collector
// and ships the default HTTP implementation. The delivery core only ever
// sees the Transport interface.
package transport
