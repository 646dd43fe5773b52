// Package contracts defines the shapes exchanged between services over the
// broker: routing patterns, bindings, the wire message, its encrypted form,
// RPC exception replies and the catalogue of typed events.
package contracts
