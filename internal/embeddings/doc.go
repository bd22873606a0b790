// Package embeddings turns pattern signals and queries into vectors for the
// semantic match strategy.
//
// Providers: TEI (a text-embeddings-inference server over HTTP, rate
// limited on the client side) and FastEmbed (local ONNX models, cgo only).
// Provider "none" disables semantic matching entirely.
package embeddings
