// Package mcp exposes flowlearn to agents over the Model Context Protocol.
//
// The server runs on the stdio transport and registers tools for component
// suggestion, few-shot retrieval, feedback submission and the curation
// operations reviewers perform (activating patterns, approving examples,
// switching prompt versions). Tool errors are returned to the client as
// error results rather than protocol failures.
package mcp
