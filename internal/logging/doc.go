// Package logging wraps zap with context-aware helpers for flowlearn.
//
// Every log call pulls correlation fields out of the context: the OTEL
// trace and span ids, the HTTP request id, and the job and feedback ids
// of the ingestion run being processed. Library code that only needs a
// plain *zap.Logger can take Logger.Underlying().
package logging
