package common

import "errors"

var (
	// ErrUnsupportedFormat means the document extractor does not handle
	// the file type. Fatal for that ingest.
	ErrUnsupportedFormat = errors.New("unsupported document format")

	// ErrNoVectorStoreSpecified means a query carries no resolvable
	// tenant scope. Fatal for that query.
	ErrNoVectorStoreSpecified = errors.New("no vector store specified")

	// ErrEntityNotFound is a referential integrity failure surfaced as
	// not-found to the caller.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrVectorStoreNotFound means the tenant itself does not exist.
	ErrVectorStoreNotFound = errors.New("vector store not found")

	// ErrStorageUnavailable wraps unreachable graph/relational storage.
	// Writes must never swallow it; documented reads may fall back to
	// empty results instead.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
