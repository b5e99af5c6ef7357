package remote

import "context"

// Document is one remote record read back during hydration.
type Document struct {
	ID   string
	Data map[string]any
}

// Store is the remote durable store boundary: per-collection document
// upsert-with-merge and delete, plus a bulk read for cold-start hydration.
type Store interface {
	Set(ctx context.Context, collection, docID string, data map[string]any, merge bool) error
	Delete(ctx context.Context, collection, docID string) error
	ReadAll(ctx context.Context, collection string) ([]Document, error)
}
