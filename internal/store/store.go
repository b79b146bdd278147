// Package store abstracts JSON document persistence so components can
// run against S3, a local directory, or memory interchangeably.
package store

import "context"

// JSON reads and writes one document per key. ReadJSON returns
// found=false when the document does not exist yet.
type JSON interface {
	ReadJSON(ctx context.Context, key string, out any) (bool, error)
	WriteJSON(ctx context.Context, key string, v any) error
}
