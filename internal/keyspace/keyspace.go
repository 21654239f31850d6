// Package keyspace defines the host key-value store interface (consumed,
// out of scope per spec.md §1/§6) and a BoltDB-backed implementation:
// bucket-per-entity, an in-memory hot cache layered over bbolt, and
// archive-on-overwrite versioning.
package keyspace

import (
	"context"

	"github.com/swarmguard/daginferd/internal/backend"
	"github.com/swarmguard/daginferd/internal/tensor"
)

// Keyspace is the subset of host-store primitives the DAG engine needs:
// typed tensor/model/script reads and writes, plus a replication hook.
// Client blocking/unblocking is not part of it (see runinfo.ClientHandle).
type Keyspace interface {
	// GetTensor fetches a tensor previously persisted under name.
	GetTensor(ctx context.Context, name string) (*tensor.Tensor, bool, error)
	// PutTensor writes a tensor under name and replicates the write.
	PutTensor(ctx context.Context, name string, t *tensor.Tensor) error

	// GetModelMeta resolves a model key to its dispatch metadata.
	GetModelMeta(ctx context.Context, key string) (backend.ModelMeta, bool, error)
	// GetScriptMeta resolves a script key to its dispatch metadata.
	GetScriptMeta(ctx context.Context, key string) (backend.ScriptMeta, bool, error)

	PutModelMeta(ctx context.Context, meta backend.ModelMeta) error
	PutScriptMeta(ctx context.Context, meta backend.ScriptMeta) error

	// Replicate propagates a write to replicas; a no-op in single-node
	// deployments.
	Replicate(ctx context.Context, cmd string, args []string) error
}
