package transport

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/illmade-knight/go-entitystore/pkg/keys"
	"github.com/illmade-knight/go-entitystore/pkg/types"
)

// maxLookupBatch is the largest number of documents fetched in one GetAll.
// Bigger batches are split into concurrent sub-calls within the same
// logical lookup.
const maxLookupBatch = 300

// nsCollection is the synthetic root collection that models key namespaces,
// which Firestore has no native concept of.
const nsCollection = "namespaces"

// FirestoreConfig holds configuration for the Firestore transport.
type FirestoreConfig struct {
	ProjectID string
}

// Firestore implements Transport on a Firestore database. Entity key paths
// map to alternating collection/document segments; namespaces map to a root
// document under the "namespaces" collection.
type Firestore struct {
	client *firestore.Client
	logger zerolog.Logger
}

// NewFirestore wraps an existing Firestore client. The client's lifecycle
// is managed by the caller.
func NewFirestore(client *firestore.Client, logger zerolog.Logger) (*Firestore, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	return &Firestore{
		client: client,
		logger: logger.With().Str("component", "FirestoreTransport").Logger(),
	}, nil
}

// NewFirestoreWithOptions creates its own client, for callers that do not
// manage one. Client options (credentials, endpoint overrides for
// emulators) pass through.
func NewFirestoreWithOptions(ctx context.Context, cfg *FirestoreConfig, logger zerolog.Logger, opts ...option.ClientOption) (*Firestore, error) {
	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	logger.Info().Str("project_id", cfg.ProjectID).Msg("Firestore transport connected.")
	return NewFirestore(client, logger)
}

// Close closes the underlying client.
func (t *Firestore) Close() error {
	return t.client.Close()
}

// docID renders a path element identifier as a document ID. Numeric IDs use
// their decimal form; on read, any ID that parses as int64 maps back to a
// numeric identifier.
func docID(pe keys.PathElement) string {
	if pe.Name != "" {
		return pe.Name
	}
	return strconv.FormatInt(pe.ID, 10)
}

func (t *Firestore) docRef(k keys.Key) (*firestore.DocumentRef, error) {
	if err := k.Valid(); err != nil {
		return nil, err
	}
	var parent *firestore.DocumentRef
	if k.Namespace != "" {
		parent = t.client.Collection(nsCollection).Doc(k.Namespace)
	}
	for _, pe := range k.Path {
		var col *firestore.CollectionRef
		if parent == nil {
			col = t.client.Collection(pe.Kind)
		} else {
			col = parent.Collection(pe.Kind)
		}
		parent = col.Doc(docID(pe))
	}
	return parent, nil
}

// keyFromRef reconstructs an entity key from a document reference by
// walking its ancestry back to the root.
func keyFromRef(ref *firestore.DocumentRef) keys.Key {
	var elems []keys.PathElement
	namespace := ""
	for ref != nil {
		col := ref.Parent
		if col.ID == nsCollection && col.Parent == nil {
			namespace = ref.ID
			break
		}
		pe := keys.PathElement{Kind: col.ID}
		if id, err := strconv.ParseInt(ref.ID, 10, 64); err == nil {
			pe.ID = id
		} else {
			pe.Name = ref.ID
		}
		elems = append([]keys.PathElement{pe}, elems...)
		ref = col.Parent
	}
	return keys.Key{Namespace: namespace, Path: elems}
}

// BatchLookup implements Transport. Key sets beyond maxLookupBatch are
// fetched by concurrent sub-calls assembled into one result.
func (t *Firestore) BatchLookup(ctx context.Context, ks []keys.Key, opts CallOptions) (map[string]types.LookupResult, error) {
	ctx, cancel := withDeadline(ctx, opts)
	defer cancel()

	refs := make([]*firestore.DocumentRef, len(ks))
	encoded := make([]string, len(ks))
	for i, k := range ks {
		ref, err := t.docRef(k)
		if err != nil {
			return nil, fmt.Errorf("invalid key %s: %w", k, err)
		}
		refs[i] = ref
		encoded[i] = k.Encode()
	}

	out := make(map[string]types.LookupResult, len(ks))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(refs); start += maxLookupBatch {
		end := start + maxLookupBatch
		if end > len(refs) {
			end = len(refs)
		}
		chunkRefs := refs[start:end]
		chunkKeys := encoded[start:end]
		g.Go(func() error {
			snaps, err := t.client.GetAll(gctx, chunkRefs)
			if err != nil {
				return fmt.Errorf("firestore GetAll: %w", err)
			}
			mu.Lock()
			defer mu.Unlock()
			for i, snap := range snaps {
				if !snap.Exists() {
					out[chunkKeys[i]] = types.LookupResult{Missing: true}
					continue
				}
				out[chunkKeys[i]] = types.LookupResult{Entity: &types.Entity{
					Key:        keyFromRef(snap.Ref),
					Properties: snap.Data(),
				}}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// BatchWrite implements Transport using a BulkWriter so mutation outcomes
// are reported per mutation.
func (t *Firestore) BatchWrite(ctx context.Context, muts []types.Mutation, opts CallOptions) ([]types.WriteResult, error) {
	ctx, cancel := withDeadline(ctx, opts)
	defer cancel()

	bw := t.client.BulkWriter(ctx)
	results := make([]types.WriteResult, len(muts))
	jobs := make([]*firestore.BulkWriterJob, len(muts))

	for i, mut := range muts {
		ref, err := t.docRef(mut.Key)
		if err != nil {
			results[i] = types.WriteResult{Err: fmt.Errorf("invalid key %s: %w", mut.Key, err)}
			continue
		}
		var job *firestore.BulkWriterJob
		switch mut.Op {
		case types.OpUpsert:
			job, err = bw.Set(ref, mut.Entity.Properties)
		case types.OpDelete:
			job, err = bw.Delete(ref)
		default:
			err = fmt.Errorf("unknown mutation op %d", mut.Op)
		}
		if err != nil {
			results[i] = types.WriteResult{Err: err}
			continue
		}
		jobs[i] = job
	}
	bw.End()

	for i, job := range jobs {
		if job == nil {
			continue
		}
		if _, err := job.Results(); err != nil {
			// Deleting an absent document is a successful no-op.
			if muts[i].Op == types.OpDelete && status.Code(err) == codes.NotFound {
				continue
			}
			t.logger.Error().Err(err).Str("key", muts[i].Key.String()).Msg("Firestore write failed.")
			results[i] = types.WriteResult{Err: err}
		}
	}
	return results, nil
}

// RunQuery implements Transport by streaming a compiled query's documents.
func (t *Firestore) RunQuery(ctx context.Context, q *Query, opts CallOptions, emit func(*types.Entity) error) error {
	ctx, cancel := withDeadline(ctx, opts)
	defer cancel()

	var col *firestore.CollectionRef
	if q.Namespace != "" {
		col = t.client.Collection(nsCollection).Doc(q.Namespace).Collection(q.Kind)
	} else {
		col = t.client.Collection(q.Kind)
	}

	fq := col.Query
	for _, f := range q.Filters {
		fq = fq.Where(f.Field, f.Op, f.Value)
	}
	for _, o := range q.Orders {
		dir := firestore.Asc
		if o.Descending {
			dir = firestore.Desc
		}
		fq = fq.OrderBy(o.Field, dir)
	}
	if q.Limit > 0 {
		fq = fq.Limit(q.Limit)
	}

	iter := fq.Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return fmt.Errorf("firestore query: %w", err)
		}
		ent := &types.Entity{Key: keyFromRef(snap.Ref), Properties: snap.Data()}
		if err := emit(ent); err != nil {
			return err
		}
	}
}
