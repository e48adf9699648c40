// open.go implements the provider-identity reconciliation that runs when a
// store opens. The identity (name + model + dimension) the vectors were
// indexed with is explicit store state; changing providers is a state
// transition - record the new identity, mark the store reindexing, reset
// the collection, and enqueue reembed for every document - not a side
// effect of the first inconsistent write.

package keeper

import (
	"context"
	"strconv"

	"github.com/hughpyle/keep/internal/queue"
	"github.com/hughpyle/keep/internal/store"
)

// ReconcileIdentity compares the router's embedding identity with the one
// recorded in the store and starts a reindex when they differ. Call once
// after assembling the engine, before serving traffic.
func (k *Keeper) ReconcileIdentity(ctx context.Context) error {
	want := k.router.Identity()

	name, err := k.docs.GetInfo(ctx, store.InfoProviderName)
	if err != nil {
		return err
	}
	model, err := k.docs.GetInfo(ctx, store.InfoProviderModel)
	if err != nil {
		return err
	}
	dimStr, err := k.docs.GetInfo(ctx, store.InfoProviderDim)
	if err != nil {
		return err
	}

	if name == "" && model == "" && dimStr == "" {
		// Fresh store: adopt the identity.
		return k.recordIdentity(ctx, store.IndexReady)
	}

	dim, _ := strconv.Atoi(dimStr)
	if name == want.Name && model == want.Model && dim == want.Dimension {
		return nil
	}

	k.log.Warn().
		Str("indexed", name+"/"+model+" dim="+dimStr).
		Str("active", want.String()).
		Msg("provider identity changed; reindexing")

	if err := k.recordIdentity(ctx, store.IndexReindexing); err != nil {
		return err
	}
	if err := k.vecs.Reset(ctx, want.Dimension); err != nil {
		return err
	}

	ids, err := k.docs.ListIDs(ctx, true)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return k.docs.SetInfo(ctx, store.InfoIndexState, store.IndexReady)
	}
	for _, id := range ids {
		k.enqueue(ctx, id, queue.KindReembed, nil)
	}
	return nil
}

// recordIdentity writes the active identity and index state.
func (k *Keeper) recordIdentity(ctx context.Context, state string) error {
	id := k.router.Identity()
	if err := k.docs.SetInfo(ctx, store.InfoProviderName, id.Name); err != nil {
		return err
	}
	if err := k.docs.SetInfo(ctx, store.InfoProviderModel, id.Model); err != nil {
		return err
	}
	if err := k.docs.SetInfo(ctx, store.InfoProviderDim, strconv.Itoa(id.Dimension)); err != nil {
		return err
	}
	return k.docs.SetInfo(ctx, store.InfoIndexState, state)
}

// Reindexing reports whether the store is mid-reindex, during which search
// may return degraded results.
func (k *Keeper) Reindexing(ctx context.Context) (bool, error) {
	state, err := k.docs.GetInfo(ctx, store.InfoIndexState)
	if err != nil {
		return false, err
	}
	return state == store.IndexReindexing, nil
}

// RebuildIndex forces a full reindex with the current identity: the
// recovery path for a dimension mismatch or a corrupted collection.
func (k *Keeper) RebuildIndex(ctx context.Context) error {
	if err := k.recordIdentity(ctx, store.IndexReindexing); err != nil {
		return err
	}
	if err := k.vecs.Reset(ctx, k.router.Identity().Dimension); err != nil {
		return err
	}
	ids, err := k.docs.ListIDs(ctx, true)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return k.docs.SetInfo(ctx, store.InfoIndexState, store.IndexReady)
	}
	for _, id := range ids {
		k.enqueue(ctx, id, queue.KindReembed, nil)
	}
	return nil
}
