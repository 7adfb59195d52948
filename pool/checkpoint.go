package pool

import (
	"context"
	"sort"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/errgroup"

	"github.com/openzfs/zfs-object-agent/blockmap"
	"github.com/openzfs/zfs-object-agent/internal/nlog"
	"github.com/openzfs/zfs-object-agent/internal/zerr"
	"github.com/openzfs/zfs-object-agent/objectlog"
	"github.com/openzfs/zfs-object-agent/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// OpenResult is what Open hands back to the caller after reconciling a
// pool's super object, uberblock chain and on-device state (§4.L "pool
// open cleanup").
type OpenResult struct {
	Super     PoolPhys
	Uberblock UberblockPhys // zero value if this is a brand-new pool
}

// Open reads guid's super object and walks back to find the newest
// uberblock whose txg it can actually read. It does no cleanup itself;
// that is OpenCleanup. A missing super object means a brand-new pool.
func Open(ctx context.Context, client ObjClient, guid types.PoolGuid, name string) (OpenResult, error) {
	raw, err := client.Get(ctx, superKey(guid))
	if err != nil {
		return OpenResult{Super: PoolPhys{Guid: guid, Name: name}}, nil
	}
	var super PoolPhys
	if err := json.Unmarshal(raw, &super); err != nil {
		return OpenResult{}, zerr.Wrap(err, "unmarshal pool super object")
	}
	if super.LastTxg == 0 {
		return OpenResult{Super: super}, nil
	}

	ub, selectedTxg, err := readNewestReadableUberblock(ctx, client, guid, super.LastTxg)
	if err != nil {
		return OpenResult{}, err
	}

	result := OpenResult{Super: super, Uberblock: ub}
	if selectedTxg != super.LastTxg {
		// An older txg had to be selected (the recorded last_txg's uberblock
		// was unreadable/partial). Rewrite the super now so future txg
		// objects past selectedTxg can be safely deleted.
		super.LastTxg = selectedTxg
		if err := writeSuper(ctx, client, super); err != nil {
			return OpenResult{}, err
		}
		result.Super = super
	}
	return result, nil
}

// readNewestReadableUberblock walks backward from startTxg until it finds
// an uberblock object that actually exists and decodes.
func readNewestReadableUberblock(ctx context.Context, client ObjClient, guid types.PoolGuid, startTxg types.Txg) (UberblockPhys, types.Txg, error) {
	for txg := startTxg; txg > 0; txg-- {
		raw, err := client.Get(ctx, UberblockKey(guid, txg))
		if err != nil {
			continue
		}
		var ub UberblockPhys
		if err := json.Unmarshal(raw, &ub); err != nil {
			continue
		}
		return ub, txg, nil
	}
	return UberblockPhys{}, 0, nil
}

func writeSuper(ctx context.Context, client ObjClient, super PoolPhys) error {
	raw, err := json.Marshal(super)
	if err != nil {
		return zerr.Wrap(err, "marshal pool super object")
	}
	return client.Put(ctx, superKey(super.Guid), raw)
}

// WriteUberblock persists ub and advances the super object's last_txg —
// the linearization point end_txg commits at (§4.L, §8's crash-recovery
// invariant).
func WriteUberblock(ctx context.Context, client ObjClient, super *PoolPhys, ub UberblockPhys) error {
	raw, err := json.Marshal(ub)
	if err != nil {
		return zerr.Wrap(err, "marshal uberblock")
	}
	if err := client.Put(ctx, UberblockKey(ub.Guid, ub.Txg), raw); err != nil {
		return err
	}
	super.LastTxg = ub.Txg
	return writeSuper(ctx, client, *super)
}

// OpenCleanup runs the concurrent sweep §4.L describes after determining
// last_txg: delete the previous uberblock's obsolete objects, delete
// uberblock objects with txg > lastTxg, and (unless a resume is pending)
// delete any data object the block map doesn't know about. Stale log
// chunks past their logical end are not touched here; objectlog.Open
// deletes those.
func OpenCleanup(ctx context.Context, client ObjClient, guid types.PoolGuid, lastTxg types.Txg, obsolete []types.ObjectId, blockMap *blockmap.Map, resumePending bool) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return deleteObjects(gctx, client, guid, obsolete) })
	g.Go(func() error { return deleteUberblocksAfter(gctx, client, guid, lastTxg) })
	if !resumePending {
		g.Go(func() error { return deleteOrphanedDataObjects(gctx, client, guid, blockMap) })
	}
	return g.Wait()
}

func deleteObjects(ctx context.Context, client ObjClient, guid types.PoolGuid, objects []types.ObjectId) error {
	if len(objects) == 0 {
		return nil
	}
	keys := make(chan string, len(objects))
	for _, o := range objects {
		keys <- DataObjectKey(guid, o)
	}
	close(keys)
	return client.DeleteObjects(ctx, keys)
}

func deleteUberblocksAfter(ctx context.Context, client ObjClient, guid types.PoolGuid, lastTxg types.Txg) error {
	prefix := keyPrefix(guid) + "uberblock/"
	names, err := client.ListObjects(ctx, prefix, "", false)
	if err != nil {
		return err
	}
	keys := make(chan string, len(names))
	for _, n := range names {
		txgStr := strings.TrimPrefix(n, prefix)
		txg, err := strconv.ParseUint(txgStr, 10, 64)
		if err != nil {
			continue
		}
		if types.Txg(txg) > lastTxg {
			keys <- n
		}
	}
	close(keys)
	return client.DeleteObjects(ctx, keys)
}

// deleteOrphanedDataObjects deletes data objects with an id past the
// block map's last known object — the tail left behind by a crash before
// the uberblock recording them was written.
func deleteOrphanedDataObjects(ctx context.Context, client ObjClient, guid types.PoolGuid, blockMap *blockmap.Map) error {
	lastKnown, hasLastKnown := blockMap.LastObject()

	prefix := keyPrefix(guid) + "data/"
	names, err := client.ListObjects(ctx, prefix, "", false)
	if err != nil {
		return err
	}
	keys := make(chan string, len(names))
	for _, n := range names {
		idx := strings.LastIndex(n, "/")
		if idx < 0 {
			continue
		}
		objID, err := strconv.ParseUint(n[idx+1:], 10, 64)
		if err != nil {
			continue
		}
		id := types.ObjectId(objID)
		if !hasLastKnown || id > lastKnown {
			keys <- n
		}
	}
	close(keys)
	return client.DeleteObjects(ctx, keys)
}

// ResumeDataObjects lists every data object with an id greater than
// lastKnown, for resume_txg's recovery scan (§4.J resume protocol).
// hasLastKnown distinguishes "nothing known yet" (scan from object 0) from
// "object 0 itself is known" (exclude it) — both present as lastKnown==0.
func ResumeDataObjects(ctx context.Context, client ObjClient, guid types.PoolGuid, lastKnown types.ObjectId, hasLastKnown bool) ([]types.ObjectId, error) {
	prefix := keyPrefix(guid) + "data/"
	names, err := client.ListObjects(ctx, prefix, "", false)
	if err != nil {
		return nil, err
	}
	var out []types.ObjectId
	for _, n := range names {
		idx := strings.LastIndex(n, "/")
		if idx < 0 {
			continue
		}
		objID, err := strconv.ParseUint(n[idx+1:], 10, 64)
		if err != nil {
			continue
		}
		id := types.ObjectId(objID)
		if !hasLastKnown || id > lastKnown {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// PeriodicCleanup deletes uberblock generations older than
// METADATA_RETENTION_TXGS behind currentTxg and, for each such
// generation's logs, generations older than the live one (§4.L).
func PeriodicCleanup(ctx context.Context, client ObjClient, guid types.PoolGuid, currentTxg types.Txg, retentionTxgs types.Txg, logs []*objectLogHandle) error {
	if currentTxg <= retentionTxgs {
		return nil
	}
	floor := currentTxg - retentionTxgs

	names, err := client.ListObjects(ctx, keyPrefix(guid)+"uberblock/", "", false)
	if err != nil {
		return err
	}
	sort.Strings(names)
	var stale []string
	for _, n := range names {
		idx := strings.LastIndex(n, "/")
		txg, err := strconv.ParseUint(n[idx+1:], 10, 64)
		if err != nil {
			continue
		}
		if types.Txg(txg) < floor {
			stale = append(stale, n)
		}
	}
	if len(stale) > 0 {
		keys := make(chan string, len(stale))
		for _, s := range stale {
			keys <- s
		}
		close(keys)
		if err := client.DeleteObjects(ctx, keys); err != nil {
			return err
		}
		nlog.Infof("pool: periodic cleanup deleted %d stale uberblocks for guid %d", len(stale), guid)
	}

	for _, l := range logs {
		if err := l.cleanupOld(ctx, floor); err != nil {
			return err
		}
	}
	return nil
}

// objectLogHandle lets PeriodicCleanup drive CleanupOld across logs of
// different entry types without becoming generic itself.
type objectLogHandle struct {
	cleanupOld func(ctx context.Context, keepFloor uint64) error
}

// LogHandle wraps an objectlog.Log[T] for PeriodicCleanup.
func LogHandle[T any](l *objectlog.Log[T]) *objectLogHandle {
	return &objectLogHandle{cleanupOld: l.CleanupOld}
}
