// Command zoa-agent wires the object client, cache device, and pool sync
// engines together. The kernel-facing request-framing socket server is
// out of scope for this core (§1) — this binary brings every component
// up to the point where a server loop would dispatch proto messages into
// them, and logs readiness.
/*
 * Copyright (c) 2024, OpenZFS Contributors. All rights reserved.
 */
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/openzfs/zfs-object-agent/blockdev"
	"github.com/openzfs/zfs-object-agent/blockmap"
	"github.com/openzfs/zfs-object-agent/extentalloc"
	"github.com/openzfs/zfs-object-agent/internal/config"
	"github.com/openzfs/zfs-object-agent/internal/nlog"
	"github.com/openzfs/zfs-object-agent/objclient"
	"github.com/openzfs/zfs-object-agent/objectlog"
	"github.com/openzfs/zfs-object-agent/pool"
	"github.com/openzfs/zfs-object-agent/spacemap"
	"github.com/openzfs/zfs-object-agent/types"
	"github.com/openzfs/zfs-object-agent/zettacache"
)

func main() {
	var (
		cachePath  = flag.String("cache-device", "", "path to the local block device backing ZettaCache")
		configPath = flag.String("config", "", "JSON config file (defaults used if empty)")
		region     = flag.String("region", "us-east-1", "S3 region")
		endpoint   = flag.String("endpoint", "", "S3-compatible endpoint override")
		bucket     = flag.String("bucket", "", "S3 bucket backing every pool")
		verbosity  = flag.Int64("v", 0, "global log verbosity")
	)
	flag.Parse()
	nlog.SetVerbosity(*verbosity)

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			nlog.Fatalf("zoa-agent: load config: %v", err)
		}
		cfg = loaded
	}
	if err := config.SetGlobal(cfg); err != nil {
		nlog.Fatalf("zoa-agent: invalid config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *bucket == "" {
		nlog.Fatalf("zoa-agent: -bucket is required")
	}
	client, err := newObjClient(ctx, *region, *endpoint, *bucket, cfg)
	if err != nil {
		nlog.Fatalf("zoa-agent: object client: %v", err)
	}

	if *cachePath != "" {
		if err := bringUpCache(ctx, *cachePath, client, cfg); err != nil {
			nlog.Fatalf("zoa-agent: cache device: %v", err)
		}
	} else {
		nlog.Infof("zoa-agent: no -cache-device given, running without ZettaCache")
	}

	nlog.Infof("zoa-agent: wired against bucket %q in %s; pools open lazily per %q requests", *bucket, *region, "open pool")

	<-ctx.Done()
	nlog.Infof("zoa-agent: shutting down")
}

func newObjClient(ctx context.Context, region, endpoint, bucket string, cfg *config.Config) (*objclient.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
		}
	})
	return objclient.New(s3Client, bucket, cfg.ObjClientCacheObjects,
		time.Duration(cfg.LongOpWarnMillis)*time.Millisecond, cfg.RetryBaseMinMillis, cfg.RetryBaseMaxMillis), nil
}

// bringUpCache carves the device into superblock/ring/metadata/data
// regions per §6's cache device layout and constructs the ZettaCache
// engines. It returns once everything is open and ready to serve
// lookup/insert/evict/heal calls — there is no request loop here.
func bringUpCache(ctx context.Context, path string, client *objclient.Client, cfg *config.Config) error {
	dev, err := blockdev.Open(path, cfg.SectorSize, cfg.MaxConcurrentRead, cfg.MaxConcurrentDataW, cfg.MaxConcurrentMetaW)
	if err != nil {
		return err
	}

	const superblockSize = types.DiskLocation(64 << 10)
	const ringSize = types.DiskLocation(16 << 20)
	metadataStart := superblockSize + ringSize
	deviceSize := types.DiskLocation(dev.Size())
	metadataSize := deviceSize / 20 // reserve 5% of the device for metadata extents
	dataStart := metadataStart + metadataSize

	metaAlloc := extentalloc.New(metadataStart, dataStart)
	index := zettacache.NewIndex(dev, metaAlloc, cfg.BlockLogEntriesPerChunk, cfg.BlockLogExtentChunkBytes, 0)
	dataAlloc := spacemap.New(dev, metaAlloc, dataStart, deviceSize, 1<<20, []uint64{4 << 10, 64 << 10, 1 << 20},
		cfg.SlabCondensePerCheckpoint, cfg.BlockLogEntriesPerChunk, cfg.BlockLogExtentChunkBytes)

	pending := zettacache.NewPendingChanges()
	opLog := zettacache.NewOperationLog(client, "zettacache-oplog", cfg.BlockLogEntriesPerChunk, cfg.ObjectLogRetainGenerations)

	read := func(ctx context.Context, loc types.DiskLocation, size uint64) ([]byte, error) {
		return dev.ReadRaw(ctx, types.Extent{Offset: loc, Size: size})
	}
	write := func(ctx context.Context, loc types.DiskLocation, data []byte) error {
		return dev.WriteRaw(ctx, loc, data)
	}
	blockingBytes := uint64(float64(dev.Size()) * 0.05)
	nonBlockingBytes := blockingBytes
	state := zettacache.NewState(dev, dataAlloc, index, opLog, pending, blockingBytes, nonBlockingBytes, metadataStart, read, write)

	mergeTask := zettacache.NewMergeTask(dev, metaAlloc, cfg.BlockLogEntriesPerChunk, cfg.BlockLogExtentChunkBytes)
	checkpointTask := zettacache.NewCheckpointTask(dev, metaAlloc, dataAlloc, state, opLog, mergeTask,
		superblockSize, superblockSize, metadataStart)

	go runCheckpointLoop(ctx, checkpointTask, cfg, uint64(dev.Size()))
	go runAtimeTicker(ctx, state, cfg)

	nlog.Infof("zoa-agent: ZettaCache open on %s (%d bytes)", path, dev.Size())
	return nil
}

func runCheckpointLoop(ctx context.Context, ct *zettacache.CheckpointTask, cfg *config.Config, deviceSize uint64) {
	interval := time.Duration(cfg.CheckpointIntervalNanos)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ct.Tick(ctx, cfg.MaxPendingChanges, cfg.HighWaterCacheSizePct, cfg.TargetCacheSizePct, deviceSize); err != nil {
				nlog.Errorf("zoa-agent: checkpoint tick failed: %v", err)
			}
		}
	}
}

func runAtimeTicker(ctx context.Context, state *zettacache.State, cfg *config.Config) {
	interval := time.Duration(cfg.AtimeTickIntervalNanos)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state.AdvanceAtime()
		}
	}
}

// newPoolEngine constructs a pool.Engine for guid once `open pool`
// establishes last_txg and the recovered block map/reclaim state — left
// as a reusable helper for when the request-framing server lands.
func newPoolEngine(client pool.ObjClient, guid types.PoolGuid, cfg *config.Config, blockMap *blockmap.Map, storageLog *objectlog.Log[blockmap.Event], reclaim *pool.ReclaimTable) *pool.Engine {
	return pool.NewEngine(client, guid, cfg.MaxBytesPerObject, blockMap, storageLog, reclaim,
		cfg.ObjectsPerLog, cfg.ReclaimLogEntriesLimit, cfg.ReclaimTableBitsMax,
		cfg.FreeHighwaterPct, cfg.FreeLowwaterPct, cfg.FreeMinBlocks)
}
