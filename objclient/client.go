// Package objclient implements the typed cloud object client (§4.A):
// get/put/head/list/delete over an S3-compatible store, with retry
// classification, single-flight coalescing of concurrent gets, and a
// small in-memory read cache.
/*
 * Copyright (c) 2024, OpenZFS Contributors. All rights reserved.
 */
package objclient

import (
	"bytes"
	"container/list"
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"golang.org/x/sync/singleflight"

	"github.com/openzfs/zfs-object-agent/internal/nlog"
	"github.com/openzfs/zfs-object-agent/internal/zerr"
)

// S3API is the subset of the S3 client this package calls, so tests can
// substitute a fake.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// Client is the object-store-backed implementation of §4.A.
type Client struct {
	api    S3API
	bucket string

	sf singleflight.Group

	cacheCap int
	cacheMu  sync.Mutex
	cacheLRU *list.List
	cacheIdx map[string]*list.Element

	longOpWarn time.Duration
	retryMinMs int
	retryMaxMs int
}

type cacheNode struct {
	key   string
	bytes []byte
}

// New wraps api for bucket, bounding the in-memory read cache to
// cacheObjects entries (default 100 per §4.A).
func New(api S3API, bucket string, cacheObjects int, longOpWarn time.Duration, retryMinMs, retryMaxMs int) *Client {
	return &Client{
		api: api, bucket: bucket,
		cacheCap: cacheObjects,
		cacheLRU: list.New(),
		cacheIdx: make(map[string]*list.Element),
		longOpWarn: longOpWarn,
		retryMinMs: retryMinMs, retryMaxMs: retryMaxMs,
	}
}

// Get fetches key, consulting the small LRU cache and coalescing
// concurrent fetches of the same key via single-flight.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	if b, ok := c.cacheGet(key); ok {
		return b, nil
	}
	v, err, _ := c.sf.Do(key, func() (any, error) {
		b, err := c.getUncachedLocked(ctx, key)
		if err != nil {
			return nil, err
		}
		c.cachePut(key, b)
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// GetUncached bypasses the read cache; after success it invalidates any
// cached entry for key (§4.A).
func (c *Client) GetUncached(ctx context.Context, key string) ([]byte, error) {
	v, err, _ := c.sf.Do("uncached:"+key, func() (any, error) {
		return c.getUncachedLocked(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	c.cacheInvalidate(key)
	return v.([]byte), nil
}

func (c *Client) getUncachedLocked(ctx context.Context, key string) ([]byte, error) {
	var body []byte
	err := c.retry(ctx, "get "+key, func() error {
		out, err := c.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(key)})
		if err != nil {
			return err
		}
		defer out.Body.Close()
		b, rerr := io.ReadAll(out.Body)
		if rerr != nil {
			return rerr
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// Put uploads key with contents bytes.
func (c *Client) Put(ctx context.Context, key string, data []byte) error {
	return c.retry(ctx, "put "+key, func() error {
		_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		return err
	})
}

// GetRange downloads the whole of key into a buffer pre-sized to size
// bytes using the s3manager concurrent-part downloader. No Range header is
// sent; the reclaim engine reads objects through GetUncached instead.
func (c *Client) GetRange(ctx context.Context, key string, size int64) ([]byte, error) {
	buf := manager.NewWriteAtBuffer(make([]byte, size))
	downloader := manager.NewDownloader(downloaderClient{c.api})
	err := c.retry(ctx, "get-range "+key, func() error {
		_, err := downloader.Download(ctx, buf, &s3.GetObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// downloaderClient adapts S3API to manager.DownloadAPIClient (GetObject
// only, which is all the concurrent-part downloader needs).
type downloaderClient struct{ S3API }

// Head returns key's size without fetching its body.
func (c *Client) Head(ctx context.Context, key string) (int64, error) {
	var size int64
	err := c.retry(ctx, "head "+key, func() error {
		out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(key)})
		if err != nil {
			return err
		}
		if out.ContentLength != nil {
			size = *out.ContentLength
		}
		return nil
	})
	return size, err
}

// ListObjects lists keys under prefix, starting after startAfter,
// optionally grouping by delimiter "/".
func (c *Client) ListObjects(ctx context.Context, prefix, startAfter string, delimited bool) ([]string, error) {
	var keys []string
	in := &s3.ListObjectsV2Input{Bucket: aws.String(c.bucket), Prefix: aws.String(prefix)}
	if startAfter != "" {
		in.StartAfter = aws.String(startAfter)
	}
	if delimited {
		in.Delimiter = aws.String("/")
	}
	for {
		var out *s3.ListObjectsV2Output
		err := c.retry(ctx, "list "+prefix, func() error {
			o, err := c.api.ListObjectsV2(ctx, in)
			if err != nil {
				return err
			}
			out = o
			return nil
		})
		if err != nil {
			return nil, err
		}
		for _, o := range out.Contents {
			keys = append(keys, aws.ToString(o.Key))
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		in.ContinuationToken = out.NextContinuationToken
	}
	return keys, nil
}

// ListPrefixes lists common prefixes ("directories") under prefix.
func (c *Client) ListPrefixes(ctx context.Context, prefix string) ([]string, error) {
	var prefixes []string
	in := &s3.ListObjectsV2Input{Bucket: aws.String(c.bucket), Prefix: aws.String(prefix), Delimiter: aws.String("/")}
	err := c.retry(ctx, "list-prefixes "+prefix, func() error {
		out, err := c.api.ListObjectsV2(ctx, in)
		if err != nil {
			return err
		}
		for _, p := range out.CommonPrefixes {
			prefixes = append(prefixes, aws.ToString(p.Prefix))
		}
		return nil
	})
	return prefixes, err
}

// DeleteObjects deletes keys in batches of at most 1000 (the S3 API
// limit, named explicitly in §4.A).
func (c *Client) DeleteObjects(ctx context.Context, keys <-chan string) error {
	const maxBatch = 1000
	batch := make([]string, 0, maxBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		objs := make([]types.ObjectIdentifier, len(batch))
		for i, k := range batch {
			objs[i] = types.ObjectIdentifier{Key: aws.String(k)}
		}
		err := c.retry(ctx, "delete-objects", func() error {
			_, err := c.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(c.bucket),
				Delete: &types.Delete{Objects: objs},
			})
			return err
		})
		if err == nil {
			for _, k := range batch {
				c.cacheInvalidate(k)
			}
		}
		batch = batch[:0]
		return err
	}
	for k := range keys {
		batch = append(batch, k)
		if len(batch) == maxBatch {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// retry implements the exponential-backoff-with-jitter policy of §4.A: all
// errors retried except unambiguous 4xx (400/403/404/405/412/413); an
// optional context deadline bounds total retry duration. Crossing
// longOpWarn only affects logging, never whether the operation continues.
func (c *Client) retry(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	attempt := 0
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return zerr.Wrapf(err, "objclient: %s (non-retryable)", op)
		}
		select {
		case <-ctx.Done():
			return zerr.Wrapf(ctx.Err(), "objclient: %s (deadline exceeded after %d attempts)", op, attempt)
		default:
		}
		attempt++
		if since := time.Since(start); since > c.longOpWarn {
			nlog.Warningf("objclient: %s has been retrying for %s (attempt %d): %v", op, since, attempt, err)
		}
		backoff := jitterBackoff(attempt, c.retryMinMs, c.retryMaxMs)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return zerr.Wrapf(ctx.Err(), "objclient: %s (deadline exceeded after %d attempts)", op, attempt)
		}
	}
}

func jitterBackoff(attempt, minMs, maxMs int) time.Duration {
	base := 1 << attempt // exponential
	if base > 60 {
		base = 60
	}
	jitter := minMs
	if maxMs > minMs {
		jitter += rand.Intn(maxMs - minMs)
	}
	return time.Duration(base)*time.Second*time.Duration(jitter) / time.Duration(2000)
}

// isRetryable classifies errors per §4.A by HTTP status alone: the
// unambiguous 4xx client errors (400/403/404/405/412/413) are not retried;
// everything else (network blips, 5xx, throttling) is. Auth or service
// errors that carry any other status, or no HTTP response at all, are
// retried like transient errors.
func isRetryable(err error) bool {
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		switch re.HTTPStatusCode() {
		case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound,
			http.StatusMethodNotAllowed, http.StatusPreconditionFailed, http.StatusRequestEntityTooLarge:
			return false
		}
	}
	return true
}

func (c *Client) cacheGet(key string) ([]byte, bool) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	el, ok := c.cacheIdx[key]
	if !ok {
		return nil, false
	}
	c.cacheLRU.MoveToFront(el)
	return el.Value.(*cacheNode).bytes, true
}

func (c *Client) cachePut(key string, b []byte) {
	if c.cacheCap <= 0 {
		return
	}
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	if el, ok := c.cacheIdx[key]; ok {
		el.Value.(*cacheNode).bytes = b
		c.cacheLRU.MoveToFront(el)
		return
	}
	el := c.cacheLRU.PushFront(&cacheNode{key: key, bytes: b})
	c.cacheIdx[key] = el
	for c.cacheLRU.Len() > c.cacheCap {
		back := c.cacheLRU.Back()
		c.cacheLRU.Remove(back)
		delete(c.cacheIdx, back.Value.(*cacheNode).key)
	}
}

func (c *Client) cacheInvalidate(key string) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	if el, ok := c.cacheIdx[key]; ok {
		c.cacheLRU.Remove(el)
		delete(c.cacheIdx, key)
	}
}
