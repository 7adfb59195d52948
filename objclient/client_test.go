package objclient

import (
	"bytes"
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type fakeS3 struct {
	gets   atomic.Int32
	data   map[string][]byte
	errSeq map[string][]error // per-key queued errors before success
	delay  time.Duration      // how long each GetObject takes
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.gets.Add(1)
	time.Sleep(f.delay)
	key := aws.ToString(in.Key)
	if errs := f.errSeq[key]; len(errs) > 0 {
		err := errs[0]
		f.errSeq[key] = errs[1:]
		return nil, err
	}
	b, ok := f.data[key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, _ := io.ReadAll(in.Body)
	if f.data == nil {
		f.data = map[string][]byte{}
	}
	f.data[aws.ToString(in.Key)] = b
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	b, ok := f.data[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	n := int64(len(b))
	return &s3.HeadObjectOutput{ContentLength: &n}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var contents []types.Object
	for k := range f.data {
		contents = append(contents, types.Object{Key: aws.String(k)})
	}
	return &s3.ListObjectsV2Output{Contents: contents}, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	for _, o := range in.Delete.Objects {
		delete(f.data, aws.ToString(o.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func TestGetPutRoundTrip(t *testing.T) {
	fake := &fakeS3{data: map[string][]byte{}}
	c := New(fake, "bucket", 100, time.Minute, 1500, 2500)

	if err := c.Put(context.Background(), "k1", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	got, err := c.Get(context.Background(), "k1")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("expected hello, got %q", got)
	}
}

func TestGetCoalescesSingleFlight(t *testing.T) {
	// The slow fake keeps the first GetObject in flight while the other
	// goroutines arrive, so their Gets overlap.
	fake := &fakeS3{data: map[string][]byte{"k": []byte("v")}, delay: 50 * time.Millisecond}
	c := New(fake, "bucket", 0 /* disable cache so every Get hits sf.Do */, time.Minute, 1500, 2500)

	done := make(chan struct{}, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, _ = c.Get(context.Background(), "k")
			done <- struct{}{}
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}
	// single-flight should have coalesced at least some of these concurrent
	// calls into fewer than 4 underlying GetObject calls.
	if fake.gets.Load() >= 4 {
		t.Fatalf("expected single-flight coalescing, got %d GetObject calls", fake.gets.Load())
	}
}
