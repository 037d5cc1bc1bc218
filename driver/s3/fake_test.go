package s3

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gobeaver/cloudvfs"
)

// mockAPIError satisfies smithy.APIError for injected provider failures.
type mockAPIError struct {
	code    string
	message string
}

func (e *mockAPIError) Error() string                 { return e.code + ": " + e.message }
func (e *mockAPIError) ErrorCode() string             { return e.code }
func (e *mockAPIError) ErrorMessage() string          { return e.message }
func (e *mockAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

var _ smithy.APIError = (*mockAPIError)(nil)

func noSuchUpload() error {
	return &mockAPIError{code: "NoSuchUpload", message: "the specified upload does not exist"}
}

type fakeObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
	modTime     time.Time
	etag        string
}

type fakeUpload struct {
	key         string
	contentType string
	parts       map[int32][]byte
}

// fakeS3 is an in-memory bucket implementing Client. Continuation tokens
// are the last returned key, so deleting while paging behaves like S3.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]*fakeObject
	uploads map[string]*fakeUpload
	nextID  int
	now     func() time.Time

	listCalls  atomic.Int64
	abortCalls atomic.Int64

	// abortFailures makes the next n aborts fail with InternalError.
	abortFailures int
	// keepOnAbort leaves the session alive after a successful abort.
	keepOnAbort bool
	// failPart makes UploadPart fail for this part number.
	failPart int32
	// failHead fails HeadObject for this key.
	failHead string
}

func newFakeS3(now func() time.Time) *fakeS3 {
	return &fakeS3{
		objects: make(map[string]*fakeObject),
		uploads: make(map[string]*fakeUpload),
		now:     now,
	}
}

func etagOf(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

// put stores an object directly, bypassing the driver.
func (f *fakeS3) put(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = &fakeObject{data: data, modTime: f.now(), etag: etagOf(data)}
}

func (f *fakeS3) get(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[key]
	if !ok {
		return nil, false
	}
	return o.data, true
}

func (f *fakeS3) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	if f.failHead != "" && key == f.failHead {
		return nil, &mockAPIError{code: "InternalError", message: "head failed"}
	}
	o, ok := f.objects[key]
	if !ok {
		return nil, &types.NotFound{Message: aws.String("not found")}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(o.data))),
		ContentType:   aws.String(o.contentType),
		LastModified:  aws.Time(o.modTime),
		ETag:          aws.String(o.etag),
		Metadata:      o.metadata,
	}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("no such key")}
	}
	data := o.data
	out := &s3.GetObjectOutput{LastModified: aws.Time(o.modTime), ETag: aws.String(o.etag)}
	if r := aws.ToString(in.Range); r != "" {
		var start, end int
		if _, err := fmt.Sscanf(r, "bytes=%d-%d", &start, &end); err != nil || start > end || end >= len(data) {
			return nil, &mockAPIError{code: "InvalidRange", message: r}
		}
		out.ContentRange = aws.String(fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
		data = data[start : end+1]
	}
	out.Body = io.NopCloser(bytes.NewReader(data))
	out.ContentLength = aws.Int64(int64(len(data)))
	return out, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	var data []byte
	if in.Body != nil {
		var err error
		if data, err = io.ReadAll(in.Body); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	o := &fakeObject{
		data:        data,
		contentType: aws.ToString(in.ContentType),
		metadata:    in.Metadata,
		modTime:     f.now(),
		etag:        etagOf(data),
	}
	f.objects[aws.ToString(in.Key)] = o
	return &s3.PutObjectOutput{ETag: aws.String(o.etag)}, nil
}

func (f *fakeS3) CopyObject(ctx context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	source := aws.ToString(in.CopySource)
	_, escaped, _ := strings.Cut(source, "/")
	srcKey, err := url.PathUnescape(escaped)
	if err != nil {
		return nil, &mockAPIError{code: "InvalidArgument", message: source}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	src, ok := f.objects[srcKey]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("no such key")}
	}
	cp := &fakeObject{
		data:        append([]byte(nil), src.data...),
		contentType: src.contentType,
		metadata:    src.metadata,
		modTime:     f.now(),
		etag:        src.etag,
	}
	if in.MetadataDirective == types.MetadataDirectiveReplace {
		cp.contentType = aws.ToString(in.ContentType)
		cp.metadata = in.Metadata
	}
	f.objects[aws.ToString(in.Key)] = cp
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.listCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := aws.ToString(in.Prefix)
	delimiter := aws.ToString(in.Delimiter)
	after := aws.ToString(in.ContinuationToken)
	maxKeys := int(aws.ToInt32(in.MaxKeys))
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	// Elements are keys or common prefixes, both in key order.
	type element struct {
		name     string
		isPrefix bool
	}
	var elems []element
	for _, k := range keys {
		e := element{name: k}
		if delimiter != "" {
			if i := strings.Index(k[len(prefix):], delimiter); i >= 0 {
				e = element{name: k[:len(prefix)+i+len(delimiter)], isPrefix: true}
			}
		}
		if len(elems) > 0 && elems[len(elems)-1] == e {
			continue
		}
		if after != "" && e.name <= after {
			continue
		}
		elems = append(elems, e)
	}

	out := &s3.ListObjectsV2Output{Prefix: in.Prefix, IsTruncated: aws.Bool(false)}
	if len(elems) > maxKeys {
		elems = elems[:maxKeys]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(elems[len(elems)-1].name)
	}
	for _, e := range elems {
		if e.isPrefix {
			out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(e.name)})
			continue
		}
		o := f.objects[e.name]
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(e.name),
			Size:         aws.Int64(int64(len(o.data))),
			LastModified: aws.Time(o.modTime),
			ETag:         aws.String(o.etag),
		})
	}
	out.KeyCount = aws.Int32(int32(len(elems)))
	return out, nil
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := "upload-" + strconv.Itoa(f.nextID)
	f.uploads[id] = &fakeUpload{
		key:         aws.ToString(in.Key),
		contentType: aws.ToString(in.ContentType),
		parts:       make(map[int32][]byte),
	}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id), Key: in.Key}, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n := aws.ToInt32(in.PartNumber)
	if f.failPart != 0 && n == f.failPart {
		return nil, &mockAPIError{code: "InternalError", message: "part failed"}
	}
	u, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, noSuchUpload()
	}
	u.parts[n] = data
	return &s3.UploadPartOutput{ETag: aws.String(etagOf(data))}, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(in.UploadId)
	u, ok := f.uploads[id]
	if !ok {
		return nil, noSuchUpload()
	}
	var body []byte
	last := int32(0)
	for _, p := range in.MultipartUpload.Parts {
		n := aws.ToInt32(p.PartNumber)
		if n <= last {
			return nil, &mockAPIError{code: "InvalidPartOrder", message: "parts out of order"}
		}
		last = n
		data, ok := u.parts[n]
		if !ok || etagOf(data) != aws.ToString(p.ETag) {
			return nil, &mockAPIError{code: "InvalidPart", message: strconv.Itoa(int(n))}
		}
		body = append(body, data...)
	}
	o := &fakeObject{
		data:        body,
		contentType: u.contentType,
		modTime:     f.now(),
		etag:        fmt.Sprintf(`"%s-%d"`, strings.Trim(etagOf(body), `"`), len(in.MultipartUpload.Parts)),
	}
	f.objects[u.key] = o
	delete(f.uploads, id)
	return &s3.CompleteMultipartUploadOutput{ETag: aws.String(o.etag), Key: aws.String(u.key)}, nil
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.abortCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.abortFailures > 0 {
		f.abortFailures--
		return nil, &mockAPIError{code: "InternalError", message: "abort failed"}
	}
	id := aws.ToString(in.UploadId)
	if _, ok := f.uploads[id]; !ok {
		return nil, noSuchUpload()
	}
	if !f.keepOnAbort {
		delete(f.uploads, id)
	}
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) ListParts(ctx context.Context, in *s3.ListPartsInput, _ ...func(*s3.Options)) (*s3.ListPartsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, noSuchUpload()
	}
	out := &s3.ListPartsOutput{UploadId: in.UploadId}
	for n, data := range u.parts {
		out.Parts = append(out.Parts, types.Part{PartNumber: aws.Int32(n), ETag: aws.String(etagOf(data))})
	}
	return out, nil
}

func (f *fakeS3) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

var _ Client = (*fakeS3)(nil)

// countingPresigner signs offline with a real presign client and counts
// download signatures.
type countingPresigner struct {
	*s3.PresignClient
	gets atomic.Int64
}

func (p *countingPresigner) PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	p.gets.Add(1)
	return p.PresignClient.PresignGetObject(ctx, in, optFns...)
}

func newPresigner() *countingPresigner {
	client := s3.New(s3.Options{
		Region:       "us-east-1",
		Credentials:  credentials.NewStaticCredentialsProvider("AKIDEXAMPLE", "SECRETEXAMPLE", ""),
		BaseEndpoint: aws.String("https://s3.example.com"),
		UsePathStyle: true,
	})
	return &countingPresigner{PresignClient: s3.NewPresignClient(client)}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeRegistry struct {
	mu      sync.Mutex
	deleted []string
}

func (r *fakeRegistry) DeleteByKey(ctx context.Context, storageConfigID, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, storageConfigID+":"+key)
	return nil
}

// env is one driver on a fake bucket, mounted at /docs.
type env struct {
	driver    *Driver
	fake      *fakeS3
	presigner *countingPresigner
	clock     *fakeClock
	registry  *fakeRegistry
	mount     *cloudvfs.Mount
	conf      *cloudvfs.Config
}

func testStorageConfig(id string) *cloudvfs.StorageConfig {
	return &cloudvfs.StorageConfig{
		ID:              id,
		Name:            "account " + id,
		StorageType:     cloudvfs.StorageTypeS3,
		Provider:        cloudvfs.ProviderOther,
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
		EndpointURL:     "https://s3.example.com",
		BucketName:      "bucket-" + id,
	}
}

func newEnv(t *testing.T, tweak ...func(cfg *cloudvfs.StorageConfig, conf *cloudvfs.Config)) *env {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfg := testStorageConfig("a")
	conf := &cloudvfs.Config{AbortRetryBaseDelayMS: 1, PageSize: 2}
	for _, fn := range tweak {
		fn(cfg, conf)
	}
	conf.WithDefaults()

	dirCache, err := cloudvfs.NewDirCache(64, clock, nil)
	require.NoError(t, err)
	urlCache, err := cloudvfs.NewURLCache(64, time.Hour, clock, nil)
	require.NoError(t, err)

	fake := newFakeS3(clock.Now)
	presigner := newPresigner()
	registry := &fakeRegistry{}
	d, err := New(cfg, cloudvfs.Deps{
		Config:   conf,
		DirCache: dirCache,
		URLCache: urlCache,
		Registry: registry,
		Logger:   zaptest.NewLogger(t),
		Clock:    clock,
	}, WithClient(fake, presigner))
	require.NoError(t, err)
	require.NoError(t, d.Initialize(context.Background()))

	return &env{
		driver:    d,
		fake:      fake,
		presigner: presigner,
		clock:     clock,
		registry:  registry,
		mount:     &cloudvfs.Mount{ID: "m1", Path: "/docs", StorageType: cloudvfs.StorageTypeS3, StorageConfigID: cfg.ID, Active: true, CacheTTL: 60},
		conf:      conf,
	}
}

func (e *env) target(subPath string) cloudvfs.Target {
	return cloudvfs.Target{Mount: e.mount, SubPath: subPath}
}
