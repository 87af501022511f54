package s3

import (
	"bytes"
	"context"
	"io"
	"testing"
)

type fakeClient struct {
	lastPutBucket      string
	lastPutKey         string
	lastContentType    string
	bucketExists       bool
	createBucketCalled bool
}

func (f *fakeClient) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	f.lastPutBucket = bucket
	f.lastPutKey = key
	f.lastContentType = contentType
	return nil
}

func (f *fakeClient) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return f.bucketExists, nil
}

func (f *fakeClient) CreateBucket(ctx context.Context, bucket, region string) error {
	f.createBucketCalled = true
	return nil
}

func TestPutUsesPrefixAndNormalizedKey(t *testing.T) {
	fake := &fakeClient{}
	store, err := NewWithClient("bucket-a", "tableassist/prod", fake)
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}

	err = store.Put(context.Background(), "/20260829T120000_abc.json", bytes.NewBufferString("{}"), 2, "application/json")
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if fake.lastPutBucket != "bucket-a" {
		t.Fatalf("bucket = %q", fake.lastPutBucket)
	}
	if fake.lastPutKey != "tableassist/prod/20260829T120000_abc.json" {
		t.Fatalf("key = %q", fake.lastPutKey)
	}
	if fake.lastContentType != "application/json" {
		t.Fatalf("content type = %q", fake.lastContentType)
	}
}

func TestPutRejectsPathTraversal(t *testing.T) {
	fake := &fakeClient{}
	store, err := NewWithClient("bucket-a", "", fake)
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}
	if err := store.Put(context.Background(), "../secrets.txt", bytes.NewBufferString("x"), 1, ""); err == nil {
		t.Fatal("expected path traversal validation error")
	}
}

func TestEnsureBucketCreatesWhenMissing(t *testing.T) {
	fake := &fakeClient{bucketExists: false}
	store, err := NewWithClient("bucket-a", "", fake)
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}

	if err := store.ensureBucket(context.Background(), "us-east-1"); err != nil {
		t.Fatalf("ensureBucket() error = %v", err)
	}
	if !fake.createBucketCalled {
		t.Fatal("expected CreateBucket to be called")
	}
}

func TestParseEndpoint(t *testing.T) {
	endpoint, secure, err := parseEndpoint("https://minio.example.com", false)
	if err != nil {
		t.Fatalf("parseEndpoint() error = %v", err)
	}
	if endpoint != "minio.example.com" || !secure {
		t.Fatalf("endpoint/secure = %q/%v", endpoint, secure)
	}
}
