package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const filenameMetaKey = "Filename"

// MinIOOptions configures an S3-compatible object store backend.
type MinIOOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
}

// ObjectStore keeps each blob as one object under "<collection>/<id>".
type ObjectStore struct {
	client *minio.Client
	bucket string
	region string
}

// NewObjectStore builds a MinIO client for opts.
func NewObjectStore(opts MinIOOptions) (*ObjectStore, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure:    opts.UseSSL,
		Region:    opts.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return NewObjectStoreWithClient(client, opts.Bucket, opts.Region)
}

// NewObjectStoreWithClient wraps an existing client.
func NewObjectStoreWithClient(client *minio.Client, bucket, region string) (*ObjectStore, error) {
	if client == nil {
		return nil, errors.New("minio client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("bucket is required")
	}
	return &ObjectStore{client: client, bucket: bucket, region: region}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *ObjectStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return unavailable("blobstore.minio.ensure_bucket", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return unavailable("blobstore.minio.ensure_bucket", err)
	}
	return nil
}

func (s *ObjectStore) Put(ctx context.Context, collection Collection, data []byte, mediaType, filename string) (Ref, error) {
	if err := checkPut(collection, data); err != nil {
		return Ref{}, err
	}
	id, err := NewID()
	if err != nil {
		return Ref{}, err
	}
	opts := minio.PutObjectOptions{
		ContentType:  mediaType,
		UserMetadata: map[string]string{filenameMetaKey: url.QueryEscape(filename)},
	}
	_, err = s.client.PutObject(ctx, s.bucket, objectKey(collection, id), bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return Ref{}, unavailable("blobstore.minio.put", err)
	}
	return Ref{ID: id, Collection: collection, MediaType: mediaType, Filename: filename}, nil
}

func (s *ObjectStore) Get(ctx context.Context, collection Collection, id string) (*Blob, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey(collection, id), minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyMinIO("blobstore.minio.get", err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return nil, classifyMinIO("blobstore.minio.get", err)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classifyMinIO("blobstore.minio.get", err)
	}
	return &Blob{Metadata: objectMetadata(collection, id, info), Data: data}, nil
}

func (s *ObjectStore) Stat(ctx context.Context, collection Collection, id string) (Metadata, error) {
	if !validID(id) {
		return Metadata{}, ErrNotFound
	}
	info, err := s.client.StatObject(ctx, s.bucket, objectKey(collection, id), minio.StatObjectOptions{})
	if err != nil {
		return Metadata{}, classifyMinIO("blobstore.minio.stat", err)
	}
	return objectMetadata(collection, id, info), nil
}

func (s *ObjectStore) List(ctx context.Context, collection Collection) iter.Seq2[Metadata, error] {
	return func(yield func(Metadata, error) bool) {
		listCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		objects := s.client.ListObjects(listCtx, s.bucket, minio.ListObjectsOptions{
			Prefix:       string(collection) + "/",
			Recursive:    true,
			WithMetadata: true,
		})
		for info := range objects {
			if info.Err != nil {
				yield(Metadata{}, classifyMinIO("blobstore.minio.list", info.Err))
				return
			}
			id, ok := idFromKey(collection, info.Key)
			if !ok {
				continue
			}
			if !yield(objectMetadata(collection, id, info), nil) {
				return
			}
		}
	}
}

func (s *ObjectStore) Ping(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return unavailable("blobstore.minio.ping", err)
	}
	if !exists {
		return unavailable("blobstore.minio.ping", fmt.Errorf("bucket missing: %s", s.bucket))
	}
	return nil
}

func (s *ObjectStore) Close() error {
	return nil
}

func objectKey(collection Collection, id string) string {
	return string(collection) + "/" + id
}

func idFromKey(collection Collection, key string) (string, bool) {
	id, ok := strings.CutPrefix(key, string(collection)+"/")
	if !ok || !validID(id) {
		return "", false
	}
	return id, true
}

func objectMetadata(collection Collection, id string, info minio.ObjectInfo) Metadata {
	return Metadata{
		Ref: Ref{
			ID:         id,
			Collection: collection,
			MediaType:  info.ContentType,
			Filename:   userMetadata(info.UserMetadata, filenameMetaKey),
		},
		Size:      info.Size,
		CreatedAt: info.LastModified.UTC(),
	}
}

// userMetadata looks up a user metadata value. Stat responses carry bare
// keys, listings carry the X-Amz-Meta- prefix.
func userMetadata(meta map[string]string, name string) string {
	for k, v := range meta {
		k = strings.TrimPrefix(strings.ToLower(k), "x-amz-meta-")
		if k == strings.ToLower(name) {
			if unescaped, err := url.QueryUnescape(v); err == nil {
				return unescaped
			}
			return v
		}
	}
	return ""
}

// classifyMinIO maps only a missing key to ErrNotFound. Any other 404, such
// as NoSuchBucket, means the store itself is broken.
func classifyMinIO(op string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return ErrNotFound
	}
	return unavailable(op, err)
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
