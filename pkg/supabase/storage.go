package supabase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SignedURLExpiry 收据/发票链接有效期
const SignedURLExpiry = 60 * time.Second

// Bucket 存储桶
type Bucket struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Public bool   `json:"public"`
}

// StorageClient Supabase Storage，使用 service key
type StorageClient struct {
	*Client
}

// NewStorageClient 创建存储客户端
func NewStorageClient(baseURL, serviceKey string) *StorageClient {
	return &StorageClient{Client: NewClient(baseURL, serviceKey)}
}

func objectPath(bucket, path string) string {
	segments := strings.Split(strings.TrimLeft(path, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return url.PathEscape(bucket) + "/" + strings.Join(segments, "/")
}

// Upload 上传对象（覆盖同名文件）
func (s *StorageClient) Upload(ctx context.Context, bucket, path, contentType string, data []byte) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header := http.Header{}
	header.Set("Content-Type", contentType)
	header.Set("x-upsert", "true")
	if _, err := s.do(ctx, http.MethodPost, "/storage/v1/object/"+objectPath(bucket, path), "", bytes.NewReader(data), header); err != nil {
		return fmt.Errorf("upload %s/%s: %w", bucket, path, err)
	}
	return nil
}

// CreateSignedURL 生成限时下载链接
func (s *StorageClient) CreateSignedURL(ctx context.Context, bucket, path string, expiresIn time.Duration) (string, error) {
	var out struct {
		SignedURL string `json:"signedURL"`
	}
	body := map[string]int64{"expiresIn": int64(expiresIn / time.Second)}
	if err := s.doJSON(ctx, http.MethodPost, "/storage/v1/object/sign/"+objectPath(bucket, path), "", body, &out); err != nil {
		return "", fmt.Errorf("sign %s/%s: %w", bucket, path, err)
	}
	if out.SignedURL == "" {
		return "", fmt.Errorf("sign %s/%s: empty signed url", bucket, path)
	}
	if strings.HasPrefix(out.SignedURL, "http") {
		return out.SignedURL, nil
	}
	return s.baseURL + "/storage/v1" + out.SignedURL, nil
}

// ListBuckets 列出存储桶
func (s *StorageClient) ListBuckets(ctx context.Context) ([]Bucket, error) {
	var buckets []Bucket
	if err := s.doJSON(ctx, http.MethodGet, "/storage/v1/bucket", "", nil, &buckets); err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	return buckets, nil
}

// CreateBucket 创建私有存储桶
func (s *StorageClient) CreateBucket(ctx context.Context, name string) error {
	body := map[string]interface{}{"id": name, "name": name, "public": false}
	if err := s.doJSON(ctx, http.MethodPost, "/storage/v1/bucket", "", body, nil); err != nil {
		return fmt.Errorf("create bucket %s: %w", name, err)
	}
	return nil
}

// EnsureBucket 存储桶不存在时创建
func (s *StorageClient) EnsureBucket(ctx context.Context, name string) error {
	buckets, err := s.ListBuckets(ctx)
	if err != nil {
		return err
	}
	for _, b := range buckets {
		if b.Name == name || b.ID == name {
			return nil
		}
	}
	err = s.CreateBucket(ctx, name)
	// 并发创建时对方可能先成功
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		return nil
	}
	return err
}
