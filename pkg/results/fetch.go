package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Format 结果文件格式
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// ParseFormat 默认 csv
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported result format %q", s)
	}
}

// ErrResultNotReady 任务还没有结果文件
var ErrResultNotReady = errors.New("results: result file not available yet")

// ErrResultTooLarge 结果文件超过可读取上限
var ErrResultTooLarge = errors.New("results: result file too large")

// maxResultBytes 结果文件上限
const maxResultBytes = 64 << 20

// Dataset 解析后的结果；CSV 填 Header/Rows，JSON 填 Records
type Dataset struct {
	Format  Format            `json:"format"`
	Header  []string          `json:"header,omitempty"`
	Rows    [][]string        `json:"rows,omitempty"`
	Records []json.RawMessage `json:"records,omitempty"`
	Limited bool              `json:"limited"`
}

// Len 数据行数（不含表头）
func (d *Dataset) Len() int {
	if d.Format == FormatJSON {
		return len(d.Records)
	}
	return len(d.Rows)
}

// Fetcher 下载并解析结果文件
type Fetcher struct {
	httpClient  *http.Client
	previewRows int
	maxBytes    int64
}

// NewFetcher previewRows <= 0 时使用默认值
func NewFetcher(previewRows int) *Fetcher {
	if previewRows <= 0 {
		previewRows = DefaultPreviewRows
	}
	return &Fetcher{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		previewRows: previewRows,
		maxBytes:    maxResultBytes,
	}
}

// WithHTTPClient 替换底层 http.Client（测试用）
func (f *Fetcher) WithHTTPClient(hc *http.Client) *Fetcher {
	f.httpClient = hc
	return f
}

// Fetch isLimited 为 true 时只保留预览行
func (f *Fetcher) Fetch(ctx context.Context, url string, format Format, isLimited bool) (*Dataset, error) {
	if strings.TrimSpace(url) == "" {
		return nil, ErrResultNotReady
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch results: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch results: status %d", resp.StatusCode)
	}
	// 多读一个字节，超限时报错而不是解析半截文件
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("fetch results: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("%w: over %d bytes", ErrResultTooLarge, f.maxBytes)
	}

	limit := 0
	if isLimited {
		limit = f.previewRows
	}

	ds := &Dataset{Format: format, Limited: isLimited}
	switch format {
	case FormatJSON:
		if ds.Records, err = ParseJSON(data, limit); err != nil {
			return nil, err
		}
	default:
		table, err := ParseCSV(data, limit)
		if err != nil {
			return nil, err
		}
		ds.Format = FormatCSV
		ds.Header = table.Header()
		ds.Rows = table.Data()
		if ds.Rows == nil {
			ds.Rows = [][]string{}
		}
	}
	return ds, nil
}
