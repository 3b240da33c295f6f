// Package results 读取抓取结果文件（CSV/JSON），支持预览截断与分页
package results

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DefaultPreviewRows 额度不足时最多展示的数据行
const DefaultPreviewRows = 5

// ErrUnsupportedJSON 顶层既不是数组也不是 {data: [...]}
var ErrUnsupportedJSON = errors.New("results: unsupported JSON shape")

// Table CSV 解析结果；Rows 的第一行为表头
type Table struct {
	Rows [][]string `json:"rows"`
}

// Header 表头
func (t Table) Header() []string {
	if len(t.Rows) == 0 {
		return nil
	}
	return t.Rows[0]
}

// Data 数据行
func (t Table) Data() [][]string {
	if len(t.Rows) <= 1 {
		return nil
	}
	return t.Rows[1:]
}

// ParseCSV 支持带引号的字段；limit > 0 时保留表头 + limit 行
func ParseCSV(data []byte, limit int) (Table, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var rows [][]string
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Table{}, fmt.Errorf("parse csv: %w", err)
		}
		rows = append(rows, record)
		if limit > 0 && len(rows) > limit {
			break
		}
	}
	return Table{Rows: rows}, nil
}

// ParseJSON 接受顶层数组或 {data: [...]}；limit > 0 时截断为 limit 行
func ParseJSON(data []byte, limit int) ([]json.RawMessage, error) {
	data = bytes.TrimSpace(data)
	var rows []json.RawMessage
	switch {
	case len(data) == 0:
		return []json.RawMessage{}, nil
	case data[0] == '[':
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	case data[0] == '{':
		var wrapper struct {
			Data []json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &wrapper); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
		if wrapper.Data == nil {
			return nil, ErrUnsupportedJSON
		}
		rows = wrapper.Data
	default:
		return nil, ErrUnsupportedJSON
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	if rows == nil {
		rows = []json.RawMessage{}
	}
	return rows, nil
}
