package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseCSVQuotedFields(t *testing.T) {
	table, err := ParseCSV([]byte("name,count\n\"Smith, John\",42\n"), 0)
	if err != nil {
		t.Fatalf("ParseCSV() error = %v", err)
	}
	row := table.Data()[0]
	if len(row) != 2 || row[0] != "Smith, John" || row[1] != "42" {
		t.Fatalf("row = %q, want [Smith, John] [42]", row)
	}
	if strings.Join(table.Header(), "|") != "name|count" {
		t.Fatalf("header = %q", table.Header())
	}
}

func TestParseCSVEmbeddedNewlineAndBOM(t *testing.T) {
	table, err := ParseCSV([]byte("\xef\xbb\xbfname,address\n\"Cafe\",\"1 Main St\nSuite 2\"\n"), 0)
	if err != nil {
		t.Fatalf("ParseCSV() error = %v", err)
	}
	if table.Header()[0] != "name" {
		t.Fatalf("BOM not stripped: %q", table.Header()[0])
	}
	if got := table.Data()[0][1]; got != "1 Main St\nSuite 2" {
		t.Fatalf("address = %q", got)
	}
}

func csvRows(n int) []byte {
	var b strings.Builder
	b.WriteString("name,phone\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "\"Place %d, Inc\",555-%04d\n", i, i)
	}
	return []byte(b.String())
}

func jsonRows(n int) []byte {
	rows := make([]map[string]interface{}, n)
	for i := range rows {
		rows[i] = map[string]interface{}{"name": fmt.Sprintf("Place %d", i)}
	}
	data, _ := json.Marshal(rows)
	return data
}

func TestPreviewTruncation(t *testing.T) {
	table, err := ParseCSV(csvRows(20), DefaultPreviewRows)
	if err != nil {
		t.Fatalf("ParseCSV() error = %v", err)
	}
	if len(table.Rows) != 6 {
		t.Fatalf("csv preview has %d rows, want 6 (header + 5)", len(table.Rows))
	}

	records, err := ParseJSON(jsonRows(20), DefaultPreviewRows)
	if err != nil {
		t.Fatalf("ParseJSON() error = %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("json preview has %d rows, want 5", len(records))
	}
}

func TestParseJSONShapes(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr error
	}{
		{"array", `[{"a":1},{"a":2}]`, 2, nil},
		{"wrapper", `{"data":[{"a":1},{"a":2},{"a":3}]}`, 3, nil},
		{"empty", ``, 0, nil},
		{"object without data", `{"items":[]}`, 0, ErrUnsupportedJSON},
		{"scalar", `42`, 0, ErrUnsupportedJSON},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := ParseJSON([]byte(tt.input), 0)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil || len(rows) != tt.want {
				t.Fatalf("ParseJSON() = %d rows, %v", len(rows), err)
			}
		})
	}
}

func TestPaginate(t *testing.T) {
	rows := make([]int, 23)
	for i := range rows {
		rows[i] = i
	}

	page, info := Paginate(rows, 3, 10)
	if len(page) != 3 || page[0] != 20 || info.TotalPages != 3 || info.Total != 23 {
		t.Fatalf("page 3 = %v %+v", page, info)
	}
	page, info = Paginate(rows, 0, 0)
	if len(page) != DefaultPerPage || info.Page != 1 {
		t.Fatalf("defaults = %v %+v", page, info)
	}
	page, _ = Paginate(rows, 9, 10)
	if len(page) != 0 {
		t.Fatalf("out of range page should be empty, got %v", page)
	}
}

func TestFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/result.csv":
			_, _ = w.Write(csvRows(20))
		case "/result.json":
			_, _ = w.Write([]byte(`{"data":` + string(jsonRows(20)) + `}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	f := NewFetcher(0).WithHTTPClient(srv.Client())
	ctx := context.Background()

	ds, err := f.Fetch(ctx, srv.URL+"/result.csv", FormatCSV, true)
	if err != nil {
		t.Fatalf("Fetch(csv) error = %v", err)
	}
	if len(ds.Header) != 2 || ds.Len() != 5 || !ds.Limited {
		t.Fatalf("limited csv = header %v, %d rows", ds.Header, ds.Len())
	}

	ds, err = f.Fetch(ctx, srv.URL+"/result.csv", FormatCSV, false)
	if err != nil || ds.Len() != 20 {
		t.Fatalf("full csv = %d rows, %v", ds.Len(), err)
	}

	ds, err = f.Fetch(ctx, srv.URL+"/result.json", FormatJSON, true)
	if err != nil || ds.Len() != 5 {
		t.Fatalf("limited json = %d rows, %v", ds.Len(), err)
	}

	if _, err := f.Fetch(ctx, srv.URL+"/missing.csv", FormatCSV, false); err == nil {
		t.Fatalf("expected error for 404")
	}
	if _, err := f.Fetch(ctx, "", FormatCSV, false); !errors.Is(err, ErrResultNotReady) {
		t.Fatalf("expected ErrResultNotReady, got %v", err)
	}
}

func TestFetcherRejectsOversizedFile(t *testing.T) {
	body := csvRows(20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	f := NewFetcher(0).WithHTTPClient(srv.Client())
	f.maxBytes = int64(len(body) - 1)
	if _, err := f.Fetch(context.Background(), srv.URL, FormatCSV, false); !errors.Is(err, ErrResultTooLarge) {
		t.Fatalf("expected ErrResultTooLarge, got %v", err)
	}

	// 正好等于上限时完整解析
	f.maxBytes = int64(len(body))
	ds, err := f.Fetch(context.Background(), srv.URL, FormatCSV, false)
	if err != nil || ds.Len() != 20 {
		t.Fatalf("exact-size file = %v rows, %v", ds, err)
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat(""); err != nil || f != FormatCSV {
		t.Fatalf("ParseFormat(\"\") = %s, %v", f, err)
	}
	if f, err := ParseFormat("JSON"); err != nil || f != FormatJSON {
		t.Fatalf("ParseFormat(JSON) = %s, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Fatalf("expected error for xml")
	}
}
