package results

// DefaultPerPage 默认每页行数
const DefaultPerPage = 10

// Page 分页信息
type Page struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// Paginate 对已获取的数据分页；page 从 1 开始，越界时返回空切片
func Paginate[T any](rows []T, page, perPage int) ([]T, Page) {
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	if page <= 0 {
		page = 1
	}
	total := len(rows)
	info := Page{
		Page:       page,
		PerPage:    perPage,
		Total:      total,
		TotalPages: (total + perPage - 1) / perPage,
	}
	start := (page - 1) * perPage
	if start >= total {
		return []T{}, info
	}
	end := start + perPage
	if end > total {
		end = total
	}
	return rows[start:end], info
}
