package types

// PageInfo contains pagination metadata for list responses.
type PageInfo struct {
	Page       int  `json:"page"`
	PageSize   int  `json:"page_size"`
	TotalItems int  `json:"total_items"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
	HasPrev    bool `json:"has_prev"`
}

// NewPageInfo derives the full pagination block from a page request and the
// total row count.
func NewPageInfo(page, pageSize, total int) PageInfo {
	pages := 0
	if pageSize > 0 {
		pages = (total + pageSize - 1) / pageSize
	}
	return PageInfo{
		Page:       page,
		PageSize:   pageSize,
		TotalItems: total,
		TotalPages: pages,
		HasNext:    page < pages,
		HasPrev:    page > 1 && total > 0,
	}
}

// ListResponse is a generic paginated response wrapper.
type ListResponse[T any] struct {
	Data     []T      `json:"data"`
	PageInfo PageInfo `json:"pagination"`
}
