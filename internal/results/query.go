package results

import (
	"fmt"
	"strings"
)

// Normalize fills defaults and validates the query.
func (q Query) Normalize() (Query, error) {
	switch q.Type {
	case TypeUnused, TypeDuplicate, TypeOversized, TypeFlagged, TypeTrash:
	case "":
		q.Type = TypeUnused
	default:
		return q, fmt.Errorf("%w: unknown type %q", ErrInvalidQuery, q.Type)
	}

	if q.Page < 1 {
		q.Page = 1
	}
	if q.PerPage == 0 {
		q.PerPage = DefaultPerPage
	}
	if q.PerPage < 1 || q.PerPage > MaxPerPage {
		return q, fmt.Errorf("%w: per_page must be between 1 and %d", ErrInvalidQuery, MaxPerPage)
	}

	switch q.OrderBy {
	case "":
		q.OrderBy = OrderByFileSize
	case OrderByFileSize, OrderByUploadDate, OrderByTitle:
	default:
		return q, fmt.Errorf("%w: unknown orderby %q", ErrInvalidQuery, q.OrderBy)
	}

	switch strings.ToLower(q.Order) {
	case "":
		q.Order = "desc"
	case "asc", "desc":
		q.Order = strings.ToLower(q.Order)
	default:
		return q, fmt.Errorf("%w: order must be asc or desc", ErrInvalidQuery)
	}
	return q, nil
}

func (q Query) offset() int {
	return (q.Page - 1) * q.PerPage
}

// orderClause maps the validated sort key to SQL. Ties fall back to the
// attachment ID so paging is stable.
func (q Query) orderClause() string {
	col := map[string]string{
		OrderByFileSize:   "r.file_size",
		OrderByUploadDate: "r.upload_date",
		OrderByTitle:      "r.title COLLATE NOCASE",
	}[q.OrderBy]
	dir := "DESC"
	if q.Order == "asc" {
		dir = "ASC"
	}
	return col + " " + dir + ", r.attachment_id " + dir
}

// normalizeGroupPaging fills defaults and clamps duplicate group paging.
func normalizeGroupPaging(page, perPage int) (int, int, error) {
	if page < 1 {
		page = 1
	}
	if perPage == 0 {
		perPage = DefaultGroupPerPage
	}
	if perPage < 1 || perPage > MaxGroupPerPage {
		return 0, 0, fmt.Errorf("%w: per_page must be between 1 and %d", ErrInvalidQuery, MaxGroupPerPage)
	}
	return page, perPage, nil
}
