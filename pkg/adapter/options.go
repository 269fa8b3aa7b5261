package adapter

// Record is the opaque JSON payload carried across the adapter contract.
// Top-level keys must be a subset of the entity's schema field names.
type Record = map[string]interface{}

// DefaultLimit is the page size applied when ListOptions.Limit is zero.
const DefaultLimit = 50

// ListOptions selects a page of records. Filter carries equality predicates
// on scalar values; Page is 1-based.
type ListOptions struct {
	Filter Record
	Sort   map[string]string
	Page   int
	Limit  int
}

// Normalize applies the default page size and clamps the page number.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = DefaultLimit
	}
	if o.Page < 1 {
		o.Page = 1
	}
	return o
}

// Offset returns the row offset implied by the page and limit.
func (o ListOptions) Offset() int {
	return (o.Page - 1) * o.Limit
}

// ListResult is a materialised page of records.
type ListResult struct {
	Items []Record `json:"items"`
	Total int      `json:"total"`
	Page  int      `json:"page"`
	Limit int      `json:"limit"`
}
