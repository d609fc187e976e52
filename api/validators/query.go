package validators

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	pkgerrors "github.com/angelmondragon/tabsplit-backend/pkg/errors"
)

// Query reads URL parameters and collects every problem so a single 400
// lists all bad fields.
type Query struct {
	values url.Values
	errs   map[string]string
}

func NewQuery(r *http.Request) *Query {
	return &Query{values: r.URL.Query(), errs: map[string]string{}}
}

// String returns the trimmed value of key, or "" when absent.
func (q *Query) String(key string) string {
	return strings.TrimSpace(q.values.Get(key))
}

// Int returns key as an int within [lo, hi], or def when absent.
func (q *Query) Int(key string, def, lo, hi int) int {
	raw := q.String(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	switch {
	case err != nil:
		q.errs[key] = "must be numeric"
	case n < lo || n > hi:
		q.errs[key] = fmt.Sprintf("must be between %d and %d", lo, hi)
	default:
		return n
	}
	return def
}

// Err returns a validation error listing every rejected parameter.
func (q *Query) Err() error {
	if len(q.errs) == 0 {
		return nil
	}
	return pkgerrors.New(pkgerrors.CodeValidation, "invalid query parameters").WithDetails(q.errs)
}
