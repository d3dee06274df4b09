package core

import (
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeRows serves canned wire-text values through the pgx.Rows surface.
type fakeRows struct {
	rows [][][]byte
	idx  int
	err  error
}

func textRow(vals ...any) [][]byte {
	row := make([][]byte, len(vals))
	for i, v := range vals {
		switch tv := v.(type) {
		case nil:
			row[i] = nil
		case string:
			row[i] = []byte(tv)
		case []byte:
			row[i] = tv
		}
	}
	return row
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}
func (r *fakeRows) Scan(dest ...any) error { return nil }
func (r *fakeRows) Values() ([]any, error) { return nil, nil }
func (r *fakeRows) RawValues() [][]byte    { return r.rows[r.idx-1] }
func (r *fakeRows) Conn() *pgx.Conn        { return nil }

var _ pgx.Rows = (*fakeRows)(nil)
