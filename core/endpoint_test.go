package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConvertName(t *testing.T) {
	cases := map[string]string{
		"user_id":       "userId",
		"_private":      "private",
		"__x":           "x",
		"get_user_info": "getUserInfo",
		"already":       "already",
		"a_b_c":         "aBC",
		"":              "",
		"_":             "",
		"snake_2_case":  "snake2Case",
	}
	for in, want := range cases {
		assert.Equal(t, want, ConvertName(in), "input %q", in)
	}
}

func TestPathSegment(t *testing.T) {
	assert.Equal(t, "get-user-info", PathSegment("get_user_info"))
	assert.Equal(t, "private", PathSegment("_private"))
	assert.Equal(t, "plain", PathSegment("plain"))
}

func TestItoa(t *testing.T) {
	assert.Equal(t, "0", itoa(0))
	assert.Equal(t, "7", itoa(7))
	assert.Equal(t, "42", itoa(42))
	assert.Equal(t, "1234", itoa(1234))
}

func TestMetadataTableLookup(t *testing.T) {
	one := &Entry{
		Routine:  &Routine{Parameters: make([]Parameter, 1)},
		Endpoint: &RoutineEndpoint{Method: "GET", Path: "/api/users"},
	}
	two := &Entry{
		Routine:  &Routine{Parameters: make([]Parameter, 2)},
		Endpoint: &RoutineEndpoint{Method: "GET", Path: "/api/users"},
	}
	tbl := &MetadataTable{
		Entries: []*Entry{one, two},
		Lookup:  map[string]*Entry{one.Key(): one},
		Overloads: map[string]*Entry{
			one.Key() + "/1": one,
			one.Key() + "/2": two,
		},
	}

	e, ok := tbl.Get("GET", "/api/users")
	assert.True(t, ok)
	assert.Same(t, one, e)

	_, ok = tbl.Get("POST", "/api/users")
	assert.False(t, ok)

	e, ok = tbl.Overload("GET", "/api/users", 2)
	assert.True(t, ok)
	assert.Same(t, two, e)

	_, ok = tbl.Overload("GET", "/api/users", 3)
	assert.False(t, ok)
}

func TestMetadataTableAddLatestWins(t *testing.T) {
	first := &Entry{
		Routine:  &Routine{Parameters: make([]Parameter, 1)},
		Endpoint: &RoutineEndpoint{Method: "GET", Path: "/api/users"},
	}
	second := &Entry{
		Routine:  &Routine{},
		Endpoint: &RoutineEndpoint{Method: "GET", Path: "/api/users"},
	}
	tbl := &MetadataTable{Lookup: map[string]*Entry{}, Overloads: map[string]*Entry{}}
	tbl.add(first)
	tbl.add(second)

	// the latest registration takes the primary lookup
	e, ok := tbl.Get("GET", "/api/users")
	assert.True(t, ok)
	assert.Same(t, second, e)

	// the displaced entry stays reachable by its parameter count
	e, ok = tbl.Overload("GET", "/api/users", 1)
	assert.True(t, ok)
	assert.Same(t, first, e)

	assert.Len(t, tbl.Entries, 2)
}

func TestEndpointHasRole(t *testing.T) {
	open := &RoutineEndpoint{}
	assert.True(t, open.HasRole(nil))
	assert.True(t, open.HasRole([]string{"anything"}))

	admin := &RoutineEndpoint{AuthorizeRoles: map[string]struct{}{"admin": {}}}
	assert.True(t, admin.HasRole([]string{"user", "admin"}))
	assert.False(t, admin.HasRole([]string{"user"}))
	assert.False(t, admin.HasRole(nil))
}

func TestRetryStrategy(t *testing.T) {
	rs := RetryStrategy{
		RetrySequence: []time.Duration{time.Millisecond, 2 * time.Millisecond},
		ErrorCodes:    []string{"40001", "40P01"},
	}
	assert.Equal(t, 3, rs.MaxAttempts())
	assert.True(t, rs.Allows("40001"))
	assert.False(t, rs.Allows("23505"))

	var none RetryStrategy
	assert.Equal(t, 1, none.MaxAttempts())
	assert.False(t, none.Allows("40001"))
}

func TestCloneParameters(t *testing.T) {
	tpl := []Parameter{{ActualName: "a"}, {ActualName: "b"}}
	ps := cloneParameters(tpl)
	ps[0].Value = "bound"
	ps[0].Bound = true
	assert.Nil(t, tpl[0].Value)
	assert.False(t, tpl[0].Bound)
	assert.Equal(t, "b", ps[1].ActualName)
}
