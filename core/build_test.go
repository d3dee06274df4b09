package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataQuery(t *testing.T) {
	q, args := metadataQuery(Config{}.withDefaults())
	assert.Equal(t, defaultMetadataQuery, q)
	require.Len(t, args, 10)
	for _, a := range args {
		assert.Nil(t, a)
	}

	conf := Config{
		MetadataQuery:  "app.introspect",
		SchemaSimilarTo: "public",
		ExcludeNames:    []string{"internal_%"},
	}.withDefaults()
	q, args = metadataQuery(conf)
	assert.Equal(t, "select * from app.introspect($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)", q)
	assert.Equal(t, "public", args[0])
	assert.Equal(t, []string{"internal_%"}, args[7])

	// whitespace means the text is the query itself
	custom := Config{MetadataQuery: "select * from my_view"}.withDefaults()
	q, _ = metadataQuery(custom)
	assert.Equal(t, "select * from my_view", q)
}

func TestDefaultMethod(t *testing.T) {
	cases := map[string]string{
		"get_users":    "GET",
		"select_all":   "GET",
		"find_order":   "GET",
		"list_items":   "GET",
		"create_user":  "POST",
		"insert_row":   "POST",
		"add_comment":  "POST",
		"put_config":   "PUT",
		"upsert_row":   "PUT",
		"update_user":  "PATCH",
		"patch_record": "PATCH",
		"delete_user":  "DELETE",
		"remove_item":  "DELETE",
	}
	for name, want := range cases {
		r := &Routine{Name: name, Volatility: VolatilityVolatile}
		assert.Equal(t, want, defaultMethod(r), "routine %s", name)
	}

	assert.Equal(t, "GET", defaultMethod(&Routine{Name: "compute", Volatility: VolatilityStable}))
	assert.Equal(t, "GET", defaultMethod(&Routine{Name: "compute", Volatility: VolatilityImmutable}))
	assert.Equal(t, "POST", defaultMethod(&Routine{Name: "compute", Volatility: VolatilityVolatile}))
}

func TestDefaultPath(t *testing.T) {
	r := &Routine{Schema: "public", Name: "get_user_info"}
	assert.Equal(t, "/api/get-user-info", defaultPath(r, "/api/"))

	r = &Routine{Schema: "billing", Name: "list_invoices"}
	assert.Equal(t, "/api/billing/list-invoices", defaultPath(r, "/api/"))

	// prefix without a trailing slash
	assert.Equal(t, "/v2/billing/list-invoices", defaultPath(r, "/v2"))
}

func TestClassifyParameters(t *testing.T) {
	r := &Routine{Parameters: []Parameter{
		{ActualName: "_ip_address", ConvertedName: "ipAddress"},
		{ActualName: "_user_claims", ConvertedName: "userClaims"},
		{ActualName: "_upload_metadata", ConvertedName: "uploadMetadata"},
		{ActualName: "_user_id", ConvertedName: "userId"},
		{ActualName: "_hash_of_password", ConvertedName: "hashOfPassword"},
		{ActualName: "hash_of_token", ConvertedName: "hashOfToken"},
		{ActualName: "plain", ConvertedName: "plain"},
	}}
	conf := Config{Auth: AuthOptions{ClaimMap: map[string]string{"userId": "sub"}}}.withDefaults()
	classifyParameters(r, conf)

	assert.True(t, r.Parameters[0].IsIPAddress)
	assert.True(t, r.Parameters[1].IsUserClaims)
	assert.True(t, r.Parameters[2].IsUploadMetadata)
	assert.Equal(t, "sub", r.Parameters[3].UserClaim)
	assert.Equal(t, "password", r.Parameters[4].HashOf)
	assert.Equal(t, "token", r.Parameters[5].HashOf)
	assert.Empty(t, r.Parameters[6].HashOf)
	assert.False(t, r.Parameters[6].IsIPAddress)
}

func TestFinishEndpoint(t *testing.T) {
	conf := Config{}.withDefaults()

	t.Run("upload forces multipart post", func(t *testing.T) {
		e := &RoutineEndpoint{Method: "GET", Path: "/api/import", Upload: true, RequestParamType: ParamBodyJson}
		finishEndpoint(&Routine{}, e, conf)
		assert.Equal(t, "POST", e.Method)
		assert.Equal(t, ParamQueryString, e.RequestParamType)
		assert.Equal(t, []string{"file_system"}, e.UploadHandlers)
	})

	t.Run("info path defaults", func(t *testing.T) {
		e := &RoutineEndpoint{Path: "/api/jobs", InfoEvents: true}
		finishEndpoint(&Routine{}, e, conf)
		assert.Equal(t, "/api/jobs/info", e.InfoPath)
	})

	t.Run("relative annotated path gains the prefix", func(t *testing.T) {
		e := &RoutineEndpoint{Path: "custom/thing"}
		finishEndpoint(&Routine{}, e, conf)
		assert.Equal(t, "/api/custom/thing", e.Path)
	})

	t.Run("path parameters extracted", func(t *testing.T) {
		e := &RoutineEndpoint{Path: "/api/users/{user_id}/orders/{order_id}"}
		finishEndpoint(&Routine{}, e, conf)
		assert.Equal(t, []string{"userId", "orderId"}, e.PathParameters)
	})

	t.Run("login is security sensitive", func(t *testing.T) {
		e := &RoutineEndpoint{Path: "/api/login", Login: true}
		finishEndpoint(&Routine{}, e, conf)
		assert.True(t, e.SecuritySensitive)
	})
}

func TestCheckEndpoint(t *testing.T) {
	r := &Routine{Schema: "public", Name: "f"}

	assert.Error(t, checkEndpoint(r, &RoutineEndpoint{Path: ""}))
	assert.Error(t, checkEndpoint(r, &RoutineEndpoint{Path: "/"}))
	assert.NoError(t, checkEndpoint(r, &RoutineEndpoint{Path: "/api/f"}))

	long := make([]byte, maxPathLength+1)
	for i := range long {
		long[i] = 'a'
	}
	assert.Error(t, checkEndpoint(r, &RoutineEndpoint{Path: "/" + string(long)}))

	void := &Routine{Schema: "public", Name: "f", IsVoid: true}
	assert.Error(t, checkEndpoint(void, &RoutineEndpoint{Path: "/api/f", Login: true}))

	assert.Error(t, checkEndpoint(r, &RoutineEndpoint{Path: "/api/f", Raw: true, InfoEvents: true}))

	assert.Error(t, checkEndpoint(r, &RoutineEndpoint{Path: "/api/f", Raw: true, Cached: true}))
}

func TestBuildBootstrapsIntrospectionHelpers(t *testing.T) {
	db := &fakeDB{rows: &fakeRows{}}
	_, err := Build(context.Background(), db, Config{})
	require.NoError(t, err)

	require.Len(t, db.execSQL, len(introspectBootstrapDDL))
	assert.Contains(t, db.execSQL[0], "create or replace function introspect_params")
	assert.Contains(t, db.execSQL[1], "create or replace function introspect_result")
	assert.Equal(t, defaultMetadataQuery, db.lastSQL)

	// a configured metadata query owns its own contract; no bootstrap
	db = &fakeDB{rows: &fakeRows{}}
	_, err = Build(context.Background(), db, Config{MetadataQuery: "select * from my_view"})
	require.NoError(t, err)
	assert.Empty(t, db.execSQL)
}

func TestParseDefaults(t *testing.T) {
	d := parseDefaults("a integer, b text DEFAULT 'x', c numeric(10,2) DEFAULT 0", 3)
	assert.Equal(t, []bool{false, true, true}, d)

	d = parseDefaults("", 2)
	assert.Equal(t, []bool{false, false}, d)

	// commas inside parentheses do not split arguments
	d = parseDefaults("a numeric(10,2), b text", 2)
	assert.Equal(t, []bool{false, false}, d)
}

func baseRow() *routineRow {
	return &routineRow{
		Type:       "function",
		Schema:     "public",
		Name:       "get_user",
		Volatility: "s",
	}
}

func TestMakeRoutineScalar(t *testing.T) {
	row := baseRow()
	row.ReturnType = "integer"
	row.ParamCount = 1
	row.ParamNames = []string{"user_id"}
	row.ParamTypes = []string{"integer"}
	row.ArgumentDef = "user_id integer"

	r, err := makeRoutine(row)
	require.NoError(t, err)
	assert.Equal(t, RoutineFunction, r.Type)
	assert.Equal(t, VolatilityStable, r.Volatility)
	assert.Equal(t, 1, r.ColumnCount)
	assert.Equal(t, []string{"getUser"}, r.ConvertedColumnNames)
	assert.Equal(t, `select "public"."get_user"(`, r.Expression)
	require.Len(t, r.Parameters, 1)
	assert.Equal(t, "userId", r.Parameters[0].ConvertedName)
}

func TestMakeRoutineVoid(t *testing.T) {
	row := baseRow()
	row.Name = "do_cleanup"
	row.ReturnType = "void"

	r, err := makeRoutine(row)
	require.NoError(t, err)
	assert.True(t, r.IsVoid)
	assert.Equal(t, `select "public"."do_cleanup"(`, r.Expression)
}

func TestMakeRoutineProcedure(t *testing.T) {
	row := baseRow()
	row.Type = "procedure"
	row.Name = "refresh_stats"
	row.ReturnType = ""

	r, err := makeRoutine(row)
	require.NoError(t, err)
	assert.Equal(t, RoutineProcedure, r.Type)
	assert.Equal(t, `call "public"."refresh_stats"(`, r.Expression)
}

func TestMakeRoutineRecordSet(t *testing.T) {
	row := baseRow()
	row.Name = "list_users"
	row.ReturnsSet = true
	row.ReturnType = "table(id integer, name text)"
	row.RecordCount = 2
	row.RecordNames = []string{"id", "full_name"}
	row.RecordTypes = []string{"integer", "text"}

	r, err := makeRoutine(row)
	require.NoError(t, err)
	assert.True(t, r.ReturnsSet)
	assert.True(t, r.ReturnsRecordType)
	assert.False(t, r.ReturnsUnnamedSet)
	assert.Equal(t, 2, r.ColumnCount)
	assert.Equal(t, []string{"id", "fullName"}, r.ConvertedColumnNames)
	assert.Equal(t, `select "id", "full_name" from "public"."list_users"(`, r.Expression)
}

func TestMakeRoutineUnnamedSet(t *testing.T) {
	row := baseRow()
	row.Name = "raw_rows"
	row.ReturnsSet = true
	row.ReturnType = "record"
	row.RecordCount = 1
	row.RecordNames = []string{"raw_rows"}
	row.RecordTypes = []string{"record"}
	row.Unnamed = true

	r, err := makeRoutine(row)
	require.NoError(t, err)
	assert.True(t, r.ReturnsUnnamedSet)
}

func TestMakeRoutineCompositeExpansion(t *testing.T) {
	row := baseRow()
	row.Name = "get_profile"
	row.ReturnType = "record"
	row.RecordCount = 2
	row.RecordNames = []string{"id", "addr"}
	row.RecordTypes = []string{"integer", "address"}
	row.CustomTypeNames = []string{"city", "zip"}
	row.CustomTypeTypes = []string{"text", "text"}
	row.CustomTypePositions = []int{1, 1}

	r, err := makeRoutine(row)
	require.NoError(t, err)
	assert.Equal(t, 3, r.ColumnCount)
	assert.Equal(t, []string{"id", "addr.city", "addr.zip"}, r.OriginalColumnNames)

	cc, ok := r.CompositeColumns[1]
	require.True(t, ok)
	assert.Equal(t, "addr", cc.ConvertedName)
	assert.Equal(t, []string{"city", "zip"}, cc.FieldNames)
	assert.Equal(t, []int{1, 2}, cc.ExpandedColumnIndices)

	assert.Equal(t, `select "id", ("addr")."city", ("addr")."zip" from "public"."get_profile"(`, r.Expression)
}

func TestMakeRoutineArrayComposite(t *testing.T) {
	namesJSON := `{"1":["street","city"]}`
	typesJSON := `{"1":["text","text"]}`

	row := baseRow()
	row.Name = "get_contact"
	row.ReturnType = "record"
	row.RecordCount = 2
	row.RecordNames = []string{"id", "addresses"}
	row.RecordTypes = []string{"integer", "address[]"}
	row.ArrayColumnIndices = []int{1}
	row.ArrayFieldNamesJSON = &namesJSON
	row.ArrayFieldTypesJSON = &typesJSON

	r, err := makeRoutine(row)
	require.NoError(t, err)
	assert.Equal(t, 2, r.ColumnCount)

	d := r.ColumnTypes[1]
	assert.True(t, d.IsCompositeArray())
	assert.Equal(t, []string{"street", "city"}, d.FieldNames)

	cc, ok := r.CompositeArrayColumns[1]
	require.True(t, ok)
	assert.Equal(t, "addresses", cc.ConvertedName)
}

func TestMakeRoutineCastToText(t *testing.T) {
	row := baseRow()
	row.Name = "list_spans"
	row.ReturnsSet = true
	row.ReturnType = "table(id integer, span interval)"
	row.RecordCount = 2
	row.RecordNames = []string{"id", "span"}
	row.RecordTypes = []string{"integer", "interval"}

	r, err := makeRoutine(row)
	require.NoError(t, err)
	assert.Equal(t, `select "id", "span"::text from "public"."list_spans"(`, r.Expression)
}

func TestSimpleDefinition(t *testing.T) {
	row := baseRow()
	row.ReturnType = "integer"
	row.ReturnsSet = true
	row.ArgumentDef = "user_id integer"

	assert.Equal(t, "function public.get_user(user_id integer) returns setof integer", simpleDefinition(row))
}
