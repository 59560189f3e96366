package rules

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinogate/trinogate/trino"
)

func testVars(t *testing.T, sql string, header map[string]string) map[string]any {
	t.Helper()

	req := httptest.NewRequest("POST", "/v1/statement", strings.NewReader(sql))
	for k, v := range header {
		req.Header.Set(k, v)
	}

	user := trino.ParseRequestUser(req)
	props, err := trino.ParseQueryProperties(sql, req.Header, true)
	require.NoError(t, err)

	return Attributes(req, user, props)
}

func TestCompile(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	for _, ti := range []struct {
		msg  string
		expr string
		ok   bool
	}{{
		msg:  "boolean condition",
		expr: `trinoRequestUser.userExistsAndEquals("airflow")`,
		ok:   true,
	}, {
		msg:  "dyn comparison",
		expr: `request["method"] == "POST"`,
		ok:   true,
	}, {
		msg:  "string result rejected",
		expr: `trinoQueryProperties.getQueryType()`,
		ok:   false,
	}, {
		msg:  "syntax error",
		expr: `trinoRequestUser.`,
		ok:   false,
	}, {
		msg:  "empty expression",
		expr: "   ",
		ok:   false,
	}, {
		msg:  "unknown variable",
		expr: `somethingElse == "x"`,
		ok:   false,
	}} {
		t.Run(ti.msg, func(t *testing.T) {
			_, err := env.Compile(ti.expr)
			if ti.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestEvalConditions(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	vars := testVars(t, "SELECT * FROM riders", map[string]string{
		"X-Trino-User":    "airflow",
		"X-Trino-Catalog": "hive",
		"X-Trino-Schema":  "ops",
		"X-Trino-Source":  "scheduler",
	})

	for _, ti := range []struct {
		msg   string
		expr  string
		match bool
	}{{
		msg:   "user equals",
		expr:  `trinoRequestUser.userExistsAndEquals("airflow")`,
		match: true,
	}, {
		msg:   "user differs",
		expr:  `trinoRequestUser.userExistsAndEquals("analyst")`,
		match: false,
	}, {
		msg:   "optional user present",
		expr:  `trinoRequestUser.getUser().isPresent()`,
		match: true,
	}, {
		msg:   "optional user equality",
		expr:  `trinoRequestUser.getUser() == optional.of("airflow")`,
		match: true,
	}, {
		msg:   "optional user get",
		expr:  `trinoRequestUser.getUser().get() == "airflow"`,
		match: true,
	}, {
		msg:   "query type",
		expr:  `trinoQueryProperties.getQueryType() == "SELECT"`,
		match: true,
	}, {
		msg:   "resource group query type",
		expr:  `trinoQueryProperties.getResourceGroupQueryType() == "READ_ONLY"`,
		match: true,
	}, {
		msg:   "tables contains",
		expr:  `trinoQueryProperties.tablesContains("hive.ops.riders")`,
		match: true,
	}, {
		msg:   "tables membership",
		expr:  `"hive.ops.riders" in trinoQueryProperties.getTables()`,
		match: true,
	}, {
		msg:   "default catalog",
		expr:  `trinoQueryProperties.getDefaultCatalog() == optional.of("hive")`,
		match: true,
	}, {
		msg:   "default schema get",
		expr:  `trinoQueryProperties.getDefaultSchema().get() == "ops"`,
		match: true,
	}, {
		msg:   "header lookup normalizes case",
		expr:  `request.getHeader("x-trino-source") == "scheduler"`,
		match: true,
	}, {
		msg:   "missing header is empty",
		expr:  `request.getHeader("X-Missing") == ""`,
		match: true,
	}, {
		msg:   "string extension",
		expr:  `"AIRFLOW".lowerAscii() == trinoRequestUser.getUser().get()`,
		match: true,
	}, {
		msg:   "new submission flag",
		expr:  `trinoQueryProperties.isNewQuerySubmission()`,
		match: true,
	}, {
		msg:   "request attributes",
		expr:  `request["path"] == "/v1/statement" && request["source"] == "scheduler"`,
		match: true,
	}} {
		t.Run(ti.msg, func(t *testing.T) {
			p, err := env.Compile(ti.expr)
			require.NoError(t, err)

			got, err := p.EvalBool(vars)
			require.NoError(t, err)
			assert.Equal(t, ti.match, got)
		})
	}
}

func TestEvalOptionalAbsent(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	vars := testVars(t, "SELECT 1", nil)

	p, err := env.Compile(`trinoRequestUser.getUser().isPresent()`)
	require.NoError(t, err)

	match, err := p.EvalBool(vars)
	require.NoError(t, err)
	assert.False(t, match)

	p, err = env.Compile(`trinoRequestUser.getUser().get() == "x"`)
	require.NoError(t, err)

	_, err = p.EvalBool(vars)
	assert.Error(t, err)
}

func TestResultPut(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	for _, ti := range []struct {
		msg  string
		expr string
	}{{
		msg:  "constant key",
		expr: `result.put(RESULTS_ROUTING_GROUP_KEY, "etl")`,
	}, {
		msg:  "literal key",
		expr: `result.put("routingGroup", "etl")`,
	}} {
		t.Run(ti.msg, func(t *testing.T) {
			vars := testVars(t, "SELECT 1", nil)

			p, err := env.CompileValue(ti.expr)
			require.NoError(t, err)

			v, err := p.Eval(vars)
			require.NoError(t, err)
			assert.Equal(t, "etl", v)

			result := vars["result"].(map[string]any)
			assert.Equal(t, "etl", result[RoutingGroupKey])
		})
	}
}
