package rules

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRules(t *testing.T) {
	const doc = `---
name: scheduler
description: route the scheduler to etl
priority: 5
condition: trinoRequestUser.userExistsAndEquals("airflow")
actions:
  - result.put(RESULTS_ROUTING_GROUP_KEY, "etl")
---
name: catchall
priority: -1
condition: "true"
actions:
  - result.put("routingGroup", "no-match")
`

	rules, err := ParseRules(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, rules, 2)

	assert.Equal(t, "scheduler", rules[0].Name)
	assert.Equal(t, 5, rules[0].Priority)
	assert.Equal(t, `trinoRequestUser.userExistsAndEquals("airflow")`, rules[0].Condition)
	require.Len(t, rules[0].Actions, 1)

	assert.Equal(t, "catchall", rules[1].Name)
	assert.Equal(t, -1, rules[1].Priority)
}

func TestParseRulesSkipsEmptyDocuments(t *testing.T) {
	const doc = "---\n---\nname: only\ncondition: \"true\"\n---\n"

	rules, err := ParseRules(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "only", rules[0].Name)
	assert.Equal(t, 0, rules[0].Priority)
}

func TestParseRulesInvalid(t *testing.T) {
	for _, ti := range []struct {
		msg  string
		doc  string
		want string
	}{{
		msg:  "missing name",
		doc:  "condition: \"true\"\n",
		want: "without a name",
	}, {
		msg:  "missing condition",
		doc:  "name: lonely\n",
		want: "condition required",
	}, {
		msg: "duplicate name",
		doc: "---\nname: twin\ncondition: \"true\"\n---\nname: twin\ncondition: \"false\"\n",
		want: "duplicate rule name",
	}, {
		msg:  "broken yaml",
		doc:  "name: [\n",
		want: "parse rules",
	}} {
		t.Run(ti.msg, func(t *testing.T) {
			_, err := ParseRules(strings.NewReader(ti.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), ti.want)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: a\ncondition: \"true\"\n"), 0644))

	rules, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, rules, 1)

	_, err = LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
