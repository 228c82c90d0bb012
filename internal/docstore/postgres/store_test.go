package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phasegate/internal/docstore"
)

func TestBuildWhereTranslatesPredicates(t *testing.T) {
	where, args, err := buildWhere("projects", []docstore.Predicate{
		docstore.Where("currentPhase", docstore.OpNeq, "BA Phase"),
		docstore.Where("developers", docstore.OpArrayContains, "dev@x.test"),
		docstore.Where("visibleToTeamLeads", docstore.OpEq, true),
	})
	require.NoError(t, err)
	assert.Equal(t,
		"collection = $1 AND (data ? $3 AND NOT data @> $2::jsonb) AND (jsonb_typeof(data -> $5) = 'array' AND data @> $4::jsonb) AND data @> $6::jsonb",
		where)
	assert.Equal(t, []any{
		"projects",
		`{"currentPhase":"BA Phase"}`, "currentPhase",
		`{"developers":["dev@x.test"]}`, "developers",
		`{"visibleToTeamLeads":true}`,
	}, args)
}

func TestBuildWhereRejectsUnknownOperator(t *testing.T) {
	_, _, err := buildWhere("projects", []docstore.Predicate{{Field: "a", Op: "like", Value: "x"}})
	assert.Error(t, err)
}
