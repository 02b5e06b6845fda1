package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/backup-coordinator/internal/domain/model"
	apperrors "github.com/target/backup-coordinator/internal/errors"
)

func dbs(names ...string) []Candidate {
	out := make([]Candidate, len(names))
	for i, n := range names {
		out[i] = Candidate{Name: n, HasAccess: true, Database: true}
	}
	return out
}

func names(cs []Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Name
	}
	return out
}

func TestApply_SystemDatabasesExcluded(t *testing.T) {
	rules := RulesFrom(model.FilterSettings{ExcludeSystemDatabases: true}, "sqlserver")

	decisions := Apply(dbs("master", "tempdb", "app1", "app2"), rules)

	require.Len(t, decisions, 4)
	assert.Equal(t, ReasonSystemDatabase, decisions[0].Reason)
	assert.Equal(t, ReasonSystemDatabase, decisions[1].Reason)
	assert.Equal(t, ReasonDefault, decisions[2].Reason)
	assert.Equal(t, ReasonDefault, decisions[3].Reason)
	assert.Equal(t, []string{"app1", "app2"}, names(Included(decisions)))
}

func TestApply_Precedence(t *testing.T) {
	tests := []struct {
		name      string
		candidate Candidate
		rules     Rules
		want      Reason
	}{
		{
			name:      "no access beats manual include",
			candidate: Candidate{Name: "app", HasAccess: false, Database: true},
			rules:     Rules{ManualInclude: []string{"app"}},
			want:      ReasonNoAccess,
		},
		{
			name:      "manual include beats manual exclude",
			candidate: Candidate{Name: "app", HasAccess: true},
			rules:     Rules{ManualInclude: []string{"app"}, ManualExclude: []string{"app"}},
			want:      ReasonManualInclude,
		},
		{
			name:      "manual include beats system exclusion",
			candidate: Candidate{Name: "master", HasAccess: true, Database: true},
			rules:     Rules{ManualInclude: []string{"MASTER"}, ExcludeSystem: true},
			want:      ReasonManualInclude,
		},
		{
			name:      "manual exclude beats regex include",
			candidate: Candidate{Name: "app", HasAccess: true},
			rules:     Rules{ManualExclude: []string{"app"}, IncludeRegex: ".*"},
			want:      ReasonManualExclude,
		},
		{
			name:      "system database beats regex include",
			candidate: Candidate{Name: "postgres", HasAccess: true, Database: true},
			rules:     Rules{ExcludeSystem: true, IncludeRegex: ".*", Engine: "postgres"},
			want:      ReasonSystemDatabase,
		},
		{
			name:      "files are never system databases",
			candidate: Candidate{Name: "master", HasAccess: true},
			rules:     Rules{ExcludeSystem: true},
			want:      ReasonDefault,
		},
		{
			name:      "system exclusion disabled",
			candidate: Candidate{Name: "tempdb", HasAccess: true, Database: true},
			rules:     Rules{},
			want:      ReasonDefault,
		},
		{
			name:      "regex include beats regex exclude",
			candidate: Candidate{Name: "app_prod", HasAccess: true},
			rules:     Rules{IncludeRegex: "_prod$", ExcludeRegex: "^app"},
			want:      ReasonRegexInclude,
		},
		{
			name:      "regex exclude",
			candidate: Candidate{Name: "app_test", HasAccess: true},
			rules:     Rules{IncludeRegex: "_prod$", ExcludeRegex: "_test$"},
			want:      ReasonRegexExclude,
		},
		{
			name:      "regex include beats default exclude",
			candidate: Candidate{Name: "app_prod", HasAccess: true},
			rules:     Rules{IncludeRegex: "_prod$", DefaultExclude: true},
			want:      ReasonRegexInclude,
		},
		{
			name:      "default excluded",
			candidate: Candidate{Name: "app", HasAccess: true},
			rules:     Rules{DefaultExclude: true},
			want:      ReasonDefaultExcluded,
		},
		{
			name:      "default",
			candidate: Candidate{Name: "app", HasAccess: true},
			rules:     Rules{},
			want:      ReasonDefault,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Apply([]Candidate{tt.candidate}, tt.rules)
			require.Len(t, d, 1)
			assert.Equal(t, tt.want, d[0].Reason)
			assert.NoError(t, d[0].Err)
		})
	}
}

func TestApply_ExactlyOneDecisionPerCandidate(t *testing.T) {
	candidates := []Candidate{
		{Name: "master", HasAccess: true, Database: true},
		{Name: "locked", HasAccess: false, Database: true},
		{Name: "keep", HasAccess: true, Database: true},
		{Name: "drop", HasAccess: true, Database: true},
		{Name: "app_prod", HasAccess: true, Database: true},
		{Name: "app_test", HasAccess: true, Database: true},
		{Name: "other", HasAccess: true, Database: true},
	}
	ruleSets := []Rules{
		{},
		{DefaultExclude: true},
		{ExcludeSystem: true, ManualInclude: []string{"keep"}, ManualExclude: []string{"drop"}},
		{IncludeRegex: "prod", ExcludeRegex: "test", DefaultExclude: true},
		{IncludeRegex: "(", ExcludeSystem: true},
	}

	for _, rules := range ruleSets {
		decisions := Apply(candidates, rules)
		require.Len(t, decisions, len(candidates))
		for i, d := range decisions {
			assert.Equal(t, candidates[i].Name, d.Name)
			assert.NotEmpty(t, d.Reason)
		}
	}
}

func TestApply_InvalidRegex(t *testing.T) {
	rules := Rules{IncludeRegex: "([a-z", ManualInclude: []string{"pinned"}}

	decisions := Apply(dbs("pinned", "app1"), rules)

	assert.Equal(t, ReasonManualInclude, decisions[0].Reason)
	assert.NoError(t, decisions[0].Err)

	assert.Equal(t, ReasonInvalidRegex, decisions[1].Reason)
	assert.False(t, decisions[1].Included())
	require.Error(t, decisions[1].Err)
	assert.Equal(t, apperrors.ErrCodeFilterConfig, apperrors.GetCode(decisions[1].Err))
}

func TestApply_InvalidExcludeRegexAfterIncludeMatch(t *testing.T) {
	rules := Rules{IncludeRegex: "^app", ExcludeRegex: "[", DefaultExclude: true}

	decisions := Apply(dbs("app1", "other"), rules)

	assert.Equal(t, ReasonRegexInclude, decisions[0].Reason)
	assert.Equal(t, ReasonInvalidRegex, decisions[1].Reason)
}

func TestParseList(t *testing.T) {
	assert.Equal(t, []string{"a", "b c", "d"}, ParseList(" a, b c ,,d, "))
	assert.Empty(t, ParseList(""))
	assert.Empty(t, ParseList(" , ,"))
}

func TestIsSystemDatabase(t *testing.T) {
	assert.True(t, IsSystemDatabase("sqlserver", "MSDB"))
	assert.False(t, IsSystemDatabase("sqlserver", "postgres"))
	assert.True(t, IsSystemDatabase("postgres", "template1"))
	assert.True(t, IsSystemDatabase("mysql", "performance_schema"))
	assert.True(t, IsSystemDatabase("", "tempdb"))
	assert.False(t, IsSystemDatabase("", "app1"))
}
