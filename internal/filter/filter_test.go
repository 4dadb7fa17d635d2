package filter

import (
	"testing"

	"fleetcmd/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func sampleRows() []model.Row {
	return []model.Row{
		{Target: "10.0.0.1", Status: "completed", Result: model.Result{ExitCode: intPtr(0)}},
		{Target: "10.0.0.2", Status: "failed", Result: model.Result{ExitCode: intPtr(2)}},
		{Target: "10.0.1.1", Status: "running"},
		{Target: "192.168.0.1", Status: "failed"},
	}
}

func targets(rows []model.Row) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Target)
	}
	return out
}

func TestParseFilterExpression(t *testing.T) {
	t.Run("empty expression", func(t *testing.T) {
		filters, err := ParseFilterExpression("  ")
		require.NoError(t, err)
		assert.Nil(t, filters)
	})

	t.Run("status include", func(t *testing.T) {
		filters, err := ParseFilterExpression("status:failed")
		require.NoError(t, err)
		assert.Equal(t, []string{"10.0.0.2", "192.168.0.1"}, targets(FilterRows(sampleRows(), filters...)))
	})

	t.Run("status exclude and wildcard host", func(t *testing.T) {
		filters, err := ParseFilterExpression("!status:completed host:10.0.*")
		require.NoError(t, err)
		assert.Equal(t, []string{"10.0.0.2", "10.0.1.1"}, targets(FilterRows(sampleRows(), filters...)))
	})

	t.Run("wildcard dots are literal", func(t *testing.T) {
		filters, err := ParseFilterExpression("host:10.0.0.*")
		require.NoError(t, err)
		rows := []model.Row{{Target: "10.0.0.9"}, {Target: "10x0x0x9"}}
		assert.Equal(t, []string{"10.0.0.9"}, targets(FilterRows(rows, filters...)))
	})

	t.Run("regex host", func(t *testing.T) {
		filters, err := ParseFilterExpression(`host:regex:^192\.`)
		require.NoError(t, err)
		assert.Equal(t, []string{"192.168.0.1"}, targets(FilterRows(sampleRows(), filters...)))
	})

	t.Run("exit nonzero", func(t *testing.T) {
		filters, err := ParseFilterExpression("exit:nonzero")
		require.NoError(t, err)
		assert.Equal(t, []string{"10.0.0.2", "10.0.1.1", "192.168.0.1"}, targets(FilterRows(sampleRows(), filters...)))
	})

	t.Run("bad regex", func(t *testing.T) {
		_, err := ParseFilterExpression("host:regex:(")
		require.Error(t, err)
	})

	t.Run("unknown term", func(t *testing.T) {
		_, err := ParseFilterExpression("tag:web")
		require.Error(t, err)
	})
}

func TestCompositeFilter(t *testing.T) {
	or := NewCompositeFilter("or", NewStatusFilter([]string{"running"}, nil), NewHostFilter("192.*", false))
	assert.Equal(t, []string{"10.0.1.1", "192.168.0.1"}, targets(FilterRows(sampleRows(), or)))
	assert.Equal(t, "(status: running OR host pattern: 192.*)", or.String())

	assert.True(t, NewCompositeFilter("AND").Match(model.Row{}))
}

func TestFilterRowsRequiresEveryFilter(t *testing.T) {
	filters, err := ParseFilterExpression("status:failed host:10.0.*")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.2"}, targets(FilterRows(sampleRows(), filters...)))
	assert.Len(t, FilterRows(sampleRows()), 4)
}

func TestGroupByStatus(t *testing.T) {
	groups := GroupByStatus(sampleRows())
	assert.Equal(t, []string{"10.0.0.2", "192.168.0.1"}, groups["failed"])
	assert.Equal(t, []string{"completed", "failed", "running"}, StatusNames(groups))
}
