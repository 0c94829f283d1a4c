package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func TestTopoSortParentsFirst(t *testing.T) {
	deps := map[string][]string{
		"employees":   {"departments"},
		"projects":    {"departments", "employees"},
		"departments": nil,
	}
	order := topoSort(deps)
	assert.Len(t, order, 3)
	assert.Less(t, indexOf(order, "departments"), indexOf(order, "employees"))
	assert.Less(t, indexOf(order, "employees"), indexOf(order, "projects"))
}

func TestTopoSortDeterministic(t *testing.T) {
	deps := map[string][]string{
		"b": nil,
		"a": nil,
		"c": nil,
	}
	for i := 0; i < 20; i++ {
		assert.Equal(t, []string{"a", "b", "c"}, topoSort(deps))
	}
}

func TestTopoSortIgnoresUnknownParents(t *testing.T) {
	deps := map[string][]string{
		"orders": {"other_schema_table"},
	}
	assert.Equal(t, []string{"orders"}, topoSort(deps))
}

func TestTopoSortCycleFallsBackLexicographic(t *testing.T) {
	deps := map[string][]string{
		"view_a": {"view_b"},
		"view_b": {"view_a"},
		"view_c": nil,
	}
	order := topoSort(deps)
	// acyclic node first, then the cycle members in lexicographic order
	assert.Equal(t, []string{"view_c", "view_a", "view_b"}, order)
}

func TestTopoSortViewChain(t *testing.T) {
	deps := map[string][]string{
		"view_project_employees":   {"view_employee_departments"},
		"view_employee_departments": nil,
	}
	order := topoSort(deps)
	assert.Less(t, indexOf(order, "view_employee_departments"), indexOf(order, "view_project_employees"))
}
