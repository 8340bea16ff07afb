package strategy

import (
	"testing"

	"github.com/supvisors/supvisors/internal/model"
	"github.com/supvisors/supvisors/pkg/types"
)

type fakeView struct {
	running []string
	loading map[string]int
}

func (f *fakeView) RunningAddresses() []string { return f.running }
func (f *fakeView) Loading(address string) int { return f.loading[address] }

func process(loading int, addresses ...string) *model.ProcessStatus {
	rules := model.DefaultProcessRules()
	rules.ExpectedLoading = loading
	if len(addresses) > 0 {
		rules.Addresses = addresses
	}
	return model.NewProcessStatus("movies", "converter", rules)
}

func TestSelect_Config(t *testing.T) {
	t.Parallel()

	view := &fakeView{
		running: []string{"n1", "n2", "n3"},
		loading: map[string]int{"n1": 95, "n2": 10, "n3": 0},
	}
	s := NewSelector([]string{"n1", "n2", "n3"}, view)

	// First declared node with room wins, the overloaded head is skipped.
	if got := s.Select(types.StrategyConfig, process(20)); got != "n2" {
		t.Errorf("Select = %q, want n2", got)
	}
}

func TestSelect_LessLoaded(t *testing.T) {
	t.Parallel()

	view := &fakeView{
		running: []string{"n1", "n2", "n3"},
		loading: map[string]int{"n1": 30, "n2": 10, "n3": 10},
	}
	s := NewSelector([]string{"n1", "n2", "n3"}, view)

	// Minimum loading, declaration order breaking the tie.
	if got := s.Select(types.StrategyLessLoaded, process(20)); got != "n2" {
		t.Errorf("Select = %q, want n2", got)
	}
}

func TestSelect_MostLoaded(t *testing.T) {
	t.Parallel()

	view := &fakeView{
		running: []string{"n1", "n2"},
		loading: map[string]int{"n1": 60, "n2": 10},
	}
	s := NewSelector([]string{"n1", "n2"}, view)

	if got := s.Select(types.StrategyMostLoaded, process(20)); got != "n1" {
		t.Errorf("Select = %q, want n1", got)
	}
	// The most loaded node without room falls back to the next one.
	view.loading["n1"] = 90
	if got := s.Select(types.StrategyMostLoaded, process(20)); got != "n2" {
		t.Errorf("Select = %q, want n2", got)
	}
}

func TestSelect_BudgetRefusal(t *testing.T) {
	t.Parallel()

	view := &fakeView{
		running: []string{"n1", "n2"},
		loading: map[string]int{"n1": 90, "n2": 90},
	}
	s := NewSelector([]string{"n1", "n2"}, view)

	for _, strategyChoice := range []types.StartingStrategy{
		types.StrategyConfig, types.StrategyLessLoaded, types.StrategyMostLoaded,
	} {
		if got := s.Select(strategyChoice, process(20)); got != "" {
			t.Errorf("Select(%v) = %q, want refusal", strategyChoice, got)
		}
	}
}

func TestSelect_RuleAddresses(t *testing.T) {
	t.Parallel()

	view := &fakeView{
		running: []string{"n1", "n2", "n3"},
		loading: map[string]int{},
	}
	s := NewSelector([]string{"n1", "n2", "n3"}, view)

	if got := s.Select(types.StrategyConfig, process(10, "n3")); got != "n3" {
		t.Errorf("Select = %q, want n3", got)
	}
}

func TestSelect_StoppedNodesExcluded(t *testing.T) {
	t.Parallel()

	view := &fakeView{
		running: []string{"n2"},
		loading: map[string]int{},
	}
	s := NewSelector([]string{"n1", "n2"}, view)

	if got := s.Select(types.StrategyConfig, process(10)); got != "n2" {
		t.Errorf("Select = %q, want n2", got)
	}
}

func TestSelect_Striped(t *testing.T) {
	t.Parallel()

	view := &fakeView{
		running: []string{"n1", "n2", "n3"},
		loading: map[string]int{},
	}
	s := NewSelector([]string{"n1", "n2", "n3"}, view)

	rules := model.DefaultProcessRules()
	rules.Addresses = []string{model.AddressStriped}

	tests := []struct {
		process string
		want    string
	}{
		{"worker_00", "n1"},
		{"worker_01", "n2"},
		{"worker_02", "n3"},
		{"worker_03", "n1"},
		{"worker", "n1"},
	}
	for _, tt := range tests {
		p := model.NewProcessStatus("movies", tt.process, rules)
		if got := s.Select(types.StrategyConfig, p); got != tt.want {
			t.Errorf("Select(%s) = %q, want %q", tt.process, got, tt.want)
		}
	}
}

func TestInstanceIndex(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		want int
	}{
		{"worker_12", 12},
		{"worker_02", 2},
		{"worker", 0},
		{"w1orker", 0},
	}
	for _, tt := range tests {
		if got := instanceIndex(tt.name); got != tt.want {
			t.Errorf("instanceIndex(%q) = %d, want %d", tt.name, got, tt.want)
		}
	}
}
