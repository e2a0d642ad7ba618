package scheduler

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dirigent-dev/dirigent/internal/balancer"
	"github.com/dirigent-dev/dirigent/internal/breaker"
	"github.com/dirigent-dev/dirigent/pkg/models"
)

func advScheduler(t *testing.T, opts ...AdvancedOption) *AdvancedScheduler {
	t.Helper()
	a := NewAdvanced(Config{}, nil, nil, opts...)
	t.Cleanup(a.Stop)
	return a
}

func capAgent(id string, tools ...string) *models.Agent {
	return &models.Agent{
		ID:            id,
		Type:          "worker",
		Capabilities:  models.Capabilities{Tools: tools},
		MaxConcurrent: 2,
	}
}

func TestNewAdvanced_UnknownStrategyFallsBack(t *testing.T) {
	a := advScheduler(t, WithStrategy("bogus"))
	if got := a.Strategy(); got != StrategyCapabilityMatch {
		t.Errorf("strategy = %s, want %s", got, StrategyCapabilityMatch)
	}
}

func TestSelectAgent_InputValidation(t *testing.T) {
	a := advScheduler(t)

	if _, err := a.SelectAgent(nil, []*models.Agent{capAgent("a-1")}); err == nil {
		t.Error("expected error for nil task")
	}
	if _, err := a.SelectAgent(task("t"), nil); err == nil {
		t.Error("expected error with no candidates")
	}
}

func TestSelectAgent_CapabilityMatch(t *testing.T) {
	a := advScheduler(t)
	agents := []*models.Agent{
		capAgent("generalist", "compiler"),
		capAgent("specialist", "compiler", "linker"),
	}

	needy := &models.Task{
		ID:      "t1",
		Payload: map[string]any{"required_capabilities": []string{"compiler", "linker"}},
	}
	got, err := a.SelectAgent(needy, agents)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got != "specialist" {
		t.Errorf("selected %s, want specialist", got)
	}

	// Without requirements every agent matches fully, so the first by
	// ID wins.
	plain := &models.Task{ID: "t2"}
	got, err = a.SelectAgent(plain, agents)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got != "generalist" {
		t.Errorf("selected %s, want generalist", got)
	}
}

func TestSelectAgent_BreakerExcludesOpenAgents(t *testing.T) {
	bm := breaker.NewManager(breaker.Config{}, nil, nil)
	if err := bm.ForceState("flaky", breaker.StateOpen); err != nil {
		t.Fatalf("force state: %v", err)
	}
	a := advScheduler(t, WithBreakers(bm))
	agents := []*models.Agent{capAgent("flaky"), capAgent("steady")}

	got, err := a.SelectAgent(&models.Task{ID: "t1"}, agents)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got != "steady" {
		t.Errorf("selected %s, want steady", got)
	}

	if err := bm.ForceState("steady", breaker.StateOpen); err != nil {
		t.Fatalf("force state: %v", err)
	}
	_, err = a.SelectAgent(&models.Task{ID: "t2"}, agents)
	if err == nil {
		t.Fatal("expected error with every breaker open")
	}
	if !strings.Contains(err.Error(), "circuit breaker") {
		t.Errorf("error = %v, want mention of circuit breaker", err)
	}
}

func TestSelectAgent_RoundRobinRotates(t *testing.T) {
	a := advScheduler(t, WithStrategy(StrategyRoundRobin))
	agents := []*models.Agent{capAgent("b-1"), capAgent("a-1"), capAgent("c-1")}

	want := []string{"a-1", "b-1", "c-1", "a-1"}
	for i, expected := range want {
		got, err := a.SelectAgent(&models.Task{ID: "t"}, agents)
		if err != nil {
			t.Fatalf("select %d: %v", i, err)
		}
		if got != expected {
			t.Errorf("selection %d = %s, want %s", i, got, expected)
		}
	}
}

func TestSelectAgent_BalancerDecidesWhenWired(t *testing.T) {
	lb := balancer.New(balancer.Config{Strategy: "load-based"}, nil)
	lb.UpdateWorkload(models.Workload{AgentID: "busy", Utilization: 0.9})
	lb.UpdateWorkload(models.Workload{AgentID: "calm", Utilization: 0.1})

	// Round-robin would rotate; the wired balancer keeps picking the
	// least loaded agent instead.
	a := advScheduler(t, WithBalancer(lb), WithStrategy(StrategyRoundRobin))
	agents := []*models.Agent{capAgent("busy"), capAgent("calm")}

	for i := 0; i < 3; i++ {
		got, err := a.SelectAgent(&models.Task{ID: "t"}, agents)
		if err != nil {
			t.Fatalf("select %d: %v", i, err)
		}
		if got != "calm" {
			t.Errorf("selection %d = %s, want calm", i, got)
		}
	}
}

func TestPickLeastLoaded(t *testing.T) {
	workloads := map[string]*models.Workload{
		"busy": {AgentID: "busy", Utilization: 0.8},
		"half": {AgentID: "half", Utilization: 0.4},
	}
	agents := []*models.Agent{capAgent("busy"), capAgent("half"), capAgent("fresh")}

	// An untracked agent counts as idle.
	if got := pickLeastLoaded(nil, agents, workloads); got != "fresh" {
		t.Errorf("picked %s, want fresh", got)
	}
	// All idle: first by ID.
	if got := pickLeastLoaded(nil, agents, nil); got != "busy" {
		t.Errorf("picked %s, want busy", got)
	}
}

func TestPickByAffinity(t *testing.T) {
	workloads := map[string]*models.Workload{
		"affine": {AgentID: "affine", Utilization: 0.9, Affinity: map[string]float64{"build": 0.8}},
		"plain":  {AgentID: "plain", Utilization: 0.1},
	}
	agents := []*models.Agent{capAgent("affine"), capAgent("plain")}

	// Affinity beats load.
	build := &models.Task{ID: "t1", Type: "build"}
	if got := pickByAffinity(build, agents, workloads); got != "affine" {
		t.Errorf("picked %s, want affine", got)
	}

	// Nobody knows this type: fall back to least loaded.
	deploy := &models.Task{ID: "t2", Type: "deploy"}
	if got := pickByAffinity(deploy, agents, workloads); got != "plain" {
		t.Errorf("picked %s, want plain", got)
	}
}

func TestCapabilityRatio(t *testing.T) {
	ag := capAgent("a-1", "compiler", "linker")

	cases := []struct {
		name     string
		required []string
		want     float64
	}{
		{"nothing required", nil, 1.0},
		{"full match", []string{"compiler", "linker"}, 1.0},
		{"half match", []string{"compiler", "profiler"}, 0.5},
		{"no match", []string{"profiler"}, 0.0},
	}
	for _, tc := range cases {
		if got := capabilityRatio(ag, tc.required); got != tc.want {
			t.Errorf("%s: ratio = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestAssignAuto(t *testing.T) {
	a := advScheduler(t)
	tk := task("job")
	if err := a.Submit(tk); err != nil {
		t.Fatalf("submit: %v", err)
	}

	got, err := a.AssignAuto(tk, []*models.Agent{capAgent("solo")})
	if err != nil {
		t.Fatalf("assign auto: %v", err)
	}
	if got != "solo" {
		t.Errorf("assigned to %s, want solo", got)
	}

	stored, ok := a.Get("job")
	if !ok {
		t.Fatal("task not tracked")
	}
	if stored.Status != models.TaskStatusRunning {
		t.Errorf("status = %s, want running", stored.Status)
	}
	if stored.AssignedTo != "solo" {
		t.Errorf("assigned to = %s, want solo", stored.AssignedTo)
	}
}

func TestAssignAuto_UnknownTask(t *testing.T) {
	a := advScheduler(t)

	ghost := &models.Task{ID: "ghost"}
	if _, err := a.AssignAuto(ghost, []*models.Agent{capAgent("solo")}); err == nil {
		t.Error("expected error for a task that was never submitted")
	}
}

func TestStatsRecording(t *testing.T) {
	a := advScheduler(t)
	for _, id := range []string{"ok", "bad"} {
		if err := a.Submit(task(id)); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
		if err := a.Assign(id, "w-1"); err != nil {
			t.Fatalf("assign %s: %v", id, err)
		}
	}

	if _, err := a.Complete("ok", "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := a.Fail("bad", errors.New("boom")); err != nil {
		t.Fatalf("fail: %v", err)
	}

	stats, ok := a.Stats("work")
	if !ok {
		t.Fatal("no stats for type work")
	}
	if stats.Attempts != 2 || stats.Successes != 1 || stats.Failures != 1 {
		t.Errorf("stats = %d/%d/%d, want 2 attempts, 1 success, 1 failure",
			stats.Attempts, stats.Successes, stats.Failures)
	}
	if got := stats.SuccessRate(); got != 0.5 {
		t.Errorf("success rate = %v, want 0.5", got)
	}

	// Untyped tasks land in the default bucket.
	if err := a.Submit(&models.Task{ID: "plain"}); err != nil {
		t.Fatalf("submit plain: %v", err)
	}
	if err := a.Assign("plain", "w-1"); err != nil {
		t.Fatalf("assign plain: %v", err)
	}
	if _, err := a.Complete("plain", "done"); err != nil {
		t.Fatalf("complete plain: %v", err)
	}
	if _, ok := a.Stats("default"); !ok {
		t.Error("no stats recorded under default")
	}

	all := a.AllStats()
	if len(all) != 2 || all[0].Type != "default" || all[1].Type != "work" {
		t.Errorf("AllStats types out of order: %v", typeNames(all))
	}
}

func typeNames(stats []TypeStats) []string {
	names := make([]string, len(stats))
	for i, s := range stats {
		names[i] = s.Type
	}
	return names
}

func TestTypeStatsMath(t *testing.T) {
	st := newStatsTracker()
	st.record("build", 100*time.Millisecond, true)
	st.record("build", 200*time.Millisecond, true)
	st.record("build", 0, false)

	got, ok := st.get("build")
	if !ok {
		t.Fatal("stats missing")
	}
	if got.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", got.Attempts)
	}
	if rate := got.SuccessRate(); rate != 2.0/3.0 {
		t.Errorf("success rate = %v, want 2/3", rate)
	}
	if avg := got.AvgDuration(); avg != 150*time.Millisecond {
		t.Errorf("avg duration = %v, want 150ms", avg)
	}

	var empty TypeStats
	if rate := empty.SuccessRate(); rate != 1.0 {
		t.Errorf("empty success rate = %v, want 1.0", rate)
	}
	if avg := empty.AvgDuration(); avg != 0 {
		t.Errorf("empty avg duration = %v, want 0", avg)
	}
}
