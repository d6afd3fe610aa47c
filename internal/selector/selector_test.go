package selector

import (
	"errors"
	"testing"

	"github.com/quizmesh/quizmesh/internal/shared"
	"github.com/quizmesh/quizmesh/internal/tracer"
)

var testConfig = Config{ZPDLow: 0.6, ZPDHigh: 0.8, LogisticSlope: 5.0, PaceTarget: 0.85}

func testCatalog(t *testing.T, questions []Question) *Catalog {
	t.Helper()
	c, err := NewCatalog(questions)
	if err != nil {
		t.Fatalf("catalog build failed: %v", err)
	}
	return c
}

func mastery(skill string, p float64) tracer.SkillMastery {
	return tracer.SkillMastery{StudentID: "s1", SkillID: skill, PMastery: p, PLearn: 0.1, PSlip: 0.1, PGuess: 0.2}
}

func TestSelectNextExcludesAnswered(t *testing.T) {
	catalog := testCatalog(t, []Question{
		{ID: "q1", Skill: "algebra", Difficulty: DifficultyMedium, EstimatedTimeSeconds: 60},
		{ID: "q2", Skill: "algebra", Difficulty: DifficultyMedium, EstimatedTimeSeconds: 60},
	})
	sel := New(catalog, testConfig, nil)

	q, _, err := sel.SelectNext(
		[]tracer.SkillMastery{mastery("algebra", 0.5)},
		Context{
			TimeRemainingSeconds: 600,
			ExcludeIDs:           map[string]struct{}{"q1": {}},
		},
	)
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if q.ID != "q2" {
		t.Errorf("expected q2, got %s", q.ID)
	}
}

func TestSelectNextEmptyPool(t *testing.T) {
	catalog := testCatalog(t, []Question{
		{ID: "q1", Skill: "algebra", Difficulty: DifficultyMedium, EstimatedTimeSeconds: 60},
	})
	sel := New(catalog, testConfig, nil)

	_, _, err := sel.SelectNext(
		[]tracer.SkillMastery{mastery("algebra", 0.5)},
		Context{
			TimeRemainingSeconds: 600,
			ExcludeIDs:           map[string]struct{}{"q1": {}},
		},
	)
	if !errors.Is(err, shared.ErrNoQuestionsAvailable) {
		t.Errorf("expected ErrNoQuestionsAvailable, got %v", err)
	}
}

func TestSelectNextTimeBudgetDegradesToShortest(t *testing.T) {
	catalog := testCatalog(t, []Question{
		{ID: "q-long", Skill: "algebra", Difficulty: DifficultyMedium, EstimatedTimeSeconds: 300},
		{ID: "q-longer", Skill: "algebra", Difficulty: DifficultyMedium, EstimatedTimeSeconds: 400},
	})
	sel := New(catalog, testConfig, nil)

	q, rationale, err := sel.SelectNext(
		[]tracer.SkillMastery{mastery("algebra", 0.5)},
		Context{TimeRemainingSeconds: 30},
	)
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if q.ID != "q-long" {
		t.Errorf("expected shortest remaining question, got %s", q.ID)
	}
	if !rationale.Degraded {
		t.Error("expected degraded rationale when no question fits the budget")
	}
}

func TestSelectNextSkipsEasyAboveWindow(t *testing.T) {
	// At mastery 0.6 with slope 5, easy-tier success probability is
	// 1/(1+e^-1.5) ~ 0.82, above the 0.8 ceiling; medium is ~0.62,
	// inside the window.
	catalog := testCatalog(t, []Question{
		{ID: "q-easy", Skill: "algebra", Difficulty: DifficultyEasy, EstimatedTimeSeconds: 60},
		{ID: "q-med", Skill: "algebra", Difficulty: DifficultyMedium, EstimatedTimeSeconds: 60},
	})
	sel := New(catalog, testConfig, nil)

	q, rationale, err := sel.SelectNext(
		[]tracer.SkillMastery{mastery("algebra", 0.6)},
		Context{TimeRemainingSeconds: 600},
	)
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if q.ID != "q-med" {
		t.Errorf("expected medium question, got %s", q.ID)
	}
	if rationale.PredictedSuccess < testConfig.ZPDLow || rationale.PredictedSuccess > testConfig.ZPDHigh {
		t.Errorf("predicted success %f outside window", rationale.PredictedSuccess)
	}
}

func TestSelectNextPrefersLowestMasterySkill(t *testing.T) {
	catalog := testCatalog(t, []Question{
		{ID: "q-alg", Skill: "algebra", Difficulty: DifficultyMedium, EstimatedTimeSeconds: 60},
		{ID: "q-geo", Skill: "geometry", Difficulty: DifficultyMedium, EstimatedTimeSeconds: 60},
	})
	sel := New(catalog, testConfig, nil)

	q, rationale, err := sel.SelectNext(
		[]tracer.SkillMastery{mastery("algebra", 0.7), mastery("geometry", 0.5)},
		Context{TimeRemainingSeconds: 600},
	)
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if q.ID != "q-geo" {
		t.Errorf("expected geometry (lower mastery), got %s", q.ID)
	}
	if rationale.TargetSkill != "geometry" {
		t.Errorf("expected rationale target geometry, got %s", rationale.TargetSkill)
	}
}

func TestSelectNextTieBreaksOnCoverageThenSkillID(t *testing.T) {
	catalog := testCatalog(t, []Question{
		{ID: "q-alg", Skill: "algebra", Difficulty: DifficultyMedium, EstimatedTimeSeconds: 60},
		{ID: "q-geo", Skill: "geometry", Difficulty: DifficultyMedium, EstimatedTimeSeconds: 60},
	})
	sel := New(catalog, testConfig, nil)

	// Equal mastery, geometry answered less: coverage wins.
	q, _, err := sel.SelectNext(
		[]tracer.SkillMastery{mastery("algebra", 0.5), mastery("geometry", 0.5)},
		Context{
			TimeRemainingSeconds: 600,
			AnsweredBySkill:      map[string]int{"algebra": 3, "geometry": 1},
		},
	)
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if q.ID != "q-geo" {
		t.Errorf("expected geometry by coverage tie-break, got %s", q.ID)
	}

	// Equal mastery and coverage: lowest skill id wins.
	q, _, err = sel.SelectNext(
		[]tracer.SkillMastery{mastery("algebra", 0.5), mastery("geometry", 0.5)},
		Context{TimeRemainingSeconds: 600},
	)
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if q.ID != "q-alg" {
		t.Errorf("expected algebra by skill id tie-break, got %s", q.ID)
	}
}

func TestSelectNextDeterministic(t *testing.T) {
	catalog := testCatalog(t, []Question{
		{ID: "q1", Skill: "algebra", Difficulty: DifficultyEasy, EstimatedTimeSeconds: 45},
		{ID: "q2", Skill: "algebra", Difficulty: DifficultyMedium, EstimatedTimeSeconds: 60},
		{ID: "q3", Skill: "geometry", Difficulty: DifficultyHard, EstimatedTimeSeconds: 90},
	})
	sel := New(catalog, testConfig, nil)

	masteries := []tracer.SkillMastery{mastery("algebra", 0.45), mastery("geometry", 0.45)}
	sctx := Context{TimeRemainingSeconds: 600}

	first, _, err := sel.SelectNext(masteries, sctx)
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		q, _, err := sel.SelectNext(masteries, sctx)
		if err != nil {
			t.Fatalf("select failed: %v", err)
		}
		if q.ID != first.ID {
			t.Fatalf("selection not deterministic: %s vs %s", q.ID, first.ID)
		}
	}
}

func TestCatalogValidation(t *testing.T) {
	cases := []struct {
		name      string
		questions []Question
	}{
		{"empty id", []Question{{ID: "", Skill: "a", Difficulty: DifficultyEasy, EstimatedTimeSeconds: 10}}},
		{"missing skill", []Question{{ID: "q1", Difficulty: DifficultyEasy, EstimatedTimeSeconds: 10}}},
		{"bad difficulty", []Question{{ID: "q1", Skill: "a", Difficulty: "brutal", EstimatedTimeSeconds: 10}}},
		{"zero time", []Question{{ID: "q1", Skill: "a", Difficulty: DifficultyEasy}}},
		{"duplicate id", []Question{
			{ID: "q1", Skill: "a", Difficulty: DifficultyEasy, EstimatedTimeSeconds: 10},
			{ID: "q1", Skill: "a", Difficulty: DifficultyEasy, EstimatedTimeSeconds: 10},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewCatalog(tc.questions); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestCatalogGetNotFound(t *testing.T) {
	catalog := testCatalog(t, []Question{
		{ID: "q1", Skill: "algebra", Difficulty: DifficultyEasy, EstimatedTimeSeconds: 10},
	})

	if _, err := catalog.Get("missing"); !errors.Is(err, ErrQuestionNotFound) {
		t.Errorf("expected ErrQuestionNotFound, got %v", err)
	}
	if _, err := catalog.Get("q1"); err != nil {
		t.Errorf("unexpected error for existing question: %v", err)
	}
}
