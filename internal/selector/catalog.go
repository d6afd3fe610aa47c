package selector

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
)

// Difficulty tiers for questions.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

var ErrQuestionNotFound = errors.New("question not found")

// Question is an immutable descriptor supplied by the content store.
// The engine never mutates it.
type Question struct {
	ID                   string     `json:"id"`
	Domain               string     `json:"domain"`
	Skill                string     `json:"skill"`
	Difficulty           Difficulty `json:"difficulty"`
	EstimatedTimeSeconds float64    `json:"estimated_time_seconds"`
	Tags                 []string   `json:"tags,omitempty"`
}

// QuestionSource is the content-store collaborator interface. The
// engine only ever reads from it.
type QuestionSource interface {
	Get(id string) (Question, error)
	All() []Question
	Skills() []string
}

// Catalog is a file-backed QuestionSource loaded once at startup.
type Catalog struct {
	questions map[string]Question
	ordered   []Question
	skills    []string
}

// LoadCatalog reads a JSON array of questions from path.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read questions file: %w", err)
	}

	var questions []Question
	if err := json.Unmarshal(data, &questions); err != nil {
		return nil, fmt.Errorf("failed to parse questions file: %w", err)
	}

	return NewCatalog(questions)
}

// NewCatalog validates and indexes a question list.
func NewCatalog(questions []Question) (*Catalog, error) {
	c := &Catalog{questions: make(map[string]Question, len(questions))}
	skillSet := make(map[string]struct{})

	for _, q := range questions {
		if q.ID == "" {
			return nil, fmt.Errorf("question with empty id")
		}
		if q.Skill == "" {
			return nil, fmt.Errorf("question %s: skill is required", q.ID)
		}
		switch q.Difficulty {
		case DifficultyEasy, DifficultyMedium, DifficultyHard:
		default:
			return nil, fmt.Errorf("question %s: unknown difficulty %q", q.ID, q.Difficulty)
		}
		if q.EstimatedTimeSeconds <= 0 {
			return nil, fmt.Errorf("question %s: estimated_time_seconds must be positive", q.ID)
		}
		if _, dup := c.questions[q.ID]; dup {
			return nil, fmt.Errorf("duplicate question id %s", q.ID)
		}
		c.questions[q.ID] = q
		c.ordered = append(c.ordered, q)
		skillSet[q.Skill] = struct{}{}
	}

	sort.Slice(c.ordered, func(i, j int) bool { return c.ordered[i].ID < c.ordered[j].ID })
	for skill := range skillSet {
		c.skills = append(c.skills, skill)
	}
	sort.Strings(c.skills)

	return c, nil
}

func (c *Catalog) Get(id string) (Question, error) {
	q, ok := c.questions[id]
	if !ok {
		return Question{}, fmt.Errorf("%w: %s", ErrQuestionNotFound, id)
	}
	return q, nil
}

func (c *Catalog) All() []Question {
	out := make([]Question, len(c.ordered))
	copy(out, c.ordered)
	return out
}

func (c *Catalog) Skills() []string {
	out := make([]string, len(c.skills))
	copy(out, c.skills)
	return out
}
