package main

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Question kinds. Choice questions are answered by picking one of the
// options; text questions by free input.
const (
	KindChoice = "choice"
	KindText   = "text"
)

// Question is a single quiz item. The bank is loaded once at startup and is
// read-only afterwards.
type Question struct {
	Kind     string   `json:"kind" validate:"required,oneof=choice text"`
	Prompt   string   `json:"prompt"`
	Options  []string `json:"options,omitempty" validate:"required_if=Kind choice,excluded_if=Kind text,omitempty,min=2,dive,required"`
	Accepted []string `json:"accepted" validate:"required,min=1,dive,required"`
}

// Check reports whether answer is correct for this question. Choice answers
// must match an accepted answer exactly; text answers are trimmed and
// compared case-insensitively.
func (q Question) Check(answer string) bool {
	switch q.Kind {
	case KindChoice:
		for _, accepted := range q.Accepted {
			if answer == accepted {
				return true
			}
		}
	case KindText:
		folded := strings.ToLower(strings.TrimSpace(answer))
		for _, accepted := range q.Accepted {
			if strings.ToLower(accepted) == folded {
				return true
			}
		}
	}

	return false
}

//go:embed questions.json
var defaultBank []byte

var validate = validator.New()

// loadQuestions parses and validates the question bank at path, falling back
// to the embedded default bank when path is empty.
func loadQuestions(path string) ([]Question, error) {
	data := defaultBank

	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading question bank: %w", err)
		}
	}

	var bank []Question
	if err := json.Unmarshal(data, &bank); err != nil {
		return nil, fmt.Errorf("parsing question bank: %w", err)
	}

	if len(bank) == 0 {
		return nil, errors.New("question bank is empty")
	}

	for i, q := range bank {
		if err := validate.Struct(q); err != nil {
			return nil, fmt.Errorf("question %d: %w", i+1, err)
		}
	}

	return bank, nil
}
