package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuestionCheckChoice(t *testing.T) {
	q := Question{
		Kind:     KindChoice,
		Options:  []string{"DANZA", "VAINA", "INDIA", "VIUDA"},
		Accepted: []string{"VIUDA"},
	}

	tests := []struct {
		answer string
		want   bool
	}{
		{"VIUDA", true},
		{"viuda", false},
		{"Viuda", false},
		{" VIUDA ", false},
		{"DANZA", false},
		{"", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, q.Check(tt.answer), "answer %q", tt.answer)
	}
}

func TestQuestionCheckText(t *testing.T) {
	q := Question{
		Kind:     KindText,
		Accepted: []string{"BAJADA", "bajada", "Bajada"},
	}

	tests := []struct {
		answer string
		want   bool
	}{
		{"BAJADA", true},
		{" BAJADA ", true},
		{"bAjAdA", true},
		{"\tbajada\n", true},
		{"bajadaa", false},
		{"", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, q.Check(tt.answer), "answer %q", tt.answer)
	}
}

func TestQuestionCheckUnknownKind(t *testing.T) {
	q := Question{Kind: "riddle", Accepted: []string{"42"}}

	assert.False(t, q.Check("42"))
}

func TestLoadQuestionsDefaultBank(t *testing.T) {
	bank, err := loadQuestions("")
	require.NoError(t, err)

	assert.Len(t, bank, 43)

	for i, q := range bank {
		assert.NotEmpty(t, q.Accepted, "question %d has no accepted answers", i+1)
		if q.Kind == KindChoice {
			assert.GreaterOrEqual(t, len(q.Options), 2, "question %d", i+1)
		} else {
			assert.Empty(t, q.Options, "question %d", i+1)
		}
	}
}

func TestLoadQuestionsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bank.json")
	data := `[
		{"kind": "choice", "prompt": "pick one", "options": ["a", "b"], "accepted": ["a"]},
		{"kind": "text", "prompt": "", "accepted": ["ok"]}
	]`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	bank, err := loadQuestions(path)
	require.NoError(t, err)
	require.Len(t, bank, 2)

	assert.Equal(t, KindChoice, bank[0].Kind)
	assert.Equal(t, "pick one", bank[0].Prompt)
	assert.Equal(t, []string{"ok"}, bank[1].Accepted)
}

func TestLoadQuestionsRejectsInvalidBanks(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"unknown kind", `[{"kind": "riddle", "accepted": ["x"]}]`},
		{"choice without options", `[{"kind": "choice", "accepted": ["x"]}]`},
		{"choice with one option", `[{"kind": "choice", "options": ["x"], "accepted": ["x"]}]`},
		{"text with options", `[{"kind": "text", "options": ["a", "b"], "accepted": ["a"]}]`},
		{"no accepted answers", `[{"kind": "text", "accepted": []}]`},
		{"empty bank", `[]`},
		{"not json", `{{{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bank.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.data), 0o644))

			_, err := loadQuestions(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadQuestionsMissingFile(t *testing.T) {
	_, err := loadQuestions(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}
