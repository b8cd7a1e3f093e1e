package triage

import (
	"context"
	"errors"
	"sort"
	"strings"

	"hqms/token-service/internal/models"
)

var ErrSourceUnavailable = errors.New("triage knowledge source unavailable")

// Entry is one specialization with the complaint keywords that map to it.
type Entry struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Keywords    []string `json:"keywords"`
}

// KnowledgeSource supplies the specialization catalog. Entries returns the
// full catalog; the resolver does the matching locally.
type KnowledgeSource interface {
	Entries(ctx context.Context) ([]Entry, error)
}

// Resolver maps free-text symptom descriptions to candidate
// specializations, most relevant first. It is advisory only; the patient
// picks the final specialization.
type Resolver struct {
	source KnowledgeSource
}

func NewResolver(source KnowledgeSource) *Resolver {
	return &Resolver{source: source}
}

type match struct {
	spec  models.Specialization
	score int
}

// Resolve ranks specializations by how many of their keywords appear in
// the symptom text. Empty input and zero matches both yield an empty list.
// A source failure also yields an empty list so callers can fall back to
// manual selection, with the error reported alongside.
func (r *Resolver) Resolve(ctx context.Context, symptoms string) ([]models.Specialization, error) {
	symptoms = strings.ToLower(strings.TrimSpace(symptoms))
	if symptoms == "" {
		return nil, nil
	}

	entries, err := r.source.Entries(ctx)
	if err != nil {
		return nil, errors.Join(ErrSourceUnavailable, err)
	}

	words := tokenize(symptoms)
	var matches []match
	for _, entry := range entries {
		score := 0
		for _, keyword := range entry.Keywords {
			keyword = strings.ToLower(keyword)
			if strings.ContainsRune(keyword, ' ') {
				// Multi-word keywords match as phrases.
				if strings.Contains(symptoms, keyword) {
					score++
				}
				continue
			}
			if words[keyword] {
				score++
			}
		}
		if score == 0 {
			continue
		}
		matches = append(matches, match{
			spec:  models.Specialization{Name: entry.Name, Description: entry.Description},
			score: score,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })

	specs := make([]models.Specialization, 0, len(matches))
	for _, m := range matches {
		specs = append(specs, m.spec)
	}
	return specs, nil
}

func tokenize(text string) map[string]bool {
	words := make(map[string]bool)
	for _, word := range strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		words[word] = true
	}
	return words
}
