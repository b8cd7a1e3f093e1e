package triage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// StaticSource serves a fixed catalog. It backs deployments without a
// hospital knowledge service and the default dev setup.
type StaticSource struct {
	entries []Entry
}

func NewStaticSource(entries []Entry) *StaticSource {
	if entries == nil {
		entries = DefaultCatalog()
	}
	return &StaticSource{entries: entries}
}

func (s *StaticSource) Entries(ctx context.Context) ([]Entry, error) {
	return s.entries, nil
}

// DefaultCatalog covers the common outpatient departments.
func DefaultCatalog() []Entry {
	return []Entry{
		{
			Name:        "cardiology",
			Description: "Heart and circulatory conditions",
			Keywords:    []string{"chest pain", "palpitations", "heart", "breathless", "hypertension"},
		},
		{
			Name:        "orthopedics",
			Description: "Bones, joints, and musculoskeletal injuries",
			Keywords:    []string{"fracture", "joint", "knee", "back pain", "sprain", "bone"},
		},
		{
			Name:        "dermatology",
			Description: "Skin, hair, and nail conditions",
			Keywords:    []string{"rash", "itching", "skin", "acne", "eczema"},
		},
		{
			Name:        "neurology",
			Description: "Brain and nervous system disorders",
			Keywords:    []string{"headache", "migraine", "seizure", "numbness", "dizziness"},
		},
		{
			Name:        "gastroenterology",
			Description: "Digestive system conditions",
			Keywords:    []string{"stomach", "nausea", "vomiting", "diarrhea", "abdominal"},
		},
		{
			Name:        "general",
			Description: "General medicine and unclassified complaints",
			Keywords:    []string{"fever", "cough", "cold", "fatigue", "weakness"},
		},
	}
}

// HTTPSource pulls the catalog from the hospital knowledge service and
// caches it, so display kiosks do not hammer the upstream on every
// keystroke.
type HTTPSource struct {
	client *resty.Client
	ttl    time.Duration

	mu        sync.Mutex
	cached    []Entry
	fetchedAt time.Time
}

func NewHTTPSource(baseURL string, timeout, cacheTTL time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout)
	return &HTTPSource{client: client, ttl: cacheTTL}
}

func (s *HTTPSource) Entries(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil && time.Since(s.fetchedAt) < s.ttl {
		return s.cached, nil
	}

	var entries []Entry
	resp, err := s.client.R().
		SetContext(ctx).
		SetResult(&entries).
		Get("/specializations")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("knowledge service status %d", resp.StatusCode())
	}

	s.cached = entries
	s.fetchedAt = time.Now()
	return entries, nil
}
