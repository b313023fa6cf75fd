package api

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobStore keeps finished evaluation results for later retrieval.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]LikelihoodResult
}

func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]LikelihoodResult),
	}
}

// Save assigns an ID and records the result, returning the stored copy.
func (s *JobStore) Save(res LikelihoodResult, now time.Time) LikelihoodResult {
	res.ID = "lik_" + uuid.NewString()
	res.Object = "likelihood"
	res.CreatedAt = now.Unix()
	s.mu.Lock()
	s.jobs[res.ID] = res
	s.mu.Unlock()
	return res
}

func (s *JobStore) Get(id string) (LikelihoodResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.jobs[id]
	return res, ok
}

func (s *JobStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return false
	}
	delete(s.jobs, id)
	return true
}

// List returns stored results newest first.
func (s *JobStore) List() []LikelihoodResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LikelihoodResult, 0, len(s.jobs))
	for _, res := range s.jobs {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}
