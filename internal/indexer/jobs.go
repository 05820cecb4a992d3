package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// State is a step of the ingestion state machine.
type State string

const (
	StateReceived  State = "received"
	StateCleaning  State = "cleaning_up"
	StateParsing   State = "parsing"
	StateEmbedding State = "embedding"
	StateWriting   State = "writing"
	StateDone      State = "done"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

// Job is the queryable status of one ingestion run.
type Job struct {
	ID          string    `json:"id"`
	FileName    string    `json:"fileName"`
	Namespace   string    `json:"namespace"`
	State       State     `json:"state"`
	Parsed      int       `json:"parsed"`
	Dropped     int       `json:"dropped"`
	Successful  int       `json:"successful"`
	Failed      int       `json:"failed"`
	ChunksDone  int       `json:"chunksDone"`
	ChunksTotal int       `json:"chunksTotal"`
	RolledBack  int64     `json:"rolledBack,omitempty"`
	ArchiveKey  string    `json:"archiveKey,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// JobStore persists job status.
type JobStore interface {
	Save(ctx context.Context, job Job) error
	Get(ctx context.Context, id string) (Job, error)
	List(ctx context.Context) ([]Job, error)
}

// MemoryJobStore keeps jobs in process memory.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]Job)}
}

func (s *MemoryJobStore) Save(ctx context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryJobStore) Get(ctx context.Context, id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job, nil
}

func (s *MemoryJobStore) List(ctx context.Context) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	sortJobs(jobs)
	return jobs, nil
}

// RedisJobStore keeps jobs as JSON values with a TTL so finished jobs expire.
type RedisJobStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisJobStore(client redis.UniversalClient, ttl time.Duration) *RedisJobStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisJobStore{client: client, prefix: "recordsync:job:", ttl: ttl}
}

func (s *RedisJobStore) Save(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+job.ID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

func (s *RedisJobStore) Get(ctx context.Context, id string) (Job, error) {
	data, err := s.client.Get(ctx, s.prefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return Job{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return job, nil
}

func (s *RedisJobStore) List(ctx context.Context) ([]Job, error) {
	var jobs []Job
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		job, err := s.Get(ctx, iter.Val()[len(s.prefix):])
		if errors.Is(err, ErrJobNotFound) {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan jobs: %w", err)
	}
	sortJobs(jobs)
	return jobs, nil
}

func sortJobs(jobs []Job) {
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
}
