package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bull/recordsync/internal/archive"
	"github.com/bull/recordsync/internal/csvparse"
	"github.com/bull/recordsync/internal/events"
	"github.com/bull/recordsync/internal/metrics"
	"github.com/bull/recordsync/internal/storage"
)

var (
	// ErrNoRecords fails a job whose file parsed to zero records.
	ErrNoRecords = errors.New("no valid records in upload")
	// ErrNoEmbeddings fails a job in which no record was embedded and written.
	ErrNoEmbeddings = errors.New("no record was embedded and written")
	// ErrJobFinished is returned when cancelling a job that already ended.
	ErrJobFinished = errors.New("job already finished")
)

// Upload is one file submitted for ingestion.
type Upload struct {
	FileName  string
	Namespace string
	Data      []byte
}

// Deps are the collaborators of an Ingestor. Archiver, Publisher, Locker,
// Jobs and Metrics are optional.
type Deps struct {
	Parser    *csvparse.Parser
	Pipeline  *Pipeline
	Writer    *Writer
	Jobs      JobStore
	Locker    Locker
	Archiver  archive.Archiver
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Ingestor drives uploads through cleanup, parsing, embedding and writing.
type Ingestor struct {
	parser    *csvparse.Parser
	pipeline  *Pipeline
	writer    *Writer
	jobs      JobStore
	locker    Locker
	archiver  archive.Archiver
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger

	base    context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewIngestor(d Deps) *Ingestor {
	if d.Parser == nil {
		d.Parser = csvparse.NewParser(0)
	}
	if d.Jobs == nil {
		d.Jobs = NewMemoryJobStore()
	}
	if d.Locker == nil {
		d.Locker = NewKeyedMutex()
	}
	if d.Archiver == nil {
		d.Archiver = archive.Nop{}
	}
	if d.Publisher == nil {
		d.Publisher = events.Nop{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	base, stop := context.WithCancel(context.Background())
	return &Ingestor{
		parser:    d.Parser,
		pipeline:  d.Pipeline,
		writer:    d.Writer,
		jobs:      d.Jobs,
		locker:    d.Locker,
		archiver:  d.Archiver,
		publisher: d.Publisher,
		metrics:   d.Metrics,
		logger:    d.Logger.With(zap.String("component", "ingestor")),
		base:      base,
		stop:      stop,
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Submit registers a job and runs it in the background. It returns as soon
// as the job is recorded.
func (in *Ingestor) Submit(ctx context.Context, up Upload) (string, error) {
	job, err := in.newJob(ctx, up)
	if err != nil {
		return "", err
	}

	jobCtx, cancel := context.WithCancel(in.base)
	in.track(job.ID, cancel)

	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		defer in.untrack(job.ID)
		in.run(jobCtx, job, up.Data)
	}()
	return job.ID, nil
}

// Run ingests synchronously and returns the final job status.
func (in *Ingestor) Run(ctx context.Context, up Upload) (Job, error) {
	job, err := in.newJob(ctx, up)
	if err != nil {
		return Job{}, err
	}
	jobCtx, cancel := context.WithCancel(ctx)
	in.track(job.ID, cancel)
	defer in.untrack(job.ID)

	job = in.run(jobCtx, job, up.Data)
	if job.State != StateDone {
		return job, fmt.Errorf("job %s %s: %s", job.ID, job.State, job.Error)
	}
	return job, nil
}

// Job returns the current status of a job.
func (in *Ingestor) Job(ctx context.Context, id string) (Job, error) {
	return in.jobs.Get(ctx, id)
}

// Jobs lists known jobs, newest first.
func (in *Ingestor) Jobs(ctx context.Context) ([]Job, error) {
	return in.jobs.List(ctx)
}

// Cancel stops a running job at its next chunk boundary.
func (in *Ingestor) Cancel(ctx context.Context, id string) error {
	in.mu.Lock()
	cancel, ok := in.cancels[id]
	in.mu.Unlock()
	if ok {
		cancel()
		return nil
	}
	if _, err := in.jobs.Get(ctx, id); err != nil {
		return err
	}
	return ErrJobFinished
}

// DeleteFile removes every record of a file from both stores. It waits for
// a running ingestion of the same key to finish first.
func (in *Ingestor) DeleteFile(ctx context.Context, fileName, namespace string) (DeleteResult, error) {
	if namespace == "" {
		namespace = storage.DefaultNamespace
	}
	unlock, err := in.locker.Lock(ctx, LockKey(fileName, namespace))
	if err != nil {
		return DeleteResult{}, fmt.Errorf("wait for lock: %w", err)
	}
	defer unlock()
	return in.writer.DeleteFile(ctx, fileName, namespace)
}

// Close cancels every running job and waits for them to stop.
func (in *Ingestor) Close() {
	in.stop()
	in.wg.Wait()
}

// Wait blocks until every submitted job has finished.
func (in *Ingestor) Wait() {
	in.wg.Wait()
}

func (in *Ingestor) newJob(ctx context.Context, up Upload) (Job, error) {
	if up.FileName == "" {
		return Job{}, errors.New("file name is required")
	}
	if up.Namespace == "" {
		up.Namespace = storage.DefaultNamespace
	}
	now := time.Now().UTC()
	job := Job{
		ID:        uuid.NewString(),
		FileName:  up.FileName,
		Namespace: up.Namespace,
		State:     StateReceived,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := in.jobs.Save(ctx, job); err != nil {
		return Job{}, fmt.Errorf("register job: %w", err)
	}
	in.publish(job)
	return job, nil
}

func (in *Ingestor) track(id string, cancel context.CancelFunc) {
	in.mu.Lock()
	in.cancels[id] = cancel
	in.mu.Unlock()
}

func (in *Ingestor) untrack(id string) {
	in.mu.Lock()
	if cancel, ok := in.cancels[id]; ok {
		cancel()
		delete(in.cancels, id)
	}
	in.mu.Unlock()
}

// run executes the state machine for one job and returns its final status.
func (in *Ingestor) run(ctx context.Context, job Job, data []byte) Job {
	log := in.logger.With(
		zap.String("job_id", job.ID),
		zap.String("file", job.FileName),
		zap.String("namespace", job.Namespace))

	unlock, err := in.locker.Lock(ctx, LockKey(job.FileName, job.Namespace))
	if err != nil {
		return in.finish(ctx, log, job, nil, fmt.Errorf("wait for lock: %w", err))
	}
	defer unlock()

	if key, err := in.archiver.Put(ctx, job.ID, job.Namespace, job.FileName, data); err != nil {
		log.Warn("archiving upload failed", zap.Error(err))
	} else {
		job.ArchiveKey = key
	}

	job = in.transition(ctx, job, StateCleaning)
	deleted, err := in.writer.DeleteFile(ctx, job.FileName, job.Namespace)
	if err != nil {
		return in.finish(ctx, log, job, nil, fmt.Errorf("cleanup: %w", err))
	}
	log.Info("cleaned up previous ingestion",
		zap.Int64("documents", deleted.Documents), zap.Int("vectors", deleted.Vectors))

	if err := ctx.Err(); err != nil {
		return in.finish(ctx, log, job, nil, err)
	}

	job = in.transition(ctx, job, StateParsing)
	parsed, err := in.parser.Parse(data, job.FileName, job.Namespace)
	if err != nil {
		return in.finish(ctx, log, job, nil, fmt.Errorf("parse: %w", err))
	}
	for _, d := range parsed.Dropped {
		log.Warn("dropped row", zap.Int("line", d.Line), zap.String("code", d.Code), zap.String("reason", d.Reason))
	}
	if parsed.HeaderNormalized {
		log.Info("header delimiter normalized")
	}
	job.Parsed = len(parsed.Records)
	job.Dropped = len(parsed.Dropped)
	if len(parsed.Records) == 0 {
		return in.finish(ctx, log, job, nil, ErrNoRecords)
	}

	job = in.transition(ctx, job, StateEmbedding)
	result, err := in.runPipeline(ctx, &job, parsed.Records)
	if result != nil {
		job.Successful = result.Successful
		job.Failed = result.Failed
	}
	return in.finish(ctx, log, job, result, err)
}

// runPipeline runs the pipeline with a progress hook bound to this job.
func (in *Ingestor) runPipeline(ctx context.Context, job *Job, records []storage.Record) (*PipelineResult, error) {
	p := *in.pipeline
	p.OnChunk = func(done, total int) {
		job.ChunksDone, job.ChunksTotal = done, total
		if job.State != StateWriting {
			*job = in.transition(ctx, *job, StateWriting)
			return
		}
		in.save(ctx, *job)
	}
	return p.Run(ctx, records)
}

// finish applies the rollback policy and records the terminal state.
func (in *Ingestor) finish(ctx context.Context, log *zap.Logger, job Job, result *PipelineResult, err error) Job {
	// Rollback must outlive a cancelled job context.
	cleanupCtx := context.WithoutCancel(ctx)

	if result != nil {
		for _, cf := range result.ChunkFailures {
			if !IsVectorSide(cf.Err) {
				continue
			}
			res, derr := in.writer.Delete(cleanupCtx, cf.Codes)
			job.RolledBack += res.Documents
			if derr != nil {
				log.Error("rollback of dangling documents failed", zap.Strings("codes", cf.Codes), zap.Error(derr))
			}
		}
	}

	state := StateDone
	switch {
	case errors.Is(err, context.Canceled):
		state = StateCancelled
	case err != nil:
		state = StateFailed
	case result != nil && result.Successful == 0:
		state = StateFailed
		err = ErrNoEmbeddings
	}

	if (state == StateCancelled || state == StateFailed) && result != nil && (result.Successful > 0 || result.ReachedVectorStore()) {
		res, derr := in.writer.DeleteFile(cleanupCtx, job.FileName, job.Namespace)
		job.RolledBack += res.Documents
		if derr != nil {
			log.Error("rollback of file failed", zap.Error(derr))
		}
	}

	job.State = state
	job.UpdatedAt = time.Now().UTC()
	if err != nil {
		job.Error = err.Error()
	}
	in.save(cleanupCtx, job)
	in.publish(job)
	in.metrics.JobFinished(string(state))

	fields := []zap.Field{
		zap.String("state", string(state)),
		zap.Int("parsed", job.Parsed),
		zap.Int("successful", job.Successful),
		zap.Int("failed", job.Failed),
		zap.Int64("rolled_back", job.RolledBack),
	}
	if err != nil {
		log.Error("ingestion job ended", append(fields, zap.Error(err))...)
	} else {
		log.Info("ingestion job ended", fields...)
	}
	return job
}

func (in *Ingestor) transition(ctx context.Context, job Job, state State) Job {
	job.State = state
	job.UpdatedAt = time.Now().UTC()
	in.save(ctx, job)
	in.publish(job)
	return job
}

func (in *Ingestor) save(ctx context.Context, job Job) {
	if err := in.jobs.Save(context.WithoutCancel(ctx), job); err != nil {
		in.logger.Warn("saving job status failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (in *Ingestor) publish(job Job) {
	ev := events.JobEvent{
		JobID:      job.ID,
		FileName:   job.FileName,
		Namespace:  job.Namespace,
		State:      string(job.State),
		Successful: job.Successful,
		Failed:     job.Failed,
		Error:      job.Error,
		Timestamp:  job.UpdatedAt,
	}
	if err := in.publisher.Publish(context.Background(), ev); err != nil {
		in.logger.Warn("publishing job event failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}
