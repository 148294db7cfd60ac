// Package recording runs session captures: one encoder process per recording,
// supervised until the file is uploaded or the attempt fails.
package recording

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/Teleroom/internal/core"
	"github.com/dkeye/Teleroom/internal/domain"
	"github.com/dkeye/Teleroom/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultUploadTimeout = 10 * time.Minute

// State is what Status reports: "active" while the encoder is supervised,
// otherwise the persisted status.
type State struct {
	State     string            `json:"state"`
	Recording *domain.Recording `json:"recording"`
}

type Pipeline struct {
	store   core.RecordingStore
	storage core.Storage
	encoder Encoder
	dir     string
	log     zerolog.Logger

	now           func() time.Time
	uploadTimeout time.Duration

	mu       sync.Mutex
	tasks    map[domain.RecordingID]*task
	watchers []func(*domain.Recording)
	wg       sync.WaitGroup
}

type task struct {
	mu      sync.Mutex
	rec     *domain.Recording
	enc     Task
	stopped bool
	settled chan struct{}
}

func NewPipeline(store core.RecordingStore, storage core.Storage, encoder Encoder, dir string) *Pipeline {
	return &Pipeline{
		store:         store,
		storage:       storage,
		encoder:       encoder,
		dir:           dir,
		log:           log.With().Str("module", "recording").Logger(),
		now:           time.Now,
		uploadTimeout: defaultUploadTimeout,
		tasks:         make(map[domain.RecordingID]*task),
	}
}

func (p *Pipeline) localPath(r *domain.Recording) string {
	return filepath.Join(p.dir, fmt.Sprintf("%s_%s.%s", r.SessionID, r.ID, r.Format))
}

func storageKey(r *domain.Recording) string {
	return fmt.Sprintf("%s/%s.%s", r.SessionID, r.ID, r.Format)
}

// Start persists a pending record, spawns the encoder and returns once the
// recording is running. Encoder spawn failures leave a failed record behind.
func (p *Pipeline) Start(ctx context.Context, req core.RecordingRequest) (*domain.Recording, error) {
	rec := &domain.Recording{
		ID:         domain.RecordingID(uuid.NewString()),
		SessionID:  req.SessionID,
		Status:     domain.RecPending,
		Quality:    req.Quality,
		Format:     req.Format,
		Resolution: req.Resolution,
		Streams:    append([]domain.RecordingStream(nil), req.Streams...),
		Analytics:  req.Analytics,
		Metadata:   map[string]string{"sessionId": string(req.SessionID)},
		CreatedAt:  p.now(),
	}
	rec.LocalPath = p.localPath(rec)
	if err := p.store.CreateRecording(ctx, rec); err != nil {
		return nil, domain.Wrap(domain.KindUpstreamFailure, err, "persist recording")
	}
	metrics.RecordingsTotal.WithLabelValues(string(domain.RecPending)).Inc()

	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return nil, p.failStart(ctx, rec, err)
	}
	enc, err := p.encoder.Start(ctx, EncodeJob{
		RecordingID: rec.ID,
		SessionID:   rec.SessionID,
		Streams:     rec.Streams,
		Quality:     rec.Quality,
		Format:      rec.Format,
		Resolution:  rec.Resolution,
		OutputPath:  rec.LocalPath,
	})
	if err != nil {
		return nil, p.failStart(ctx, rec, err)
	}

	started := p.now()
	rec.StartedAt = &started
	if err := rec.Advance(domain.RecRecording); err != nil {
		_ = enc.Stop()
		return nil, err
	}
	if err := p.store.UpdateRecording(ctx, rec); err != nil {
		_ = enc.Stop()
		return nil, p.failStart(ctx, rec, err)
	}
	metrics.RecordingsTotal.WithLabelValues(string(domain.RecRecording)).Inc()

	t := &task{rec: rec, enc: enc, settled: make(chan struct{})}
	p.mu.Lock()
	p.tasks[rec.ID] = t
	p.mu.Unlock()

	p.wg.Add(1)
	go p.supervise(t)

	p.log.Info().
		Str("recording_id", string(rec.ID)).
		Str("session_id", string(rec.SessionID)).
		Int("streams", len(rec.Streams)).
		Msg("recording started")
	return rec.Clone(), nil
}

func (p *Pipeline) failStart(ctx context.Context, rec *domain.Recording, cause error) error {
	rec.Fail(cause.Error())
	if err := p.store.UpdateRecording(ctx, rec); err != nil {
		p.log.Error().Err(err).Str("recording_id", string(rec.ID)).Msg("persist failed recording")
	}
	metrics.RecordingsTotal.WithLabelValues(string(domain.RecFailed)).Inc()
	return domain.Wrap(domain.KindUpstreamFailure, cause, "start encoder")
}

// Stop requests a graceful encoder stop and returns without waiting for the
// upload. Stopping an unknown or already finished recording returns its
// stored record.
func (p *Pipeline) Stop(ctx context.Context, id domain.RecordingID) (*domain.Recording, error) {
	t := p.task(id)
	if t == nil {
		return p.store.FindRecording(ctx, id)
	}

	t.mu.Lock()
	if t.stopped {
		snap := t.rec.Clone()
		t.mu.Unlock()
		return snap, nil
	}
	t.stopped = true
	if t.rec.Status == domain.RecRecording {
		t.rec.Stamp(p.now())
		_ = t.rec.Advance(domain.RecProcessing)
		p.persist(ctx, t.rec)
	}
	snap := t.rec.Clone()
	t.mu.Unlock()

	if err := t.enc.Stop(); err != nil {
		p.log.Warn().Err(err).Str("recording_id", string(id)).Msg("stop encoder")
	}
	return snap, nil
}

// supervise is the only place a task leaves the table.
func (p *Pipeline) supervise(t *task) {
	defer p.wg.Done()
	<-t.enc.Done()

	ctx, cancel := context.WithTimeout(context.Background(), p.uploadTimeout)
	defer cancel()

	t.mu.Lock()
	// Any unclean exit fails the recording, stopped or not. The partial file
	// is never uploaded.
	if encErr := t.enc.Err(); encErr != nil {
		t.rec.Stamp(p.now())
		t.rec.Fail("encoder exited: " + encErr.Error())
		p.persist(ctx, t.rec)
		p.log.Error().Err(encErr).Str("recording_id", string(t.rec.ID)).Bool("stopped", t.stopped).Msg("encoder failed")
		t.mu.Unlock()
		p.settle(t)
		return
	}
	if t.rec.Status == domain.RecRecording {
		t.rec.Stamp(p.now())
		_ = t.rec.Advance(domain.RecProcessing)
	}
	processed := p.now()
	t.rec.ProcessedAt = &processed
	if fi, err := os.Stat(t.rec.LocalPath); err == nil {
		t.rec.FileSize = fi.Size()
	}
	p.persist(ctx, t.rec)
	path, key := t.rec.LocalPath, storageKey(t.rec)
	meta := map[string]string{
		"recordingId": string(t.rec.ID),
		"sessionId":   string(t.rec.SessionID),
		"format":      string(t.rec.Format),
	}
	t.mu.Unlock()

	begin := time.Now()
	obj, upErr := p.storage.Upload(ctx, path, key, meta)
	metrics.RecordUpload(upErr == nil, time.Since(begin))

	t.mu.Lock()
	if upErr != nil {
		// The local file stays for a retry or manual recovery.
		t.rec.Fail("upload: " + upErr.Error())
		p.persist(ctx, t.rec)
		t.mu.Unlock()
		p.log.Error().Err(upErr).Str("recording_id", string(t.rec.ID)).Str("path", path).Msg("upload failed")
		p.settle(t)
		return
	}
	uploaded := p.now()
	t.rec.StorageURL = obj.URL
	t.rec.StorageKey = obj.Key
	t.rec.UploadedAt = &uploaded
	_ = t.rec.Advance(domain.RecCompleted)
	p.persist(ctx, t.rec)
	t.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		p.log.Warn().Err(err).Str("path", path).Msg("remove local recording")
	}
	p.log.Info().Str("recording_id", string(t.rec.ID)).Str("url", obj.URL).Msg("recording completed")
	p.settle(t)
}

// OnSettled registers fn to run once per recording when it reaches completed
// or failed. fn runs on the supervisor goroutine.
func (p *Pipeline) OnSettled(fn func(*domain.Recording)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.watchers = append(p.watchers, fn)
}

func (p *Pipeline) settle(t *task) {
	t.mu.Lock()
	final := t.rec.Clone()
	t.mu.Unlock()

	p.mu.Lock()
	delete(p.tasks, final.ID)
	watchers := slices.Clone(p.watchers)
	p.mu.Unlock()
	close(t.settled)

	for _, fn := range watchers {
		fn(final.Clone())
	}
}

func (p *Pipeline) persist(ctx context.Context, r *domain.Recording) {
	if err := p.store.UpdateRecording(ctx, r); err != nil {
		p.log.Error().Err(err).Str("recording_id", string(r.ID)).Str("status", string(r.Status)).Msg("persist recording")
		return
	}
	metrics.RecordingsTotal.WithLabelValues(string(r.Status)).Inc()
}

func (p *Pipeline) task(id domain.RecordingID) *task {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tasks[id]
}

// Wait blocks until the recording reaches a terminal status or ctx ends.
func (p *Pipeline) Wait(ctx context.Context, id domain.RecordingID) (*domain.Recording, error) {
	if t := p.task(id); t != nil {
		select {
		case <-t.settled:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return p.store.FindRecording(ctx, id)
}

// Find prefers the supervised copy, which is ahead of the store while a task
// runs.
func (p *Pipeline) Find(ctx context.Context, id domain.RecordingID) (*domain.Recording, error) {
	if t := p.task(id); t != nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.rec.Clone(), nil
	}
	return p.store.FindRecording(ctx, id)
}

func (p *Pipeline) Status(ctx context.Context, id domain.RecordingID) (State, error) {
	live := p.task(id) != nil
	rec, err := p.Find(ctx, id)
	if err != nil {
		return State{}, err
	}
	if live {
		return State{State: "active", Recording: rec}, nil
	}
	return State{State: string(rec.Status), Recording: rec}, nil
}

func (p *Pipeline) List(ctx context.Context, sessionID domain.SessionID) ([]*domain.Recording, error) {
	return p.store.ListRecordings(ctx, sessionID)
}

// Delete soft-deletes a finished recording. Live recordings must be stopped first.
func (p *Pipeline) Delete(ctx context.Context, id domain.RecordingID) error {
	if p.task(id) != nil {
		return domain.Ef(domain.KindInvalidState, "recording %s is still running", id)
	}
	return p.store.SoftDeleteRecording(ctx, id)
}

// Live reports whether path belongs to a supervised recording.
func (p *Pipeline) Live(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.tasks {
		if t.rec.LocalPath == path {
			return true
		}
	}
	return false
}

// Shutdown stops every running encoder and waits for the supervisors.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	ids := make([]domain.RecordingID, 0, len(p.tasks))
	for id := range p.tasks {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		if _, err := p.Stop(ctx, id); err != nil {
			p.log.Warn().Err(err).Str("recording_id", string(id)).Msg("stop on shutdown")
		}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
