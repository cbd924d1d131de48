package receiver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/moyoez/chunkrecv/storage"
	"github.com/moyoez/chunkrecv/tool"
	"github.com/moyoez/chunkrecv/types"
)

const (
	DefaultSessionTTL   = 24 * time.Hour
	DefaultCompletedTTL = 24 * time.Hour
)

// Event is emitted to the Observer on upload lifecycle changes.
type Event struct {
	Type     string // one of the types.NotifyType* constants
	UploadID string
	Received int
	Total    int
	Artifact *types.Artifact
}

// Observer receives lifecycle events. It runs synchronously on the request path.
type Observer func(Event)

// Options configures a Coordinator.
type Options struct {
	DestinationResolver DestinationResolver
	MaxChunkSize        int64
	// SessionTTL bounds how long an idle Receiving upload keeps its declared total.
	SessionTTL time.Duration
	// CompletedTTL bounds how long a finished or abandoned id stays terminal.
	CompletedTTL time.Duration
	// AvoidOverwrite publishes to name-2.ext, name-3.ext... instead of replacing an existing file.
	AvoidOverwrite bool
	Logger         *log.Logger
	Observer       Observer
}

// Coordinator is the single entry point of the receiver. It owns the
// Absent -> Receiving -> Completed|Abandoned lifecycle of each upload id.
type Coordinator struct {
	store      storage.ChunkStorage
	normalizer *Normalizer
	classifier *Classifier
	assembler  *Assembler
	table      *sessionTable
	locks      *keyedMutex
	logger     *log.Logger
	observer   Observer
}

func New(store storage.ChunkStorage, opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = tool.DefaultLogger
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.CompletedTTL <= 0 {
		opts.CompletedTTL = DefaultCompletedTTL
	}
	table := newSessionTable(opts.SessionTTL, opts.CompletedTTL, time.Now)
	locks := newKeyedMutex()
	return &Coordinator{
		store:      store,
		normalizer: &Normalizer{Resolve: opts.DestinationResolver, MaxChunkSize: opts.MaxChunkSize},
		classifier: newClassifier(store, table, locks, opts.Logger),
		assembler:  NewAssembler(store, opts.Logger, opts.AvoidOverwrite),
		table:      table,
		locks:      locks,
		logger:     opts.Logger,
		observer:   opts.Observer,
	}
}

// Receive handles one request. Storage errors are returned unmodified.
func (c *Coordinator) Receive(ctx context.Context, raw *types.RawUpload) (types.Outcome, error) {
	d, err := c.normalizer.Normalize(raw)
	if err != nil {
		return types.Outcome{Kind: types.NotUploaded}, err
	}
	if d == nil {
		return types.Outcome{Kind: types.NotUploaded}, nil
	}

	dec, err := c.classifier.Classify(ctx, d)
	if err != nil {
		c.logger.Debugf("[Receive] %s chunk %d rejected: %v", d.UploadID, d.Index, err)
		return types.Outcome{Kind: types.NotUploaded, UploadID: d.UploadID}, err
	}

	switch {
	case dec.AlreadyCompleted:
		c.logger.Debugf("[Receive] %s already completed, chunk %d ignored", d.UploadID, d.Index)
		return types.Outcome{Kind: types.AlreadyCompleted, UploadID: d.UploadID,
			Received: dec.Artifact.Chunks, Total: dec.Artifact.Chunks, Artifact: dec.Artifact}, nil

	case dec.Kind == DecisionSingle:
		art, err := c.assembler.PublishSingle(ctx, d.UploadID, d.Content, d.Destination,
			ArtifactMeta{FileName: d.FileName, FileType: d.FileType, SHA256: d.SHA256})
		if err != nil {
			return types.Outcome{Kind: types.NotUploaded, UploadID: d.UploadID}, err
		}
		c.emit(Event{Type: types.NotifyTypeUploadCompleted, UploadID: d.UploadID, Received: 1, Total: 1, Artifact: art})
		return types.Outcome{Kind: types.Completed, UploadID: d.UploadID, Received: 1, Total: 1, Artifact: art}, nil

	case dec.Kind == DecisionPending:
		c.emit(Event{Type: types.NotifyTypeChunkAccepted, UploadID: d.UploadID, Received: dec.Received, Total: dec.Total})
		return types.Outcome{Kind: types.ChunkAccepted, UploadID: d.UploadID, Received: dec.Received, Total: dec.Total}, nil
	}

	return c.complete(ctx, d, dec)
}

// complete merges under the upload lock; a concurrent final chunk that lost the
// race observes the published artifact and reports AlreadyCompleted.
// Observers run after the lock is released.
func (c *Coordinator) complete(ctx context.Context, d *types.ChunkDescriptor, dec Decision) (types.Outcome, error) {
	out, err := c.mergeLocked(ctx, d, dec)
	if err == nil && out.Kind == types.Completed {
		c.emit(Event{Type: types.NotifyTypeUploadCompleted, UploadID: d.UploadID,
			Received: out.Received, Total: out.Total, Artifact: out.Artifact})
	}
	return out, err
}

func (c *Coordinator) mergeLocked(ctx context.Context, d *types.ChunkDescriptor, dec Decision) (types.Outcome, error) {
	unlock := c.locks.lock(d.UploadID)
	defer unlock()

	if art := c.table.artifact(d.UploadID); art != nil {
		return types.Outcome{Kind: types.AlreadyCompleted, UploadID: d.UploadID,
			Received: art.Chunks, Total: art.Chunks, Artifact: art}, nil
	}
	if c.table.isAbandoned(d.UploadID) {
		return types.Outcome{Kind: types.NotUploaded, UploadID: d.UploadID},
			fmt.Errorf("upload %s: %w", d.UploadID, ErrAbandoned)
	}

	meta := ArtifactMeta{FileName: d.FileName, FileType: d.FileType, SHA256: d.SHA256}
	dest := d.Destination
	if e, ok := c.table.entry(d.UploadID); ok {
		meta = ArtifactMeta{FileName: e.fileName, FileType: e.fileType, SHA256: e.sha256}
		if e.destination != "" {
			dest = e.destination
		}
	}
	art, err := c.assembler.Merge(ctx, d.UploadID, dest, meta)
	if err != nil {
		c.logger.Errorf("[Assemble] %s failed: %v", d.UploadID, err)
		return types.Outcome{Kind: types.NotUploaded, UploadID: d.UploadID, Received: dec.Received, Total: dec.Total}, err
	}
	c.table.complete(d.UploadID, art)
	return types.Outcome{Kind: types.Completed, UploadID: d.UploadID, Received: dec.Received, Total: dec.Total, Artifact: art}, nil
}

// Abandon purges a Receiving upload and makes its id terminal. Abandoning an
// unknown or already abandoned id succeeds; a completed id is left as is.
func (c *Coordinator) Abandon(ctx context.Context, uploadID string) error {
	if !ValidUploadID(uploadID) {
		return fmt.Errorf("%q: %w", uploadID, ErrInvalidUploadID)
	}
	first, err := c.abandonLocked(ctx, uploadID)
	if err != nil {
		return err
	}
	if first {
		c.logger.Infof("[Abandon] %s", uploadID)
		c.emit(Event{Type: types.NotifyTypeUploadAbandoned, UploadID: uploadID})
	}
	return nil
}

// abandonLocked reports whether this call moved the id to Abandoned.
func (c *Coordinator) abandonLocked(ctx context.Context, uploadID string) (bool, error) {
	unlock := c.locks.lock(uploadID)
	defer unlock()

	if c.table.artifact(uploadID) != nil {
		return false, nil
	}
	if err := c.store.Purge(ctx, uploadID); err != nil {
		return false, err
	}
	already := c.table.isAbandoned(uploadID)
	c.table.abandon(uploadID)
	return !already, nil
}

// Status reports the lifecycle state and received indices of an upload id.
func (c *Coordinator) Status(ctx context.Context, uploadID string) (types.UploadSession, error) {
	if !ValidUploadID(uploadID) {
		return types.UploadSession{}, fmt.Errorf("%q: %w", uploadID, ErrInvalidUploadID)
	}
	s := types.UploadSession{UploadID: uploadID, State: types.StateAbsent, Received: []int{}}
	if art := c.table.artifact(uploadID); art != nil {
		s.State = types.StateCompleted
		s.Total = art.Chunks
		s.FileName = art.FileName
		s.Destination = art.Path
		s.CreatedAt = art.CreatedAt
		s.UpdatedAt = art.CreatedAt
		s.Artifact = art
		return s, nil
	}
	if c.table.isAbandoned(uploadID) {
		s.State = types.StateAbandoned
		return s, nil
	}

	received, err := c.store.ReceivedIndices(ctx, uploadID)
	if err != nil {
		return s, err
	}
	e, tracked := c.table.entry(uploadID)
	if !tracked && len(received) == 0 {
		return s, nil
	}
	s.State = types.StateReceiving
	s.Received = received
	if tracked {
		s.Total = e.total
		s.FileName = e.fileName
		s.Destination = e.destination
		s.CreatedAt = e.createdAt
		s.UpdatedAt = e.updatedAt
	}
	return s, nil
}

func (c *Coordinator) emit(ev Event) {
	if c.observer != nil {
		c.observer(ev)
	}
}

// IsClientError reports whether err is a protocol violation the client must fix.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidChunkIndex) ||
		errors.Is(err, ErrInvalidUploadID) ||
		errors.Is(err, ErrChunkTooLarge) ||
		errors.Is(err, ErrIncompleteSet)
}
