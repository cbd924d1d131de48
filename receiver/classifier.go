package receiver

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/moyoez/chunkrecv/storage"
	"github.com/moyoez/chunkrecv/types"
)

// DecisionKind is the classifier verdict for one request.
type DecisionKind int

const (
	DecisionSingle DecisionKind = iota
	DecisionPending
	DecisionComplete
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionSingle:
		return "single"
	case DecisionPending:
		return "pending"
	case DecisionComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Decision is the result of Classify.
type Decision struct {
	Kind     DecisionKind
	Received int
	Total    int // 0 while unknown
	// AlreadyCompleted is set when the upload finished before this chunk; nothing was stored.
	AlreadyCompleted bool
	Artifact         *types.Artifact
}

// Classifier decides single vs chunked and, for chunks, whether the set is complete.
// Chunked requests are persisted before the completeness check.
type Classifier struct {
	store  storage.ChunkStorage
	table  *sessionTable
	locks  *keyedMutex
	logger *log.Logger
}

func newClassifier(store storage.ChunkStorage, table *sessionTable, locks *keyedMutex, logger *log.Logger) *Classifier {
	return &Classifier{store: store, table: table, locks: locks, logger: logger}
}

func (c *Classifier) Classify(ctx context.Context, d *types.ChunkDescriptor) (Decision, error) {
	if d.Kind == types.KindSingle {
		return Decision{Kind: DecisionSingle}, nil
	}
	if art := c.table.artifact(d.UploadID); art != nil {
		return Decision{Kind: DecisionComplete, AlreadyCompleted: true, Artifact: art}, nil
	}
	if c.table.isAbandoned(d.UploadID) {
		return Decision{}, fmt.Errorf("upload %s: %w", d.UploadID, ErrAbandoned)
	}
	if err := c.admit(d); err != nil {
		return Decision{}, err
	}

	if _, err := c.store.Put(ctx, d.UploadID, d.Index, d.Content); err != nil {
		return Decision{}, err
	}

	unlock := c.locks.lock(d.UploadID)
	defer unlock()
	return c.decide(ctx, d)
}

// admit validates the index against everything known before any write.
func (c *Classifier) admit(d *types.ChunkDescriptor) error {
	if d.Index < 0 {
		return invalidIndex(d.UploadID, d.Index, d.Total)
	}
	if d.HasTotal() && d.Index >= d.Total {
		return invalidIndex(d.UploadID, d.Index, d.Total)
	}
	known := c.table.knownTotal(d.UploadID)
	if _, err := reconcileTotal(d, known); err != nil {
		return fmt.Errorf("upload %s: %w", d.UploadID, err)
	}
	if known > 0 && d.Index >= known {
		return invalidIndex(d.UploadID, d.Index, known)
	}
	return nil
}

// decide runs under the upload lock, after the chunk landed.
func (c *Classifier) decide(ctx context.Context, d *types.ChunkDescriptor) (Decision, error) {
	id := d.UploadID
	// the upload may have finished or been abandoned while this chunk was in flight
	if art := c.table.artifact(id); art != nil {
		c.purgeStray(ctx, id)
		return Decision{Kind: DecisionComplete, AlreadyCompleted: true, Artifact: art}, nil
	}
	if c.table.isAbandoned(id) {
		c.purgeStray(ctx, id)
		return Decision{}, fmt.Errorf("upload %s: %w", id, ErrAbandoned)
	}

	received, err := c.store.ReceivedIndices(ctx, id)
	if err != nil {
		return Decision{}, err
	}
	// a total is only recorded when every stored index fits below it
	total, err := reconcileTotal(d, c.table.knownTotal(id))
	if err != nil {
		return Decision{}, fmt.Errorf("upload %s: %w", id, err)
	}
	if n := len(received); n > 0 && total > 0 && received[n-1] >= total {
		return Decision{}, fmt.Errorf("upload %s: index %d already stored, total %d: %w",
			id, received[n-1], total, ErrTotalChanged)
	}
	if total, err = c.table.observe(d); err != nil {
		return Decision{}, fmt.Errorf("upload %s: %w", id, err)
	}
	dec := Decision{Kind: DecisionPending, Received: len(received), Total: total}
	if total == 0 {
		return dec, nil
	}
	missing := missingIndices(received, total)
	switch {
	case len(missing) == 0:
		dec.Kind = DecisionComplete
	case d.IsLast:
		return Decision{}, &IncompleteSetError{UploadID: id, Total: total, Missing: missing}
	}
	return dec, nil
}

func (c *Classifier) purgeStray(ctx context.Context, id string) {
	if err := c.store.Purge(ctx, id); err != nil {
		c.logger.Warnf("[Receive] Failed to purge late chunk of %s: %v", id, err)
	}
}

// missingIndices lists the indices of [0,total) absent from the ascending received list.
func missingIndices(received []int, total int) []int {
	var missing []int
	next := 0
	for _, idx := range received {
		if idx >= total {
			break
		}
		for ; next < idx; next++ {
			missing = append(missing, next)
		}
		next = idx + 1
	}
	for ; next < total; next++ {
		missing = append(missing, next)
	}
	return missing
}
