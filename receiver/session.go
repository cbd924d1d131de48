package receiver

import (
	"sync"
	"time"

	ttlworker "github.com/FloatTech/ttl"

	"github.com/moyoez/chunkrecv/types"
)

// sessionEntry is what the table remembers about a Receiving upload.
type sessionEntry struct {
	total       int // 0 while unknown
	fileName    string
	fileType    string
	sha256      string
	destination string
	createdAt   time.Time
	updatedAt   time.Time
}

// sessionTable tracks upload lifecycle state in memory. Chunk bytes and
// indices live in ChunkStorage; this only holds what storage cannot answer.
type sessionTable struct {
	mu        sync.Mutex
	receiving *ttlworker.Cache[string, *sessionEntry]
	completed *ttlworker.Cache[string, *types.Artifact]
	abandoned *ttlworker.Cache[string, time.Time]
	now       func() time.Time
}

func newSessionTable(sessionTTL, terminalTTL time.Duration, now func() time.Time) *sessionTable {
	return &sessionTable{
		receiving: ttlworker.NewCache[string, *sessionEntry](sessionTTL),
		completed: ttlworker.NewCache[string, *types.Artifact](terminalTTL),
		abandoned: ttlworker.NewCache[string, time.Time](terminalTTL),
		now:       now,
	}
}

func (t *sessionTable) artifact(id string) *types.Artifact {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed.Get(id)
}

func (t *sessionTable) isAbandoned(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.abandoned.Get(id).IsZero()
}

// knownTotal returns the total remembered for id, 0 if none.
func (t *sessionTable) knownTotal(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := t.receiving.Get(id); e != nil {
		return e.total
	}
	return 0
}

// observe records d against its session, creating it on first arrival, and
// returns the chunk total now known for the upload.
func (t *sessionTable) observe(d *types.ChunkDescriptor) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	e := t.receiving.Get(d.UploadID)
	if e == nil {
		e = &sessionEntry{createdAt: now}
	}
	total, err := reconcileTotal(d, e.total)
	if err != nil {
		return 0, err
	}
	e.total = total
	e.updatedAt = now
	if d.FileName != "" {
		e.fileName = d.FileName
	}
	if d.FileType != "" {
		e.fileType = d.FileType
	}
	if d.SHA256 != "" {
		e.sha256 = d.SHA256
	}
	if d.Destination != "" {
		e.destination = d.Destination
	}
	t.receiving.Set(d.UploadID, e)
	return total, nil
}

// entry returns a copy of the session entry, or false when none is tracked.
func (t *sessionTable) entry(id string) (sessionEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.receiving.Get(id)
	if e == nil {
		return sessionEntry{}, false
	}
	return *e, true
}

func (t *sessionTable) complete(id string, art *types.Artifact) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed.Set(id, art)
	t.receiving.Delete(id)
}

func (t *sessionTable) abandon(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.abandoned.Set(id, t.now())
	t.receiving.Delete(id)
}

// reconcileTotal merges the total carried by d with the one already known.
// An is-last flag on index k pins the total to k+1.
func reconcileTotal(d *types.ChunkDescriptor, known int) (int, error) {
	total := known
	if d.HasTotal() {
		if known > 0 && d.Total != known {
			return 0, ErrTotalChanged
		}
		total = d.Total
	}
	if d.IsLast {
		inferred := d.Index + 1
		if total > 0 && inferred != total {
			return 0, ErrTotalChanged
		}
		total = inferred
	}
	return total, nil
}
