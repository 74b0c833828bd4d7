// Package submit implements the two-phase launch-submit/submit protocol
// (C7): optimistic concurrency control over the depot's branches, with
// missing-chunk negotiation and a ticket-TTL sweeper.
package submit

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/crv-vcs/crv/chunk"
	"github.com/crv-vcs/crv/crverr"
	"github.com/crv-vcs/crv/depotlock"
	"github.com/crv-vcs/crv/revision"
	"github.com/google/uuid"
)

// DefaultTicketTTL matches spec.md's default of 15 minutes from mint.
const DefaultTicketTTL = 15 * time.Minute

// DefaultSweepInterval is how often StartTicketSweeper checks for expired
// tickets; a fraction of DefaultTicketTTL so an abandoned ticket's locks
// are released promptly after expiry rather than near the next TTL edge.
const DefaultSweepInterval = time.Minute

// Branch is one independently-versioned line of history. Its Store tracks
// per-path revision rows visible on this branch.
type Branch struct {
	ID               string
	CreatedAt        time.Time
	CreatedBy        string
	HeadChangelistID int64
	Metadata         map[string]string
	Store            *revision.Store
}

// Changelist is an immutable-once-submitted group of file revisions.
type Changelist struct {
	ID                 int64
	Author             string
	Description        string
	CommittedAt        time.Time
	SubmittedAt        *time.Time
	Files              map[string]revision.FileRevision // path -> revision
	ParentChangelistID int64
}

// FileIntent is one file's optimistic-concurrency precondition for
// launch_submit.
type FileIntent struct {
	FileID               string
	Path                 string
	ExpectedRevisionID   string
	ExpectedFileNotExist bool
	IsDelete             bool
}

// FileUnableToLock reports why one file's precondition or lock attempt
// failed.
type FileUnableToLock struct {
	FileID               string
	BranchID             string
	Path                 string
	CurrentFileRevision  string
	ExpectedFileRevision string
	ExpectedFileNotExist bool
}

// LaunchResult is launch_submit's outcome.
type LaunchResult struct {
	Ticket           string
	Success          bool
	FileUnableToLock []FileUnableToLock
}

// FileManifest is one file's content description for phase 2.
type FileManifest struct {
	Path            string
	IsDelete        bool
	ChunkHashes     []chunk.Hash
	Size            uint64
	FileMode        string
	ContentTypeHint string
}

// ChangelistMetadata carries the author-facing fields of a new changelist.
type ChangelistMetadata struct {
	Author      string
	Description string
}

// SubmitResult is submit's outcome. When MissingChunks is non-empty the
// ticket remains valid and the caller is expected to upload those chunks
// (C8) and retry.
type SubmitResult struct {
	Success         bool
	ChangelistID    int64
	CommittedAt     time.Time
	LatestRevisions []revision.FileRevision
	MissingChunks   []chunk.Hash
}

// ChunkMembership reports whether hash is resolvable anywhere in the
// repository (the union of every shard's sealed indexes plus any
// in-flight writable bundle). Satisfied by the repo layer without
// submit needing to import it.
type ChunkMembership func(h chunk.Hash) bool

type ticketState struct {
	branchID string
	files    []string
	mintedAt time.Time
}

// Coordinator owns branches, the lock table, and in-flight tickets.
type Coordinator struct {
	mu               sync.Mutex
	branches         map[string]*Branch
	branchCommitLock map[string]*sync.Mutex
	locks            *depotlock.Table
	tickets          map[string]*ticketState
	ticketTTL        time.Duration
	nextChangelistID int64

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewCoordinator returns a Coordinator with the default ticket TTL.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		branches:         make(map[string]*Branch),
		branchCommitLock: make(map[string]*sync.Mutex),
		locks:            depotlock.NewTable(),
		tickets:          make(map[string]*ticketState),
		ticketTTL:        DefaultTicketTTL,
	}
}

// SetTicketTTL overrides the default ticket TTL; intended for tests and
// config-driven tuning.
func (c *Coordinator) SetTicketTTL(ttl time.Duration) { c.ticketTTL = ttl }

// CreateBranch registers a new branch with changelist 0 (the implicit
// default) as its head.
func (c *Coordinator) CreateBranch(id, createdBy string) *Branch {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := &Branch{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		CreatedBy: createdBy,
		Metadata:  map[string]string{},
		Store:     revision.NewStore(),
	}
	c.branches[id] = b
	c.branchCommitLock[id] = &sync.Mutex{}
	return b
}

// GetBranch returns the branch registered under id.
func (c *Coordinator) GetBranch(id string) (*Branch, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.branches[id]
	return b, ok
}

func mintTicket() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func currentRevisionID(rev revision.FileRevision, ok bool) string {
	if !ok {
		return ""
	}
	return fmt.Sprintf("%d.%d", rev.Generation, rev.Revision)
}

// LaunchSubmit is phase 1: acquire locks on every requested file
// all-or-nothing, then validate each file's optimistic-concurrency
// precondition against the branch's current state.
func (c *Coordinator) LaunchSubmit(branchID string, files []FileIntent) (LaunchResult, error) {
	branch, ok := c.GetBranch(branchID)
	if !ok {
		return LaunchResult{}, crverr.New(crverr.NotFound, "branch not found: %s", branchID)
	}

	fileIDs := make([]string, len(files))
	for i, f := range files {
		fileIDs[i] = f.FileID
	}

	ticketID := mintTicket()
	_, conflicted := c.locks.TryLock(branchID, fileIDs, ticketID)
	if len(conflicted) > 0 {
		conflictSet := make(map[string]struct{}, len(conflicted))
		for _, f := range conflicted {
			conflictSet[f] = struct{}{}
		}
		var report []FileUnableToLock
		for _, f := range files {
			if _, isConflict := conflictSet[f.FileID]; isConflict {
				latest, err := branch.Store.GetLatestRevision(f.Path)
				report = append(report, FileUnableToLock{
					FileID:               f.FileID,
					BranchID:             branchID,
					Path:                 f.Path,
					CurrentFileRevision:  currentRevisionID(latest, err == nil),
					ExpectedFileRevision: f.ExpectedRevisionID,
					ExpectedFileNotExist: f.ExpectedFileNotExist,
				})
			}
		}
		return LaunchResult{Success: false, FileUnableToLock: report}, nil
	}

	var report []FileUnableToLock
	for _, f := range files {
		latest, err := branch.Store.GetLatestRevision(f.Path)
		exists := err == nil
		currentID := currentRevisionID(latest, exists)

		var valid bool
		switch {
		case f.IsDelete:
			valid = exists && !latest.IsDelete
		case f.ExpectedFileNotExist || f.ExpectedRevisionID == "":
			valid = !exists || latest.IsDelete
		default:
			valid = exists && !latest.IsDelete && currentID == f.ExpectedRevisionID
		}

		if !valid {
			report = append(report, FileUnableToLock{
				FileID:               f.FileID,
				BranchID:             branchID,
				Path:                 f.Path,
				CurrentFileRevision:  currentID,
				ExpectedFileRevision: f.ExpectedRevisionID,
				ExpectedFileNotExist: f.ExpectedFileNotExist,
			})
		}
	}

	if len(report) > 0 {
		c.locks.UnlockTicket(ticketID)
		return LaunchResult{Success: false, FileUnableToLock: report}, nil
	}

	c.mu.Lock()
	c.tickets[ticketID] = &ticketState{branchID: branchID, files: fileIDs, mintedAt: time.Now().UTC()}
	c.mu.Unlock()

	return LaunchResult{Ticket: ticketID, Success: true}, nil
}

// Submit is phase 2: check for missing chunks, and if none are missing,
// atomically commit the changelist and advance the branch head.
func (c *Coordinator) Submit(ticketID string, meta ChangelistMetadata, manifest []FileManifest, chunkExists ChunkMembership) (SubmitResult, error) {
	c.mu.Lock()
	ts, ok := c.tickets[ticketID]
	c.mu.Unlock()
	if !ok {
		return SubmitResult{}, crverr.New(crverr.NotFound, "unknown or consumed ticket: %s", ticketID)
	}

	branch, ok := c.GetBranch(ts.branchID)
	if !ok {
		return SubmitResult{}, crverr.New(crverr.FailedPrecondition, "branch no longer exists: %s", ts.branchID)
	}

	seen := map[chunk.Hash]struct{}{}
	var missing []chunk.Hash
	for _, f := range manifest {
		if f.IsDelete {
			continue
		}
		for _, h := range f.ChunkHashes {
			if _, dup := seen[h]; dup {
				continue
			}
			seen[h] = struct{}{}
			if !chunkExists(h) {
				missing = append(missing, h)
			}
		}
	}
	if len(missing) > 0 {
		return SubmitResult{Success: false, MissingChunks: missing}, nil
	}

	c.mu.Lock()
	commitLock := c.branchCommitLock[ts.branchID]
	c.mu.Unlock()
	commitLock.Lock()
	defer commitLock.Unlock()

	c.mu.Lock()
	c.nextChangelistID++
	changelistID := c.nextChangelistID
	c.mu.Unlock()

	committedAt := time.Now().UTC()
	revisions := make([]revision.FileRevision, 0, len(manifest))
	for _, f := range manifest {
		prevPtr := (*revision.FileRevision)(nil)
		if prev, err := branch.Store.GetLatestRevision(f.Path); err == nil {
			prevPtr = &prev
		}
		gen, rev := revision.NextRevision(prevPtr)

		fr := revision.FileRevision{
			Path:         f.Path,
			Generation:   gen,
			Revision:     rev,
			ChangelistID: changelistID,
			BinaryIDs:    f.ChunkHashes,
			Size:         f.Size,
			IsDelete:     f.IsDelete,
			CreatedAt:    committedAt,
			Metadata:     revision.Metadata{"file_mode": f.FileMode, "content_type": f.ContentTypeHint},
		}
		revisions = append(revisions, fr)
	}

	for _, fr := range revisions {
		branch.Store.EnsureFileRecord(fr.Path, branch.ID)
		branch.Store.AppendRevision(fr)
	}

	c.mu.Lock()
	delete(c.tickets, ticketID)
	c.mu.Unlock()

	branch.HeadChangelistID = changelistID
	c.locks.UnlockTicket(ticketID)

	return SubmitResult{
		Success:         true,
		ChangelistID:    changelistID,
		CommittedAt:     committedAt,
		LatestRevisions: revisions,
	}, nil
}

// StartTicketSweeper launches the background goroutine that invalidates
// and unlocks tickets older than the configured TTL, checking on the
// given interval.
func (c *Coordinator) StartTicketSweeper(interval time.Duration) {
	c.stop = make(chan struct{})
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweepExpiredTickets()
			case <-c.stop:
				return
			}
		}
	}()
}

// StopTicketSweeper stops the background sweeper started by
// StartTicketSweeper.
func (c *Coordinator) StopTicketSweeper() {
	if c.stop == nil {
		return
	}
	close(c.stop)
	c.wg.Wait()
}

func (c *Coordinator) sweepExpiredTickets() {
	now := time.Now().UTC()
	c.mu.Lock()
	var expired []string
	for id, ts := range c.tickets {
		if now.Sub(ts.mintedAt) > c.ticketTTL {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(c.tickets, id)
	}
	c.mu.Unlock()

	for _, id := range expired {
		c.locks.UnlockTicket(id)
	}
}

// TicketMintedAt reports when ticketID was minted by LaunchSubmit, for
// callers that want to measure launch-to-submit latency. Returns false if
// the ticket is unknown or has already been consumed.
func (c *Coordinator) TicketMintedAt(ticketID string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, ok := c.tickets[ticketID]
	if !ok {
		return time.Time{}, false
	}
	return ts.mintedAt, true
}

// TicketCount reports the number of in-flight tickets, for diagnostics
// and tests.
func (c *Coordinator) TicketCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tickets)
}
