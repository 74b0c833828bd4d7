// Package hive wires C4-C8 (the chunk store, revision model, lock table,
// submit coordinator, and transfer streams) plus hiveauth into the RPC
// surface a crv-hive daemon exposes. The transport itself (gRPC or
// otherwise) is out of scope (SPEC_FULL.md §1); this package only
// defines the method shapes a transport would dispatch into.
package hive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crv-vcs/crv/chunk"
	"github.com/crv-vcs/crv/config"
	"github.com/crv-vcs/crv/crverr"
	"github.com/crv-vcs/crv/hiveauth"
	"github.com/crv-vcs/crv/metrics"
	"github.com/crv-vcs/crv/repo"
	"github.com/crv-vcs/crv/revision"
	"github.com/crv-vcs/crv/submit"
	"github.com/crv-vcs/crv/transfer"
	"github.com/sirupsen/logrus"
)

// BonjourInfo is the unauthenticated handshake response every edge client
// fetches first to learn what it is talking to.
type BonjourInfo struct {
	ServerVersion string
	ShardCount    int
}

// Server is a crv-hive daemon's RPC surface, backed by one repo.Store and
// one submit.Coordinator shared across every branch.
type Server struct {
	cfg     *config.HiveConfig
	logger  *logrus.Logger
	metrics *metrics.Registry

	store       *repo.Store
	coordinator *submit.Coordinator
	issuer      *hiveauth.Issuer
	users       *hiveauth.UserStore
}

// NewServer constructs a Server over an already-opened repo.Store and
// starts the submit coordinator's ticket sweeper so abandoned
// launch_submit tickets release their locks after DefaultTicketTTL
// instead of leaking for the life of the daemon.
func NewServer(cfg *config.HiveConfig, logger *logrus.Logger, reg *metrics.Registry, store *repo.Store, issuer *hiveauth.Issuer, users *hiveauth.UserStore) *Server {
	coordinator := submit.NewCoordinator()
	coordinator.StartTicketSweeper(submit.DefaultSweepInterval)
	return &Server{
		cfg:         cfg,
		logger:      logger,
		metrics:     reg,
		store:       store,
		coordinator: coordinator,
		issuer:      issuer,
		users:       users,
	}
}

// Close stops the submit coordinator's background ticket sweeper. Callers
// should invoke this during daemon shutdown.
func (s *Server) Close() {
	s.coordinator.StopTicketSweeper()
}

// Bonjour is the one handshake RPC that needs no bearer token.
func (s *Server) Bonjour() BonjourInfo {
	return BonjourInfo{ServerVersion: "crv-hive/0.1", ShardCount: s.cfg.ShardCount}
}

// Login authenticates a username/password pair and mints a bearer token.
// It is, like Bonjour, unauthenticated by definition.
func (s *Server) Login(username, password string) (hiveauth.Token, error) {
	u, ok := s.users.Get(username)
	if !ok || u.PasswordHash != password {
		return hiveauth.Token{}, crverr.New(crverr.Unauthenticated, "invalid username or password")
	}
	return s.issuer.Issue(username)
}

func (s *Server) authenticate(bearer string) (hiveauth.Token, error) {
	return s.issuer.Validate(bearer)
}

// CreateBranch is a thin admin convenience wrapping the coordinator's
// branch creation, gated behind the same bearer-token check as every
// other authenticated method.
func (s *Server) CreateBranch(bearer, branchID, createdBy string) (*submit.Branch, error) {
	if _, err := s.authenticate(bearer); err != nil {
		return nil, err
	}
	return s.coordinator.CreateBranch(branchID, createdBy), nil
}

// LaunchSubmit validates the bearer token and delegates to the submit
// coordinator.
func (s *Server) LaunchSubmit(ctx context.Context, bearer, branchID string, files []submit.FileIntent) (submit.LaunchResult, error) {
	if _, err := s.authenticate(bearer); err != nil {
		return submit.LaunchResult{}, err
	}
	return s.coordinator.LaunchSubmit(branchID, files)
}

// Submit validates the bearer token, checks chunk membership against the
// chunk store, and delegates to the submit coordinator.
func (s *Server) Submit(ctx context.Context, bearer, ticket string, meta submit.ChangelistMetadata, manifest []submit.FileManifest) (submit.SubmitResult, error) {
	if _, err := s.authenticate(bearer); err != nil {
		return submit.SubmitResult{}, err
	}
	mintedAt, hasMintedAt := s.coordinator.TicketMintedAt(ticket)
	result, err := s.coordinator.Submit(ticket, meta, manifest, s.store.Contains)
	if s.metrics != nil {
		outcome := "committed"
		switch {
		case err != nil:
			outcome = "error"
		case len(result.MissingChunks) > 0:
			outcome = "missing_chunks"
		}
		s.metrics.SubmitsTotal.WithLabelValues(outcome).Inc()
		if err == nil && result.Success && hasMintedAt {
			s.metrics.SubmitDuration.Observe(time.Since(mintedAt).Seconds())
		}
	}
	return result, err
}

// UploadFileChunks validates the bearer token, then drains chunks from
// the caller-supplied channel into the chunk store via one
// transfer.Ingest for the whole stream until the channel closes or ctx is
// cancelled.
func (s *Server) UploadFileChunks(ctx context.Context, bearer string, chunks <-chan transfer.FileChunk) error {
	if _, err := s.authenticate(bearer); err != nil {
		return err
	}
	ingest := transfer.NewIngest(s.store)
	chunkBytes := map[chunk.Hash]int{}
	for {
		select {
		case <-ctx.Done():
			return crverr.Wrap(crverr.Cancelled, ctx.Err(), "upload cancelled")
		case msg, ok := <-chunks:
			if !ok {
				return nil
			}
			if err := ingest.Receive(msg); err != nil {
				return err
			}
			if s.metrics != nil {
				s.metrics.BytesUploaded.Add(float64(len(msg.Bytes)))
				chunkBytes[msg.ChunkHash] += len(msg.Bytes)
				if msg.IsLast {
					s.metrics.ChunksUploaded.Inc()
					s.metrics.UploadChunkSize.Observe(float64(chunkBytes[msg.ChunkHash]))
					delete(chunkBytes, msg.ChunkHash)
				}
			}
		}
	}
}

// DownloadFileChunks validates the bearer token, then fragments each
// resolved chunk into packets via transfer.Download.
func (s *Server) DownloadFileChunks(ctx context.Context, bearer string, hashes []chunk.Hash, packetSize int) (<-chan transfer.Packet, error) {
	if _, err := s.authenticate(bearer); err != nil {
		return nil, err
	}
	packets, errs := transfer.Download(ctx, hashes, packetSize, s.store.Resolve)
	if s.metrics == nil {
		return packets, nil
	}

	out := make(chan transfer.Packet, transfer.DefaultOutboundBufferSize)
	go func() {
		defer close(out)
		for p := range packets {
			s.metrics.BytesDownloaded.Add(float64(len(p.Bytes)))
			if p.IsLast {
				s.metrics.ChunksDownloaded.Inc()
				s.metrics.DownloadChunkSize.Observe(float64(p.OffsetInChunk + uint64(len(p.Bytes))))
			}
			out <- p
		}
	}()
	go func() {
		if err := <-errs; err != nil {
			s.logger.WithError(err).Warn("download stream terminated early")
		}
	}()
	return out, nil
}

// MaterializeFile resolves every chunk in rev and writes the
// reconstructed file to destPath, validating the bearer token first.
func (s *Server) MaterializeFile(bearer string, rev revision.FileRevision, destPath string) error {
	if _, err := s.authenticate(bearer); err != nil {
		return err
	}
	return revision.Materialize(rev, s.store.Resolve, destPath)
}

// AdminServer is the boundary interface for user/workspace/token
// administration (SPEC_FULL.md §6): present so a real admin surface can
// be grafted on, backed here only by the in-memory hiveauth.UserStore.
type AdminServer interface {
	ListWorkspaces(bearer string) ([]string, error)
	UpsertWorkspace(bearer, name string) error
	CreateToken(bearer, forUser string) (hiveauth.Token, error)
	ListTokens(bearer string) ([]string, error)
	RevokeToken(bearer, raw string) error
}

// memAdmin is the minimal in-memory AdminServer implementation described
// in SPEC_FULL.md §6: enough to authenticate against, not a real admin
// surface.
type memAdmin struct {
	srv *Server

	mu         sync.Mutex
	workspaces map[string]struct{}
	tokens     map[string]string // raw -> subject
}

// NewAdminServer builds the minimal in-memory AdminServer for srv.
func NewAdminServer(srv *Server) AdminServer {
	return &memAdmin{srv: srv, workspaces: make(map[string]struct{}), tokens: make(map[string]string)}
}

func (a *memAdmin) ListWorkspaces(bearer string) ([]string, error) {
	if _, err := a.srv.authenticate(bearer); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.workspaces))
	for w := range a.workspaces {
		out = append(out, w)
	}
	return out, nil
}

func (a *memAdmin) UpsertWorkspace(bearer, name string) error {
	if _, err := a.srv.authenticate(bearer); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.workspaces[name] = struct{}{}
	return nil
}

func (a *memAdmin) CreateToken(bearer, forUser string) (hiveauth.Token, error) {
	if _, err := a.srv.authenticate(bearer); err != nil {
		return hiveauth.Token{}, err
	}
	tok, err := a.srv.issuer.Issue(forUser)
	if err != nil {
		return hiveauth.Token{}, err
	}
	a.mu.Lock()
	a.tokens[tok.Raw] = forUser
	a.mu.Unlock()
	return tok, nil
}

func (a *memAdmin) ListTokens(bearer string) ([]string, error) {
	if _, err := a.srv.authenticate(bearer); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.tokens))
	for raw, subject := range a.tokens {
		out = append(out, fmt.Sprintf("%s (%s)", raw, subject))
	}
	return out, nil
}

func (a *memAdmin) RevokeToken(bearer, raw string) error {
	if _, err := a.srv.authenticate(bearer); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.tokens, raw)
	return nil
}
