package seal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/secrethub/secrethub/pkg/crypto"
	"github.com/secrethub/secrethub/pkg/log"
	"github.com/secrethub/secrethub/pkg/metrics"
	"github.com/secrethub/secrethub/pkg/types"
)

const (
	// DefaultAutoSealTTL is how long the master key stays in memory without
	// being accessed before the service seals itself.
	DefaultAutoSealTTL = 30 * time.Second

	keyCheckInfo  = "secrethub/key-check/v1"
	keyCheckProbe = "secrethub-key-check"

	commandQueueSize = 16
)

// Store is the subset of the storage layer the seal service needs.
type Store interface {
	CreateVaultConfig(ctx context.Context, cfg *types.VaultConfig) error
	GetVaultConfig(ctx context.Context) (*types.VaultConfig, error)
}

// AuditSink records seal lifecycle events. Unseal treats a sink failure as
// fatal and re-seals rather than running without an audit trail.
type AuditSink interface {
	Log(ctx context.Context, event *types.AuditEvent) error
}

// InitResult is returned exactly once from Initialize. The shares are never
// persisted and cannot be recovered if lost.
type InitResult struct {
	Shares      []string
	Threshold   int
	TotalShares int
}

type cmdKind int

const (
	cmdInitialize cmdKind = iota
	cmdSubmitShare
	cmdSeal
	cmdStatus
	cmdGetKey
)

type command struct {
	kind      cmdKind
	threshold int
	total     int
	share     string
	resp      chan result
}

type result struct {
	status types.SealStatus
	init   *InitResult
	key    []byte
	err    error
}

// Service owns the per-node seal state machine. All transitions run on a
// single goroutine so they are totally ordered; exported methods post
// commands to that goroutine and wait for the reply.
//
// The master key lives in a fixed buffer that is zeroed on every exit from
// the unsealed state, including auto-seal and shutdown.
type Service struct {
	store       Store
	audit       AuditSink
	autoSealTTL time.Duration
	logger      zerolog.Logger

	cmds     chan command
	quit     chan struct{}
	done     chan struct{}
	shutdown sync.Once

	// Owned exclusively by the run goroutine.
	state     types.SealState
	cfg       *types.VaultConfig
	keyBuf    [crypto.KeySize]byte
	pending   map[int]crypto.Share
	autoTimer *time.Timer
}

// New creates a seal service. The returned service is not running until
// Start is called.
func New(store Store, audit AuditSink, autoSealTTL time.Duration) *Service {
	if autoSealTTL <= 0 {
		autoSealTTL = DefaultAutoSealTTL
	}
	return &Service{
		store:       store,
		audit:       audit,
		autoSealTTL: autoSealTTL,
		logger:      log.WithComponent("seal"),
		cmds:        make(chan command, commandQueueSize),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		state:       types.SealStateUninitialized,
		pending:     make(map[int]crypto.Share),
	}
}

// Start loads the persisted vault configuration and launches the actor
// goroutine. A node always comes up sealed; plaintext key material never
// survives a restart.
func (s *Service) Start(ctx context.Context) error {
	cfg, err := s.store.GetVaultConfig(ctx)
	switch {
	case errors.Is(err, types.ErrNotFound):
		s.state = types.SealStateUninitialized
	case err != nil:
		return fmt.Errorf("loading vault config: %w", err)
	default:
		s.cfg = cfg
		s.state = types.SealStateSealed
	}

	s.autoTimer = time.NewTimer(time.Hour)
	if !s.autoTimer.Stop() {
		<-s.autoTimer.C
	}

	go s.run()

	s.logger.Info().
		Bool("initialized", s.cfg != nil).
		Dur("auto_seal_ttl", s.autoSealTTL).
		Msg("Seal service started")
	return nil
}

// Shutdown stops the actor goroutine and zeroes any resident key material.
// The command channel is never closed, so concurrent callers get ErrSealed
// instead of a send panic. Safe to call more than once.
func (s *Service) Shutdown() {
	s.shutdown.Do(func() { close(s.quit) })
	<-s.done
}

// Initialize generates a master key, splits it into total shares with the
// given threshold, persists the wrapped key, and returns the shares exactly
// once. The key-wrapping key is discarded after use; recovering the master
// key afterwards requires threshold shares.
func (s *Service) Initialize(ctx context.Context, threshold, total int) (*InitResult, error) {
	res, err := s.send(ctx, command{kind: cmdInitialize, threshold: threshold, total: total})
	if err != nil {
		return nil, err
	}
	return res.init, nil
}

// SubmitShare feeds one unseal share to the state machine and returns the
// resulting status. Submitting to an already unsealed service succeeds
// without consuming the share.
func (s *Service) SubmitShare(ctx context.Context, share string) (types.SealStatus, error) {
	res, err := s.send(ctx, command{kind: cmdSubmitShare, share: share})
	return res.status, err
}

// Seal transitions to sealed, zeroing the master key. Idempotent.
func (s *Service) Seal(ctx context.Context) (types.SealStatus, error) {
	res, err := s.send(ctx, command{kind: cmdSeal})
	return res.status, err
}

// Status reports seal state. Safe to call in any state; never blocks on I/O.
func (s *Service) Status(ctx context.Context) (types.SealStatus, error) {
	res, err := s.send(ctx, command{kind: cmdStatus})
	return res.status, err
}

// GetMasterKey returns a copy of the master key and rearms the auto-seal
// timer. Callers must zero the copy as soon as the encrypt or decrypt call
// that needed it completes.
func (s *Service) GetMasterKey(ctx context.Context) ([]byte, error) {
	res, err := s.send(ctx, command{kind: cmdGetKey})
	if err != nil {
		return nil, err
	}
	return res.key, nil
}

func (s *Service) send(ctx context.Context, cmd command) (result, error) {
	cmd.resp = make(chan result, 1)
	select {
	case s.cmds <- cmd:
	case <-s.quit:
		return result{}, types.ErrSealed
	case <-ctx.Done():
		return result{}, ctx.Err()
	case <-s.done:
		return result{}, types.ErrSealed
	}
	select {
	case res := <-cmd.resp:
		return res, res.err
	case <-s.done:
		// The shutdown drain may have answered this command already.
		select {
		case res := <-cmd.resp:
			return res, res.err
		default:
			return result{}, types.ErrSealed
		}
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

func (s *Service) run() {
	defer close(s.done)
	defer s.dropKey()

	for {
		select {
		case cmd := <-s.cmds:
			cmd.resp <- s.handle(cmd)
		case <-s.quit:
			for {
				select {
				case cmd := <-s.cmds:
					cmd.resp <- s.handle(cmd)
				default:
					if s.state == types.SealStateUnsealed {
						s.toSealed()
					}
					return
				}
			}
		case <-s.autoTimer.C:
			s.autoSeal()
		}
	}
}

func (s *Service) handle(cmd command) result {
	switch cmd.kind {
	case cmdInitialize:
		init, err := s.initialize(cmd.threshold, cmd.total)
		return result{init: init, status: s.status(), err: err}
	case cmdSubmitShare:
		err := s.submitShare(cmd.share)
		return result{status: s.status(), err: err}
	case cmdSeal:
		if s.state == types.SealStateUnsealed {
			s.toSealed()
			s.auditEvent(types.EventVaultSealed, "manual seal")
			s.logger.Info().Msg("Vault sealed")
		}
		return result{status: s.status()}
	case cmdStatus:
		return result{status: s.status()}
	case cmdGetKey:
		if s.state != types.SealStateUnsealed {
			return result{err: s.stateError()}
		}
		key := make([]byte, crypto.KeySize)
		copy(key, s.keyBuf[:])
		s.rearmTimer()
		return result{key: key}
	default:
		return result{err: fmt.Errorf("unknown seal command %d", cmd.kind)}
	}
}

func (s *Service) initialize(threshold, total int) (*InitResult, error) {
	if s.state != types.SealStateUninitialized {
		return nil, types.ErrAlreadyInitialized
	}

	master, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generating master key: %w", err)
	}
	defer crypto.Zeroize(master)

	shares, err := crypto.Split(master, threshold, total)
	if err != nil {
		return nil, fmt.Errorf("splitting master key: %w", err)
	}

	kwk, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generating key-wrapping key: %w", err)
	}
	defer crypto.Zeroize(kwk)

	wrapped, err := crypto.Encrypt(kwk, master)
	if err != nil {
		return nil, fmt.Errorf("wrapping master key: %w", err)
	}

	check, err := keyCheckValue(master)
	if err != nil {
		return nil, err
	}

	cfg := &types.VaultConfig{
		WrappedKey:  wrapped,
		KeyCheck:    check,
		Threshold:   threshold,
		TotalShares: total,
		CreatedAt:   time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.store.CreateVaultConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("persisting vault config: %w", err)
	}

	s.cfg = cfg
	s.state = types.SealStateSealed
	metrics.SealState.Set(1)

	encoded := make([]string, len(shares))
	for i, share := range shares {
		encoded[i] = share.Encode()
		crypto.Zeroize(share.Value)
	}

	s.auditEvent(types.EventVaultInitialized, fmt.Sprintf("threshold=%d total=%d", threshold, total))
	s.logger.Info().
		Int("threshold", threshold).
		Int("total_shares", total).
		Msg("Vault initialized")

	return &InitResult{Shares: encoded, Threshold: threshold, TotalShares: total}, nil
}

func (s *Service) submitShare(encoded string) error {
	switch s.state {
	case types.SealStateUninitialized:
		return types.ErrNotInitialized
	case types.SealStateUnsealed:
		// Already unsealed; accepting further shares is a no-op.
		return nil
	}

	share, err := crypto.DecodeShare(encoded)
	if err != nil {
		return err
	}

	// Duplicate share IDs do not advance progress.
	if _, seen := s.pending[share.ID]; !seen {
		s.pending[share.ID] = share
		metrics.UnsealProgress.Set(float64(len(s.pending)))
	}

	if len(s.pending) < s.cfg.Threshold {
		return nil
	}

	subset := make([]crypto.Share, 0, s.cfg.Threshold)
	for _, sh := range s.pending {
		subset = append(subset, sh)
		if len(subset) == s.cfg.Threshold {
			break
		}
	}

	master, err := crypto.Combine(subset)
	if err != nil {
		// Keep the pending set so the operator can retry after replacing
		// the corrupted share.
		return types.ErrReconstructionFailed
	}

	ok, err := verifyKeyCheck(master, s.cfg.KeyCheck)
	if err != nil || !ok {
		crypto.Zeroize(master)
		return types.ErrReconstructionFailed
	}
	if len(master) != crypto.KeySize {
		crypto.Zeroize(master)
		return types.ErrReconstructionFailed
	}

	copy(s.keyBuf[:], master)
	crypto.Zeroize(master)
	s.state = types.SealStateUnsealed
	s.clearPending()
	s.rearmTimer()
	metrics.SealState.Set(2)

	if err := s.auditUnseal(); err != nil {
		// No audit trail means no unsealed vault.
		s.toSealed()
		return types.ErrAuditWriteFailure
	}

	s.logger.Info().Msg("Vault unsealed")
	return nil
}

func (s *Service) auditUnseal() error {
	if s.audit == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return s.audit.Log(ctx, &types.AuditEvent{
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		EventType:     types.EventVaultUnsealed,
		ActorType:     types.ActorSystem,
		ActorID:       "seal",
		AccessGranted: true,
	})
}

func (s *Service) autoSeal() {
	if s.state != types.SealStateUnsealed {
		return
	}
	s.toSealed()
	metrics.AutoSealsTotal.Inc()
	s.auditEvent(types.EventVaultAutoSealed, "auto-seal timer expired")
	s.logger.Warn().Dur("ttl", s.autoSealTTL).Msg("Vault auto-sealed after inactivity")
}

// toSealed performs the sealed transition: zero the key, cancel the timer,
// clear pending shares. Every path out of unsealed funnels through here.
func (s *Service) toSealed() {
	s.dropKey()
	s.stopTimer()
	s.clearPending()
	s.state = types.SealStateSealed
	metrics.SealState.Set(1)
}

func (s *Service) dropKey() {
	crypto.Zeroize(s.keyBuf[:])
}

func (s *Service) clearPending() {
	for id, share := range s.pending {
		crypto.Zeroize(share.Value)
		delete(s.pending, id)
	}
	metrics.UnsealProgress.Set(0)
}

func (s *Service) rearmTimer() {
	s.stopTimer()
	s.autoTimer.Reset(s.autoSealTTL)
}

func (s *Service) stopTimer() {
	if !s.autoTimer.Stop() {
		select {
		case <-s.autoTimer.C:
		default:
		}
	}
}

func (s *Service) status() types.SealStatus {
	st := types.SealStatus{
		Initialized: s.cfg != nil,
		Sealed:      s.state != types.SealStateUnsealed,
		Progress:    len(s.pending),
	}
	if s.cfg != nil {
		st.Threshold = s.cfg.Threshold
		st.TotalShares = s.cfg.TotalShares
	}
	return st
}

func (s *Service) stateError() error {
	if s.state == types.SealStateUninitialized {
		return types.ErrNotInitialized
	}
	return types.ErrSealed
}

func (s *Service) auditEvent(eventType types.EventType, reason string) {
	if s.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err := s.audit.Log(ctx, &types.AuditEvent{
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		EventType:     eventType,
		ActorType:     types.ActorSystem,
		ActorID:       "seal",
		AccessGranted: true,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("event_type", string(eventType)).Str("reason", reason).
			Msg("Failed to record seal audit event")
	}
}

// keyCheckValue derives a verifier for a master key. The verifier proves a
// reconstructed key matches the one generated at initialization without
// storing anything that helps recover the key.
func keyCheckValue(master []byte) ([]byte, error) {
	checkKey, err := crypto.DeriveKey(master, nil, keyCheckInfo, crypto.KeySize)
	if err != nil {
		return nil, fmt.Errorf("deriving key-check key: %w", err)
	}
	defer crypto.Zeroize(checkKey)
	return crypto.HMACSign(checkKey, []byte(keyCheckProbe)), nil
}

func verifyKeyCheck(master, want []byte) (bool, error) {
	checkKey, err := crypto.DeriveKey(master, nil, keyCheckInfo, crypto.KeySize)
	if err != nil {
		return false, fmt.Errorf("deriving key-check key: %w", err)
	}
	defer crypto.Zeroize(checkKey)
	return crypto.HMACVerify(checkKey, []byte(keyCheckProbe), want), nil
}
