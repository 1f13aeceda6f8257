// Package readiness sequences peermail startup: the security runtime must
// load, the identity-provider id must validate, and the wallet must connect
// before the network client may initialize. Long phases get a stall flag so
// the display layer can say "taking longer than usual" without anything
// being cancelled.
package readiness

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/peermail/peermail/internal/logging"
	"github.com/peermail/peermail/internal/network"
)

// SecurityState is the security runtime phase.
type SecurityState string

const (
	SecurityLoading SecurityState = "loading"
	SecurityReady   SecurityState = "ready"
	SecurityFailed  SecurityState = "failed"
)

// ProviderIDState is the identity-provider id validation phase.
type ProviderIDState string

const (
	ProviderIDMissing  ProviderIDState = "missing"
	ProviderIDChecking ProviderIDState = "checking"
	ProviderIDValid    ProviderIDState = "valid"
	ProviderIDInvalid  ProviderIDState = "invalid"
)

// WalletState is the wallet connection phase.
type WalletState string

const (
	WalletDisconnected WalletState = "disconnected"
	WalletConnected    WalletState = "connected"
)

// ClientState is the network client phase.
type ClientState string

const (
	ClientIdle         ClientState = "idle"
	ClientInitializing ClientState = "initializing"
	ClientReady        ClientState = "ready"
	ClientFailed       ClientState = "failed"
)

// Status is a snapshot of all phases.
type Status struct {
	Security   SecurityState
	ProviderID ProviderIDState
	Wallet     WalletState
	Client     ClientState

	// SecuritySlow and ClientSlow flag phases running past the stall
	// threshold. Informational only; nothing is cancelled.
	SecuritySlow bool
	ClientSlow   bool

	// LastError is the most recent failure message, for display.
	LastError string
}

// Config wires a Sequencer.
type Config struct {
	// StallThreshold is how long a phase may run before it is flagged slow.
	StallThreshold time.Duration

	// LoadSecurityModule loads the security runtime.
	LoadSecurityModule func(ctx context.Context) error

	// ValidateProviderID checks the identity-provider id.
	ValidateProviderID func(ctx context.Context, id string) error

	// InitClient creates the network client once all gates pass.
	InitClient func(ctx context.Context) (network.Client, error)

	// OnChange, when set, observes every status transition.
	OnChange func(Status)
}

const defaultStallThreshold = 10 * time.Second

// Sequencer drives the dependency-ordered startup pipeline.
type Sequencer struct {
	cfg    Config
	logger zerolog.Logger

	mu         sync.Mutex
	status     Status
	providerID string
	client     network.Client
}

// NewSequencer creates a Sequencer. InitClient is required; the other hooks
// default to immediate success.
func NewSequencer(cfg Config) *Sequencer {
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = defaultStallThreshold
	}
	if cfg.LoadSecurityModule == nil {
		cfg.LoadSecurityModule = func(context.Context) error { return nil }
	}
	if cfg.ValidateProviderID == nil {
		cfg.ValidateProviderID = func(context.Context, string) error { return nil }
	}
	return &Sequencer{
		cfg:    cfg,
		logger: logging.Component("readiness"),
		status: Status{
			Security:   SecurityLoading,
			ProviderID: ProviderIDMissing,
			Wallet:     WalletDisconnected,
			Client:     ClientIdle,
		},
	}
}

// Status returns the current snapshot.
func (s *Sequencer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Client returns the initialized network client, if ready.
func (s *Sequencer) Client() (network.Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client, s.status.Client == ClientReady
}

// LoadSecurity runs the security runtime load phase.
func (s *Sequencer) LoadSecurity(ctx context.Context) error {
	s.update(func(st *Status) {
		st.Security = SecurityLoading
		st.SecuritySlow = false
	})

	stop := s.stallTimer(func(st *Status) { st.SecuritySlow = true })
	err := s.cfg.LoadSecurityModule(ctx)
	stop()

	if err != nil {
		s.update(func(st *Status) {
			st.Security = SecurityFailed
			st.LastError = fmt.Sprintf("security module failed to load: %v", err)
		})
		return err
	}
	s.update(func(st *Status) {
		st.Security = SecurityReady
		st.SecuritySlow = false
	})
	return nil
}

// SetProviderID supplies and validates the identity-provider id. An empty
// id resets the phase to missing.
func (s *Sequencer) SetProviderID(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		s.update(func(st *Status) { st.ProviderID = ProviderIDMissing })
		return nil
	}

	s.update(func(st *Status) { st.ProviderID = ProviderIDChecking })
	if err := s.cfg.ValidateProviderID(ctx, id); err != nil {
		s.update(func(st *Status) {
			st.ProviderID = ProviderIDInvalid
			st.LastError = fmt.Sprintf("identity provider id rejected: %v", err)
		})
		return err
	}

	s.mu.Lock()
	s.providerID = id
	s.mu.Unlock()
	s.update(func(st *Status) { st.ProviderID = ProviderIDValid })
	return nil
}

// ConnectWallet marks the wallet connected.
func (s *Sequencer) ConnectWallet() {
	s.update(func(st *Status) { st.Wallet = WalletConnected })
}

// DisconnectWallet tears down: the wallet disconnects and any client is
// closed and forgotten, returning the client phase to idle.
func (s *Sequencer) DisconnectWallet() {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()

	if client != nil {
		if err := client.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("client close on disconnect failed")
		}
	}
	s.update(func(st *Status) {
		st.Wallet = WalletDisconnected
		st.Client = ClientIdle
		st.ClientSlow = false
	})
}

// InitClient runs the gated client initialization. It is the retry entry
// point as well: a failed phase may re-invoke it once the gates still hold.
// When a gate fails the call is a no-op returning false.
func (s *Sequencer) InitClient(ctx context.Context) (bool, error) {
	s.mu.Lock()
	st := s.status
	gated := st.Security == SecurityReady &&
		st.ProviderID == ProviderIDValid &&
		st.Wallet == WalletConnected &&
		st.Client != ClientReady && st.Client != ClientInitializing
	if gated {
		s.status.Client = ClientInitializing
		s.status.ClientSlow = false
	}
	s.mu.Unlock()

	if !gated {
		return false, nil
	}
	s.notify()

	stop := s.stallTimer(func(st *Status) { st.ClientSlow = true })
	client, err := s.cfg.InitClient(ctx)
	stop()

	if err != nil {
		s.update(func(st *Status) {
			st.Client = ClientFailed
			st.LastError = fmt.Sprintf("client initialization failed: %v", err)
		})
		return true, err
	}

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	s.update(func(st *Status) {
		st.Client = ClientReady
		st.ClientSlow = false
		st.LastError = ""
	})
	s.logger.Info().Msg("network client ready")
	return true, nil
}

// Run drives the whole pipeline in order: security, provider id, wallet,
// client. It is what the CLI uses; a UI layer may instead call the phase
// methods as its own events arrive.
func (s *Sequencer) Run(ctx context.Context, providerID string) error {
	if err := s.LoadSecurity(ctx); err != nil {
		return err
	}
	if err := s.SetProviderID(ctx, providerID); err != nil {
		return err
	}
	if s.Status().ProviderID != ProviderIDValid {
		return fmt.Errorf("identity provider id is required")
	}
	s.ConnectWallet()

	ran, err := s.InitClient(ctx)
	if err != nil {
		return err
	}
	if !ran {
		return fmt.Errorf("client initialization gate did not open")
	}
	return nil
}

func (s *Sequencer) stallTimer(flag func(*Status)) (stop func()) {
	timer := time.AfterFunc(s.cfg.StallThreshold, func() {
		s.update(flag)
	})
	return func() { timer.Stop() }
}

func (s *Sequencer) update(mutate func(*Status)) {
	s.mu.Lock()
	mutate(&s.status)
	s.mu.Unlock()
	s.notify()
}

func (s *Sequencer) notify() {
	if s.cfg.OnChange == nil {
		return
	}
	s.cfg.OnChange(s.Status())
}
