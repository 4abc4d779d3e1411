package bootstrap

import (
	"context"
	"log"
	"sync"
	"time"

	"credline/internal/config"
	"credline/internal/domain"
	"credline/internal/session"
)

// Gateway is the slice of the upstream client the initializer needs.
type Gateway interface {
	FetchPrincipal(ctx context.Context) (domain.Principal, error)
	FetchReferenceData(ctx context.Context, kind string) ([]domain.ReferenceItem, error)
}

type State int32

const (
	StateNotStarted State = iota
	StatePending
	StateRunning
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "not_started"
	}
}

const referenceFetchTimeout = 20 * time.Second

// Initializer runs the one-shot session bootstrap: the critical principal
// fetch, then the non-critical reference fetches. Concurrent Initialize
// calls collapse to a single execution; the memoized handle is installed
// before any network work starts. Wait observes only the critical step;
// reference data is backfilled detached and its failures are logged, not
// surfaced.
type Initializer struct {
	Gateway  Gateway
	Registry *session.Registry
	Refs     *session.RefStore
	Policy   string
	Logger   *log.Logger

	mu        sync.Mutex
	state     State
	done      chan struct{}
	principal domain.Principal
	err       error
}

func New(gw Gateway, reg *session.Registry, refs *session.RefStore, policy string) *Initializer {
	if policy == "" {
		policy = config.PolicyDegrade
	}
	return &Initializer{Gateway: gw, Registry: reg, Refs: refs, Policy: policy}
}

func (i *Initializer) logger() *log.Logger {
	if i.Logger != nil {
		return i.Logger
	}
	return log.Default()
}

// Initialize memoizes and starts the bootstrap. Safe to call from any
// number of call sites; only the first call does work.
func (i *Initializer) Initialize(ctx context.Context) {
	i.mu.Lock()
	if i.state != StateNotStarted {
		i.mu.Unlock()
		return
	}
	i.state = StatePending
	i.done = make(chan struct{})
	i.mu.Unlock()
	i.Start(ctx)
}

// Start transitions a pending bootstrap to running and performs the work.
// A no-op in every other state.
func (i *Initializer) Start(ctx context.Context) {
	i.mu.Lock()
	if i.state != StatePending {
		i.mu.Unlock()
		return
	}
	i.state = StateRunning
	done := i.done
	i.mu.Unlock()

	principal, err := i.Gateway.FetchPrincipal(ctx)
	if err != nil {
		if i.Policy == config.PolicyStrict {
			i.settle(domain.Principal{}, err, done)
			return
		}
		// availability over strictness: degrade to a guest identity so
		// the app renders instead of hanging
		i.logger().Printf("bootstrap: principal fetch failed, continuing as guest: %v", err)
		principal = domain.Principal{Guest: true}
	}
	principal.Preferences = validatePreferences(principal.Preferences)
	if err := i.Registry.Populate(principal.PrimaryRoles, principal.SecondaryRoles); err != nil {
		i.settle(domain.Principal{}, err, done)
		return
	}
	i.settle(principal, nil, done)

	go i.backfillReferenceData()
}

func (i *Initializer) settle(principal domain.Principal, err error, done chan struct{}) {
	i.mu.Lock()
	i.principal = principal
	i.err = err
	if err != nil {
		i.state = StateFailed
	} else {
		i.state = StateCompleted
	}
	i.mu.Unlock()
	close(done)
}

// backfillReferenceData fetches each reference list independently.
// Individual failures leave that list empty and never affect the
// initialization outcome.
func (i *Initializer) backfillReferenceData() {
	var wg sync.WaitGroup
	for _, kind := range domain.ReferenceKinds {
		wg.Add(1)
		go func(kind string) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), referenceFetchTimeout)
			defer cancel()
			items, err := i.Gateway.FetchReferenceData(ctx, kind)
			if err != nil {
				i.logger().Printf("bootstrap: reference data %s failed: %v", kind, err)
				return
			}
			i.Refs.Set(kind, items)
		}(kind)
	}
	wg.Wait()
}

// Wait blocks until the critical step settles. If the bootstrap was never
// started it returns immediately, so callers never hang on a session that
// needed no initialization.
func (i *Initializer) Wait(ctx context.Context) (domain.Principal, error) {
	i.mu.Lock()
	if i.state == StateNotStarted {
		i.mu.Unlock()
		return domain.Principal{}, nil
	}
	done := i.done
	i.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return domain.Principal{}, ctx.Err()
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.principal, i.err
}

// Initialized reports whether a bootstrap has been kicked off.
func (i *Initializer) Initialized() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state != StateNotStarted
}

// State returns the current bootstrap state.
func (i *Initializer) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Reset returns the initializer to NOT_STARTED for session teardown.
func (i *Initializer) Reset() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.state = StateNotStarted
	i.done = nil
	i.principal = domain.Principal{}
	i.err = nil
}

var (
	validThemes = map[string]bool{
		"ModernTheme": true, "PurpleTheme": true, "SteelTealGreen": true,
		"OrangeTheme": true, "TealTheme": true, "SilverTheme": true, "RedTheme": true,
		"DarkModernTheme": true, "DarkPurpleTheme": true, "DarkSteelTealGreen": true,
		"DarkOrangeTheme": true, "DarkTealTheme": true, "DarkSilverTheme": true, "DarkRedTheme": true,
	}
	validThemeModes  = map[string]bool{"light": true, "dark": true}
	validFontThemes  = map[string]bool{"vazir": true, "yekanLight": true, "iranSans": true, "kalamehLight": true}
	validLayoutTypes = map[string]bool{"SideBar": true, "NavBar": true}
)

// validatePreferences replaces unknown display preferences with defaults
// rather than carrying arbitrary backend values to clients.
func validatePreferences(p domain.DisplayPreferences) domain.DisplayPreferences {
	if !validThemes[p.Theme] {
		p.Theme = "PurpleTheme"
	}
	if !validThemeModes[p.ThemeMode] {
		p.ThemeMode = "light"
	}
	if !validFontThemes[p.FontTheme] {
		p.FontTheme = "vazir"
	}
	if !validLayoutTypes[p.LayoutType] {
		p.LayoutType = "SideBar"
	}
	return p
}
