package vaultengine

import (
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/csknk/revault-go/keyring"
	"github.com/csknk/revault-go/statushub"
	"github.com/csknk/revault-go/vaultdb"
	"github.com/csknk/revault-go/vaultmetrics"
	"github.com/csknk/revault-go/vaultscript"
)

// Config wires an Engine to its collaborators and protocol parameters.
// New rejects a Config missing Keychain, ChainRPC, SigServer, Cosigner or
// DB; Metrics must be non-nil; every other field has a default or may be
// left nil, as documented on the field.
type Config struct {
	Keychain *keyring.Keychain
	ChainRPC ChainRPC
	SigServer SigServerClient
	Cosigner  CosignerClient
	DB        *vaultdb.DB

	EmergencyPubkeys vaultscript.PubKeys

	// AckedAddresses is the set of spend-destination addresses this
	// stakeholder has pre-approved; a spend proposal naming any other
	// address is refused outright rather than put to a vote.
	AckedAddresses map[string]bool

	// Clock abstracts wall-clock reads so tests can control time.
	Clock clock.Clock

	// FundsPollInterval governs how often the engine scans for newly
	// funded vault addresses.
	FundsPollInterval time.Duration

	// SpendsPollInterval governs how often the engine checks
	// in-flight unvault/cancel/emergency broadcasts for confirmation.
	SpendsPollInterval time.Duration

	// WatchWindow is the size of the watch-only address window the engine
	// generates and imports ahead of CurrentGenIndex: maxIdx is kept at
	// least CurrentGenIndex+WatchWindow (spec's 500-address window).
	WatchWindow uint32

	// RefillThreshold is the number of generated-but-unfunded addresses
	// (CurrentGenIndex minus CurrentIndex) at or below which the engine
	// extends the window again. Distinct from WatchWindow: WatchWindow
	// sizes the window, RefillThreshold decides when to re-extend it.
	RefillThreshold uint32

	// StartIndex optionally seeds CurrentIndex/CurrentGenIndex/MaxIndex
	// the first time this engine ever runs against a fresh vaultdb,
	// letting an operator resume a stakeholder mid-window instead of
	// re-watching from index 0. Ignored on every later restart, once
	// vaultdb already holds a non-zero CurrentGenIndex.
	StartIndex uint32

	// WalletBirthday is the unix timestamp passed as every watch-only
	// import's rescan start; 0 means "now", matching
	// chainrpc.ImportMultiEntry's own zero-value convention.
	WalletBirthday int64

	// Metrics receives engine activity counters; must not be nil. Use
	// vaultmetrics.NoOp() if no /metrics endpoint is wired.
	Metrics *vaultmetrics.Metrics

	// Hub receives lifecycle transition broadcasts; nil disables them.
	Hub StatusPublisher

	// FundsTicker and SpendsTicker override the poll-interval sources;
	// nil gets a real ticker.New(interval). Tests inject a fakeTicker
	// here to force ticks instead of waiting out
	// FundsPollInterval/SpendsPollInterval.
	FundsTicker  ticker.Ticker
	SpendsTicker ticker.Ticker

	// TickerFactory builds the ticker.Ticker each per-vault signature
	// fetcher and each spend-wait busy-loop uses; nil gets ticker.New
	// wrapped to satisfy the interface. Tests supply a factory that
	// returns fakeTicker instances so those loops don't wait out a real
	// interval either.
	TickerFactory func(time.Duration) ticker.Ticker

	// BumpWallet supplies the externally-funded input §4.4's fee-bump
	// mechanism appends to a revocation broadcast whose feerate has
	// fallen behind the node's recommendation. Nil gets the default
	// reservedBumpWallet, built and watched by Start.
	BumpWallet BumpWallet

	// BumpConfTarget is the confirmation target passed to
	// ChainRPC.GetFeeRate when deciding whether a broadcast needs a
	// fee-bump.
	BumpConfTarget int64
}

// StatusPublisher is the narrow contract for broadcasting lifecycle
// transitions. Satisfied by *statushub.Hub.
type StatusPublisher interface {
	Publish(t statushub.Transition)
}

func (c *Config) publish(t statushub.Transition) {
	if c.Hub == nil {
		return
	}
	c.Hub.Publish(t)
}

const (
	defaultFundsPollInterval  = 5 * time.Second
	defaultSpendsPollInterval = 3 * time.Second
	defaultWatchWindow        = 500
	defaultRefillThreshold    = 20
	defaultBumpConfTarget     = 6
)

func (c *Config) setDefaults() {
	if c.FundsPollInterval == 0 {
		c.FundsPollInterval = defaultFundsPollInterval
	}
	if c.SpendsPollInterval == 0 {
		c.SpendsPollInterval = defaultSpendsPollInterval
	}
	if c.WatchWindow == 0 {
		c.WatchWindow = defaultWatchWindow
	}
	if c.RefillThreshold == 0 {
		c.RefillThreshold = defaultRefillThreshold
	}
	if c.BumpConfTarget == 0 {
		c.BumpConfTarget = defaultBumpConfTarget
	}
	if c.Clock == nil {
		c.Clock = clock.NewDefaultClock()
	}
	if c.AckedAddresses == nil {
		c.AckedAddresses = make(map[string]bool)
	}
	if c.FundsTicker == nil {
		c.FundsTicker = ticker.New(c.FundsPollInterval)
	}
	if c.SpendsTicker == nil {
		c.SpendsTicker = ticker.New(c.SpendsPollInterval)
	}
	if c.TickerFactory == nil {
		c.TickerFactory = func(d time.Duration) ticker.Ticker {
			return ticker.New(d)
		}
	}
}
