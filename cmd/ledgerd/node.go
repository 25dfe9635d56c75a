package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/consensys/gnark/logger"
	"github.com/rs/zerolog"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"batchledger/internal/commitment"
	"batchledger/internal/config"
	"batchledger/internal/consensus"
	"batchledger/internal/disclosure"
	"batchledger/internal/events"
	"batchledger/internal/governance"
	"batchledger/internal/groupsig"
	"batchledger/internal/ledger"
	"batchledger/internal/rangeproof"
	"batchledger/internal/store"
)

// node is one in-process ledger: M bank validators, the governance council, the disclosure
// service and the consensus engine over a LevelDB ledger and store.
type node struct {
	cfg     *config.Config
	log     *Logger
	metrics *MetricsCollector
	health  *HealthChecker
	bus     *events.Bus

	ledger *ledger.Level
	store  *store.LevelStore
	acc    *commitment.Accumulator
	proofs *rangeproof.System

	validatorIDs []string
	keys         map[string]*groupsig.KeyPair
	ring         *groupsig.Ring
	opener       *groupsig.KeyPair
	registry     *governance.Registry
	council      *governance.Council

	dealing    *disclosure.Dealing
	vault      *disclosure.Vault
	disclosure *disclosure.Service

	engine *consensus.Engine
}

// newNode opens storage under cfg.Storage.DataDir and wires every component. Range proof keys
// are loaded from, or saved to, keyDir.
func newNode(cfg *config.Config, log *Logger, keyDir string) (n *node, err error) {
	n = &node{
		cfg:     cfg,
		log:     log,
		metrics: NewMetricsCollector(),
		health:  NewHealthChecker(version),
		keys:    make(map[string]*groupsig.KeyPair),
	}
	defer func() {
		if err != nil {
			n.Close()
		}
	}()

	n.bus = events.NewBus(n.metrics, events.LogNotifier{Log: log.WithField("component", "events")}, events.NotifierFunc(n.auditEvent))

	if n.ledger, err = ledger.OpenLevel(cfg.Path("ledger")); err != nil {
		return n, fmt.Errorf("open ledger: %w", err)
	}
	if n.store, err = store.Open(cfg.Path("store")); err != nil {
		return n, err
	}
	nullifiers, err := n.store.LoadNullifiers()
	if err != nil {
		return n, fmt.Errorf("load nullifiers: %w", err)
	}
	if n.acc, err = commitment.RestoreAccumulator(nullifiers); err != nil {
		return n, fmt.Errorf("restore accumulator: %w", err)
	}

	if log.GetLevel() < logrus.DebugLevel {
		logger.Disable()
	} else {
		logger.Set(zerolog.New(zerolog.ConsoleWriter{Out: log.Out}).With().Timestamp().Logger())
	}
	if n.proofs, err = rangeproof.SetupOrLoad(cfg.RangeParams(), keyDir); err != nil {
		return n, fmt.Errorf("range proof setup: %w", err)
	}

	if err := n.setupValidators(); err != nil {
		return n, err
	}
	if err := n.setupDisclosure(); err != nil {
		return n, err
	}

	vals, err := n.validators()
	if err != nil {
		return n, err
	}
	n.engine, err = consensus.New(cfg.Engine(), consensus.Deps{
		Ledger:      n.ledger,
		Store:       n.store,
		Accumulator: n.acc,
		Proofs:      n.proofs,
		Ring:        n.ring,
		Opener:      n.opener.Public,
		Validators:  vals,
		Membership:  n.registry,
		Notifier:    n.bus,
		Vault:       n.vault,
		Log:         log.WithField("component", "consensus"),
	})
	if err != nil {
		return n, err
	}
	if err := n.engine.Recover(); err != nil {
		return n, err
	}

	n.health.RegisterComponent("store", n.store.Ping)
	n.health.RegisterComponent("ledger", func() error {
		_, err := n.ledger.GetAccount("\x00health")
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return nil
		}
		return err
	})
	n.health.RegisterComponent("engine", func() error {
		p := n.engine.Pending()
		n.metrics.SetGauge(MetricPending, float64(p), nil)
		if p > 10*cfg.Consensus.BatchSize {
			return fmt.Errorf("%w: %d transfers pending", ErrDegraded, p)
		}
		return nil
	})
	return n, nil
}

// setupValidators loads the validator and opening keys from the key file, creating it on
// first start.
func (n *node) setupValidators() error {
	kf, err := loadOrCreateKeys(n.cfg.Path(n.cfg.Consensus.KeyFile), n.cfg.Consensus.Validators)
	if err != nil {
		return err
	}
	members := make([]groupsig.Member, len(kf.Validators))
	var regs []governance.Validator
	for i, vk := range kf.Validators {
		kp := groupsig.KeyPairFromSecret(vk.Secret.Element)
		n.keys[vk.ID] = kp
		n.validatorIDs = append(n.validatorIDs, vk.ID)
		members[i] = groupsig.Member{ID: vk.ID, Public: groupsig.Point{G1Affine: kp.Public}}
		pub := kp.Public.Bytes()
		regs = append(regs, governance.Validator{ID: vk.ID, PublicKey: pub[:], Active: true, Stake: 1})
	}
	n.opener = groupsig.KeyPairFromSecret(kf.Opener.Element)
	if n.ring, err = groupsig.NewRing(members); err != nil {
		return err
	}
	if n.registry, err = governance.NewRegistry(regs...); err != nil {
		return err
	}
	n.council, err = governance.NewCouncil(n.cfg.Governance.FreezeThreshold, n.registry, n.ledger, n.bus, n.log.WithField("component", "governance"))
	return err
}

func (n *node) validators() ([]consensus.Validator, error) {
	out := make([]consensus.Validator, 0, len(n.validatorIDs))
	for _, id := range n.validatorIDs {
		v, err := consensus.NewBankValidator(consensus.BankValidatorConfig{
			ID:         id,
			Key:        n.keys[id],
			Ring:       n.ring,
			Opener:     n.opener.Public,
			Proofs:     n.proofs,
			Ledger:     n.ledger,
			Nullifiers: n.acc,
			Log:        n.log.WithField("component", "validator"),
		})
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// setupDisclosure loads the escrow dealing, dealing one on first start, and reloads the
// sealed records from the store.
func (n *node) setupDisclosure() error {
	var err error
	if n.dealing, err = loadOrDeal(n.cfg.Path(n.cfg.Disclosure.EscrowDir), n.cfg.Policy()); err != nil {
		return err
	}
	n.vault = disclosure.NewVault(n.dealing.Commitments.EscrowPublic())
	if err := n.vault.Persist(n.store); err != nil {
		return err
	}
	n.disclosure = disclosure.NewService(n.vault, n.cfg.Policy(), n.dealing.Commitments, n.cfg.RequestTTL(),
		disclosure.WithLogger(n.log.WithField("component", "disclosure")))
	return nil
}

// auditEvent copies governance decisions into the audit log.
func (n *node) auditEvent(e events.Event) {
	switch e.Type {
	case events.AccountFrozen, events.AccountUnfrozen:
		n.log.Audit(string(e.Type), logrus.Fields{"account": e.Account, "reason": e.Reason})
	}
}

// run drives the engine and the disclosure sweep until ctx is done. A finalize failure is
// audited and returned.
func (n *node) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := n.engine.Run(gctx)
		if err != nil {
			n.log.Audit("finalize_failed", logrus.Fields{"error": err.Error()})
		}
		return err
	})
	g.Go(func() error {
		n.disclosure.Run(gctx, n.cfg.SweepInterval())
		return nil
	})
	return g.Wait()
}

func (n *node) logHealth() {
	h := n.health.CheckHealth()
	entry := n.log.WithFields(logrus.Fields{"status": h.OverallStatus, "uptime": h.Uptime.Round(time.Second)})
	for _, c := range h.Components {
		if c.Status != Healthy {
			entry = entry.WithField(c.Name, c.Message)
		}
	}
	if h.OverallStatus == Healthy {
		entry.Info("health")
		return
	}
	entry.Warn("health")
}

// Close releases the databases and log files.
func (n *node) Close() error {
	var errs []error
	if n.store != nil {
		errs = append(errs, n.store.Close())
	}
	if n.ledger != nil {
		errs = append(errs, n.ledger.Close())
	}
	return errors.Join(errs...)
}

func keyDirFor(cfg *config.Config) string {
	return filepath.Clean(cfg.Path(cfg.RangeProof.KeyDir))
}
