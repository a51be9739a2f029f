package ctlplane

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"grimm.is/pktfilter/internal/config"
	"grimm.is/pktfilter/internal/filter"
	"grimm.is/pktfilter/internal/logging"
	"grimm.is/pktfilter/internal/packet"
	"grimm.is/pktfilter/internal/store"
)

// ErrPersist wraps a store failure after the engine already took a change.
var ErrPersist = errors.New("failed to persist rule table")

// RuleStore is the persistence the controller needs. *store.DB implements it.
type RuleStore interface {
	SaveScope(scope filter.Scope, snap filter.Snapshot, change store.ChangeType, detail string) error
	DeleteScope(scope filter.Scope) error
	LoadAll() (map[filter.Scope]filter.Snapshot, error)
}

// Controller serializes changes to one engine and mirrors them to a store.
type Controller struct {
	engine *filter.Engine
	store  RuleStore
	logger *logging.Logger

	// mu orders mutations so stored snapshots land in the same order the
	// engine applied them.
	mu sync.Mutex
}

// New creates a controller. A nil store disables persistence.
func New(engine *filter.Engine, rs RuleStore, logger *logging.Logger) *Controller {
	if logger == nil {
		logger = logging.Default()
	}
	c := &Controller{
		engine: engine,
		logger: logger.WithComponent("ctlplane"),
	}
	// Guard against a typed nil *store.DB hiding in the interface.
	if db, ok := rs.(*store.DB); !ok || db != nil {
		c.store = rs
	}
	return c
}

// Engine returns the underlying engine.
func (c *Controller) Engine() *filter.Engine { return c.engine }

// Bootstrap loads stored scopes into the engine, then commits every
// configured scope the store did not know about.
func (c *Controller) Bootstrap(cfg *config.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	restored := make(map[filter.Scope]bool)
	if c.store != nil {
		all, err := c.store.LoadAll()
		if err != nil {
			return fmt.Errorf("load stored rules: %w", err)
		}
		for scope, snap := range all {
			if err := c.engine.Restore(scope, snap); err != nil {
				return fmt.Errorf("restore %s: %w", scope, err)
			}
			restored[scope] = true
			c.logger.Info("scope restored from store", "scope", scope.String(),
				"rules", len(snap.Rules), "last_handle", snap.LastHandle.String())
		}
	}

	if cfg == nil {
		return nil
	}
	for _, sc := range cfg.Scopes {
		scope, specs, err := sc.Specs()
		if err != nil {
			return err
		}
		if restored[scope] {
			c.logger.Debug("configured scope superseded by stored rules", "scope", scope.String())
			continue
		}
		res, err := c.engine.Commit(scope, specs, true)
		if err != nil {
			return fmt.Errorf("commit %s: %w", scope, err)
		}
		if err := res.Err(); err != nil {
			return fmt.Errorf("commit %s: %w", scope, err)
		}
		if err := c.persist(scope, store.ChangeReplace, "source=config"); err != nil {
			return err
		}
	}
	return nil
}

// Commit installs rules into scope. Per-rule failures are reported in the
// results; the error is reserved for an invalid scope or a store failure.
func (c *Controller) Commit(scope filter.Scope, specs []filter.RuleSpec, replace bool) (filter.CommitResults, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.engine.Commit(scope, specs, replace)
	if err != nil {
		return nil, err
	}

	change := store.ChangeCommit
	if replace {
		change = store.ChangeReplace
	}
	c.logger.Audit(string(change), scope.String(), map[string]any{
		"requested": len(specs),
		"committed": len(res.Handles()),
		"failed":    res.Failed(),
	})
	detail := fmt.Sprintf("requested=%d failed=%d", len(specs), res.Failed())
	return res, c.persist(scope, change, detail)
}

// Delete removes or stages removal of handles. Staged deletions only reach
// the store once applied.
func (c *Controller) Delete(scope filter.Scope, handles []filter.Handle, commitNow bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.engine.Delete(scope, handles, commitNow); err != nil {
		return err
	}
	c.logger.Audit("delete", scope.String(), map[string]any{
		"handles": handleList(handles),
		"staged":  !commitNow,
	})
	if !commitNow {
		return nil
	}
	return c.persist(scope, store.ChangeDelete, "handles="+handleList(handles))
}

// Apply commits every staged deletion of scope.
func (c *Controller) Apply(scope filter.Scope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.engine.Apply(scope); err != nil {
		return err
	}
	c.logger.Audit("apply", scope.String(), nil)
	return c.persist(scope, store.ChangeApply, "")
}

// Reset drops scope from the engine and the store.
func (c *Controller) Reset(scope filter.Scope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.engine.Reset(scope); err != nil {
		return err
	}
	c.logger.Audit("reset", scope.String(), nil)
	if c.store == nil {
		return nil
	}
	if err := c.store.DeleteScope(scope); err != nil {
		c.logger.Error("failed to delete stored scope", "scope", scope.String(), "error", err)
		return fmt.Errorf("%w: %s: %v", ErrPersist, scope, err)
	}
	return nil
}

// Classify resolves already extracted fields.
func (c *Controller) Classify(scope filter.Scope, f filter.Fields) filter.Outcome {
	return c.engine.Classify(scope, f)
}

// ClassifyFrame decodes an Ethernet frame and classifies it. The scope's IP
// version must match the frame's.
func (c *Controller) ClassifyFrame(scope filter.Scope, frame []byte) (filter.Outcome, error) {
	f, err := packet.ParseFrame(frame)
	if err != nil {
		return filter.Outcome{}, err
	}
	return c.classifyDecoded(scope, f)
}

// ClassifyDatagram decodes a bare IPv4 or IPv6 datagram and classifies it.
func (c *Controller) ClassifyDatagram(scope filter.Scope, datagram []byte) (filter.Outcome, error) {
	f, err := packet.ParseIP(datagram)
	if err != nil {
		return filter.Outcome{}, err
	}
	return c.classifyDecoded(scope, f)
}

func (c *Controller) classifyDecoded(scope filter.Scope, f filter.Fields) (filter.Outcome, error) {
	if f.Version != scope.IP {
		return filter.Outcome{}, fmt.Errorf("%w: %s packet in %s scope", filter.ErrInvalidScope, f.Version, scope)
	}
	return c.engine.Classify(scope, f), nil
}

// Rules lists the installed rules of scope in evaluation order.
func (c *Controller) Rules(scope filter.Scope) ([]filter.InstalledRule, error) {
	return c.engine.Rules(scope)
}

// Export renders every live scope in configuration form, ready for
// config.EncodeScopesHCL.
func (c *Controller) Export() ([]config.ScopeConfig, error) {
	var out []config.ScopeConfig
	for _, scope := range c.engine.Scopes() {
		rules, err := c.engine.Rules(scope)
		if err != nil {
			if errors.Is(err, filter.ErrScopeNotFound) {
				continue // reset since Scopes was read
			}
			return nil, err
		}
		sc := config.ScopeConfig{IP: scope.IP.String(), Table: scope.Table}
		for _, r := range rules {
			rc := config.FromSpec(r.RuleSpec)
			if rc.Name == "" {
				rc.Name = "rule" + r.Handle.String()
			}
			sc.Rules = append(sc.Rules, rc)
		}
		out = append(out, sc)
	}
	return out, nil
}

// persist snapshots scope into the store. A scope the engine never created
// has nothing to store. Callers hold c.mu.
func (c *Controller) persist(scope filter.Scope, change store.ChangeType, detail string) error {
	if c.store == nil {
		return nil
	}
	snap, err := c.engine.Snapshot(scope)
	if errors.Is(err, filter.ErrScopeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := c.store.SaveScope(scope, snap, change, detail); err != nil {
		c.logger.Error("failed to persist scope", "scope", scope.String(), "error", err)
		return fmt.Errorf("%w: %s: %v", ErrPersist, scope, err)
	}
	return nil
}

func handleList(handles []filter.Handle) string {
	parts := make([]string, len(handles))
	for i, h := range handles {
		parts[i] = h.String()
	}
	return strings.Join(parts, ",")
}
