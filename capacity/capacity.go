// Package capacity estimates how many places remain in a bookable slot from
// the last server snapshot and the check-ins still waiting in the outbox.
// The estimate is advisory: the remote alone decides whether a check-in
// succeeds.
package capacity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	offlinesync "github.com/wolfeidau/offline-sync"
	"github.com/wolfeidau/offline-sync/mutation"
	"github.com/wolfeidau/offline-sync/outbox"
)

// ErrCapacityExceededLocalEstimate is the dead-letter reason for a first
// check-in attempt skipped because the local estimate showed the slot full.
// It is never returned to callers.
var ErrCapacityExceededLocalEstimate = errors.New("capacity: slot full by local estimate")

// View is the derived capacity of one slot.
type View struct {
	SlotID          string `json:"slot_id"`
	Capacity        int    `json:"capacity"`
	ServerConfirmed int    `json:"server_confirmed"`
	LocalPending    int    `json:"local_pending"`
	// Known is false when no fresh server snapshot is cached.
	Known bool `json:"known"`
}

// EstimatedRemaining is capacity - serverConfirmed - localPending. It goes
// negative when local intents oversubscribe the slot.
func (v View) EstimatedRemaining() int {
	return v.Capacity - v.ServerConfirmed - v.LocalPending
}

// Full reports whether the UI should present the slot as full.
func (v View) Full() bool {
	return v.Known && v.EstimatedRemaining() <= 0
}

// Snapshots reads cached slot snapshots.
type Snapshots interface {
	GetJSON(ctx context.Context, key string, dst any) bool
}

// Pending lists not-yet-delivered mutations in delivery order.
type Pending interface {
	ListPending(ctx context.Context) ([]outbox.Item, error)
}

// Policy is the capacity reconciliation policy.
type Policy struct {
	snapshots Snapshots
	pending   Pending
	logger    *slog.Logger
}

// Option configures a Policy.
type Option func(*Policy)

// WithLogger sets the logger for the policy.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Policy) {
		p.logger = logger
	}
}

// New creates a Policy.
func New(snapshots Snapshots, pending Pending, opts ...Option) *Policy {
	p := &Policy{
		snapshots: snapshots,
		pending:   pending,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// View returns the capacity view of slotID.
func (p *Policy) View(ctx context.Context, slotID string) (View, error) {
	v := View{SlotID: slotID}

	var snap offlinesync.SlotSnapshot
	if p.snapshots.GetJSON(ctx, offlinesync.SlotResource(slotID).Key, &snap) {
		v.Capacity = snap.Capacity
		v.ServerConfirmed = snap.Confirmed
		v.Known = true
	}

	items, err := p.pending.ListPending(ctx)
	if err != nil {
		return View{}, fmt.Errorf("listing pending mutations: %w", err)
	}
	for _, it := range items {
		if slotOf(it) == slotID {
			v.LocalPending++
		}
	}
	return v, nil
}

// EstimateRemaining returns the advisory remaining capacity of slotID and
// whether a server snapshot backs it.
func (p *Policy) EstimateRemaining(ctx context.Context, slotID string) (int, bool, error) {
	v, err := p.View(ctx, slotID)
	if err != nil {
		return 0, false, err
	}
	return v.EstimatedRemaining(), v.Known, nil
}

// ShouldFastFail decides whether item may be dropped before delivery. Only a
// never-attempted CHECKIN qualifies, and only when the slot is full counting
// the check-ins queued ahead of it. Once an item has been attempted the
// remote adjudicates.
func (p *Policy) ShouldFastFail(ctx context.Context, item outbox.Item) (bool, View, error) {
	if item.Kind != mutation.KindCheckIn || item.Attempts != 0 {
		return false, View{}, nil
	}
	slotID := slotOf(item)
	if slotID == "" {
		return false, View{}, nil
	}

	v := View{SlotID: slotID}
	var snap offlinesync.SlotSnapshot
	if !p.snapshots.GetJSON(ctx, offlinesync.SlotResource(slotID).Key, &snap) {
		return false, v, nil
	}
	v.Capacity = snap.Capacity
	v.ServerConfirmed = snap.Confirmed
	v.Known = true

	items, err := p.pending.ListPending(ctx)
	if err != nil {
		return false, View{}, fmt.Errorf("listing pending mutations: %w", err)
	}
	for _, it := range items {
		if it.ID == item.ID {
			break
		}
		if slotOf(it) == slotID {
			v.LocalPending++
		}
	}

	full := v.EstimatedRemaining() <= 0
	if full {
		p.logger.Info("check-in exceeds local capacity estimate",
			"mutation_id", item.ID, "slot_id", slotID,
			"capacity", v.Capacity, "confirmed", v.ServerConfirmed, "ahead", v.LocalPending)
	}
	return full, v, nil
}

// slotOf returns the slot of a pending CHECKIN, or "" for anything else.
func slotOf(it outbox.Item) string {
	if it.Kind != mutation.KindCheckIn {
		return ""
	}
	m, err := it.Mutation()
	if err != nil {
		return ""
	}
	c, ok := m.(mutation.CheckIn)
	if !ok {
		return ""
	}
	return c.SlotID
}
