package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/wolfeidau/offline-sync/cache"
	"github.com/wolfeidau/offline-sync/engine"
	"github.com/wolfeidau/offline-sync/outbox"
	"github.com/wolfeidau/offline-sync/store/kv"
)

// openQueue opens the outbox directly. bbolt's file lock makes this fail
// fast while a serve process holds the database.
func openQueue(g *Globals) (*outbox.Queue, func(), error) {
	db, err := kv.Open(g.DB, kv.WithLogger(g.Logger))
	if err != nil {
		return nil, nil, err
	}
	q, err := outbox.New(db, outbox.WithLogger(g.Logger))
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return q, func() { _ = db.Close() }, nil
}

// PendingCmd lists pending mutations.
type PendingCmd struct {
	JSON bool `help:"Print JSON instead of a table."`
}

func (c *PendingCmd) Run(g *Globals) error {
	q, closeDB, err := openQueue(g)
	if err != nil {
		return err
	}
	defer closeDB()

	items, err := q.ListPending(context.Background())
	if err != nil {
		return err
	}
	if c.JSON {
		return json.NewEncoder(g.Stdout).Encode(items)
	}

	tw := tabwriter.NewWriter(g.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tENQUEUED\tATTEMPTS\tLAST ERROR")
	for _, it := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", it.ID, it.Kind, it.EnqueuedAt.Format(time.RFC3339), it.Attempts, it.LastError)
	}
	return tw.Flush()
}

// DeadLettersCmd lists dead letters, or retries or discards one.
type DeadLettersCmd struct {
	Retry   string `help:"Move the dead letter with this id back to the outbox." xor:"action"`
	Discard string `help:"Delete the dead letter with this id." xor:"action"`
	JSON    bool   `help:"Print JSON instead of a table."`
}

func (c *DeadLettersCmd) Run(g *Globals) error {
	q, closeDB, err := openQueue(g)
	if err != nil {
		return err
	}
	defer closeDB()
	ctx := context.Background()

	switch {
	case c.Retry != "":
		it, err := q.RetryDeadLetter(ctx, c.Retry)
		if err != nil {
			return err
		}
		fmt.Fprintf(g.Stdout, "requeued %s (%s)\n", it.ID, it.Kind)
		return nil
	case c.Discard != "":
		if err := q.DiscardDeadLetter(ctx, c.Discard); err != nil {
			return err
		}
		fmt.Fprintf(g.Stdout, "discarded %s\n", c.Discard)
		return nil
	}

	dead, err := q.DeadLetters(ctx)
	if err != nil {
		return err
	}
	if c.JSON {
		return json.NewEncoder(g.Stdout).Encode(dead)
	}

	tw := tabwriter.NewWriter(g.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tDEAD AT\tATTEMPTS\tREASON")
	for _, d := range dead {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", d.ID, d.Kind, d.DeadAt.Format(time.RFC3339), d.Attempts, d.Reason)
	}
	return tw.Flush()
}

// CacheCmd groups cache maintenance.
type CacheCmd struct {
	Clear CacheClearCmd `cmd:"" help:"Drop every cached read. The outbox is untouched."`
}

// CacheClearCmd clears the read cache.
type CacheClearCmd struct{}

func (c *CacheClearCmd) Run(g *Globals) error {
	db, err := kv.Open(g.DB, kv.WithLogger(g.Logger))
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := cache.New(db, cache.WithLogger(g.Logger))
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	n := store.Len(ctx)
	store.Clear(ctx)
	fmt.Fprintf(g.Stdout, "cleared %d cache entries\n", n)
	return nil
}

// CheckInCmd queues a check-in. It goes through the engine so the same
// validation, dedup and cancellation rules apply as in serve; delivery
// happens the next time serve runs online.
type CheckInCmd struct {
	RemoteFlags

	Slot string `arg:"" help:"Slot id."`
}

func (c *CheckInCmd) Run(g *Globals) error {
	ctx := context.Background()
	creds, err := c.resolve(ctx, g)
	if err != nil {
		return err
	}

	cfg := c.engineConfig(creds, g)
	cfg.ProbeInterval = -1
	eng, err := engine.Open(cfg)
	if err != nil {
		return err
	}
	defer eng.Close(ctx)

	receipt, err := eng.CheckIn(ctx, c.Slot)
	if err != nil {
		return err
	}
	pending, err := eng.PendingCount(ctx)
	if err != nil {
		return err
	}

	remaining, known, err := eng.EstimateRemaining(ctx, c.Slot)
	if err != nil {
		return err
	}
	fmt.Fprintf(g.Stdout, "%s %s (%d pending)\n", receipt.Result, receipt.ID, pending)
	if known && remaining < 0 {
		fmt.Fprintf(g.Stdout, "warning: slot %s looks full (estimated remaining %d)\n", c.Slot, remaining)
	}
	return nil
}
