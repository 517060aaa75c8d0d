package gibbon

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"
)

// SlotKind names one of the two slot collections.
type SlotKind string

// Slot kinds accepted by SeedRange.
const (
	SlotGroup      SlotKind = "group"
	SlotPermission SlotKind = "permission"
)

// seedBatchSize is the InsertMany batch size used while pre-populating.
const seedBatchSize = 1000

// Initialize seeds the store if it has never been seeded. Safe to call
// repeatedly; an already-seeded store is a no-op and existing
// allocations are preserved. This is what `gibbon init` runs.
func (g *Gibbon) Initialize(ctx context.Context) error {
	err := g.Seed(ctx)
	if errors.Is(err, ErrAlreadySeeded) {
		return nil
	}

	return err
}

// Seed pre-populates the universe: 8*Gb free group rows and 8*P free
// permission rows, plus a unique index on position in each collection.
//
// Seed probes both collections first and fails with ErrAlreadySeeded
// when either already holds slot documents, preserving existing
// allocations.
//
// Deprecated: prefer [Gibbon.Initialize], which is idempotent.
func (g *Gibbon) Seed(ctx context.Context) error {
	seeded, err := g.isSeeded(ctx)
	if err != nil {
		return err
	}

	if seeded {
		return fmt.Errorf("%w: called seed but permissions and groups seem to be populated already", ErrAlreadySeeded)
	}

	err = g.ensureIndexes(ctx)
	if err != nil {
		return err
	}

	err = seedSlotRange(ctx, &g.groups.slotModel, 1, 8*g.GroupByteLength(), g.cfg.MutationConcurrency)
	if err != nil {
		return err
	}

	return seedSlotRange(ctx, &g.permissions.slotModel, 1, 8*g.PermissionByteLength(), g.cfg.MutationConcurrency)
}

// SeedRange inserts free slot rows for positions from..to (inclusive)
// into the kind's collection. Used by the resize protocol's expand
// phase; it does not run the already-seeded probe.
func (g *Gibbon) SeedRange(ctx context.Context, kind SlotKind, from, to int) error {
	switch kind {
	case SlotGroup:
		return seedSlotRange(ctx, &g.groups.slotModel, from, to, g.cfg.MutationConcurrency)
	case SlotPermission:
		return seedSlotRange(ctx, &g.permissions.slotModel, from, to, g.cfg.MutationConcurrency)
	default:
		return fmt.Errorf("unknown slot kind %q", kind)
	}
}

// isSeeded cheaply probes both collections for any document carrying the
// slot schema marker (an allocated field).
func (g *Gibbon) isSeeded(ctx context.Context) (bool, error) {
	for _, s := range []*slotModel{&g.groups.slotModel, &g.permissions.slotModel} {
		err := s.coll.FindOne(ctx, bson.M{fieldAllocated: bson.M{"$exists": true}}).Err()
		if err == nil {
			return true, nil
		}

		if !errors.Is(err, mongo.ErrNoDocuments) {
			return false, fmt.Errorf("probe %s collection: %w", s.kind, err)
		}
	}

	return false, nil
}

// ensureIndexes creates the unique position indexes. Uniqueness is what
// guarantees every position exists exactly once, even under concurrent
// seeders.
func (g *Gibbon) ensureIndexes(ctx context.Context) error {
	model := mongo.IndexModel{
		Keys:    bson.D{{Key: fieldPosition, Value: 1}},
		Options: options.Index().SetUnique(true),
	}

	for _, s := range []*slotModel{&g.groups.slotModel, &g.permissions.slotModel} {
		_, err := s.coll.Indexes().CreateOne(ctx, model)
		if err != nil {
			return fmt.Errorf("create %s position index: %w", s.kind, err)
		}
	}

	return nil
}

// seedSlotRange inserts free rows for positions from..to in batches of
// seedBatchSize. The batches are disjoint; outside a session they are
// inserted through a worker pool capped at concurrency. Under a caller
// session the batches run serially, sessions permit no concurrent use.
func seedSlotRange(ctx context.Context, s *slotModel, from, to, concurrency int) error {
	if from > to {
		return nil
	}

	if mongo.SessionFromContext(ctx) != nil || concurrency <= 1 {
		for start := from; start <= to; start += seedBatchSize {
			err := insertSlotBatch(ctx, s, start, min(start+seedBatchSize-1, to))
			if err != nil {
				return err
			}
		}

		return nil
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(concurrency)

	for start := from; start <= to; start += seedBatchSize {
		start := start
		eg.Go(func() error {
			return insertSlotBatch(egCtx, s, start, min(start+seedBatchSize-1, to))
		})
	}

	return eg.Wait()
}

// insertSlotBatch bulk-inserts the reset rows for positions from..to.
func insertSlotBatch(ctx context.Context, s *slotModel, from, to int) error {
	rows := make([]any, 0, to-from+1)

	for p := from; p <= to; p++ {
		row := bson.M{fieldPosition: p, fieldAllocated: false}

		if s.resetFields != nil {
			for k, v := range s.resetFields() {
				row[k] = v
			}
		}

		rows = append(rows, row)
	}

	_, err := s.coll.InsertMany(ctx, rows)
	if err != nil {
		return fmt.Errorf("seed %s slots: %w", s.kind, err)
	}

	return nil
}
