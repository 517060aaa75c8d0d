package gibbon

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// slotModel is the allocator shared by the group and permission models.
// Slots are pre-seeded rows keyed by an immutable position; allocation
// toggles the allocated flag and merges caller metadata.
type slotModel struct {
	coll *mongo.Collection
	kind string // "group" or "permission", for diagnostics

	// resetFields returns the extra fields a reset row carries. Group
	// slots add a zeroed permissions mask; permission slots add nothing.
	resetFields func() bson.M
}

// allocate claims the lowest-numbered free slot, applies sanitized
// metadata, and returns the post-image. The claim is a single atomic
// find-and-modify so two concurrent allocators can never take the same
// slot. Returns ErrExhausted when no free slot remains.
func (s *slotModel) allocate(ctx context.Context, data Metadata) (bson.M, error) {
	set := bson.M{fieldAllocated: true}

	for k, v := range sanitizeMetadata(data) {
		set[k] = v
	}

	if s.resetFields != nil {
		// Clear any stale bits from a prior allocation cycle.
		for k, v := range s.resetFields() {
			set[k] = v
		}
	}

	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: fieldPosition, Value: 1}}).
		SetReturnDocument(options.After)

	var doc bson.M

	err := s.coll.FindOneAndUpdate(ctx, bson.M{fieldAllocated: false}, bson.M{"$set": set}, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: not able to allocate %s, all are allocated", ErrExhausted, s.kind)
		}

		return nil, fmt.Errorf("allocate %s: %w", s.kind, err)
	}

	return doc, nil
}

// deallocate replaces each addressed row with its reset pair
// {position, allocated:false} (plus resetFields), erasing metadata.
// Replacement happens row by row rather than via a bulk update so
// subsequent operations interleave correctly under a session.
func (s *slotModel) deallocate(ctx context.Context, positions []int) error {
	for _, p := range positions {
		replacement := bson.M{fieldPosition: p, fieldAllocated: false}

		if s.resetFields != nil {
			for k, v := range s.resetFields() {
				replacement[k] = v
			}
		}

		err := s.coll.FindOneAndReplace(ctx, bson.M{fieldPosition: p}, replacement).Err()
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return fmt.Errorf("%w: %s position %d", ErrNotAllocated, s.kind, p)
			}

			return fmt.Errorf("deallocate %s %d: %w", s.kind, p, err)
		}
	}

	return nil
}

// validateAllocation reports whether every position currently has
// allocated == wantAllocated, using a single count.
func (s *slotModel) validateAllocation(ctx context.Context, positions []int, wantAllocated bool) (bool, error) {
	if len(positions) == 0 {
		return true, nil
	}

	n, err := s.coll.CountDocuments(ctx, bson.M{
		fieldPosition:  bson.M{"$in": positions},
		fieldAllocated: wantAllocated,
	})
	if err != nil {
		return false, fmt.Errorf("validate %s allocation: %w", s.kind, err)
	}

	return n == int64(len(positions)), nil
}

// findDocs returns the raw documents at the given positions.
func (s *slotModel) findDocs(ctx context.Context, positions []int) ([]bson.M, error) {
	return s.collect(ctx, bson.M{fieldPosition: bson.M{"$in": positions}})
}

// findAllAllocatedDocs returns every allocated row.
func (s *slotModel) findAllAllocatedDocs(ctx context.Context) ([]bson.M, error) {
	return s.collect(ctx, bson.M{fieldAllocated: true})
}

func (s *slotModel) collect(ctx context.Context, filter bson.M) ([]bson.M, error) {
	opts := options.Find().SetSort(bson.D{{Key: fieldPosition, Value: 1}})

	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", s.kind, err)
	}
	defer cur.Close(ctx)

	var docs []bson.M

	for cur.Next(ctx) {
		var doc bson.M

		decodeErr := cur.Decode(&doc)
		if decodeErr != nil {
			return nil, fmt.Errorf("decode %s: %w", s.kind, decodeErr)
		}

		docs = append(docs, doc)
	}

	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", s.kind, err)
	}

	return docs, nil
}

// updateMetadataDoc merges sanitized metadata into the allocated row at
// position and returns the post-image, or nil when no allocated row
// exists there.
func (s *slotModel) updateMetadataDoc(ctx context.Context, position int, data Metadata) (bson.M, error) {
	set := bson.M{}

	for k, v := range sanitizeMetadata(data) {
		set[k] = v
	}

	if len(set) == 0 {
		return nil, nil
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc bson.M

	err := s.coll.FindOneAndUpdate(ctx,
		bson.M{fieldPosition: position, fieldAllocated: true},
		bson.M{"$set": set}, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}

		return nil, fmt.Errorf("update %s metadata: %w", s.kind, err)
	}

	return doc, nil
}

// counts returns (allocated, free) row counts.
func (s *slotModel) counts(ctx context.Context) (int64, int64, error) {
	allocated, err := s.coll.CountDocuments(ctx, bson.M{fieldAllocated: true})
	if err != nil {
		return 0, 0, fmt.Errorf("count allocated %s: %w", s.kind, err)
	}

	free, err := s.coll.CountDocuments(ctx, bson.M{fieldAllocated: false})
	if err != nil {
		return 0, 0, fmt.Errorf("count free %s: %w", s.kind, err)
	}

	return allocated, free, nil
}
