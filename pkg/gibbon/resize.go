package gibbon

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// The resize protocol grows or shrinks a universe atomically: slot rows
// are inserted or deleted and every stored mask of the affected kind is
// rewritten to the new byte length inside one transaction. A shrink is
// refused outright when any allocated slot lives beyond the new
// boundary; the check precedes every destructive write.
//
// The in-memory byte length is adopted once the write phase returns.
// When the facade joined a caller-owned session, that adoption assumes
// the caller commits; aborting the session leaves the store at the old
// length and the facade must be rebuilt from config.

// ExpandPermissions grows the permission universe to newByteLength
// bytes. New slots seed free; every group's and every user's permissions
// mask is zero-padded to the new length.
func (g *Gibbon) ExpandPermissions(ctx context.Context, newByteLength int) error {
	old := g.PermissionByteLength()
	if newByteLength <= old {
		return fmt.Errorf("%w: expand permissions needs a length > %d, got %d",
			ErrResizeDirection, old, newByteLength)
	}

	err := g.executeInSession(ctx, func(ctx context.Context) error {
		err := seedSlotRange(ctx, &g.permissions.slotModel, 8*old+1, 8*newByteLength, g.cfg.MutationConcurrency)
		if err != nil {
			return err
		}

		err = g.groups.resizePermissionMasks(ctx, newByteLength)
		if err != nil {
			return err
		}

		return g.users.resizeMasks(ctx, fieldPermissionsMask, newByteLength)
	})
	if err != nil {
		return err
	}

	g.permLen.Store(int64(newByteLength))

	return nil
}

// ShrinkPermissions shrinks the permission universe to newByteLength
// bytes. Fails with ErrShrinkDeniesLive, before any destructive write,
// when an allocated permission exists beyond position 8*newByteLength.
func (g *Gibbon) ShrinkPermissions(ctx context.Context, newByteLength int) error {
	old := g.PermissionByteLength()
	if newByteLength < 1 || newByteLength >= old {
		return fmt.Errorf("%w: shrink permissions needs a length in [1, %d), got %d",
			ErrResizeDirection, old, newByteLength)
	}

	err := g.executeInSession(ctx, func(ctx context.Context) error {
		err := dropSlotsBeyond(ctx, &g.permissions.slotModel, 8*newByteLength)
		if err != nil {
			return err
		}

		err = g.groups.resizePermissionMasks(ctx, newByteLength)
		if err != nil {
			return err
		}

		return g.users.resizeMasks(ctx, fieldPermissionsMask, newByteLength)
	})
	if err != nil {
		return err
	}

	g.permLen.Store(int64(newByteLength))

	return nil
}

// ExpandGroups grows the group universe to newByteLength bytes. New
// slots seed free; every user's membership mask is zero-padded.
func (g *Gibbon) ExpandGroups(ctx context.Context, newByteLength int) error {
	old := g.GroupByteLength()
	if newByteLength <= old {
		return fmt.Errorf("%w: expand groups needs a length > %d, got %d",
			ErrResizeDirection, old, newByteLength)
	}

	err := g.executeInSession(ctx, func(ctx context.Context) error {
		err := seedSlotRange(ctx, &g.groups.slotModel, 8*old+1, 8*newByteLength, g.cfg.MutationConcurrency)
		if err != nil {
			return err
		}

		return g.users.resizeMasks(ctx, fieldGroupsMask, newByteLength)
	})
	if err != nil {
		return err
	}

	g.groupLen.Store(int64(newByteLength))

	return nil
}

// ShrinkGroups shrinks the group universe to newByteLength bytes. Fails
// with ErrShrinkDeniesLive, before any destructive write, when an
// allocated group exists beyond position 8*newByteLength.
func (g *Gibbon) ShrinkGroups(ctx context.Context, newByteLength int) error {
	old := g.GroupByteLength()
	if newByteLength < 1 || newByteLength >= old {
		return fmt.Errorf("%w: shrink groups needs a length in [1, %d), got %d",
			ErrResizeDirection, old, newByteLength)
	}

	err := g.executeInSession(ctx, func(ctx context.Context) error {
		err := dropSlotsBeyond(ctx, &g.groups.slotModel, 8*newByteLength)
		if err != nil {
			return err
		}

		return g.users.resizeMasks(ctx, fieldGroupsMask, newByteLength)
	})
	if err != nil {
		return err
	}

	g.groupLen.Store(int64(newByteLength))

	return nil
}

// dropSlotsBeyond deletes the slot rows above boundary after verifying
// none of them is allocated.
func dropSlotsBeyond(ctx context.Context, s *slotModel, boundary int) error {
	live, err := s.coll.CountDocuments(ctx, bson.M{
		fieldPosition:  bson.M{"$gt": boundary},
		fieldAllocated: true,
	})
	if err != nil {
		return fmt.Errorf("count %s slots beyond boundary: %w", s.kind, err)
	}

	if live > 0 {
		return fmt.Errorf("%w: cannot shrink, %d allocated %s slot(s) exist beyond position %d",
			ErrShrinkDeniesLive, live, s.kind, boundary)
	}

	_, err = s.coll.DeleteMany(ctx, bson.M{fieldPosition: bson.M{"$gt": boundary}})
	if err != nil {
		return fmt.Errorf("delete %s slots beyond boundary: %w", s.kind, err)
	}

	return nil
}
