package gibbon

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/maskauth/gibbon/pkg/bitmask"
)

// groupModel extends the slot allocator with permission-aware
// operations. Each group row carries a permissions mask of the current
// permission byte length.
type groupModel struct {
	slotModel

	// permByteLen reads the current permission byte length; it is a
	// closure because the resize protocol changes the length at runtime.
	permByteLen func() int
}

func newGroupModel(coll *mongo.Collection, permByteLen func() int) *groupModel {
	m := &groupModel{permByteLen: permByteLen}
	m.slotModel = slotModel{
		coll: coll,
		kind: "group",
		resetFields: func() bson.M {
			return bson.M{fieldPermissionsMask: binaryMask(zeroMask(permByteLen()))}
		},
	}

	return m
}

func (m *groupModel) find(ctx context.Context, positions []int) ([]Group, error) {
	docs, err := m.findDocs(ctx, positions)
	if err != nil {
		return nil, err
	}

	return m.decodeGroups(docs), nil
}

func (m *groupModel) findAllAllocated(ctx context.Context) ([]Group, error) {
	docs, err := m.findAllAllocatedDocs(ctx)
	if err != nil {
		return nil, err
	}

	return m.decodeGroups(docs), nil
}

// findByPermissions returns the groups whose permissions mask shares any
// bit with perms, filtered by allocation state.
func (m *groupModel) findByPermissions(ctx context.Context, perms *bitmask.Mask, wantAllocated bool) ([]Group, error) {
	docs, err := m.collect(ctx, bson.M{
		fieldAllocated:       wantAllocated,
		fieldPermissionsMask: bson.M{"$bitsAnySet": binaryMask(perms)},
	})
	if err != nil {
		return nil, err
	}

	return m.decodeGroups(docs), nil
}

// getPermissionsForGroups returns the bitwise union of the permissions
// masks of the allocated groups whose position is set in groups. This is
// the defining function of the derived user permissions mask.
func (m *groupModel) getPermissionsForGroups(ctx context.Context, groups *bitmask.Mask) (*bitmask.Mask, error) {
	union := zeroMask(m.permByteLen())

	positions := groups.Positions()
	if len(positions) == 0 {
		return union, nil
	}

	docs, err := m.collect(ctx, bson.M{
		fieldPosition:  bson.M{"$in": positions},
		fieldAllocated: true,
	})
	if err != nil {
		return nil, err
	}

	for _, doc := range docs {
		union.Merge(maskFromValue(doc[fieldPermissionsMask], m.permByteLen()))
	}

	return union, nil
}

// subscribePermissions ORs perms into the permissions mask of every
// group addressed by groups.
func (m *groupModel) subscribePermissions(ctx context.Context, groups, perms *bitmask.Mask) error {
	filter := bson.M{fieldPosition: bson.M{"$in": groups.Positions()}}

	return m.mutateMasks(ctx, filter, func(mask *bitmask.Mask) *bitmask.Mask {
		return mask.Merge(perms)
	})
}

// unsubscribePermissions clears perms from the permissions mask of every
// group addressed by groups.
func (m *groupModel) unsubscribePermissions(ctx context.Context, groups, perms *bitmask.Mask) error {
	filter := bson.M{fieldPosition: bson.M{"$in": groups.Positions()}}

	return m.mutateMasks(ctx, filter, func(mask *bitmask.Mask) *bitmask.Mask {
		return mask.ClearMask(perms)
	})
}

// unsetPermissions clears perms from every group that has any of those
// bits set. Used when permissions are deallocated.
func (m *groupModel) unsetPermissions(ctx context.Context, perms *bitmask.Mask) error {
	filter := bson.M{fieldPermissionsMask: bson.M{"$bitsAnySet": binaryMask(perms)}}

	return m.mutateMasks(ctx, filter, func(mask *bitmask.Mask) *bitmask.Mask {
		return mask.ClearMask(perms)
	})
}

// updateMetadata merges data into the allocated group at position.
// Returns nil when no allocated group exists there.
func (m *groupModel) updateMetadata(ctx context.Context, position int, data Metadata) (*Group, error) {
	doc, err := m.updateMetadataDoc(ctx, position, data)
	if err != nil || doc == nil {
		return nil, err
	}

	g := decodeGroup(doc, m.permByteLen())

	return &g, nil
}

// resizePermissionMasks rewrites every group's permissions mask to
// byteLength bytes. Growing zero-pads; shrinking drops the tail, which
// the resize protocol has already verified to be free.
func (m *groupModel) resizePermissionMasks(ctx context.Context, byteLength int) error {
	return m.mutateMasks(ctx, bson.M{}, func(mask *bitmask.Mask) *bitmask.Mask {
		resized, err := mask.Resized(byteLength)
		if err != nil {
			panic(err) // byteLength validated by the resize protocol
		}

		return resized
	})
}

// mutateMasks streams the matching rows and rewrites each permissions
// mask through mutate. Row updates are issued one at a time; group
// universes are small and mutation order must stay deterministic under
// a session.
func (m *groupModel) mutateMasks(ctx context.Context, filter bson.M, mutate func(*bitmask.Mask) *bitmask.Mask) error {
	cur, err := m.coll.Find(ctx, filter)
	if err != nil {
		return fmt.Errorf("find %s: %w", m.kind, err)
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var doc bson.M

		decodeErr := cur.Decode(&doc)
		if decodeErr != nil {
			return fmt.Errorf("decode %s: %w", m.kind, decodeErr)
		}

		next := mutate(maskFromValue(doc[fieldPermissionsMask], m.permByteLen()))

		_, updateErr := m.coll.UpdateOne(ctx, idFilter(doc),
			bson.M{"$set": bson.M{fieldPermissionsMask: binaryMask(next)}})
		if updateErr != nil {
			return fmt.Errorf("update %s mask: %w", m.kind, updateErr)
		}
	}

	if err := cur.Err(); err != nil {
		return fmt.Errorf("iterate %s: %w", m.kind, err)
	}

	return nil
}

func (m *groupModel) decodeGroups(docs []bson.M) []Group {
	out := make([]Group, 0, len(docs))

	for _, doc := range docs {
		out = append(out, decodeGroup(doc, m.permByteLen()))
	}

	return out
}
