package gibbon

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// permissionModel owns the permission collection. Permissions are pure
// slots; they carry no mask field of their own.
type permissionModel struct {
	slotModel
}

func newPermissionModel(coll *mongo.Collection) *permissionModel {
	return &permissionModel{slotModel: slotModel{coll: coll, kind: "permission"}}
}

func (m *permissionModel) find(ctx context.Context, positions []int) ([]Permission, error) {
	docs, err := m.findDocs(ctx, positions)
	if err != nil {
		return nil, err
	}

	return decodePermissions(docs), nil
}

func (m *permissionModel) findAllAllocated(ctx context.Context) ([]Permission, error) {
	docs, err := m.findAllAllocatedDocs(ctx)
	if err != nil {
		return nil, err
	}

	return decodePermissions(docs), nil
}

// updateMetadata merges data into the allocated permission at position.
// Returns nil when no allocated permission exists there.
func (m *permissionModel) updateMetadata(ctx context.Context, position int, data Metadata) (*Permission, error) {
	doc, err := m.updateMetadataDoc(ctx, position, data)
	if err != nil || doc == nil {
		return nil, err
	}

	p := decodePermission(doc)

	return &p, nil
}

func decodePermissions(docs []bson.M) []Permission {
	out := make([]Permission, 0, len(docs))

	for _, doc := range docs {
		out = append(out, decodePermission(doc))
	}

	return out
}
