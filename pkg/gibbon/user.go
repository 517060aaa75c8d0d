package gibbon

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"github.com/maskauth/gibbon/pkg/bitmask"
)

// PermissionResolver answers "which permissions do these groups grant".
//
// The user model needs group reads to recompute derived permissions, but
// the group model must never depend on users. The facade passes a
// resolver at call time; because the transactional session travels in
// ctx, the resolver's reads see the writes of earlier steps in the same
// transaction.
type PermissionResolver interface {
	GetPermissionsForGroups(ctx context.Context, groups *bitmask.Mask) (*bitmask.Mask, error)
}

// userModel owns the user collection. Users are free-form documents
// carrying a group membership mask and the derived permissions mask.
type userModel struct {
	coll         *mongo.Collection
	groupByteLen func() int
	permByteLen  func() int
	concurrency  int
}

func newUserModel(coll *mongo.Collection, groupByteLen, permByteLen func() int, concurrency int) *userModel {
	return &userModel{
		coll:         coll,
		groupByteLen: groupByteLen,
		permByteLen:  permByteLen,
		concurrency:  concurrency,
	}
}

func (m *userModel) decode(doc bson.M) User {
	return decodeUser(doc, m.groupByteLen(), m.permByteLen())
}

// create inserts a user with zeroed masks plus sanitized metadata and
// returns the decoded post-image.
func (m *userModel) create(ctx context.Context, data Metadata) (User, error) {
	doc := bson.M{
		fieldGroupsMask:      binaryMask(zeroMask(m.groupByteLen())),
		fieldPermissionsMask: binaryMask(zeroMask(m.permByteLen())),
	}

	for k, v := range sanitizeMetadata(data) {
		doc[k] = v
	}

	res, err := m.coll.InsertOne(ctx, doc)
	if err != nil {
		return User{}, fmt.Errorf("create user: %w", err)
	}

	doc[fieldID] = res.InsertedID

	return m.decode(doc), nil
}

// remove deletes matching users and returns the count.
func (m *userModel) remove(ctx context.Context, filter bson.M) (int64, error) {
	res, err := m.coll.DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("remove users: %w", err)
	}

	return res.DeletedCount, nil
}

func (m *userModel) findByFilter(ctx context.Context, filter bson.M) ([]User, error) {
	var users []User

	err := m.forEach(ctx, filter, func(_ context.Context, u User) error {
		users = append(users, u)

		return nil
	}, serialOnly)
	if err != nil {
		return nil, err
	}

	return users, nil
}

func (m *userModel) findByPermissions(ctx context.Context, perms *bitmask.Mask) ([]User, error) {
	return m.findByFilter(ctx, bson.M{fieldPermissionsMask: bson.M{"$bitsAnySet": binaryMask(perms)}})
}

func (m *userModel) findByGroups(ctx context.Context, groups *bitmask.Mask) ([]User, error) {
	return m.findByFilter(ctx, bson.M{fieldGroupsMask: bson.M{"$bitsAnySet": binaryMask(groups)}})
}

// updateMetadata merges sanitized metadata into every matching user.
// Masks are never touched on this path.
func (m *userModel) updateMetadata(ctx context.Context, filter bson.M, data Metadata) (int64, error) {
	set := bson.M{}

	for k, v := range sanitizeMetadata(data) {
		set[k] = v
	}

	if len(set) == 0 {
		return 0, nil
	}

	res, err := m.coll.UpdateMany(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return 0, fmt.Errorf("update user metadata: %w", err)
	}

	return res.ModifiedCount, nil
}

// unsetPermissions clears perms from every user whose derived mask has
// any of those bits set. Used when permissions are deallocated.
func (m *userModel) unsetPermissions(ctx context.Context, perms *bitmask.Mask) error {
	filter := bson.M{fieldPermissionsMask: bson.M{"$bitsAnySet": binaryMask(perms)}}

	return m.forEach(ctx, filter, func(ctx context.Context, u User) error {
		return m.writeMasks(ctx, u, nil, u.PermissionsMask.ClearMask(perms))
	}, allowFanOut)
}

// unsetGroups clears groups from every member's membership mask and
// recomputes the derived permissions from the groups that remain.
func (m *userModel) unsetGroups(ctx context.Context, groups *bitmask.Mask, resolver PermissionResolver) error {
	filter := bson.M{fieldGroupsMask: bson.M{"$bitsAnySet": binaryMask(groups)}}

	return m.forEach(ctx, filter, func(ctx context.Context, u User) error {
		remaining := u.GroupsMask.ClearMask(groups)

		perms, err := resolver.GetPermissionsForGroups(ctx, remaining)
		if err != nil {
			return err
		}

		return m.writeMasks(ctx, u, remaining, perms)
	}, allowFanOut)
}

// subscribeToGroupsAndPermissions ORs groups into the membership mask
// and perms into the derived mask of every user matching filter.
func (m *userModel) subscribeToGroupsAndPermissions(ctx context.Context, filter bson.M, groups, perms *bitmask.Mask) error {
	return m.forEach(ctx, filter, func(ctx context.Context, u User) error {
		return m.writeMasks(ctx, u, u.GroupsMask.Merge(groups), u.PermissionsMask.Merge(perms))
	}, allowFanOut)
}

// subscribeToPermissionsForGroups ORs perms into the derived mask of
// every user that is a member of any group in groups.
func (m *userModel) subscribeToPermissionsForGroups(ctx context.Context, groups, perms *bitmask.Mask) error {
	filter := bson.M{fieldGroupsMask: bson.M{"$bitsAnySet": binaryMask(groups)}}

	return m.forEach(ctx, filter, func(ctx context.Context, u User) error {
		return m.writeMasks(ctx, u, nil, u.PermissionsMask.Merge(perms))
	}, allowFanOut)
}

// unsubscribeFromGroups clears groups from the membership mask of every
// user matching filter that intersects groups, then recomputes the
// derived permissions.
func (m *userModel) unsubscribeFromGroups(ctx context.Context, filter bson.M, groups *bitmask.Mask, resolver PermissionResolver) error {
	full := bson.M{}

	for k, v := range filter {
		full[k] = v
	}

	full[fieldGroupsMask] = bson.M{"$bitsAnySet": binaryMask(groups)}

	return m.forEach(ctx, full, func(ctx context.Context, u User) error {
		remaining := u.GroupsMask.ClearMask(groups)

		perms, err := resolver.GetPermissionsForGroups(ctx, remaining)
		if err != nil {
			return err
		}

		return m.writeMasks(ctx, u, remaining, perms)
	}, allowFanOut)
}

// recalculatePermissions rewrites the derived mask of every matching
// user from its current membership mask. Maintenance operation.
func (m *userModel) recalculatePermissions(ctx context.Context, filter bson.M, resolver PermissionResolver) error {
	return m.forEach(ctx, filter, func(ctx context.Context, u User) error {
		perms, err := resolver.GetPermissionsForGroups(ctx, u.GroupsMask)
		if err != nil {
			return err
		}

		return m.writeMasks(ctx, u, nil, perms)
	}, allowFanOut)
}

// writeMasks persists the given masks on u. A nil mask leaves its field
// untouched.
func (m *userModel) writeMasks(ctx context.Context, u User, groups, perms *bitmask.Mask) error {
	set := bson.M{}

	if groups != nil {
		set[fieldGroupsMask] = binaryMask(groups)
	}

	if perms != nil {
		set[fieldPermissionsMask] = binaryMask(perms)
	}

	_, err := m.coll.UpdateOne(ctx, userFilter(u), bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update user masks: %w", err)
	}

	return nil
}

// resizeMasks rewrites field on every user to byteLength bytes.
func (m *userModel) resizeMasks(ctx context.Context, field string, byteLength int) error {
	return m.forEach(ctx, bson.M{}, func(ctx context.Context, u User) error {
		mask := u.PermissionsMask
		if field == fieldGroupsMask {
			mask = u.GroupsMask
		}

		resized, err := mask.Resized(byteLength)
		if err != nil {
			panic(err) // byteLength validated by the resize protocol
		}

		_, updateErr := m.coll.UpdateOne(ctx, userFilter(u),
			bson.M{"$set": bson.M{field: binaryMask(resized)}})
		if updateErr != nil {
			return fmt.Errorf("resize user %s: %w", field, updateErr)
		}

		return nil
	}, allowFanOut)
}

// Fan-out modes for forEach.
const (
	serialOnly  = false
	allowFanOut = true
)

// forEach streams the matching users and applies fn to each.
//
// Mongo sessions are not safe for concurrent use, so whenever ctx
// carries a session (every composite facade operation) the fan-out runs
// serially. Outside a session, writes fan out through a bounded worker
// pool capped at mutationConcurrency, keeping memory bounded by
// concurrency x work-unit rather than the full result set.
func (m *userModel) forEach(ctx context.Context, filter bson.M, fn func(context.Context, User) error, fanOut bool) error {
	cur, err := m.coll.Find(ctx, filter)
	if err != nil {
		return fmt.Errorf("find users: %w", err)
	}
	defer cur.Close(ctx)

	if !fanOut || mongo.SessionFromContext(ctx) != nil || m.concurrency <= 1 {
		for cur.Next(ctx) {
			var doc bson.M

			decodeErr := cur.Decode(&doc)
			if decodeErr != nil {
				return fmt.Errorf("decode user: %w", decodeErr)
			}

			fnErr := fn(ctx, m.decode(doc))
			if fnErr != nil {
				return fnErr
			}
		}

		if err := cur.Err(); err != nil {
			return fmt.Errorf("iterate users: %w", err)
		}

		return nil
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(m.concurrency)

	var decodeErr error

	for cur.Next(ctx) {
		var doc bson.M

		decodeErr = cur.Decode(&doc)
		if decodeErr != nil {
			break
		}

		u := m.decode(doc)

		eg.Go(func() error {
			return fn(egCtx, u)
		})
	}

	iterErr := cur.Err()
	waitErr := eg.Wait()

	switch {
	case decodeErr != nil:
		return fmt.Errorf("decode user: %w", decodeErr)
	case iterErr != nil:
		return fmt.Errorf("iterate users: %w", iterErr)
	default:
		return waitErr
	}
}
