package gibbon

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/maskauth/gibbon/pkg/bitmask"
)

// Gibbon is the public surface of the authorization engine. It owns the
// three models and the transaction boundaries of every composite
// operation; callers never address the collections directly.
//
// All write-side methods accept an externally-owned session through ctx:
// run them inside [mongo.WithSession] and the facade joins that session
// instead of starting its own transaction.
type Gibbon struct {
	client *mongo.Client
	cfg    Config

	// Universe byte lengths. Mutated only by the resize protocol, read
	// on every mask decode, hence atomic.
	permLen  atomic.Int64
	groupLen atomic.Int64

	permissions *permissionModel
	groups      *groupModel
	users       *userModel
}

// New wires a facade onto an established client. The config fixes the
// universe sizes and collection layout.
func New(client *mongo.Client, cfg Config) (*Gibbon, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	g := &Gibbon{client: client, cfg: cfg}
	g.permLen.Store(int64(cfg.PermissionByteLength))
	g.groupLen.Store(int64(cfg.GroupByteLength))

	db := client.Database(cfg.DBName)
	g.permissions = newPermissionModel(db.Collection(cfg.DBStructure.Permission.CollectionName))
	g.groups = newGroupModel(db.Collection(cfg.DBStructure.Group.CollectionName), g.PermissionByteLength)
	g.users = newUserModel(db.Collection(cfg.DBStructure.User.CollectionName),
		g.GroupByteLength, g.PermissionByteLength, cfg.MutationConcurrency)

	return g, nil
}

// Client exposes the underlying driver client, e.g. for callers that
// want to own a session around several facade calls.
func (g *Gibbon) Client() *mongo.Client {
	return g.client
}

// PermissionByteLength returns the current permission universe byte
// length P (positions 1..8*P).
func (g *Gibbon) PermissionByteLength() int {
	return int(g.permLen.Load())
}

// GroupByteLength returns the current group universe byte length Gb
// (positions 1..8*Gb).
func (g *Gibbon) GroupByteLength() int {
	return int(g.groupLen.Load())
}

// executeInSession runs fn inside one atomic boundary. When ctx already
// carries a caller-owned session, the facade joins it and the caller
// owns commit/abort. Otherwise a new session is started and fn runs
// inside the driver's transaction helper, which retries transient
// conflicts.
func (g *Gibbon) executeInSession(ctx context.Context, fn func(context.Context) error) error {
	if mongo.SessionFromContext(ctx) != nil {
		return fn(ctx)
	}

	sess, err := g.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return nil, fn(sc)
	})

	return err
}

// resolver returns the session-aware permissions-for-groups capability
// handed to the user model; the active session travels in ctx.
func (g *Gibbon) resolver() PermissionResolver {
	return groupResolver{groups: g.groups}
}

type groupResolver struct {
	groups *groupModel
}

func (r groupResolver) GetPermissionsForGroups(ctx context.Context, groups *bitmask.Mask) (*bitmask.Mask, error) {
	return r.groups.getPermissionsForGroups(ctx, groups)
}

// ensurePermissions coerces a mask input against the permission universe.
func (g *Gibbon) ensurePermissions(input any) (*bitmask.Mask, error) {
	return ensureMask(input, g.PermissionByteLength())
}

// ensureGroups coerces a mask input against the group universe.
func (g *Gibbon) ensureGroups(input any) (*bitmask.Mask, error) {
	return ensureMask(input, g.GroupByteLength())
}

// --- Queries ---

// GetPermissionsForGroups returns the union of the permission masks of
// the allocated groups in groups.
func (g *Gibbon) GetPermissionsForGroups(ctx context.Context, groups any) (*bitmask.Mask, error) {
	mask, err := g.ensureGroups(groups)
	if err != nil {
		return nil, err
	}

	return g.groups.getPermissionsForGroups(ctx, mask)
}

// FindGroups returns the group slots at the given positions.
func (g *Gibbon) FindGroups(ctx context.Context, positions []int) ([]Group, error) {
	return g.groups.find(ctx, positions)
}

// FindPermissions returns the permission slots at the given positions.
func (g *Gibbon) FindPermissions(ctx context.Context, positions []int) ([]Permission, error) {
	return g.permissions.find(ctx, positions)
}

// FindGroupsByPermissions returns the allocated groups granting any of
// the given permissions.
func (g *Gibbon) FindGroupsByPermissions(ctx context.Context, perms any) ([]Group, error) {
	mask, err := g.ensurePermissions(perms)
	if err != nil {
		return nil, err
	}

	return g.groups.findByPermissions(ctx, mask, true)
}

// FindUsersByPermissions returns the users holding any of the given
// permissions.
func (g *Gibbon) FindUsersByPermissions(ctx context.Context, perms any) ([]User, error) {
	mask, err := g.ensurePermissions(perms)
	if err != nil {
		return nil, err
	}

	return g.users.findByPermissions(ctx, mask)
}

// FindUsersByGroups returns the users that are members of any of the
// given groups.
func (g *Gibbon) FindUsersByGroups(ctx context.Context, groups any) ([]User, error) {
	mask, err := g.ensureGroups(groups)
	if err != nil {
		return nil, err
	}

	return g.users.findByGroups(ctx, mask)
}

// FindUsers returns the users matching a caller-supplied filter.
func (g *Gibbon) FindUsers(ctx context.Context, filter bson.M) ([]User, error) {
	return g.users.findByFilter(ctx, filter)
}

// FindAllAllocatedGroups returns every allocated group.
func (g *Gibbon) FindAllAllocatedGroups(ctx context.Context) ([]Group, error) {
	return g.groups.findAllAllocated(ctx)
}

// FindAllAllocatedPermissions returns every allocated permission.
func (g *Gibbon) FindAllAllocatedPermissions(ctx context.Context) ([]Permission, error) {
	return g.permissions.findAllAllocated(ctx)
}

// CountGroupSlots returns the (allocated, free) group slot counts.
func (g *Gibbon) CountGroupSlots(ctx context.Context) (int64, int64, error) {
	return g.groups.counts(ctx)
}

// CountPermissionSlots returns the (allocated, free) permission slot
// counts.
func (g *Gibbon) CountPermissionSlots(ctx context.Context) (int64, int64, error) {
	return g.permissions.counts(ctx)
}

// --- Allocation ---

// AllocatePermission claims the lowest free permission slot, stores the
// sanitized metadata on it, and returns the post-image. Returns
// ErrExhausted when every slot is allocated.
func (g *Gibbon) AllocatePermission(ctx context.Context, data Metadata) (Permission, error) {
	doc, err := g.permissions.allocate(ctx, data)
	if err != nil {
		return Permission{}, err
	}

	return decodePermission(doc), nil
}

// AllocateGroup claims the lowest free group slot, stores the sanitized
// metadata on it, zeroes its permissions mask, and returns the
// post-image. Returns ErrExhausted when every slot is allocated.
func (g *Gibbon) AllocateGroup(ctx context.Context, data Metadata) (Group, error) {
	doc, err := g.groups.allocate(ctx, data)
	if err != nil {
		return Group{}, err
	}

	return decodeGroup(doc, g.PermissionByteLength()), nil
}

// DeallocatePermissions frees the given permission slots and cascades:
// the freed bits are cleared from every group's permissions mask and
// from every user's derived mask, all in one transaction.
func (g *Gibbon) DeallocatePermissions(ctx context.Context, perms any) error {
	mask, err := g.ensurePermissions(perms)
	if err != nil {
		return err
	}

	return g.executeInSession(ctx, func(ctx context.Context) error {
		err := g.permissions.deallocate(ctx, mask.Positions())
		if err != nil {
			return err
		}

		err = g.groups.unsetPermissions(ctx, mask)
		if err != nil {
			return err
		}

		return g.users.unsetPermissions(ctx, mask)
	})
}

// DeallocateGroups frees the given group slots (zeroing their permission
// masks) and cascades: membership bits are cleared from every member and
// each member's derived mask is recomputed from its remaining groups,
// all in one transaction.
func (g *Gibbon) DeallocateGroups(ctx context.Context, groups any) error {
	mask, err := g.ensureGroups(groups)
	if err != nil {
		return err
	}

	return g.executeInSession(ctx, func(ctx context.Context) error {
		err := g.groups.deallocate(ctx, mask.Positions())
		if err != nil {
			return err
		}

		return g.users.unsetGroups(ctx, mask, g.resolver())
	})
}

// --- User lifecycle ---

// CreateUser inserts a user with zeroed masks plus sanitized metadata.
func (g *Gibbon) CreateUser(ctx context.Context, data Metadata) (User, error) {
	return g.users.create(ctx, data)
}

// RemoveUsers deletes every user matching filter and returns the count.
func (g *Gibbon) RemoveUsers(ctx context.Context, filter bson.M) (int64, error) {
	return g.users.remove(ctx, filter)
}

// --- Metadata ---

// UpdateGroupMetadata merges sanitized metadata into the allocated group
// at position. Returns nil when no allocated group exists there.
func (g *Gibbon) UpdateGroupMetadata(ctx context.Context, position int, data Metadata) (*Group, error) {
	return g.groups.updateMetadata(ctx, position, data)
}

// UpdatePermissionMetadata merges sanitized metadata into the allocated
// permission at position. Returns nil when no allocated permission
// exists there.
func (g *Gibbon) UpdatePermissionMetadata(ctx context.Context, position int, data Metadata) (*Permission, error) {
	return g.permissions.updateMetadata(ctx, position, data)
}

// UpdateUserMetadata merges sanitized metadata into every user matching
// filter; masks are never touched. Returns the modified count.
func (g *Gibbon) UpdateUserMetadata(ctx context.Context, filter bson.M, data Metadata) (int64, error) {
	return g.users.updateMetadata(ctx, filter, data)
}

// --- Subscription ---

// SubscribeUsersToGroups makes every user matching filter a member of
// groups and extends each member's derived mask with the permissions
// those groups grant. Fails with ErrNotAllocated when any group is not
// allocated; runs in one transaction.
func (g *Gibbon) SubscribeUsersToGroups(ctx context.Context, filter bson.M, groups any) error {
	mask, err := g.ensureGroups(groups)
	if err != nil {
		return err
	}

	return g.executeInSession(ctx, func(ctx context.Context) error {
		err := g.requireAllocatedGroups(ctx, mask)
		if err != nil {
			return err
		}

		perms, err := g.groups.getPermissionsForGroups(ctx, mask)
		if err != nil {
			return err
		}

		return g.users.subscribeToGroupsAndPermissions(ctx, filter, mask, perms)
	})
}

// SubscribePermissionsToGroups grants perms to every group in groups and
// extends the derived mask of every member of those groups. Both inputs
// must be fully allocated; the permission-side failure is surfaced
// first. Runs in one transaction.
func (g *Gibbon) SubscribePermissionsToGroups(ctx context.Context, groups, perms any) error {
	groupsMask, err := g.ensureGroups(groups)
	if err != nil {
		return err
	}

	permsMask, err := g.ensurePermissions(perms)
	if err != nil {
		return err
	}

	return g.executeInSession(ctx, func(ctx context.Context) error {
		// The two checks are independent reads, but the shared session
		// permits no concurrent use, so they run in a fixed order; a
		// double failure deterministically reports the permission side.
		err := g.requireAllocatedPermissions(ctx, permsMask)
		if err != nil {
			return err
		}

		err = g.requireAllocatedGroups(ctx, groupsMask)
		if err != nil {
			return err
		}

		err = g.groups.subscribePermissions(ctx, groupsMask, permsMask)
		if err != nil {
			return err
		}

		return g.users.subscribeToPermissionsForGroups(ctx, groupsMask, permsMask)
	})
}

// UnsubscribeUsersFromGroups removes the group memberships in groups
// from every user matching filter and recomputes each affected user's
// derived mask from the groups that remain. Runs in one transaction.
func (g *Gibbon) UnsubscribeUsersFromGroups(ctx context.Context, filter bson.M, groups any) error {
	mask, err := g.ensureGroups(groups)
	if err != nil {
		return err
	}

	return g.executeInSession(ctx, func(ctx context.Context) error {
		return g.users.unsubscribeFromGroups(ctx, filter, mask, g.resolver())
	})
}

// UnsubscribePermissionsFromGroups revokes perms from every group in
// groups and recomputes the derived mask of every member of those
// groups. The recomputation reads the already-revoked group masks
// because both steps share the transaction. Runs in one transaction.
func (g *Gibbon) UnsubscribePermissionsFromGroups(ctx context.Context, groups, perms any) error {
	groupsMask, err := g.ensureGroups(groups)
	if err != nil {
		return err
	}

	permsMask, err := g.ensurePermissions(perms)
	if err != nil {
		return err
	}

	return g.executeInSession(ctx, func(ctx context.Context) error {
		err := g.groups.unsubscribePermissions(ctx, groupsMask, permsMask)
		if err != nil {
			return err
		}

		memberFilter := bson.M{fieldGroupsMask: bson.M{"$bitsAnySet": binaryMask(groupsMask)}}

		return g.users.recalculatePermissions(ctx, memberFilter, g.resolver())
	})
}

// RecalculatePermissions rewrites the derived mask of every user
// matching filter from its current memberships. Maintenance operation
// for stores that ran without transactions.
//
// Per-user recomputation is commutative and needs no cross-document
// atomicity, so no transaction is started; outside a caller-owned
// session the rewrites fan out through the bounded worker pool.
func (g *Gibbon) RecalculatePermissions(ctx context.Context, filter bson.M) error {
	return g.users.recalculatePermissions(ctx, filter, g.resolver())
}

// --- Allocation-state validation ---

// ValidateAllocatedGroups reports whether every position is an allocated
// group.
func (g *Gibbon) ValidateAllocatedGroups(ctx context.Context, positions []int) (bool, error) {
	return g.groups.validateAllocation(ctx, positions, true)
}

// ValidateAllocatedPermissions reports whether every position is an
// allocated permission.
func (g *Gibbon) ValidateAllocatedPermissions(ctx context.Context, positions []int) (bool, error) {
	return g.permissions.validateAllocation(ctx, positions, true)
}

func (g *Gibbon) requireAllocatedGroups(ctx context.Context, mask *bitmask.Mask) error {
	ok, err := g.groups.validateAllocation(ctx, mask.Positions(), true)
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("%w: groups %v", ErrNotAllocated, mask.Positions())
	}

	return nil
}

func (g *Gibbon) requireAllocatedPermissions(ctx context.Context, mask *bitmask.Mask) error {
	ok, err := g.permissions.validateAllocation(ctx, mask.Positions(), true)
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("%w: permissions %v", ErrNotAllocated, mask.Positions())
	}

	return nil
}

// --- Pure validation (no store access) ---

// ValidateUserGroupsForAllGroups reports whether every position in
// positions is set in the user's membership mask.
func (g *Gibbon) ValidateUserGroupsForAllGroups(groups *bitmask.Mask, positions []int) bool {
	return groups.HasAll(positions)
}

// ValidateUserGroupsForAnyGroups reports whether any position in
// positions is set in the user's membership mask.
func (g *Gibbon) ValidateUserGroupsForAnyGroups(groups *bitmask.Mask, positions []int) bool {
	return groups.HasAny(positions)
}

// ValidateUserPermissionsForAllPermissions reports whether every
// position in positions is set in the user's derived mask.
func (g *Gibbon) ValidateUserPermissionsForAllPermissions(perms *bitmask.Mask, positions []int) bool {
	return perms.HasAll(positions)
}

// ValidateUserPermissionsForAnyPermissions reports whether any position
// in positions is set in the user's derived mask.
func (g *Gibbon) ValidateUserPermissionsForAnyPermissions(perms *bitmask.Mask, positions []int) bool {
	return perms.HasAny(positions)
}
