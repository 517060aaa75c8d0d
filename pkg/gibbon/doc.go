// Package gibbon is a MongoDB-backed authorization engine that stores
// group membership and permission grants as fixed-length bitmasks
// instead of join tables.
//
// The universe is fixed at deploy time: 8*P permission positions and
// 8*Gb group positions (one bit each, 1-based; position 0 means none).
// Groups and permissions live in pre-seeded slot collections; a slot is
// claimed by flipping its allocated flag, always at the lowest free
// position. Users carry two masks: groupsMask (membership) and
// permissionsMask, which is derived and always equals the bitwise union
// of the permission masks of the user's allocated groups. A single
// document read therefore answers "may user X do Y".
//
// # Basic Usage
//
//	client, _ := mongo.Connect(ctx, options.Client().ApplyURI(uri))
//	g, err := gibbon.New(client, gibbon.DefaultConfig())
//	if err != nil {
//	    // invalid config
//	}
//	_ = g.Initialize(ctx) // idempotent seed
//
//	perm, _ := g.AllocatePermission(ctx, gibbon.Metadata{"name": "publish"})
//	grp, _ := g.AllocateGroup(ctx, gibbon.Metadata{"name": "editors"})
//	_ = g.SubscribePermissionsToGroups(ctx, []int{grp.Position}, []int{perm.Position})
//	_ = g.SubscribeUsersToGroups(ctx, bson.M{"email": "a@b"}, []int{grp.Position})
//
// # Consistency
//
// Every composite mutation (allocate cascades, subscriptions, resize)
// runs inside a store transaction; concurrent readers never observe a
// partial propagation, and a mid-operation failure reverts every earlier
// write. Callers can own the boundary themselves by running facade calls
// inside [mongo.WithSession]; the facade joins the active session found
// in the context.
//
// # Error Handling
//
// Operations return sentinel errors checked with [errors.Is]:
// [ErrExhausted] when no free slot remains, [ErrNotAllocated] for
// references to free positions, [ErrShrinkDeniesLive] and
// [ErrResizeDirection] from the resize protocol, [ErrAlreadySeeded]
// from [Gibbon.Seed], and [ErrTypeMismatch] for unsupported mask inputs.
// Transient transaction conflicts are retried by the driver and do not
// surface.
package gibbon
