package gibbon

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/maskauth/gibbon/pkg/bitmask"
)

// Storage field names. These are also the reserved metadata keys.
const (
	fieldID              = "_id"
	fieldPosition        = "position"
	fieldAllocated       = "allocated"
	fieldPermissionsMask = "permissionsMask"
	fieldGroupsMask      = "groupsMask"
)

// Metadata is the caller-supplied key/value bag stored alongside an
// entity. Keys are sanitized before every write: keys starting with '$'
// or containing '.' are stripped (operator-injection defense), as are
// the reserved storage field names.
type Metadata map[string]any

// Permission is an allocated or free permission slot.
type Permission struct {
	Position  int
	Allocated bool
	Metadata  Metadata
}

// Group is an allocated or free group slot. PermissionsMask encodes the
// permissions this group grants.
type Group struct {
	Position        int
	Allocated       bool
	PermissionsMask *bitmask.Mask
	Metadata        Metadata
}

// User is a free-form principal. GroupsMask encodes group membership;
// PermissionsMask is derived and always equals the union of the
// permission masks of the user's allocated groups.
type User struct {
	ID              any
	GroupsMask      *bitmask.Mask
	PermissionsMask *bitmask.Mask
	Metadata        Metadata
}

// zeroMask returns an all-zero mask of byteLength bytes. byteLength is
// always a validated config value here, so the range error cannot fire.
func zeroMask(byteLength int) *bitmask.Mask {
	m, err := bitmask.New(byteLength)
	if err != nil {
		panic(err)
	}

	return m
}

// binaryMask renders a mask as a BSON binary (subtype 0) operand.
func binaryMask(m *bitmask.Mask) primitive.Binary {
	return primitive.Binary{Subtype: 0x00, Data: m.Bytes()}
}

// maskFromValue decodes a stored mask field. Missing or foreign values
// decode as an empty mask of the given byte length.
func maskFromValue(v any, byteLength int) *bitmask.Mask {
	zero := make([]byte, byteLength)

	switch raw := v.(type) {
	case primitive.Binary:
		return bitmask.FromBytes(raw.Data)
	case []byte:
		return bitmask.FromBytes(raw)
	default:
		return bitmask.FromBytes(zero)
	}
}

// intFromValue converts the BSON number encodings of position.
func intFromValue(v any) int {
	switch n := v.(type) {
	case int32:
		return int(n)
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

func boolFromValue(v any) bool {
	b, ok := v.(bool)

	return ok && b
}

// metadataFromDoc extracts the non-structural keys of a document.
func metadataFromDoc(doc bson.M) Metadata {
	meta := make(Metadata)

	for k, v := range doc {
		switch k {
		case fieldID, fieldPosition, fieldAllocated, fieldPermissionsMask, fieldGroupsMask:
			continue
		default:
			meta[k] = v
		}
	}

	if len(meta) == 0 {
		return nil
	}

	return meta
}

func decodePermission(doc bson.M) Permission {
	return Permission{
		Position:  intFromValue(doc[fieldPosition]),
		Allocated: boolFromValue(doc[fieldAllocated]),
		Metadata:  metadataFromDoc(doc),
	}
}

func decodeGroup(doc bson.M, permByteLength int) Group {
	return Group{
		Position:        intFromValue(doc[fieldPosition]),
		Allocated:       boolFromValue(doc[fieldAllocated]),
		PermissionsMask: maskFromValue(doc[fieldPermissionsMask], permByteLength),
		Metadata:        metadataFromDoc(doc),
	}
}

func decodeUser(doc bson.M, groupByteLength, permByteLength int) User {
	return User{
		ID:              doc[fieldID],
		GroupsMask:      maskFromValue(doc[fieldGroupsMask], groupByteLength),
		PermissionsMask: maskFromValue(doc[fieldPermissionsMask], permByteLength),
		Metadata:        metadataFromDoc(doc),
	}
}

// idFilter returns the canonical filter addressing one stored document.
func idFilter(doc bson.M) bson.M {
	return bson.M{fieldID: doc[fieldID]}
}

func userFilter(u User) bson.M {
	return bson.M{fieldID: u.ID}
}

// ensureMask coerces input into a mask of byteLength bytes. Accepted
// inputs: *bitmask.Mask, raw bytes, BSON binary, or a list of 1-based
// positions. A mask of a different length is re-sized by merging, which
// drops positions beyond 8*byteLength. Position lists are range
// validated.
func ensureMask(input any, byteLength int) (*bitmask.Mask, error) {
	switch v := input.(type) {
	case *bitmask.Mask:
		if v.ByteLen() == byteLength {
			return v, nil
		}

		m, err := bitmask.New(byteLength)
		if err != nil {
			return nil, err
		}

		return m.Merge(v), nil
	case []byte:
		return ensureMask(bitmask.FromBytes(v), byteLength)
	case primitive.Binary:
		return ensureMask(bitmask.FromBytes(v.Data), byteLength)
	case []int:
		m, err := bitmask.New(byteLength)
		if err != nil {
			return nil, err
		}

		err = m.SetAll(v)
		if err != nil {
			return nil, err
		}

		return m, nil
	case int:
		return ensureMask([]int{v}, byteLength)
	default:
		return nil, fmt.Errorf("%w: %T", ErrTypeMismatch, input)
	}
}

// sanitizeMetadata strips operator-injection vectors ('$'-prefixed or
// dotted keys) and the reserved storage fields from caller data.
func sanitizeMetadata(data Metadata) Metadata {
	out := make(Metadata, len(data))

	for k, v := range data {
		if k == "" || k[0] == '$' {
			continue
		}

		if containsDot(k) {
			continue
		}

		switch k {
		case fieldPosition, fieldAllocated, fieldPermissionsMask, fieldGroupsMask:
			continue
		}

		out[k] = v
	}

	return out
}

func containsDot(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return true
		}
	}

	return false
}
