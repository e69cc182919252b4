package types

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idWithLastByte(b byte) ID {
	var id ID
	id[IDLength-1] = b
	return id
}

func TestIDBitLen(t *testing.T) {
	tests := []struct {
		name string
		id   ID
		want int
	}{
		{"zero", ZeroID, 0},
		{"one", idWithLastByte(1), 1},
		{"0x80 in last byte", idWithLastByte(0x80), 8},
		{"max", MaxID, IDBits},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.id.BitLen())
		})
	}
}

func TestIDXorAndCommonPrefix(t *testing.T) {
	a := HashID([]byte("a"))
	b := HashID([]byte("b"))

	assert.Equal(t, ZeroID, a.Xor(a))
	assert.Equal(t, a.Xor(b), b.Xor(a))
	assert.Equal(t, a, a.Xor(b).Xor(b))

	assert.Equal(t, IDBits, CommonPrefixLen(a, a))
	assert.Equal(t, 0, CommonPrefixLen(ZeroID, MaxID))
	assert.Equal(t, IDBits-1, CommonPrefixLen(ZeroID, idWithLastByte(1)))
}

func TestIDBit(t *testing.T) {
	var id ID
	id[0] = 0x80
	id[IDLength-1] = 0x01

	assert.Equal(t, uint(1), id.Bit(0))
	assert.Equal(t, uint(0), id.Bit(1))
	assert.Equal(t, uint(1), id.Bit(IDBits-1))
}

func TestIDHexRoundTrip(t *testing.T) {
	id := HashID([]byte("hex"))

	parsed, err := IDFromHex(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = IDFromHex("abcd")
	assert.Error(t, err)
	_, err = IDFromHex("zz")
	assert.Error(t, err)

	var text ID
	require.NoError(t, text.UnmarshalText([]byte(id.String())))
	assert.Equal(t, id, text)
}

func TestRandomIDIsReproducible(t *testing.T) {
	r1 := rand.New(rand.NewSource(42))
	r2 := rand.New(rand.NewSource(42))

	for i := 0; i < 10; i++ {
		assert.Equal(t, RandomID(r1), RandomID(r2))
	}
}

func TestCompareDistance(t *testing.T) {
	target := idWithLastByte(0x10)
	near := idWithLastByte(0x11) // distance 1
	far := idWithLastByte(0x00)  // distance 16

	assert.Equal(t, -1, CompareDistance(target, near, far))
	assert.Equal(t, 1, CompareDistance(target, far, near))
	assert.Equal(t, 0, CompareDistance(target, near, near))
	assert.Equal(t, -1, CompareDistance(target, target, near), "the target itself is nearest")
}

func TestDistanceOrderIsTotal(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	target := RandomID(r)
	ids := make([]ID, 200)
	for i := range ids {
		ids[i] = RandomID(r)
	}

	cmp := DistanceOrder(target)
	sort.Slice(ids, func(i, j int) bool { return cmp(ids[i], ids[j]) < 0 })

	for i := 1; i < len(ids); i++ {
		prev := Distance(ids[i-1], target)
		cur := Distance(ids[i], target)
		require.LessOrEqual(t, prev.Compare(cur), 0, "distances must be non-decreasing")
		require.NotEqual(t, 0, cmp(ids[i-1], ids[i]), "distinct ids must never compare equal")
	}
}

func TestRawOrder(t *testing.T) {
	assert.Equal(t, -1, RawOrder(ZeroID, MaxID))
	assert.Equal(t, 0, RawOrder(MaxID, MaxID))
}

func TestVersionKeyCompare(t *testing.T) {
	loc := HashID([]byte("loc"))
	dom := HashID([]byte("dom"))

	a := VersionKey{Location: loc, Domain: dom, Content: idWithLastByte(1), Version: MaxID}
	b := VersionKey{Location: loc, Domain: dom, Content: idWithLastByte(2), Version: ZeroID}

	assert.Equal(t, -1, a.Compare(b), "content decides before version")
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, 0, a.Compare(a))

	assert.Equal(t, -1, MinVersionKey(loc, dom, a.Content).Compare(a))
	assert.Equal(t, 0, MaxVersionKey(loc, dom, a.Content).Compare(a))
	assert.Equal(t, loc.Xor(dom).Xor(a.Content).Xor(MaxID), a.Fold())
}
