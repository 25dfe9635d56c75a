package groupsig

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	keys   []*KeyPair
	ring   *Ring
	opener *KeyPair
}

func newFixture(t *testing.T, n int) fixture {
	t.Helper()
	f := fixture{keys: make([]*KeyPair, n)}
	members := make([]Member, n)
	for i := range f.keys {
		kp, err := GenerateKeyPair()
		require.NoError(t, err)
		f.keys[i] = kp
		members[i] = Member{ID: fmt.Sprintf("bank-%02d", i), Public: Point{kp.Public}}
	}
	ring, err := NewRing(members)
	require.NoError(t, err)
	f.ring = ring
	opener, err := GenerateKeyPair()
	require.NoError(t, err)
	f.opener = opener
	return f
}

var scope = []byte("batch 7")

func TestSignVerifyOpen(t *testing.T) {
	f := newFixture(t, 5)
	msg := []byte("batch 7 approve")

	for i, kp := range f.keys {
		sig, err := Sign(scope, msg, kp, f.ring, f.opener.Public)
		require.NoError(t, err)
		require.True(t, Verify(scope, msg, sig, f.ring, f.opener.Public))
		assert.False(t, Verify([]byte("batch 8"), msg, sig, f.ring, f.opener.Public), "scope is bound into the signature")

		id, err := Open(scope, msg, sig, f.ring, f.opener)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("bank-%02d", i), id)
	}
}

func TestVerifyRejectsOtherMessage(t *testing.T) {
	f := newFixture(t, 3)
	sig, err := Sign(scope, []byte("approve"), f.keys[1], f.ring, f.opener.Public)
	require.NoError(t, err)

	assert.False(t, Verify(scope, []byte("reject"), sig, f.ring, f.opener.Public))

	other, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.False(t, Verify(scope, []byte("approve"), sig, f.ring, other.Public), "opener key is bound into the signature")
}

func TestSignaturesLinkWithinScope(t *testing.T) {
	f := newFixture(t, 3)
	s1, err := Sign(scope, []byte("approve"), f.keys[0], f.ring, f.opener.Public)
	require.NoError(t, err)
	s2, err := Sign(scope, []byte("reject"), f.keys[0], f.ring, f.opener.Public)
	require.NoError(t, err)
	assert.NotEqual(t, s1.Bytes(), s2.Bytes())
	assert.True(t, Linked(s1, s2), "same member, same scope")
	assert.False(t, s1.C2.Equal(&f.keys[0].Public), "signer key must not appear in clear")

	s3, err := Sign(scope, []byte("approve"), f.keys[1], f.ring, f.opener.Public)
	require.NoError(t, err)
	assert.False(t, Linked(s1, s3), "different members")

	s4, err := Sign([]byte("batch 8"), []byte("approve"), f.keys[0], f.ring, f.opener.Public)
	require.NoError(t, err)
	assert.False(t, Linked(s1, s4), "tags do not carry across scopes")
}

func TestForeignTagFailsVerification(t *testing.T) {
	f := newFixture(t, 3)
	msg := []byte("approve")
	sig, err := Sign(scope, msg, f.keys[0], f.ring, f.opener.Public)
	require.NoError(t, err)
	other, err := Sign(scope, msg, f.keys[1], f.ring, f.opener.Public)
	require.NoError(t, err)

	sig.Tag = other.Tag
	assert.False(t, Verify(scope, msg, sig, f.ring, f.opener.Public))
}

func TestAttribution(t *testing.T) {
	f := newFixture(t, 4)
	msg := []byte("approve")
	sig, err := Sign(scope, msg, f.keys[2], f.ring, f.opener.Public)
	require.NoError(t, err)

	a, err := Attribute(scope, sig, f.keys[2])
	require.NoError(t, err)
	assert.True(t, a.Verify(scope, sig, f.keys[2].Public))
	assert.False(t, a.Verify(scope, sig, f.keys[1].Public), "attribution names exactly one member")
	assert.False(t, a.Verify([]byte("batch 8"), sig, f.keys[2].Public))

	_, err = Attribute(scope, sig, f.keys[1])
	require.ErrorIs(t, err, ErrNotAttributed)

	var nilAttr *Attribution
	assert.False(t, nilAttr.Verify(scope, sig, f.keys[2].Public))

	data, err := json.Marshal(a)
	require.NoError(t, err)
	var decoded Attribution
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, decoded.Verify(scope, sig, f.keys[2].Public))
}

func TestNonMemberCannotSign(t *testing.T) {
	f := newFixture(t, 3)
	outsider, err := GenerateKeyPair()
	require.NoError(t, err)
	_, err = Sign(scope, []byte("x"), outsider, f.ring, f.opener.Public)
	require.ErrorIs(t, err, ErrNotMember)
}

func TestOpenWithWrongKeyFails(t *testing.T) {
	f := newFixture(t, 3)
	msg := []byte("m")
	sig, err := Sign(scope, msg, f.keys[2], f.ring, f.opener.Public)
	require.NoError(t, err)

	wrong, err := GenerateKeyPair()
	require.NoError(t, err)
	_, err = Open(scope, msg, sig, f.ring, wrong)
	require.Error(t, err)
}

func TestTamperedSignature(t *testing.T) {
	f := newFixture(t, 4)
	msg := []byte("m")
	sig, err := Sign(scope, msg, f.keys[0], f.ring, f.opener.Public)
	require.NoError(t, err)

	sig.Z1[3].SetOne()
	assert.False(t, Verify(scope, msg, sig, f.ring, f.opener.Public))

	sig.Challenges = sig.Challenges[:3]
	assert.False(t, Verify(scope, msg, sig, f.ring, f.opener.Public))
	assert.False(t, Verify(scope, msg, nil, f.ring, f.opener.Public))
}

func TestSignatureEncoding(t *testing.T) {
	f := newFixture(t, 4)
	msg := []byte("encoded")
	sig, err := Sign(scope, msg, f.keys[3], f.ring, f.opener.Public)
	require.NoError(t, err)

	data, err := json.Marshal(sig)
	require.NoError(t, err)
	var decoded Signature
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.True(t, Verify(scope, msg, &decoded, f.ring, f.opener.Public))

	_, err = ParseSignature(sig.Bytes()[:10])
	require.ErrorIs(t, err, ErrMalformedSignature)
}

func TestRingValidation(t *testing.T) {
	_, err := NewRing(nil)
	require.ErrorIs(t, err, ErrEmptyRing)

	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	_, err = NewRing([]Member{{ID: "a", Public: Point{kp.Public}}, {ID: "b", Public: Point{kp.Public}}})
	require.ErrorIs(t, err, ErrDuplicateKey)

	f := newFixture(t, 2)
	m, ok := f.ring.Member("bank-01")
	require.True(t, ok)
	assert.True(t, m.Public.G1Affine.Equal(&f.keys[1].Public))
	_, ok = f.ring.Member("bank-09")
	assert.False(t, ok)
}

func TestPointJSON(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	data, err := json.Marshal(Member{ID: "a", Public: Point{kp.Public}})
	require.NoError(t, err)
	var m Member
	require.NoError(t, json.Unmarshal(data, &m))
	require.True(t, m.Public.G1Affine.Equal(&kp.Public))
}
