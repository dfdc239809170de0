package entity_test

import (
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ammar0144/repo4go/pkg/entity"
)

type Stamps struct {
	CreatedDate      time.Time `repo:"createdDate"`
	LastModifiedDate time.Time `repo:"lastModifiedDate"`
}

type Club struct {
	ID      int64 `gorm:"primaryKey"`
	Name    string
	Players entity.Refs[Player] `gorm:"-"`
}

type Player struct {
	Stamps
	ID      int64 `gorm:"primaryKey"`
	Name    string
	Rating  float64
	Active  bool
	ClubID  *int64
	Club    entity.Ref[Club] `gorm:"-"`
	Version int64            `repo:"version"`
}

type Ticket struct {
	Code  string `gorm:"primaryKey"`
	Title string
}

type Token struct {
	ID    string `gorm:"primaryKey" repo:"uuid"`
	Value string
}

type Broken struct {
	ID    int64            `gorm:"primaryKey"`
	Owner entity.Ref[Club] `gorm:"-"`
}

func TestDescribeParsesAttributesAndRoles(t *testing.T) {
	meta, err := entity.Of[Player]()
	require.NoError(t, err)

	assert.Equal(t, "Player", meta.Name)
	assert.Equal(t, "players", meta.Table)
	assert.Equal(t, "ID", meta.ID.Name)
	assert.Equal(t, entity.IDSequence, meta.Strategy)
	require.NotNil(t, meta.Version)
	assert.Equal(t, "version", meta.Version.Column)

	created := meta.WithRole(entity.RoleCreatedDate)
	require.NotNil(t, created)
	assert.Equal(t, "created_date", created.Column)
	assert.Equal(t, entity.KindTimestamp, created.Kind)

	clubID, ok := meta.Attribute("ClubID")
	require.True(t, ok)
	assert.Equal(t, "club_id", clubID.Column)
	assert.Equal(t, entity.KindInteger, clubID.Kind)

	rating, ok := meta.Column("rating")
	require.True(t, ok)
	assert.Equal(t, entity.KindFloat, rating.Kind)

	assert.NotContains(t, meta.Columns(), "club")

	club, ok := meta.Association("Club")
	require.True(t, ok)
	assert.Equal(t, entity.ToOne, club.Kind)
	assert.Equal(t, "ClubID", club.ForeignKey)
	assert.Equal(t, reflect.TypeOf(Club{}), club.Target)

	same, err := entity.Describe(&Player{})
	require.NoError(t, err)
	assert.Same(t, meta, same)
}

func TestDescribeToManyDefaultsMappedBy(t *testing.T) {
	meta, err := entity.Of[Club]()
	require.NoError(t, err)

	players, ok := meta.Association("Players")
	require.True(t, ok)
	assert.Equal(t, entity.ToMany, players.Kind)
	assert.Equal(t, "ClubID", players.ForeignKey)

	target, err := players.TargetMetadata()
	require.NoError(t, err)
	assert.Equal(t, "Player", target.Name)
}

func TestDescribeIdentifierStrategies(t *testing.T) {
	ticket, err := entity.Of[Ticket]()
	require.NoError(t, err)
	assert.Equal(t, entity.IDAssigned, ticket.Strategy)

	token, err := entity.Of[Token]()
	require.NoError(t, err)
	assert.Equal(t, entity.IDUUID, token.Strategy)
}

func TestDescribeRejectsInvalidTypes(t *testing.T) {
	_, err := entity.Describe(42)
	assert.ErrorIs(t, err, entity.ErrNotEntity)

	_, err = entity.Of[Broken]()
	assert.ErrorIs(t, err, entity.ErrInvalidAssociation)
}

func TestIdentifierAccess(t *testing.T) {
	meta := entity.MustOf[Player]()
	p := &Player{Name: "p1"}

	_, ok := meta.Identifier(p)
	assert.False(t, ok)

	require.NoError(t, meta.SetID(p, int64(7)))
	id, ok := meta.Identifier(p)
	assert.True(t, ok)
	assert.Equal(t, int64(7), id)
	assert.Equal(t, entity.Key(7), entity.Key(id))
}

func TestSnapshotAndDiff(t *testing.T) {
	meta := entity.MustOf[Player]()
	club := int64(3)
	p := &Player{ID: 1, Name: "p1", Rating: 1.5, ClubID: &club}

	snap := meta.Snapshot(p)
	assert.Equal(t, int64(3), snap["club_id"])
	assert.Empty(t, meta.Diff(p, snap))

	p.Name = "p2"
	p.ClubID = nil
	dirty := meta.Diff(p, snap)
	require.Len(t, dirty, 2)
	assert.Equal(t, "Name", dirty[0].Name)
	assert.Equal(t, "ClubID", dirty[1].Name)
}

func TestAssignConvertsDriverValues(t *testing.T) {
	meta := entity.MustOf[Player]()
	p := &Player{}

	name, _ := meta.Attribute("Name")
	require.NoError(t, meta.Set(p, name, []byte("p1")))
	assert.Equal(t, "p1", p.Name)

	active, _ := meta.Attribute("Active")
	require.NoError(t, meta.Set(p, active, int64(1)))
	assert.True(t, p.Active)

	clubID, _ := meta.Attribute("ClubID")
	require.NoError(t, meta.Set(p, clubID, int32(9)))
	require.NotNil(t, p.ClubID)
	assert.Equal(t, int64(9), *p.ClubID)
	require.NoError(t, meta.Set(p, clubID, nil))
	assert.Nil(t, p.ClubID)

	created := meta.WithRole(entity.RoleCreatedDate)
	require.NoError(t, meta.Set(p, created, []byte("2024-05-01 10:00:00")))
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), p.CreatedDate)

	rating, _ := meta.Attribute("Rating")
	err := meta.Set(p, rating, "not a number")
	assert.True(t, entity.IsTypeMismatch(err))
}

func TestCopyCarriesResolvedReferences(t *testing.T) {
	meta := entity.MustOf[Player]()
	club := &Club{ID: 2, Name: "c"}
	src := &Player{ID: 1, Name: "src", Club: entity.Resolved(club)}
	dst := &Player{ID: 1, Name: "dst", Club: entity.Unresolved[Club](int64(5))}

	require.NoError(t, meta.Copy(dst, src))
	assert.Equal(t, "src", dst.Name)
	got, ok := dst.Club.Get()
	assert.True(t, ok)
	assert.Same(t, club, got)
}

func TestReferenceStates(t *testing.T) {
	ref := entity.Unresolved[Club](int64(4))
	assert.False(t, ref.IsResolved())
	assert.Equal(t, int64(4), ref.ForeignKey())
	assert.Nil(t, ref.Value())

	ref.Resolve(nil)
	v, ok := ref.Get()
	assert.True(t, ok)
	assert.Nil(t, v)

	refs := entity.Refs[Player]{}
	refs.Unresolve(int64(1))
	refs.Resolve([]any{&Player{ID: 1}, &Player{ID: 2}})
	items, ok := refs.Get()
	assert.True(t, ok)
	assert.Len(t, items, 2)
}

func TestKeyNormalisesIdentifiers(t *testing.T) {
	assert.Equal(t, entity.Key(int64(5)), entity.Key(5))
	assert.Equal(t, entity.Key(uint8(5)), entity.Key(int32(5)))
	assert.Equal(t, "abc", entity.Key([]byte("abc")))
	assert.Nil(t, entity.Key((*int64)(nil)))
}
