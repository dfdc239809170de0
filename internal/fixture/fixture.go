// Package fixture holds the entities and helpers shared by package tests.
package fixture

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ammar0144/repo4go/pkg/audit"
	"github.com/ammar0144/repo4go/pkg/entity"
	"github.com/ammar0144/repo4go/pkg/persistence"
	"github.com/ammar0144/repo4go/pkg/storage/memory"
)

// Team owns many members
type Team struct {
	ID      int64 `gorm:"primaryKey"`
	Name    string
	Members entity.Refs[Member] `gorm:"-" repo:"mappedBy:TeamID"`
}

// Member is an audited surrogate-key entity with an optional team
type Member struct {
	audit.Entity
	ID       int64 `gorm:"primaryKey"`
	Username string
	Age      int
	TeamID   *int64
	Team     entity.Ref[Team] `gorm:"-" repo:"fk:TeamID"`
}

// Item is a versioned natural-key entity
type Item struct {
	audit.TimeEntity
	Code    string `gorm:"primaryKey" repo:"assigned"`
	Name    string
	Price   int
	Version int64 `repo:"version"`
}

// MemberDTO is a projection joining member and team columns
type MemberDTO struct {
	ID       int64
	Username string
	TeamName string
}

// Epoch is the fixed start of Clock
var Epoch = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

// Clock returns a time source that advances one minute per call
func Clock() func() time.Time {
	now := Epoch
	return func() time.Time {
		now = now.Add(time.Minute)
		return now
	}
}

// NewMember builds an unsaved member
func NewMember(username string, age int) *Member {
	return &Member{Username: username, Age: age}
}

// InTeam builds an unsaved member of team
func InTeam(username string, age int, team *Team) *Member {
	m := NewMember(username, age)
	m.Team = entity.Resolved(team)
	return m
}

// Seed saves entities in one committed session and returns them in order
func Seed(t testing.TB, store *memory.Store, entities ...any) []any {
	t.Helper()
	saved := make([]any, len(entities))
	err := persistence.Run(context.Background(), store, func(s *persistence.Session) error {
		for i, e := range entities {
			v, err := s.Context().Save(context.Background(), e)
			if err != nil {
				return err
			}
			saved[i] = v
		}
		return nil
	})
	require.NoError(t, err)
	return saved
}

// Members seeds four members aged 10, 20, 30 and 40 split across two teams
// and returns the teams
func Members(t testing.TB, store *memory.Store) (*Team, *Team) {
	t.Helper()
	teamA, teamB := &Team{Name: "teamA"}, &Team{Name: "teamB"}
	Seed(t, store,
		teamA, teamB,
		InTeam("member1", 10, teamA),
		InTeam("member2", 20, teamA),
		InTeam("member3", 30, teamB),
		InTeam("member4", 40, teamB),
	)
	return teamA, teamB
}

// Session begins a session rolled back when the test ends unless it was
// already committed
func Session(t testing.TB, store *memory.Store, opts ...persistence.Option) *persistence.Session {
	t.Helper()
	s, err := persistence.Begin(context.Background(), store, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Rollback() })
	return s
}
