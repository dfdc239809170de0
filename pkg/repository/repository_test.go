package repository_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ammar0144/repo4go/internal/fixture"
	"github.com/ammar0144/repo4go/pkg/bulk"
	"github.com/ammar0144/repo4go/pkg/entity"
	"github.com/ammar0144/repo4go/pkg/paging"
	"github.com/ammar0144/repo4go/pkg/persistence"
	"github.com/ammar0144/repo4go/pkg/query"
	"github.com/ammar0144/repo4go/pkg/repository"
	"github.com/ammar0144/repo4go/pkg/storage"
	"github.com/ammar0144/repo4go/pkg/storage/memory"
)

const (
	findUserSQL  = "select * from members where username = :username and age = :age"
	usernamesSQL = "select username from members"
	memberDtoSQL = "select m.id, m.username, t.name from members m join teams t on m.team_id = t.id"
	byNamesSQL   = "select * from members where username in (:names)"
)

var memberMethods = []query.Method{
	{Name: "findByUsernameAndAgeGreaterThan"},
	{Name: "findByUsername"},
	{Name: "findUser", Statement: findUserSQL, Params: []string{"username", "age"}},
	{Name: "findUsernameList", Statement: usernamesSQL, Shape: query.ShapeScalar},
	{Name: "findUsernameByAgeGreaterThan", Select: []string{"Username"}, Shape: query.ShapeScalar},
	{Name: "findMemberDto", Statement: memberDtoSQL, Shape: query.ShapeProjection},
	{Name: "findByNames", Statement: byNamesSQL, Params: []string{"names"}},
	{Name: "findByUsernameIn"},
	{Name: "findListByUsername"},
	{Name: "findMemberByUsername"},
	{Name: "findOptionalByUsername"},
	{Name: "findByAge", Shape: query.ShapePage},
	{Name: "findSliceByAge"},
	{Name: "findAll", Fetch: map[string]query.FetchStrategy{"Team": query.FetchEagerGraph}},
	{Name: "findJoinedByAgeGreaterThan", Fetch: map[string]query.FetchStrategy{"Team": query.FetchEagerJoin}},
	{Name: "findReadOnlyByUsername", Shape: query.ShapeSingle, ReadOnly: true},
	{Name: "findLockByUsername", Lock: query.LockPessimisticWrite},
	{Name: "countByAgeGreaterThan"},
	{Name: "existsByUsername"},
	{Name: "deleteByAgeLessThan"},
}

var bulkAgePlus = bulk.Declaration{
	Name:   "bulkAgePlus",
	Where:  "AgeGreaterThanEqual",
	Params: []string{"age"},
	Set:    []bulk.Assignment{bulk.Increment("Age", 1)},
}

func memberRepository(t *testing.T) *repository.Repository[fixture.Member] {
	t.Helper()
	repo, err := repository.New[fixture.Member](
		repository.WithMethods(memberMethods...),
		repository.WithBulk(bulkAgePlus),
	)
	require.NoError(t, err)
	return repo
}

func column(r storage.Row, name string) any {
	v, _ := r.Get(name)
	return v
}

func registerStatements(store *memory.Store) {
	members := entity.MustOf[fixture.Member]()
	teams := entity.MustOf[fixture.Team]()

	store.HandleStatement(findUserSQL, func(tables memory.Tables, args []any) ([]storage.Row, error) {
		var out []storage.Row
		for _, r := range tables.Rows(members) {
			if column(r, "username") == args[0] && entity.Key(column(r, "age")) == entity.Key(args[1]) {
				out = append(out, r)
			}
		}
		return out, nil
	})
	store.HandleStatement(usernamesSQL, func(tables memory.Tables, _ []any) ([]storage.Row, error) {
		var out []storage.Row
		for _, r := range tables.Rows(members) {
			out = append(out, storage.NewRow([]string{"username"}, []any{column(r, "username")}))
		}
		return out, nil
	})
	store.HandleStatement(memberDtoSQL, func(tables memory.Tables, _ []any) ([]storage.Row, error) {
		names := make(map[any]any)
		for _, r := range tables.Rows(teams) {
			names[entity.Key(column(r, "id"))] = column(r, "name")
		}
		var out []storage.Row
		for _, r := range tables.Rows(members) {
			name, ok := names[entity.Key(column(r, "team_id"))]
			if !ok {
				continue
			}
			out = append(out, storage.NewRow(
				[]string{"id", "username", "name"},
				[]any{column(r, "id"), column(r, "username"), name},
			))
		}
		return out, nil
	})
	store.HandleStatement(byNamesSQL, func(tables memory.Tables, args []any) ([]storage.Row, error) {
		wanted := make(map[any]bool)
		for _, n := range args[0].([]string) {
			wanted[n] = true
		}
		var out []storage.Row
		for _, r := range tables.Rows(members) {
			if wanted[column(r, "username")] {
				out = append(out, r)
			}
		}
		return out, nil
	})
}

func usernames(members []*fixture.Member) []string {
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.Username
	}
	return out
}

func TestBasicCRUD(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	repo := memberRepository(t)

	err := persistence.Run(ctx, store, func(s *persistence.Session) error {
		a, err := repo.Save(ctx, s, fixture.NewMember("memberA", 10))
		require.NoError(t, err)
		b, err := repo.Save(ctx, s, fixture.NewMember("memberB", 20))
		require.NoError(t, err)

		found, err := repo.FindByID(ctx, s, a.ID)
		require.NoError(t, err)
		assert.Same(t, a, found)
		found, err = repo.GetByID(ctx, s, b.ID)
		require.NoError(t, err)
		assert.Same(t, b, found)

		all, err := repo.FindAll(ctx, s)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		n, err := repo.Count(ctx, s)
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)

		require.NoError(t, repo.Delete(ctx, s, a))
		require.NoError(t, repo.DeleteByID(ctx, s, b.ID))
		n, err = repo.Count(ctx, s)
		require.NoError(t, err)
		assert.Zero(t, n)
		return nil
	})
	require.NoError(t, err)

	s := fixture.Session(t, store)
	missing, err := repo.FindByID(ctx, s, 1)
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = repo.GetByID(ctx, s, 1)
	assert.True(t, repository.IsNotFound(err))
	var notFound *repository.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "Member", notFound.Entity)

	exists, err := repo.ExistsByID(ctx, s, 1)
	require.NoError(t, err)
	assert.False(t, exists)
	require.NoError(t, repo.DeleteByID(ctx, s, 1))
}

func TestDerivedAndStatementQueries(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	registerStatements(store)
	fixture.Seed(t, store, fixture.NewMember("AAA", 10), fixture.NewMember("AAA", 20), fixture.NewMember("BBB", 20))
	repo := memberRepository(t)
	s := fixture.Session(t, store)

	found, err := repo.Find(ctx, s, "findByUsernameAndAgeGreaterThan", "AAA", 15)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, 20, found[0].Age)

	byTemplate, err := repo.Find(ctx, s, "findUser", "AAA", 10)
	require.NoError(t, err)
	require.Len(t, byTemplate, 1)
	assert.Equal(t, 10, byTemplate[0].Age)

	byName, err := repo.Find(ctx, s, "findByUsername", "AAA")
	require.NoError(t, err)
	assert.Len(t, byName, 2)
	assert.Same(t, byTemplate[0], byName[0])

	names := []string{"AAA", "BBB"}
	in, err := repo.Find(ctx, s, "findByUsernameIn", names)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAA", "AAA", "BBB"}, usernames(in))
	declared, err := repo.Find(ctx, s, "findByNames", names)
	require.NoError(t, err)
	assert.Equal(t, in, declared)

	_, err = repo.Find(ctx, s, "findByUsername")
	assert.ErrorIs(t, err, repository.ErrArgumentCount)
}

func TestResultShapes(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	fixture.Seed(t, store, fixture.NewMember("AAA", 10), fixture.NewMember("dup", 20), fixture.NewMember("dup", 30))
	repo := memberRepository(t)
	s := fixture.Session(t, store)

	list, err := repo.Find(ctx, s, "findListByUsername", "AAA")
	require.NoError(t, err)
	require.Len(t, list, 1)

	single, err := repo.FindOne(ctx, s, "findMemberByUsername", "AAA")
	require.NoError(t, err)
	assert.Same(t, list[0], single)

	optional, err := repo.FindOptional(ctx, s, "findOptionalByUsername", "AAA")
	require.NoError(t, err)
	assert.Same(t, single, optional)

	none, err := repo.FindOptional(ctx, s, "findOptionalByUsername", "nobody")
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = repo.FindOne(ctx, s, "findMemberByUsername", "nobody")
	assert.True(t, repository.IsNotFound(err))

	_, err = repo.FindOne(ctx, s, "findMemberByUsername", "dup")
	assert.True(t, repository.IsNonUniqueResult(err))

	_, err = repo.Find(ctx, s, "findMemberByUsername", "AAA")
	assert.ErrorIs(t, err, repository.ErrShapeMismatch)
	_, err = repo.Modify(ctx, s, "findByUsername", "AAA")
	assert.ErrorIs(t, err, repository.ErrShapeMismatch)
	_, err = repo.Find(ctx, s, "findNothing")
	assert.ErrorIs(t, err, repository.ErrUnknownMethod)
}

func TestScalarAndProjection(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	registerStatements(store)
	fixture.Members(t, store)
	fixture.Seed(t, store, fixture.NewMember("loner", 50))
	repo := memberRepository(t)
	s := fixture.Session(t, store)

	all, err := repository.Scalars[string](ctx, repo, s, "findUsernameList")
	require.NoError(t, err)
	assert.Equal(t, []string{"member1", "member2", "member3", "member4", "loner"}, all)

	older, err := repository.Scalars[string](ctx, repo, s, "findUsernameByAgeGreaterThan", 25)
	require.NoError(t, err)
	assert.Equal(t, []string{"member3", "member4", "loner"}, older)

	dtos, err := repository.Project[fixture.MemberDTO](ctx, repo, s, "findMemberDto")
	require.NoError(t, err)
	require.Len(t, dtos, 4)
	assert.Equal(t, fixture.MemberDTO{ID: 1, Username: "member1", TeamName: "teamA"}, dtos[0])
	assert.Equal(t, "teamB", dtos[3].TeamName)

	_, err = repository.Scalars[string](ctx, repo, s, "findMemberDto")
	assert.ErrorIs(t, err, repository.ErrShapeMismatch)
}

func TestPageAndSlice(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	fixture.Seed(t, store,
		fixture.NewMember("member1", 10),
		fixture.NewMember("member2", 10),
		fixture.NewMember("member3", 10),
		fixture.NewMember("member4", 10),
		fixture.NewMember("member5", 10),
	)
	repo := memberRepository(t)
	s := fixture.Session(t, store)

	req, err := paging.Of(0, 3, query.Desc("Username"))
	require.NoError(t, err)

	store.ResetStats()
	page, err := repo.FindPage(ctx, s, "findByAge", req, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"member5", "member4", "member3"}, usernames(page.Content))
	assert.EqualValues(t, 5, page.TotalElements)
	assert.Equal(t, 0, page.Number)
	assert.Equal(t, 2, page.TotalPages)
	assert.True(t, page.IsFirst())
	assert.True(t, page.HasNext())
	assert.EqualValues(t, 1, store.Stats().Selects)
	assert.EqualValues(t, 1, store.Stats().Counts)

	dtos := paging.MapPage(page, func(m *fixture.Member) fixture.MemberDTO {
		return fixture.MemberDTO{ID: m.ID, Username: m.Username}
	})
	assert.Equal(t, "member5", dtos.Content[0].Username)
	assert.Equal(t, page.TotalElements, dtos.TotalElements)

	slice, err := repo.FindSlice(ctx, s, "findSliceByAge", req, 10)
	require.NoError(t, err)
	assert.Len(t, slice.Content, 3)
	assert.Equal(t, 0, slice.Number)
	assert.True(t, slice.IsFirst())
	assert.True(t, slice.HasNext())
	assert.EqualValues(t, 1, store.Stats().Counts)

	_, err = repo.FindPage(ctx, s, "findByAge", paging.Request{}, 10)
	assert.True(t, paging.IsInvalidPageRequest(err))
	_, err = repo.FindPage(ctx, s, "findSliceByAge", req, 10)
	assert.ErrorIs(t, err, repository.ErrShapeMismatch)
}

func TestPagingWithCollectionJoin(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	fixture.Members(t, store)
	teams, err := repository.New[fixture.Team](repository.WithMethods(
		query.Method{Name: "findAll", Fetch: map[string]query.FetchStrategy{"Members": query.FetchEagerJoin}},
	))
	require.NoError(t, err)
	s := fixture.Session(t, store)

	req, err := paging.Of(0, 1)
	require.NoError(t, err)
	page, err := teams.FindAllPage(ctx, s, req)
	require.NoError(t, err)
	require.Len(t, page.Content, 1)
	assert.EqualValues(t, 2, page.TotalElements)
	assert.Equal(t, 2, page.TotalPages)

	members, ok := page.Content[0].Members.Get()
	require.True(t, ok)
	assert.Len(t, members, 2)

	second, err := teams.FindAllPage(ctx, s, page.NextRequest())
	require.NoError(t, err)
	require.Len(t, second.Content, 1)
	assert.Equal(t, "teamB", second.Content[0].Name)
	assert.True(t, second.IsLast())
}

func TestFetchPlans(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	fixture.Members(t, store)
	repo := memberRepository(t)

	t.Run("lazy by default", func(t *testing.T) {
		s := fixture.Session(t, store)
		members, err := repo.Find(ctx, s, "findByUsername", "member1")
		require.NoError(t, err)
		require.Len(t, members, 1)
		assert.False(t, members[0].Team.IsResolved())
	})

	t.Run("findAll override loads the graph", func(t *testing.T) {
		s := fixture.Session(t, store)
		store.ResetStats()
		members, err := repo.FindAll(ctx, s, query.Asc("ID"))
		require.NoError(t, err)
		require.Len(t, members, 4)
		assert.EqualValues(t, 2, store.Stats().Selects)
		team, ok := members[0].Team.Get()
		require.True(t, ok)
		assert.Equal(t, "teamA", team.Name)
	})

	t.Run("join fetch", func(t *testing.T) {
		s := fixture.Session(t, store)
		store.ResetStats()
		members, err := repo.Find(ctx, s, "findJoinedByAgeGreaterThan", 15)
		require.NoError(t, err)
		require.Len(t, members, 3)
		assert.EqualValues(t, 1, store.Stats().Selects)
		for _, m := range members {
			assert.True(t, m.Team.IsResolved())
		}
	})
}

func TestHints(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	fixture.Members(t, store)
	repo := memberRepository(t)
	s := fixture.Session(t, store)

	m, err := repo.FindOne(ctx, s, "findReadOnlyByUsername", "member1")
	require.NoError(t, err)
	m.Age = 99
	assert.False(t, s.Context().HasPendingChanges())

	store.ResetStats()
	require.NoError(t, s.Flush(ctx))
	assert.Zero(t, store.Stats().Mutations)

	_, err = repo.Find(ctx, s, "findLockByUsername", "member2")
	require.NoError(t, err)
	assert.EqualValues(t, 1, store.Stats().Locks)
}

func TestAutoFlushBeforeQuery(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	repo := memberRepository(t)

	s := fixture.Session(t, store)
	saved, err := repo.Save(ctx, s, fixture.NewMember("fresh", 1))
	require.NoError(t, err)
	found, err := repo.Find(ctx, s, "findByUsername", "fresh")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Same(t, saved, found[0])

	deferred := fixture.Session(t, store, persistence.WithFlushMode(persistence.FlushCommit))
	_, err = repo.Save(ctx, deferred, fixture.NewMember("later", 1))
	require.NoError(t, err)
	found, err = repo.Find(ctx, deferred, "findByUsername", "later")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestCountExistsDeleteAndModify(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	fixture.Members(t, store)
	repo := memberRepository(t)
	s := fixture.Session(t, store)

	n, err := repo.Modify(ctx, s, "bulkAgePlus", 20)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	m, err := repo.GetByID(ctx, s, 4)
	require.NoError(t, err)
	assert.Equal(t, 41, m.Age)

	removed, err := repo.DeleteBy(ctx, s, "deleteByAgeLessThan", 25)
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)

	count, err := repo.CountBy(ctx, s, "countByAgeGreaterThan", 0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	exists, err := repo.ExistsBy(ctx, s, "existsByUsername", "member1")
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = repo.ExistsBy(ctx, s, "existsByUsername", "member3")
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = repo.Modify(ctx, s, "bulkNothing")
	assert.ErrorIs(t, err, repository.ErrUnknownMethod)
}

func TestDeclarationErrors(t *testing.T) {
	_, err := repository.New[fixture.Member](repository.WithMethods(query.Method{Name: "findByAgee"}))
	assert.True(t, query.IsMalformedDescriptor(err))

	_, err = repository.New[fixture.Member](repository.WithMethods(
		query.Method{Name: "findUser", Statement: findUserSQL, Params: []string{"username"}},
	))
	assert.True(t, query.IsUnboundParameter(err))

	_, err = repository.New[fixture.Member](
		repository.WithMethods(query.Method{Name: "findByUsername"}),
		repository.WithBulk(bulk.Declaration{
			Name: "findByUsername",
			Set:  []bulk.Assignment{bulk.Assign("Age", 0)},
		}),
	)
	assert.True(t, query.IsMalformedDescriptor(err))

	_, err = repository.New[fixture.Member](repository.WithMethods(query.Method{Name: "findAll", Shape: query.ShapePage}))
	assert.True(t, query.IsMalformedDescriptor(err))

	assert.Panics(t, func() {
		repository.MustNew[fixture.Member](repository.WithMethods(query.Method{Name: "findUsernames"}))
	})
}
