package query_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ammar0144/repo4go/pkg/entity"
	"github.com/ammar0144/repo4go/pkg/query"
)

type Team struct {
	ID      int64 `gorm:"primaryKey"`
	Name    string
	Members entity.Refs[Member] `gorm:"-"`
}

type Member struct {
	ID        int64 `gorm:"primaryKey"`
	Username  string
	Age       int
	CreatedBy string
	TeamID    *int64
	Team      entity.Ref[Team] `gorm:"-"`
}

// Topic has a name that starts like the Top limit keyword
type Topic struct {
	ID    int64 `gorm:"primaryKey"`
	Title string
}

func memberMeta(t *testing.T) *entity.Metadata {
	t.Helper()
	meta, err := entity.Of[Member]()
	require.NoError(t, err)
	return meta
}

func TestParseDerivedPredicate(t *testing.T) {
	meta := memberMeta(t)

	plan, err := query.Parse(meta, query.Method{Name: "findByUsernameAndAgeGreaterThan"})
	require.NoError(t, err)

	require.Len(t, plan.Tree.Clauses, 2)
	assert.Equal(t, query.Clause{Attribute: "Username", Column: "username", Operator: query.Equals, Slot: 0, Next: query.And}, plan.Tree.Clauses[0])
	assert.Equal(t, "Age", plan.Tree.Clauses[1].Attribute)
	assert.Equal(t, query.GreaterThan, plan.Tree.Clauses[1].Operator)
	assert.Equal(t, 1, plan.Tree.Clauses[1].Slot)
	assert.Equal(t, query.ShapeSequence, plan.Shape)
	assert.Equal(t, "username = ? AND age > ?", plan.Tree.String())
}

func TestParseOperatorKeywords(t *testing.T) {
	meta := memberMeta(t)

	tests := []struct {
		name string
		op   query.Operator
	}{
		{"findByAge", query.Equals},
		{"findByAgeIs", query.Equals},
		{"findByAgeNot", query.NotEquals},
		{"findByAgeGreaterThan", query.GreaterThan},
		{"findByAgeGreaterThanEqual", query.GreaterThanEqual},
		{"findByAgeLessThan", query.LessThan},
		{"findByAgeLessThanEqual", query.LessThanEqual},
		{"findByAgeIn", query.In},
		{"findByAgeNotIn", query.NotIn},
		{"findByUsernameLike", query.Like},
		{"findByUsernameContaining", query.Like},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := query.Parse(meta, query.Method{Name: tt.name})
			require.NoError(t, err)
			require.Len(t, plan.Tree.Clauses, 1)
			assert.Equal(t, tt.op, plan.Tree.Clauses[0].Operator)
		})
	}
}

func TestParseAttributeContainingBy(t *testing.T) {
	meta := memberMeta(t)

	plan, err := query.Parse(meta, query.Method{Name: "findByCreatedByOrTeamID"})
	require.NoError(t, err)
	require.Len(t, plan.Tree.Clauses, 2)
	assert.Equal(t, "CreatedBy", plan.Tree.Clauses[0].Attribute)
	assert.Equal(t, query.Or, plan.Tree.Clauses[0].Next)
	assert.Equal(t, "team_id", plan.Tree.Clauses[1].Column)
}

func TestParseSubjectHints(t *testing.T) {
	meta := memberMeta(t)

	tests := []struct {
		name  string
		shape query.Shape
		limit int
	}{
		{"findListByUsername", query.ShapeSequence, 0},
		{"findMemberByUsername", query.ShapeSingle, 0},
		{"findMembersByUsername", query.ShapeSequence, 0},
		{"findOptionalByUsername", query.ShapeOptional, 0},
		{"findFirstByAge", query.ShapeOptional, 1},
		{"findTop3ByAge", query.ShapeSequence, 3},
		{"findReadOnlyByUsername", query.ShapeSequence, 0},
		{"findAll", query.ShapeSequence, 0},
		{"countByAge", query.ShapeCount, 0},
		{"count", query.ShapeCount, 0},
		{"existsByUsername", query.ShapeExists, 0},
		{"deleteByAge", query.ShapeDelete, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := query.Parse(meta, query.Method{Name: tt.name})
			require.NoError(t, err)
			assert.Equal(t, tt.shape, plan.Shape)
			assert.Equal(t, tt.limit, plan.Limit)
		})
	}

	topics, err := entity.Of[Topic]()
	require.NoError(t, err)
	for _, tt := range []struct {
		name  string
		shape query.Shape
		limit int
	}{
		{"findTopicByTitle", query.ShapeSingle, 0},
		{"findFirstTopicByTitle", query.ShapeSingle, 1},
		{"findTop2TopicsByTitle", query.ShapeSequence, 2},
	} {
		plan, err := query.Parse(topics, query.Method{Name: tt.name})
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.shape, plan.Shape, tt.name)
		assert.Equal(t, tt.limit, plan.Limit, tt.name)
	}
}

func TestParseExplicitShapeWins(t *testing.T) {
	meta := memberMeta(t)

	plan, err := query.Parse(meta, query.Method{Name: "findByAge", Shape: query.ShapePage})
	require.NoError(t, err)
	assert.Equal(t, query.ShapePage, plan.Shape)

	_, err = query.Parse(meta, query.Method{Name: "countByAge", Shape: query.ShapePage})
	assert.True(t, query.IsMalformedDescriptor(err))
}

func TestParseOrderBy(t *testing.T) {
	meta := memberMeta(t)

	plan, err := query.Parse(meta, query.Method{Name: "findByAgeGreaterThanOrderByUsernameDescAge"})
	require.NoError(t, err)
	require.Len(t, plan.Tree.Clauses, 1)
	assert.Equal(t, query.Sort{query.Desc("Username"), query.Asc("Age")}, plan.Sort)

	plan, err = query.Parse(meta, query.Method{Name: "findAllByOrderByAgeDesc"})
	require.NoError(t, err)
	assert.Nil(t, plan.Tree)
	assert.Equal(t, query.Sort{query.Desc("Age")}, plan.Sort)

	plan, err = query.Parse(meta, query.Method{Name: "findAllOrderByAgeDesc"})
	require.NoError(t, err)
	assert.Nil(t, plan.Tree)
	assert.Equal(t, query.Sort{query.Desc("Age")}, plan.Sort)
}

func TestParseMalformedDescriptors(t *testing.T) {
	meta := memberMeta(t)

	tests := []struct {
		name     string
		position int
	}{
		{"findByAgGreaterThan", 6},
		{"findByUsernameAnd", 17},
		{"findByGreaterThan", 6},
		{"findByAndAge", 6},
		{"findUsernameList", 4},
		{"findBy", 6},
		{"fetchByUsername", 0},
		{"findByAgeOrderBy", 9},
		{"findByUsernameAge", 14},
		{"findAllOrderBy", 7},
		{"findAllOrderByAgge", 14},
		{"findTop0ByAge", 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := query.Parse(meta, query.Method{Name: tt.name})
			require.Error(t, err)
			assert.True(t, errors.Is(err, query.ErrMalformedDescriptor))

			var mde *query.MalformedDescriptorError
			require.ErrorAs(t, err, &mde)
			assert.Equal(t, tt.name, mde.Method)
			assert.Equal(t, tt.position, mde.Position)
		})
	}
}

func TestParseRejectsParamCountMismatch(t *testing.T) {
	meta := memberMeta(t)

	_, err := query.Parse(meta, query.Method{Name: "findByUsernameAndAge", Params: []string{"username"}})
	assert.True(t, query.IsMalformedDescriptor(err))

	_, err = query.Parse(meta, query.Method{Name: "findByUsernameAndAge", Params: []string{"username", "age"}})
	assert.NoError(t, err)

	_, err = query.Parse(meta, query.Method{Name: "findAll", Params: []string{"unused"}})
	var mde *query.MalformedDescriptorError
	require.ErrorAs(t, err, &mde)
	assert.Equal(t, len("findAll"), mde.Position)
}

func TestParseValidatesFetchAndSelect(t *testing.T) {
	meta := memberMeta(t)

	_, err := query.Parse(meta, query.Method{
		Name:  "findByAge",
		Fetch: map[string]query.FetchStrategy{"Club": query.FetchEagerJoin},
	})
	assert.True(t, query.IsMalformedDescriptor(err))

	_, err = query.Parse(meta, query.Method{Name: "findByAge", Shape: query.ShapeScalar})
	assert.True(t, query.IsMalformedDescriptor(err))

	plan, err := query.Parse(meta, query.Method{Name: "findByAge", Shape: query.ShapeScalar, Select: []string{"Username"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"username"}, plan.Columns)
}

func TestParseStatementPlaceholders(t *testing.T) {
	meta := memberMeta(t)

	plan, err := query.Parse(meta, query.Method{
		Name:      "findUser",
		Params:    []string{"username", "age"},
		Statement: "SELECT * FROM members WHERE age = :age AND username = :username",
	})
	require.NoError(t, err)
	assert.Nil(t, plan.Tree)
	assert.Equal(t, "SELECT * FROM members WHERE age = ? AND username = ?", plan.Statement.SQL)

	args, err := plan.Bind([]any{"m1", 10})
	require.NoError(t, err)
	assert.Equal(t, []any{10, "m1"}, args)

	_, err = plan.Bind([]any{"m1"})
	assert.ErrorIs(t, err, query.ErrArgumentCount)
}

func TestParseStatementUnboundParameters(t *testing.T) {
	meta := memberMeta(t)

	_, err := query.Parse(meta, query.Method{
		Name:      "findUser",
		Params:    []string{"username"},
		Statement: "SELECT * FROM members WHERE username = :username AND age = :age",
	})
	var upe *query.UnboundParameterError
	require.ErrorAs(t, err, &upe)
	assert.Equal(t, "age", upe.Parameter)
	assert.Equal(t, "findUser", upe.Method)

	_, err = query.Parse(meta, query.Method{
		Name:      "findUser",
		Params:    []string{"username", "age"},
		Statement: "SELECT * FROM members WHERE username = :username",
	})
	assert.True(t, query.IsUnboundParameter(err))
}

func TestCompileStatementSkipsLiteralsAndCasts(t *testing.T) {
	st, err := query.CompileStatement(
		"SELECT created_at::date FROM members WHERE note <> 'a:b' AND username = :name AND alias = :name",
		[]string{"name"},
	)
	require.NoError(t, err)
	assert.Equal(t, "SELECT created_at::date FROM members WHERE note <> 'a:b' AND username = ? AND alias = ?", st.SQL)
	assert.Equal(t, []string{"name", "name"}, st.Names)

	args, err := st.Bind([]string{"name"}, []any{"m1"})
	require.NoError(t, err)
	assert.Equal(t, []any{"m1", "m1"}, args)
}

func TestTreeEvaluatePrecedence(t *testing.T) {
	meta := memberMeta(t)

	// username = ? AND age > ? OR age < ?
	plan, err := query.Parse(meta, query.Method{Name: "findByUsernameAndAgeGreaterThanOrAgeLessThan"})
	require.NoError(t, err)
	require.Len(t, plan.Tree.Groups(), 2)

	row := func(username string, age int) func(string) any {
		return func(col string) any {
			switch col {
			case "username":
				return username
			case "age":
				return age
			}
			return nil
		}
	}
	args := []any{"m1", 20, 5}

	ok, err := plan.Tree.Evaluate(row("m1", 30), args)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = plan.Tree.Evaluate(row("m2", 30), args)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = plan.Tree.Evaluate(row("m2", 3), args)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOperatorApply(t *testing.T) {
	ok, err := query.In.Apply(int64(2), []int{1, 2, 3})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = query.NotIn.Apply("c", []string{"a", "b"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = query.Like.Apply("member10", "ber1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = query.Equals.Apply(nil, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = query.GreaterThan.Apply("a", 1)
	assert.ErrorIs(t, err, query.ErrIncomparable)
}

func TestTreeJoinRenumbersSlots(t *testing.T) {
	meta := memberMeta(t)

	left, err := query.Condition(meta, "Age", query.GreaterThanEqual)
	require.NoError(t, err)
	right, err := query.Condition(meta, "Username", query.Equals)
	require.NoError(t, err)

	joined := left.Join(query.And, right)
	assert.Equal(t, 2, joined.Slots())
	assert.Equal(t, 1, joined.Clauses[1].Slot)
	assert.Equal(t, 1, left.Slots())

	_, err = query.Condition(meta, "Nope", query.Equals)
	assert.True(t, entity.IsUnknownAttribute(err))
}
