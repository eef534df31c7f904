package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const testSDL = `
interface Node { id: ID! }
type User implements Node {
  id: ID!
  name: String
  friends(first: Int = 10): [User!]!
  legacy: String @deprecated(reason: "use name")
}
type Post implements Node { id: ID!, title: String }
union SearchResult = User | Post
enum Role { ADMIN MEMBER }
input Filter { role: Role = MEMBER }
type Query {
  viewer: User
  node(id: ID!): Node
  search(filter: Filter): [SearchResult]
}
`

func TestBuildFromSDL(t *testing.T) {
	s, err := BuildFromSDL(testSDL, WithAsyncFields(func(typeName, field string) bool {
		return typeName == "Query"
	}))
	require.NoError(t, err)

	require.Equal(t, "Query", s.QueryType)
	require.Empty(t, s.MutationType)
	require.NotNil(t, s.GetQueryType())
	require.Nil(t, s.GetMutationType())
	require.NotContains(t, s.Types, "__Schema")

	user := s.Types["User"]
	require.Equal(t, TypeKindObject, user.Kind)
	require.Equal(t, []string{"Node"}, user.Interfaces)

	friends := user.Field("friends")
	require.NotNil(t, friends)
	require.False(t, friends.Async)
	require.True(t, IsNonNull(friends.Type))
	require.True(t, IsList(friends.Type))
	require.Equal(t, "User", GetNamedType(friends.Type))
	require.Len(t, friends.Arguments, 1)
	require.Equal(t, int64(10), friends.Arguments[0].DefaultValue)

	legacy := user.Field("legacy")
	require.True(t, legacy.IsDeprecated)
	require.Equal(t, "use name", legacy.DeprecationReason)

	require.True(t, s.GetQueryType().Field("viewer").Async)

	node := s.Types["Node"]
	require.True(t, node.IsAbstract())
	require.Equal(t, []string{"Post", "User"}, node.PossibleTypes)
	require.Equal(t, []string{"Post", "User"}, s.Types["SearchResult"].PossibleTypes)

	filter := s.Types["Filter"]
	require.Equal(t, TypeKindInputObject, filter.Kind)
	require.Equal(t, "MEMBER", filter.InputFields[0].DefaultValue)
	require.Equal(t, TypeKindEnum, s.Types["Role"].Kind)
	require.Len(t, s.Types["Role"].EnumValues, 2)

	require.Contains(t, s.Directives, "include")
	require.Contains(t, s.Directives, "skip")
}

func TestIsPossibleType(t *testing.T) {
	s, err := BuildFromSDL(testSDL)
	require.NoError(t, err)

	require.True(t, s.IsPossibleType("User", "User"))
	require.True(t, s.IsPossibleType("Node", "Post"))
	require.True(t, s.IsPossibleType("SearchResult", "User"))
	require.False(t, s.IsPossibleType("Post", "User"))
	require.False(t, s.IsPossibleType("Missing", "User"))
}

func TestIntrospectionTypesAreOptIn(t *testing.T) {
	s, err := BuildFromSDL(testSDL)
	require.NoError(t, err)
	require.NotContains(t, s.Types, "__Schema")
	require.Nil(t, s.GetQueryType().Field("__schema"))

	s, err = BuildFromSDL(testSDL, WithIntrospection())
	require.NoError(t, err)
	require.Equal(t, TypeKindObject, s.Types["__Type"].Kind)
	require.Equal(t, TypeKindEnum, s.Types["__TypeKind"].Kind)
	require.Equal(t, "__Schema", s.GetQueryType().Field("__schema").Type.GetNamedType())
	require.Equal(t, "name", s.GetQueryType().Field("__type").Arguments[0].Name)
}
