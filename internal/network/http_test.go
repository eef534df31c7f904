package network

import (
	"context"
	"net/http"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/h2non/gock"
	"github.com/stretchr/testify/require"
)

const endpoint = "http://graphql.test"

func newTestHTTP(opts ...HTTPOption) *HTTP {
	return NewHTTP(endpoint+"/graphql", append([]HTTPOption{WithRetryInterval(time.Millisecond)}, opts...)...)
}

func TestHTTPPostsRequestAndDecodesResponse(t *testing.T) {
	defer gock.Off()
	gock.New(endpoint).
		Post("/graphql").
		MatchHeader("Authorization", "Bearer t0k").
		MatchType("json").
		AddMatcher(func(r *http.Request, _ *gock.Request) (bool, error) {
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				return false, err
			}
			return body["operationName"] == "Viewer" &&
				body["query"] == "query Viewer { viewer { id } }" &&
				body["variables"].(map[string]any)["first"] == float64(2), nil
		}).
		Reply(200).
		JSON(map[string]any{"data": map[string]any{"viewer": map[string]any{"id": "U1"}}})

	n := newTestHTTP(WithHeader("Authorization", "Bearer t0k"))
	got, err := Collect(n.Execute(context.Background(), Request{
		Query:         "query Viewer { viewer { id } }",
		OperationName: "Viewer",
		Variables:     map[string]any{"first": 2},
	}))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, map[string]any{"viewer": map[string]any{"id": "U1"}}, got[0].Data)
	require.True(t, gock.IsDone())
}

func TestHTTPRetriesServerErrors(t *testing.T) {
	defer gock.Off()
	gock.New(endpoint).Post("/graphql").Times(2).Reply(503)
	gock.New(endpoint).Post("/graphql").Reply(200).
		JSON(map[string]any{"data": map[string]any{"ok": true}})

	got, err := Collect(newTestHTTP().Execute(context.Background(), Request{Query: "{ ok }"}))
	require.NoError(t, err)
	require.Equal(t, true, got[0].Data["ok"])
	require.True(t, gock.IsDone())
}

func TestHTTPGivesUpAfterMaxTries(t *testing.T) {
	defer gock.Off()
	gock.New(endpoint).Post("/graphql").Times(2).Reply(500).BodyString("down")

	_, err := Collect(newTestHTTP(WithMaxTries(2)).Execute(context.Background(), Request{Query: "{ ok }"}))
	var status *StatusError
	require.ErrorAs(t, err, &status)
	require.Equal(t, http.StatusInternalServerError, status.Code)
	require.True(t, gock.IsDone())
}

func TestHTTPDoesNotRetryClientErrors(t *testing.T) {
	defer gock.Off()
	gock.New(endpoint).Post("/graphql").Reply(401).BodyString("nope")

	_, err := Collect(newTestHTTP().Execute(context.Background(), Request{Query: "{ ok }"}))
	var status *StatusError
	require.ErrorAs(t, err, &status)
	require.Equal(t, http.StatusUnauthorized, status.Code)
	require.True(t, gock.IsDone())
}

func TestHTTPKeepsGraphQLErrorBodies(t *testing.T) {
	defer gock.Off()
	gock.New(endpoint).Post("/graphql").Reply(400).
		JSON(map[string]any{"errors": []any{map[string]any{"message": "bad query"}}})

	got, err := Collect(newTestHTTP().Execute(context.Background(), Request{Query: "{"}))
	require.NoError(t, err)
	require.True(t, got[0].Failed())
	require.Equal(t, "bad query", got[0].Errors[0].Message)
}
