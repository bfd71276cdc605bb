package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/satoru707/voting-app/config"
	"github.com/satoru707/voting-app/internal/app"
	"github.com/satoru707/voting-app/internal/errs"
	"github.com/satoru707/voting-app/internal/identity"
	"github.com/satoru707/voting-app/internal/model"
	"github.com/satoru707/voting-app/internal/repository"
	tu "github.com/satoru707/voting-app/internal/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) (http.Handler, *repository.MemoryRepository) {
	t.Helper()

	repo := repository.NewMemoryRepository()
	a := app.New(&config.Config{Sweeper: config.SweeperConfig{Interval: time.Minute}}, app.Deps{
		Store: repo,
		Now:   tu.Clock(),
	})
	return NewServer(a.Service, APIConfig{GraphQLPath: "/graphql"}).Handler(), repo
}

func do(t *testing.T, h http.Handler, method, path, studentID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if studentID != "" {
		req.Header.Set(identity.HeaderStudentID, studentID)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) uint {
	t.Helper()

	var e errs.Error
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e), w.Body.String())
	return e.Code
}

func voteBody(president, secretary int) gin.H {
	return gin.H{"votes": tu.Votes(president, secretary)}
}

func TestHealthAndMetrics(t *testing.T) {
	h, _ := newTestServer(t)

	w := do(t, h, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = do(t, h, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "election_ledger_ballots_appended_total")
}

func TestCastVote(t *testing.T) {
	h, repo := newTestServer(t)
	e := tu.OpenElection("E", model.ScopeDepartment)
	tu.Seed(repo, e)
	tu.Voter(repo, "s1")

	path := "/api/elections/E/votes"

	w := do(t, h, http.MethodPost, path, "", voteBody(1, 2))
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, errs.Unauthenticated.Code, errorCode(t, w))

	w = do(t, h, http.MethodPost, path, "nobody", voteBody(1, 2))
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, h, http.MethodPost, path, "s1", "{not json")
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, errs.IncompleteOrInvalidBallot.Code, errorCode(t, w))

	w = do(t, h, http.MethodPost, path, "s1", gin.H{"votes": tu.Votes(1, 2)[:1]})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, path, "s1", voteBody(1, 2))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var receipt struct {
		OK      bool           `json:"ok"`
		Head    string         `json:"head"`
		Ballots []model.Ballot `json:"ballots"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &receipt))
	require.True(t, receipt.OK)
	require.Len(t, receipt.Ballots, 2)
	require.Equal(t, tu.PositionPresident, receipt.Ballots[0].Position)
	require.Equal(t, receipt.Ballots[1].Fingerprint, receipt.Head)

	w = do(t, h, http.MethodPost, path, "s1", voteBody(2, 1))
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, errs.AlreadyVoted.Code, errorCode(t, w))

	w = do(t, h, http.MethodGet, "/api/elections/E/turnout", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"electionId":"E","voters":1}`, w.Body.String())

	w = do(t, h, http.MethodGet, "/api/elections/E/results", "", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, errs.ResultsNotAvailable.Code, errorCode(t, w))

	w = do(t, h, http.MethodGet, "/api/elections/E/integrity", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"electionId":"E","verified":true}`, w.Body.String())
}

func TestCloseRequestDepartmentScenario(t *testing.T) {
	h, repo := newTestServer(t)
	e := tu.OpenElection("E", model.ScopeDepartment)
	tu.Seed(repo, e)
	tu.Voter(repo, "s1")
	for _, id := range []string{"A", "B", "C", "D"} {
		tu.DepartmentAdmin(repo, id, tu.DepartmentID)
	}

	w := do(t, h, http.MethodPost, "/api/elections/E/votes", "s1", voteBody(1, 2))
	require.Equal(t, http.StatusCreated, w.Code)

	path := "/api/admin/elections/E/close-request"

	w = do(t, h, http.MethodPost, path, "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, h, http.MethodPost, path, "s1", nil)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, errs.Forbidden.Code, errorCode(t, w))

	w = do(t, h, http.MethodPost, path, "A", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"closed":false,"approvals":1,"needed":2}`, w.Body.String())

	w = do(t, h, http.MethodPost, path, "A", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, errs.DuplicateRequest.Code, errorCode(t, w))

	w = do(t, h, http.MethodPost, path, "B", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"closed":true,"approvals":2,"needed":2}`, w.Body.String())

	w = do(t, h, http.MethodPost, "/api/elections/E/votes", "s1", voteBody(1, 2))
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, errs.ElectionNotOpen.Code, errorCode(t, w))

	w = do(t, h, http.MethodGet, "/api/elections/E/results", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var results model.ElectionResults
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &results))
	require.Equal(t, 2, results.TotalVotes)
	require.True(t, results.IntegrityVerified)
	for _, r := range results.Results {
		switch r.CandidateID {
		case tu.CandidateID(tu.PositionPresident, 1), tu.CandidateID(tu.PositionSecretary, 2):
			require.Equal(t, 1, r.VoteCount)
			require.InDelta(t, 100, r.Percentage, 1e-9)
		default:
			require.Zero(t, r.VoteCount)
			require.Zero(t, r.Percentage)
		}
	}
}

func TestUnknownElection(t *testing.T) {
	h, _ := newTestServer(t)

	for _, path := range []string{
		"/api/elections/missing/results",
		"/api/elections/missing/integrity",
		"/api/elections/missing/turnout",
	} {
		w := do(t, h, http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusNotFound, w.Code, path)
		require.Equal(t, errs.ElectionNotFound.Code, errorCode(t, w), path)
	}
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message    string                 `json:"message"`
		Extensions map[string]interface{} `json:"extensions"`
	} `json:"errors"`
}

func graphQL(t *testing.T, h http.Handler, studentID, query string, variables map[string]interface{}) graphQLResponse {
	t.Helper()

	w := do(t, h, http.MethodPost, "/graphql", studentID, gin.H{"query": query, "variables": variables})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp graphQLResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

const castVoteMutation = `
mutation($id: ID!, $votes: [VoteInput!]!) {
  castVote(electionId: $id, votes: $votes) {
    head
    ballots { position seq fingerprint }
  }
}`

func TestGraphQLCastVoteAndClose(t *testing.T) {
	h, repo := newTestServer(t)
	e := tu.OpenElection("U", model.ScopeUniversity)
	tu.Seed(repo, e)
	tu.Voter(repo, "s1")
	tu.SuperAdmin(repo, "root")

	votes := []map[string]interface{}{
		{"candidateId": tu.CandidateID(tu.PositionSecretary, 1), "position": tu.PositionSecretary},
		{"candidateId": tu.CandidateID(tu.PositionPresident, 2), "position": tu.PositionPresident},
	}

	resp := graphQL(t, h, "", castVoteMutation, map[string]interface{}{"id": "U", "votes": votes})
	require.Len(t, resp.Errors, 1)
	require.EqualValues(t, errs.Unauthenticated.Code, resp.Errors[0].Extensions["code"])

	resp = graphQL(t, h, "s1", castVoteMutation, map[string]interface{}{"id": "U", "votes": votes})
	require.Empty(t, resp.Errors)

	var data struct {
		CastVote struct {
			Head    string `json:"head"`
			Ballots []struct {
				Position    string `json:"position"`
				Seq         int    `json:"seq"`
				Fingerprint string `json:"fingerprint"`
			} `json:"ballots"`
		} `json:"castVote"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	require.Len(t, data.CastVote.Ballots, 2)
	require.Equal(t, tu.PositionPresident, data.CastVote.Ballots[0].Position)
	require.Equal(t, 1, data.CastVote.Ballots[0].Seq)
	require.Equal(t, data.CastVote.Ballots[1].Fingerprint, data.CastVote.Head)

	resp = graphQL(t, h, "root", `mutation { requestClose(electionId: "U") { closed approvals needed } }`, nil)
	require.Empty(t, resp.Errors)
	require.JSONEq(t, `{"requestClose":{"closed":true,"approvals":1,"needed":1}}`, string(resp.Data))

	resp = graphQL(t, h, "", `{
  verifyIntegrity(electionId: "U")
  turnout(electionId: "U")
  results(electionId: "U") { totalVotes integrityHead integrityVerified }
}`, nil)
	require.Empty(t, resp.Errors)

	var query struct {
		VerifyIntegrity bool `json:"verifyIntegrity"`
		Turnout         int  `json:"turnout"`
		Results         struct {
			TotalVotes        int    `json:"totalVotes"`
			IntegrityHead     string `json:"integrityHead"`
			IntegrityVerified bool   `json:"integrityVerified"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &query))
	require.True(t, query.VerifyIntegrity)
	require.Equal(t, 1, query.Turnout)
	require.Equal(t, 2, query.Results.TotalVotes)
	require.Equal(t, data.CastVote.Head, query.Results.IntegrityHead)
	require.True(t, query.Results.IntegrityVerified)
}

func TestGraphQLBusinessErrorCarriesCode(t *testing.T) {
	h, repo := newTestServer(t)
	tu.Seed(repo, tu.OpenElection("U", model.ScopeUniversity))

	resp := graphQL(t, h, "", `{ results(electionId: "U") { totalVotes } }`, nil)
	require.Len(t, resp.Errors, 1)
	require.EqualValues(t, errs.ResultsNotAvailable.Code, resp.Errors[0].Extensions["code"])
}

func TestPlayground(t *testing.T) {
	h, _ := newTestServer(t)

	w := do(t, h, http.MethodGet, "/playground", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, strings.Contains(w.Body.String(), "endpoint: '/graphql'"))
}
