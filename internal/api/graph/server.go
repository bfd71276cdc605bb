package graph

import (
	"context"
	"net/http"
	"strings"
	"time"

	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"

	"github.com/satoru707/voting-app/internal/errs"
	"github.com/satoru707/voting-app/internal/identity"
	"github.com/satoru707/voting-app/internal/model"
	"github.com/satoru707/voting-app/internal/service"
)

// GraphQLServer GraphQL服务
type GraphQLServer struct {
	schema   *graphql.Schema
	handler  *relay.Handler
	resolver *Resolver
	endpoint string
}

// schemaString GraphQL Schema定义
const schemaString = `
type Ballot {
  id: ID!
  candidateId: ID!
  position: String!
  seq: Int!
  castAt: String!
  fingerprint: String!
}

type CastReceipt {
  electionId: ID!
  head: String!
  ballots: [Ballot!]!
  castAt: String!
}

type CloseOutcome {
  closed: Boolean!
  approvals: Int!
  needed: Int!
}

type CandidateResult {
  candidateId: ID!
  studentId: ID!
  position: String!
  voteCount: Int!
  percentage: Float!
}

type ElectionResults {
  electionId: ID!
  results: [CandidateResult!]!
  totalVotes: Int!
  integrityHead: String!
  integrityVerified: Boolean!
  computedAt: String!
}

input VoteInput {
  candidateId: ID!
  position: String!
}

type Query {
  # 已关闭选举的结果
  results(electionId: ID!): ElectionResults!

  # 校验选举账本
  verifyIntegrity(electionId: ID!): Boolean!

  # 已投票人数
  turnout(electionId: ID!): Int!
}

type Mutation {
  # 投票，每个职位一票
  castVote(electionId: ID!, votes: [VoteInput!]!): CastReceipt!

  # 管理员请求关闭选举
  requestClose(electionId: ID!): CloseOutcome!
}

schema {
  query: Query
  mutation: Mutation
}
`

// NewGraphQLServer endpoint 为 Playground 请求的API路径
func NewGraphQLServer(svc *service.ElectionService, endpoint string) *GraphQLServer {
	resolver := NewResolver(svc)

	schema := graphql.MustParseSchema(schemaString, resolver,
		graphql.UseFieldResolvers(),
	)

	return &GraphQLServer{
		schema:   schema,
		handler:  &relay.Handler{Schema: schema},
		resolver: resolver,
		endpoint: endpoint,
	}
}

// Schema 供离线执行查询使用
func (s *GraphQLServer) Schema() *graphql.Schema {
	return s.schema
}

// Handler GraphQL API 端点，身份需由外层中间件放入请求上下文
func (s *GraphQLServer) Handler() http.Handler {
	return s.handler
}

// Playground GraphQL Playground 页面
func (s *GraphQLServer) Playground() http.HandlerFunc {
	page := strings.Replace(playgroundHTML, "{{endpoint}}", s.endpoint, 1)
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(page))
	}
}

// Resolver GraphQL解析器
type Resolver struct {
	svc *service.ElectionService
}

func NewResolver(svc *service.ElectionService) *Resolver {
	return &Resolver{svc: svc}
}

// resolverError 取出错误链中的业务错误，使错误码出现在 extensions 中
func resolverError(err error) error {
	if e, ok := errs.As(err); ok {
		return e
	}
	return err
}

type electionArgs struct {
	ElectionID graphql.ID
}

// Results 获取选举结果
func (r *Resolver) Results(ctx context.Context, args electionArgs) (*ElectionResultsResolver, error) {
	results, err := r.svc.GetResults(ctx, string(args.ElectionID))
	if err != nil {
		return nil, resolverError(err)
	}
	return &ElectionResultsResolver{results: results}, nil
}

// VerifyIntegrity 校验选举账本
func (r *Resolver) VerifyIntegrity(ctx context.Context, args electionArgs) (bool, error) {
	ok, err := r.svc.VerifyIntegrity(ctx, string(args.ElectionID))
	if err != nil {
		return false, resolverError(err)
	}
	return ok, nil
}

// Turnout 已投票人数
func (r *Resolver) Turnout(ctx context.Context, args electionArgs) (int32, error) {
	n, err := r.svc.GetTurnout(ctx, string(args.ElectionID))
	if err != nil {
		return 0, resolverError(err)
	}
	return int32(n), nil
}

// CastVote 投票
func (r *Resolver) CastVote(ctx context.Context, args struct {
	ElectionID graphql.ID
	Votes      []VoteInput
}) (*CastReceiptResolver, error) {
	votes := make([]model.VoteChoice, len(args.Votes))
	for i, v := range args.Votes {
		votes[i] = model.VoteChoice{CandidateID: string(v.CandidateID), Position: v.Position}
	}

	receipt, err := r.svc.CastVote(ctx, identity.FromContext(ctx), string(args.ElectionID), votes)
	if err != nil {
		return nil, resolverError(err)
	}
	return &CastReceiptResolver{receipt: receipt}, nil
}

// RequestClose 管理员请求关闭选举
func (r *Resolver) RequestClose(ctx context.Context, args electionArgs) (*CloseOutcomeResolver, error) {
	outcome, err := r.svc.RequestClose(ctx, identity.FromContext(ctx), string(args.ElectionID))
	if err != nil {
		return nil, resolverError(err)
	}
	return &CloseOutcomeResolver{outcome: outcome}, nil
}

// BallotResolver 选票解析器
type BallotResolver struct {
	ballot *model.Ballot
}

func (r *BallotResolver) ID() graphql.ID {
	return graphql.ID(r.ballot.ID)
}

func (r *BallotResolver) CandidateID() graphql.ID {
	return graphql.ID(r.ballot.CandidateID)
}

func (r *BallotResolver) Position() string {
	return r.ballot.Position
}

func (r *BallotResolver) Seq() int32 {
	return int32(r.ballot.Seq)
}

func (r *BallotResolver) CastAt() string {
	return r.ballot.CastAt.Format(time.RFC3339Nano)
}

func (r *BallotResolver) Fingerprint() string {
	return r.ballot.Fingerprint
}

// CastReceiptResolver 投票回执解析器
type CastReceiptResolver struct {
	receipt *model.CastReceipt
}

func (r *CastReceiptResolver) ElectionID() graphql.ID {
	return graphql.ID(r.receipt.ElectionID)
}

func (r *CastReceiptResolver) Head() string {
	return r.receipt.Head
}

func (r *CastReceiptResolver) Ballots() []*BallotResolver {
	resolvers := make([]*BallotResolver, len(r.receipt.Ballots))
	for i := range r.receipt.Ballots {
		resolvers[i] = &BallotResolver{ballot: &r.receipt.Ballots[i]}
	}
	return resolvers
}

func (r *CastReceiptResolver) CastAt() string {
	return r.receipt.CastAt.Format(time.RFC3339Nano)
}

// CloseOutcomeResolver 关闭请求结果解析器
type CloseOutcomeResolver struct {
	outcome *model.CloseOutcome
}

func (r *CloseOutcomeResolver) Closed() bool {
	return r.outcome.Closed
}

func (r *CloseOutcomeResolver) Approvals() int32 {
	return int32(r.outcome.Approvals)
}

func (r *CloseOutcomeResolver) Needed() int32 {
	return int32(r.outcome.Needed)
}

// CandidateResultResolver 候选人计票解析器
type CandidateResultResolver struct {
	result *model.CandidateResult
}

func (r *CandidateResultResolver) CandidateID() graphql.ID {
	return graphql.ID(r.result.CandidateID)
}

func (r *CandidateResultResolver) StudentID() graphql.ID {
	return graphql.ID(r.result.StudentID)
}

func (r *CandidateResultResolver) Position() string {
	return r.result.Position
}

func (r *CandidateResultResolver) VoteCount() int32 {
	return int32(r.result.VoteCount)
}

func (r *CandidateResultResolver) Percentage() float64 {
	return r.result.Percentage
}

// ElectionResultsResolver 选举结果解析器
type ElectionResultsResolver struct {
	results *model.ElectionResults
}

func (r *ElectionResultsResolver) ElectionID() graphql.ID {
	return graphql.ID(r.results.ElectionID)
}

func (r *ElectionResultsResolver) Results() []*CandidateResultResolver {
	resolvers := make([]*CandidateResultResolver, len(r.results.Results))
	for i := range r.results.Results {
		resolvers[i] = &CandidateResultResolver{result: &r.results.Results[i]}
	}
	return resolvers
}

func (r *ElectionResultsResolver) TotalVotes() int32 {
	return int32(r.results.TotalVotes)
}

func (r *ElectionResultsResolver) IntegrityHead() string {
	return r.results.IntegrityHead
}

func (r *ElectionResultsResolver) IntegrityVerified() bool {
	return r.results.IntegrityVerified
}

func (r *ElectionResultsResolver) ComputedAt() string {
	return r.results.ComputedAt.Format(time.RFC3339)
}

// VoteInput 投票输入类型
type VoteInput struct {
	CandidateID graphql.ID
	Position    string
}

// playgroundHTML GraphQL Playground HTML
const playgroundHTML = `
<!DOCTYPE html>
<html>
<head>
  <meta charset=utf-8/>
  <meta name="viewport" content="user-scalable=no, initial-scale=1.0, minimum-scale=1.0, maximum-scale=1.0, minimal-ui">
  <title>Election Ledger GraphQL Playground</title>
  <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/css/index.css" />
  <link rel="shortcut icon" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/favicon.png" />
  <script src="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/js/middleware.js"></script>
</head>
<body>
  <div id="root"></div>
  <script>window.addEventListener('load', function (event) {
      GraphQLPlayground.init(document.getElementById('root'), {
        endpoint: '{{endpoint}}'
      })
    })</script>
</body>
</html>
`
