package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/satoru707/voting-app/internal/errs"
	"github.com/satoru707/voting-app/internal/identity"
	"github.com/satoru707/voting-app/internal/model"
)

func (s *Server) registerRoutes(r gin.IRouter, graphqlPath string) {
	r.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/playground", gin.WrapF(s.graph.Playground()))

	authed := r.Group("/", identityMiddleware(s.svc))
	authed.POST(graphqlPath, gin.WrapH(s.graph.Handler()))

	elections := authed.Group("/api/elections/:id")
	elections.POST("/votes", requirePrincipal(), s.castVote)
	elections.GET("/results", s.getResults)
	elections.GET("/integrity", s.verifyIntegrity)
	elections.GET("/turnout", s.getTurnout)

	admin := authed.Group("/api/admin/elections/:id", requirePrincipal())
	admin.POST("/close-request", s.requestClose)
}

type castVoteRequest struct {
	Votes []model.VoteChoice `json:"votes" binding:"required"`
}

func (s *Server) castVote(c *gin.Context) {
	var req castVoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errs.IncompleteOrInvalidBallot.With("cause", err.Error()))
		return
	}

	ctx := c.Request.Context()
	receipt, err := s.svc.CastVote(ctx, identity.FromContext(ctx), c.Param("id"), req.Votes)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"ok":      true,
		"head":    receipt.Head,
		"ballots": receipt.Ballots,
		"castAt":  receipt.CastAt,
	})
}

func (s *Server) requestClose(c *gin.Context) {
	ctx := c.Request.Context()
	outcome, err := s.svc.RequestClose(ctx, identity.FromContext(ctx), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (s *Server) getResults(c *gin.Context) {
	results, err := s.svc.GetResults(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

func (s *Server) verifyIntegrity(c *gin.Context) {
	id := c.Param("id")
	ok, err := s.svc.VerifyIntegrity(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"electionId": id, "verified": ok})
}

func (s *Server) getTurnout(c *gin.Context) {
	id := c.Param("id")
	n, err := s.svc.GetTurnout(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"electionId": id, "voters": n})
}

// abortWithError 业务错误按错误码返回，存储及其他错误只记录日志
func abortWithError(c *gin.Context, err error) {
	if e, ok := errs.As(err); ok && e.Code != errs.StorageFailure.Code {
		c.AbortWithStatusJSON(errs.HTTPStatus(e), e)
		return
	}
	zap.L().Error("处理请求失败", zap.String("path", c.FullPath()), zap.Error(err))
	c.AbortWithStatusJSON(http.StatusInternalServerError, errs.StorageFailure)
}
