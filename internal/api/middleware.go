package api

import (
	"github.com/gin-gonic/gin"

	"github.com/satoru707/voting-app/internal/errs"
	"github.com/satoru707/voting-app/internal/identity"
	"github.com/satoru707/voting-app/internal/service"
)

// identityMiddleware 根据网关请求头加载身份；没有请求头时匿名访问，
// 请求头对应的学生不存在时拒绝请求
func identityMiddleware(svc *service.ElectionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		studentID := c.GetHeader(identity.HeaderStudentID)
		if studentID == "" {
			c.Next()
			return
		}

		p, err := svc.ResolvePrincipal(c.Request.Context(), studentID)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.Request = c.Request.WithContext(identity.WithPrincipal(c.Request.Context(), p))
		c.Next()
	}
}

// requirePrincipal 仅允许已认证用户
func requirePrincipal() gin.HandlerFunc {
	return func(c *gin.Context) {
		if identity.FromContext(c.Request.Context()) == nil {
			abortWithError(c, errs.Unauthenticated)
			return
		}
		c.Next()
	}
}
