package identity

import (
	"context"

	"github.com/satoru707/voting-app/internal/model"
)

// HeaderStudentID 网关在认证后写入的学生ID请求头
const HeaderStudentID = "X-Student-Id"

type principalKey struct{}

// WithPrincipal 将已认证用户放入上下文
func WithPrincipal(ctx context.Context, p *model.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext 取出已认证用户，未认证时返回 nil
func FromContext(ctx context.Context) *model.Principal {
	p, _ := ctx.Value(principalKey{}).(*model.Principal)
	return p
}
