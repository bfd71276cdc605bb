package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/satoru707/voting-app/internal/model"
)

func TestPrincipalRoundTrip(t *testing.T) {
	require.Nil(t, FromContext(context.Background()))

	p := &model.Principal{ID: "s1", Role: model.StudentRole{}}
	ctx := WithPrincipal(context.Background(), p)
	require.Same(t, p, FromContext(ctx))
}
