package authorization

import (
	"context"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	enforcer, err := NewEnforcer(EnforcerParams{DB: db})
	require.NoError(t, err)
	return NewService(Params{Log: zap.NewNop(), Enforcer: enforcer})
}

func TestAuthorizeRoles(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Authorize(ctx, ActorAdmin, ObjectCredits, ActionCreditsTopUp))
	require.NoError(t, svc.Authorize(ctx, UserActor("alice"), ObjectResearchTask, ActionResearchSubmit))
	require.NoError(t, svc.Authorize(ctx, ActorSystem, ObjectRefunds, ActionRefundsReconcile))

	assert.ErrorIs(t, svc.Authorize(ctx, UserActor("alice"), ObjectCredits, ActionCreditsTopUp), ErrForbidden)
	assert.ErrorIs(t, svc.Authorize(ctx, ActorSystem, ObjectCredits, ActionCreditsTopUp), ErrForbidden)
}

func TestAuthorizeValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	assert.ErrorIs(t, svc.Authorize(ctx, "", ObjectCredits, ActionCreditsView), ErrInvalidActor)
	assert.ErrorIs(t, svc.Authorize(ctx, "user:", ObjectCredits, ActionCreditsView), ErrInvalidActor)
	assert.ErrorIs(t, svc.Authorize(ctx, "robot", ObjectCredits, ActionCreditsView), ErrInvalidActor)
	assert.ErrorIs(t, svc.Authorize(ctx, ActorAdmin, "", ActionCreditsView), ErrInvalidObject)
	assert.ErrorIs(t, svc.Authorize(ctx, ActorAdmin, ObjectCredits, " "), ErrInvalidAction)
}

func TestSeedIsIdempotent(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	_, err = NewEnforcer(EnforcerParams{DB: db})
	require.NoError(t, err)
	second, err := NewEnforcer(EnforcerParams{DB: db})
	require.NoError(t, err)

	policies, err := second.GetPolicy()
	require.NoError(t, err)
	assert.Len(t, policies, 11)
}

func TestAdminKeyHashRoundTrip(t *testing.T) {
	encoded, err := HashAdminKey("s3cret")
	require.NoError(t, err)
	assert.True(t, VerifyAdminKey("s3cret", encoded))
	assert.False(t, VerifyAdminKey("wrong", encoded))
	assert.False(t, VerifyAdminKey("s3cret", ""))
	assert.False(t, VerifyAdminKey("s3cret", "$argon2id$v=19$bogus"))
}
