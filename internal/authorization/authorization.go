// Package authorization decides which actor may perform which operation.
// Policies live in casbin_rule through the gorm adapter.
package authorization

import (
	"context"
	"errors"
)

const (
	ObjectCredits      = "credits"
	ObjectResearchTask = "research_task"
	ObjectRefunds      = "refunds"
)

const (
	ActionCreditsTopUp        = "credits.topup"
	ActionCreditsView         = "credits.view"
	ActionCreditsTransactions = "credits.transactions"

	ActionResearchSubmit = "research.submit"
	ActionResearchView   = "research.view"
	ActionResearchManage = "research.manage"

	ActionRefundsReconcile = "refunds.reconcile"
)

const (
	ActorSystem = "system"
	ActorAdmin  = "admin"

	RoleSystem = "role:system"
	RoleAdmin  = "role:admin"
	RoleUser   = "role:user"
)

var (
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
	ErrForbidden     = errors.New("forbidden")
)

type Service interface {
	// Authorize returns ErrForbidden when actor may not perform action on object.
	Authorize(ctx context.Context, actor, object, action string) error
}

// UserActor is the actor string for an end user.
func UserActor(userID string) string {
	return "user:" + userID
}
