package authorization

import (
	"context"
	_ "embed"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

//go:embed model.conf
var modelText string

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

func NewEnforcer(p EnforcerParams) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(p.DB)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor, object, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	roleName, err := roleFor(actor)
	if err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(roleName, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Info("authorization.denied",
			zap.String("actor", actor),
			zap.String("object", object),
			zap.String("action", action),
		)
		return ErrForbidden
	}
	return nil
}

func roleFor(actor string) (string, error) {
	switch {
	case actor == ActorSystem:
		return RoleSystem, nil
	case actor == ActorAdmin:
		return RoleAdmin, nil
	case strings.HasPrefix(actor, "user:"):
		if strings.TrimSpace(strings.TrimPrefix(actor, "user:")) == "" {
			return "", ErrInvalidActor
		}
		return RoleUser, nil
	}
	return "", ErrInvalidActor
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Users act on their own research and read their own balance
		{RoleUser, ObjectResearchTask, ActionResearchSubmit},
		{RoleUser, ObjectResearchTask, ActionResearchView},
		{RoleUser, ObjectResearchTask, ActionResearchManage},
		{RoleUser, ObjectCredits, ActionCreditsView},
		{RoleUser, ObjectCredits, ActionCreditsTransactions},

		{RoleAdmin, ObjectCredits, ActionCreditsTopUp},
		{RoleAdmin, ObjectCredits, ActionCreditsView},
		{RoleAdmin, ObjectCredits, ActionCreditsTransactions},
		{RoleAdmin, ObjectRefunds, ActionRefundsReconcile},

		{RoleSystem, ObjectRefunds, ActionRefundsReconcile},
		{RoleSystem, ObjectResearchTask, ActionResearchManage},
	}
	for _, policy := range policies {
		has, err := enforcer.HasPolicy(policy)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
