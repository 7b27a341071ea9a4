package dataservice

import (
	"context"
	"fmt"

	"github.com/entityplatform/core/internal/entityerr"
	"github.com/entityplatform/core/internal/schema"
	"github.com/entityplatform/core/internal/sqlstore"
)

// maxCascadeDepth bounds the reference-tree walk (spec §4.C13 "Cascade:
// ... max depth 10").
const maxCascadeDepth = 10

// RestrictViolation is one entry of the detail payload attached to a
// CodeRestrictViolation error (spec §4.C13 "RESTRICT: count active refs;
// nonzero → abort with a list of violating entities").
type RestrictViolation struct {
	Entity string
	Field  string
	Count  int
}

type cascadeDelete struct {
	Entity string
	ID     string
}

type cascadeSetNull struct {
	Entity string
	ID     string
	Field  string
}

// cascadePlan is the full, fully-computed set of mutations a delete
// requires, built before any mutation runs (spec §4.C13 "no mutation
// occurs" on a RESTRICT violation anywhere in the reference tree).
type cascadePlan struct {
	deletes  []cascadeDelete
	setNulls []cascadeSetNull
}

// planCascade walks every entity's fields referencing (entity, id),
// depth-first, accumulating the delete/set-null plan and any RESTRICT
// violations. visited guards against reference cycles; depth enforces
// maxCascadeDepth.
func (s *Service) planCascade(ctx context.Context, q queryer, entity, id string, visited map[string]bool, depth int) (cascadePlan, []RestrictViolation, error) {
	var plan cascadePlan
	var violations []RestrictViolation

	key := entity + ":" + id
	if visited[key] {
		return plan, nil, nil
	}
	visited[key] = true

	if depth > maxCascadeDepth {
		return plan, nil, entityerr.New(entityerr.CodeValidation, "cascade delete of %s/%s exceeds max depth %d", entity, id, maxCascadeDepth)
	}

	entities, err := s.entities()
	if err != nil {
		return plan, nil, err
	}

	for _, refEntity := range entities {
		refModel, err := s.ir(refEntity)
		if err != nil {
			return plan, nil, err
		}
		for _, field := range referenceFields(refModel, entity) {
			switch field.OnDelete {
			case schema.OnDeleteRestrict:
				count, err := s.persister.CountActiveReferences(ctx, q, refModel, field.APIName, id)
				if err != nil {
					return plan, nil, err
				}
				if count > 0 {
					violations = append(violations, RestrictViolation{Entity: refEntity, Field: field.APIName, Count: count})
				}
			case schema.OnDeleteSetNull:
				ids, err := s.persister.ReferencingIDs(ctx, q, refModel, field.APIName, id)
				if err != nil {
					return plan, nil, err
				}
				for _, refID := range ids {
					plan.setNulls = append(plan.setNulls, cascadeSetNull{Entity: refEntity, ID: refID, Field: field.APIName})
				}
			case schema.OnDeleteCascade:
				ids, err := s.persister.ReferencingIDs(ctx, q, refModel, field.APIName, id)
				if err != nil {
					return plan, nil, err
				}
				for _, refID := range ids {
					childPlan, childViolations, err := s.planCascade(ctx, q, refEntity, refID, visited, depth+1)
					if err != nil {
						return plan, nil, err
					}
					violations = append(violations, childViolations...)
					plan.deletes = append(plan.deletes, childPlan.deletes...)
					plan.setNulls = append(plan.setNulls, childPlan.setNulls...)
					plan.deletes = append(plan.deletes, cascadeDelete{Entity: refEntity, ID: refID})
				}
			}
		}
	}

	return plan, violations, nil
}

// executeCascadeDelete soft-deletes (entity, id) together with the full
// computed cascade plan, inside one transaction: either the whole tree
// mutates or none of it does (spec §4.C13 "Cascade").
func (s *Service) executeCascadeDelete(ctx context.Context, entity, id, tenantID, actor string) error {
	plan, violations, err := s.planCascade(ctx, s.db, entity, id, map[string]bool{}, 0)
	if err != nil {
		return err
	}
	if len(violations) > 0 {
		msg := fmt.Sprintf("cannot delete %s/%s: %d referencing entities restrict deletion", entity, id, len(violations))
		return entityerr.New(entityerr.CodeRestrictViolation, "%s", msg).WithDetails(violations)
	}

	now := s.now()
	return s.db.WithTx(ctx, func(tx sqlstore.Tx) error {
		for _, sn := range plan.setNulls {
			model, err := s.ir(sn.Entity)
			if err != nil {
				return err
			}
			if err := s.persister.SetNull(ctx, tx, model, tenantID, sn.Field, sn.ID); err != nil {
				return err
			}
		}
		for _, d := range plan.deletes {
			model, err := s.ir(d.Entity)
			if err != nil {
				return err
			}
			if err := s.persister.SoftDelete(ctx, tx, model, tenantID, d.ID, actor, now); err != nil {
				return err
			}
		}
		rootModel, err := s.ir(entity)
		if err != nil {
			return err
		}
		if err := s.persister.SoftDelete(ctx, tx, rootModel, tenantID, id, actor, now); err != nil {
			return err
		}
		return s.enqueueAudit(ctx, tx, tenantID, "entity.deleted", map[string]any{
			"entity": entity, "id": id, "cascadeDeletes": len(plan.deletes), "cascadeSetNulls": len(plan.setNulls),
		})
	})
}
