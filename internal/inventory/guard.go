package inventory

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-settlement/pkg/db/models"
	"github.com/angelmondragon/packfinderz-settlement/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-settlement/pkg/errors"
)

// Guard enforces single ownership of a sellable unit.
type Guard struct {
	repo Repository
}

func NewGuard(repo Repository) (*Guard, error) {
	if repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "unit repository required")
	}
	return &Guard{repo: repo}, nil
}

// Check is an advisory read outside any transaction. Callers must still
// reserve through TryReserve before acting on the result.
func (g *Guard) Check(ctx context.Context, unitID uuid.UUID) (*models.SellableUnit, error) {
	unit, err := g.repo.FindByID(ctx, unitID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load unit")
	}
	if unit == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "unit not found")
	}
	if unit.Status != enums.UnitStatusAvailable {
		return unit, unavailable(unit)
	}
	return unit, nil
}

// TryReserve moves an AVAILABLE unit to RESERVED inside tx. Nothing is
// written when the unit is unavailable.
func (g *Guard) TryReserve(ctx context.Context, tx *gorm.DB, unitID uuid.UUID) (*models.SellableUnit, error) {
	if tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "reservation requires a transaction")
	}
	repo := g.repo.WithTx(tx)
	unit, err := repo.FindForUpdate(ctx, unitID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock unit")
	}
	if unit == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "unit not found")
	}
	if unit.Status != enums.UnitStatusAvailable {
		return nil, unavailable(unit)
	}
	ok, err := repo.CompareAndSetStatus(ctx, unit.ID, unit.Version, enums.UnitStatusAvailable, enums.UnitStatusReserved)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reserve unit")
	}
	if !ok {
		return nil, unavailable(unit)
	}
	unit.Status = enums.UnitStatusReserved
	unit.Version++
	return unit, nil
}

// Move sets the unit to the status implied by its purchase. drifted is true
// when the unit was not in the expected from status, which indicates local
// state that reconciliation is now correcting.
func (g *Guard) Move(ctx context.Context, tx *gorm.DB, unitID uuid.UUID, from, to enums.UnitStatus) (drifted bool, err error) {
	if tx == nil {
		return false, pkgerrors.New(pkgerrors.CodeInternal, "unit transition requires a transaction")
	}
	repo := g.repo.WithTx(tx)
	unit, err := repo.FindForUpdate(ctx, unitID)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock unit")
	}
	if unit == nil {
		return false, pkgerrors.New(pkgerrors.CodeNotFound, "unit not found")
	}
	if unit.Status == to {
		return false, nil
	}
	ok, err := repo.CompareAndSetStatus(ctx, unit.ID, unit.Version, unit.Status, to)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update unit status")
	}
	if !ok {
		return false, pkgerrors.New(pkgerrors.CodeConflict, "unit changed concurrently")
	}
	return unit.Status != from, nil
}

func unavailable(unit *models.SellableUnit) error {
	return pkgerrors.New(pkgerrors.CodeUnitUnavailable, "unit is not available").
		WithDetails(map[string]any{"unit_id": unit.ID.String(), "status": unit.Status})
}
