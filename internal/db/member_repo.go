package db

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"fitpay/internal/types"
)

type MemberRepo struct {
	db DBTX
}

func NewMemberRepo(db DBTX) *MemberRepo {
	return &MemberRepo{db: db}
}

func (r *MemberRepo) FindByID(ctx context.Context, id uuid.UUID) (*types.Member, error) {
	var m types.Member
	err := r.db.QueryRow(ctx, `SELECT id, organization_id, first_name, last_name, email, phone,
		national_id, street, city, region, postal_code, country_code
		FROM members WHERE id = $1`, id).Scan(
		&m.ID, &m.OrganizationID, &m.FirstName, &m.LastName, &m.Email, &m.Phone,
		&m.NationalID, &m.Street, &m.City, &m.Region, &m.PostalCode, &m.CountryCode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundMember, "member not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDatabase, "querying member", err)
	}
	return &m, nil
}
