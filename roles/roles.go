package roles

import (
	"context"
	"log/slog"

	"gorm.io/gorm"
)

// Policies are the effective capability flags for a viewer. Anonymous
// viewers get the instance-wide base policies.
type Policies struct {
	LTLAvailable  bool `json:"ltlAvailable"`
	CanPublicNote bool `json:"canPublicNote"`
}

type Role struct {
	ID       string `gorm:"primarykey"`
	Name     string
	Policies Policies `gorm:"serializer:json"`
}

type RoleAssignment struct {
	ID     uint   `gorm:"primarykey"`
	UserID string `gorm:"index:idx_role_assignment,unique"`
	RoleID string `gorm:"index:idx_role_assignment,unique"`
}

type Service struct {
	db   *gorm.DB
	base Policies

	log *slog.Logger
}

func NewService(db *gorm.DB, base Policies) (*Service, error) {
	if err := db.AutoMigrate(&Role{}, &RoleAssignment{}); err != nil {
		return nil, err
	}

	return &Service{
		db:   db,
		base: base,
		log:  slog.Default().With("system", "roles"),
	}, nil
}

// GetUserPolicies resolves effective policies for a viewer, or the
// base policies when userID is nil. Role grants are additive: any
// assigned role enabling a flag enables it.
func (s *Service) GetUserPolicies(ctx context.Context, userID *string) (Policies, error) {
	out := s.base
	if userID == nil {
		return out, nil
	}

	var assignments []RoleAssignment
	if err := s.db.WithContext(ctx).Find(&assignments, "user_id = ?", *userID).Error; err != nil {
		return out, err
	}
	if len(assignments) == 0 {
		return out, nil
	}

	roleIDs := make([]string, 0, len(assignments))
	for _, a := range assignments {
		roleIDs = append(roleIDs, a.RoleID)
	}

	var roles []Role
	if err := s.db.WithContext(ctx).Find(&roles, "id IN ?", roleIDs).Error; err != nil {
		return out, err
	}

	for _, r := range roles {
		if r.Policies.LTLAvailable {
			out.LTLAvailable = true
		}
		if r.Policies.CanPublicNote {
			out.CanPublicNote = true
		}
	}

	return out, nil
}
