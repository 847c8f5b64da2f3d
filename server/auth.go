package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"

	"github.com/mikoto-social/mikoto/models"
)

// userFromToken resolves the `i` access token to a local user. An
// empty token means an anonymous viewer and resolves to (nil, nil);
// a present but invalid token is an error.
func (s *Server) userFromToken(ctx context.Context, token string) (*models.User, error) {
	if token == "" {
		return nil, nil
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid access token: %w", err)
	}

	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("access token missing subject")
	}

	var u models.User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("access token subject unknown")
		}
		return nil, err
	}
	return &u, nil
}
