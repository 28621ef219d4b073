package auth

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/sitecrew-backend/pkg/enums"
)

// AccessTokenPayload is the input to MintAccessToken.
type AccessTokenPayload struct {
	UserID               uuid.UUID
	ActiveOrganizationID *uuid.UUID
	Role                 enums.MemberRole
	JTI                  string
}

// AccessTokenClaims is the verified token body. Role reflects the issuer's
// view at mint time; billing permissions are checked against memberships.
type AccessTokenClaims struct {
	UserID               uuid.UUID        `json:"user_id"`
	ActiveOrganizationID *uuid.UUID       `json:"active_organization_id,omitempty"`
	Role                 enums.MemberRole `json:"role"`
	jwt.RegisteredClaims
}
