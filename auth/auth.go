package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"devconnect/types"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Context keys set by Middleware.
const (
	KeyUserID    = "userID"
	KeyUsername  = "userUsername"
	KeyAvatarURL = "userAvatarURL"
)

type Claims struct {
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	jwt.RegisteredClaims
}

type Issuer struct {
	Secret []byte
	TTL    time.Duration
}

func NewIssuer(secret string, ttl time.Duration) Issuer {
	return Issuer{Secret: []byte(secret), TTL: ttl}
}

func (i Issuer) Issue(user types.User) (string, error) {
	now := time.Now()
	claims := Claims{
		Username:  user.Username,
		AvatarURL: user.AvatarURL,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.TTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.Secret)
}

func (i Issuer) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.Secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.Subject == "" {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token. Websocket
// upgrades may pass the token as ?token= instead of a header.
func (i Issuer) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if tokenString == "" {
			tokenString = c.Query("token")
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(401, gin.H{"error": "Authorization header required"})
			return
		}

		claims, err := i.Parse(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(401, gin.H{"error": "Invalid or expired token"})
			return
		}

		c.Set(KeyUserID, claims.Subject)
		c.Set(KeyUsername, claims.Username)
		c.Set(KeyAvatarURL, claims.AvatarURL)
		c.Next()
	}
}

// UserFrom returns the identity Middleware stored on c.
func UserFrom(c *gin.Context) (types.User, bool) {
	id := c.GetString(KeyUserID)
	if id == "" {
		return types.User{}, false
	}
	return types.User{
		ID:        id,
		Username:  c.GetString(KeyUsername),
		AvatarURL: c.GetString(KeyAvatarURL),
	}, true
}
