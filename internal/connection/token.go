package connection

import (
	"strconv"

	"github.com/golang-jwt/jwt/v5"
)

// TokenUserID reads the user id carried by a JWT without verifying it. It
// looks at the user_id claim first and falls back to sub.
func TokenUserID(token string) (int, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return 0, false
	}
	switch v := claims["user_id"].(type) {
	case float64:
		if v > 0 {
			return int(v), true
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n, true
		}
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(sub)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
