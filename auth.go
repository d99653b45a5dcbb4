package worldsync

import (
	"strconv"

	gojwt "github.com/golang-jwt/jwt/v5"
)

type ClientAuth struct {
	ByJwt      string
	InstanceId Id
	AppVersion string
}

func (self *ClientAuth) UserId() (uint64, error) {
	byJwt, err := ParseByJwtUnverified(self.ByJwt)
	if err != nil {
		return 0, err
	}
	return byJwt.UserId, nil
}

type ByJwt struct {
	UserId      uint64
	DisplayName string
	SessionId   string
}

// the client does not hold the signing key. Claims are extracted without
// verification, the server verifies on connect.
func ParseByJwtUnverified(jwt string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}

	if userId, ok := claims["user_id"]; ok {
		switch v := userId.(type) {
		case float64:
			byJwt.UserId = uint64(v)
		case string:
			// some issuers encode ids as strings
			if parsed, err := strconv.ParseUint(v, 10, 64); err == nil {
				byJwt.UserId = parsed
			}
		}
	}
	if displayName, ok := claims["display_name"]; ok {
		if v, ok := displayName.(string); ok {
			byJwt.DisplayName = v
		}
	}
	if sessionId, ok := claims["session_id"]; ok {
		if v, ok := sessionId.(string); ok {
			byJwt.SessionId = v
		}
	}

	return byJwt, nil
}
