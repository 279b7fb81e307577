package wishsync

import (
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// WishlistToken is the wishlist-scoped participant credential. The core
// never verifies it; the server does. Parsing is only used to attribute the
// local user and route to the right wishlist.
type WishlistToken struct {
	WishlistId string
	UserId     string
	UserName   string
}

func ParseWishlistTokenUnverified(token string) (*WishlistToken, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type %T", parsed.Claims)
	}

	wishlistToken := &WishlistToken{}
	if wishlistId, ok := claims["wishlist_id"].(string); ok {
		wishlistToken.WishlistId = wishlistId
	}
	if userId, ok := claims["user_id"].(string); ok {
		wishlistToken.UserId = userId
	}
	if userName, ok := claims["user_name"].(string); ok {
		wishlistToken.UserName = userName
	}
	return wishlistToken, nil
}
