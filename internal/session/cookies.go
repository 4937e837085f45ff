package session

import (
	"context"
	"math"

	"github.com/xkilldash9x/scalpel-driver/api/schemas"
)

func (s *Session) allCookies(ctx context.Context, _ schemas.Command) (any, error) {
	b, err := s.browser()
	if err != nil {
		return nil, err
	}
	cookies, err := b.Cookies(ctx)
	if err != nil {
		return nil, backendError(schemas.UnhandledError, err, "reading cookies")
	}
	if cookies == nil {
		cookies = []schemas.Cookie{}
	}
	return cookies, nil
}

func (s *Session) namedCookie(ctx context.Context, cmd schemas.Command) (any, error) {
	name, _ := cmd.Param("name")
	b, err := s.browser()
	if err != nil {
		return nil, err
	}
	cookies, err := b.Cookies(ctx)
	if err != nil {
		return nil, backendError(schemas.UnhandledError, err, "reading cookies")
	}
	for _, c := range cookies {
		if c.Name == name {
			return c, nil
		}
	}
	return nil, schemas.NewError(schemas.NoSuchCookie, "no cookie named %q", name)
}

// parseCookie validates the "cookie" object of an AddCookie command.
func parseCookie(m map[string]any) (schemas.Cookie, error) {
	var c schemas.Cookie
	str := func(key string, required bool, dst *string) error {
		raw, ok := m[key]
		if !ok || raw == nil {
			if required {
				return schemas.NewError(schemas.InvalidArgument, "cookie %s is required", key)
			}
			return nil
		}
		v, ok := raw.(string)
		if !ok {
			return schemas.NewError(schemas.InvalidArgument, "cookie %s must be a string", key)
		}
		*dst = v
		return nil
	}
	flag := func(key string, dst *bool) error {
		raw, ok := m[key]
		if !ok || raw == nil {
			return nil
		}
		v, ok := raw.(bool)
		if !ok {
			return schemas.NewError(schemas.InvalidArgument, "cookie %s must be a boolean", key)
		}
		*dst = v
		return nil
	}
	for _, err := range []error{
		str("name", true, &c.Name),
		str("value", true, &c.Value),
		str("path", false, &c.Path),
		str("domain", false, &c.Domain),
		str("sameSite", false, &c.SameSite),
		flag("secure", &c.Secure),
		flag("httpOnly", &c.HTTPOnly),
	} {
		if err != nil {
			return c, err
		}
	}
	switch c.SameSite {
	case "", "Lax", "Strict", "None":
	default:
		return c, schemas.NewError(schemas.InvalidArgument, "cookie sameSite must be Lax, Strict or None")
	}
	if raw, ok := m["expiry"]; ok && raw != nil {
		n, ok := raw.(float64)
		if !ok || n < 0 || n > maxSafeInteger || n != math.Trunc(n) {
			return c, schemas.NewError(schemas.InvalidArgument, "cookie expiry must be a non-negative integer")
		}
		c.Expiry = int64(n)
	}
	return c, nil
}

func (s *Session) addCookie(ctx context.Context, cmd schemas.Command) (any, error) {
	m, err := cmd.Map("cookie")
	if err != nil {
		return nil, err
	}
	c, err := parseCookie(m)
	if err != nil {
		return nil, err
	}
	b, err := s.browser()
	if err != nil {
		return nil, err
	}
	if err := b.SetCookie(ctx, c); err != nil {
		return nil, backendError(schemas.UnableToSetCookie, err, "")
	}
	return nil, nil
}

func (s *Session) deleteCookie(ctx context.Context, cmd schemas.Command) (any, error) {
	name, _ := cmd.Param("name")
	b, err := s.browser()
	if err != nil {
		return nil, err
	}
	if err := b.DeleteCookie(ctx, name); err != nil {
		return nil, backendError(schemas.UnhandledError, err, "")
	}
	return nil, nil
}

func (s *Session) deleteAllCookies(ctx context.Context, _ schemas.Command) (any, error) {
	b, err := s.browser()
	if err != nil {
		return nil, err
	}
	cookies, err := b.Cookies(ctx)
	if err != nil {
		return nil, backendError(schemas.UnhandledError, err, "reading cookies")
	}
	for _, c := range cookies {
		if err := b.DeleteCookie(ctx, c.Name); err != nil {
			return nil, backendError(schemas.UnhandledError, err, "")
		}
	}
	return nil, nil
}
