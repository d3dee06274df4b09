package serv

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-http-utils/headers"
	"github.com/lestrrat-go/jwx/jwa"
	"github.com/lestrrat-go/jwx/jwt"

	"github.com/dbfold/pgmux/core"
)

// installAuthHooks wires session issuing into the engine: a successful
// login routine becomes a signed JWT, logout clears the cookie.
func (s *Service) installAuthHooks(cc *core.Config) {
	a := s.conf.Serv.Auth
	if a.Type != "jwt" || a.Secret == "" {
		return
	}

	cc.SignIn = func(w http.ResponseWriter, r *http.Request, claims core.Claims) error {
		token, err := s.issueToken(claims)
		if err != nil {
			return err
		}
		if a.CookieName != "" {
			http.SetCookie(w, &http.Cookie{
				Name:     a.CookieName,
				Value:    token,
				Path:     "/",
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
				Expires:  time.Now().Add(s.tokenTTL()),
			})
		}
		w.Header().Set(headers.ContentType, "application/json")
		_, err = w.Write([]byte(`{"token":"` + token + `"}`))
		return err
	}

	cc.SignOut = func(w http.ResponseWriter, r *http.Request) error {
		if a.CookieName != "" {
			http.SetCookie(w, &http.Cookie{
				Name:     a.CookieName,
				Value:    "",
				Path:     "/",
				HttpOnly: true,
				MaxAge:   -1,
			})
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	}
}

func (s *Service) tokenTTL() time.Duration {
	if s.conf.Serv.Auth.ExpiresIn > 0 {
		return s.conf.Serv.Auth.ExpiresIn
	}
	return time.Hour
}

// issueToken signs the claim set into a compact JWT.
func (s *Service) issueToken(claims core.Claims) (string, error) {
	a := s.conf.Serv.Auth

	t := jwt.New()
	now := time.Now()
	_ = t.Set(jwt.IssuedAtKey, now)
	_ = t.Set(jwt.ExpirationKey, now.Add(s.tokenTTL()))
	if a.Issuer != "" {
		_ = t.Set(jwt.IssuerKey, a.Issuer)
	}
	if a.Audience != "" {
		_ = t.Set(jwt.AudienceKey, a.Audience)
	}
	if name, ok := claims.Get("name"); ok {
		_ = t.Set(jwt.SubjectKey, name)
	}
	for k, v := range claims {
		_ = t.Set(k, v)
	}

	signed, err := jwt.Sign(t, jwa.HS256, []byte(a.Secret))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

// authHandler attaches the caller identity to the request context. With
// auth disabled every request passes through anonymous; the engine still
// rejects endpoints that require authorization.
func (s *Service) authHandler(next http.Handler) http.Handler {
	switch s.conf.Serv.Auth.Type {
	case "jwt":
		return s.jwtHandler(next)
	case "basic":
		return s.basicHandler(next)
	default:
		return next
	}
}

func (s *Service) jwtHandler(next http.Handler) http.Handler {
	a := s.conf.Serv.Auth

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r, a.CookieName)
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}

		opts := []jwt.ParseOption{
			jwt.WithValidate(true),
			jwt.WithVerify(jwa.HS256, []byte(a.Secret)),
		}
		if a.Issuer != "" {
			opts = append(opts, jwt.WithIssuer(a.Issuer))
		}
		if a.Audience != "" {
			opts = append(opts, jwt.WithAudience(a.Audience))
		}

		token, err := jwt.Parse([]byte(raw), opts...)
		if err != nil {
			s.log.Debugf("rejected bearer token: %s", err)
			next.ServeHTTP(w, r)
			return
		}

		user := &core.AuthUser{
			Authenticated: true,
			Name:          token.Subject(),
			Claims:        tokenClaims(token),
		}
		next.ServeHTTP(w, r.WithContext(core.WithUser(r.Context(), user)))
	})
}

// tokenClaims flattens the private claims into the engine's claim set.
func tokenClaims(token jwt.Token) core.Claims {
	claims := core.Claims{}
	if sub := token.Subject(); sub != "" {
		claims["sub"] = sub
	}
	for k, v := range token.PrivateClaims() {
		switch tv := v.(type) {
		case string:
			claims[k] = tv
		case []any:
			var list []string
			for _, item := range tv {
				if sv, ok := item.(string); ok {
					list = append(list, sv)
				}
			}
			claims[k] = list
		}
	}
	return claims
}

// bearerToken reads the Authorization header, then the session cookie.
func bearerToken(r *http.Request, cookieName string) string {
	if h := r.Header.Get(headers.Authorization); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil {
			return c.Value
		}
	}
	return ""
}

// basicHandler authenticates with the configured challenge query: it must
// return the stored password hash in its first column and claim values in
// the rest.
func (s *Service) basicHandler(next http.Handler) http.Handler {
	cc := s.conf.Core

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok || cc.Auth.ChallengeQuery == "" {
			next.ServeHTTP(w, r)
			return
		}

		user, err := s.challenge(r.Context(), username, password)
		if err != nil || user == nil {
			w.Header().Set(headers.WWWAuthenticate, `Basic realm="`+serverName+`"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(core.WithUser(r.Context(), user)))
	})
}

func (s *Service) challenge(ctx context.Context, username, password string) (*core.AuthUser, error) {
	pool, ok := s.pools[s.conf.Core.DefaultConnection]
	if !ok {
		for _, p := range s.pools {
			pool = p
			break
		}
	}

	rows, err := pool.Query(ctx, s.conf.Core.Auth.ChallengeQuery, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}

	vals, err := rows.Values()
	if err != nil {
		return nil, err
	}
	fields := rows.FieldDescriptions()
	if len(vals) == 0 {
		return nil, nil
	}

	stored, _ := vals[0].(string)
	hasher := s.conf.Core.Auth.Hasher
	if hasher == nil {
		hasher = core.DefaultHasher{}
	}
	if !hasher.Verify(stored, password) {
		return nil, nil
	}

	claims := core.Claims{"name": username}
	for i := 1; i < len(vals); i++ {
		if sv, ok := vals[i].(string); ok {
			claims[fields[i].Name] = sv
		}
	}
	return &core.AuthUser{Authenticated: true, Name: username, Claims: claims}, nil
}
