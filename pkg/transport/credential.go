package transport

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"eventchat/config"
	"eventchat/pkg/apperr"

	jwtv5 "github.com/golang-jwt/jwt/v5"
)

// 凭证模式
const (
	ModeGrant    = "grant"
	ModeIdentity = "identity"
)

const identityPrefix = "uid:"

// Grant 校验后的实时通道凭证
// Scoped 为 false 时（身份模式）凭证不携带频道范围，频道权限需逐次校验
type Grant struct {
	UserID    uint
	Channels  []string
	Scoped    bool
	ExpiresAt time.Time
}

// Member 在线状态中的成员标识
func (g Grant) Member() string {
	return strconv.FormatUint(uint64(g.UserID), 10)
}

// InScope 群聊频道是否在凭证范围内
func (g Grant) InScope(channelKey string) bool {
	for _, k := range g.Channels {
		if k == channelKey {
			return true
		}
	}
	return false
}

// CredentialIssuer 签发和校验实时通道凭证
type CredentialIssuer interface {
	Mode() string
	Issue(userID uint, scope []string, ttl time.Duration) (string, error)
	Verify(token string) (Grant, error)
}

// NewCredentialIssuer 按配置选择凭证模式，默认使用带范围的授权凭证
func NewCredentialIssuer(cfg config.TransportConfig) (CredentialIssuer, error) {
	switch cfg.CredentialMode {
	case "", ModeGrant:
		if cfg.Secret == "" {
			return nil, fmt.Errorf("transport secret is required in %s mode", ModeGrant)
		}
		return NewGrantIssuer(cfg.Secret, cfg.Issuer), nil
	case ModeIdentity:
		return IdentityIssuer{}, nil
	}
	return nil, fmt.Errorf("unknown credential mode %q", cfg.CredentialMode)
}

// GrantClaims 授权凭证载荷
type GrantClaims struct {
	Channels []string `json:"channels"`
	jwtv5.RegisteredClaims
}

// GrantIssuer 签发带频道范围和有效期的 HS256 凭证
type GrantIssuer struct {
	secretKey []byte
	issuer    string
	now       func() time.Time
}

func NewGrantIssuer(secret, issuer string) *GrantIssuer {
	return &GrantIssuer{secretKey: []byte(secret), issuer: issuer, now: time.Now}
}

func (g *GrantIssuer) Mode() string { return ModeGrant }

func (g *GrantIssuer) Issue(userID uint, scope []string, ttl time.Duration) (string, error) {
	if userID == 0 {
		return "", fmt.Errorf("issue credential: user is required")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("issue credential: ttl must be positive")
	}

	now := g.now()
	claims := &GrantClaims{
		Channels: scope,
		RegisteredClaims: jwtv5.RegisteredClaims{
			Issuer:    g.issuer,
			Subject:   strconv.FormatUint(uint64(userID), 10),
			IssuedAt:  jwtv5.NewNumericDate(now),
			NotBefore: jwtv5.NewNumericDate(now),
			ExpiresAt: jwtv5.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwtv5.NewWithClaims(jwtv5.SigningMethodHS256, claims).SignedString(g.secretKey)
	if err != nil {
		return "", fmt.Errorf("sign credential: %w", err)
	}
	return signed, nil
}

func (g *GrantIssuer) Verify(token string) (Grant, error) {
	claims := &GrantClaims{}
	parsed, err := jwtv5.ParseWithClaims(token, claims,
		func(t *jwtv5.Token) (interface{}, error) {
			if t.Method != jwtv5.SigningMethodHS256 {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return g.secretKey, nil
		},
		jwtv5.WithIssuer(g.issuer),
		jwtv5.WithExpirationRequired(),
		jwtv5.WithTimeFunc(g.now),
	)
	if err != nil || !parsed.Valid {
		return Grant{}, apperr.Unauthenticated("invalid or expired credential", err)
	}

	id, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil || id == 0 {
		return Grant{}, apperr.Unauthenticated("invalid credential subject", err)
	}

	return Grant{
		UserID:    uint(id),
		Channels:  claims.Channels,
		Scoped:    true,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// IdentityIssuer 降级模式：凭证只是用户标识，不带范围和有效期
type IdentityIssuer struct{}

func (IdentityIssuer) Mode() string { return ModeIdentity }

func (IdentityIssuer) Issue(userID uint, _ []string, _ time.Duration) (string, error) {
	if userID == 0 {
		return "", fmt.Errorf("issue credential: user is required")
	}
	return identityPrefix + strconv.FormatUint(uint64(userID), 10), nil
}

func (IdentityIssuer) Verify(token string) (Grant, error) {
	if !strings.HasPrefix(token, identityPrefix) {
		return Grant{}, apperr.Unauthenticated("invalid credential", nil)
	}
	id, err := strconv.ParseUint(strings.TrimPrefix(token, identityPrefix), 10, 64)
	if err != nil || id == 0 {
		return Grant{}, apperr.Unauthenticated("invalid credential", err)
	}
	return Grant{UserID: uint(id)}, nil
}
