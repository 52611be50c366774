package auth

import "sync"

// StaticAuthenticator 基于配置的令牌表实现 Authenticator，供演示环境与测试使用。
// 生产部署应替换为真正的认证服务客户端。
type StaticAuthenticator struct {
	mu     sync.RWMutex
	tokens map[string]*Context
}

// Account 静态账户配置项。
type Account struct {
	Token     string
	AccountID string
	Role      Role
	// Extra 追加到角色预置集合之外的权限。
	Extra []Permission
}

// NewStaticAuthenticator builds an authenticator from the configured accounts.
func NewStaticAuthenticator(accounts []Account) *StaticAuthenticator {
	a := &StaticAuthenticator{tokens: make(map[string]*Context, len(accounts))}
	for _, acc := range accounts {
		perms := append(RolePermissions(acc.Role), acc.Extra...)
		a.tokens[acc.Token] = NewContext(acc.AccountID, acc.Role, perms)
	}
	return a
}

// Authenticate 查表；未知/空令牌返回 ErrUnauthenticated。
func (a *StaticAuthenticator) Authenticate(credential string) (*Context, error) {
	if credential == "" {
		return nil, ErrUnauthenticated
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	ctx, ok := a.tokens[credential]
	if !ok {
		return nil, ErrUnauthenticated
	}
	return ctx, nil
}

var _ Authenticator = (*StaticAuthenticator)(nil)
