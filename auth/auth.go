// Package auth 提供网关使用的权限模型：封闭的能力枚举 + 集合判定。
// 凭证校验本身由外部认证服务完成，这里只消费其结果。
package auth

import "errors"

// Permission 能力标签。使用封闭枚举而非裸字符串，拼写错误在编译期暴露。
type Permission string

const (
	PermOrdersCreate     Permission = "orders:create"
	PermOrdersRead       Permission = "orders:read"
	PermOrdersCancel     Permission = "orders:cancel"
	PermPositionsRead    Permission = "positions:read"
	PermPositionsReadAll Permission = "positions:read_all"
	PermMarketRead       Permission = "market:read"
	PermAccountsReadAll  Permission = "accounts:read_all"
	PermAdminFull        Permission = "admin:full"
)

// Role 角色名，仅用于预置权限集合与日志。
type Role string

const (
	RoleTrader Role = "trader"
	RoleViewer Role = "viewer"
	RoleAdmin  Role = "admin"
)

var (
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrPermissionDenied = errors.New("permission denied")
)

// Context 认证结果：账户、角色与权限集合。
type Context struct {
	AccountID   string
	Role        Role
	Permissions map[Permission]bool
}

// NewContext builds a Context from a permission list.
func NewContext(accountID string, role Role, perms []Permission) *Context {
	set := make(map[Permission]bool, len(perms))
	for _, p := range perms {
		set[p] = true
	}
	return &Context{AccountID: accountID, Role: role, Permissions: set}
}

// Has 权限判定；admin:full 视为超集。
func (c *Context) Has(p Permission) bool {
	if c == nil {
		return false
	}
	return c.Permissions[p] || c.Permissions[PermAdminFull]
}

// CanAccessAccount 是否可以读写目标账户的数据。
func (c *Context) CanAccessAccount(accountID string) bool {
	if c == nil {
		return false
	}
	return c.AccountID == accountID || c.Has(PermAccountsReadAll)
}

// RolePermissions 返回角色的预置权限集合。
func RolePermissions(role Role) []Permission {
	switch role {
	case RoleTrader:
		return []Permission{
			PermOrdersCreate, PermOrdersRead, PermOrdersCancel,
			PermPositionsRead, PermMarketRead,
		}
	case RoleViewer:
		return []Permission{PermOrdersRead, PermPositionsRead, PermMarketRead}
	case RoleAdmin:
		return []Permission{PermAdminFull}
	default:
		return nil
	}
}

// Authenticator 外部认证协作方：凭证 -> 认证上下文。
type Authenticator interface {
	Authenticate(credential string) (*Context, error)
}
