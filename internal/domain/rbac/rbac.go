// Пакет rbac - роли пользователей движка артефактов и их упорядочивание.
// Идентичность и роль приходят от внешнего слоя аутентификации уже проверенными;
// здесь только сравнение привилегий.
package rbac

import "fmt"

// Role - роль пользователя.
type Role string

// Роли в порядке возрастания привилегий.
const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// roleWeight - вес роли для сравнения.
// Чем выше вес, тем больше привилегий.
var roleWeight = map[Role]int{
	RoleUser:      1,
	RoleModerator: 2,
	RoleAdmin:     3,
}

// AtLeast проверяет, что роль role не ниже required.
// Неизвестная роль не проходит ни одну проверку.
func AtLeast(role, required Role) bool {
	w, ok := roleWeight[role]
	if !ok {
		return false
	}
	return w >= roleWeight[required]
}

// IsModerator - модератор или администратор.
func IsModerator(role Role) bool {
	return AtLeast(role, RoleModerator)
}

// IsAdmin - только администратор.
func IsAdmin(role Role) bool {
	return AtLeast(role, RoleAdmin)
}

// IsValidRole проверяет, является ли значение допустимой ролью.
func IsValidRole(role Role) bool {
	_, ok := roleWeight[role]
	return ok
}

// ParseRole преобразует строку в Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !IsValidRole(r) {
		return "", fmt.Errorf("недопустимая роль: %q, допустимые: user, moderator, admin", s)
	}
	return r, nil
}
