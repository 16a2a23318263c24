package model

// Роли пользователей.
const (
	RoleAdmin = "admin"
)

// User — идентичность, полученная слоем аутентификации из запроса.
type User struct {
	ID    string
	Name  string
	Email string
	Role  string
}

// IsAdmin сообщает, является ли пользователь администратором.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// AuditEntry — запись журнала аудита (таблица zakaz_audit_log).
type AuditEntry struct {
	UserID      *string
	UserName    *string
	UserEmail   *string
	ActionType  string
	EntityType  string
	EntityID    *string
	Description string
	OldValues   map[string]any
	NewValues   map[string]any
	IPAddress   *string
	UserAgent   *string
}

// Типы действий журнала аудита, используемые файловым сервисом.
const (
	AuditActionDelete     = "delete"
	AuditActionDeleteFile = "delete_file"
	AuditActionOther      = "other"

	AuditEntityApplication = "application"
	AuditEntityOther       = "other"
)

// NewAuditEntry создаёт запись аудита от имени пользователя.
func NewAuditEntry(u *User, action, entity string, entityID *string, description string) AuditEntry {
	e := AuditEntry{
		ActionType:  action,
		EntityType:  entity,
		EntityID:    entityID,
		Description: description,
	}
	if u != nil {
		e.UserID = strPtr(u.ID)
		e.UserName = strPtr(u.Name)
		e.UserEmail = strPtr(u.Email)
	}
	return e
}

// ClientInfo — сведения о клиенте запроса для журнала аудита.
type ClientInfo struct {
	IPAddress string
	UserAgent string
}

// WithClient дополняет запись адресом и User-Agent клиента.
func (e AuditEntry) WithClient(ci ClientInfo) AuditEntry {
	e.IPAddress = strPtr(ci.IPAddress)
	e.UserAgent = strPtr(ci.UserAgent)
	return e
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
