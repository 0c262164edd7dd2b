// Package activity records and lists the per-user audit trail.
package activity

// Log types
const (
	TypeLogin              = "login"
	TypeLogout             = "logout"
	TypeLoginFailed        = "login_failed"
	TypePasswordChange     = "password_change"
	TypeProfileUpdate      = "profile_update"
	TypeProfileImageUpdate = "profile_image_update"
	TypeUserRegistered     = "user_registered"
	TypeUserCreated        = "user_created"
	TypeUserUpdated        = "user_updated"
	TypeUserDeleted        = "user_deleted"
	TypeDeviceAdd          = "device_add"
	TypeDeviceEdit         = "device_edit"
	TypeDeviceDelete       = "device_delete"
	TypePermissionUpdate   = "permission_update"
	TypeAccountLocked      = "account_locked"
	TypeAccountUnlocked    = "account_unlocked"
	TypeBulkAction         = "bulk_action"
	TypeExportData         = "export_data"
	TypeSystemAccess       = "system_access"
	TypeAdminAction        = "admin_action"
)

// LogType is a catalogue entry
type LogType struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Types lists every log type in display order
var Types = []LogType{
	{TypeLogin, "Giriş Yapıldı"},
	{TypeLogout, "Çıkış Yapıldı"},
	{TypeLoginFailed, "Başarısız Giriş"},
	{TypePasswordChange, "Şifre Değiştirildi"},
	{TypeProfileUpdate, "Profil Güncellendi"},
	{TypeProfileImageUpdate, "Profil Resmi Güncellendi"},
	{TypeUserRegistered, "Kullanıcı Kaydoldu"},
	{TypeUserCreated, "Kullanıcı Oluşturuldu"},
	{TypeUserUpdated, "Kullanıcı Güncellendi"},
	{TypeUserDeleted, "Kullanıcı Silindi"},
	{TypeDeviceAdd, "Cihaz Eklendi"},
	{TypeDeviceEdit, "Cihaz Düzenlendi"},
	{TypeDeviceDelete, "Cihaz Silindi"},
	{TypePermissionUpdate, "Yetki Güncellendi"},
	{TypeAccountLocked, "Hesap Kilitlendi"},
	{TypeAccountUnlocked, "Hesap Açıldı"},
	{TypeBulkAction, "Toplu İşlem"},
	{TypeExportData, "Veri Dışa Aktarıldı"},
	{TypeSystemAccess, "Sistem Erişimi"},
	{TypeAdminAction, "Admin İşlemi"},
}

var labels = func() map[string]string {
	m := make(map[string]string, len(Types))
	for _, t := range Types {
		m[t.Value] = t.Label
	}
	return m
}()

// IsValidType reports whether t is a known log type
func IsValidType(t string) bool {
	_, ok := labels[t]
	return ok
}

// Label returns the display name of a log type, or the type itself when unknown
func Label(t string) string {
	if l, ok := labels[t]; ok {
		return l
	}
	return t
}
