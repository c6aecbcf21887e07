package models

// Credential 保存登录凭据，只存放在本地关系库中，从不进入副本存储。
type Credential struct {
	BaseModel
	UserID       string `gorm:"type:varchar(64);primaryKey" json:"userId"`
	LoginKey     string `gorm:"type:varchar(100);uniqueIndex;not null" json:"-"` // 规范化后的登录名
	PasswordHash string `gorm:"type:varchar(255);not null" json:"-"`
}

// TableName 指定 Credential 模型的表名。
func (Credential) TableName() string {
	return "credentials"
}
