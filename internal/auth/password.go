package auth

import "golang.org/x/crypto/bcrypt"

// HashPassword 使用 bcrypt 对密码加盐哈希。
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

// CheckPasswordHash 验证密码与 bcrypt 哈希是否匹配，区分大小写。
func CheckPasswordHash(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
