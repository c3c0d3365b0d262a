package password

import (
	"errors"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
)

// MinLength 密码最短长度
const MinLength = 6

// ErrTooShort 密码长度不足
var ErrTooShort = errors.New("password must be at least 6 characters")

// Check 校验密码强度，bcrypt 只使用前72字节，超长同样拒绝
func Check(plain string) error {
	if utf8.RuneCountInString(plain) < MinLength {
		return ErrTooShort
	}
	if len(plain) > 72 {
		return errors.New("password must not exceed 72 bytes")
	}
	return nil
}

// Hash 生成密码哈希
func Hash(plain string) (string, error) {
	if err := Check(plain); err != nil {
		return "", err
	}
	bytes, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

// Verify 校验密码
func Verify(plain, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}
