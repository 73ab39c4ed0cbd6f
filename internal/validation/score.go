package validation

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// MaxUsernameLength ограничивает длину имени пользователя в таблице результатов.
const MaxUsernameLength = 64

var (
	// ErrEmptyUsername возвращается для пустого имени пользователя.
	ErrEmptyUsername = errors.New("username is empty")
	// ErrUsernameTooLong возвращается, если имя длиннее MaxUsernameLength символов.
	ErrUsernameTooLong = errors.New("username is too long")
	// ErrNegativeScore возвращается для отрицательного результата или уровня.
	ErrNegativeScore = errors.New("score and level must be non-negative")
)

// ValidateScore проверяет результат игры перед сохранением.
func ValidateScore(username string, score, level int64) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return ErrEmptyUsername
	}
	if utf8.RuneCountInString(username) > MaxUsernameLength {
		return ErrUsernameTooLong
	}
	if score < 0 || level < 0 {
		return ErrNegativeScore
	}
	return nil
}
