package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestIssuer(t *testing.T, ttl time.Duration) *Issuer {
	t.Helper()
	issuer, err := NewIssuer(GenerateSecureSecret(), ttl)
	if err != nil {
		t.Fatalf("Ошибка создания Issuer: %v", err)
	}
	return issuer
}

// TestGenerateAndValidate тестирует создание и проверку токена
func TestGenerateAndValidate(t *testing.T) {
	issuer := newTestIssuer(t, time.Hour)

	token, err := issuer.Generate("admin", true)
	if err != nil {
		t.Fatalf("Ошибка генерации JWT: %v", err)
	}
	if strings.Count(token, ".") != 2 {
		t.Errorf("Неверный формат JWT токена: %s", token)
	}

	claims, err := issuer.Validate(token)
	if err != nil {
		t.Fatalf("Валидный токен определен как недействительный: %v", err)
	}
	if claims.Username != "admin" || !claims.IsAdmin {
		t.Errorf("Неверные claims: %+v", claims)
	}
}

// TestValidateRejectsForeignAndExpired тестирует отклонение чужих и просроченных токенов
func TestValidateRejectsForeignAndExpired(t *testing.T) {
	issuer := newTestIssuer(t, time.Hour)
	other := newTestIssuer(t, time.Hour)

	foreign, err := other.Generate("admin", true)
	if err != nil {
		t.Fatalf("Ошибка генерации JWT: %v", err)
	}
	if _, err := issuer.Validate(foreign); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Токен с чужой подписью принят: %v", err)
	}

	expired := newTestIssuer(t, time.Nanosecond)
	token, _ := expired.Generate("admin", true)
	time.Sleep(10 * time.Millisecond)
	if _, err := expired.Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Просроченный токен принят: %v", err)
	}

	if _, err := issuer.Validate("not.a.token"); err == nil {
		t.Error("Мусорный токен принят")
	}
}

// TestNewIssuerSecrets тестирует разбор секрета
func TestNewIssuerSecrets(t *testing.T) {
	if _, err := NewIssuer("", 0); err != nil {
		t.Errorf("Пустой секрет должен давать случайный ключ: %v", err)
	}
	if _, err := NewIssuer("c2hvcnQ=", 0); err == nil {
		t.Error("Короткий секрет должен отклоняться")
	}
	if _, err := NewIssuer("%%%", 0); err == nil {
		t.Error("Некорректный base64 должен отклоняться")
	}
}

// TestAdminCredentials тестирует проверку пароля администратора
func TestAdminCredentials(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("Ошибка хеширования: %v", err)
	}
	creds := AdminCredentials{Username: "admin", PasswordHash: hash}

	if !creds.Verify("admin", "s3cret") {
		t.Error("Верный пароль отклонён")
	}
	if creds.Verify("admin", "wrong") {
		t.Error("Неверный пароль принят")
	}
	if creds.Verify("root", "s3cret") {
		t.Error("Неверное имя принято")
	}
	if (AdminCredentials{Username: "admin"}).Verify("admin", "") {
		t.Error("Вход без хеша должен быть отключён")
	}
}
