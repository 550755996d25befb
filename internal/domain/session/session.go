// Package session реализует конечный автомат входа в пользовательский аккаунт по телефону:
// запрос кода → одноразовый код → (опционально) пароль 2FA. Результат входа
// (сериализованная MTProto-сессия) сохраняется в credential.Store под оператором.
//
// Попытка входа (Attempt) живёт только в памяти процесса и имеет явный срок годности;
// истечение проверяется лениво при следующем обращении.
package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"channel-cloner/internal/domain/credential"
	"channel-cloner/internal/infra/logger"

	"go.uber.org/zap"
)

// Stage: этап попытки входа.
type Stage string

const (
	StageIdle         Stage = "IDLE"
	StageAwaitingCode Stage = "AWAITING_CODE"
	StageAwaiting2FA  Stage = "AWAITING_2FA"
	StageComplete     Stage = "COMPLETE"
	StageFailed       Stage = "FAILED"
)

const (
	defaultTTL              = 5 * time.Minute
	defaultMaxCodeTries     = 3
	defaultMaxPasswordTries = 3
)

// Ошибки входа. Транспорт сообщает о решениях сервера теми же значениями.
var (
	ErrAlreadyLoggedIn  = errors.New("already logged in")
	ErrInvalidPhone     = errors.New("invalid phone number")
	ErrNoPendingLogin   = errors.New("no pending login")
	ErrLoginExpired     = errors.New("login expired, start again")
	ErrInvalidCode      = errors.New("login code is invalid")
	ErrInvalidPassword  = errors.New("2FA password is invalid")
	ErrPasswordRequired = errors.New("2FA password required")
	ErrLoginFailed      = errors.New("login failed")
	ErrNotLoggedIn      = errors.New("not logged in")
)

var (
	phoneRe    = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)
	separators = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "")
)

// Pending: непрозрачное состояние транспорта между шагами входа.
type Pending struct {
	PhoneCodeHash string
	Session       []byte
}

// Result: ответ транспорта на код или пароль.
type Result struct {
	// PasswordRequired: аккаунт защищён 2FA; Session содержит состояние для следующего шага.
	PasswordRequired bool
	Principal        int64
	Session          []byte
}

// LoginTransport: возможности транспорта, нужные автомату. Отказы сервера
// возвращаются как ErrInvalidPhone, ErrInvalidCode, ErrInvalidPassword, ErrLoginExpired.
type LoginTransport interface {
	RequestCode(ctx context.Context, phone string) (Pending, error)
	SignIn(ctx context.Context, p Pending, phone, code string) (Result, error)
	CheckPassword(ctx context.Context, p Pending, password string) (Result, error)
	LogOut(ctx context.Context, session []byte) error
}

// Attempt: незавершённая попытка входа оператора.
type Attempt struct {
	Phone            string
	Stage            Stage
	ExpiresAt        time.Time
	CodeAttempts     int
	PasswordAttempts int
	Reason           string // причина FAILED
	pending          Pending
}

// Status: ответ LoginStatus.
type Status struct {
	Stage     Stage
	Phone     string
	ExpiresAt time.Time
	Reason    string
	LoggedIn  bool
	Principal int64
}

// Option настраивает Manager.
type Option func(*Manager)

// WithTTL задаёт срок жизни попытки входа.
func WithTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// WithMaxAttempts задаёт число попыток ввода кода и пароля.
func WithMaxAttempts(code, password int) Option {
	return func(m *Manager) {
		if code > 0 {
			m.maxCode = code
		}
		if password > 0 {
			m.maxPassword = password
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager: автомат входа для всех операторов. Переходы одного оператора строго
// последовательны, разные операторы не блокируют друг друга.
type Manager struct {
	tr          LoginTransport
	creds       credential.Store
	now         func() time.Time
	ttl         time.Duration
	maxCode     int
	maxPassword int

	mu       sync.Mutex
	locks    map[int64]*operatorLock
	attempts map[int64]*Attempt
}

// NewManager создаёт автомат поверх транспорта и хранилища учётных данных.
func NewManager(tr LoginTransport, creds credential.Store, opts ...Option) *Manager {
	m := &Manager{
		tr:          tr,
		creds:       creds,
		now:         time.Now,
		ttl:         defaultTTL,
		maxCode:     defaultMaxCodeTries,
		maxPassword: defaultMaxPasswordTries,
		locks:       make(map[int64]*operatorLock),
		attempts:    make(map[int64]*Attempt),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// operatorLock: мьютекс оператора и число его держателей (включая ожидающих).
type operatorLock struct {
	mu   sync.Mutex
	refs int
}

// lock захватывает мьютекс оператора и возвращает функцию освобождения.
// Запись удаляется из карты, когда её никто не держит и не ждёт.
func (m *Manager) lock(operator int64) func() {
	m.mu.Lock()
	l, ok := m.locks[operator]
	if !ok {
		l = &operatorLock{}
		m.locks[operator] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, operator)
		}
		m.mu.Unlock()
	}
}

func (m *Manager) attempt(operator int64) *Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[operator]
}

func (m *Manager) setAttempt(operator int64, a *Attempt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a == nil {
		delete(m.attempts, operator)
		return
	}
	m.attempts[operator] = a
}

// NormalizePhone приводит номер к виду +<цифры>; пробелы, дефисы и скобки допускаются.
func NormalizePhone(raw string) (string, error) {
	phone := separators.Replace(strings.TrimSpace(raw))
	if phone != "" && phone[0] != '+' {
		phone = "+" + phone
	}
	if !phoneRe.MatchString(phone) {
		return "", ErrInvalidPhone
	}
	return phone, nil
}

// StartLogin запрашивает код для phone. Новая попытка заменяет предыдущую.
// Без force при сохранённой пользовательской сессии возвращает ErrAlreadyLoggedIn.
func (m *Manager) StartLogin(ctx context.Context, operator int64, phone string, force bool) (Attempt, error) {
	normalized, err := NormalizePhone(phone)
	if err != nil {
		return Attempt{}, err
	}

	unlock := m.lock(operator)
	defer unlock()

	if !force {
		cred, getErr := m.creds.Get(ctx, operator)
		switch {
		case getErr == nil && cred.Mode == credential.ModeUser && cred.Valid():
			return Attempt{}, ErrAlreadyLoggedIn
		case getErr != nil && !errors.Is(getErr, credential.ErrNotFound):
			return Attempt{}, fmt.Errorf("load credential: %w", getErr)
		}
	}

	pending, err := m.tr.RequestCode(ctx, normalized)
	if err != nil {
		return Attempt{}, err
	}

	a := &Attempt{
		Phone:     normalized,
		Stage:     StageAwaitingCode,
		ExpiresAt: m.now().Add(m.ttl),
		pending:   pending,
	}
	m.setAttempt(operator, a)
	logger.Info("login code requested", zap.Int64("operator", operator), zap.Time("expires_at", a.ExpiresAt))
	return *a, nil
}

// SubmitCode проверяет одноразовый код. Возвращает новый этап: COMPLETE или AWAITING_2FA.
// На неверный код возвращает ErrInvalidCode (этап не меняется), после исчерпания попыток ErrLoginFailed.
func (m *Manager) SubmitCode(ctx context.Context, operator int64, code string) (Stage, error) {
	unlock := m.lock(operator)
	defer unlock()

	a, err := m.pendingAttempt(operator, StageAwaitingCode)
	if err != nil {
		return StageIdle, err
	}

	// Код иногда присылают с пробелами, чтобы Telegram не аннулировал его в пересылке.
	code = separators.Replace(strings.TrimSpace(code))
	res, err := m.tr.SignIn(ctx, a.pending, a.Phone, code)
	switch {
	case errors.Is(err, ErrInvalidCode):
		a.CodeAttempts++
		if a.CodeAttempts >= m.maxCode {
			m.fail(operator, a, "too many invalid codes")
			return StageFailed, fmt.Errorf("%w: %w", ErrLoginFailed, ErrInvalidCode)
		}
		return StageAwaitingCode, ErrInvalidCode
	case errors.Is(err, ErrLoginExpired):
		m.fail(operator, a, "code expired")
		return StageFailed, ErrLoginExpired
	case err != nil:
		return a.Stage, err
	case res.PasswordRequired:
		a.Stage = StageAwaiting2FA
		a.pending.Session = res.Session
		logger.Info("login requires 2FA password", zap.Int64("operator", operator))
		return StageAwaiting2FA, nil
	}
	return m.complete(ctx, operator, a, res)
}

// SubmitPassword проверяет пароль 2FA; контракт аналогичен SubmitCode.
func (m *Manager) SubmitPassword(ctx context.Context, operator int64, password string) (Stage, error) {
	unlock := m.lock(operator)
	defer unlock()

	a, err := m.pendingAttempt(operator, StageAwaiting2FA)
	if err != nil {
		return StageIdle, err
	}

	res, err := m.tr.CheckPassword(ctx, a.pending, password)
	switch {
	case errors.Is(err, ErrInvalidPassword):
		a.PasswordAttempts++
		if a.PasswordAttempts >= m.maxPassword {
			m.fail(operator, a, "too many invalid passwords")
			return StageFailed, fmt.Errorf("%w: %w", ErrLoginFailed, ErrInvalidPassword)
		}
		return StageAwaiting2FA, ErrInvalidPassword
	case errors.Is(err, ErrLoginExpired):
		m.fail(operator, a, "session expired")
		return StageFailed, ErrLoginExpired
	case err != nil:
		return a.Stage, err
	}
	return m.complete(ctx, operator, a, res)
}

// pendingAttempt возвращает попытку на этапе want, попутно проверяя срок годности.
func (m *Manager) pendingAttempt(operator int64, want Stage) (*Attempt, error) {
	a := m.attempt(operator)
	if a == nil || a.Stage != want {
		return nil, ErrNoPendingLogin
	}
	if !m.now().Before(a.ExpiresAt) {
		m.fail(operator, a, "expired")
		return nil, ErrLoginExpired
	}
	return a, nil
}

func (m *Manager) fail(operator int64, a *Attempt, reason string) {
	a.Stage = StageFailed
	a.Reason = reason
	a.pending = Pending{}
	logger.Warn("login failed", zap.Int64("operator", operator), zap.String("reason", reason))
}

func (m *Manager) complete(ctx context.Context, operator int64, a *Attempt, res Result) (Stage, error) {
	now := m.now()
	cred := credential.Credential{
		Principal:  res.Principal,
		Mode:       credential.ModeUser,
		Session:    res.Session,
		Phone:      a.Phone,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	if !cred.Valid() {
		m.fail(operator, a, "transport returned empty session")
		return StageFailed, ErrLoginFailed
	}
	if err := m.creds.Put(ctx, operator, cred); err != nil {
		return a.Stage, fmt.Errorf("store credential: %w", err)
	}
	m.setAttempt(operator, nil)
	logger.Info("login complete", zap.Int64("operator", operator), zap.Int64("principal", res.Principal))
	return StageComplete, nil
}

// Logout удаляет сохранённые учётные данные и незавершённую попытку. Серверная
// сессия пользователя завершается по возможности; её ошибка только логируется.
func (m *Manager) Logout(ctx context.Context, operator int64) error {
	unlock := m.lock(operator)
	defer unlock()

	hadAttempt := m.attempt(operator) != nil
	m.setAttempt(operator, nil)

	cred, err := m.creds.Get(ctx, operator)
	if errors.Is(err, credential.ErrNotFound) {
		if hadAttempt {
			return nil
		}
		return ErrNotLoggedIn
	}
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	if cred.Mode == credential.ModeUser && len(cred.Session) > 0 {
		if outErr := m.tr.LogOut(ctx, cred.Session); outErr != nil {
			logger.Warn("server-side logout failed", zap.Int64("operator", operator), zap.Error(outErr))
		}
	}
	if err := m.creds.Delete(ctx, operator); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	logger.Info("logged out", zap.Int64("operator", operator))
	return nil
}

// LoginStatus сообщает этап попытки и наличие сохранённой сессии.
func (m *Manager) LoginStatus(ctx context.Context, operator int64) (Status, error) {
	unlock := m.lock(operator)
	defer unlock()

	st := Status{Stage: StageIdle}
	if a := m.attempt(operator); a != nil {
		if a.Stage != StageFailed && !m.now().Before(a.ExpiresAt) {
			m.fail(operator, a, "expired")
		}
		st.Stage = a.Stage
		st.Phone = a.Phone
		st.ExpiresAt = a.ExpiresAt
		st.Reason = a.Reason
	}

	cred, err := m.creds.Get(ctx, operator)
	switch {
	case err == nil:
		st.LoggedIn = cred.Mode == credential.ModeUser && cred.Valid()
		st.Principal = cred.Principal
		if st.Phone == "" {
			st.Phone = cred.Phone
		}
	case !errors.Is(err, credential.ErrNotFound):
		return st, fmt.Errorf("load credential: %w", err)
	}
	return st, nil
}
