// Package session управляет жизненным циклом сессии пользователя клиента.
//
// Сессия хранится в памяти и дублируется в хранилище ключ-значение под ключами
// auth_token и user. Оба ключа записываются и удаляются вместе: сессия считается
// активной только при наличии и пользователя, и непустого токена.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mmeshcher/raw2insight/internal/model"
	"github.com/mmeshcher/raw2insight/internal/repository"
)

// Ключи хранилища.
const (
	TokenKey = "auth_token"
	UserKey  = "user"
)

// Сообщения уведомлений.
const (
	MsgLoginSuccess  = "Login successful!"
	MsgSignupSuccess = "Account created successfully!"
	MsgLogoutSuccess = "Logged out successfully"
	MsgAuthFailed    = "Authentication failed. Please login again."
)

// ErrNotAuthenticated возвращается операциями, которым нужна активная сессия.
var ErrNotAuthenticated = errors.New("not authenticated")

// Authenticator: вызовы бэкенда, которые нужны менеджеру сессии.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (*model.AuthResponse, error)
	Signup(ctx context.Context, email, password, fullName string) (*model.AuthResponse, error)
	Me(ctx context.Context) (*model.User, error)
}

// Notifier показывает пользователю кратковременные уведомления.
type Notifier interface {
	Success(msg string)
	Error(msg string)
}

// NopNotifier ничего не показывает.
type NopNotifier struct{}

func (NopNotifier) Success(string) {}
func (NopNotifier) Error(string)   {}

// State: снимок состояния сессии.
type State struct {
	User            *model.User
	IsAuthenticated bool
	Loading         bool
}

// Manager владеет сессией пользователя.
type Manager struct {
	store    repository.Store
	auth     Authenticator
	notifier Notifier
	logger   *zap.Logger

	mu      sync.RWMutex
	user    *model.User
	token   string
	loading bool
}

// NewManager создаёт менеджер сессии. До вызова Initialize менеджер находится в состоянии загрузки.
func NewManager(store repository.Store, auth Authenticator, notifier Notifier, logger *zap.Logger) *Manager {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:    store,
		auth:     auth,
		notifier: notifier,
		logger:   logger,
		loading:  true,
	}
}

// Initialize восстанавливает сессию из хранилища и проверяет её на бэкенде.
// Возвращает причину, по которой сохранённая сессия была отброшена, или nil.
func (m *Manager) Initialize(ctx context.Context) error {
	defer m.setLoading(false)

	token, user, err := m.readPersisted(ctx)
	if err != nil {
		m.logger.Warn("persisted session is unusable", zap.Error(err))
		m.purge(ctx)
		return err
	}
	if token == "" || user == nil {
		return nil
	}

	// Оптимистично считаем сессию действующей до ответа бэкенда.
	m.setSession(user, token)

	fresh, err := m.auth.Me(ctx)
	if err != nil {
		m.logger.Info("session verification failed", zap.Error(err))
		m.purge(ctx)
		return fmt.Errorf("verify session: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Сессию могли сбросить по 401, пока шёл запрос: тогда пользователя не сохраняем.
	if m.token != token {
		return nil
	}
	m.user = fresh
	if err := m.writeUser(ctx, fresh); err != nil {
		m.logger.Warn("persist refreshed user", zap.Error(err))
	}
	return nil
}

// Login выполняет вход. При ошибке состояние не меняется.
func (m *Manager) Login(ctx context.Context, email, password string) (*model.AuthResponse, error) {
	resp, err := m.auth.Login(ctx, email, password)
	if err != nil {
		m.notifier.Error(err.Error())
		return nil, err
	}
	if err := m.establish(ctx, resp); err != nil {
		m.notifier.Error(err.Error())
		return nil, err
	}
	m.notifier.Success(MsgLoginSuccess)
	return resp, nil
}

// Signup регистрирует пользователя и сразу открывает сессию.
func (m *Manager) Signup(ctx context.Context, email, password, fullName string) (*model.AuthResponse, error) {
	resp, err := m.auth.Signup(ctx, email, password, fullName)
	if err != nil {
		m.notifier.Error(err.Error())
		return nil, err
	}
	if err := m.establish(ctx, resp); err != nil {
		m.notifier.Error(err.Error())
		return nil, err
	}
	m.notifier.Success(MsgSignupSuccess)
	return resp, nil
}

// Logout завершает сессию локально. Повторный вызов безопасен.
func (m *Manager) Logout(ctx context.Context) {
	m.purge(ctx)
	m.notifier.Success(MsgLogoutSuccess)
}

// HandleUnauthorized сбрасывает сессию после ответа 401 от любого эндпоинта.
func (m *Manager) HandleUnauthorized() {
	m.logger.Info("unauthorized response, dropping session")
	m.purge(context.Background())
	m.notifier.Error(MsgAuthFailed)
}

// Token возвращает текущий bearer-токен или пустую строку.
func (m *Manager) Token(context.Context) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

// State возвращает снимок состояния.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := State{Loading: m.loading}
	if m.user != nil && m.token != "" {
		u := *m.user
		st.User = &u
		st.IsAuthenticated = true
	}
	return st
}

// IsAuthenticated сообщает, есть ли активная сессия.
func (m *Manager) IsAuthenticated() bool {
	return m.State().IsAuthenticated
}

// RequireAuth возвращает ErrNotAuthenticated, если сессии нет.
func (m *Manager) RequireAuth() error {
	if !m.IsAuthenticated() {
		return ErrNotAuthenticated
	}
	return nil
}

func (m *Manager) establish(ctx context.Context, resp *model.AuthResponse) error {
	if resp == nil || resp.AccessToken == "" {
		return errors.New("backend returned an empty access token")
	}
	user := resp.User

	if err := m.writePersisted(ctx, resp.AccessToken, &user); err != nil {
		m.logger.Error("persist session", zap.Error(err))
		return fmt.Errorf("save session: %w", err)
	}
	m.setSession(&user, resp.AccessToken)
	return nil
}

func (m *Manager) setSession(user *model.User, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.user = user
	m.token = token
}

func (m *Manager) setLoading(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loading = v
}

// purge очищает и память, и хранилище. Ошибки хранилища только логируются.
func (m *Manager) purge(ctx context.Context) {
	m.mu.Lock()
	m.user = nil
	m.token = ""
	m.mu.Unlock()

	if err := m.store.Remove(ctx, TokenKey); err != nil {
		m.logger.Warn("remove persisted token", zap.Error(err))
	}
	if err := m.store.Remove(ctx, UserKey); err != nil {
		m.logger.Warn("remove persisted user", zap.Error(err))
	}
}

func (m *Manager) readPersisted(ctx context.Context) (string, *model.User, error) {
	token, hasToken, err := m.store.Get(ctx, TokenKey)
	if err != nil {
		return "", nil, fmt.Errorf("read token: %w", err)
	}
	raw, hasUser, err := m.store.Get(ctx, UserKey)
	if err != nil {
		return "", nil, fmt.Errorf("read user: %w", err)
	}

	if !hasToken || !hasUser || token == "" || raw == "" {
		if hasToken || hasUser {
			return "", nil, errors.New("incomplete persisted session")
		}
		return "", nil, nil
	}

	var user model.User
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		return "", nil, fmt.Errorf("decode persisted user: %w", err)
	}
	return token, &user, nil
}

func (m *Manager) writePersisted(ctx context.Context, token string, user *model.User) error {
	if err := m.store.Set(ctx, TokenKey, token); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	if err := m.writeUser(ctx, user); err != nil {
		// Токен без пользователя оставлять нельзя.
		_ = m.store.Remove(ctx, TokenKey)
		return err
	}
	return nil
}

func (m *Manager) writeUser(ctx context.Context, user *model.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	if err := m.store.Set(ctx, UserKey, string(data)); err != nil {
		return fmt.Errorf("write user: %w", err)
	}
	return nil
}
