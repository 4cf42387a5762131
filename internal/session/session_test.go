package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/raw2insight/internal/model"
	"github.com/mmeshcher/raw2insight/internal/repository"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Success(msg string) { m.Called(msg) }
func (m *mockNotifier) Error(msg string)   { m.Called(msg) }

type stubAuth struct {
	loginResp  *model.AuthResponse
	loginErr   error
	signupResp *model.AuthResponse
	signupErr  error
	me         *model.User
	meErr      error
	onMe       func()
}

func (s *stubAuth) Login(context.Context, string, string) (*model.AuthResponse, error) {
	return s.loginResp, s.loginErr
}

func (s *stubAuth) Signup(context.Context, string, string, string) (*model.AuthResponse, error) {
	return s.signupResp, s.signupErr
}

func (s *stubAuth) Me(context.Context) (*model.User, error) {
	if s.onMe != nil {
		s.onMe()
	}
	return s.me, s.meErr
}

type failingStore struct {
	*repository.MemoryStore
	failKey string
}

func (f *failingStore) Set(ctx context.Context, key, value string) error {
	if key == f.failKey {
		return errors.New("disk full")
	}
	return f.MemoryStore.Set(ctx, key, value)
}

func persistedUser(t *testing.T, u model.User) string {
	t.Helper()
	data, err := json.Marshal(u)
	require.NoError(t, err)
	return string(data)
}

func assertPersisted(t *testing.T, store repository.Store, want bool) {
	t.Helper()
	ctx := context.Background()
	_, hasToken, err := store.Get(ctx, TokenKey)
	require.NoError(t, err)
	_, hasUser, err := store.Get(ctx, UserKey)
	require.NoError(t, err)
	assert.Equal(t, want, hasToken, "token presence")
	assert.Equal(t, want, hasUser, "user presence")
}

func TestLogin_PersistsTokenAndUser(t *testing.T) {
	store := repository.NewMemoryStore()
	notifier := &mockNotifier{}
	notifier.On("Success", MsgLoginSuccess).Once()

	auth := &stubAuth{loginResp: &model.AuthResponse{
		AccessToken: "tok",
		TokenType:   "bearer",
		User:        model.User{ID: 1, Email: "a@b.io", FullName: "Ann"},
	}}
	m := NewManager(store, auth, notifier, nil)

	_, err := m.Login(context.Background(), "a@b.io", "secret")
	require.NoError(t, err)

	st := m.State()
	assert.True(t, st.IsAuthenticated)
	assert.Equal(t, "a@b.io", st.User.Email)
	assert.Equal(t, "tok", m.Token(context.Background()))

	token, _, _ := store.Get(context.Background(), TokenKey)
	assert.Equal(t, "tok", token)
	assertPersisted(t, store, true)
	notifier.AssertExpectations(t)
}

func TestLogin_FailureLeavesStateUntouched(t *testing.T) {
	store := repository.NewMemoryStore()
	notifier := &mockNotifier{}
	notifier.On("Error", "Incorrect email or password").Once()

	m := NewManager(store, &stubAuth{loginErr: errors.New("Incorrect email or password")}, notifier, nil)

	_, err := m.Login(context.Background(), "a@b.io", "wrong")
	require.Error(t, err)
	assert.False(t, m.IsAuthenticated())
	assert.Equal(t, "", m.Token(context.Background()))
	assertPersisted(t, store, false)
	notifier.AssertExpectations(t)
}

func TestSignup_PersistFailureRollsBack(t *testing.T) {
	store := &failingStore{MemoryStore: repository.NewMemoryStore(), failKey: UserKey}
	notifier := &mockNotifier{}
	notifier.On("Error", mock.AnythingOfType("string")).Once()

	auth := &stubAuth{signupResp: &model.AuthResponse{AccessToken: "tok", User: model.User{ID: 2}}}
	m := NewManager(store, auth, notifier, nil)

	_, err := m.Signup(context.Background(), "a@b.io", "secret", "Ann")
	require.Error(t, err)
	assert.False(t, m.IsAuthenticated())
	assertPersisted(t, store, false)
	notifier.AssertExpectations(t)
}

func TestSignup_OK(t *testing.T) {
	store := repository.NewMemoryStore()
	notifier := &mockNotifier{}
	notifier.On("Success", MsgSignupSuccess).Once()

	auth := &stubAuth{signupResp: &model.AuthResponse{AccessToken: "tok", User: model.User{ID: 3, FullName: "Ann"}}}
	m := NewManager(store, auth, notifier, nil)

	_, err := m.Signup(context.Background(), "a@b.io", "secret", "Ann")
	require.NoError(t, err)
	assert.True(t, m.IsAuthenticated())
	assertPersisted(t, store, true)
	notifier.AssertExpectations(t)
}

func TestLogout_Idempotent(t *testing.T) {
	store := repository.NewMemoryStore()
	notifier := &mockNotifier{}
	notifier.On("Success", MsgLoginSuccess).Once()
	notifier.On("Success", MsgLogoutSuccess).Twice()

	auth := &stubAuth{loginResp: &model.AuthResponse{AccessToken: "tok", User: model.User{ID: 1}}}
	m := NewManager(store, auth, notifier, nil)

	_, err := m.Login(context.Background(), "a@b.io", "secret")
	require.NoError(t, err)

	m.Logout(context.Background())
	m.Logout(context.Background())

	assert.False(t, m.IsAuthenticated())
	assertPersisted(t, store, false)
	notifier.AssertExpectations(t)
}

func TestHandleUnauthorized_Purges(t *testing.T) {
	store := repository.NewMemoryStore()
	notifier := &mockNotifier{}
	notifier.On("Success", MsgLoginSuccess).Once()
	notifier.On("Error", MsgAuthFailed).Once()

	auth := &stubAuth{loginResp: &model.AuthResponse{AccessToken: "tok", User: model.User{ID: 1}}}
	m := NewManager(store, auth, notifier, nil)

	_, err := m.Login(context.Background(), "a@b.io", "secret")
	require.NoError(t, err)

	m.HandleUnauthorized()

	assert.False(t, m.IsAuthenticated())
	assert.ErrorIs(t, m.RequireAuth(), ErrNotAuthenticated)
	assertPersisted(t, store, false)
	notifier.AssertExpectations(t)
}

func TestInitialize(t *testing.T) {
	stored := model.User{ID: 1, Email: "old@b.io"}
	fresh := model.User{ID: 1, Email: "new@b.io"}

	tests := []struct {
		name     string
		token    string
		user     string
		auth     *stubAuth
		wantAuth bool
		wantErr  bool
		wantMail string
	}{
		{
			name:     "nothing persisted",
			auth:     &stubAuth{},
			wantAuth: false,
		},
		{
			name:     "valid session refreshed",
			token:    "tok",
			user:     persistedUser(t, stored),
			auth:     &stubAuth{me: &fresh},
			wantAuth: true,
			wantMail: "new@b.io",
		},
		{
			name:    "rejected by backend",
			token:   "tok",
			user:    persistedUser(t, stored),
			auth:    &stubAuth{meErr: errors.New("Could not validate credentials")},
			wantErr: true,
		},
		{
			name:    "token without user",
			token:   "tok",
			auth:    &stubAuth{},
			wantErr: true,
		},
		{
			name:    "corrupt user record",
			token:   "tok",
			user:    "{not json",
			auth:    &stubAuth{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := repository.NewMemoryStore()
			if tt.token != "" {
				require.NoError(t, store.Set(ctx, TokenKey, tt.token))
			}
			if tt.user != "" {
				require.NoError(t, store.Set(ctx, UserKey, tt.user))
			}

			m := NewManager(store, tt.auth, nil, nil)
			assert.True(t, m.State().Loading)

			err := m.Initialize(ctx)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}

			st := m.State()
			assert.False(t, st.Loading)
			assert.Equal(t, tt.wantAuth, st.IsAuthenticated)
			assertPersisted(t, store, tt.wantAuth)
			if tt.wantMail != "" {
				assert.Equal(t, tt.wantMail, st.User.Email)
			}
		})
	}
}

func TestInitialize_OptimisticWhileVerifying(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	require.NoError(t, store.Set(ctx, TokenKey, "tok"))
	require.NoError(t, store.Set(ctx, UserKey, persistedUser(t, model.User{ID: 9})))

	var m *Manager
	var during State
	auth := &stubAuth{
		me:   &model.User{ID: 9},
		onMe: func() { during = m.State() },
	}
	m = NewManager(store, auth, nil, nil)

	require.NoError(t, m.Initialize(ctx))
	assert.True(t, during.IsAuthenticated)
	assert.True(t, during.Loading)
	assert.Equal(t, "tok", m.Token(ctx))
}

func TestInitialize_PurgedWhileVerifying(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	require.NoError(t, store.Set(ctx, TokenKey, "tok"))
	require.NoError(t, store.Set(ctx, UserKey, persistedUser(t, model.User{ID: 9})))

	var m *Manager
	auth := &stubAuth{
		me: &model.User{ID: 9, Email: "fresh@example.com"},
		// Параллельный запрос получил 401, пока шла проверка сессии.
		onMe: func() { m.HandleUnauthorized() },
	}
	m = NewManager(store, auth, nil, nil)

	require.NoError(t, m.Initialize(ctx))
	assert.False(t, m.IsAuthenticated())
	assertPersisted(t, store, false)
}
