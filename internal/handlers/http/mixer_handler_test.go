package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"rillmix/internal/core/domain"
	"rillmix/internal/core/ports"
	"rillmix/internal/infrastructure/middleware"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockMixer struct {
	mock.Mock
}

func (m *mockMixer) AddInput(ctx context.Context, id domain.InputID, url string, opts map[string]interface{}) error {
	return m.Called(ctx, id, url, opts).Error(0)
}

func (m *mockMixer) AddStreamInput(ctx context.Context, id domain.InputID, stream ports.SinkAddRemover, opts map[string]interface{}) error {
	return m.Called(ctx, id, stream, opts).Error(0)
}

func (m *mockMixer) SetInputOptions(ctx context.Context, id domain.InputID, opts map[string]interface{}) error {
	return m.Called(ctx, id, opts).Error(0)
}

func (m *mockMixer) RemoveInput(ctx context.Context, id domain.InputID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockMixer) AddOutput(ctx context.Context, id domain.OutputID, url string, opts map[string]interface{}) error {
	return m.Called(ctx, id, url, opts).Error(0)
}

func (m *mockMixer) SetOutputOptions(ctx context.Context, id domain.OutputID, opts map[string]interface{}) error {
	return m.Called(ctx, id, opts).Error(0)
}

func (m *mockMixer) RemoveOutput(ctx context.Context, id domain.OutputID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockMixer) SetOptions(ctx context.Context, opts map[string]interface{}) error {
	return m.Called(ctx, opts).Error(0)
}

func (m *mockMixer) Stats(ctx context.Context) (*domain.MixerStats, error) {
	args := m.Called(ctx)
	stats, _ := args.Get(0).(*domain.MixerStats)
	return stats, args.Error(1)
}

func newRouter(t *testing.T, mixer ports.MixerService, mws ...gin.HandlerFunc) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zaptest.NewLogger(t).Sugar()))
	NewMixerHandler(mixer).SetupRoutes(router, mws...)
	return router
}

func do(router *gin.Engine, method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if len(header) == 2 {
		req.Header.Set(header[0], header[1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestMixerHandler_Inputs(t *testing.T) {
	mixer := &mockMixer{}
	mixer.On("AddInput", mock.Anything, domain.InputID("cam"), "testsrc://cam", map[string]interface{}{"z": float64(1)}).Return(nil).Once()
	mixer.On("AddInput", mock.Anything, mock.AnythingOfType("domain.InputID"), "testsrc://anon", map[string]interface{}(nil)).Return(nil).Once()
	mixer.On("AddInput", mock.Anything, domain.InputID("dup"), "testsrc://dup", map[string]interface{}(nil)).Return(domain.ErrInputExists).Once()
	mixer.On("SetInputOptions", mock.Anything, domain.InputID("cam"), map[string]interface{}{"muted": true}).Return(nil).Once()
	mixer.On("RemoveInput", mock.Anything, domain.InputID("cam")).Return(nil).Once()
	mixer.On("RemoveInput", mock.Anything, domain.InputID("ghost")).Return(domain.ErrInputNotFound).Once()
	router := newRouter(t, mixer)

	w := do(router, http.MethodPost, "/api/v1/inputs", `{"id":"cam","url":"testsrc://cam","opts":{"z":1}}`)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"id":"cam"}`, w.Body.String())

	w = do(router, http.MethodPost, "/api/v1/inputs", `{"url":"testsrc://anon"}`)
	assert.Equal(t, http.StatusCreated, w.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created["id"])

	w = do(router, http.MethodPost, "/api/v1/inputs", `{"id":"dup","url":"testsrc://dup"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(router, http.MethodPost, "/api/v1/inputs", `{"id":"nourl"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodPatch, "/api/v1/inputs/cam/options", `{"muted":true}`)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(router, http.MethodPatch, "/api/v1/inputs/cam/options", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodDelete, "/api/v1/inputs/cam", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(router, http.MethodDelete, "/api/v1/inputs/ghost", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	mixer.AssertExpectations(t)
}

func TestMixerHandler_OutputsAndOptions(t *testing.T) {
	mixer := &mockMixer{}
	mixer.On("AddOutput", mock.Anything, domain.OutputID("yt"), "rtmp://live.example.com/app/key", map[string]interface{}{"vb": float64(2500)}).Return(nil).Once()
	mixer.On("AddOutput", mock.Anything, domain.OutputID("bad"), "udp://x", map[string]interface{}(nil)).Return(domain.ErrUnsupportedScheme).Once()
	mixer.On("SetOutputOptions", mock.Anything, domain.OutputID("yt"), map[string]interface{}{"ab": float64(128)}).Return(nil).Once()
	mixer.On("RemoveOutput", mock.Anything, domain.OutputID("yt")).Return(nil).Once()
	mixer.On("SetOptions", mock.Anything, map[string]interface{}{"bgcolor": float64(0x101010)}).Return(nil).Once()
	mixer.On("Stats", mock.Anything).Return(&domain.MixerStats{Width: 1280, Height: 720, VideoFramesComposed: 42}, nil).Once()
	router := newRouter(t, mixer)

	w := do(router, http.MethodPost, "/api/v1/outputs", `{"id":"yt","url":"rtmp://live.example.com/app/key","opts":{"vb":2500}}`)
	assert.Equal(t, http.StatusCreated, w.Code)

	w = do(router, http.MethodPost, "/api/v1/outputs", `{"id":"bad","url":"udp://x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodPatch, "/api/v1/outputs/yt/options", `{"ab":128}`)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(router, http.MethodDelete, "/api/v1/outputs/yt", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(router, http.MethodPatch, "/api/v1/options", `{"bgcolor":1052688}`)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(router, http.MethodPatch, "/api/v1/options", `[1]`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodGet, "/api/v1/stats", "")
	assert.Equal(t, http.StatusOK, w.Code)
	var stats domain.MixerStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, uint64(42), stats.VideoFramesComposed)

	mixer.AssertExpectations(t)
}

func TestMixerHandler_RequiresToken(t *testing.T) {
	authority := middleware.NewTokenAuthority("secret", time.Minute)
	mixer := &mockMixer{}
	mixer.On("Stats", mock.Anything).Return(&domain.MixerStats{}, nil)
	router := newRouter(t, mixer, middleware.AuthMiddleware(authority))

	w := do(router, http.MethodGet, "/api/v1/stats", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := authority.Issue("ops")
	require.NoError(t, err)
	w = do(router, http.MethodGet, "/api/v1/stats", "", "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthHandler_RefreshToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	authority := middleware.NewTokenAuthority("secret", time.Minute)
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zaptest.NewLogger(t).Sugar()))
	NewAuthHandler(authority, time.Minute).SetupRoutes(router)

	token, err := authority.Issue("ops")
	require.NoError(t, err)

	w := do(router, http.MethodPost, "/api/v1/auth/refresh", "", "Authorization", "Bearer "+token)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 60, body.ExpiresIn)
	claims, err := authority.Validate(body.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Operator)

	w = do(router, http.MethodPost, "/api/v1/auth/refresh", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
