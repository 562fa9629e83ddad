package handlers

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"messenger-service/internal/auth"
	"messenger-service/internal/mocks"
	"messenger-service/internal/models"
	"messenger-service/internal/repositories"
)

func setupUserRouter(handler *UserHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("userID", int64(1))
		c.Next()
	})
	r.GET("/users/search", handler.Search)
	r.GET("/users/me", handler.Me)
	r.PATCH("/users/me", handler.UpdateProfile)
	r.PATCH("/users/me/privacy", handler.UpdatePrivacy)
	r.PUT("/users/me/password", handler.ChangePassword)
	return r
}

func TestSearchEmptyQuery(t *testing.T) {
	userRepo := new(mocks.UserRepositoryMock)
	handler := NewUserHandler(userRepo, nil)
	router := setupUserRouter(handler)

	req := httptest.NewRequest(http.MethodGet, "/users/search", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	userRepo.AssertNotCalled(t, "Search", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSearchAppliesPrivacy(t *testing.T) {
	userRepo := new(mocks.UserRepositoryMock)
	handler := NewUserHandler(userRepo, nil)
	router := setupUserRouter(handler)

	userRepo.On("Search", mock.Anything, "bo", int64(1), searchLimit).
		Return([]models.User{{ID: 2, Username: "bob", IsOnline: true, HideOnlineStatus: true}}, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/users/search?q=bo", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"is_online":false`, "hidden online status must read offline")
}

func TestMeIncludesPrivacySettings(t *testing.T) {
	userRepo := new(mocks.UserRepositoryMock)
	handler := NewUserHandler(userRepo, nil)
	router := setupUserRouter(handler)

	userRepo.On("GetByID", mock.Anything, int64(1)).
		Return(models.User{ID: 1, Username: "alice", HideLastSeen: true}, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/users/me", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"hide_last_seen":true`)
}

func TestUpdateProfilePatchesOnlyProvidedFields(t *testing.T) {
	userRepo := new(mocks.UserRepositoryMock)
	handler := NewUserHandler(userRepo, nil)
	router := setupUserRouter(handler)

	bio := "hello"
	userRepo.On("UpdateProfile", mock.Anything, int64(1), repositories.ProfilePatch{Bio: &bio}).
		Return(models.User{ID: 1, Bio: "hello"}, nil).Once()

	req := httptest.NewRequest(http.MethodPatch, "/users/me", bytes.NewBufferString(`{"bio":"hello"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	userRepo.AssertExpectations(t)
}

func TestUpdatePrivacyRejectsUnknownValue(t *testing.T) {
	userRepo := new(mocks.UserRepositoryMock)
	handler := NewUserHandler(userRepo, nil)
	router := setupUserRouter(handler)

	req := httptest.NewRequest(http.MethodPatch, "/users/me/privacy", bytes.NewBufferString(`{"who_can_message":"friends"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	userRepo.AssertNotCalled(t, "UpdatePrivacy", mock.Anything, mock.Anything, mock.Anything)
}

func TestUpdatePrivacySuccess(t *testing.T) {
	userRepo := new(mocks.UserRepositoryMock)
	handler := NewUserHandler(userRepo, nil)
	router := setupUserRouter(handler)

	hide := true
	userRepo.On("UpdatePrivacy", mock.Anything, int64(1), repositories.PrivacyPatch{HideLastSeen: &hide}).
		Return(models.User{ID: 1, HideLastSeen: true}, nil).Once()

	req := httptest.NewRequest(http.MethodPatch, "/users/me/privacy", bytes.NewBufferString(`{"hide_last_seen":true}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	userRepo.AssertExpectations(t)
}

func TestChangePasswordWrongCurrent(t *testing.T) {
	hash, err := auth.HashPassword("oldpassword")
	require.NoError(t, err)

	userRepo := new(mocks.UserRepositoryMock)
	handler := NewUserHandler(userRepo, nil)
	router := setupUserRouter(handler)

	userRepo.On("GetByID", mock.Anything, int64(1)).
		Return(models.User{ID: 1, PasswordHash: hash}, nil).Once()

	req := httptest.NewRequest(http.MethodPut, "/users/me/password", bytes.NewBufferString(`{"current_password":"nottheone","new_password":"newpassword"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	userRepo.AssertNotCalled(t, "UpdatePassword", mock.Anything, mock.Anything, mock.Anything)
}

func TestChangePasswordSuccess(t *testing.T) {
	hash, err := auth.HashPassword("oldpassword")
	require.NoError(t, err)

	userRepo := new(mocks.UserRepositoryMock)
	handler := NewUserHandler(userRepo, nil)
	router := setupUserRouter(handler)

	userRepo.On("GetByID", mock.Anything, int64(1)).
		Return(models.User{ID: 1, PasswordHash: hash}, nil).Once()
	userRepo.On("UpdatePassword", mock.Anything, int64(1), mock.Anything).Return(nil).Once()

	req := httptest.NewRequest(http.MethodPut, "/users/me/password", bytes.NewBufferString(`{"current_password":"oldpassword","new_password":"newpassword"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	userRepo.AssertExpectations(t)
}
