package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fedutinova/mockinterview/internal/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "test-secret"
	testIssuer = "mockinterview-test"
)

func TestNewToken_ContainsClaims(t *testing.T) {
	subject := uuid.New().String()
	roles := []string{"user", "tester"}

	tokenStr, err := NewToken(testSecret, testIssuer, subject, roles, 2*time.Minute)
	require.NoError(t, err)

	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	_, err = parser.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		return []byte(testSecret), nil
	})
	require.NoError(t, err)

	assert.Equal(t, testIssuer, claims.Issuer)
	assert.Equal(t, subject, claims.UserID)
	assert.Equal(t, subject, claims.Sub)
	assert.Equal(t, roles, claims.Roles)
	require.NotNil(t, claims.ExpiresAt)
	require.NotNil(t, claims.IssuedAt)
	assert.True(t, claims.ExpiresAt.After(claims.IssuedAt.Time))
}

func TestParseToken(t *testing.T) {
	good, err := NewToken(testSecret, testIssuer, "U1", []string{"user"}, time.Minute)
	require.NoError(t, err)
	expired, err := NewToken(testSecret, testIssuer, "U1", []string{"user"}, -time.Minute)
	require.NoError(t, err)
	otherIssuer, err := NewToken(testSecret, "someone-else", "U1", []string{"user"}, time.Minute)
	require.NoError(t, err)
	otherSecret, err := NewToken("other", testIssuer, "U1", []string{"user"}, time.Minute)
	require.NoError(t, err)

	cl, err := ParseToken(testSecret, testIssuer, "Bearer "+good)
	require.NoError(t, err)
	assert.Equal(t, "U1", cl.UserID)
	assert.False(t, cl.IsAdmin())

	_, err = ParseToken(testSecret, testIssuer, "")
	assert.ErrorIs(t, err, common.ErrUnauthorized)

	for name, tok := range map[string]string{"expired": expired, "issuer": otherIssuer, "secret": otherSecret, "garbage": "abc"} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseToken(testSecret, testIssuer, tok)
			assert.ErrorIs(t, err, common.ErrInvalidToken)
		})
	}
}

func TestRoles(t *testing.T) {
	assert.True(t, HasPerm([]string{"user"}, PermAnalysisSubmit))
	assert.False(t, HasPerm([]string{"user"}, PermQueueAdmin))
	assert.True(t, HasPerm([]string{"admin"}, PermQueueAdmin))
	assert.True(t, HasPerm([]string{"admin"}, "anything:else"))
	assert.False(t, HasPerm(nil, PermAnalysisReadOwn))

	admin := &Claims{Roles: []string{"admin"}}
	assert.True(t, admin.IsAdmin())
}

func TestMiddleware(t *testing.T) {
	userTok, _ := NewToken(testSecret, testIssuer, "U1", []string{"user"}, time.Minute)
	adminTok, _ := NewToken(testSecret, testIssuer, "A1", []string{"admin"}, time.Minute)

	h := JWTMiddleware(testSecret, testIssuer)(RequirePerm(PermQueueAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cl, ok := FromContext(r.Context())
		require.True(t, ok)
		w.Write([]byte(cl.UserID))
	})))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"missing perm", "Bearer " + userTok, http.StatusForbidden},
		{"admin", "Bearer " + adminTok, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/queue/stats", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status != http.StatusOK {
				var body struct {
					StatusCode int    `json:"statusCode"`
					Message    string `json:"message"`
				}
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.Equal(t, tt.status, body.StatusCode)
				assert.NotEmpty(t, body.Message)
			} else {
				assert.Equal(t, "A1", rec.Body.String())
			}
		})
	}
}
