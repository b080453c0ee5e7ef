package syncengine

import (
	"context"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/portalsync_backend/models"
	"gorm.io/gorm"
)

// connectionTokenSource backs the ledger client's token handling with the
// Connection row, so every refresh is durably persisted before any caller
// proceeds with the new pair. The mutex guards the in-memory Connection
// fields: product replays read tokens from goroutines while a refresh writes
// them, and an access token must never be observed torn from its expiry.
type connectionTokenSource struct {
	mu   sync.Mutex
	db   *gorm.DB
	conn *models.Connection
}

func newConnectionTokenSource(db *gorm.DB, conn *models.Connection) *connectionTokenSource {
	return &connectionTokenSource{db: db, conn: conn}
}

func (s *connectionTokenSource) Tokens() (string, string, *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.AccessToken, s.conn.RefreshToken, s.conn.TokenExpiresAt
}

func (s *connectionTokenSource) Save(ctx context.Context, accessToken, refreshToken string, expiresIn, refreshExpiresIn int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.SaveTokens(ctx, s.db, accessToken, refreshToken, expiresIn, refreshExpiresIn)
}

// RefreshRejected is called by the ledger client when the authorization
// server refuses the refresh token. The connection is flagged so the status
// endpoint surfaces it and the sweep stops hammering a dead tenant.
func (s *connectionTokenSource) RefreshRejected(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.MarkAuthError(ctx, s.db)
}
