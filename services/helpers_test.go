package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"fanbase/database"
	"fanbase/kick"
	"fanbase/utils"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testEncryptionKey = "0123456789abcdef0123456789abcdef"

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("Failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := database.Migrate(db); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	return db
}

func testCipher(t *testing.T) *utils.Cipher {
	t.Helper()
	c, err := utils.NewCipher(testEncryptionKey)
	if err != nil {
		t.Fatalf("Failed to create cipher: %v", err)
	}
	return c
}

type publishedEvent struct {
	UserID  string
	Topic   string
	Payload interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) Publish(userID, topic string, payload interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{UserID: userID, Topic: topic, Payload: payload})
}

func (p *recordingPublisher) topics(userID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		if e.UserID == userID {
			out = append(out, e.Topic)
		}
	}
	return out
}

type fakeKick struct {
	mu           sync.Mutex
	exchangeErr  error
	refreshErr   error
	refreshToken *kick.Token
	user         *kick.User
	exchanges    int
	refreshes    int
	lastVerifier string
}

func (f *fakeKick) AuthCodeURL(state, challenge string) string {
	return "https://id.kick.com/oauth/authorize?state=" + state + "&code_challenge=" + challenge
}

func (f *fakeKick) Exchange(_ context.Context, code, verifier string) (*kick.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges++
	f.lastVerifier = verifier
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return &kick.Token{AccessToken: "access-" + code, RefreshToken: "refresh-" + code, Expiry: time.Now().Add(time.Hour), Scopes: "user:read"}, nil
}

func (f *fakeKick) Refresh(_ context.Context, refreshToken string) (*kick.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	if f.refreshToken != nil {
		return f.refreshToken, nil
	}
	return &kick.Token{AccessToken: "refreshed-access", RefreshToken: refreshToken, Expiry: time.Now().Add(time.Hour)}, nil
}

func (f *fakeKick) GetUser(_ context.Context, accessToken string) (*kick.User, error) {
	if f.user != nil {
		return f.user, nil
	}
	return &kick.User{ID: "9001", Username: "FanOne", Email: "fan@example.com", ProfilePicture: "https://cdn.example.com/p.png"}, nil
}

func (f *fakeKick) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

func newTestLinkService(t *testing.T, db *gorm.DB, provider KickProvider, pub Publisher) *LinkService {
	t.Helper()
	log := zap.NewNop()
	return NewLinkService(db, provider, testCipher(t), utils.NewAuditor(db, log), pub, log, 10*time.Minute)
}
