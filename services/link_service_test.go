package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"fanbase/kick"
	"fanbase/models"
	"fanbase/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stateFromURL(t *testing.T, raw string) (string, string) {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Query().Get("state"), u.Query().Get("code_challenge")
}

func TestInitiateKeepsOneAttemptPerUser(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestLinkService(t, db, &fakeKick{}, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := svc.Initiate(ctx, "user-1")
		require.NoError(t, err)

		var count int64
		require.NoError(t, db.Model(&models.LinkAttempt{}).Where("user_id = ?", "user-1").Count(&count).Error)
		assert.Equal(t, int64(1), count, "after initiation %d", i+1)
	}

	_, err := svc.Initiate(ctx, "user-2")
	require.NoError(t, err)
	var total int64
	db.Model(&models.LinkAttempt{}).Count(&total)
	assert.Equal(t, int64(2), total)
}

func TestInitiateChallengeMatchesStoredVerifier(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestLinkService(t, db, &fakeKick{}, nil)

	authURL, err := svc.Initiate(context.Background(), "user-1")
	require.NoError(t, err)

	state, challenge := stateFromURL(t, authURL)
	assert.GreaterOrEqual(t, len(state), 32)
	assert.NotContains(t, challenge, "=")

	var attempt models.LinkAttempt
	require.NoError(t, db.Where("user_id = ?", "user-1").First(&attempt).Error)
	assert.Equal(t, state, attempt.State)
	assert.Len(t, attempt.CodeVerifier, 64)
	assert.Equal(t, utils.GenerateCodeChallenge(attempt.CodeVerifier), challenge)
}

func TestInitiatePurgesExpiredAttempts(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestLinkService(t, db, &fakeKick{}, nil)

	stale := models.LinkAttempt{UserID: "someone-else", State: "stale-state", CodeVerifier: "v", ExpiresAt: time.Now().Add(-time.Minute)}
	require.NoError(t, db.Create(&stale).Error)

	_, err := svc.Initiate(context.Background(), "user-1")
	require.NoError(t, err)

	var count int64
	db.Model(&models.LinkAttempt{}).Where("state = ?", "stale-state").Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestInitiateRequiresUser(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestLinkService(t, db, &fakeKick{}, nil)

	_, err := svc.Initiate(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	var count int64
	db.Model(&models.LinkAttempt{}).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestCompleteLinkCreatesAccountAndProfile(t *testing.T) {
	db := setupTestDB(t)
	provider := &fakeKick{}
	pub := &recordingPublisher{}
	svc := newTestLinkService(t, db, provider, pub)
	ctx := context.Background()

	authURL, err := svc.Initiate(ctx, "user-1")
	require.NoError(t, err)
	state, _ := stateFromURL(t, authURL)

	var attempt models.LinkAttempt
	require.NoError(t, db.Where("state = ?", state).First(&attempt).Error)

	account, err := svc.CompleteLink(ctx, state, "code-1")
	require.NoError(t, err)
	assert.Equal(t, "9001", account.ExternalID)
	assert.Equal(t, attempt.CodeVerifier, provider.lastVerifier)

	var stored models.LinkedAccount
	require.NoError(t, db.Where("user_id = ?", "user-1").First(&stored).Error)
	assert.Equal(t, "FanOne", stored.Username)
	assert.NotEqual(t, "access-code-1", stored.AccessToken, "tokens must be stored encrypted")
	plain, err := testCipher(t).Decrypt(stored.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "access-code-1", plain)

	var profile models.Profile
	require.NoError(t, db.First(&profile, "user_id = ?", "user-1").Error)
	assert.True(t, profile.KickConnected)
	require.NotNil(t, profile.KickUsername)
	assert.Equal(t, "FanOne", *profile.KickUsername)

	var attempts int64
	db.Model(&models.LinkAttempt{}).Count(&attempts)
	assert.Equal(t, int64(0), attempts, "attempt must be consumed")
	assert.Contains(t, pub.topics("user-1"), TopicKickLink)
}

func TestCompleteLinkRejectsReusedState(t *testing.T) {
	db := setupTestDB(t)
	provider := &fakeKick{}
	svc := newTestLinkService(t, db, provider, nil)
	ctx := context.Background()

	authURL, err := svc.Initiate(ctx, "user-1")
	require.NoError(t, err)
	state, _ := stateFromURL(t, authURL)

	_, err = svc.CompleteLink(ctx, state, "code-1")
	require.NoError(t, err)

	_, err = svc.CompleteLink(ctx, state, "code-1")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 1, provider.exchanges)
}

func TestCompleteLinkRejectsUnknownAndExpiredState(t *testing.T) {
	db := setupTestDB(t)
	provider := &fakeKick{}
	svc := newTestLinkService(t, db, provider, nil)
	ctx := context.Background()

	_, err := svc.CompleteLink(ctx, "no-such-state", "code")
	assert.ErrorIs(t, err, ErrInvalidState)

	expired := models.LinkAttempt{UserID: "user-1", State: "expired-state", CodeVerifier: "v", ExpiresAt: time.Now().Add(-time.Second)}
	require.NoError(t, db.Create(&expired).Error)
	_, err = svc.CompleteLink(ctx, "expired-state", "code")
	assert.ErrorIs(t, err, ErrInvalidState)

	assert.Equal(t, 0, provider.exchanges)
}

func TestCompleteLinkExchangeFailure(t *testing.T) {
	db := setupTestDB(t)
	provider := &fakeKick{exchangeErr: &kick.APIError{StatusCode: 400, Reason: "bad code"}}
	svc := newTestLinkService(t, db, provider, nil)
	ctx := context.Background()

	authURL, err := svc.Initiate(ctx, "user-1")
	require.NoError(t, err)
	state, _ := stateFromURL(t, authURL)

	_, err = svc.CompleteLink(ctx, state, "code")
	var upErr *UpstreamError
	require.True(t, errors.As(err, &upErr))
	assert.Equal(t, "bad code", upErr.Reason)

	var count int64
	db.Model(&models.LinkedAccount{}).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestCompleteLinkRejectsAccountLinkedElsewhere(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestLinkService(t, db, &fakeKick{}, nil)
	ctx := context.Background()

	require.NoError(t, db.Create(&models.LinkedAccount{UserID: "other-user", ExternalID: "9001", Username: "FanOne"}).Error)

	authURL, err := svc.Initiate(ctx, "user-1")
	require.NoError(t, err)
	state, _ := stateFromURL(t, authURL)

	_, err = svc.CompleteLink(ctx, state, "code")
	assert.ErrorIs(t, err, ErrAccountTaken)
}

func seedLinkedAccount(t *testing.T, svc *LinkService, userID string, expiry time.Time) {
	t.Helper()
	access, err := svc.cipher.Encrypt("old-access")
	require.NoError(t, err)
	refresh, err := svc.cipher.Encrypt("old-refresh")
	require.NoError(t, err)
	require.NoError(t, svc.db.Create(&models.LinkedAccount{
		UserID:             userID,
		ExternalID:         "ext-" + userID,
		Username:           "fan_" + userID,
		AccessToken:        access,
		RefreshToken:       refresh,
		TokenExpiry:        &expiry,
		VerificationMethod: models.VerificationOAuth,
	}).Error)
	require.NoError(t, svc.db.Create(&models.Profile{
		UserID:        userID,
		KickUsername:  utils.StringPtr("fan_" + userID),
		KickUserID:    utils.StringPtr("ext-" + userID),
		KickConnected: true,
	}).Error)
}

func TestRefreshNotNeededDoesNotCallProvider(t *testing.T) {
	db := setupTestDB(t)
	provider := &fakeKick{}
	svc := newTestLinkService(t, db, provider, nil)
	seedLinkedAccount(t, svc, "user-1", time.Now().Add(10*time.Minute))

	res, err := svc.Refresh(context.Background(), "user-1")
	require.NoError(t, err)
	assert.False(t, res.Refreshed)
	assert.True(t, res.Valid)
	assert.Equal(t, 0, provider.refreshCount())
}

func TestRefreshExpiredCallsProviderOnce(t *testing.T) {
	db := setupTestDB(t)
	provider := &fakeKick{}
	svc := newTestLinkService(t, db, provider, nil)
	seedLinkedAccount(t, svc, "user-1", time.Now().Add(-time.Second))

	res, err := svc.Refresh(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, res.Refreshed)
	assert.Equal(t, 1, provider.refreshCount())

	var stored models.LinkedAccount
	require.NoError(t, db.Where("user_id = ?", "user-1").First(&stored).Error)
	access, _ := svc.cipher.Decrypt(stored.AccessToken)
	refresh, _ := svc.cipher.Decrypt(stored.RefreshToken)
	assert.Equal(t, "refreshed-access", access)
	assert.Equal(t, "old-refresh", refresh)
	require.NotNil(t, stored.TokenExpiry)
	assert.True(t, stored.TokenExpiry.After(time.Now()))
}

func TestRefreshRotatesRefreshToken(t *testing.T) {
	db := setupTestDB(t)
	provider := &fakeKick{refreshToken: &kick.Token{AccessToken: "a2", RefreshToken: "r2", Expiry: time.Now().Add(time.Hour)}}
	svc := newTestLinkService(t, db, provider, nil)
	seedLinkedAccount(t, svc, "user-1", time.Now().Add(time.Minute))

	_, err := svc.Refresh(context.Background(), "user-1")
	require.NoError(t, err)

	var stored models.LinkedAccount
	require.NoError(t, db.Where("user_id = ?", "user-1").First(&stored).Error)
	refresh, _ := svc.cipher.Decrypt(stored.RefreshToken)
	assert.Equal(t, "r2", refresh)
}

func TestRefreshInvalidGrantRemovesLink(t *testing.T) {
	db := setupTestDB(t)
	provider := &fakeKick{refreshErr: kick.ErrInvalidGrant}
	pub := &recordingPublisher{}
	svc := newTestLinkService(t, db, provider, pub)
	seedLinkedAccount(t, svc, "user-1", time.Now().Add(-time.Second))

	_, err := svc.Refresh(context.Background(), "user-1")
	assert.ErrorIs(t, err, ErrLinkRevoked)

	var count int64
	db.Model(&models.LinkedAccount{}).Where("user_id = ?", "user-1").Count(&count)
	assert.Equal(t, int64(0), count)

	var profile models.Profile
	require.NoError(t, db.First(&profile, "user_id = ?", "user-1").Error)
	assert.Nil(t, profile.KickUsername)
	assert.Nil(t, profile.KickUserID)
	assert.False(t, profile.KickConnected)
	assert.False(t, profile.KickSubscriber)
	assert.Contains(t, pub.topics("user-1"), TopicKickLink)
}

// rotatingKick accepts each refresh token once and hands out a new one,
// the way Kick rotates refresh tokens.
type rotatingKick struct {
	fakeKick
	mu       sync.Mutex
	valid    string
	issued   int
	calls    int
	onReject func()
}

func (r *rotatingKick) Refresh(_ context.Context, refreshToken string) (*kick.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if refreshToken != r.valid {
		if r.onReject != nil {
			r.onReject()
		}
		return nil, kick.ErrInvalidGrant
	}
	r.issued++
	r.valid = fmt.Sprintf("rotated-%d", r.issued)
	return &kick.Token{AccessToken: "access-" + r.valid, RefreshToken: r.valid, Expiry: time.Now().Add(time.Hour)}, nil
}

func TestConcurrentRefreshKeepsLink(t *testing.T) {
	db := setupTestDB(t)
	provider := &rotatingKick{valid: "old-refresh"}
	svc := newTestLinkService(t, db, provider, nil)
	seedLinkedAccount(t, svc, "user-1", time.Now().Add(-time.Second))

	start := make(chan struct{})
	errs := make([]error, 2)
	results := make([]*RefreshResult, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = svc.Refresh(context.Background(), "user-1")
		}(i)
	}
	close(start)
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
		assert.True(t, results[i].Valid)
	}
	assert.Equal(t, 1, provider.issued)

	var stored models.LinkedAccount
	require.NoError(t, db.Where("user_id = ?", "user-1").First(&stored).Error)
	refresh, _ := svc.cipher.Decrypt(stored.RefreshToken)
	assert.Equal(t, "rotated-1", refresh)
}

func TestRefreshRejectedAfterRotationElsewhereKeepsLink(t *testing.T) {
	db := setupTestDB(t)
	provider := &rotatingKick{valid: "rotated-by-peer"}
	pub := &recordingPublisher{}
	svc := newTestLinkService(t, db, provider, pub)
	seedLinkedAccount(t, svc, "user-1", time.Now().Add(-time.Second))

	// another instance saves a fresh pair while this refresh is in flight
	future := time.Now().Add(time.Hour)
	provider.onReject = func() {
		enc, err := svc.cipher.Encrypt("rotated-by-peer")
		require.NoError(t, err)
		require.NoError(t, db.Model(&models.LinkedAccount{}).Where("user_id = ?", "user-1").
			Updates(map[string]interface{}{"refresh_token": enc, "token_expiry": future}).Error)
	}

	res, err := svc.Refresh(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.False(t, res.Refreshed)
	require.NotNil(t, res.ExpiresAt)
	assert.WithinDuration(t, future, *res.ExpiresAt, time.Second)

	var count int64
	db.Model(&models.LinkedAccount{}).Where("user_id = ?", "user-1").Count(&count)
	assert.Equal(t, int64(1), count)

	var profile models.Profile
	require.NoError(t, db.First(&profile, "user_id = ?", "user-1").Error)
	assert.True(t, profile.KickConnected)
	assert.Empty(t, pub.topics("user-1"))
}

func TestRefreshProviderErrorKeepsTokens(t *testing.T) {
	db := setupTestDB(t)
	provider := &fakeKick{refreshErr: &kick.APIError{StatusCode: 503, Reason: "down"}}
	svc := newTestLinkService(t, db, provider, nil)
	seedLinkedAccount(t, svc, "user-1", time.Now().Add(-time.Second))

	_, err := svc.Refresh(context.Background(), "user-1")
	var upErr *UpstreamError
	require.True(t, errors.As(err, &upErr))
	assert.Equal(t, "down", upErr.Reason)

	var stored models.LinkedAccount
	require.NoError(t, db.Where("user_id = ?", "user-1").First(&stored).Error)
	access, _ := svc.cipher.Decrypt(stored.AccessToken)
	assert.Equal(t, "old-access", access)
}

func TestRefreshNotLinked(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestLinkService(t, db, &fakeKick{}, nil)

	_, err := svc.Refresh(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotLinked)
}

func TestUnlinkAndStatus(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestLinkService(t, db, &fakeKick{}, nil)
	ctx := context.Background()
	seedLinkedAccount(t, svc, "user-1", time.Now().Add(time.Hour))

	status, err := svc.Status(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, status.Linked)
	assert.Equal(t, "fan_user-1", status.Username)

	require.NoError(t, svc.Unlink(ctx, "user-1"))

	status, err = svc.Status(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, status.Linked)

	assert.ErrorIs(t, svc.Unlink(ctx, "user-1"), ErrNotLinked)
}

func TestPurgeExpiredAttempts(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestLinkService(t, db, &fakeKick{}, nil)

	require.NoError(t, db.Create(&models.LinkAttempt{UserID: "a", State: "s1", CodeVerifier: "v", ExpiresAt: time.Now().Add(-time.Hour)}).Error)
	require.NoError(t, db.Create(&models.LinkAttempt{UserID: "b", State: "s2", CodeVerifier: "v", ExpiresAt: time.Now().Add(time.Hour)}).Error)

	n, err := svc.PurgeExpiredAttempts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
