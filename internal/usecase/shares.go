package usecase

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/histoseg/platform/internal/domain"
)

// shareTokenTTL bounds how long an invitation link stays valid.
const shareTokenTTL = 7 * 24 * time.Hour

// ShareService manages project share invitations: token minting, mail
// delivery, acceptance, and revocation.
type ShareService struct {
	store  domain.Store
	bus    domain.Publisher
	mailer domain.Mailer
	tokens domain.TokenCache

	frontendURL string
}

// NewShareService constructs the service.
func NewShareService(store domain.Store, bus domain.Publisher, mailer domain.Mailer, tokens domain.TokenCache, frontendURL string) *ShareService {
	return &ShareService{store: store, bus: bus, mailer: mailer, tokens: tokens, frontendURL: frontendURL}
}

// Invite creates a pending share and mails the invitation link. Owner
// only. Mail delivery is synchronous failure-wise: a share without a
// delivered invite is still acceptable via the returned token.
func (s *ShareService) Invite(ctx domain.Context, ownerID, projectID, email string) (domain.ProjectShare, error) {
	project, err := s.store.Projects().Get(ctx, projectID)
	if err != nil {
		return domain.ProjectShare{}, fmt.Errorf("op=shares.Invite: %w", err)
	}
	if project.UserID != ownerID {
		return domain.ProjectShare{}, fmt.Errorf("op=shares.Invite: not the owner: %w", domain.ErrForbidden)
	}
	if email == "" {
		return domain.ProjectShare{}, fmt.Errorf("op=shares.Invite: email required: %w", domain.ErrInvalidArgument)
	}
	for _, existing := range s.mustList(ctx, projectID) {
		if existing.Email == email && (existing.Status == domain.SharePending || existing.Status == domain.ShareAccepted) {
			return domain.ProjectShare{}, fmt.Errorf("op=shares.Invite: already shared with %s: %w", email, domain.ErrConflict)
		}
	}

	token, err := newShareToken()
	if err != nil {
		return domain.ProjectShare{}, fmt.Errorf("op=shares.Invite: %w", err)
	}
	expiry := time.Now().UTC().Add(shareTokenTTL)
	id, err := s.store.Shares().Create(ctx, domain.ProjectShare{
		ProjectID:   projectID,
		SharedByID:  ownerID,
		Email:       email,
		ShareToken:  token,
		TokenExpiry: &expiry,
	})
	if err != nil {
		return domain.ProjectShare{}, fmt.Errorf("op=shares.Invite: %w", err)
	}
	if err := s.tokens.SetToken(ctx, token, id, shareTokenTTL); err != nil {
		slog.Warn("share token not cached", slog.Any("error", err))
	}

	inviteURL := fmt.Sprintf("%s/shares/accept?token=%s", s.frontendURL, url.QueryEscape(token))
	if err := s.mailer.SendShareInvite(ctx, email, project.Title, inviteURL); err != nil {
		slog.Warn("share invite mail failed", slog.String("email", email), slog.Any("error", err))
	}

	share, err := s.store.Shares().Get(ctx, id)
	if err != nil {
		return domain.ProjectShare{}, fmt.Errorf("op=shares.Invite: %w", err)
	}
	s.bus.Publish(domain.UserRoom(ownerID), domain.EvtProjectUpdate, map[string]string{
		"projectId": projectID, "change": "share_invited",
	})
	return share, nil
}

// Accept resolves the token (cache first, store as fallback) and links
// the share to the accepting user.
func (s *ShareService) Accept(ctx domain.Context, userID, token string) (domain.ProjectShare, error) {
	var share domain.ProjectShare
	if id, err := s.tokens.GetToken(ctx, token); err == nil {
		share, err = s.store.Shares().Get(ctx, id)
		if err != nil {
			return domain.ProjectShare{}, fmt.Errorf("op=shares.Accept: %w", err)
		}
	} else {
		var serr error
		share, serr = s.store.Shares().GetByToken(ctx, token)
		if serr != nil {
			return domain.ProjectShare{}, fmt.Errorf("op=shares.Accept: %w", serr)
		}
	}

	if share.TokenExpiry != nil && share.TokenExpiry.Before(time.Now()) {
		return domain.ProjectShare{}, fmt.Errorf("op=shares.Accept: invitation expired: %w", domain.ErrConflict)
	}
	if err := s.store.Shares().Accept(ctx, share.ID, userID); err != nil {
		return domain.ProjectShare{}, fmt.Errorf("op=shares.Accept: %w", err)
	}
	_ = s.tokens.DeleteToken(ctx, token)

	accepted, err := s.store.Shares().Get(ctx, share.ID)
	if err != nil {
		return domain.ProjectShare{}, fmt.Errorf("op=shares.Accept: %w", err)
	}
	s.bus.Publish(domain.UserRoom(share.SharedByID), domain.EvtProjectUpdate, map[string]string{
		"projectId": share.ProjectID, "change": "share_accepted",
	})
	s.bus.Publish(domain.UserRoom(userID), domain.EvtSharedProjectUpdate, map[string]string{
		"projectId": share.ProjectID, "change": "share_accepted",
	})
	return accepted, nil
}

// Revoke withdraws a share. Owner only; accepted recipients lose access
// immediately.
func (s *ShareService) Revoke(ctx domain.Context, ownerID, shareID string) error {
	share, err := s.store.Shares().Get(ctx, shareID)
	if err != nil {
		return fmt.Errorf("op=shares.Revoke: %w", err)
	}
	project, err := s.store.Projects().Get(ctx, share.ProjectID)
	if err != nil {
		return fmt.Errorf("op=shares.Revoke: %w", err)
	}
	if project.UserID != ownerID {
		return fmt.Errorf("op=shares.Revoke: not the owner: %w", domain.ErrForbidden)
	}
	if err := s.store.Shares().Revoke(ctx, shareID); err != nil {
		return fmt.Errorf("op=shares.Revoke: %w", err)
	}
	if share.ShareToken != "" {
		_ = s.tokens.DeleteToken(ctx, share.ShareToken)
	}
	if share.SharedWithID != "" {
		s.bus.Publish(domain.UserRoom(share.SharedWithID), domain.EvtSharedProjectUpdate, map[string]string{
			"projectId": share.ProjectID, "change": "share_revoked",
		})
	}
	return nil
}

// List returns the project's shares. Owner only.
func (s *ShareService) List(ctx domain.Context, ownerID, projectID string) ([]domain.ProjectShare, error) {
	project, err := s.store.Projects().Get(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("op=shares.List: %w", err)
	}
	if project.UserID != ownerID {
		return nil, fmt.Errorf("op=shares.List: not the owner: %w", domain.ErrForbidden)
	}
	return s.mustList(ctx, projectID), nil
}

func (s *ShareService) mustList(ctx domain.Context, projectID string) []domain.ProjectShare {
	shares, err := s.store.Shares().ListByProject(ctx, projectID)
	if err != nil {
		return nil
	}
	return shares
}

func newShareToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
