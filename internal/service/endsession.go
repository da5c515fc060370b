package service

import (
	"context"
	"slices"

	"github.com/dlddu/tiny-idp/internal/jwt"
	"github.com/dlddu/tiny-idp/internal/logger"
	"github.com/dlddu/tiny-idp/internal/registry"
)

// EndSessionRequest holds the parameters of an RP initiated logout.
type EndSessionRequest struct {
	IDTokenHint           string
	ClientID              string
	PostLogoutRedirectURI string
	State                 string
}

// EndSessionResult tells the handler where to send the user agent after the
// session was destroyed.
type EndSessionResult struct {
	ClientID string
	// SubjectID is taken from the id_token_hint, empty without one.
	SubjectID string
	// RedirectURI is empty when the user stays on the provider.
	RedirectURI string
}

// EndSessionService validates logout requests.
type EndSessionService struct {
	registry *registry.Store
	tokens   *jwt.TokenManager
}

func NewEndSessionService(reg *registry.Store, tm *jwt.TokenManager) *EndSessionService {
	return &EndSessionService{registry: reg, tokens: tm}
}

// Validate resolves the client from client_id or the id token hint and
// checks post_logout_redirect_uri by exact match. An expired hint is
// accepted, a hint with a bad signature is not.
func (s *EndSessionService) Validate(ctx context.Context, req EndSessionRequest) (*EndSessionResult, error) {
	res := &EndSessionResult{ClientID: req.ClientID}

	if req.IDTokenHint != "" {
		c, err := s.tokens.ParseHint(ctx, req.IDTokenHint)
		if err != nil {
			logger.From(ctx).Info("id_token_hint rejected", logger.Op("endsession.validate"), logger.Err(err))
			return nil, NewInvalidRequestError("id_token_hint is invalid")
		}
		aud, _ := c.GetAudience()
		switch {
		case len(aud) == 0:
			return nil, NewInvalidRequestError("id_token_hint has no audience")
		case res.ClientID == "":
			res.ClientID = aud[0]
		case !slices.Contains(aud, res.ClientID):
			return nil, NewInvalidRequestError("id_token_hint was not issued to client_id")
		}
		res.SubjectID, _ = c.GetSubject()
	}

	if req.PostLogoutRedirectURI == "" {
		return res, nil
	}
	if res.ClientID == "" {
		return nil, NewInvalidRequestError("post_logout_redirect_uri requires client_id or id_token_hint")
	}
	reg := s.registry.Current()
	client, err := reg.LookupClient(res.ClientID)
	if err != nil {
		return nil, NewInvalidRequestError("unknown client")
	}
	if !reg.ValidatePostLogoutRedirect(client, req.PostLogoutRedirectURI) {
		return nil, NewInvalidRequestError("post_logout_redirect_uri is not registered for the client")
	}

	res.RedirectURI = req.PostLogoutRedirectURI
	if req.State != "" {
		res.RedirectURI = appendQuery(req.PostLogoutRedirectURI, map[string]string{"state": req.State})
	}
	return res, nil
}
