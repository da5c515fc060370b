package handler

import (
	"context"
	"crypto/subtle"
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/dlddu/tiny-idp/internal/audit"
	"github.com/dlddu/tiny-idp/internal/domain"
	"github.com/dlddu/tiny-idp/internal/logger"
	"github.com/dlddu/tiny-idp/internal/metrics"
	"github.com/dlddu/tiny-idp/internal/service"
	"github.com/dlddu/tiny-idp/internal/session"
)

// loginCookie binds a parked login request to the browser that started it.
const loginCookie = "idp.login"

// Authorizer validates authorization requests and issues codes.
type Authorizer interface {
	Validate(ctx context.Context, req service.AuthorizeRequest) (*service.ValidatedAuthorization, error)
	IssueCode(ctx context.Context, v *service.ValidatedAuthorization, subjectID string, authTime time.Time) (string, error)
}

// UserServiceInterface defines the interface for user operations
type UserServiceInterface interface {
	Authenticate(ctx context.Context, username, password string) (*domain.User, error)
}

// ClientServiceInterface resolves clients for display on the login page.
type ClientServiceInterface interface {
	GetClientByID(ctx context.Context, clientID string) (*domain.Client, error)
}

// EndSessionValidator checks logout requests.
type EndSessionValidator interface {
	Validate(ctx context.Context, req service.EndSessionRequest) (*service.EndSessionResult, error)
}

// AuthHandlerDeps are the collaborators of AuthHandler.
type AuthHandlerDeps struct {
	Authorizer Authorizer
	Users      UserServiceInterface
	Clients    ClientServiceInterface
	EndSession EndSessionValidator
	Sessions   *session.Manager
	Audit      audit.Sink
	Metrics    *metrics.Metrics
	// SecureCookies marks the login binding cookie Secure.
	SecureCookies bool
}

// AuthHandler serves the browser facing endpoints: authorize, login and
// end session.
type AuthHandler struct {
	deps          AuthHandlerDeps
	loginTemplate *template.Template
	now           func() time.Time
}

// NewAuthHandler creates a new AuthHandler instance
func NewAuthHandler(d AuthHandlerDeps) *AuthHandler {
	if d.Audit == nil {
		d.Audit = audit.LogSink{}
	}
	return &AuthHandler{
		deps:          d,
		loginTemplate: template.Must(template.New("login").Parse(loginTemplateHTML)),
		now:           time.Now,
	}
}

// Authorize handles GET /authorize. Requests without a session are parked
// and the browser is sent to the login page.
func (h *AuthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	v, err := h.deps.Authorizer.Validate(ctx, service.ParseAuthorizeRequest(query))
	if err != nil {
		h.authorizeError(w, r, err)
		return
	}

	sess, err := h.deps.Sessions.Current(ctx, r)
	if errors.Is(err, session.ErrNoSession) {
		h.redirectToLogin(w, r, query)
		return
	}
	if err != nil {
		logger.From(ctx).Error("session lookup failed", logger.Op("authorize"), logger.Err(err))
		h.authorizeError(w, r, &service.RedirectError{
			RedirectURI: v.Request.RedirectURI,
			State:       v.Request.State,
			Err:         service.NewTemporarilyUnavailableError(err),
		})
		return
	}

	code, err := h.deps.Authorizer.IssueCode(ctx, v, sess.SubjectID, sess.AuthTime)
	if err != nil {
		h.authorizeError(w, r, err)
		return
	}
	http.Redirect(w, r, v.SuccessLocation(code), http.StatusFound)
}

// authorizeError redirects errors that may go back to the client and shows
// the rest to the user.
func (h *AuthHandler) authorizeError(w http.ResponseWriter, r *http.Request, err error) {
	var re *service.RedirectError
	if errors.As(err, &re) {
		logger.From(r.Context()).Info("authorization request rejected",
			zap.String("error", re.Err.Code), zap.String("error_description", re.Err.ErrorDescription))
		http.Redirect(w, r, re.Location(), http.StatusFound)
		return
	}
	writeError(w, r, err)
}

func (h *AuthHandler) redirectToLogin(w http.ResponseWriter, r *http.Request, query url.Values) {
	id, err := h.deps.Sessions.ParkLoginRequest(r.Context(), query)
	if err != nil {
		logger.From(r.Context()).Error("park login request failed", logger.Err(err))
		writeError(w, r, service.NewTemporarilyUnavailableError(err))
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     loginCookie,
		Value:    id,
		Path:     "/login",
		HttpOnly: true,
		Secure:   h.deps.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/login?"+url.Values{"login_request": {id}}.Encode(), http.StatusFound)
}

// loginPage is the data rendered by the login template.
type loginPage struct {
	LoginRequest string
	ClientName   string
	Scopes       []string
	Username     string
	Error        string
	// Expired hides the form when there is nothing left to resume.
	Expired bool
}

// ShowLoginForm handles GET /login.
func (h *AuthHandler) ShowLoginForm(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("login_request")
	query, err := h.parkedRequest(r.Context(), id)
	if err != nil {
		h.loginRequestError(w, r, err)
		return
	}
	h.renderLogin(w, http.StatusOK, h.loginPageFor(r.Context(), id, query))
}

// HandleLoginSubmit handles POST /login. A successful sign in establishes the
// session and sends the browser back to /authorize with the parked query.
func (h *AuthHandler) HandleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		h.renderLogin(w, http.StatusBadRequest, loginPage{Error: "The form could not be read.", Expired: true})
		return
	}

	id := r.PostForm.Get("login_request")
	if !h.boundToBrowser(r, id) {
		logger.From(ctx).Warn("login request not bound to this browser", logger.Op("login"))
		h.renderLogin(w, http.StatusForbidden, loginPage{
			Error:   "This sign-in request was started in another browser.",
			Expired: true,
		})
		return
	}

	query, err := h.parkedRequest(ctx, id)
	if err != nil {
		h.loginRequestError(w, r, err)
		return
	}

	username := strings.TrimSpace(r.PostForm.Get("username"))
	user, err := h.deps.Users.Authenticate(ctx, username, r.PostForm.Get("password"))
	if err != nil {
		if !errors.Is(err, service.ErrInvalidCredentials) && !errors.Is(err, service.ErrUserInactive) {
			logger.From(ctx).Error("authenticate user failed", logger.Err(err))
			writeError(w, r, service.NewTemporarilyUnavailableError(err))
			return
		}
		h.loginFailed(ctx, query.Get("client_id"), username, err)
		page := h.loginPageFor(ctx, id, query)
		page.Username = username
		page.Error = "Invalid username or password."
		h.renderLogin(w, http.StatusUnauthorized, page)
		return
	}

	query, err = h.deps.Sessions.ResumeLoginRequest(ctx, id)
	if err != nil {
		h.loginRequestError(w, r, err)
		return
	}
	if _, err := h.deps.Sessions.Create(ctx, w, user.SubjectID); err != nil {
		logger.From(ctx).Error("create session failed", logger.Err(err))
		writeError(w, r, service.NewTemporarilyUnavailableError(err))
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     loginCookie,
		Path:     "/login",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.deps.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})

	logger.From(ctx).Info("user signed in",
		logger.SubjectID(user.SubjectID), logger.ClientID(query.Get("client_id")))
	http.Redirect(w, r, "/authorize?"+query.Encode(), http.StatusSeeOther)
}

func (h *AuthHandler) boundToBrowser(r *http.Request, id string) bool {
	c, err := r.Cookie(loginCookie)
	if err != nil || id == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c.Value), []byte(id)) == 1
}

func (h *AuthHandler) parkedRequest(ctx context.Context, id string) (url.Values, error) {
	if id == "" {
		return nil, session.ErrUnknownLoginRequest
	}
	return h.deps.Sessions.PeekLoginRequest(ctx, id)
}

func (h *AuthHandler) loginRequestError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, session.ErrUnknownLoginRequest) {
		h.renderLogin(w, http.StatusBadRequest, loginPage{
			Error:   "This sign-in request has expired. Return to the application and try again.",
			Expired: true,
		})
		return
	}
	logger.From(r.Context()).Error("load login request failed", logger.Err(err))
	writeError(w, r, service.NewTemporarilyUnavailableError(err))
}

func (h *AuthHandler) loginPageFor(ctx context.Context, id string, query url.Values) loginPage {
	page := loginPage{
		LoginRequest: id,
		ClientName:   query.Get("client_id"),
		Scopes:       strings.Fields(query.Get("scope")),
	}
	if c, err := h.deps.Clients.GetClientByID(ctx, page.ClientName); err == nil && c.ClientName != "" {
		page.ClientName = c.ClientName
	}
	return page
}

func (h *AuthHandler) loginFailed(ctx context.Context, clientID, username string, cause error) {
	e := audit.Event{
		Type:      audit.LoginFailure,
		Time:      h.now().UTC(),
		ClientID:  clientID,
		RequestID: middleware.GetReqID(ctx),
		Detail:    map[string]string{"username": username, "reason": cause.Error()},
	}
	h.deps.Metrics.SecurityEvent(e.Type)
	if err := h.deps.Audit.Emit(ctx, e); err != nil {
		logger.From(ctx).Error("audit emit failed", logger.Err(err))
	}
}

func (h *AuthHandler) renderLogin(w http.ResponseWriter, status int, page loginPage) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = h.loginTemplate.Execute(w, page)
}

// EndSession handles GET /endsession.
func (h *AuthHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	res, err := h.deps.EndSession.Validate(ctx, service.EndSessionRequest{
		IDTokenHint:           q.Get("id_token_hint"),
		ClientID:              q.Get("client_id"),
		PostLogoutRedirectURI: q.Get("post_logout_redirect_uri"),
		State:                 q.Get("state"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.deps.Sessions.Destroy(ctx, w, r); err != nil {
		logger.From(ctx).Error("destroy session failed", logger.Err(err))
		writeError(w, r, service.NewTemporarilyUnavailableError(err))
		return
	}
	logger.From(ctx).Info("session ended", logger.ClientID(res.ClientID), logger.SubjectID(res.SubjectID))

	if res.RedirectURI != "" {
		http.Redirect(w, r, res.RedirectURI, http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("You have been signed out.\n"))
}

const loginTemplateHTML = `<!DOCTYPE html>
<html>
<head>
	<meta charset="UTF-8">
	<meta name="viewport" content="width=device-width, initial-scale=1.0">
	<title>Sign in</title>
	<style>
		body {
			font-family: Arial, sans-serif;
			max-width: 400px;
			margin: 50px auto;
			padding: 20px;
			background-color: #f5f5f5;
		}
		h1 {
			text-align: center;
			color: #333;
		}
		.error-message {
			background-color: #f8d7da;
			color: #721c24;
			padding: 12px;
			margin-bottom: 20px;
			border: 1px solid #f5c6cb;
			border-radius: 5px;
			text-align: center;
		}
		.scopes {
			margin-bottom: 20px;
			padding: 15px;
			background-color: #f8f9fa;
			border: 1px solid #e9ecef;
			border-radius: 5px;
			color: #495057;
		}
		form {
			background-color: white;
			border: 1px solid #ccc;
			padding: 30px;
			border-radius: 8px;
		}
		label {
			display: block;
			margin-bottom: 5px;
			color: #555;
		}
		input[type="text"],
		input[type="password"] {
			width: 100%;
			padding: 12px;
			margin-bottom: 20px;
			box-sizing: border-box;
			border: 1px solid #ddd;
			border-radius: 4px;
		}
		button {
			width: 100%;
			padding: 12px;
			background-color: #007bff;
			color: white;
			border: none;
			border-radius: 5px;
			font-size: 16px;
		}
	</style>
</head>
<body>
	<h1>Sign in</h1>
	{{if .Error}}
	<div class="error-message">{{.Error}}</div>
	{{end}}
	{{if not .Expired}}
	{{if .Scopes}}
	<div class="scopes">
		<p><strong>{{.ClientName}}</strong> is requesting:</p>
		<ul>
			{{range .Scopes}}<li>{{.}}</li>
			{{end}}
		</ul>
	</div>
	{{end}}
	<form method="POST" action="/login">
		<input type="hidden" name="login_request" value="{{.LoginRequest}}">

		<label for="username">Username</label>
		<input type="text" id="username" name="username" value="{{.Username}}" required>

		<label for="password">Password</label>
		<input type="password" id="password" name="password" required>

		<button type="submit">Sign in</button>
	</form>
	{{end}}
</body>
</html>`
