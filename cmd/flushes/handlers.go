package main

import (
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"

	"github.com/flushes/flushes/atproto/auth/oauth"
	"github.com/flushes/flushes/atproto/client"
	"github.com/flushes/flushes/atproto/identity"
	"github.com/flushes/flushes/atproto/syntax"
	"github.com/flushes/flushes/flushes"

	"github.com/gorilla/sessions"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
)

const sessionName = "flushes"

var tmplHome = template.Must(template.New("home").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>flushes</title></head>
<body>
{{ if .Handle }}
  <p>signed in as <b>{{ .Handle }}</b> (<a href="/oauth/logout">log out</a>)</p>
  <form method="post" action="/api/flushes">
    <input name="text" maxlength="59" placeholder="what's going on?">
    <input name="emoji" value="🚽" size="2">
    <button type="submit">flush</button>
  </form>
{{ else }}
  <form method="post" action="/oauth/login">
    <input name="handle" placeholder="handle.example.com">
    <button type="submit">log in</button>
  </form>
{{ end }}
<ul>
{{ range .Feed }}<li>{{ .Emoji }} <b>{{ if .Handle }}{{ .Handle }}{{ else }}{{ .AuthorDID }}{{ end }}</b> {{ .Text }}</li>
{{ end }}</ul>
</body>
</html>
`))

type GenericStatus struct {
	Daemon  string `json:"daemon"`
	Status  string `json:"status"`
	Message string `json:"msg,omitempty"`
}

type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Maps errors from the OAuth, identity, and flushes layers to HTTP responses.
func httpError(err error) *echo.HTTPError {
	var he *echo.HTTPError
	var authErr *oauth.AuthFailureError
	var resErr *identity.ResolutionError
	var reqErr *oauth.RequestError
	var apiErr *client.APIError
	var nonceErr *oauth.NonceRequiredError
	var malformed *oauth.MalformedResponseError
	var transport *oauth.TransportError

	switch {
	case errors.As(err, &he):
		return he
	case errors.Is(err, oauth.ErrStateMismatch):
		return echo.NewHTTPError(http.StatusBadRequest, "login state did not match; please try again").SetInternal(err)
	case errors.Is(err, oauth.ErrAuthRequestNotFound):
		return echo.NewHTTPError(http.StatusBadRequest, "login request expired; please try again").SetInternal(err)
	case errors.Is(err, oauth.ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusUnauthorized, "not authenticated").SetInternal(err)
	case errors.Is(err, oauth.ErrScopeNotGranted):
		return echo.NewHTTPError(http.StatusForbidden, "login does not grant permission to write flushes; log in again").SetInternal(err)
	case errors.As(err, &authErr):
		return echo.NewHTTPError(http.StatusUnauthorized, authErr.Error()).SetInternal(err)
	case errors.As(err, &resErr):
		return echo.NewHTTPError(http.StatusBadRequest, resErr.Error()).SetInternal(err)
	case errors.Is(err, flushes.ErrInvalidRecord), errors.Is(err, flushes.ErrBadCursor):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
	case errors.As(err, &apiErr):
		if apiErr.StatusCode == http.StatusBadRequest || apiErr.StatusCode == http.StatusNotFound {
			return echo.NewHTTPError(apiErr.StatusCode, apiErr.Error()).SetInternal(err)
		}
		return echo.NewHTTPError(http.StatusBadGateway, apiErr.Error()).SetInternal(err)
	case errors.As(err, &reqErr):
		if reqErr.StatusCode >= 400 && reqErr.StatusCode < 500 {
			return echo.NewHTTPError(reqErr.StatusCode, reqErr.Error()).SetInternal(err)
		}
		return echo.NewHTTPError(http.StatusBadGateway, reqErr.Error()).SetInternal(err)
	case errors.As(err, &nonceErr), errors.As(err, &malformed), errors.As(err, &transport):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error()).SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError).SetInternal(err)
	}
}

func (srv *Server) errorHandler(err error, c echo.Context) {
	he := httpError(err)
	if he.Code >= 500 {
		srv.logger.Warn("flushes-http-internal-error", "path", c.Path(), "err", err)
	}
	if c.Response().Committed {
		return
	}
	body := ErrorBody{Error: http.StatusText(he.Code)}
	if msg, ok := he.Message.(string); ok && msg != http.StatusText(he.Code) {
		body.Message = msg
	}
	if c.Request().Method == http.MethodHead {
		c.NoContent(he.Code)
		return
	}
	c.JSON(he.Code, body)
}

func (srv *Server) cookieSession(c echo.Context) *sessions.Session {
	sess, err := session.Get(sessionName, c)
	if err != nil {
		// cookie failed to decode (eg, rotated secret); start over with a fresh one
		srv.logger.Debug("discarding unreadable session cookie", "err", err)
	}
	if sess == nil {
		sess = sessions.NewSession(srv.cookieStore, sessionName)
		opts := *srv.cookieStore.Options
		sess.Options = &opts
	}
	return sess
}

// Account DID and OAuth session ID from the signed cookie, if logged in.
func (srv *Server) currentLogin(c echo.Context) (syntax.DID, string, bool) {
	sess := srv.cookieSession(c)
	raw, _ := sess.Values["account_did"].(string)
	sessionID, _ := sess.Values["session_id"].(string)
	if raw == "" || sessionID == "" {
		return "", "", false
	}
	did, err := syntax.ParseDID(raw)
	if err != nil {
		return "", "", false
	}
	return did, sessionID, true
}

func (srv *Server) resumeSession(c echo.Context) (*oauth.ClientSession, error) {
	did, sessionID, ok := srv.currentLogin(c)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "not authenticated")
	}
	oauthSess, err := srv.OAuth.ResumeSession(c.Request().Context(), did, sessionID)
	if err != nil {
		return nil, httpError(err)
	}
	return oauthSess, nil
}

// Resumes the session and checks its granted scope covers the given write to the flushes collection.
func (srv *Server) resumeWriteSession(c echo.Context, action string) (*oauth.ClientSession, error) {
	oauthSess, err := srv.resumeSession(c)
	if err != nil {
		return nil, err
	}
	granted, err := oauth.ParseScope(oauthSess.Data().Scope)
	if err != nil || !granted.AllowsRepoWrite(flushes.Collection, action) {
		return nil, httpError(fmt.Errorf("%w: %s %s", oauth.ErrScopeNotGranted, action, flushes.Collection))
	}
	return oauthSess, nil
}

func (srv *Server) HandleHealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, GenericStatus{Status: "ok", Daemon: "flushes"})
}

func (srv *Server) WebHome(c echo.Context) error {
	ctx := c.Request().Context()
	data := struct {
		Handle string
		Feed   []flushes.Flush
	}{}
	if did, sessionID, ok := srv.currentLogin(c); ok {
		if oauthSess, err := srv.OAuth.ResumeSession(ctx, did, sessionID); err == nil {
			data.Handle = oauthSess.Data().Handle
			if data.Handle == "" {
				data.Handle = did.String()
			}
		}
	}
	page, err := srv.Flushes.Feed(ctx, "", 0)
	if err != nil {
		return err
	}
	data.Feed = page.Flushes
	c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
	c.Response().WriteHeader(http.StatusOK)
	return tmplHome.Execute(c.Response(), data)
}

func strPtr(raw string) *string {
	return &raw
}

func (srv *Server) HandleClientMetadata(c echo.Context) error {
	config := srv.OAuth.Config
	meta := config.ClientMetadata()
	meta.ClientName = strPtr("Flushes")
	if !config.IsLocalhost() {
		meta.ClientURI = strPtr(fmt.Sprintf("https://%s", c.Request().Host))
	}

	// internal consistency check
	if err := meta.Validate(config.ClientID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, meta)
}

func (srv *Server) HandleLogin(c echo.Context) error {
	ctx := c.Request().Context()

	identifier := c.FormValue("handle")
	if identifier == "" && c.Request().Method == http.MethodGet {
		return srv.WebHome(c)
	}

	flow, err := srv.OAuth.StartAuthFlow(ctx, identifier)
	if err != nil {
		return httpError(fmt.Errorf("OAuth login failed: %w", err))
	}

	sess := srv.cookieSession(c)
	sess.Values["oauth_state"] = flow.State
	if err := sess.Save(c.Request(), c.Response()); err != nil {
		return err
	}
	return c.Redirect(http.StatusFound, flow.RedirectURL)
}

func (srv *Server) HandleCallback(c echo.Context) error {
	ctx := c.Request().Context()

	sess := srv.cookieSession(c)
	expectedState, _ := sess.Values["oauth_state"].(string)
	delete(sess.Values, "oauth_state")

	sessData, err := srv.OAuth.ProcessCallback(ctx, expectedState, c.QueryParams())
	if err != nil {
		// clear the pending state either way
		if saveErr := sess.Save(c.Request(), c.Response()); saveErr != nil {
			srv.logger.Warn("failed to save session cookie", "err", saveErr)
		}
		return httpError(fmt.Errorf("processing OAuth callback: %w", err))
	}

	sess.Values["account_did"] = sessData.AccountDID.String()
	sess.Values["session_id"] = sessData.SessionID
	if err := sess.Save(c.Request(), c.Response()); err != nil {
		return err
	}

	srv.logger.Info("login successful", "did", sessData.AccountDID, "host", sessData.HostURL)
	return c.Redirect(http.StatusFound, "/")
}

func (srv *Server) HandleRefresh(c echo.Context) error {
	ctx := c.Request().Context()
	oauthSess, err := srv.resumeSession(c)
	if err != nil {
		return err
	}
	if _, err := oauthSess.RefreshTokens(ctx); err != nil {
		return httpError(err)
	}
	srv.logger.Info("refreshed tokens", "did", oauthSess.AccountDID())
	return c.Redirect(http.StatusFound, "/")
}

func (srv *Server) HandleLogout(c echo.Context) error {
	if did, sessionID, ok := srv.currentLogin(c); ok {
		if err := srv.OAuth.Logout(c.Request().Context(), did, sessionID); err != nil {
			srv.logger.Error("failed to delete session", "did", did, "err", err)
		}
	}

	// wipe all secure cookie session data
	sess := srv.cookieSession(c)
	sess.Values = make(map[any]any)
	if err := sess.Save(c.Request(), c.Response()); err != nil {
		return err
	}
	return c.Redirect(http.StatusFound, "/")
}

func (srv *Server) HandleFeed(c echo.Context) error {
	ctx := c.Request().Context()
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	cursor := c.QueryParam("cursor")

	var page *flushes.FeedPage
	var err error
	if author := c.QueryParam("author"); author != "" {
		out, rerr := srv.Identity.Resolve(ctx, author)
		if rerr != nil {
			return httpError(rerr)
		}
		page, err = srv.Flushes.Store.AuthorFlushes(ctx, out.Value().DID, cursor, limit)
	} else {
		page, err = srv.Flushes.Feed(ctx, cursor, limit)
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, page)
}

type accountView struct {
	DID      string `json:"did"`
	Handle   string `json:"handle,omitempty"`
	PDS      string `json:"pds,omitempty"`
	Degraded bool   `json:"degraded,omitempty"`
	Problem  string `json:"problem,omitempty"`
}

func (srv *Server) HandleResolve(c echo.Context) error {
	raw := c.QueryParam("identifier")
	if raw == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "identifier is required")
	}
	out, err := srv.Identity.Resolve(c.Request().Context(), raw)
	if err != nil {
		return httpError(err)
	}
	acc := out.Value()
	view := accountView{
		DID:      acc.DID.String(),
		Handle:   acc.Handle.String(),
		PDS:      acc.PDSEndpoint,
		Degraded: out.IsDegraded(),
	}
	if cause := out.Cause(); cause != nil {
		view.Problem = cause.Error()
	}
	return c.JSON(http.StatusOK, view)
}

func (srv *Server) HandleMe(c echo.Context) error {
	ctx := c.Request().Context()
	oauthSess, err := srv.resumeSession(c)
	if err != nil {
		return err
	}
	data := oauthSess.Data()
	count, err := srv.Flushes.Store.CountByAuthor(ctx, data.AccountDID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"did":     data.AccountDID,
		"handle":  data.Handle,
		"pds":     data.HostURL,
		"flushes": count,
	})
}

type flushInput struct {
	Text  string `json:"text" form:"text"`
	Emoji string `json:"emoji" form:"emoji"`
}

func (srv *Server) HandlePostFlush(c echo.Context) error {
	ctx := c.Request().Context()
	var in flushInput
	if err := c.Bind(&in); err != nil {
		return err
	}
	oauthSess, err := srv.resumeWriteSession(c, "create")
	if err != nil {
		return err
	}
	handle, _ := syntax.ParseHandle(oauthSess.Data().Handle)
	f, err := srv.Flushes.PostFlush(ctx, oauthSess.APIClient(), handle, in.Text, in.Emoji)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, f)
}

func (srv *Server) HandleUpdateFlush(c echo.Context) error {
	ctx := c.Request().Context()
	rkey, err := syntax.ParseRecordKey(c.Param("rkey"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var in flushInput
	if err := c.Bind(&in); err != nil {
		return err
	}
	oauthSess, err := srv.resumeWriteSession(c, "update")
	if err != nil {
		return err
	}
	handle, _ := syntax.ParseHandle(oauthSess.Data().Handle)
	f, err := srv.Flushes.UpdateFlush(ctx, oauthSess.APIClient(), handle, rkey, in.Text, in.Emoji)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, f)
}

func (srv *Server) HandleDeleteFlush(c echo.Context) error {
	ctx := c.Request().Context()
	rkey, err := syntax.ParseRecordKey(c.Param("rkey"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	oauthSess, err := srv.resumeWriteSession(c, "delete")
	if err != nil {
		return err
	}
	if err := srv.Flushes.DeleteFlush(ctx, oauthSess.APIClient(), rkey); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
