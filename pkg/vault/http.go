package vault

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"code.sealbox.org/golang/internal/auth"
	"code.sealbox.org/golang/internal/observability"
	"code.sealbox.org/golang/internal/transport"
	"code.sealbox.org/golang/internal/utils"
)

// Wire error codes, stable & machine checkable.
const (
	codeSessionExpired   = "SESSION_EXPIRED"
	codeDataMissing      = "DATA_MISSING"
	codeTamperedNoBackup = "DATA_TAMPERED_NO_BACKUP"
	codeTransitIntegrity = "TRANSIT_INTEGRITY"
	codeDecryption       = "DECRYPTION"
	codeValidation       = "VALIDATION"
	codeStoreUnavailable = "STORE_UNAVAILABLE"
	codeInternal         = "INTERNAL"
)

// grantMsg is the session establishment response body.
type grantMsg struct {
	Identity   string          `json:"identity"`
	Secret     utils.HexBinary `json:"secret"`
	Credential string          `json:"credential"`
}

// errorMsg is the error response body.
type errorMsg struct {
	Code string `json:"code"`
	Err  string `json:"error"`
}

var jsonSrz = transport.JSONSerializer{}

// Handler exposes a Vault over HTTP.
//
// Routes (see Register):
//
//	POST   /session  establish a session          -> 200 grantMsg
//	DELETE /session  clear the session            -> 204
//	PUT    /record   save the envelope            -> 204
//	GET    /record   retrieve the envelope        -> 200 Envelope
//
// All bodies are JSON with binary values encoded as hex text. Every route but
// establishment requires the Bearer session credential.
type Handler struct {
	vault  *Vault
	signer *auth.Signer
}

// NewHandler creates a new Handler serving vault.
// It errors if vault or signer is nil.
func NewHandler(vault *Vault, signer *auth.Signer) (*Handler, error) {
	if nil == vault {
		return nil, newError("nil Vault")
	}
	if nil == signer {
		return nil, newError("nil Signer")
	}

	return &Handler{vault: vault, signer: signer}, nil
}

// Register installs the sealbox routes on mux.
func (self *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /session", self.handleEstablish)
	mux.Handle("DELETE /session", self.signer.Middleware(http.HandlerFunc(self.handleClear)))
	mux.Handle("PUT /record", self.signer.Middleware(http.HandlerFunc(self.handleSave)))
	mux.Handle("GET /record", self.signer.Middleware(http.HandlerFunc(self.handleRetrieve)))
}

func (self *Handler) handleEstablish(w http.ResponseWriter, r *http.Request) {
	log := observability.GetObservability(r.Context()).Log().With("handler", "establish")

	sess, err := self.vault.Establish(r.Context())
	if nil != err {
		log.Error("failed session establishment", "err", err)
		writeError(w, err)
		return
	}

	credential, err := self.signer.Issue(sess.Identity)
	if nil != err {
		log.Error("failed credential issuance", "err", err)
		writeError(w, err)
		return
	}

	log.Info("session established", "identity", sess.Identity)
	writeMsg(w, http.StatusOK, grantMsg{
		Identity:   sess.Identity,
		Secret:     utils.HexBinary(sess.Secret),
		Credential: credential,
	})
}

func (self *Handler) handleSave(w http.ResponseWriter, r *http.Request) {
	log := observability.GetObservability(r.Context()).Log().With("handler", "save")

	identity, found := auth.GetIdentity(r.Context())
	if !found {
		writeError(w, flagError(ErrSessionExpired, "missing caller identity"))
		return
	}

	env := Envelope{}
	err := readMsg(r, &env)
	if nil != err {
		log.Debug("rejected save body", "err", err)
		writeError(w, err)
		return
	}

	err = self.vault.Save(r.Context(), identity, env)
	if nil != err {
		log.Warn("failed save", "identity", identity, "err", err)
		writeError(w, err)
		return
	}

	log.Info("record saved", "identity", identity)
	w.WriteHeader(http.StatusNoContent)
}

func (self *Handler) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	log := observability.GetObservability(r.Context()).Log().With("handler", "retrieve")

	identity, found := auth.GetIdentity(r.Context())
	if !found {
		writeError(w, flagError(ErrSessionExpired, "missing caller identity"))
		return
	}

	env, err := self.vault.Retrieve(r.Context(), identity)
	if nil != err {
		log.Warn("failed retrieve", "identity", identity, "err", err)
		writeError(w, err)
		return
	}

	writeMsg(w, http.StatusOK, env)
}

func (self *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	log := observability.GetObservability(r.Context()).Log().With("handler", "clear")

	identity, found := auth.GetIdentity(r.Context())
	if !found {
		writeError(w, flagError(ErrSessionExpired, "missing caller identity"))
		return
	}

	err := self.vault.Clear(r.Context(), identity)
	if nil != err {
		log.Error("failed session clear", "identity", identity, "err", err)
		writeError(w, err)
		return
	}

	log.Info("session cleared", "identity", identity)
	w.WriteHeader(http.StatusNoContent)
}

func readMsg(r *http.Request, dst any) error {
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, 1<<20))
	if nil != err {
		return flagWrapError(err, ErrValidation, "failed reading request body")
	}
	err = jsonSrz.Unmarshal(body, dst)

	return flagWrapError(err, ErrValidation, "failed decoding request body") // nil if err is nil
}

func writeMsg(w http.ResponseWriter, status int, msg any) {
	data, err := jsonSrz.Marshal(msg)
	if nil != err {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError maps a taxonomy flag to its HTTP status & wire code.
// 4xx means caller fixable, 5xx means infrastructure.
func writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, codeInternal
	switch {
	case errors.Is(err, ErrSessionExpired):
		status, code = http.StatusUnauthorized, codeSessionExpired
	case errors.Is(err, ErrDataMissing):
		status, code = http.StatusNotFound, codeDataMissing
	case errors.Is(err, ErrTamperedNoBackup):
		status, code = http.StatusGone, codeTamperedNoBackup
	case errors.Is(err, ErrTransitIntegrity):
		status, code = http.StatusBadRequest, codeTransitIntegrity
	case errors.Is(err, ErrDecryption):
		status, code = http.StatusBadRequest, codeDecryption
	case errors.Is(err, ErrValidation):
		status, code = http.StatusBadRequest, codeValidation
	case errors.Is(err, ErrStoreUnavailable):
		status, code = http.StatusServiceUnavailable, codeStoreUnavailable
	}

	data, _ := jsonSrz.Marshal(errorMsg{Code: code, Err: flagMessage(code)})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

// flagMessage returns the caller facing message for a wire code.
// Inner error details stay server side, they may reference stored state.
func flagMessage(code string) string {
	switch code {
	case codeSessionExpired:
		return "session expired, re-establish before retrying"
	case codeDataMissing:
		return "no data stored for this session"
	case codeTamperedNoBackup:
		return "stored data is tampered and unrecoverable"
	case codeTransitIntegrity:
		return "request failed transit integrity check"
	case codeDecryption:
		return "payload could not be decrypted"
	case codeValidation:
		return "malformed request"
	case codeStoreUnavailable:
		return "storage temporarily unavailable, retry later"
	default:
		return "internal error"
	}
}

// flagOfCode maps a wire code back to its taxonomy flag.
func flagOfCode(code string, status int) errorFlag {
	switch code {
	case codeSessionExpired:
		return ErrSessionExpired
	case codeDataMissing:
		return ErrDataMissing
	case codeTamperedNoBackup:
		return ErrTamperedNoBackup
	case codeTransitIntegrity:
		return ErrTransitIntegrity
	case codeDecryption:
		return ErrDecryption
	case codeValidation:
		return ErrValidation
	case codeStoreUnavailable:
		return ErrStoreUnavailable
	}
	// fall back on the status class
	if status >= 500 {
		return ErrStoreUnavailable
	}

	return ErrValidation
}

type httpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPConveyor implements Conveyor over the Handler HTTP API.
type HTTPConveyor struct {
	cli     httpClient
	baseUrl string
}

// NewHTTPConveyor creates an HTTPConveyor targeting serverUrl.
// cli may be nil, in which case http.DefaultClient is used.
func NewHTTPConveyor(cli httpClient, serverUrl string) (*HTTPConveyor, error) {
	srvUrl, err := url.Parse(serverUrl)
	if nil != err {
		return nil, wrapError(err, "invalid serverUrl")
	}
	if !slices.Contains([]string{"http", "https"}, srvUrl.Scheme) {
		return nil, newError("invalid serverUrl scheme %s", srvUrl.Scheme)
	}
	if nil == cli {
		cli = http.DefaultClient
	}

	return &HTTPConveyor{cli: cli, baseUrl: strings.TrimSuffix(serverUrl, "/")}, nil
}

// Establish requests a fresh session from the server.
func (self *HTTPConveyor) Establish(ctx context.Context) (Grant, error) {
	var grant Grant

	msg := grantMsg{}
	err := self.roundTrip(ctx, http.MethodPost, "/session", "", nil, &msg)
	if nil != err {
		return grant, err
	}

	grant = Grant{
		Session:    Session{Identity: msg.Identity, Secret: msg.Secret},
		Credential: msg.Credential,
	}

	return grant, nil
}

// Push stores env on the server.
func (self *HTTPConveyor) Push(ctx context.Context, credential string, env Envelope) error {
	return self.roundTrip(ctx, http.MethodPut, "/record", credential, &env, nil)
}

// Pull retrieves the stored envelope.
func (self *HTTPConveyor) Pull(ctx context.Context, credential string) (Envelope, error) {
	env := Envelope{}
	err := self.roundTrip(ctx, http.MethodGet, "/record", credential, nil, &env)

	return env, err
}

// Drop clears the server side session.
func (self *HTTPConveyor) Drop(ctx context.Context, credential string) error {
	return self.roundTrip(ctx, http.MethodDelete, "/session", credential, nil, nil)
}

// roundTrip executes one HTTP exchange, encoding msg and decoding a success
// body into dst when non nil. Server rejections come back as flagged errors.
func (self *HTTPConveyor) roundTrip(ctx context.Context, method, path, credential string, msg, dst any) error {
	var body io.Reader
	if nil != msg {
		data, err := jsonSrz.Marshal(msg)
		if nil != err {
			return wrapError(err, "failed marshalling request body")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, self.baseUrl+path, body)
	if nil != err {
		return wrapError(err, "failed instantiating http Request")
	}
	if nil != msg {
		req.Header.Set("Content-Type", "application/json")
	}
	if "" != credential {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	resp, err := self.cli.Do(req)
	if nil != err {
		return flagWrapError(err, ErrStoreUnavailable, "failed http %s %s", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if nil != err {
		return wrapError(err, "failed reading response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		rejection := errorMsg{}
		jsonSrz.Unmarshal(data, &rejection) // best effort, fall back on status class
		return flagError(flagOfCode(rejection.Code, resp.StatusCode), "server rejected %s %s, %s", method, path, rejection.Err)
	}

	if nil != dst {
		err = jsonSrz.Unmarshal(data, dst)
		if nil != err {
			return wrapError(err, "failed decoding response body")
		}
	}

	return nil
}

var _ Conveyor = &HTTPConveyor{}
