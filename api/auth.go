package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"

	"github.com/garnizeh/chainlance/internal/dashboard"
	"github.com/garnizeh/chainlance/pkg/chain"
)

// SessionHandler exposes the connection manager. Connecting asks the wallet
// for authorization and issues a token bound to the authorized address.
type SessionHandler struct {
	dash          *dashboard.Service
	jwtSecret     string
	tokenDuration time.Duration
}

// NewSessionHandler creates a new SessionHandler with required dependencies.
func NewSessionHandler(d *dashboard.Service, jwtSecret string, tokenDuration time.Duration) *SessionHandler {
	return &SessionHandler{dash: d, jwtSecret: jwtSecret, tokenDuration: tokenDuration}
}

type sessionResponse struct {
	Connected bool           `json:"connected"`
	Session   *chain.Session `json:"session,omitempty"`
}

type connectResponse struct {
	Token     string         `json:"token"`
	Address   common.Address `json:"address"`
	ExpiresAt time.Time      `json:"expiresAt"`
	Session   *chain.Session `json:"session"`
}

func (h *SessionHandler) Current(w http.ResponseWriter, r *http.Request) {
	cur := h.dash.Session()
	resp := sessionResponse{Connected: cur.Connected()}
	if resp.Connected {
		resp.Session = cur
	}
	writeJSON(w, resp, http.StatusOK)
}

func (h *SessionHandler) Connect(w http.ResponseWriter, r *http.Request) {
	addr, err := h.dash.Manager().Connect(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	exp := time.Now().Add(h.tokenDuration)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"wallet": addr.Hex(),
		"iat":    time.Now().Unix(),
		"exp":    exp.Unix(),
	})
	tokenStr, err := token.SignedString([]byte(h.jwtSecret))
	if err != nil {
		writeError(w, r, err)
		return
	}

	logger.Info("session connected", slog.String("wallet", addr.Hex()))
	writeJSON(w, connectResponse{
		Token:     tokenStr,
		Address:   addr,
		ExpiresAt: exp.UTC().Truncate(time.Second),
		Session:   h.dash.Session(),
	}, http.StatusOK)
}

// Disconnect clears the session. Tokens issued for it stop being accepted.
func (h *SessionHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	h.dash.Manager().Disconnect()
	w.WriteHeader(http.StatusNoContent)
}
