package account

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/parlor/chat-server/internal/auth"
)

// Username and display name bounds enforced at registration.
const (
	minUsernameLen = 3
	maxUsernameLen = 32
	minPasswordLen = 8
	maxDisplayLen  = 64
)

// Handler serves the account HTTP endpoints: registration and login.
type Handler struct {
	store  *Store
	minter *auth.JWT
}

// NewHandler creates a Handler that persists to store and mints tokens with
// minter on successful login.
func NewHandler(store *Store, minter *auth.JWT) *Handler {
	return &Handler{store: store, minter: minter}
}

type registerRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string `json:"token"`
	ID    string `json:"id"`
	Name  string `json:"name"`
}

// Register handles POST /auth/register. It validates the input, hashes the
// password, and stores the account. The response includes a freshly minted
// token so the client can connect immediately.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req.Username = strings.TrimSpace(strings.ToLower(req.Username))
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.DisplayName == "" {
		req.DisplayName = req.Username
	}

	if err := validateRegistration(req); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		log.Printf("account: hash password: %v", err)
		httpError(w, http.StatusInternalServerError, "internal error")
		return
	}

	acct, err := h.store.Create(r.Context(), req.Username, req.DisplayName, hash)
	if errors.Is(err, ErrUsernameTaken) {
		httpError(w, http.StatusConflict, "username taken")
		return
	}
	if err != nil {
		log.Printf("account: create: %v", err)
		httpError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.issueToken(w, acct, http.StatusCreated)
}

// Login handles POST /auth/login. Credential failures are reported uniformly
// so the response does not reveal whether the username exists.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	acct, err := h.store.ByUsername(r.Context(), strings.TrimSpace(strings.ToLower(req.Username)))
	if errors.Is(err, ErrNotFound) {
		httpError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		log.Printf("account: lookup: %v", err)
		httpError(w, http.StatusInternalServerError, "internal error")
		return
	}

	ok, err := ComparePassword(req.Password, acct.PasswordHash)
	if err != nil {
		log.Printf("account: compare password user=%s: %v", acct.ID, err)
		httpError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		httpError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	h.issueToken(w, acct, http.StatusOK)
}

func (h *Handler) issueToken(w http.ResponseWriter, acct Account, status int) {
	token, err := h.minter.Mint(auth.Identity{ID: acct.ID, Name: acct.DisplayName})
	if err != nil {
		log.Printf("account: mint token user=%s: %v", acct.ID, err)
		httpError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(tokenResponse{Token: token, ID: acct.ID, Name: acct.DisplayName})
}

func validateRegistration(req registerRequest) error {
	if n := utf8.RuneCountInString(req.Username); n < minUsernameLen || n > maxUsernameLen {
		return errors.New("username must be 3-32 characters")
	}
	for _, r := range req.Username {
		if !isUsernameRune(r) {
			return errors.New("username may only contain lowercase letters, digits, '_' and '-'")
		}
	}
	if len(req.Password) < minPasswordLen {
		return errors.New("password must be at least 8 characters")
	}
	if utf8.RuneCountInString(req.DisplayName) > maxDisplayLen {
		return errors.New("display name too long")
	}
	return nil
}

func isUsernameRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-'
}

func httpError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
