package www

import (
	"encoding/json"
	"net/http"
	"strings"
)

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func readCredentials(r *http.Request) credentials {
	var c credentials
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		json.NewDecoder(r.Body).Decode(&c)
		return c
	}
	c.Username = r.FormValue("username")
	c.Password = r.FormValue("password")
	return c
}

func (h *Handlers) handleLogin(w http.ResponseWriter, r *http.Request) {
	c := readCredentials(r)
	if c.Username == "" || c.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}

	db := h.engine.DB()

	// The first login creates the admin account.
	exists, _ := db.AdminUserExists()
	if !exists {
		hash, err := hashPassword(c.Password)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if _, err := db.CreateAdminUser(c.Username, hash); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to create admin user")
			return
		}
	} else {
		user, err := db.GetAdminUser(c.Username)
		if err != nil || !checkPassword(c.Password, user.PasswordHash) {
			writeError(w, http.StatusUnauthorized, "invalid username or password")
			return
		}
	}

	if err := h.sessions.setUser(w, r, c.Username); err != nil {
		writeError(w, http.StatusInternalServerError, "session error")
		return
	}
	writeJSON(w, map[string]string{"status": "ok", "username": c.Username})
}

func (h *Handlers) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.sessions.clear(w, r)
	writeJSON(w, map[string]string{"status": "ok"})
}

func (h *Handlers) apiChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NewPassword == "" {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	username, _ := h.sessions.getUser(r)
	db := h.engine.DB()
	user, err := db.GetAdminUser(username)
	if err != nil || !checkPassword(req.OldPassword, user.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "current password is incorrect")
		return
	}
	hash, err := hashPassword(req.NewPassword)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := db.UpdateAdminPassword(username, hash); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}
