package integration_test

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"time"

	_ "modernc.org/sqlite"
)

type UserResponse struct {
	ID                string `json:"id"`
	Email             string `json:"email"`
	Name              string `json:"name"`
	IdentityProviders []struct {
		Provider   string `json:"provider"`
		ProviderID string `json:"providerId"`
		Email      string `json:"email"`
	} `json:"identityProviders"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`
	Iss   string `json:"iss"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// newBrowser returns a client that keeps cookies and follows redirects, like
// a browser going through the provider round trip.
func newBrowser() *http.Client {
	jar, _ := cookiejar.New(nil)
	return &http.Client{
		Jar:     jar,
		Timeout: 5 * time.Second,
	}
}

func getJSON(client *http.Client, url string, out any) (int, error) {
	resp, err := client.Get(url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func whoAmI(baseURL, token string, out any) (int, error) {
	req, err := http.NewRequest(http.MethodGet, baseURL+"/api/whoami", nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, json.NewDecoder(resp.Body).Decode(out)
}

func countRows(dbPath, table string) (int, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var count int
	err = db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
	return count, err
}

func countUsers(dbPath string) (int, error) {
	return countRows(dbPath, "users")
}

func countCredentials(dbPath string) (int, error) {
	return countRows(dbPath, "user_credentials")
}

func cleanDatabase(dbPath string) error {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.Exec("DELETE FROM user_credentials"); err != nil {
		return err
	}
	_, err = db.Exec("DELETE FROM users")
	return err
}
