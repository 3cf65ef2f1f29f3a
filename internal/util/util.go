package util

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// GenRandomString returns d followed by n random bytes, URL-safe base64
// encoded. It panics if the system random source fails.
func GenRandomString(d []byte, n int) string {
	b := append(d, GenRandomBytes(n)...)
	return encode(b)
}

func GenRandomBytes(n int) []byte {
	b := make([]byte, n)
	_, err := rand.Read(b)
	if err != nil {
		panic(err)
	}
	return b
}

func encode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// JsonWriteStatus writes v as the JSON body of a status response. Encoding
// errors are dropped since the header is already sent.
func JsonWriteStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func CryptPwd(password string) string {
	x, err := bcrypt.GenerateFromPassword([]byte(password), 12)
	if err != nil {
		panic(err)
	}
	return string(x)
}

func GenUUID() string {
	x, err := uuid.NewRandom()
	if err != nil {
		panic(err)
	}
	return x.String()
}

// Truncate cuts s to at most n bytes, for logging untrusted input.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
