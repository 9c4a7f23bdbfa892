package store

import "golang.org/x/crypto/bcrypt"

// HashPassword produces the value stored in accounts.password_hash.
// Grounded on mjl--mox's use of golang.org/x/crypto for credential
// handling; bcrypt's built-in cost/salt handling replaces anything
// home-rolled here.
func HashPassword(plain string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	return string(b), err
}

func checkPassword(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}
