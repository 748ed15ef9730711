package remote

// Authenticator provides credentials for a registry.
type Authenticator interface {
	// Authenticate returns credentials for the given registry. An empty
	// username falls back to the docker keychain.
	Authenticate(registry string) (username, password string, err error)
}

// StaticAuthenticator returns the same credentials for every registry.
type StaticAuthenticator struct {
	Username string
	Password string
}

func (a StaticAuthenticator) Authenticate(string) (string, string, error) {
	return a.Username, a.Password, nil
}
