package resolver

// Identity is the input to URL resolution. The variants are ExplicitURL,
// Email, OpaqueID and User.
type Identity interface {
	identity()
}

// ExplicitURL is an avatar URL supplied by the remote profile.
type ExplicitURL string

// Email is an address whose content hash addresses a hash-avatar provider.
type Email string

// OpaqueID is a precomputed provider hash used as-is.
type OpaqueID string

// User resolves AvatarURL when present and falls back to Email.
type User struct {
	AvatarURL string
	Email     string
}

func (ExplicitURL) identity() {}
func (Email) identity()       {}
func (OpaqueID) identity()    {}
func (User) identity()        {}
