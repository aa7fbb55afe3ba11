package session

// Session defines a public type used by authcore APIs.
//
// Token plaintexts never appear here; the store holds only SHA-256 hashes of
// the access and refresh secrets. PrevRefreshHash keeps the hash of the
// immediately superseded refresh token so its reuse is distinguishable from
// a random invalid token.
type Session struct {
	SessionID string
	UserID    string

	ActiveRole string

	AccessHash      [32]byte
	RefreshHash     [32]byte
	PrevRefreshHash [32]byte

	AccessExpiresAt int64
	CreatedAt       int64
	ExpiresAt       int64
	LastActivityAt  int64

	IPHash        [32]byte
	UserAgentHash [32]byte
}
