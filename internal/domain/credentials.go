package domain

// CredentialFile is one opaque credential artifact belonging to a session.
// The contents are whatever the client library emits; the bridge never
// inspects them. Data round-trips through JSON as base64.
type CredentialFile struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}
