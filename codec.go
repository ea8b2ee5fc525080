package eftl

import "encoding/base64"

// encodeOpaque/decodeOpaque implement the Base64 payload codec spec.md §1
// names as an external collaborator. Message stores opaque byte fields as
// base64 text inside the JSON body, the way the eFTL wire protocol does for
// any field the user sets via SetOpaque.
func encodeOpaque(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func decodeOpaque(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
