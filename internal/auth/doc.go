// Package auth verifies operator console tokens for fleet-gateway.
//
// # Tokens
//
// Consoles authenticate with JWT bearer tokens signed HS256 using the
// configured jwt_secret. Claims carry the operator id ("sub") and
// organization id ("org"), surfaced as a Principal:
//
//	verifier := auth.NewJWTVerifier(secret)
//	principal, err := verifier.Verify(tokenString)
//
// Generate issues tokens for the CLI's bootstrap and token commands.
// Tokens signed with any other algorithm, expired, or missing either
// claim are rejected.
//
// An empty jwt_secret disables authentication entirely: the gateway
// admits anonymous consoles with no org scoping. Device agents do not
// use tokens; their identity comes from the hello message.
package auth
