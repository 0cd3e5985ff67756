// Package auth provides caller authentication for handoff-gateway.
//
// # Credentials
//
// Authenticated endpoints accept a bearer credential in the Authorization
// header, in one of two forms:
//
//   - JWT: HS256 tokens signed with auth.jwt_secret, subject = user ID.
//     Minted by "handoff-gateway bootstrap" or any system sharing the secret.
//
//   - Session token: the opaque token a browser received through a channel
//     handoff. Resolved through a SessionVerifier.
//
// The two are told apart by shape: a JWT has exactly two dots, session
// tokens are unpadded base64url and have none.
//
// # Middleware
//
//	mux.Handle("POST /v1/service-tokens",
//	    auth.HTTPAuthMiddleware(users, verifier, sessions)(handler))
//
// On success the handler finds the caller with FromContext. Disabled users
// are refused with 403 even when their credential is still valid.
//
// RequireAdminHTTP further restricts a route to owner and admin roles.
package auth
