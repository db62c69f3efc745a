// Package auth authenticates relay connections with HS256 JWTs.
//
// Tokens carry the user ID in "sub" and an optional display name in "name".
// The relay installs UnaryInterceptor and StreamInterceptor, which read a
// "Bearer" token from the authorization metadata and attach the verified
// Identity to the request context. Clients attach their token with
// TokenCredentials.
//
// Token issuance is the job of whoever runs the relay; Generate exists for
// the token subcommand and tests.
package auth
