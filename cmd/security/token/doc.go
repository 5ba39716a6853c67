// Package token verifies caller identity for Parley.
//
// Callers present an HS256 JWT issued by the surrounding platform. The subject claim is the user id the
// messaging engine authorizes against; roles are never taken from the token (admin status is looked up
// in the record store).
//
// Environment:
//   - PARLEY_TOKEN_HMAC_KEY: the shared HS256 secret (>= 32 bytes in production).
//   - PARLEY_TOKEN_ISSUER / PARLEY_TOKEN_AUDIENCE: optional expected iss / aud.
package token
