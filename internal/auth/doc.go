// Package auth issues and validates the bearer tokens that guard the
// starter's HTTP command endpoints.
//
// Tokens are HS256 JWTs carrying a role. Two roles exist:
//   - viewer: may read round status and subscribe to events
//   - operator: may also start, stop and upload
//
// The role-permission mapping is static; there is no user database. Tokens
// are minted offline with `starter token <subject>` and handed to the
// arena control software or a team laptop.
package auth
