// Package tokens implements the OAuth2 token authority for the single
// configured assistant client: authorization codes, access/refresh token
// pairs, bearer validation, expiry sweeping, and crash-safe persistence.
//
// Tokens are HS256-signed JWTs carrying client identity, issue/expiry
// times, and a type tag, signed with the client secret shared at
// provisioning time. A token is accepted only if the signature verifies
// AND a live server-side shadow entry exists. The shadow check makes
// revocation possible despite self-contained tokens.
//
// All three credential maps serialize to one store record; writes are
// throttled to absorb bursty issuance without losing durability.
package tokens
