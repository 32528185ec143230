// Package auth verifies HS256 bearer tokens for the simulator control API.
//
// Tokens carry a space-separated scope claim. Middleware rejects requests
// without a valid token with 401 and tokens lacking the required scope with
// 403.
package auth
