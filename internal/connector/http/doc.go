// Package http provides the upstream HTTP client every connector call goes
// through.
//
// Structure:
//
//	client.go  - HTTP client with rate limiting, optional retry and error classification
//	auth.go    - Authentication strategies (Basic, Bearer, API key, query key)
//	cursor.go  - Opaque list cursors (page, offset, token)
//	httpstub/  - In-process transport for tests
package http
